package ingest

import "container/heap"

// pinSet counts pins per sample offset and tracks the lowest pinned
// offset with a lazily pruned min-heap.
type pinSet struct {
	count map[int64]int
	order offsetHeap
}

func newPinSet() pinSet {
	return pinSet{count: make(map[int64]int)}
}

func (p *pinSet) retain(off int64) {
	p.count[off]++
	if p.count[off] == 1 {
		heap.Push(&p.order, off)
	}
}

// release reports whether the offset became unpinned.
func (p *pinSet) release(off int64) bool {
	n, ok := p.count[off]
	if !ok {
		return false
	}
	if n > 1 {
		p.count[off] = n - 1
		return false
	}
	delete(p.count, off)
	return true
}

func (p *pinSet) lowest() (int64, bool) {
	for p.order.Len() > 0 {
		top := p.order[0]
		if _, ok := p.count[top]; ok {
			return top, true
		}
		heap.Pop(&p.order)
	}
	return 0, false
}

func (p *pinSet) len() int { return len(p.count) }

type offsetHeap []int64

func (h offsetHeap) Len() int           { return len(h) }
func (h offsetHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h offsetHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *offsetHeap) Push(x any) { *h = append(*h, x.(int64)) }

func (h *offsetHeap) Pop() any {
	old := *h
	v := old[len(old)-1]
	*h = old[:len(old)-1]
	return v
}
