package decode

import "github.com/zsiec/hplayer/media"

// frameHeap orders decoded frames by presentation time, then by request
// sequence for frames sharing a timestamp.
type frameHeap []*media.DecodedFrame

func (h frameHeap) Len() int { return len(h) }

func (h frameHeap) Less(i, j int) bool {
	if h[i].PTS != h[j].PTS {
		return h[i].PTS < h[j].PTS
	}
	return h[i].Seq < h[j].Seq
}

func (h frameHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *frameHeap) Push(x any) { *h = append(*h, x.(*media.DecodedFrame)) }

func (h *frameHeap) Pop() any {
	old := *h
	f := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	return f
}
