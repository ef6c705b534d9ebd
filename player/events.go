package player

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/hplayer/media"
)

// eventSink fans pipeline events into the player's event channel without
// ever blocking a stage. Events wait in a backlog that a pump goroutine
// feeds into the channel. When the backlog is full the oldest frame-skip
// event makes room; no other kind is ever dropped.
type eventSink struct {
	log     *slog.Logger
	dropped atomic.Int64
	ch      chan media.Event
	wake    chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	backlog []media.Event
	running bool
	closed  bool
}

func newEventSink(log *slog.Logger) *eventSink {
	return &eventSink{
		log:  log,
		ch:   make(chan media.Event, media.EventBufferSize),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// droppable reports whether an event may be discarded under backpressure.
func droppable(k media.EventKind) bool {
	return k == media.EventFrameSkipped
}

func (e *eventSink) Report(ev media.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if !e.running {
		e.running = true
		go e.pump()
	}
	if len(e.backlog) >= media.EventBufferSize && !e.makeRoomLocked(ev) {
		e.drop(ev)
		return
	}
	e.backlog = append(e.backlog, ev)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// makeRoomLocked evicts the oldest droppable event from a full backlog. It
// reports false when ev itself should be dropped instead. A backlog of
// only non-droppable events grows past its bound.
func (e *eventSink) makeRoomLocked(ev media.Event) bool {
	for i, old := range e.backlog {
		if droppable(old.Kind) {
			e.backlog = append(e.backlog[:i], e.backlog[i+1:]...)
			e.drop(old)
			return true
		}
	}
	return !droppable(ev.Kind)
}

func (e *eventSink) drop(ev media.Event) {
	if n := e.dropped.Add(1); n == 1 || n%100 == 0 {
		e.log.Debug("event backlog full, dropping", "kind", ev.Kind, "dropped", n)
	}
}

// pump moves the backlog into the channel until the sink is closed.
func (e *eventSink) pump() {
	defer close(e.ch)
	for {
		e.mu.Lock()
		if len(e.backlog) == 0 {
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-e.wake:
			case <-e.done:
			}
			continue
		}
		ev := e.backlog[0]
		e.backlog = e.backlog[1:]
		e.mu.Unlock()

		select {
		case e.ch <- ev:
		case <-e.done:
			e.flush(ev)
			return
		}
	}
}

// flush hands the remaining backlog over without waiting for a reader.
// Whatever does not fit in the channel buffer is lost.
func (e *eventSink) flush(first media.Event) {
	e.mu.Lock()
	rest := e.backlog
	e.backlog = nil
	e.mu.Unlock()
	for _, ev := range append([]media.Event{first}, rest...) {
		select {
		case e.ch <- ev:
		default:
			e.log.Debug("event sink closed, event not delivered", "kind", ev.Kind)
		}
	}
}

func (e *eventSink) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.done)
	if !e.running {
		close(e.ch)
	}
}
