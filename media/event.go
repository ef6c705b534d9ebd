package media

import (
	"fmt"
	"time"
)

// EventKind identifies a player observability event.
type EventKind int

// Event kinds.
const (
	EventReady EventKind = iota
	EventFragment
	EventFrameSkipped
	EventDecodeFault
	EventStall
	EventSeekDeferred
	EventWarning
	EventEnded
	EventError
)

var eventNames = [...]string{
	EventReady:        "ready",
	EventFragment:     "fragment",
	EventFrameSkipped: "frame-skipped",
	EventDecodeFault:  "decode-fault",
	EventStall:        "stall",
	EventSeekDeferred: "seek-deferred",
	EventWarning:      "warning",
	EventEnded:        "ended",
	EventError:        "error",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is delivered through the player's event channel. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind     EventKind
	Time     time.Time
	TrackID  uint32
	PTS      time.Duration
	Fragment uint32
	Info     *MediaInfo
	Err      error
}

func (e Event) String() string {
	switch e.Kind {
	case EventReady:
		return "ready"
	case EventFragment:
		return fmt.Sprintf("fragment %d", e.Fragment)
	case EventError, EventWarning, EventDecodeFault:
		return fmt.Sprintf("%s track=%d: %v", e.Kind, e.TrackID, e.Err)
	}
	return fmt.Sprintf("%s track=%d pts=%s", e.Kind, e.TrackID, e.PTS)
}

// Reporter receives pipeline events. Implementations must not block.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(Event)

// Report calls f(e).
func (f ReporterFunc) Report(e Event) { f(e) }

// Discard is a Reporter that drops every event.
var Discard Reporter = ReporterFunc(func(Event) {})
