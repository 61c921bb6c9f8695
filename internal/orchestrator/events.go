package orchestrator

import (
	"time"

	"github.com/danmuck/patchctl/internal/hostproc"
)

type EventKind string

const (
	EventProcessAdded   EventKind = "process_added"
	EventProcessChanged EventKind = "process_changed"
	EventProcessRemoved EventKind = "process_removed"
	EventScriptsChanged EventKind = "scripts_changed"
	EventError          EventKind = "error"
)

const defaultSubscriberBuffer = 64

// Event is a notification for status observers.
type Event struct {
	Kind    EventKind          `json:"kind"`
	PID     int                `json:"pid,omitempty"`
	Process *hostproc.Snapshot `json:"process,omitempty"`
	Order   []string           `json:"order,omitempty"`
	Error   *ErrorReport       `json:"error,omitempty"`
	At      time.Time          `json:"at"`
}

// Subscribe registers an observer. Events are dropped for a subscriber
// whose buffer is full. The returned func unsubscribes and closes the
// channel.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, defaultSubscriberBuffer)
	o.subMu.Lock()
	if o.subsClosed {
		o.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.subMu.Unlock()

	return ch, func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
	}
}

func (o *Orchestrator) broadcast(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for id, ch := range o.subs {
		select {
		case ch <- ev:
		default:
			o.log.Debug().Msgf("orchestrator.broadcast dropped kind=%s subscriber=%d", ev.Kind, id)
		}
	}
}

func (o *Orchestrator) closeSubscribers() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
	o.subsClosed = true
}

func processEvent(kind EventKind, hp *hostproc.HostProcess) Event {
	snap := hp.Snapshot()
	return Event{Kind: kind, PID: hp.PID(), Process: &snap}
}
