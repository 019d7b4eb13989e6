package connreg

import "sync"

// EventKind names a lifecycle change.
type EventKind string

const (
	Connected    EventKind = "connected"
	Notified     EventKind = "notified"
	Disconnected EventKind = "disconnected"
)

// Event is published to subscribers on every lifecycle change.
type Event struct {
	Kind       EventKind
	Connection Connection
	Payload    any
}

// Subscription receives registry events on a buffered channel. Events are
// dropped for a subscriber whose buffer is full.
type Subscription struct {
	reg       *Registry
	out       chan Event
	closeOnce sync.Once
}

// Subscribe returns a new subscription with the given buffer size.
func (r *Registry) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 16
	}
	s := &Subscription{reg: r, out: make(chan Event, buffer)}
	r.subMu.Lock()
	r.subs[s] = struct{}{}
	r.subMu.Unlock()
	return s
}

// Out returns the event channel. It is closed by Close.
func (s *Subscription) Out() <-chan Event {
	return s.out
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.reg.subMu.Lock()
		delete(s.reg.subs, s)
		close(s.out)
		s.reg.subMu.Unlock()
	})
}

func (r *Registry) publish(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for s := range r.subs {
		select {
		case s.out <- ev:
		default:
			r.logger.Warn("connection event dropped", "kind", ev.Kind, "id", ev.Connection.ID)
		}
	}
}
