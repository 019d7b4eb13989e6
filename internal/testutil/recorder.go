package testutil

import (
	"sync"

	"github.com/roach88/fabric/internal/transport"
	"github.com/roach88/fabric/internal/wire"
)

// Recorder wraps an adapter and keeps a copy of every message sent through
// it. A drop filter can swallow messages to simulate loss.
//
// Thread-safety: All methods are safe for concurrent use.
type Recorder struct {
	transport.Adapter

	mu   sync.Mutex
	sent []*wire.Message
	drop func(*wire.Message) bool
}

// Record wraps a.
func Record(a transport.Adapter) *Recorder {
	return &Recorder{Adapter: a}
}

// Send records msg and forwards it unless the drop filter matches. Dropped
// messages report success, like a datagram lost on the wire.
func (r *Recorder) Send(msg *wire.Message, transfer ...any) error {
	r.mu.Lock()
	r.sent = append(r.sent, msg.Clone())
	drop := r.drop
	r.mu.Unlock()
	if drop != nil && drop(msg) {
		return nil
	}
	return r.Adapter.Send(msg, transfer...)
}

// DropIf installs a filter for later sends. Nil delivers everything.
func (r *Recorder) DropIf(fn func(*wire.Message) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drop = fn
}

// Sent returns the recorded messages in send order.
func (r *Recorder) Sent() []*wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*wire.Message(nil), r.sent...)
}

// SentOf returns the recorded messages of type typ.
func (r *Recorder) SentOf(typ wire.MessageType) []*wire.Message {
	var out []*wire.Message
	for _, m := range r.Sent() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// Signals returns the kinds of the recorded signals in send order.
func (r *Recorder) Signals() []wire.SignalKind {
	var out []wire.SignalKind
	for _, m := range r.SentOf(wire.TypeSignal) {
		out = append(out, m.Payload.Signal)
	}
	return out
}
