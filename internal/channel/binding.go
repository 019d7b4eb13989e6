package channel

import (
	"sort"
	"sync"

	"github.com/roach88/fabric/internal/connreg"
	"github.com/roach88/fabric/internal/transport"
	"github.com/roach88/fabric/internal/wire"
)

// Binding is one transport attached to a channel.
type Binding struct {
	ch        *Channel
	id        int
	adapter   transport.Adapter
	direction connreg.Direction
	remote    string
	unlisten  func()

	mu     sync.Mutex
	conns  map[string]struct{}
	closed bool
}

// Adapter returns the bound transport.
func (b *Binding) Adapter() transport.Adapter { return b.adapter }

// Direction reports whether the binding came from Connect or Listen.
func (b *Binding) Direction() connreg.Direction { return b.direction }

// Remote returns the configured peer, or "" if it is learned.
func (b *Binding) Remote() string { return b.remote }

// Close sends a disconnect signal and detaches the transport.
func (b *Binding) Close() error {
	if b.isClosed() {
		return nil
	}
	peer := b.remote
	if peer == "" {
		peer = wire.Broadcast
	}
	b.ch.sendSignal(b, peer, wire.SignalDisconnect, nil)
	return b.ch.unbind(b, true)
}

func (b *Binding) track(connID string) {
	b.mu.Lock()
	b.conns[connID] = struct{}{}
	b.mu.Unlock()
}

func (b *Binding) connIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.conns))
	for id := range b.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *Binding) markClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.closed = true
	return true
}

func (b *Binding) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
