package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/fabric/internal/fifo"
	"github.com/roach88/fabric/internal/wire"
)

// BroadcastGroup is a named fan-out bus: every message a member sends is
// delivered to every other attached member. Members that are not attached
// miss the message.
type BroadcastGroup struct {
	name   string
	kind   Kind
	logger *slog.Logger

	mu      sync.RWMutex
	members map[*GroupPort]struct{}
}

// NewBroadcastGroup returns an empty group.
func NewBroadcastGroup(name string, opts ...Option) *BroadcastGroup {
	return newGroup(name, KindBroadcast, opts)
}

func newGroup(name string, kind Kind, opts []Option) *BroadcastGroup {
	o := newOptions(opts, nil)
	return &BroadcastGroup{
		name:    name,
		kind:    kind,
		logger:  o.logger,
		members: make(map[*GroupPort]struct{}),
	}
}

// Name returns the group name.
func (g *BroadcastGroup) Name() string { return g.name }

// Join returns a new member port.
func (g *BroadcastGroup) Join() *GroupPort {
	return g.join(nil)
}

func (g *BroadcastGroup) join(accept func(*wire.Message) bool) *GroupPort {
	return &GroupPort{
		group:  g,
		accept: accept,
		inbox:  fifo.New[*wire.Message](),
		done:   make(chan struct{}),
	}
}

func (g *BroadcastGroup) add(p *GroupPort) {
	g.mu.Lock()
	g.members[p] = struct{}{}
	g.mu.Unlock()
}

func (g *BroadcastGroup) remove(p *GroupPort) {
	g.mu.Lock()
	delete(g.members, p)
	g.mu.Unlock()
}

func (g *BroadcastGroup) deliver(from *GroupPort, m *wire.Message) int {
	g.mu.RLock()
	targets := make([]*GroupPort, 0, len(g.members))
	for p := range g.members {
		if p != from {
			targets = append(targets, p)
		}
	}
	g.mu.RUnlock()

	n := 0
	for _, p := range targets {
		if p.accept != nil && !p.accept(m) {
			continue
		}
		cp, err := wire.CloneViaJSON(m)
		if err != nil {
			g.logger.Debug("broadcast clone failed", "group", g.name, "msg_id", m.ID, "error", err)
			continue
		}
		if p.inbox.Enqueue(cp) {
			n++
		}
	}
	return n
}

// Len returns the number of attached members.
func (g *BroadcastGroup) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// GroupPort is a member of a BroadcastGroup or a RuntimeHub.
type GroupPort struct {
	group     *BroadcastGroup
	accept    func(*wire.Message) bool
	inbox     *fifo.Queue[*wire.Message]
	listeners listeners

	mu       sync.Mutex
	attached bool
	detached bool
	done     chan struct{}
}

func (p *GroupPort) Kind() Kind                 { return p.group.kind }
func (p *GroupPort) Capabilities() Capabilities { return CapabilitiesOf(p.group.kind) }

// Attach joins the group's delivery set.
func (p *GroupPort) Attach(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached {
		return ErrDetached
	}
	if p.attached {
		return nil
	}
	p.attached = true
	p.group.add(p)
	go p.inbox.Drain(p.done, p.listeners.message)
	return nil
}

// Detach leaves the group.
func (p *GroupPort) Detach() error {
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		return nil
	}
	p.detached = true
	p.group.remove(p)
	p.inbox.Close()
	close(p.done)
	p.mu.Unlock()

	p.listeners.close()
	return nil
}

// Send fans msg out to the other members. Sending into a group with no
// other attached members is not an error.
func (p *GroupPort) Send(msg *wire.Message, transfer ...any) error {
	p.mu.Lock()
	attached, detached := p.attached, p.detached
	p.mu.Unlock()
	switch {
	case detached:
		return ErrDetached
	case !attached && !p.Capabilities().Persistent:
		return fmt.Errorf("%s send %s: %w", p.Kind(), msg.ID, ErrNotOpen)
	}
	p.group.deliver(p, msg)
	return nil
}

func (p *GroupPort) Listen(onMessage func(*wire.Message), onError func(error), onClose func()) func() {
	return p.listeners.add(onMessage, onError, onClose)
}

// RuntimeHub models host-mediated messaging: one process-wide bus on which
// every context sees every message. Ports filter inbound traffic down to
// messages addressed to their own channel name or to wire.Broadcast.
type RuntimeHub struct {
	group *BroadcastGroup
}

// NewRuntimeHub returns an empty hub.
func NewRuntimeHub(opts ...Option) *RuntimeHub {
	return &RuntimeHub{group: newGroup("runtime", KindRuntime, opts)}
}

// Port returns a port that accepts messages for local.
func (h *RuntimeHub) Port(local string) *GroupPort {
	return h.group.join(func(m *wire.Message) bool {
		return m.Channel == local || m.Channel == wire.Broadcast
	})
}
