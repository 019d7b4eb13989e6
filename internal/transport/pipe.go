package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/fabric/internal/fifo"
	"github.com/roach88/fabric/internal/wire"
)

// Port is one end of an in-process duplex pipe, the stand-in for a
// dedicated worker or a message port.
//
// Messages are copied through the JSON codec unless the sender passes a
// transfer list, in which case the message is handed over as-is. Messages
// sent before the peer attaches are queued and delivered in order once it
// does.
type Port struct {
	kind      Kind
	peer      *Port
	inbox     *fifo.Queue[*wire.Message]
	listeners listeners
	logger    *slog.Logger

	mu       sync.Mutex
	attached bool
	detached bool
	done     chan struct{}
}

// NewPipe returns two connected ports of the given kind, normally
// KindWorker or KindMessagePort.
func NewPipe(kind Kind, opts ...Option) (*Port, *Port) {
	o := newOptions(opts, nil)
	a := newPort(kind, o.logger)
	b := newPort(kind, o.logger)
	a.peer, b.peer = b, a
	return a, b
}

func newPort(kind Kind, logger *slog.Logger) *Port {
	return &Port{
		kind:   kind,
		inbox:  fifo.New[*wire.Message](),
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (p *Port) Kind() Kind                 { return p.kind }
func (p *Port) Capabilities() Capabilities { return CapabilitiesOf(p.kind) }

// Attach starts delivering queued and future messages to listeners.
func (p *Port) Attach(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached {
		return ErrDetached
	}
	if p.attached {
		return nil
	}
	p.attached = true
	go p.inbox.Drain(p.done, p.listeners.message)
	return nil
}

// Detach stops delivery. The peer's later sends fail with ErrDetached.
func (p *Port) Detach() error {
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		return nil
	}
	p.detached = true
	p.inbox.Close()
	close(p.done)
	p.mu.Unlock()

	p.listeners.close()
	return nil
}

// Send delivers msg to the peer port.
func (p *Port) Send(msg *wire.Message, transfer ...any) error {
	p.mu.Lock()
	detached := p.detached
	p.mu.Unlock()
	if detached {
		return ErrDetached
	}

	out := msg.Clone()
	if len(transfer) == 0 {
		cp, err := wire.CloneViaJSON(msg)
		if err != nil {
			p.logger.Debug("message not cloneable", "kind", p.kind, "msg_id", msg.ID, "error", err)
			return fmt.Errorf("%s send %s: %w", p.kind, msg.ID, err)
		}
		out = cp
	}
	if !p.peer.inbox.Enqueue(out) {
		return fmt.Errorf("%s send %s: peer: %w", p.kind, msg.ID, ErrDetached)
	}
	return nil
}

func (p *Port) Listen(onMessage func(*wire.Message), onError func(error), onClose func()) func() {
	return p.listeners.add(onMessage, onError, onClose)
}

// Peer returns the other end of the pipe.
func (p *Port) Peer() *Port { return p.peer }
