package app

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/roach88/fabric/internal/channel"
	"github.com/roach88/fabric/internal/store"
)

// SystemName is the root every daemon exposes System under.
const SystemName = "sys"

// System answers introspection calls from peers.
type System struct {
	ch      *channel.Channel
	st      *store.Store
	clock   clock.Clock
	started time.Time
}

// NewSystem creates the system object for ch.
func NewSystem(ch *channel.Channel, st *store.Store, clk clock.Clock) *System {
	return &System{ch: ch, st: st, clock: clk, started: clk.Now()}
}

func registerSystem(lc fx.Lifecycle, s *System) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if _, err := s.ch.Expose(SystemName, s); err != nil {
				return fmt.Errorf("expose %s: %w", SystemName, err)
			}
			return nil
		},
	})
}

func (s *System) Ping() string { return "pong" }

func (s *System) Name() string { return s.ch.Name() }

// Version returns the protocol version the channel announces.
func (s *System) Version() string { return s.ch.Version() }

func (s *System) Routes() []string { return s.ch.Routes() }

func (s *System) Exposed() []string { return s.ch.Exposed() }

// Uptime is reported in whole seconds.
func (s *System) Uptime() int64 {
	return int64(s.clock.Since(s.started) / time.Second)
}

// Pending counts the mailbox entries still waiting for peer.
func (s *System) Pending(ctx context.Context, peer string) (int, error) {
	entries, err := s.st.ListMailbox(ctx, store.MailboxFilter{Channel: peer, Status: store.StatusPending})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
