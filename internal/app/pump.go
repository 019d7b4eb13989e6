package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"

	"github.com/roach88/fabric/internal/channel"
	"github.com/roach88/fabric/internal/config"
	"github.com/roach88/fabric/internal/metrics"
	"github.com/roach88/fabric/internal/store"
)

// Pump drains the mailbox on a timer and removes expired storage rows.
//
// Every poll redials unreachable peers and flushes the mailbox of every
// routed peer. Every cleanup removes expired mailbox entries, exchange
// records and locks.
type Pump struct {
	cfg     config.Mailbox
	ch      *channel.Channel
	st      *store.Store
	peers   *Peers
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPump creates a pump. It does nothing until Start.
func NewPump(cfg *config.Config, ch *channel.Channel, st *store.Store, peers *Peers, m *metrics.Metrics, clk clock.Clock, logger *slog.Logger) *Pump {
	return &Pump{
		cfg:     cfg.Mailbox,
		ch:      ch,
		st:      st,
		peers:   peers,
		metrics: m,
		clock:   clk,
		logger:  logger,
	}
}

func registerPump(lc fx.Lifecycle, p *Pump) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			p.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			p.Stop()
			return nil
		},
	})
}

// Start runs the pump loop in the background.
func (p *Pump) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	poll := p.clock.Ticker(p.cfg.PollInterval.Duration())
	cleanup := p.clock.Ticker(p.cfg.CleanupInterval.Duration())
	go func() {
		defer close(p.done)
		defer poll.Stop()
		defer cleanup.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-poll.C:
				p.Poll(ctx)
			case <-cleanup.C:
				_, _ = p.Cleanup(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for the current round to finish.
func (p *Pump) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
}

// Poll runs one delivery round and returns the number of delivered
// entries.
func (p *Pump) Poll(ctx context.Context) int {
	if p.peers != nil {
		if err := p.peers.DialMissing(ctx); err != nil {
			p.logger.Debug("peers still unreachable", "error", err)
		}
	}
	n, err := p.ch.FlushAll(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("mailbox flush failed", "error", err)
	}
	if n > 0 {
		p.logger.Info("mailbox flushed", "delivered", n)
	}
	return n
}

// Cleanup removes expired rows and counts the expired mailbox entries per
// channel.
func (p *Pump) Cleanup(ctx context.Context) (store.CleanupResult, error) {
	res, err := p.st.CleanupExpired(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Warn("storage cleanup failed", "error", err)
		}
		return res, err
	}
	for ch, n := range res.Mailbox {
		p.metrics.MailboxN(ch, metrics.MailboxExpired, n)
	}
	if total := res.MailboxTotal() + res.Exchange + res.Locks; total > 0 {
		p.logger.Info("expired rows removed",
			"mailbox", res.MailboxTotal(), "exchange", res.Exchange, "locks", res.Locks)
	}
	return res, nil
}
