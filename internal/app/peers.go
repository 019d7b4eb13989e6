package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.uber.org/fx"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fabric/internal/channel"
	"github.com/roach88/fabric/internal/config"
	"github.com/roach88/fabric/internal/transport"
)

const (
	// maxConcurrentDials bounds how many peers are dialed at once.
	maxConcurrentDials = 4
	dialTimeout        = 5 * time.Second
)

// Peers dials the configured peers over WebSocket.
type Peers struct {
	peers  []config.Peer
	meta   map[string]any
	ch     *channel.Channel
	logger *slog.Logger

	// dial returns the adapter for a peer. Tests replace it.
	dial func(config.Peer) transport.Adapter
}

// NewPeers creates a dialer for cfg.Peers.
func NewPeers(cfg *config.Config, ch *channel.Channel, logger *slog.Logger) *Peers {
	p := &Peers{
		peers:  cfg.Peers,
		meta:   bindMetadata(cfg),
		ch:     ch,
		logger: logger,
	}
	p.dial = func(peer config.Peer) transport.Adapter {
		return transport.DialWebSocket(peer.URL, transport.WithLogger(logger))
	}
	return p
}

func registerPeers(lc fx.Lifecycle, p *Peers) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Unreachable peers are retried by the pump.
			if err := p.DialMissing(ctx); err != nil {
				p.logger.Warn("some peers are unreachable", "error", err)
			}
			return nil
		},
	})
}

// DialMissing connects every configured peer that has no route. Dials run
// concurrently; the failures are combined into the returned error.
func (p *Peers) DialMissing(ctx context.Context) error {
	routes := p.ch.Routes()
	errs := make([]error, len(p.peers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDials)
	for i, peer := range p.peers {
		if slices.Contains(routes, peer.Name) {
			continue
		}
		g.Go(func() error {
			errs[i] = p.connect(gctx, peer)
			return nil
		})
	}
	_ = g.Wait()
	return multierr.Combine(errs...)
}

func (p *Peers) connect(ctx context.Context, peer config.Peer) error {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	_, err := p.ch.Connect(ctx, p.dial(peer), channel.BindOptions{
		Remote:   peer.Name,
		Metadata: p.meta,
	})
	if err != nil {
		return fmt.Errorf("peer %s at %s: %w", peer.Name, peer.URL, err)
	}
	p.logger.Info("peer connected", "peer", peer.Name, "url", peer.URL)
	return nil
}
