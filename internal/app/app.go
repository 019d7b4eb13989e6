// Package app assembles the fabric daemon.
//
// The daemon is an fx application: the store, metrics, channel, listeners,
// peer dialer, mailbox pump and config watcher are providers whose start and
// stop run as lifecycle hooks. Every daemon exposes a System object as
// "sys" for introspection. Stop runs in reverse start order, so listeners
// stop accepting before the channel closes and the store closes last.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/roach88/fabric/internal/channel"
	"github.com/roach88/fabric/internal/config"
	"github.com/roach88/fabric/internal/metrics"
	"github.com/roach88/fabric/internal/store"
)

// StartTimeout bounds Start and Stop when the caller's context has no
// deadline.
const StartTimeout = 30 * time.Second

// Env carries the process-level inputs that are not part of the config
// file.
type Env struct {
	Logger *slog.Logger

	// Level is adjusted when the watched config changes log_level. Nil
	// disables level reloads.
	Level *slog.LevelVar

	// ConfigPath is watched for changes when set.
	ConfigPath string

	// Overrides are re-applied on every reload.
	Overrides map[string]any

	Clock clock.Clock

	// Registry receives the daemon's metrics. A new registry is used when
	// nil.
	Registry *prometheus.Registry
}

func (e Env) withDefaults() Env {
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Clock == nil {
		e.Clock = clock.New()
	}
	if e.Registry == nil {
		e.Registry = prometheus.NewRegistry()
	}
	return e
}

// Daemon is a built fabric application.
type Daemon struct {
	app *fx.App

	Config  *config.Config
	Channel *channel.Channel
	Store   *store.Store
	Server  *Server
	Peers   *Peers
	Pump    *Pump
}

// New builds the daemon without starting it.
func New(cfg *config.Config, env Env) (*Daemon, error) {
	d := &Daemon{Config: cfg}
	d.app = fx.New(
		Module(cfg, env),
		fx.NopLogger,
		fx.Populate(&d.Channel, &d.Store, &d.Server, &d.Peers, &d.Pump),
	)
	if err := d.app.Err(); err != nil {
		return nil, fmt.Errorf("build daemon: %w", err)
	}
	return d, nil
}

// Start runs the start hooks. On failure the hooks that already ran are
// rolled back.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	if err := d.app.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	return nil
}

// Stop runs the stop hooks.
func (d *Daemon) Stop(ctx context.Context) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	if err := d.app.Stop(ctx); err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}
	return nil
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, StartTimeout)
}

// Module wires the daemon's components.
func Module(cfg *config.Config, env Env) fx.Option {
	env = env.withDefaults()
	return fx.Module("fabric",
		fx.Supply(cfg, env),
		fx.Provide(
			func(e Env) *slog.Logger { return e.Logger },
			func(e Env) clock.Clock { return e.Clock },
			func(e Env) *prometheus.Registry { return e.Registry },
			provideMetrics,
			provideStore,
			provideChannel,
			NewServer,
			NewPeers,
			NewPump,
			NewSystem,
		),
		fx.Invoke(
			registerSystem,
			registerServer,
			registerPeers,
			registerPump,
			registerSharedMemory,
			registerWatcher,
		),
	)
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func provideStore(lc fx.Lifecycle, cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*store.Store, error) {
	st, err := store.Open(cfg.Database, store.WithClock(clk))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			logger.Debug("closing store", "path", cfg.Database)
			return st.Close()
		},
	})
	return st, nil
}

func provideChannel(lc fx.Lifecycle, cfg *config.Config, st *store.Store, m *metrics.Metrics, clk clock.Clock, logger *slog.Logger) (*channel.Channel, error) {
	ch, err := channel.New(cfg.Channel,
		channel.WithLogger(logger),
		channel.WithClock(clk),
		channel.WithRequestTimeout(cfg.RequestTimeout.Duration()),
		channel.WithProtocolVersion(cfg.ProtocolVersion),
		channel.WithMetrics(m),
		channel.WithMailbox(st, store.DeferOptions{
			MaxRetries: cfg.Mailbox.MaxRetries,
			ExpiresIn:  cfg.Mailbox.ExpiresIn.Duration(),
		}),
	)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return ch.Close()
		},
	})
	return ch, nil
}

// bindMetadata is attached to every lifecycle signal the daemon sends.
func bindMetadata(cfg *config.Config) map[string]any {
	if cfg.Origin == "" {
		return nil
	}
	return map[string]any{"origin": cfg.Origin}
}
