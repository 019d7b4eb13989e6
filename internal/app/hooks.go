package app

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/fx"

	"github.com/roach88/fabric/internal/channel"
	"github.com/roach88/fabric/internal/config"
	"github.com/roach88/fabric/internal/shm"
	"github.com/roach88/fabric/internal/transport"
)

// registerSharedMemory binds the configured shared-memory link. Side "a"
// listens and side "b" connects, so the pair completes one handshake.
func registerSharedMemory(lc fx.Lifecycle, cfg *config.Config, ch *channel.Channel, logger *slog.Logger) {
	sm := cfg.SharedMemory
	if sm == nil {
		return
	}
	var b *channel.Binding
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			link, err := shm.OpenLink(sm.Path, sm.Size, shm.Side(sm.Side))
			if err != nil {
				return fmt.Errorf("shared memory %s: %w", sm.Path, err)
			}
			a := transport.NewSharedMemory(link, transport.WithLogger(logger))
			opts := channel.BindOptions{Metadata: bindMetadata(cfg)}
			if shm.Side(sm.Side) == shm.SideB {
				b, err = ch.Connect(ctx, a, opts)
			} else {
				b, err = ch.Listen(ctx, a, opts)
			}
			if err != nil {
				_ = link.Close()
				return fmt.Errorf("shared memory %s: %w", sm.Path, err)
			}
			logger.Info("shared memory bound", "path", sm.Path, "side", sm.Side, "size", sm.Size)
			return nil
		},
		OnStop: func(context.Context) error {
			if b == nil {
				return nil
			}
			return b.Close()
		},
	})
}

// registerWatcher applies hot config changes: the log level and the
// request timeout. Other fields need a restart.
func registerWatcher(lc fx.Lifecycle, env Env, ch *channel.Channel, logger *slog.Logger) {
	if env.ConfigPath == "" {
		return
	}
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan struct{})
			go func() {
				defer close(done)
				err := config.Watch(ctx, env.ConfigPath, env.Overrides, logger, func(c *config.Config) {
					Apply(c, env.Level, ch)
					logger.Debug("hot config applied",
						"log_level", c.LogLevel, "request_timeout", c.RequestTimeout.Duration())
				})
				if err != nil {
					logger.Warn("config watcher stopped", "path", env.ConfigPath, "error", err)
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

// Apply updates the hot fields of a running daemon from c.
func Apply(c *config.Config, level *slog.LevelVar, ch *channel.Channel) {
	if level != nil {
		level.Set(c.Level())
	}
	ch.SetRequestTimeout(c.RequestTimeout.Duration())
}
