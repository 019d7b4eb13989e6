package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/fabric/internal/app"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Channel       string
	Database      string
	Listen        string
	MetricsListen string
	LogLevel      string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a channel daemon",
		Long: `Run a channel daemon.

The daemon opens the SQLite mailbox, accepts WebSocket peers, dials the
configured peers and drains the mailbox as peers become reachable. Flags
override the config file. When --config is given the file is watched and
log_level and request_timeout are applied without a restart.

Example:
  fabric serve --channel hub --listen :7400 --db ./hub.db
  fabric serve --config ./fabric.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Channel, "channel", "", "local channel name")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "WebSocket listen address")
	cmd.Flags().StringVar(&opts.MetricsListen, "metrics-listen", "", "metrics listen address")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")

	return cmd
}

// overrides collects the flags that were set explicitly, keyed as in the
// config file.
func (o *ServeOptions) overrides(cmd *cobra.Command) map[string]any {
	out := make(map[string]any)
	set := func(flag, key, value string) {
		if cmd.Flags().Changed(flag) {
			out[key] = value
		}
	}
	set("channel", "channel", o.Channel)
	set("db", "database", o.Database)
	set("listen", "listen", o.Listen)
	set("metrics-listen", "metrics_listen", o.MetricsListen)
	set("log-level", "log_level", o.LogLevel)
	if o.Verbose {
		out["log_level"] = "debug"
	}
	return out
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	overrides := opts.overrides(cmd)
	cfg, err := loadConfig(opts.RootOptions, overrides)
	if err != nil {
		return err
	}

	// Configure logging from the config; the watcher may change the level.
	level := new(slog.LevelVar)
	level.Set(cfg.Level())
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	d, err := app.New(cfg, app.Env{
		Logger:     logger,
		Level:      level,
		ConfigPath: opts.Config,
		Overrides:  overrides,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build daemon", err)
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := d.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start daemon", err)
	}
	slog.Info("daemon started", "channel", cfg.Channel, "db", cfg.Database)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Channel %s started.\n", cfg.Channel)
	if addr := d.Server.Addr(); addr != "" {
		fmt.Fprintf(out, "Listening on ws://%s/\n", addr)
	}
	if addr := d.Server.MetricsAddr(); addr != "" {
		fmt.Fprintf(out, "Metrics on http://%s/metrics\n", addr)
	}
	fmt.Fprintln(out, "Press Ctrl-C to stop.")

	<-ctx.Done()

	if err := d.Stop(context.Background()); err != nil {
		return WrapExitError(ExitFailure, "daemon shutdown failed", err)
	}
	slog.Info("daemon stopped gracefully")
	return nil
}
