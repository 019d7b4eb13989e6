package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/fabric/internal/channel"
	"github.com/roach88/fabric/internal/transport"
	"github.com/roach88/fabric/internal/wire"
)

// InvokeOptions holds flags for the invoke command.
type InvokeOptions struct {
	*RootOptions
	URL     string
	To      string
	Name    string
	Args    string
	Timeout time.Duration
}

// InvokeResult is the JSON payload of a successful invoke.
type InvokeResult struct {
	Channel string   `json:"channel"`
	Action  string   `json:"action"`
	Path    []string `json:"path"`
	Value   any      `json:"value"`
}

// NewInvokeCommand creates the invoke command.
func NewInvokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvokeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoke <action> [path...]",
		Short: "Invoke an action on a remote channel",
		Long: `Invoke an action on a remote channel.

Dials the daemon over WebSocket as a short-lived channel, performs one
action against the object at path and prints the result. Plain data is
returned by value; other results are printed as references.

Actions: get, set, apply, call, construct, has, delete, ownKeys,
getOwnPropertyDescriptor, isExtensible, preventExtensions, import.

Example:
  fabric invoke get sys Routes --to hub
  fabric invoke apply math add --args '[2,3]' --url ws://127.0.0.1:7400/`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeAction(opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "daemon WebSocket URL (default from config listen)")
	cmd.Flags().StringVar(&opts.To, "to", "", "target channel (default from config channel)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "local channel name (default random)")
	cmd.Flags().StringVar(&opts.Args, "args", "[]", "action arguments as a JSON array")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")

	return cmd
}

func invokeAction(opts *InvokeOptions, actionName string, path []string, cmd *cobra.Command) error {
	action, err := wire.ParseAction(actionName)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid action", err)
	}
	var args []any
	if err := json.Unmarshal([]byte(opts.Args), &args); err != nil {
		return WrapExitError(ExitCommandError, "invalid --args JSON", err)
	}

	cfg, err := loadConfig(opts.RootOptions, nil)
	if err != nil {
		return err
	}
	url := opts.URL
	if url == "" {
		url = listenURL(cfg.Listen)
	}
	to := opts.To
	if to == "" {
		to = cfg.Channel
	}
	name := opts.Name
	if name == "" {
		name = "cli-" + uuid.NewString()[:8]
	}

	out := opts.formatter(cmd)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Verbose {
		logger = slog.New(slog.NewTextHandler(out.GetErrWriter(), &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	ch, err := channel.New(name, channel.WithLogger(logger), channel.WithRequestTimeout(opts.Timeout))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --name", err)
	}
	defer ch.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	out.VerboseLog("dialing %s as %s", url, name)
	if _, err := ch.Connect(ctx, transport.DialWebSocket(url, transport.WithLogger(logger)), channel.BindOptions{Remote: to}); err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}

	out.VerboseLog("%s %s on %s", action, strings.Join(path, "."), to)
	d := ch.Invoke(ctx, to, action, path, args, channel.ByValue())
	out.TraceID = d.ID()
	v, err := d.Await(ctx)
	if err != nil {
		code := string(channel.CodeOf(err))
		if code == "" {
			code = ErrCodeGeneric
		}
		_ = out.Error(code, err.Error(), nil)
		return WrapExitError(ExitFailure, "invoke failed", err)
	}

	v = printable(v)
	if opts.Format == "json" {
		return out.Success(InvokeResult{Channel: to, Action: string(action), Path: path, Value: v})
	}
	return out.Success(formatValue(v))
}

// listenURL turns a listen address into a dialable URL.
func listenURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "ws://" + listen + "/"
}

// printable replaces remote references with their descriptor.
func printable(v any) any {
	if p, ok := v.(*channel.Proxy); ok {
		if d := p.Descriptor(); d != nil {
			return d
		}
		return map[string]any{"channel": p.Channel(), "path": p.Path()}
	}
	return v
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return "null"
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
