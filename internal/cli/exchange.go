package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fabric/internal/store"
)

// ExchangeOptions holds flags for the exchange commands.
type ExchangeOptions struct {
	StoreOptions

	// As is the calling channel. It defaults to the configured channel.
	As string

	Share     []string
	ExpiresIn time.Duration
	For       time.Duration
}

// ExchangeRecordView is the printed form of an exchange record.
type ExchangeRecordView struct {
	Key        string    `json:"key"`
	Value      any       `json:"value"`
	Owner      string    `json:"owner"`
	SharedWith []string  `json:"shared_with"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
}

// LockView is the printed result of lock and unlock.
type LockView struct {
	Key      string    `json:"key"`
	Holder   string    `json:"holder,omitempty"`
	Acquired bool      `json:"acquired"`
	Expires  time.Time `json:"expires,omitzero"`
}

// NewExchangeCommand creates the exchange command group.
func NewExchangeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExchangeOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "exchange",
		Short: "Read and write the shared exchange",
		Long: `Read and write the shared exchange.

Exchange records are versioned key/value pairs owned by a channel and
readable by the channels they are shared with. Locks are advisory and
expire on their own.`,
	}
	opts.addFlags(cmd)
	cmd.PersistentFlags().StringVar(&opts.As, "as", "", "calling channel (default from config)")

	get := &cobra.Command{
		Use:           "get <key>",
		Short:         "Print a record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExchange(opts, cmd, func(ctx context.Context, st *store.Store, caller string, out *OutputFormatter) error {
				r, err := st.ExchangeGet(ctx, args[0], caller)
				if err != nil {
					return storeError(out, "failed to read record", err)
				}
				return printRecords(opts, out, []store.ExchangeRecord{r}, true)
			})
		},
	}

	put := &cobra.Command{
		Use:   "put <key> <json-value>",
		Short: "Write a record",
		Example: `  fabric exchange put config '{"mode":"fast"}' --share edge,worker
  fabric exchange put token '"abc"' --expires 1h`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any
			if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
				return WrapExitError(ExitCommandError, "invalid JSON value", err)
			}
			return runExchange(opts, cmd, func(ctx context.Context, st *store.Store, caller string, out *OutputFormatter) error {
				xo := store.ExchangeOptions{Owner: caller, ExpiresIn: opts.ExpiresIn}
				if cmd.Flags().Changed("share") {
					xo.SharedWith = opts.Share
				}
				r, err := st.ExchangePut(ctx, args[0], value, xo)
				if err != nil {
					return storeError(out, "failed to write record", err)
				}
				if opts.Format == "json" {
					return out.Success(recordView(r))
				}
				return out.Success(fmt.Sprintf("Wrote %s (version %d)", r.Key, r.Version))
			})
		},
	}
	put.Flags().StringSliceVar(&opts.Share, "share", nil, "channels allowed to read the record (default everyone)")
	put.Flags().DurationVar(&opts.ExpiresIn, "expires", 0, "remove the record after this long")

	del := &cobra.Command{
		Use:           "delete <key>",
		Short:         "Delete a record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExchange(opts, cmd, func(ctx context.Context, st *store.Store, caller string, out *OutputFormatter) error {
				ok, err := st.ExchangeDelete(ctx, args[0], caller)
				if err != nil {
					return storeError(out, "failed to delete record", err)
				}
				if !ok {
					_ = out.Error(ErrCodeNotFound, fmt.Sprintf("no record %q", args[0]), nil)
					return NewExitError(ExitFailure, fmt.Sprintf("no record %q", args[0]))
				}
				return out.Success(fmt.Sprintf("Deleted %s", args[0]))
			})
		},
	}

	list := &cobra.Command{
		Use:           "list",
		Short:         "List the records visible to the caller",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExchange(opts, cmd, func(ctx context.Context, st *store.Store, caller string, out *OutputFormatter) error {
				rs, err := st.ExchangeList(ctx, caller)
				if err != nil {
					return storeError(out, "failed to list records", err)
				}
				return printRecords(opts, out, rs, false)
			})
		},
	}

	lock := &cobra.Command{
		Use:           "lock <key>",
		Short:         "Take the advisory lock on a key",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExchange(opts, cmd, func(ctx context.Context, st *store.Store, caller string, out *OutputFormatter) error {
				ok, err := st.ExchangeLock(ctx, args[0], caller, opts.For)
				if err != nil {
					return storeError(out, "failed to lock", err)
				}
				holder, expires, _, err := st.ExchangeLockHolder(ctx, args[0])
				if err != nil {
					return storeError(out, "failed to read lock", err)
				}
				view := LockView{Key: args[0], Holder: holder, Acquired: ok, Expires: expires}
				if !ok {
					_ = out.Error(ErrCodeLocked, fmt.Sprintf("%s is locked by %s", args[0], holder), view)
					return NewExitError(ExitFailure, fmt.Sprintf("%s is locked by %s", args[0], holder))
				}
				if opts.Format == "json" {
					return out.Success(view)
				}
				return out.Success(fmt.Sprintf("Locked %s until %s", args[0], expires.Format(time.RFC3339)))
			})
		},
	}
	lock.Flags().DurationVar(&opts.For, "for", 30*time.Second, "lock lifetime")

	unlock := &cobra.Command{
		Use:           "unlock <key>",
		Short:         "Release the caller's lock on a key",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExchange(opts, cmd, func(ctx context.Context, st *store.Store, caller string, out *OutputFormatter) error {
				ok, err := st.ExchangeUnlock(ctx, args[0], caller)
				if err != nil {
					return storeError(out, "failed to unlock", err)
				}
				if !ok {
					_ = out.Error(ErrCodeLocked, fmt.Sprintf("%s does not hold %s", caller, args[0]), nil)
					return NewExitError(ExitFailure, fmt.Sprintf("%s does not hold %s", caller, args[0]))
				}
				if opts.Format == "json" {
					return out.Success(LockView{Key: args[0]})
				}
				return out.Success(fmt.Sprintf("Unlocked %s", args[0]))
			})
		},
	}

	cmd.AddCommand(get, put, del, list, lock, unlock)
	return cmd
}

type exchangeFunc func(ctx context.Context, st *store.Store, caller string, out *OutputFormatter) error

func runExchange(opts *ExchangeOptions, cmd *cobra.Command, fn exchangeFunc) error {
	cfg, st, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	caller := opts.As
	if caller == "" {
		caller = cfg.Channel
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, st, caller, opts.formatter(cmd))
}

func recordView(r store.ExchangeRecord) ExchangeRecordView {
	shared := r.SharedWith
	if shared == nil {
		shared = []string{}
	}
	return ExchangeRecordView{
		Key:        r.Key,
		Value:      r.Value,
		Owner:      r.Owner,
		SharedWith: shared,
		Version:    r.Version,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		ExpiresAt:  r.ExpiresAt,
	}
}

func printRecords(opts *ExchangeOptions, out *OutputFormatter, rs []store.ExchangeRecord, single bool) error {
	views := make([]ExchangeRecordView, 0, len(rs))
	for _, r := range rs {
		views = append(views, recordView(r))
	}
	if opts.Format == "json" {
		if single {
			return out.Success(views[0])
		}
		return out.Success(views)
	}
	if single {
		return out.Success(formatValue(views[0].Value))
	}
	if len(views) == 0 {
		fmt.Fprintln(out.Writer, "No records")
		return nil
	}
	tw := tabwriter.NewWriter(out.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tOWNER\tSHARED\tVERSION\tUPDATED")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			v.Key, v.Owner, strings.Join(v.SharedWith, ","), v.Version, v.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
