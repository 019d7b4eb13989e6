package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fabric/internal/store"
	"github.com/roach88/fabric/internal/wire"
)

// MailboxOptions holds flags for the mailbox commands.
type MailboxOptions struct {
	StoreOptions

	Peer   string
	Status string
	Limit  int

	Data      string
	Priority  int
	ExpiresIn time.Duration
	Retries   int
}

// MailboxEntryView is the printed form of a mailbox entry.
type MailboxEntryView struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	Sender     string    `json:"sender"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Priority   int       `json:"priority"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
}

// CleanupView is the printed result of mailbox cleanup.
type CleanupView struct {
	Mailbox  map[string]int `json:"mailbox"`
	Exchange int            `json:"exchange"`
	Locks    int            `json:"locks"`
}

// NewMailboxCommand creates the mailbox command group.
func NewMailboxCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MailboxOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "mailbox",
		Short: "Inspect and manage the durable mailbox",
		Long: `Inspect and manage the durable mailbox.

Messages for peers without a route wait in the mailbox until a daemon
delivers them. These commands work on the database directly and are safe to
run next to a running daemon.`,
	}
	opts.addFlags(cmd)

	list := &cobra.Command{
		Use:   "list",
		Short: "List mailbox entries",
		Example: `  fabric mailbox list --db ./hub.db
  fabric mailbox list --peer edge --status pending --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMailboxList(opts, cmd)
		},
	}
	list.Flags().StringVar(&opts.Peer, "peer", "", "only entries for this peer")
	list.Flags().StringVar(&opts.Status, "status", "", "only entries with this status (pending|processing|delivered|failed)")
	list.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of entries")

	deferCmd := &cobra.Command{
		Use:   "defer <peer> <event>",
		Short: "Queue an event for a peer",
		Example: `  fabric mailbox defer edge reload --data '{"reason":"deploy"}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMailboxDefer(opts, args[0], args[1], cmd)
		},
	}
	deferCmd.Flags().StringVar(&opts.Data, "data", "null", "event data as JSON")
	deferCmd.Flags().IntVar(&opts.Priority, "priority", 0, "higher priorities are delivered first")
	deferCmd.Flags().DurationVar(&opts.ExpiresIn, "expires", 0, "drop the entry after this long (default from config)")
	deferCmd.Flags().IntVar(&opts.Retries, "retries", 0, "failed sends before giving up (default from config)")

	cleanup := &cobra.Command{
		Use:           "cleanup",
		Short:         "Remove expired mailbox entries, exchange records and locks",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMailboxCleanup(opts, cmd)
		},
	}

	cmd.AddCommand(list, deferCmd, cleanup)
	return cmd
}

func runMailboxList(opts *MailboxOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	status := store.MailboxStatus(opts.Status)
	switch status {
	case "", store.StatusPending, store.StatusProcessing, store.StatusDelivered, store.StatusFailed:
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", opts.Status))
	}

	_, st, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.ListMailbox(context.Background(), store.MailboxFilter{
		Channel: wire.NormalizeName(opts.Peer),
		Status:  status,
		Limit:   opts.Limit,
	})
	if err != nil {
		return storeError(out, "failed to list mailbox", err)
	}

	views := make([]MailboxEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, mailboxView(e))
	}
	if opts.Format == "json" {
		return out.Success(views)
	}
	if len(views) == 0 {
		fmt.Fprintln(out.Writer, "Mailbox is empty")
		return nil
	}
	tw := tabwriter.NewWriter(out.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPEER\tTYPE\tSTATUS\tPRIORITY\tRETRIES\tCREATED")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\n",
			v.ID, v.Channel, v.Type, v.Status, v.Priority, v.RetryCount, v.MaxRetries,
			v.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func mailboxView(e store.MailboxEntry) MailboxEntryView {
	v := MailboxEntryView{
		ID:         e.ID,
		Channel:    e.Channel,
		Sender:     e.Sender,
		Status:     string(e.Status),
		Priority:   e.Priority,
		RetryCount: e.RetryCount,
		MaxRetries: e.MaxRetries,
		LastError:  e.LastError,
		CreatedAt:  e.CreatedAt,
		ExpiresAt:  e.ExpiresAt,
	}
	if e.Message != nil {
		v.Type = string(e.Message.Type)
	}
	return v
}

func runMailboxDefer(opts *MailboxOptions, peer, event string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	to, err := wire.ValidateName(peer)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid peer", err)
	}
	var data any
	if err := json.Unmarshal([]byte(opts.Data), &data); err != nil {
		return WrapExitError(ExitCommandError, "invalid --data JSON", err)
	}

	cfg, st, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	msg := wire.NewMessage(wire.UUIDv7Generator{}.Generate(), to, cfg.Channel, wire.TypeEvent, time.Now())
	msg.Payload.Event = event
	msg.Payload.Data = data

	deferOpts := store.DeferOptions{
		Priority:   opts.Priority,
		ExpiresIn:  cfg.Mailbox.ExpiresIn.Duration(),
		MaxRetries: cfg.Mailbox.MaxRetries,
	}
	if cmd.Flags().Changed("expires") {
		deferOpts.ExpiresIn = opts.ExpiresIn
	}
	if cmd.Flags().Changed("retries") {
		deferOpts.MaxRetries = opts.Retries
	}

	e, err := st.Defer(context.Background(), msg, deferOpts)
	if err != nil {
		return storeError(out, "failed to defer message", err)
	}
	if opts.Format == "json" {
		return out.Success(mailboxView(e))
	}
	return out.Success(fmt.Sprintf("Deferred %s for %s (%s)", event, to, e.ID))
}

func runMailboxCleanup(opts *MailboxOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	_, st, err := opts.open(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := st.CleanupExpired(context.Background())
	if err != nil {
		return storeError(out, "cleanup failed", err)
	}
	if opts.Format == "json" {
		return out.Success(CleanupView{Mailbox: res.Mailbox, Exchange: res.Exchange, Locks: res.Locks})
	}
	return out.Success(fmt.Sprintf("Removed %d mailbox entries, %d exchange records, %d locks",
		res.MailboxTotal(), res.Exchange, res.Locks))
}
