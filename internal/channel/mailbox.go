package channel

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/roach88/fabric/internal/metrics"
	"github.com/roach88/fabric/internal/store"
	"github.com/roach88/fabric/internal/wire"
)

// Mailbox is the durable queue the channel parks messages in while their
// destination has no route. *store.Store implements it.
type Mailbox interface {
	Defer(ctx context.Context, msg *wire.Message, opts store.DeferOptions) (store.MailboxEntry, error)
	ProcessNextPending(ctx context.Context, channel string) (store.MailboxEntry, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) (store.MailboxEntry, error)
}

var _ Mailbox = (*store.Store)(nil)

func (c *Channel) deferMessage(ctx context.Context, msg *wire.Message) error {
	e, err := c.mailbox.Defer(ctx, msg, c.deferOpts)
	if err != nil {
		return &Error{Code: CodeStorage, Message: "defer message", Channel: msg.Channel, ReqID: msg.ID, Err: err}
	}
	c.metrics.Mailbox(msg.Channel, metrics.MailboxDeferred)
	c.logger.Debug("message deferred", "to", msg.Channel, "type", msg.Type, "msg_id", msg.ID, "entry", e.ID)
	return nil
}

// FlushMailbox delivers the mailbox entries waiting for target over its
// route, oldest and most urgent first. It stops at the first failed send,
// leaving the rest for a later flush, and returns how many were delivered.
// Without a mailbox or a route it does nothing.
func (c *Channel) FlushMailbox(ctx context.Context, target string) (int, error) {
	to := wire.NormalizeName(target)
	c.mu.Lock()
	b, routed := c.routes[to]
	closed := c.closed
	c.mu.Unlock()
	if c.mailbox == nil || !routed || closed {
		return 0, nil
	}
	if _, busy := c.flushing.LoadOrStore(to, struct{}{}); busy {
		return 0, nil
	}
	defer c.flushing.Delete(to)

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		e, err := c.mailbox.ProcessNextPending(ctx, to)
		if errors.Is(err, store.ErrNotFound) {
			return n, nil
		}
		if err != nil {
			return n, &Error{Code: CodeStorage, Message: "claim mailbox entry", Channel: to, Err: err}
		}

		if err := c.sendOn(b, e.Message, nil); err != nil {
			if _, ferr := c.mailbox.MarkFailed(ctx, e.ID, err.Error()); ferr != nil {
				return n, &Error{Code: CodeStorage, Message: "mark mailbox entry failed", Channel: to, Err: ferr}
			}
			c.metrics.Mailbox(to, metrics.MailboxFailed)
			return n, nil
		}
		if err := c.mailbox.MarkDelivered(ctx, e.ID); err != nil {
			return n, &Error{Code: CodeStorage, Message: "mark mailbox entry delivered", Channel: to, Err: err}
		}
		c.metrics.Mailbox(to, metrics.MailboxDelivered)
		n++
	}
}

// FlushAll flushes the mailbox of every routed peer.
func (c *Channel) FlushAll(ctx context.Context) (int, error) {
	total := 0
	var errs error
	for _, peer := range c.Routes() {
		n, err := c.FlushMailbox(ctx, peer)
		total += n
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return total, fmt.Errorf("flush mailbox: %w", errs)
	}
	return total, nil
}

// flushLater starts a background flush for a peer that just became
// reachable.
func (c *Channel) flushLater(peer string) {
	if c.mailbox == nil {
		return
	}
	go func() {
		n, err := c.FlushMailbox(c.ctx, peer)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("mailbox flush failed", "peer", peer, "error", err)
			return
		}
		if n > 0 {
			c.logger.Info("mailbox flushed", "peer", peer, "delivered", n)
		}
	}()
}
