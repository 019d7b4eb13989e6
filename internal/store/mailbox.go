package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fabric/internal/wire"
)

// DefaultMaxRetries is used when DeferOptions.MaxRetries is not positive.
const DefaultMaxRetries = 3

// MailboxStatus is the delivery state of a mailbox entry.
type MailboxStatus string

const (
	StatusPending    MailboxStatus = "pending"
	StatusProcessing MailboxStatus = "processing"
	StatusDelivered  MailboxStatus = "delivered"
	StatusFailed     MailboxStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s MailboxStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// DeferOptions controls how a deferred message is queued.
type DeferOptions struct {
	// Priority orders claims; higher goes first.
	Priority int
	// ExpiresIn drops the entry once it has waited this long. Zero keeps it
	// until delivered or failed.
	ExpiresIn time.Duration
	// MaxRetries is the number of failed sends before the entry is failed
	// permanently.
	MaxRetries int
}

// MailboxEntry is a message parked until its destination is reachable.
type MailboxEntry struct {
	Seq        int64
	ID         string
	Channel    string
	Sender     string
	Message    *wire.Message
	Status     MailboxStatus
	Priority   int
	RetryCount int
	MaxRetries int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	// ExpiresAt is zero for entries that never expire.
	ExpiresAt time.Time
}

// PendingOperation tracks a deferred request until it is delivered or
// fails.
type PendingOperation struct {
	ID        string
	EntryID   string
	Channel   string
	Action    wire.Action
	Path      []string
	Status    MailboxStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MailboxFilter selects entries for ListMailbox. Empty fields match
// everything.
type MailboxFilter struct {
	Channel string
	Status  MailboxStatus
	Limit   int
}

const mailboxColumns = `seq, id, channel, sender, message, status, priority,
	retry_count, max_retries, last_error, created_at, updated_at, expires_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (MailboxEntry, error) {
	var (
		e                         MailboxEntry
		msg, status               string
		created, updated, expires int64
	)
	err := row.Scan(&e.Seq, &e.ID, &e.Channel, &e.Sender, &msg, &status, &e.Priority,
		&e.RetryCount, &e.MaxRetries, &e.LastError, &created, &updated, &expires)
	if err != nil {
		return MailboxEntry{}, err
	}
	m, err := unmarshalMessage(msg)
	if err != nil {
		return MailboxEntry{}, err
	}
	e.Message = m
	e.Status = MailboxStatus(status)
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	e.ExpiresAt = fromMillis(expires)
	return e, nil
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Defer persists msg for later delivery to msg.Channel. Requests also get a
// pending-operation row, written in the same transaction.
func (s *Store) Defer(ctx context.Context, msg *wire.Message, opts DeferOptions) (MailboxEntry, error) {
	if msg == nil || msg.Channel == "" {
		return MailboxEntry{}, fmt.Errorf("defer: message with a destination is required")
	}
	data, err := marshalMessage(msg)
	if err != nil {
		return MailboxEntry{}, fmt.Errorf("defer: %w", err)
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	id := s.ids.Generate()
	now := s.now()
	expires := s.deadline(opts.ExpiresIn)

	var entry MailboxEntry
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO mailbox
			(id, channel, sender, msg_id, msg_type, message, status, priority,
			 retry_count, max_retries, created_at, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
			RETURNING `+mailboxColumns,
			id, msg.Channel, msg.Sender, msg.ID, string(msg.Type), data, string(StatusPending),
			opts.Priority, maxRetries, now, now, expires,
		)
		e, err := scanEntry(row)
		if err != nil {
			return err
		}
		entry = e

		if msg.Type != wire.TypeRequest {
			return nil
		}
		path, err := marshalStrings(msg.Payload.Path)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pending_operations
			(id, entry_id, channel, action, path, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				entry_id = excluded.entry_id,
				status = excluded.status,
				updated_at = excluded.updated_at
		`, msg.ID, id, msg.Channel, string(msg.Payload.Action), path, string(StatusPending), now, now)
		return err
	})
	if err != nil {
		return MailboxEntry{}, fmt.Errorf("defer: %w", err)
	}
	return entry, nil
}

// ProcessNextPending claims the next pending, unexpired entry for channel by
// moving it to processing. Entries are taken by priority, then in the order
// they were deferred. Returns ErrNotFound when nothing is waiting.
func (s *Store) ProcessNextPending(ctx context.Context, channel string) (MailboxEntry, error) {
	now := s.now()
	var entry MailboxEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE mailbox SET status = 'processing', updated_at = ?
			WHERE seq = (
				SELECT seq FROM mailbox
				WHERE channel = ? AND status = 'pending'
				  AND (expires_at = 0 OR expires_at > ?)
				ORDER BY priority DESC, seq ASC
				LIMIT 1
			) AND status = 'pending'
			RETURNING `+mailboxColumns,
			now, channel, now,
		)
		e, err := scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		entry = e
		return syncPendingOperation(ctx, tx, e.ID, StatusProcessing, now)
	})
	if errors.Is(err, ErrNotFound) {
		return MailboxEntry{}, ErrNotFound
	}
	if err != nil {
		return MailboxEntry{}, fmt.Errorf("process next pending: %w", err)
	}
	return entry, nil
}

// Dequeue returns up to limit pending, unexpired entries for channel in
// claim order without claiming them. limit <= 0 returns all.
func (s *Store) Dequeue(ctx context.Context, channel string, limit int) ([]MailboxEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	now := s.now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mailboxColumns+`
		FROM mailbox
		WHERE channel = ? AND status = 'pending'
		  AND (expires_at = 0 OR expires_at > ?)
		ORDER BY priority DESC, seq ASC
		LIMIT ?
	`, channel, now, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return collectEntries(rows, "dequeue")
}

// ListMailbox returns entries matching f in insertion order.
func (s *Store) ListMailbox(ctx context.Context, f MailboxFilter) ([]MailboxEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mailboxColumns+`
		FROM mailbox
		WHERE (? = '' OR channel = ?) AND (? = '' OR status = ?)
		ORDER BY seq ASC
		LIMIT ?
	`, f.Channel, f.Channel, string(f.Status), string(f.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list mailbox: %w", err)
	}
	return collectEntries(rows, "list mailbox")
}

func collectEntries(rows *sql.Rows, op string) ([]MailboxEntry, error) {
	defer rows.Close()
	entries := []MailboxEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return entries, nil
}

// GetEntry returns the entry with the given id.
func (s *Store) GetEntry(ctx context.Context, id string) (MailboxEntry, error) {
	e, err := getEntry(ctx, s.db, id)
	if err != nil {
		return MailboxEntry{}, fmt.Errorf("get entry %s: %w", id, err)
	}
	return e, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEntry(ctx context.Context, q queryRower, id string) (MailboxEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+mailboxColumns+` FROM mailbox WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MailboxEntry{}, ErrNotFound
	}
	return e, err
}

// MarkDelivered moves an entry to delivered. Entries that are already
// terminal yield ErrTerminal.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE mailbox SET status = 'delivered', last_error = '', updated_at = ?
			WHERE id = ? AND status IN ('pending', 'processing')
		`, now, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := getEntry(ctx, tx, id); err != nil {
				return err
			}
			return ErrTerminal
		}
		return syncPendingOperation(ctx, tx, id, StatusDelivered, now)
	})
	if err != nil {
		return fmt.Errorf("mark delivered %s: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt. The entry goes back to
// pending while retries remain and is failed permanently on the last one.
// Marking a terminal entry changes nothing and returns it as stored.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) (MailboxEntry, error) {
	now := s.now()
	var entry MailboxEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := getEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			entry = e
			return nil
		}

		retries := e.RetryCount + 1
		status := StatusPending
		if retries >= e.MaxRetries {
			status = StatusFailed
		}
		row := tx.QueryRowContext(ctx, `
			UPDATE mailbox SET status = ?, retry_count = ?, last_error = ?, updated_at = ?
			WHERE id = ?
			RETURNING `+mailboxColumns,
			string(status), retries, reason, now, id,
		)
		if entry, err = scanEntry(row); err != nil {
			return err
		}
		return syncPendingOperation(ctx, tx, id, status, now)
	})
	if err != nil {
		return MailboxEntry{}, fmt.Errorf("mark failed %s: %w", id, err)
	}
	return entry, nil
}

func syncPendingOperation(ctx context.Context, tx *sql.Tx, entryID string, status MailboxStatus, now int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE pending_operations SET status = ?, updated_at = ?
		WHERE entry_id = ?
	`, string(status), now, entryID)
	return err
}

// PendingOperations returns the deferred requests for channel, oldest
// first. An empty channel lists every channel.
func (s *Store) PendingOperations(ctx context.Context, channel string) ([]PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.entry_id, p.channel, p.action, p.path, p.status, p.created_at, p.updated_at
		FROM pending_operations p
		JOIN mailbox m ON m.id = p.entry_id
		WHERE (? = '' OR p.channel = ?)
		ORDER BY m.seq ASC
	`, channel, channel)
	if err != nil {
		return nil, fmt.Errorf("pending operations: %w", err)
	}
	defer rows.Close()

	ops := []PendingOperation{}
	for rows.Next() {
		var (
			op               PendingOperation
			action, path, st string
			created, updated int64
		)
		if err := rows.Scan(&op.ID, &op.EntryID, &op.Channel, &action, &path, &st, &created, &updated); err != nil {
			return nil, fmt.Errorf("pending operations: %w", err)
		}
		if op.Path, err = unmarshalStrings(path); err != nil {
			return nil, fmt.Errorf("pending operations: %w", err)
		}
		op.Action = wire.Action(action)
		op.Status = MailboxStatus(st)
		op.CreatedAt = fromMillis(created)
		op.UpdatedAt = fromMillis(updated)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending operations: %w", err)
	}
	return ops, nil
}
