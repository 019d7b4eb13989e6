package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CleanupResult counts the rows removed by CleanupExpired.
type CleanupResult struct {
	// Mailbox holds the removed mailbox entries per channel.
	Mailbox  map[string]int
	Exchange int
	Locks    int
}

// MailboxTotal sums the removed mailbox entries.
func (r CleanupResult) MailboxTotal() int {
	n := 0
	for _, c := range r.Mailbox {
		n += c
	}
	return n
}

// CleanupExpired removes mailbox entries, exchange records and locks whose
// expiry has passed. Entries being processed are left alone so a send in
// flight can still be marked. Safe to run alongside normal traffic.
func (s *Store) CleanupExpired(ctx context.Context) (CleanupResult, error) {
	now := s.now()
	res := CleanupResult{Mailbox: map[string]int{}}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			DELETE FROM mailbox
			WHERE expires_at > 0 AND expires_at <= ? AND status != 'processing'
			RETURNING channel
		`, now)
		if err != nil {
			return err
		}
		for rows.Next() {
			var ch string
			if err := rows.Scan(&ch); err != nil {
				rows.Close()
				return err
			}
			res.Mailbox[ch]++
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if res.Exchange, err = deleteExpired(ctx, tx, "exchange", now); err != nil {
			return err
		}
		res.Locks, err = deleteExpired(ctx, tx, "exchange_locks", now)
		return err
	})
	if err != nil {
		return CleanupResult{}, fmt.Errorf("cleanup expired: %w", err)
	}
	return res, nil
}

func deleteExpired(ctx context.Context, tx *sql.Tx, table string, now int64) (int, error) {
	r, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE expires_at > 0 AND expires_at <= ?`, table), now)
	if err != nil {
		return 0, err
	}
	n, err := r.RowsAffected()
	return int(n), err
}
