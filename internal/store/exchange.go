package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Everyone is the shared-with entry that grants access to every caller.
const Everyone = "*"

// ExchangeRecord is one versioned entry of the shared exchange.
type ExchangeRecord struct {
	Key        string
	Value      any
	Owner      string
	SharedWith []string
	// Version starts at 1 and grows by one on every write.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Visible reports whether caller may read the record.
func (r ExchangeRecord) Visible(caller string) bool {
	if caller == r.Owner {
		return true
	}
	return slices.Contains(r.SharedWith, Everyone) || slices.Contains(r.SharedWith, caller)
}

// ExchangeOptions controls an ExchangePut.
type ExchangeOptions struct {
	// Owner is recorded on the first write; later writes keep the original
	// owner.
	Owner string
	// SharedWith lists the channels allowed to read the record. Nil shares
	// a new record with everyone and leaves an existing record's sharing
	// unchanged. Only the owner may change it.
	SharedWith []string
	// ExpiresIn removes the record after the given lifetime.
	ExpiresIn time.Duration
}

const exchangeColumns = `key, value, owner, shared_with, version, created_at, updated_at, expires_at`

func scanExchange(row scanner) (ExchangeRecord, error) {
	var (
		r                         ExchangeRecord
		value, shared             string
		created, updated, expires int64
	)
	if err := row.Scan(&r.Key, &value, &r.Owner, &shared, &r.Version, &created, &updated, &expires); err != nil {
		return ExchangeRecord{}, err
	}
	v, err := unmarshalValue(value)
	if err != nil {
		return ExchangeRecord{}, err
	}
	if r.SharedWith, err = unmarshalStrings(shared); err != nil {
		return ExchangeRecord{}, err
	}
	r.Value = v
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	r.ExpiresAt = fromMillis(expires)
	return r, nil
}

// ExchangePut writes value under key on behalf of opts.Owner. Writing an
// existing key bumps its version and keeps its creation time and owner; the
// writer must be able to read the record.
func (s *Store) ExchangePut(ctx context.Context, key string, value any, opts ExchangeOptions) (ExchangeRecord, error) {
	var rec ExchangeRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.liveExchange(ctx, tx, key)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case !cur.Visible(opts.Owner):
			return fmt.Errorf("write by %s: %w", opts.Owner, ErrAccessDenied)
		case opts.SharedWith != nil && opts.Owner != cur.Owner:
			return fmt.Errorf("change sharing by %s: %w", opts.Owner, ErrAccessDenied)
		}
		r, err := s.exchangePut(ctx, tx, key, value, opts)
		rec = r
		return err
	})
	if err != nil {
		return ExchangeRecord{}, fmt.Errorf("exchange put %s: %w", key, err)
	}
	return rec, nil
}

func (s *Store) exchangePut(ctx context.Context, tx *sql.Tx, key string, value any, opts ExchangeOptions) (ExchangeRecord, error) {
	if key == "" {
		return ExchangeRecord{}, fmt.Errorf("key is required")
	}
	data, err := marshalJSON(value)
	if err != nil {
		return ExchangeRecord{}, fmt.Errorf("marshal value: %w", err)
	}
	shared := opts.SharedWith
	replaceShared := shared != nil
	if shared == nil {
		shared = []string{Everyone}
	}
	sharedJSON, err := marshalStrings(shared)
	if err != nil {
		return ExchangeRecord{}, err
	}
	now := s.now()

	// An expired row is replaced as if it had never existed.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM exchange WHERE key = ? AND expires_at > 0 AND expires_at <= ?
	`, key, now); err != nil {
		return ExchangeRecord{}, err
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO exchange (key, value, owner, shared_with, version, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			shared_with = CASE WHEN ? THEN excluded.shared_with ELSE exchange.shared_with END,
			version = exchange.version + 1,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
		RETURNING `+exchangeColumns,
		key, data, opts.Owner, sharedJSON, now, now, s.deadline(opts.ExpiresIn), replaceShared,
	)
	return scanExchange(row)
}

// ExchangeGet returns the record under key if caller may read it.
func (s *Store) ExchangeGet(ctx context.Context, key, caller string) (ExchangeRecord, error) {
	r, err := s.liveExchange(ctx, s.db, key)
	if err != nil {
		return ExchangeRecord{}, fmt.Errorf("exchange get %s: %w", key, err)
	}
	if !r.Visible(caller) {
		return ExchangeRecord{}, fmt.Errorf("exchange get %s by %s: %w", key, caller, ErrAccessDenied)
	}
	return r, nil
}

func (s *Store) liveExchange(ctx context.Context, q queryRower, key string) (ExchangeRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+exchangeColumns+` FROM exchange
		WHERE key = ? AND (expires_at = 0 OR expires_at > ?)
	`, key, s.now())
	r, err := scanExchange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ExchangeRecord{}, ErrNotFound
	}
	return r, err
}

// ExchangeDelete removes key. Only callers that can read the record may
// delete it. Deleting a missing key reports false.
func (s *Store) ExchangeDelete(ctx context.Context, key, caller string) (bool, error) {
	deleted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.liveExchange(ctx, tx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !r.Visible(caller) {
			return ErrAccessDenied
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM exchange WHERE key = ?`, key); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("exchange delete %s: %w", key, err)
	}
	return deleted, nil
}

// ExchangeList returns the live records caller may read, ordered by key.
func (s *Store) ExchangeList(ctx context.Context, caller string) ([]ExchangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+exchangeColumns+` FROM exchange
		WHERE expires_at = 0 OR expires_at > ?
		ORDER BY key ASC
	`, s.now())
	if err != nil {
		return nil, fmt.Errorf("exchange list: %w", err)
	}
	defer rows.Close()

	records := []ExchangeRecord{}
	for rows.Next() {
		r, err := scanExchange(rows)
		if err != nil {
			return nil, fmt.Errorf("exchange list: %w", err)
		}
		if r.Visible(caller) {
			records = append(records, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("exchange list: %w", err)
	}
	return records, nil
}

// ExchangeLock takes the advisory lock on key for d. It succeeds when the
// lock is free, expired, or already held by caller, in which case the
// expiry is extended. Locks are not checked by ExchangePut.
func (s *Store) ExchangeLock(ctx context.Context, key, caller string, d time.Duration) (bool, error) {
	if caller == "" {
		return false, fmt.Errorf("exchange lock %s: caller is required", key)
	}
	if d <= 0 {
		return false, fmt.Errorf("exchange lock %s: duration must be positive", key)
	}
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO exchange_locks (key, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE exchange_locks.expires_at <= excluded.acquired_at
		   OR exchange_locks.holder = excluded.holder
	`, key, caller, now.UnixMilli(), now.Add(d).UnixMilli())
	if err != nil {
		return false, fmt.Errorf("exchange lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("exchange lock %s: %w", key, err)
	}
	return n > 0, nil
}

// ExchangeUnlock releases caller's lock on key. It reports false when
// caller does not hold it.
func (s *Store) ExchangeUnlock(ctx context.Context, key, caller string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM exchange_locks WHERE key = ? AND holder = ?
	`, key, caller)
	if err != nil {
		return false, fmt.Errorf("exchange unlock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("exchange unlock %s: %w", key, err)
	}
	return n > 0, nil
}

// ExchangeLockHolder returns the current holder of key's lock and when it
// expires. ok is false when the lock is free or expired.
func (s *Store) ExchangeLockHolder(ctx context.Context, key string) (holder string, expires time.Time, ok bool, err error) {
	var ms int64
	err = s.db.QueryRowContext(ctx, `
		SELECT holder, expires_at FROM exchange_locks
		WHERE key = ? AND expires_at > ?
	`, key, s.now()).Scan(&holder, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("exchange lock holder %s: %w", key, err)
	}
	return holder, fromMillis(ms), true, nil
}
