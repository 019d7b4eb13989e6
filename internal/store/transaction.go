package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"
)

// ExchangeStore is the store name that routes transaction operations to
// the exchange table instead of a named record store.
const ExchangeStore = "exchange"

// OpKind is a transaction operation.
type OpKind string

const (
	OpPut    OpKind = "put"
	OpDelete OpKind = "delete"
	// OpUpdate requires the key to exist. Map values are merged into the
	// stored map; anything else replaces it.
	OpUpdate OpKind = "update"
)

// Operation is one write of a transaction.
type Operation struct {
	Kind  OpKind `json:"kind"`
	Store string `json:"store"`
	Key   string `json:"key"`
	Value any    `json:"value,omitempty"`
}

// TxStatus is the outcome of an executed transaction.
type TxStatus string

const (
	TxCommitted TxStatus = "committed"
	TxAborted   TxStatus = "aborted"
)

// Transaction is the log row of an executed batch.
type Transaction struct {
	ID         string
	Stores     []string
	Operations []Operation
	Status     TxStatus
	Error      string
	CreatedAt  time.Time
}

// Record is one entry of a named record store.
type Record struct {
	Store     string
	Key       string
	Value     any
	Version   int64
	UpdatedAt time.Time
}

// ExecuteTransaction applies ops atomically: either every operation is
// visible afterwards or none is. The batch is logged under the returned id
// whether it commits or aborts.
func (s *Store) ExecuteTransaction(ctx context.Context, ops []Operation) (string, error) {
	if len(ops) == 0 {
		return "", fmt.Errorf("execute transaction: no operations")
	}
	id := s.ids.Generate()
	opsJSON, err := marshalJSON(ops)
	if err != nil {
		return "", fmt.Errorf("execute transaction: marshal operations: %w", err)
	}
	storesJSON, err := marshalStrings(storesOf(ops))
	if err != nil {
		return "", fmt.Errorf("execute transaction: %w", err)
	}

	txErr := s.withTx(ctx, func(tx *sql.Tx) error {
		for i, op := range ops {
			if err := s.apply(ctx, tx, op); err != nil {
				return fmt.Errorf("operation %d (%s %s/%s): %w", i, op.Kind, op.Store, op.Key, err)
			}
		}
		return logTransaction(ctx, tx, id, storesJSON, opsJSON, TxCommitted, "", s.now())
	})
	if txErr == nil {
		return id, nil
	}

	// The rolled-back batch is still recorded so callers can inspect it.
	if err := logTransaction(ctx, s.db, id, storesJSON, opsJSON, TxAborted, txErr.Error(), s.now()); err != nil {
		return id, fmt.Errorf("execute transaction %s: %w", id, multierr.Append(txErr, err))
	}
	return id, fmt.Errorf("execute transaction %s: %w", id, txErr)
}

func storesOf(ops []Operation) []string {
	seen := make(map[string]bool)
	var stores []string
	for _, op := range ops {
		if !seen[op.Store] {
			seen[op.Store] = true
			stores = append(stores, op.Store)
		}
	}
	sort.Strings(stores)
	return stores
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func logTransaction(ctx context.Context, db execer, id, stores, ops string, status TxStatus, msg string, now int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions (id, stores, operations, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, stores, ops, string(status), msg, now)
	if err != nil {
		return fmt.Errorf("log transaction: %w", err)
	}
	return nil
}

func (s *Store) apply(ctx context.Context, tx *sql.Tx, op Operation) error {
	if op.Store == "" || op.Key == "" {
		return fmt.Errorf("store and key are required")
	}
	if op.Store == ExchangeStore {
		return s.applyExchange(ctx, tx, op)
	}

	now := s.now()
	switch op.Kind {
	case OpPut:
		data, err := marshalJSON(op.Value)
		if err != nil {
			return fmt.Errorf("marshal value: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (store, key, value, version, updated_at)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(store, key) DO UPDATE SET
				value = excluded.value,
				version = records.version + 1,
				updated_at = excluded.updated_at
		`, op.Store, op.Key, data, now)
		return err

	case OpUpdate:
		cur, err := getRecord(ctx, tx, op.Store, op.Key)
		if err != nil {
			return err
		}
		data, err := marshalJSON(merge(cur.Value, op.Value))
		if err != nil {
			return fmt.Errorf("marshal value: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE records SET value = ?, version = version + 1, updated_at = ?
			WHERE store = ? AND key = ?
		`, data, now, op.Store, op.Key)
		return err

	case OpDelete:
		_, err := tx.ExecContext(ctx, `DELETE FROM records WHERE store = ? AND key = ?`, op.Store, op.Key)
		return err
	}
	return fmt.Errorf("unknown operation %q", op.Kind)
}

func (s *Store) applyExchange(ctx context.Context, tx *sql.Tx, op Operation) error {
	switch op.Kind {
	case OpPut:
		_, err := s.exchangePut(ctx, tx, op.Key, op.Value, ExchangeOptions{})
		return err
	case OpUpdate:
		cur, err := s.liveExchange(ctx, tx, op.Key)
		if err != nil {
			return err
		}
		_, err = s.exchangePut(ctx, tx, op.Key, merge(cur.Value, op.Value), ExchangeOptions{
			Owner:      cur.Owner,
			SharedWith: cur.SharedWith,
		})
		return err
	case OpDelete:
		_, err := tx.ExecContext(ctx, `DELETE FROM exchange WHERE key = ?`, op.Key)
		return err
	}
	return fmt.Errorf("unknown operation %q", op.Kind)
}

// merge applies a shallow map merge when both sides are JSON objects.
func merge(cur, patch any) any {
	base, ok1 := cur.(map[string]any)
	upd, ok2 := patch.(map[string]any)
	if !ok1 || !ok2 {
		return patch
	}
	out := make(map[string]any, len(base)+len(upd))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range upd {
		out[k] = v
	}
	return out
}

// Transaction returns the log row of a transaction.
func (s *Store) Transaction(ctx context.Context, id string) (Transaction, error) {
	var (
		t               Transaction
		stores, ops, st string
		created         int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, stores, operations, status, error, created_at
		FROM transactions WHERE id = ?
	`, id).Scan(&t.ID, &stores, &ops, &st, &t.Error, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("transaction %s: %w", id, err)
	}
	if t.Stores, err = unmarshalStrings(stores); err != nil {
		return Transaction{}, fmt.Errorf("transaction %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(ops), &t.Operations); err != nil {
		return Transaction{}, fmt.Errorf("transaction %s: unmarshal operations: %w", id, err)
	}
	t.Status = TxStatus(st)
	t.CreatedAt = fromMillis(created)
	return t, nil
}

// GetRecord returns key from the named record store.
func (s *Store) GetRecord(ctx context.Context, store, key string) (Record, error) {
	r, err := getRecord(ctx, s.db, store, key)
	if err != nil {
		return Record{}, fmt.Errorf("get record %s/%s: %w", store, key, err)
	}
	return r, nil
}

func getRecord(ctx context.Context, q queryRower, store, key string) (Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT store, key, value, version, updated_at FROM records
		WHERE store = ? AND key = ?
	`, store, key)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func scanRecord(row scanner) (Record, error) {
	var (
		r       Record
		value   string
		updated int64
	)
	if err := row.Scan(&r.Store, &r.Key, &value, &r.Version, &updated); err != nil {
		return Record{}, err
	}
	v, err := unmarshalValue(value)
	if err != nil {
		return Record{}, err
	}
	r.Value = v
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}

// ListRecords returns every record of the named store ordered by key.
func (s *Store) ListRecords(ctx context.Context, store string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT store, key, value, version, updated_at FROM records
		WHERE store = ?
		ORDER BY key ASC
	`, store)
	if err != nil {
		return nil, fmt.Errorf("list records %s: %w", store, err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list records %s: %w", store, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records %s: %w", store, err)
	}
	return records, nil
}
