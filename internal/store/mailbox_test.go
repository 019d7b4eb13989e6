package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefer_PersistsPendingEntry(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	msg := createTestRequest("m1", "B", "math", "add")

	e, err := s.Defer(ctx, msg, DeferOptions{Priority: 2})
	require.NoError(t, err)

	assert.Equal(t, "entry-1", e.ID)
	assert.Equal(t, "B", e.Channel)
	assert.Equal(t, "A", e.Sender)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, 2, e.Priority)
	assert.Equal(t, DefaultMaxRetries, e.MaxRetries)
	assert.Equal(t, 0, e.RetryCount)
	assert.True(t, e.ExpiresAt.IsZero())
	assert.Equal(t, testEpoch.UnixMilli(), e.CreatedAt.UnixMilli())
	assert.Equal(t, msg, e.Message)

	got, err := s.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestDefer_RequiresDestination(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.Defer(context.Background(), nil, DeferOptions{})
	assert.Error(t, err)

	msg := createTestRequest("m1", "")
	_, err = s.Defer(context.Background(), msg, DeferOptions{})
	assert.Error(t, err)
}

func TestDefer_RequestsTrackPendingOperation(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	req, err := s.Defer(ctx, createTestRequest("m1", "B", "math", "add"), DeferOptions{})
	require.NoError(t, err)
	_, err = s.Defer(ctx, createTestEvent("m2", "B"), DeferOptions{})
	require.NoError(t, err)

	ops, err := s.PendingOperations(ctx, "B")
	require.NoError(t, err)
	require.Len(t, ops, 1, "events do not create pending operations")

	op := ops[0]
	assert.Equal(t, "m1", op.ID)
	assert.Equal(t, req.ID, op.EntryID)
	assert.Equal(t, []string{"math", "add"}, op.Path)
	assert.Equal(t, StatusPending, op.Status)

	claimed, err := s.ProcessNextPending(ctx, "B")
	require.NoError(t, err)
	require.NoError(t, s.MarkDelivered(ctx, claimed.ID))

	ops, err = s.PendingOperations(ctx, "")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, StatusDelivered, ops[0].Status)
}

func TestProcessNextPending_PriorityThenInsertionOrder(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	low1, err := s.Defer(ctx, createTestEvent("m1", "B"), DeferOptions{})
	require.NoError(t, err)
	high, err := s.Defer(ctx, createTestEvent("m2", "B"), DeferOptions{Priority: 5})
	require.NoError(t, err)
	low2, err := s.Defer(ctx, createTestEvent("m3", "B"), DeferOptions{})
	require.NoError(t, err)
	_, err = s.Defer(ctx, createTestEvent("m4", "C"), DeferOptions{Priority: 9})
	require.NoError(t, err)

	queued, err := s.Dequeue(ctx, "B", 0)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	assert.Equal(t, []string{high.ID, low1.ID, low2.ID}, entryIDs(queued))

	for _, want := range []string{high.ID, low1.ID, low2.ID} {
		e, err := s.ProcessNextPending(ctx, "B")
		require.NoError(t, err)
		assert.Equal(t, want, e.ID)
		assert.Equal(t, StatusProcessing, e.Status)
	}

	_, err = s.ProcessNextPending(ctx, "B")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProcessNextPending_SkipsExpired(t *testing.T) {
	s, mock := createTestStore(t)
	ctx := context.Background()

	_, err := s.Defer(ctx, createTestEvent("m1", "B"), DeferOptions{ExpiresIn: time.Minute})
	require.NoError(t, err)
	mock.Add(2 * time.Minute)

	_, err = s.ProcessNextPending(ctx, "B")
	assert.ErrorIs(t, err, ErrNotFound)

	queued, err := s.Dequeue(ctx, "B", 10)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestProcessNextPending_SingleClaim(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		_, err := s.Defer(ctx, createTestEvent("m", "B"), DeferOptions{})
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := s.ProcessNextPending(ctx, "B")
				if errors.Is(err, ErrNotFound) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				claimed[e.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, total)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "entry %s claimed more than once", id)
	}
}

// Defer to an offline channel with maxRetries 2, then fail it three times.
func TestMarkFailed_RetryLaw(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	e, err := s.Defer(ctx, createTestRequest("m1", "C", "x"), DeferOptions{MaxRetries: 2})
	require.NoError(t, err)

	claimed, err := s.ProcessNextPending(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, e.ID, claimed.ID)

	first, err := s.MarkFailed(ctx, e.ID, "peer offline")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, 1, first.RetryCount)
	assert.Equal(t, "peer offline", first.LastError)

	second, err := s.MarkFailed(ctx, e.ID, "still offline")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, second.Status)
	assert.Equal(t, 2, second.RetryCount)

	third, err := s.MarkFailed(ctx, e.ID, "ignored")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, third.Status)
	assert.Equal(t, 2, third.RetryCount)
	assert.Equal(t, "still offline", third.LastError)

	_, err = s.ProcessNextPending(ctx, "C")
	assert.ErrorIs(t, err, ErrNotFound, "failed entries are never pending again")

	ops, err := s.PendingOperations(ctx, "C")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, StatusFailed, ops[0].Status)
}

func TestMarkFailed_NotFound(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.MarkFailed(context.Background(), "missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkDelivered(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	e, err := s.Defer(ctx, createTestEvent("m1", "B"), DeferOptions{})
	require.NoError(t, err)

	require.NoError(t, s.MarkDelivered(ctx, e.ID))
	got, err := s.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)

	assert.ErrorIs(t, s.MarkDelivered(ctx, e.ID), ErrTerminal)
	assert.ErrorIs(t, s.MarkDelivered(ctx, "missing"), ErrNotFound)

	// A delivered entry ignores later failures.
	after, err := s.MarkFailed(ctx, e.ID, "late")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, after.Status)
}

func TestListMailbox_Filters(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	a, err := s.Defer(ctx, createTestEvent("m1", "B"), DeferOptions{})
	require.NoError(t, err)
	b, err := s.Defer(ctx, createTestEvent("m2", "C"), DeferOptions{})
	require.NoError(t, err)
	c, err := s.Defer(ctx, createTestEvent("m3", "B"), DeferOptions{})
	require.NoError(t, err)
	require.NoError(t, s.MarkDelivered(ctx, c.ID))

	all, err := s.ListMailbox(ctx, MailboxFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, entryIDs(all))

	onB, err := s.ListMailbox(ctx, MailboxFilter{Channel: "B"})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, c.ID}, entryIDs(onB))

	pendingB, err := s.ListMailbox(ctx, MailboxFilter{Channel: "B", Status: StatusPending})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, entryIDs(pendingB))

	limited, err := s.ListMailbox(ctx, MailboxFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, entryIDs(limited))

	none, err := s.ListMailbox(ctx, MailboxFilter{Channel: "Z"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func entryIDs(entries []MailboxEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
