package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/roach88/fabric/internal/wire"
)

// testEpoch is where the mock clock of createTestStore starts.
var testEpoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// createTestStore opens a fresh store in a temp dir, driven by a mock clock
// and sequential ids (entry-1, entry-2, ...).
func createTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(testEpoch)
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(mock), WithIDGenerator(wire.NewSequenceGenerator("entry")))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, mock
}

// createTestRequest builds a request message from A to channel.
func createTestRequest(id, channel string, path ...string) *wire.Message {
	m := wire.NewMessage(id, channel, "A", wire.TypeRequest, testEpoch)
	m.Payload.Action = wire.ActionApply
	m.Payload.Path = path
	m.Payload.Args = []any{2.0, 3.0}
	return m
}

// createTestEvent builds an event message from A to channel.
func createTestEvent(id, channel string) *wire.Message {
	m := wire.NewMessage(id, channel, "A", wire.TypeEvent, testEpoch)
	m.Payload.Event = "tick"
	m.Payload.Data = map[string]any{"n": 1.0}
	return m
}
