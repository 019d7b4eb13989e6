package testutil

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Epoch is the time every mock clock starts at.
//
// A fixed wall time keeps timestamps in golden files and store rows stable
// across runs.
var Epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// NewMockClock returns a mock clock set to Epoch.
//
// Timers created through it (request timeouts, mailbox expiry) only fire when
// the test advances it with Add or Set.
func NewMockClock() *clock.Mock {
	m := clock.NewMock()
	m.Set(Epoch)
	return m
}
