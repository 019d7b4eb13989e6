package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Sent("a", "request")
		m.Received("a", "response")
		m.Dropped("a", ReasonInvalid)
		m.Timeout("a")
		m.PendingAdd("a", 1)
		m.Observe("a", "get", time.Millisecond)
		m.Mailbox("a", MailboxDeferred)
		m.MailboxN("a", MailboxExpired, 3)
		m.Connections("a", "incoming", 2)
	})
}

func TestCounters(t *testing.T) {
	m := New(nil)
	m.Sent("A", "request")
	m.Sent("A", "request")
	m.Dropped("A", ReasonUnsolicited)
	m.PendingAdd("A", 2)
	m.PendingAdd("A", -1)
	m.MailboxN("A", MailboxExpired, 0)
	m.MailboxN("A", MailboxExpired, 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sent.WithLabelValues("A", "request")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("A", ReasonUnsolicited)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pending.WithLabelValues("A")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.mailbox.WithLabelValues("A", MailboxExpired)))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Timeout("B")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `fabric_invoke_timeouts_total{channel="B"} 1`), body)
}
