package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fabric/internal/channel"
	"github.com/roach88/fabric/internal/config"
	"github.com/roach88/fabric/internal/connreg"
	"github.com/roach88/fabric/internal/metrics"
	"github.com/roach88/fabric/internal/store"
	"github.com/roach88/fabric/internal/testutil"
	"github.com/roach88/fabric/internal/transport"
	"github.com/roach88/fabric/internal/wire"
)

const waitFor = 5 * time.Second

func testConfig(t *testing.T, name string) *config.Config {
	t.Helper()
	cfg, err := config.Parse(nil, map[string]any{
		"channel":        name,
		"database":       filepath.Join(t.TempDir(), name+".db"),
		"listen":         "127.0.0.1:0",
		"metrics_listen": "127.0.0.1:0",
	})
	require.NoError(t, err)
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config, env Env) *Daemon {
	t.Helper()
	d, err := New(cfg, env)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(context.Background()) })
	return d
}

func TestDaemon_InvokeOverWebSocket(t *testing.T) {
	d := startDaemon(t, testConfig(t, "hub"), Env{})
	_, err := d.Channel.Expose("math", map[string]any{
		"add": func(a, b int) int { return a + b },
	})
	require.NoError(t, err)
	require.NotEmpty(t, d.Server.Addr())

	client := testutil.NewChannel(t, "client")
	ctx := context.Background()
	_, err = client.Connect(ctx, transport.DialWebSocket("ws://"+d.Server.Addr()+"/"), channel.BindOptions{Remote: "hub"})
	require.NoError(t, err)

	sum, err := client.Proxy("hub").At("math", "add").Call(ctx, 2, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 5, sum)

	assert.Eventually(t, func() bool {
		return len(d.Channel.Connections().Query(connreg.Filter{
			Local:     "hub",
			Transport: string(transport.KindWebSocket),
			Direction: connreg.Incoming,
		})) > 0
	}, waitFor, 10*time.Millisecond, "the daemon registers the incoming connection")
}

func TestDaemon_ServesMetrics(t *testing.T) {
	d := startDaemon(t, testConfig(t, "hub"), Env{})
	require.NotEmpty(t, d.Server.MetricsAddr())

	// Generate traffic so the families are not empty.
	_, err := d.Channel.Expose("x", 1)
	require.NoError(t, err)
	client := testutil.NewChannel(t, "client")
	_, err = client.Connect(context.Background(), transport.DialWebSocket("ws://"+d.Server.Addr()+"/"), channel.BindOptions{Remote: "hub"})
	require.NoError(t, err)
	_, err = client.Request(context.Background(), "hub", wire.ActionGet, []string{"x"}, nil)
	require.NoError(t, err)

	resp, err := http.Get("http://" + d.Server.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "fabric_messages_received_total")
	assert.Contains(t, string(body), `channel="hub"`)
}

func TestDaemon_DialsPeers(t *testing.T) {
	hub := startDaemon(t, testConfig(t, "hub"), Env{})
	_, err := hub.Channel.Expose("greeting", "hello")
	require.NoError(t, err)

	cfg := testConfig(t, "edge")
	cfg.Listen = ""
	cfg.MetricsListen = ""
	cfg.Peers = []config.Peer{{Name: "hub", URL: "ws://" + hub.Server.Addr() + "/"}}
	edge := startDaemon(t, cfg, Env{})

	assert.Equal(t, []string{"hub"}, edge.Channel.Routes())
	v, err := edge.Channel.Request(context.Background(), "hub", wire.ActionGet, []string{"greeting"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestDaemon_StartsWithUnreachablePeer(t *testing.T) {
	cfg := testConfig(t, "edge")
	cfg.Peers = []config.Peer{{Name: "hub", URL: "ws://127.0.0.1:1/"}}
	d := startDaemon(t, cfg, Env{})
	assert.Empty(t, d.Channel.Routes())
}

func TestDaemon_StartFailsOnBusyAddress(t *testing.T) {
	first := startDaemon(t, testConfig(t, "one"), Env{})

	cfg := testConfig(t, "two")
	cfg.Listen = first.Server.Addr()
	d, err := New(cfg, Env{})
	require.NoError(t, err)
	err = d.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "websocket listener")
}

func TestDaemon_StopClosesChannel(t *testing.T) {
	d, err := New(testConfig(t, "hub"), Env{})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Stop(context.Background()))

	select {
	case <-d.Channel.Done():
	case <-time.After(waitFor):
		t.Fatal("channel still running after Stop")
	}
}

func TestDaemon_SharedMemoryPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "link")

	cfgA := testConfig(t, "left")
	cfgA.SharedMemory = &config.SharedMemory{Path: path, Size: 65536, Side: "a"}
	a := startDaemon(t, cfgA, Env{})
	_, err := a.Channel.Expose("side", "a")
	require.NoError(t, err)

	cfgB := testConfig(t, "right")
	cfgB.SharedMemory = &config.SharedMemory{Path: path, Size: 65536, Side: "b"}
	b := startDaemon(t, cfgB, Env{})

	require.Eventually(t, func() bool {
		v, err := b.Channel.Request(context.Background(), "left", wire.ActionGet, []string{"side"}, nil,
			channel.Timeout(200*time.Millisecond))
		return err == nil && v == "a"
	}, waitFor, 20*time.Millisecond)
}

func TestApply_HotFields(t *testing.T) {
	ch := testutil.NewChannel(t, "hub")
	level := new(slog.LevelVar)

	cfg, err := config.Parse([]byte("log_level: debug\nrequest_timeout: 3s\n"), nil)
	require.NoError(t, err)
	Apply(cfg, level, ch)

	assert.Equal(t, slog.LevelDebug, level.Level())
	assert.Equal(t, 3*time.Second, ch.RequestTimeout())

	Apply(cfg, nil, ch)
}

func TestPeers_DialMissingSkipsRoutedPeers(t *testing.T) {
	b := testutil.NewChannel(t, "b")
	a := testutil.NewChannel(t, "a")

	cfg := testConfig(t, "a")
	cfg.Peers = []config.Peer{{Name: "b", URL: "ws://unused/"}}
	p := NewPeers(cfg, a, slog.Default())

	dials := 0
	p.dial = func(config.Peer) transport.Adapter {
		dials++
		portA, portB := transport.NewPipe(transport.KindWorker)
		_, err := b.Listen(context.Background(), portB, channel.BindOptions{Remote: "a"})
		require.NoError(t, err)
		return portA
	}

	require.NoError(t, p.DialMissing(context.Background()))
	require.NoError(t, p.DialMissing(context.Background()))
	assert.Equal(t, 1, dials)
	assert.Equal(t, []string{"b"}, a.Routes())
}

func TestPeers_DialMissingCombinesFailures(t *testing.T) {
	a := testutil.NewChannel(t, "a")
	cfg := testConfig(t, "a")
	cfg.Peers = []config.Peer{
		{Name: "b", URL: "ws://127.0.0.1:1/"},
		{Name: "c", URL: "ws://127.0.0.1:1/"},
	}

	err := NewPeers(cfg, a, slog.Default()).DialMissing(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peer b")
	assert.Contains(t, err.Error(), "peer c")
}

func newTestPump(t *testing.T) (*Pump, *store.Store, *prometheus.Registry, *clock.Mock) {
	t.Helper()
	clk := testutil.NewMockClock()
	st, err := store.Open(filepath.Join(t.TempDir(), "pump.db"), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := prometheus.NewRegistry()
	cfg := testConfig(t, "A")
	ch := testutil.NewChannel(t, "A", channel.WithClock(clk), channel.WithMailbox(st, store.DeferOptions{}))
	return NewPump(cfg, ch, st, nil, metrics.New(reg), clk, slog.Default()), st, reg, clk
}

func deferEvent(t *testing.T, st *store.Store, id, to string, expires time.Duration) {
	t.Helper()
	m := wire.NewMessage(id, to, "A", wire.TypeEvent, testutil.Epoch)
	m.Payload.Event = "tick"
	_, err := st.Defer(context.Background(), m, store.DeferOptions{ExpiresIn: expires})
	require.NoError(t, err)
}

func TestPump_CleanupCountsExpiredEntries(t *testing.T) {
	p, st, reg, clk := newTestPump(t)
	deferEvent(t, st, "m1", "B", time.Minute)
	deferEvent(t, st, "m2", "B", time.Hour)

	clk.Add(2 * time.Minute)
	res, err := p.Cleanup(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"B": 1}, res.Mailbox)
	assert.Equal(t, 1.0, counterValue(t, reg, "fabric_mailbox_entries_total",
		map[string]string{"channel": "B", "outcome": metrics.MailboxExpired}))

	left, err := st.ListMailbox(context.Background(), store.MailboxFilter{Channel: "B"})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "m2", left[0].Message.ID)
}

func TestPump_PollWithoutRoutes(t *testing.T) {
	p, st, _, _ := newTestPump(t)
	deferEvent(t, st, "m1", "B", 0)

	assert.Equal(t, 0, p.Poll(context.Background()))
	left, err := st.ListMailbox(context.Background(), store.MailboxFilter{Status: store.StatusPending})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestPump_RunsCleanupOnTick(t *testing.T) {
	p, st, _, clk := newTestPump(t)
	deferEvent(t, st, "m1", "B", 30*time.Second)

	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool {
		clk.Add(p.cfg.CleanupInterval.Duration())
		left, err := st.ListMailbox(context.Background(), store.MailboxFilter{})
		return err == nil && len(left) == 0
	}, waitFor, 10*time.Millisecond)
}

func TestPump_StopIsIdempotent(t *testing.T) {
	p, _, _, _ := newTestPump(t)
	p.Stop()
	p.Start()
	p.Stop()
	p.Stop()
}

func counterValue(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestSystem_Exposed(t *testing.T) {
	hub := startDaemon(t, testConfig(t, "hub"), Env{})

	client := testutil.NewChannel(t, "client")
	ctx := context.Background()
	_, err := client.Connect(ctx, transport.DialWebSocket("ws://"+hub.Server.Addr()+"/"), channel.BindOptions{Remote: "hub"})
	require.NoError(t, err)

	sys := client.Proxy("hub", SystemName)
	pong, err := sys.Child("Ping").Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", pong)

	name, err := sys.Child("Name").Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hub", name)

	n, err := sys.Child("Pending").Call(ctx, "nobody")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	assert.Contains(t, hub.Channel.Exposed(), SystemName)
}
