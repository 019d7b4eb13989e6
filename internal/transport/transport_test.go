package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fabric/internal/shm"
	"github.com/roach88/fabric/internal/wire"
)

type recorder struct {
	mu     sync.Mutex
	msgs   []*wire.Message
	errs   []error
	closed int
}

func record(a Adapter) *recorder {
	r := &recorder{}
	a.Listen(func(m *wire.Message) {
		r.mu.Lock()
		r.msgs = append(r.msgs, m)
		r.mu.Unlock()
	}, func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	}, func() {
		r.mu.Lock()
		r.closed++
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.ID
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func msg(id, channel string) *wire.Message {
	m := wire.NewMessage(id, channel, "sender", wire.TypeEvent, time.UnixMilli(1))
	m.Payload.Event = "e"
	m.Payload.Data = map[string]any{"n": 1}
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond)
}

func TestCapabilities(t *testing.T) {
	for _, k := range Kinds {
		assert.True(t, k.Valid(), k)
		assert.True(t, CapabilitiesOf(k).Bidirectional, k)
	}
	assert.True(t, CapabilitiesOf(KindWorker).Transfer)
	assert.False(t, CapabilitiesOf(KindWebSocket).Transfer)
	assert.True(t, CapabilitiesOf(KindBroadcast).Broadcast)
	assert.False(t, CapabilitiesOf(KindBroadcast).Persistent)
	assert.False(t, CapabilitiesOf(KindDataChannel).Persistent)
	assert.False(t, Kind("carrier-pigeon").Valid())
}

func TestPipe_OrderedDelivery(t *testing.T) {
	a, b := NewPipe(KindWorker)
	rec := record(b)

	// Sent before the peer attaches: buffered.
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, a.Send(msg(id, "B")))
	}
	require.NoError(t, b.Attach(context.Background()))
	require.NoError(t, b.Attach(context.Background()))
	require.NoError(t, a.Send(msg("4", "B")))

	waitFor(t, func() bool { return rec.count() == 4 })
	assert.Equal(t, []string{"1", "2", "3", "4"}, rec.ids())
}

func TestPipe_CopiesUnlessTransferred(t *testing.T) {
	a, b := NewPipe(KindMessagePort)
	rec := record(b)
	require.NoError(t, b.Attach(context.Background()))

	buf := []byte("raw")
	m := msg("1", "B")
	m.Payload.Data = buf
	require.NoError(t, a.Send(m))

	t2 := msg("2", "B")
	t2.Payload.Data = buf
	require.NoError(t, a.Send(t2, buf))

	waitFor(t, func() bool { return rec.count() == 2 })
	rec.mu.Lock()
	defer rec.mu.Unlock()
	// Copied through JSON the bytes arrive base64-encoded.
	assert.IsType(t, "", rec.msgs[0].Payload.Data)
	assert.IsType(t, []byte(nil), rec.msgs[1].Payload.Data)
}

func TestPipe_Detach(t *testing.T) {
	a, b := NewPipe(KindWorker)
	rec := record(b)
	require.NoError(t, b.Attach(context.Background()))

	require.NoError(t, b.Detach())
	require.NoError(t, b.Detach())
	assert.Equal(t, 1, rec.closes())

	assert.ErrorIs(t, a.Send(msg("1", "B")), ErrDetached)
	assert.ErrorIs(t, b.Send(msg("1", "A")), ErrDetached)
	assert.ErrorIs(t, b.Attach(context.Background()), ErrDetached)

	bad := msg("x", "B")
	bad.Payload.Data = func() {}
	_, c := NewPipe(KindWorker)
	assert.Error(t, c.Send(bad), "functions cannot be cloned")
}

func TestBroadcastGroup(t *testing.T) {
	g := NewBroadcastGroup("tabs")
	a, b, c := g.Join(), g.Join(), g.Join()
	ra, rb, rc := record(a), record(b), record(c)

	// c never attaches and misses everything.
	require.NoError(t, a.Attach(context.Background()))
	require.NoError(t, b.Attach(context.Background()))
	assert.Equal(t, 2, g.Len())

	require.NoError(t, a.Send(msg("1", "*")))
	waitFor(t, func() bool { return rb.count() == 1 })
	assert.Equal(t, 0, ra.count(), "no echo to the sender")
	assert.Equal(t, 0, rc.count())

	assert.ErrorIs(t, c.Send(msg("2", "*")), ErrNotOpen)
	require.NoError(t, b.Detach())
	assert.Equal(t, 1, g.Len())
}

func TestRuntimeHub_FiltersByDestination(t *testing.T) {
	hub := NewRuntimeHub()
	bg := hub.Port("background")
	popup := hub.Port("popup")
	options := hub.Port("options")
	rp, ro := record(popup), record(options)
	for _, p := range []*GroupPort{bg, popup, options} {
		require.NoError(t, p.Attach(context.Background()))
	}

	require.NoError(t, bg.Send(msg("to-popup", "popup")))
	require.NoError(t, bg.Send(msg("to-all", wire.Broadcast)))

	waitFor(t, func() bool { return rp.count() == 2 && ro.count() == 1 })
	assert.Equal(t, []string{"to-popup", "to-all"}, rp.ids())
	assert.Equal(t, []string{"to-all"}, ro.ids())
	assert.Equal(t, KindRuntime, popup.Kind())
}

func TestWebSocket_RoundTrip(t *testing.T) {
	accepted := make(chan *WebSocket, 1)
	srv := httptest.NewServer(WebSocketHandler(func(ws *WebSocket) { accepted <- ws }))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	client := DialWebSocket(url, WithCodec(wire.BinaryCodec{}))
	crec := record(client)
	// Buffered until the connection opens.
	require.NoError(t, client.Send(msg("early", "server")))
	require.NoError(t, client.Attach(context.Background()))

	var server *WebSocket
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}
	srec := record(server)
	require.NoError(t, server.Attach(context.Background()))

	waitFor(t, func() bool { return srec.count() == 1 })
	assert.Equal(t, []string{"early"}, srec.ids())

	require.NoError(t, server.Send(msg("reply", "client")))
	waitFor(t, func() bool { return crec.count() == 1 })
	assert.Equal(t, []string{"reply"}, crec.ids())

	require.NoError(t, client.Detach())
	waitFor(t, func() bool { return srec.closes() == 1 })
	assert.ErrorIs(t, client.Send(msg("late", "server")), ErrDetached)
}

func TestWebSocket_DialFailure(t *testing.T) {
	ws := DialWebSocket("ws://127.0.0.1:1/nothing")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, ws.Attach(ctx))
}

func TestWebSocket_ReadLimit(t *testing.T) {
	accepted := make(chan *WebSocket, 1)
	srv := httptest.NewServer(WebSocketHandler(func(ws *WebSocket) { accepted <- ws }))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var server *WebSocket
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}
	srec := record(server)
	require.NoError(t, server.Attach(context.Background()))

	_ = conn.WriteMessage(websocket.BinaryMessage, make([]byte, MaxFrameSize+1))
	waitFor(t, func() bool { return srec.closes() == 1 })

	srec.mu.Lock()
	defer srec.mu.Unlock()
	assert.Empty(t, srec.msgs)
	require.NotEmpty(t, srec.errs)
	assert.ErrorIs(t, srec.errs[0], websocket.ErrReadLimit)
}

func TestWebSocketHandler_Origins(t *testing.T) {
	dial := func(t *testing.T, h http.Handler, origin string) error {
		t.Helper()
		srv := httptest.NewServer(h)
		defer srv.Close()
		header := http.Header{}
		if origin != "" {
			header.Set("Origin", origin)
		}
		conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err == nil {
			conn.Close()
		}
		return err
	}
	discard := func(ws *WebSocket) { _ = ws.Detach() }

	strict := WebSocketHandler(discard)
	assert.NoError(t, dial(t, strict, ""), "clients without an Origin header are accepted")
	assert.ErrorIs(t, dial(t, strict, "https://evil.example"), websocket.ErrBadHandshake)

	allowed := WebSocketHandler(discard, WithAllowedOrigins("https://console.example"))
	assert.NoError(t, dial(t, allowed, "https://console.example"))
	assert.ErrorIs(t, dial(t, allowed, "https://evil.example"), websocket.ErrBadHandshake)

	assert.NoError(t, dial(t, WebSocketHandler(discard, WithAllowedOrigins("*")), "https://evil.example"))
}

type fakeDataChannel struct {
	mu      sync.Mutex
	state   webrtc.DataChannelState
	sent    [][]byte
	texts   []string
	onMsg   func(webrtc.DataChannelMessage)
	onClose func()
}

func (f *fakeDataChannel) Label() string { return "fabric" }
func (f *fakeDataChannel) ReadyState() webrtc.DataChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
func (f *fakeDataChannel) OnOpen(func()) {}

func (f *fakeDataChannel) OnClose(fn func()) { f.onClose = fn }

func (f *fakeDataChannel) OnMessage(fn func(webrtc.DataChannelMessage)) { f.onMsg = fn }

func (f *fakeDataChannel) OnError(func(error)) {}

func (f *fakeDataChannel) Send(b []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, b)
	f.mu.Unlock()
	return nil
}
func (f *fakeDataChannel) SendText(s string) error {
	f.mu.Lock()
	f.texts = append(f.texts, s)
	f.mu.Unlock()
	return nil
}
func (f *fakeDataChannel) Close() error {
	if f.onClose != nil {
		f.onClose()
	}
	return nil
}

func TestDataChannel(t *testing.T) {
	fake := &fakeDataChannel{state: webrtc.DataChannelStateConnecting}
	dc := NewDataChannel(fake)
	rec := record(dc)
	require.NoError(t, dc.Attach(context.Background()))

	assert.ErrorIs(t, dc.Send(msg("1", "peer")), ErrNotOpen)

	fake.mu.Lock()
	fake.state = webrtc.DataChannelStateOpen
	fake.mu.Unlock()
	require.NoError(t, dc.Send(msg("2", "peer")))
	assert.Len(t, fake.texts, 1)

	b, err := wire.BinaryCodec{}.Encode(msg("3", "me"))
	require.NoError(t, err)
	fake.onMsg(webrtc.DataChannelMessage{Data: b})
	j, err := wire.JSONCodec{}.Encode(msg("4", "me"))
	require.NoError(t, err)
	fake.onMsg(webrtc.DataChannelMessage{IsString: true, Data: j})
	fake.onMsg(webrtc.DataChannelMessage{IsString: true, Data: []byte("{")})

	assert.Equal(t, []string{"3", "4"}, rec.ids())
	assert.Len(t, rec.errs, 1)

	require.NoError(t, dc.Detach())
	assert.Equal(t, 1, rec.closes())
}

func TestStream_OverNetPipe(t *testing.T) {
	c1, c2 := net.Pipe()
	a, b := NewStream(c1), NewStream(c2)
	ra, rb := record(a), record(b)
	require.NoError(t, a.Attach(context.Background()))
	require.NoError(t, b.Attach(context.Background()))

	require.NoError(t, a.Send(msg("1", "b")))
	require.NoError(t, a.Send(msg("2", "b")))
	waitFor(t, func() bool { return rb.count() == 2 })
	assert.Equal(t, []string{"1", "2"}, rb.ids())

	require.NoError(t, b.Send(msg("3", "a")))
	waitFor(t, func() bool { return ra.count() == 1 })

	require.NoError(t, a.Detach())
	waitFor(t, func() bool { return rb.closes() == 1 })
	assert.ErrorIs(t, a.Send(msg("4", "b")), ErrDetached)
}

func TestSharedMemory(t *testing.T) {
	la, lb := shm.NewLinkPair(4096)
	a, b := NewSharedMemory(la), NewSharedMemory(lb)
	rb := record(b)
	require.NoError(t, a.Attach(context.Background()))
	require.NoError(t, b.Attach(context.Background()))

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, a.Send(msg(id, "b")))
	}
	waitFor(t, func() bool { return rb.count() == 3 })
	assert.Equal(t, []string{"1", "2", "3"}, rb.ids())

	big := msg("big", "b")
	big.Payload.Data = strings.Repeat("x", 8192)
	small := NewSharedMemory(la, WithCodec(wire.BinaryCodec{CompressThreshold: -1}))
	assert.ErrorIs(t, small.Send(big), shm.ErrTooLarge)

	require.NoError(t, a.Detach())
	waitFor(t, func() bool { return rb.closes() == 1 })
}

func TestSharedMemory_DetachUnderTrafficFileBacked(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mmap segments need a unix platform")
	}
	path := filepath.Join(t.TempDir(), "link")
	la, err := shm.OpenLink(path, 4096, shm.SideA)
	require.NoError(t, err)
	lb, err := shm.OpenLink(path, 4096, shm.SideB)
	require.NoError(t, err)

	a, b := NewSharedMemory(la), NewSharedMemory(lb)
	ra, rb := record(a), record(b)
	require.NoError(t, a.Attach(context.Background()))
	require.NoError(t, b.Attach(context.Background()))

	for i := 0; i < 20; i++ {
		require.NoError(t, a.Send(msg("a"+strconv.Itoa(i), "b")))
		require.NoError(t, b.Send(msg("b"+strconv.Itoa(i), "a")))
	}
	waitFor(t, func() bool { return ra.count() == 20 && rb.count() == 20 })

	// Queue more traffic so both loops are busy while detaching.
	for i := 0; i < 20; i++ {
		_ = a.Send(msg("late"+strconv.Itoa(i), "b"))
		_ = b.Send(msg("late"+strconv.Itoa(i), "a"))
	}
	require.NoError(t, a.Detach())
	require.NoError(t, b.Detach())
	assert.Equal(t, 1, ra.closes())
	assert.Equal(t, 1, rb.closes())
	assert.ErrorIs(t, a.Send(msg("after", "b")), ErrDetached)
}

func TestSharedMemory_Unavailable(t *testing.T) {
	s := NewSharedMemory(nil)
	assert.ErrorIs(t, s.Attach(context.Background()), shm.ErrUnavailable)
	assert.ErrorIs(t, s.Send(msg("1", "x")), shm.ErrUnavailable)
}

func TestBuilder(t *testing.T) {
	a, _ := NewPipe(KindWorker)
	got, err := NewBuilder(KindWorker).Build(a)
	require.NoError(t, err)
	assert.Same(t, a, got)

	got, err = NewBuilder(KindBroadcast).Build(NewBroadcastGroup("g"))
	require.NoError(t, err)
	assert.Equal(t, KindBroadcast, got.Kind())

	got, err = NewBuilder(KindRuntime).Build(RuntimeTarget{Hub: NewRuntimeHub(), Local: "x"})
	require.NoError(t, err)
	assert.Equal(t, KindRuntime, got.Kind())

	got, err = NewBuilder(KindWebSocket).With(WithCodec(wire.BinaryCodec{})).Build("ws://example.invalid")
	require.NoError(t, err)
	assert.Equal(t, KindWebSocket, got.Kind())

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	got, err = NewBuilder(KindStream).Build(c1)
	require.NoError(t, err)
	assert.Equal(t, KindStream, got.Kind())

	la, _ := shm.NewLinkPair(64)
	got, err = NewBuilder(KindSharedMemory).Build(la)
	require.NoError(t, err)
	assert.Equal(t, KindSharedMemory, got.Kind())

	got, err = NewBuilder(KindDataChannel).Build(&fakeDataChannel{})
	require.NoError(t, err)
	assert.Equal(t, KindDataChannel, got.Kind())

	_, err = NewBuilder(KindWorker).Build("not a port")
	assert.Error(t, err)
	_, err = NewBuilder(Kind("smoke-signal")).Build(a)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	a, _ := NewPipe(KindMessagePort)
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	la, _ := shm.NewLinkPair(64)

	tests := []struct {
		handle any
		want   Kind
	}{
		{a, KindMessagePort},
		{NewBroadcastGroup("g"), KindBroadcast},
		{NewRuntimeHub(), KindRuntime},
		{la, KindSharedMemory},
		{&fakeDataChannel{}, KindDataChannel},
		{c1, KindStream},
		{"wss://host/path", KindWebSocket},
		{"shm:///tmp/x", KindSharedMemory},
		{"tcp://127.0.0.1:9", KindStream},
		{"runtime", KindRuntime},
	}
	for _, tt := range tests {
		got, ok := Classify(tt.handle)
		require.True(t, ok, "%T", tt.handle)
		assert.Equal(t, tt.want, got, "%T", tt.handle)
	}
	_, ok := Classify(42)
	assert.False(t, ok)
	_, ok = Classify("nonsense")
	assert.False(t, ok)
}
