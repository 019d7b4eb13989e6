package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/fabric/internal/fifo"
	"github.com/roach88/fabric/internal/wire"
)

const wsWriteTimeout = 10 * time.Second

// WebSocket adapts a gorilla/websocket connection.
//
// Text frames carry JSON envelopes and binary frames carry the binary
// codec; the frame type used for sending follows the configured codec and
// both are accepted on receive. Sends issued before the connection is open
// are buffered.
type WebSocket struct {
	url    string
	dialer *websocket.Dialer
	codec  wire.Codec
	logger *slog.Logger

	outbox    *fifo.Queue[[]byte]
	listeners listeners

	mu       sync.Mutex
	conn     *websocket.Conn
	attached bool
	detached bool
	done     chan struct{}
	once     sync.Once
}

// NewWebSocket wraps an established connection, such as one produced by
// WebSocketHandler.
func NewWebSocket(conn *websocket.Conn, opts ...Option) *WebSocket {
	ws := newWebSocket(opts)
	ws.conn = conn
	return ws
}

// DialWebSocket returns an adapter that connects to url on Attach.
func DialWebSocket(url string, opts ...Option) *WebSocket {
	ws := newWebSocket(opts)
	ws.url = url
	ws.dialer = websocket.DefaultDialer
	return ws
}

func newWebSocket(opts []Option) *WebSocket {
	o := newOptions(opts, wire.DefaultCodec)
	return &WebSocket{
		codec:  o.codec,
		logger: o.logger,
		outbox: fifo.New[[]byte](),
		done:   make(chan struct{}),
	}
}

func (w *WebSocket) Kind() Kind                 { return KindWebSocket }
func (w *WebSocket) Capabilities() Capabilities { return CapabilitiesOf(KindWebSocket) }

// Attach dials if needed and starts the read and write loops.
func (w *WebSocket) Attach(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.detached {
		return ErrDetached
	}
	if w.attached {
		return nil
	}
	if w.conn == nil {
		conn, resp, err := w.dialer.DialContext(ctx, w.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return fmt.Errorf("dial %s: %w", w.url, err)
		}
		w.conn = conn
	}
	w.conn.SetReadLimit(MaxFrameSize)
	w.attached = true
	go w.writeLoop(w.conn)
	go w.readLoop(w.conn)
	return nil
}

// Detach closes the connection. Buffered sends that were not yet written
// are dropped.
func (w *WebSocket) Detach() error {
	w.mu.Lock()
	if w.detached {
		w.mu.Unlock()
		return nil
	}
	w.detached = true
	conn := w.conn
	w.outbox.Close()
	w.mu.Unlock()

	var err error
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = conn.Close()
	}
	w.finish()
	return err
}

// Send encodes msg and queues it for the write loop.
func (w *WebSocket) Send(msg *wire.Message, transfer ...any) error {
	w.mu.Lock()
	detached := w.detached
	w.mu.Unlock()
	if detached {
		return ErrDetached
	}
	b, err := w.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("websocket send %s: %w", msg.ID, err)
	}
	if !w.outbox.Enqueue(b) {
		return ErrDetached
	}
	return nil
}

func (w *WebSocket) Listen(onMessage func(*wire.Message), onError func(error), onClose func()) func() {
	return w.listeners.add(onMessage, onError, onClose)
}

func (w *WebSocket) writeLoop(conn *websocket.Conn) {
	frame := websocket.TextMessage
	if w.codec.Binary() {
		frame = websocket.BinaryMessage
	}
	w.outbox.Drain(w.done, func(b []byte) {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(frame, b); err != nil {
			w.logger.Debug("websocket write failed", "error", err)
			w.listeners.error(fmt.Errorf("websocket write: %w", err))
		}
	})
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	defer w.finish()
	defer conn.Close()
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				w.listeners.error(fmt.Errorf("websocket read: %w", err))
			}
			return
		}
		codec := wire.Codec(wire.JSONCodec{})
		if typ == websocket.BinaryMessage {
			codec = wire.BinaryCodec{}
		}
		m, err := codec.Decode(data)
		if err != nil {
			w.logger.Warn("websocket frame dropped", "error", err)
			w.listeners.error(err)
			continue
		}
		w.listeners.message(m)
	}
}

// finish runs once, when the connection is gone for either side.
func (w *WebSocket) finish() {
	w.once.Do(func() {
		w.mu.Lock()
		w.detached = true
		w.outbox.Close()
		close(w.done)
		w.mu.Unlock()
		w.listeners.close()
	})
}

// WebSocketHandler upgrades HTTP requests and hands each new connection's
// adapter to accept. Requests carrying a browser Origin other than the
// handler's own host are refused unless WithAllowedOrigins admits them.
// Inbound frames are limited to MaxFrameSize.
func WebSocketHandler(accept func(*WebSocket), opts ...Option) http.Handler {
	o := newOptions(opts, wire.DefaultCodec)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     o.checkOrigin,
	}
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			o.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		conn.SetReadLimit(MaxFrameSize)
		accept(NewWebSocket(conn, opts...))
	})
}
