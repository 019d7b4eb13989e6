package transport

import (
	"fmt"
	"io"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/roach88/fabric/internal/shm"
)

// Builder constructs an adapter of an explicitly chosen kind.
//
//	a, err := transport.NewBuilder(transport.KindWebSocket).
//		With(transport.WithCodec(wire.BinaryCodec{})).
//		Build("ws://localhost:7400/fabric")
type Builder struct {
	kind Kind
	opts []Option
}

// NewBuilder starts a builder for kind.
func NewBuilder(kind Kind) *Builder {
	return &Builder{kind: kind}
}

// With appends adapter options.
func (b *Builder) With(opts ...Option) *Builder {
	b.opts = append(b.opts, opts...)
	return b
}

// RuntimeTarget names the hub and local channel a runtime port binds to.
type RuntimeTarget struct {
	Hub   *RuntimeHub
	Local string
}

// Build wraps handle, which must match the builder's kind:
//
//	worker, message-port  *Port
//	broadcast             *BroadcastGroup (joined) or *GroupPort
//	runtime               RuntimeTarget or *GroupPort
//	websocket             *websocket.Conn or a ws:// / wss:// URL
//	datachannel           DataChannelConn
//	stream                io.ReadWriteCloser
//	shared-memory         *shm.Link
func (b *Builder) Build(handle any) (Adapter, error) {
	switch b.kind {
	case KindWorker, KindMessagePort:
		if p, ok := handle.(*Port); ok {
			return p, nil
		}
	case KindBroadcast:
		switch h := handle.(type) {
		case *BroadcastGroup:
			return h.Join(), nil
		case *GroupPort:
			return h, nil
		}
	case KindRuntime:
		switch h := handle.(type) {
		case RuntimeTarget:
			if h.Hub == nil {
				return nil, fmt.Errorf("build runtime adapter: nil hub")
			}
			return h.Hub.Port(h.Local), nil
		case *GroupPort:
			return h, nil
		}
	case KindWebSocket:
		switch h := handle.(type) {
		case *websocket.Conn:
			return NewWebSocket(h, b.opts...), nil
		case string:
			return DialWebSocket(h, b.opts...), nil
		}
	case KindDataChannel:
		if dc, ok := handle.(DataChannelConn); ok {
			return NewDataChannel(dc, b.opts...), nil
		}
	case KindStream:
		if rwc, ok := handle.(io.ReadWriteCloser); ok {
			return NewStream(rwc, b.opts...), nil
		}
	case KindSharedMemory:
		if l, ok := handle.(*shm.Link); ok {
			return NewSharedMemory(l, b.opts...), nil
		}
	default:
		return nil, fmt.Errorf("build adapter: unknown kind %q", b.kind)
	}
	return nil, fmt.Errorf("build %s adapter: unsupported handle %T", b.kind, handle)
}

// Classify guesses the kind of an opaque handle. It is a pure function used
// for flags and diagnostics; adapters themselves are always built with an
// explicit kind.
func Classify(handle any) (Kind, bool) {
	switch h := handle.(type) {
	case Adapter:
		return h.Kind(), true
	case *BroadcastGroup:
		return KindBroadcast, true
	case *RuntimeHub, RuntimeTarget:
		return KindRuntime, true
	case *websocket.Conn:
		return KindWebSocket, true
	case *shm.Link:
		return KindSharedMemory, true
	case DataChannelConn:
		return KindDataChannel, true
	case io.ReadWriteCloser:
		return KindStream, true
	case string:
		switch {
		case strings.HasPrefix(h, "ws://"), strings.HasPrefix(h, "wss://"):
			return KindWebSocket, true
		case strings.HasPrefix(h, "shm://"):
			return KindSharedMemory, true
		case strings.HasPrefix(h, "tcp://"), strings.HasPrefix(h, "unix://"):
			return KindStream, true
		}
		if k := Kind(h); k.Valid() {
			return k, true
		}
	}
	return "", false
}
