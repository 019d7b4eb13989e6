// Package transport adapts concrete communication primitives to the single
// contract the channel layer speaks: send a message, listen for messages,
// attach and detach.
//
// The kind of an adapter is chosen by the caller when it is built; nothing
// in this package sniffs a handle at runtime except Classify, which exists
// for diagnostics and CLI flags.
//
// Send never panics. A message sent before an adapter is ready is buffered
// when the kind is persistent and rejected with ErrNotOpen otherwise.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/fabric/internal/wire"
)

// Kind tags a transport.
type Kind string

const (
	KindWorker       Kind = "worker"
	KindMessagePort  Kind = "message-port"
	KindBroadcast    Kind = "broadcast"
	KindWebSocket    Kind = "websocket"
	KindRuntime      Kind = "runtime"
	KindDataChannel  Kind = "datachannel"
	KindStream       Kind = "stream"
	KindSharedMemory Kind = "shared-memory"
)

// Kinds lists every transport kind.
var Kinds = []Kind{
	KindWorker, KindMessagePort, KindBroadcast, KindWebSocket,
	KindRuntime, KindDataChannel, KindStream, KindSharedMemory,
}

// Capabilities describe what a transport kind can do.
type Capabilities struct {
	Transfer      bool `json:"transfer"`
	Binary        bool `json:"binary"`
	Bidirectional bool `json:"bidirectional"`
	Broadcast     bool `json:"broadcast"`
	Persistent    bool `json:"persistent"`
}

var capabilities = map[Kind]Capabilities{
	KindWorker:       {Transfer: true, Binary: true, Bidirectional: true, Persistent: true},
	KindMessagePort:  {Transfer: true, Binary: true, Bidirectional: true, Persistent: true},
	KindBroadcast:    {Binary: true, Bidirectional: true, Broadcast: true},
	KindWebSocket:    {Binary: true, Bidirectional: true, Persistent: true},
	KindRuntime:      {Bidirectional: true, Broadcast: true, Persistent: true},
	KindDataChannel:  {Binary: true, Bidirectional: true},
	KindStream:       {Binary: true, Bidirectional: true, Persistent: true},
	KindSharedMemory: {Binary: true, Bidirectional: true, Persistent: true},
}

// CapabilitiesOf returns the capability set of k.
func CapabilitiesOf(k Kind) Capabilities {
	return capabilities[k]
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := capabilities[k]
	return ok
}

var (
	// ErrNotOpen is returned by Send on a non-persistent transport that is
	// not open yet.
	ErrNotOpen = errors.New("transport not open")
	// ErrDetached is returned by Send after Detach.
	ErrDetached = errors.New("transport detached")
)

// Adapter is the contract every transport satisfies.
type Adapter interface {
	Kind() Kind
	Capabilities() Capabilities
	// Attach starts delivery. Calling it again is a no-op.
	Attach(ctx context.Context) error
	// Detach stops delivery and releases the primitive. Calling it again
	// is a no-op.
	Detach() error
	// Send delivers msg to the peer. Values in transfer are handed over
	// instead of copied where the transport supports it.
	Send(msg *wire.Message, transfer ...any) error
	// Listen registers callbacks and returns a function that removes them.
	// Any callback may be nil.
	Listen(onMessage func(*wire.Message), onError func(error), onClose func()) func()
}

// Option configures an adapter.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	codec       wire.Codec
	checkOrigin func(*http.Request) bool
}

func newOptions(opts []Option, codec wire.Codec) options {
	o := options{logger: slog.Default(), codec: codec}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the adapter's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAllowedOrigins makes WebSocketHandler accept browser origins in
// addition to the same-origin default. "*" accepts any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *options) {
		if len(origins) == 0 {
			return
		}
		o.checkOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || sameOrigin(r, origin) {
				return true
			}
			return slices.Contains(origins, "*") || slices.Contains(origins, origin)
		}
	}
}

func sameOrigin(r *http.Request, origin string) bool {
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// WithCodec sets the wire codec for transports that serialize.
func WithCodec(c wire.Codec) Option {
	return func(o *options) { o.codec = c }
}

type listener struct {
	onMessage func(*wire.Message)
	onError   func(error)
	onClose   func()
}

// listeners is the fan-out shared by every adapter.
type listeners struct {
	mu   sync.RWMutex
	next int
	m    map[int]listener
}

func (ls *listeners) add(onMessage func(*wire.Message), onError func(error), onClose func()) func() {
	ls.mu.Lock()
	if ls.m == nil {
		ls.m = make(map[int]listener)
	}
	id := ls.next
	ls.next++
	ls.m[id] = listener{onMessage: onMessage, onError: onError, onClose: onClose}
	ls.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ls.mu.Lock()
			delete(ls.m, id)
			ls.mu.Unlock()
		})
	}
}

func (ls *listeners) snapshot() []listener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	ids := make([]int, 0, len(ls.m))
	for id := range ls.m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]listener, len(ids))
	for i, id := range ids {
		out[i] = ls.m[id]
	}
	return out
}

func (ls *listeners) message(m *wire.Message) {
	for _, l := range ls.snapshot() {
		if l.onMessage != nil {
			l.onMessage(m)
		}
	}
}

func (ls *listeners) error(err error) {
	for _, l := range ls.snapshot() {
		if l.onError != nil {
			l.onError(err)
		}
	}
}

func (ls *listeners) close() {
	for _, l := range ls.snapshot() {
		if l.onClose != nil {
			l.onClose()
		}
	}
}
