// Package connreg tracks the connections a channel has with its peers.
//
// A connection is identified by (local, remote, sender, transport,
// direction). Registering the same identity twice refreshes the existing
// record. Lifecycle changes are published to subscribers as events.
package connreg

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Direction records which side initiated a connection.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Status of a connection.
type Status string

const (
	Active Status = "active"
	Closed Status = "closed"
)

// Params identify a connection and carry its metadata.
type Params struct {
	Local     string
	Remote    string
	Sender    string
	Transport string
	Direction Direction
	Metadata  map[string]any
}

// Key returns the identity key for p.
func (p Params) Key() string {
	return strings.Join([]string{p.Local, p.Remote, p.Sender, p.Transport, string(p.Direction)}, "|")
}

// Connection is a snapshot of a registry record. Mutating it does not
// affect the registry.
type Connection struct {
	ID           string         `json:"id"`
	Local        string         `json:"local"`
	Remote       string         `json:"remote"`
	Sender       string         `json:"sender"`
	Transport    string         `json:"transport"`
	Direction    Direction      `json:"direction"`
	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastNotifyAt time.Time      `json:"last_notify_at,omitzero"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	seq uint64
}

func (c *Connection) snapshot() Connection {
	cp := *c
	cp.Metadata = copyMeta(c.Metadata)
	return cp
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connection
	seq   uint64

	subMu sync.Mutex
	subs  map[*Subscription]struct{}

	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source for connection timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New returns an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		conns:  make(map[string]*Connection),
		subs:   make(map[*Subscription]struct{}),
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records a connection. The first registration of an identity
// creates the record and emits Connected; later ones bump UpdatedAt, merge
// metadata and reactivate a closed record (emitting Connected again).
// It reports whether a new record was created.
func (r *Registry) Register(p Params) (Connection, bool) {
	now := r.clock.Now()
	id := p.Key()

	r.mu.Lock()
	c, ok := r.conns[id]
	created := !ok
	reactivated := false
	if created {
		r.seq++
		c = &Connection{
			ID:        id,
			Local:     p.Local,
			Remote:    p.Remote,
			Sender:    p.Sender,
			Transport: p.Transport,
			Direction: p.Direction,
			Status:    Active,
			CreatedAt: now,
			UpdatedAt: now,
			Metadata:  copyMeta(p.Metadata),
			seq:       r.seq,
		}
		r.conns[id] = c
	} else {
		reactivated = c.Status == Closed
		c.Status = Active
		c.UpdatedAt = now
		for k, v := range p.Metadata {
			if c.Metadata == nil {
				c.Metadata = make(map[string]any)
			}
			c.Metadata[k] = v
		}
	}
	snap := c.snapshot()
	r.mu.Unlock()

	if created || reactivated {
		r.logger.Debug("connection registered",
			"id", id, "direction", p.Direction, "transport", p.Transport, "reactivated", reactivated)
		r.publish(Event{Kind: Connected, Connection: snap})
	}
	return snap, created
}

// MarkNotified records a notify signal on an existing connection without
// changing its status.
func (r *Registry) MarkNotified(id string, payload any) (Connection, bool) {
	now := r.clock.Now()

	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return Connection{}, false
	}
	c.LastNotifyAt = now
	c.UpdatedAt = now
	snap := c.snapshot()
	r.mu.Unlock()

	r.publish(Event{Kind: Notified, Connection: snap, Payload: payload})
	return snap, true
}

// Close marks one connection closed. It reports false if the connection is
// unknown or already closed.
func (r *Registry) Close(id string) bool {
	return len(r.closeMatching(func(c *Connection) bool { return c.ID == id })) == 1
}

// CloseByChannel closes every active connection whose local or remote side
// is name and returns them.
func (r *Registry) CloseByChannel(name string) []Connection {
	return r.closeMatching(func(c *Connection) bool {
		return c.Local == name || c.Remote == name
	})
}

// CloseAll closes every active connection and returns them.
func (r *Registry) CloseAll() []Connection {
	return r.closeMatching(func(*Connection) bool { return true })
}

// closeMatching emits exactly one Disconnected per connection it flips.
func (r *Registry) closeMatching(match func(*Connection) bool) []Connection {
	now := r.clock.Now()

	r.mu.Lock()
	var closed []Connection
	for _, c := range r.conns {
		if c.Status != Active || !match(c) {
			continue
		}
		c.Status = Closed
		c.UpdatedAt = now
		closed = append(closed, c.snapshot())
	}
	r.mu.Unlock()

	sortNewest(closed)
	for _, c := range closed {
		r.logger.Debug("connection closed", "id", c.ID)
		r.publish(Event{Kind: Disconnected, Connection: c})
	}
	return closed
}

// Get returns a connection by id, active or closed.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return c.snapshot(), true
}

// Filter selects connections. Set fields are ANDed. Channel matches either
// side. Without IncludeClosed or Status only active connections match.
type Filter struct {
	Channel       string
	Local         string
	Remote        string
	Sender        string
	Transport     string
	Direction     Direction
	Status        Status
	IncludeClosed bool
}

func (f Filter) match(c *Connection) bool {
	switch {
	case f.Channel != "" && c.Local != f.Channel && c.Remote != f.Channel:
		return false
	case f.Local != "" && c.Local != f.Local:
		return false
	case f.Remote != "" && c.Remote != f.Remote:
		return false
	case f.Sender != "" && c.Sender != f.Sender:
		return false
	case f.Transport != "" && c.Transport != f.Transport:
		return false
	case f.Direction != "" && c.Direction != f.Direction:
		return false
	case f.Status != "" && c.Status != f.Status:
		return false
	case f.Status == "" && !f.IncludeClosed && c.Status != Active:
		return false
	}
	return true
}

// Query returns matching connections, most recently updated first.
func (r *Registry) Query(f Filter) []Connection {
	r.mu.Lock()
	out := make([]Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if f.match(c) {
			out = append(out, c.snapshot())
		}
	}
	r.mu.Unlock()

	sortNewest(out)
	return out
}

// Len returns the number of records, active or closed.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func sortNewest(cs []Connection) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].UpdatedAt.Equal(cs[j].UpdatedAt) {
			return cs[i].UpdatedAt.After(cs[j].UpdatedAt)
		}
		return cs[i].seq > cs[j].seq
	})
}

func copyMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
