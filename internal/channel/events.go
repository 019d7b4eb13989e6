package channel

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/fabric/internal/wire"
)

// AnyEvent subscribes to every event name.
const AnyEvent = "*"

// Event is a fire-and-forget notification from a peer.
type Event struct {
	Name      string
	Source    string
	Data      any
	Timestamp time.Time
}

// EventHandler receives events on the channel's dispatch loop.
type EventHandler func(ctx context.Context, ev Event)

// Subscribe registers fn for events called name, or every event when name
// is AnyEvent. The returned function unsubscribes.
func (c *Channel) Subscribe(name string, fn EventHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return func() {}
	}
	id := c.nextSub
	c.nextSub++
	if c.subs[name] == nil {
		c.subs[name] = make(map[int]EventHandler)
	}
	c.subs[name][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[name], id)
		if len(c.subs[name]) == 0 {
			delete(c.subs, name)
		}
	}
}

// Emit sends an event to target, or to every bound peer when target is
// wire.Broadcast.
func (c *Channel) Emit(ctx context.Context, target, name string, data any) error {
	if name == "" {
		return fmt.Errorf("emit: event name is required")
	}
	to := wire.NormalizeName(target)
	if to == "" {
		return fmt.Errorf("emit %s: target is required", name)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return c.closedError(to)
	}

	msg := c.newMessage(to, wire.TypeEvent)
	msg.Payload.Event = name
	msg.Payload.Data = c.encode(data)
	return c.send(ctx, msg, nil)
}

func (c *Channel) handleEvent(m *wire.Message) {
	ev := Event{
		Name:      m.Payload.Event,
		Source:    m.Sender,
		Data:      c.hydrate(m.Payload.Data),
		Timestamp: m.Time(),
	}
	for _, fn := range c.handlers(ev.Name) {
		c.deliver(fn, ev)
	}
}

func (c *Channel) handlers(name string) []EventHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []EventHandler
	for _, key := range []string{name, AnyEvent} {
		ids := make([]int, 0, len(c.subs[key]))
		for id := range c.subs[key] {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			out = append(out, c.subs[key][id])
		}
		if name == AnyEvent {
			break
		}
	}
	return out
}

func (c *Channel) deliver(fn EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked", "event", ev.Name, "source", ev.Source, "panic", r)
		}
	}()
	fn(c.ctx, ev)
}
