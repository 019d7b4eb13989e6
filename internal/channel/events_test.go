package channel_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fabric/internal/channel"
	"github.com/roach88/fabric/internal/testutil"
	"github.com/roach88/fabric/internal/wire"
)

func collect(ch chan<- channel.Event) channel.EventHandler {
	return func(_ context.Context, ev channel.Event) { ch <- ev }
}

func receive(t *testing.T, ch <-chan channel.Event) channel.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(waitFor):
		t.Fatal("no event delivered")
		return channel.Event{}
	}
}

func TestEmit_DeliversToSubscribers(t *testing.T) {
	p := testutil.NewPair(t, "A", "B")
	named := make(chan channel.Event, 4)
	all := make(chan channel.Event, 4)
	p.B.Subscribe("tick", collect(named))
	p.B.Subscribe(channel.AnyEvent, collect(all))

	require.NoError(t, p.A.Emit(context.Background(), "B", "tick", map[string]any{"n": 1}))

	ev := receive(t, named)
	assert.Equal(t, "tick", ev.Name)
	assert.Equal(t, "A", ev.Source)
	assert.False(t, ev.Timestamp.IsZero())
	data, ok := ev.Data.(map[string]any)
	require.True(t, ok, "got %T", ev.Data)
	assert.EqualValues(t, 1, data["n"])

	assert.Equal(t, "tick", receive(t, all).Name)
	assert.Empty(t, p.PortB.SentOf(wire.TypeResponse), "events are never answered")
}

func TestEmit_Unsubscribe(t *testing.T) {
	p := testutil.NewPair(t, "A", "B")
	ticks := make(chan channel.Event, 4)
	all := make(chan channel.Event, 4)
	unsubscribe := p.B.Subscribe("tick", collect(ticks))
	p.B.Subscribe(channel.AnyEvent, collect(all))
	ctx := context.Background()

	unsubscribe()
	require.NoError(t, p.A.Emit(ctx, "B", "tick", nil))
	require.NoError(t, p.A.Emit(ctx, "B", "sync", nil))

	// Events are dispatched in order, so once sync is seen tick has been
	// handled too.
	assert.Equal(t, "tick", receive(t, all).Name)
	assert.Equal(t, "sync", receive(t, all).Name)
	assert.Empty(t, ticks)
}

func TestEmit_Broadcast(t *testing.T) {
	hub := testutil.NewChannel(t, "hub")
	left := testutil.NewChannel(t, "left")
	right := testutil.NewChannel(t, "right")
	testutil.Connect(t, hub, left)
	testutil.Connect(t, hub, right)

	got := make(chan channel.Event, 4)
	left.Subscribe("hello", collect(got))
	right.Subscribe("hello", collect(got))

	require.NoError(t, hub.Emit(context.Background(), wire.Broadcast, "hello", "all"))

	sources := map[string]bool{}
	for range 2 {
		ev := receive(t, got)
		assert.Equal(t, "all", ev.Data)
		sources[ev.Source] = true
	}
	assert.Equal(t, map[string]bool{"hub": true}, sources)
}

func TestEmit_HandlerPanicIsContained(t *testing.T) {
	p := testutil.NewPair(t, "A", "B")
	got := make(chan channel.Event, 1)
	p.B.Subscribe("boom", func(context.Context, channel.Event) { panic("handler") })
	p.B.Subscribe("after", collect(got))
	ctx := context.Background()

	require.NoError(t, p.A.Emit(ctx, "B", "boom", nil))
	require.NoError(t, p.A.Emit(ctx, "B", "after", nil))

	assert.Equal(t, "after", receive(t, got).Name)
}

func TestEmit_Validation(t *testing.T) {
	c, err := channel.New("A")
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, c.Emit(ctx, "B", "", nil))
	assert.Error(t, c.Emit(ctx, "", "tick", nil))

	err = c.Emit(ctx, "B", "tick", nil)
	assert.Equal(t, channel.CodeTransportUnavailable, channel.CodeOf(err), "no transport and no mailbox")

	require.NoError(t, c.Close())
	assert.True(t, channel.IsClosed(c.Emit(ctx, "B", "tick", nil)))

	called := false
	c.Subscribe("tick", func(context.Context, channel.Event) { called = true })()
	assert.False(t, called)
}
