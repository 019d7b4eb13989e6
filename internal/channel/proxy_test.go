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

type counter struct {
	N int
}

func (c *counter) Inc(by int) int {
	c.N += by
	return c.N
}

func TestProxy_ChildrenAreLocal(t *testing.T) {
	p := testutil.NewPair(t, "A", "B")

	math := p.A.Proxy("B", "math")
	add := math.Child("add")
	assert.Equal(t, []string{"math", "add"}, add.Path())
	assert.Equal(t, "B", add.Channel())
	assert.Same(t, add, math.At("add"))
	assert.Same(t, math, math.At())

	assert.Equal(t, []string{"math"}, math.Lookup(channel.KeyPath))
	assert.Equal(t, "B", math.Lookup(channel.KeyChannel))
	d, ok := math.Lookup(channel.KeyDescriptor).(*wire.Descriptor)
	require.True(t, ok)
	assert.Equal(t, "B", d.Owner)
	assert.Same(t, add, math.Lookup("add"))

	assert.Empty(t, p.PortA.SentOf(wire.TypeRequest), "building proxies sends nothing")
}

func TestProxy_GetReturnsSameProxy(t *testing.T) {
	p := testutil.NewPair(t, "A", "B")
	c := &counter{N: 1}
	_, err := p.B.Expose("counter", c)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := p.A.Proxy("B", "counter").Get(ctx)
	require.NoError(t, err)
	second, err := p.A.Proxy("B", "counter").Get(ctx)
	require.NoError(t, err)

	fp, ok := first.(*channel.Proxy)
	require.True(t, ok, "a live object comes back as a proxy, got %T", first)
	assert.Same(t, fp, second)
	assert.Equal(t, []string{"counter"}, fp.Path())
}

func TestProxy_MethodCallMutatesRemoteObject(t *testing.T) {
	p := testutil.NewPair(t, "A", "B")
	_, err := p.B.Expose("counter", &counter{N: 1})
	require.NoError(t, err)
	ctx := context.Background()

	n, err := p.A.Proxy("B", "counter", "Inc").Call(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = p.A.Proxy("B", "counter").Child("N").Get(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestProxy_MapOperations(t *testing.T) {
	p := testutil.NewPair(t, "A", "B")
	_, err := p.B.Expose("cfg", map[string]any{"mode": "fast", "level": 3})
	require.NoError(t, err)
	ctx := context.Background()
	cfg := p.A.Proxy("B", "cfg")

	ref, err := cfg.Get(ctx)
	require.NoError(t, err)
	assert.IsType(t, &channel.Proxy{}, ref, "without ByValue a map is returned by reference")

	v, err := cfg.Value(ctx)
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok, "got %T", v)
	assert.Equal(t, "fast", m["mode"])
	assert.EqualValues(t, 3, m["level"])

	keys, err := cfg.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"level", "mode"}, keys)

	require.NoError(t, cfg.Set(ctx, "mode", "slow"))
	mode, err := cfg.Child("mode").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "slow", mode)

	has, err := cfg.Has(ctx, "mode")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = cfg.Has(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, has)

	deleted, err := cfg.Delete(ctx, "mode")
	require.NoError(t, err)
	assert.True(t, deleted)
	has, err = cfg.Has(ctx, "mode")
	require.NoError(t, err)
	assert.False(t, has)

	desc, err := cfg.Child("level").Describe(ctx)
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.EqualValues(t, 3, desc.Value)
	assert.True(t, desc.Writable)
}

func TestProxy_AssignReplacesRoot(t *testing.T) {
	p := testutil.NewPair(t, "A", "B")
	_, err := p.B.Expose("mode", "fast")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.A.Proxy("B", "mode").Assign(ctx, "slow"))

	v, ok := p.B.Paths().Lookup([]string{"mode"})
	require.True(t, ok)
	assert.Equal(t, "slow", v)
}

func TestProxy_CallbackArgument(t *testing.T) {
	p := testutil.NewPair(t, "A", "B")
	_, err := p.B.Expose("twice", func(ctx context.Context, fn func(context.Context, int) (int, error), x int) (int, error) {
		y, err := fn(ctx, x)
		if err != nil {
			return 0, err
		}
		return 2 * y, nil
	})
	require.NoError(t, err)

	// B calls back into A while A's call is still pending.
	v, err := p.A.Proxy("B", "twice").Call(context.Background(), func(n int) int { return n + 1 }, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 10, v)
	assert.Len(t, p.PortB.SentOf(wire.TypeRequest), 1)
}

func TestProxy_ReleaseDisposesHandle(t *testing.T) {
	p := testutil.NewPair(t, "A", "B")
	_, err := p.B.Expose("newCounter", func() *counter { return &counter{} })
	require.NoError(t, err)
	ctx := context.Background()

	v, err := p.A.Proxy("B", "newCounter").Call(ctx)
	require.NoError(t, err)
	c, ok := v.(*channel.Proxy)
	require.True(t, ok, "got %T", v)
	path := c.Path()
	require.Len(t, path, 2)

	_, ok = p.B.Paths().Lookup(path)
	require.True(t, ok)

	require.NoError(t, c.Release(ctx))
	_, ok = p.B.Paths().Lookup(path)
	assert.False(t, ok)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = c.Child("N").Get(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a released handle is no longer routed")
}

func TestProxy_New(t *testing.T) {
	p := testutil.NewPair(t, "A", "B")
	_, err := p.B.Expose("Counter", func(start int) *counter { return &counter{N: start} })
	require.NoError(t, err)
	ctx := context.Background()

	v, err := p.A.Proxy("B", "Counter").New(ctx, 5)
	require.NoError(t, err)
	c, ok := v.(*channel.Proxy)
	require.True(t, ok, "got %T", v)

	n, err := c.At("Inc").Call(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 6, n)
}

func TestProxy_CallTimesOutWithContext(t *testing.T) {
	p := testutil.NewPair(t, "A", "B")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.A.Proxy("B", "missing").Call(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
