package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fabric/internal/channel"
	"github.com/roach88/fabric/internal/transport"
)

// NewChannel creates a channel that is closed when the test ends.
func NewChannel(t testing.TB, name string, opts ...channel.Option) *channel.Channel {
	t.Helper()
	c, err := channel.New(name, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// Pair is two channels joined by an in-process pipe.
type Pair struct {
	A, B         *channel.Channel
	PortA, PortB *Recorder
	BindA, BindB *channel.Binding
}

// Connect joins a and b over a worker pipe. b listens and a connects, each
// naming the other as its remote, so both sides have a route before Connect
// returns. Both ports record what their channel sends.
func Connect(t testing.TB, a, b *channel.Channel) *Pair {
	t.Helper()
	pa, pb := transport.NewPipe(transport.KindWorker)
	p := &Pair{A: a, B: b, PortA: Record(pa), PortB: Record(pb)}

	ctx := context.Background()
	var err error
	p.BindB, err = b.Listen(ctx, p.PortB, channel.BindOptions{Remote: a.Name()})
	require.NoError(t, err)
	p.BindA, err = a.Connect(ctx, p.PortA, channel.BindOptions{Remote: b.Name()})
	require.NoError(t, err)
	return p
}

// NewPair creates channels named a and b and connects them.
func NewPair(t testing.TB, a, b string, opts ...channel.Option) *Pair {
	t.Helper()
	return Connect(t, NewChannel(t, a, opts...), NewChannel(t, b, opts...))
}
