package channel

import (
	"context"
	"sync"
)

// Deferred is the result of an invocation. It settles exactly once; later
// attempts to resolve or reject it are ignored.
type Deferred struct {
	id   string
	once sync.Once
	done chan struct{}
	val  any
	err  error
}

func newDeferred(id string) *Deferred {
	return &Deferred{id: id, done: make(chan struct{})}
}

// ID returns the correlation id of the request.
func (d *Deferred) ID() string { return d.id }

// Done is closed when the value settles.
func (d *Deferred) Done() <-chan struct{} { return d.done }

// Await blocks until the value settles or ctx is done. Cancelling ctx does
// not settle the value; the request stays pending until its own timeout.
func (d *Deferred) Await(ctx context.Context) (any, error) {
	select {
	case <-d.done:
		return d.val, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether the value has settled.
func (d *Deferred) Settled() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value without blocking. It returns nil, nil
// while the value is still pending.
func (d *Deferred) Result() (any, error) {
	if !d.Settled() {
		return nil, nil
	}
	return d.val, d.err
}

func (d *Deferred) resolve(v any) bool {
	return d.settle(v, nil)
}

func (d *Deferred) reject(err error) bool {
	return d.settle(nil, err)
}

func (d *Deferred) settle(v any, err error) bool {
	settled := false
	d.once.Do(func() {
		d.val, d.err = v, err
		close(d.done)
		settled = true
	})
	return settled
}

// settled returns an already-settled Deferred.
func settled(id string, v any, err error) *Deferred {
	d := newDeferred(id)
	d.settle(v, err)
	return d
}
