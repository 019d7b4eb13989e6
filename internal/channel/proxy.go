package channel

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/roach88/fabric/internal/object"
	"github.com/roach88/fabric/internal/wire"
)

// Reserved keys that Lookup answers locally instead of building a child.
const (
	KeyPath       = "$path"
	KeyChannel    = "$channel"
	KeyDescriptor = "$descriptor"
	KeyInvoke     = "$invoke"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Proxy addresses a value living on another channel. Building a child
// proxy never talks to the peer; only the terminal operations (Get, Set,
// Call, New, Has, Delete, Keys, Release) send a request.
//
//	sum, err := ch.Proxy("B").At("math", "add").Call(ctx, 2, 3)
type Proxy struct {
	ch     *Channel
	target string
	path   []string
	key    string

	mu   sync.Mutex
	desc *wire.Descriptor
}

func newProxy(c *Channel, target string, path []string, d *wire.Descriptor) *Proxy {
	p := &Proxy{
		ch:     c,
		target: target,
		path:   append([]string(nil), path...),
		key:    d.Key(),
	}
	p.refresh(d)
	return p
}

func (p *Proxy) refresh(d *wire.Descriptor) {
	cp := d.Clone()
	cp.IsDescriptor = true
	cp.Path = append([]string(nil), p.path...)
	if cp.Owner == "" {
		cp.Owner = p.target
	}
	if cp.Channel == "" {
		cp.Channel = p.target
	}
	p.mu.Lock()
	p.desc = cp
	p.mu.Unlock()
}

// Proxy returns the proxy for basePath on target. Proxies are cached, so
// the same target and path yield the same proxy.
func (c *Channel) Proxy(target string, basePath ...string) *Proxy {
	return c.proxyFor(wire.NormalizeName(target), basePath)
}

// Path returns a copy of the proxy's path.
func (p *Proxy) Path() []string { return append([]string(nil), p.path...) }

// Channel returns the channel that owns the proxied value.
func (p *Proxy) Channel() string { return p.target }

// Descriptor returns the Descriptor that addresses the proxied value.
func (p *Proxy) Descriptor() *wire.Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desc.Clone()
}

func (p *Proxy) String() string {
	return fmt.Sprintf("proxy(%s %v)", p.target, p.path)
}

// Child returns the proxy for key below p.
func (p *Proxy) Child(key string) *Proxy {
	return p.ch.proxyFor(p.target, wire.JoinPath(p.path, key))
}

// At returns the proxy for keys below p.
func (p *Proxy) At(keys ...string) *Proxy {
	if len(keys) == 0 {
		return p
	}
	return p.ch.proxyFor(p.target, wire.JoinPath(p.path, keys...))
}

// Lookup is Child with the reserved keys answered locally: $path,
// $channel, $descriptor and $invoke (a func with Invoke's signature bound
// to this proxy).
func (p *Proxy) Lookup(key string) any {
	switch key {
	case KeyPath:
		return p.Path()
	case KeyChannel:
		return p.Channel()
	case KeyDescriptor:
		return p.Descriptor()
	case KeyInvoke:
		return p.Invoke
	}
	return p.Child(key)
}

// Invoke sends action with the proxy's path.
func (p *Proxy) Invoke(ctx context.Context, action wire.Action, args []any, opts ...InvokeOption) *Deferred {
	return p.ch.Invoke(ctx, p.target, action, p.path, args, opts...)
}

func (p *Proxy) await(ctx context.Context, action wire.Action, path []string, args []any, opts ...InvokeOption) (any, error) {
	return p.ch.Invoke(ctx, p.target, action, path, args, opts...).Await(ctx)
}

// Get reads the value. Non-data results come back as proxies.
func (p *Proxy) Get(ctx context.Context) (any, error) {
	return p.await(ctx, wire.ActionGet, p.path, nil)
}

// Value reads the value as a copy when it is plain data.
func (p *Proxy) Value(ctx context.Context) (any, error) {
	return p.await(ctx, wire.ActionGet, p.path, nil, ByValue())
}

// Set assigns v to key below p.
func (p *Proxy) Set(ctx context.Context, key string, v any) error {
	_, err := p.await(ctx, wire.ActionSet, wire.JoinPath(p.path, key), []any{v})
	return err
}

// Assign replaces the value p addresses.
func (p *Proxy) Assign(ctx context.Context, v any) error {
	_, err := p.await(ctx, wire.ActionSet, p.path, []any{v})
	return err
}

// Call applies the proxied function to args.
func (p *Proxy) Call(ctx context.Context, args ...any) (any, error) {
	return p.await(ctx, wire.ActionApply, p.path, args)
}

// New constructs a value from the proxied constructor.
func (p *Proxy) New(ctx context.Context, args ...any) (any, error) {
	return p.await(ctx, wire.ActionConstruct, p.path, args)
}

// Apply implements object.Callable, so a proxy held as a plain value can be
// called like a local function.
func (p *Proxy) Apply(ctx context.Context, args []any) (any, error) {
	return p.Call(ctx, args...)
}

// Construct implements object.Constructible.
func (p *Proxy) Construct(ctx context.Context, args []any) (any, error) {
	return p.New(ctx, args...)
}

// Has reports whether key exists below p.
func (p *Proxy) Has(ctx context.Context, key string) (bool, error) {
	v, err := p.await(ctx, wire.ActionHas, wire.JoinPath(p.path, key), nil)
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

// Delete removes key below p.
func (p *Proxy) Delete(ctx context.Context, key string) (bool, error) {
	v, err := p.await(ctx, wire.ActionDelete, wire.JoinPath(p.path, key), nil)
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

// Keys lists the own keys of the proxied value.
func (p *Proxy) Keys(ctx context.Context) ([]string, error) {
	v, err := p.await(ctx, wire.ActionOwnKeys, p.path, nil)
	if err != nil {
		return nil, err
	}
	var keys []string
	rv, err := object.Convert(v, reflect.TypeOf(keys))
	if err != nil {
		return nil, fmt.Errorf("own keys of %s: %w", p, err)
	}
	return rv.Interface().([]string), nil
}

// Describe returns the remote property descriptor of the proxied path.
func (p *Proxy) Describe(ctx context.Context) (*object.PropertyDescriptor, error) {
	v, err := p.await(ctx, wire.ActionGetOwnPropertyDescriptor, p.path, nil)
	if err != nil || v == nil {
		return nil, err
	}
	rv, err := object.Convert(v, reflect.TypeOf(&object.PropertyDescriptor{}))
	if err != nil {
		return nil, fmt.Errorf("descriptor of %s: %w", p, err)
	}
	return rv.Interface().(*object.PropertyDescriptor), nil
}

// Release disposes the remote handle behind p and drops p from the cache.
// Releasing a proxy for an exposed name is a no-op on the remote side.
func (p *Proxy) Release(ctx context.Context) error {
	p.ch.forgetProxy(p)
	_, err := p.await(ctx, wire.ActionDispose, p.path, nil)
	return err
}

// ArgCount reports the parameter count announced by the owner.
func (p *Proxy) ArgCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desc.ArgumentCount
}

// MakeFunc lets a proxy stand in for a Go callback of type t. The function
// applies the proxy and converts its result. A leading context.Context
// parameter bounds the call; otherwise the channel's request timeout does.
func (p *Proxy) MakeFunc(t reflect.Type) (reflect.Value, bool) {
	if t.Kind() != reflect.Func {
		return reflect.Value{}, false
	}
	n := t.NumOut()
	hasErr := n > 0 && t.Out(n-1) == errorType
	values := n
	if hasErr {
		values--
	}
	if values > 1 {
		return reflect.Value{}, false
	}

	fn := reflect.MakeFunc(t, func(in []reflect.Value) []reflect.Value {
		ctx := context.Background()
		args := make([]any, 0, len(in))
		for i, a := range in {
			if i == 0 && t.In(0) == contextType {
				if c, ok := a.Interface().(context.Context); ok && c != nil {
					ctx = c
				}
				continue
			}
			if t.IsVariadic() && i == len(in)-1 {
				for j := 0; j < a.Len(); j++ {
					args = append(args, a.Index(j).Interface())
				}
				continue
			}
			args = append(args, a.Interface())
		}

		res, err := p.Call(ctx, args...)
		out := make([]reflect.Value, n)
		if values == 1 {
			out[0] = reflect.Zero(t.Out(0))
			if err == nil {
				v, cerr := object.Convert(res, t.Out(0))
				if cerr != nil {
					err = fmt.Errorf("result of %s: %w", p, cerr)
				} else {
					out[0] = v
				}
			}
		}
		if hasErr {
			out[n-1] = reflect.Zero(errorType)
			if err != nil {
				out[n-1] = reflect.ValueOf(&err).Elem()
			}
		} else if err != nil {
			p.ch.logger.Debug("callback failed", "proxy", p.String(), "error", err)
		}
		return out
	})
	return fn, true
}

var (
	_ object.FuncAdapter   = (*Proxy)(nil)
	_ object.ArgCounter    = (*Proxy)(nil)
	_ object.Callable      = (*Proxy)(nil)
	_ object.Constructible = (*Proxy)(nil)
)
