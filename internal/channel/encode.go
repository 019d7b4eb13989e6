package channel

import (
	"github.com/roach88/fabric/internal/object"
	"github.com/roach88/fabric/internal/wire"
)

// encode prepares an outbound argument or value. Data travels as-is;
// proxies become their Descriptor; any other value is parked in the local
// registry and sent as a Descriptor the peer can call back into.
func (c *Channel) encode(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case *Proxy:
		return t.Descriptor()
	case *wire.Descriptor:
		return t
	case map[string]any, []any:
		return object.Clone(v, c.encodeNode)
	}
	if object.IsPrimitive(v) || object.IsTransferable(v) || object.IsPlainData(v) {
		return v
	}
	return c.reference(v)
}

func (c *Channel) encodeNode(n any) (any, bool) {
	switch n.(type) {
	case map[string]any, []any:
		return nil, false
	}
	return c.encode(n), true
}

// reference registers v and describes it as owned by this channel.
func (c *Channel) reference(v any) *wire.Descriptor {
	return &wire.Descriptor{
		IsDescriptor:  true,
		Path:          c.paths.Register(v),
		Owner:         c.name,
		Channel:       c.name,
		Writable:      true,
		Enumerable:    true,
		Configurable:  true,
		ArgumentCount: object.ArgCount(v),
	}
}

// describe returns the Descriptor for a result that is not sent by value.
// A value that already has a registry path keeps it; a value read from a
// path is addressed by that path; anything else gets a fresh handle.
func (c *Channel) describe(v any, at []string) *wire.Descriptor {
	if p, ok := v.(*Proxy); ok {
		return p.Descriptor()
	}
	path, ok := c.paths.PathOf(v)
	if !ok && len(at) > 0 {
		path, ok = append([]string(nil), at...), true
	}
	if !ok {
		return c.reference(v)
	}

	d := &wire.Descriptor{
		IsDescriptor:  true,
		Path:          path,
		Owner:         c.name,
		Channel:       c.name,
		Primitive:     object.IsPrimitive(v),
		Writable:      true,
		Enumerable:    true,
		Configurable:  true,
		ArgumentCount: object.ArgCount(v),
	}
	if parent, key, err := c.paths.Parent(path); err == nil {
		d.Writable, d.Enumerable, d.Configurable = object.Flags(parent, key)
	}
	return d
}

func (c *Channel) hydrateArgs(args []any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = c.hydrate(a)
	}
	return out
}

// hydrate replaces every Descriptor inside an inbound value: those owned by
// this channel become the live local value, the rest become proxies.
func (c *Channel) hydrate(v any) any {
	return object.Clone(v, func(n any) (any, bool) {
		d, ok := wire.DescriptorFrom(n)
		if !ok {
			return nil, false
		}
		return c.fromDescriptor(d), true
	})
}

func (c *Channel) fromDescriptor(d *wire.Descriptor) any {
	if d.Owner == c.name {
		v, ok := c.paths.Lookup(d.Path)
		if !ok {
			c.logger.Debug("descriptor for released path", "path", d.Path)
			return nil
		}
		return v
	}
	return c.wrapDescriptor(d)
}

// wrapDescriptor returns the proxy for d. The same owner and path always
// yield the same proxy while it stays cached.
func (c *Channel) wrapDescriptor(d *wire.Descriptor) *Proxy {
	return c.cachedProxy(d, true)
}

// proxyFor returns the cached proxy addressing path on target.
func (c *Channel) proxyFor(target string, path []string) *Proxy {
	return c.cachedProxy(&wire.Descriptor{
		IsDescriptor: true,
		Path:         path,
		Owner:        target,
		Channel:      target,
	}, false)
}

func (c *Channel) cachedProxy(d *wire.Descriptor, refresh bool) *Proxy {
	c.proxyMu.Lock()
	defer c.proxyMu.Unlock()
	key := d.Key()
	if p, ok := c.proxies.Get(key); ok {
		if refresh {
			p.refresh(d)
		}
		return p
	}
	p := newProxy(c, d.Target(), d.Path, d)
	c.proxies.Add(key, p)
	return p
}

func (c *Channel) forgetProxy(p *Proxy) {
	c.proxyMu.Lock()
	defer c.proxyMu.Unlock()
	c.proxies.Remove(p.key)
}
