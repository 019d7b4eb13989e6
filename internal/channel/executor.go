package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/fabric/internal/metrics"
	"github.com/roach88/fabric/internal/object"
	"github.com/roach88/fabric/internal/pathstore"
	"github.com/roach88/fabric/internal/wire"
)

// errUnrouted marks a request whose path root is not registered. Such
// requests are dropped without a response.
var errUnrouted = errors.New("path root is not registered")

// outcome is what an action produced, before it is shaped into a response.
type outcome struct {
	value any
	// transfer hands value over by ownership.
	transfer bool
	// byValue returns plain data as a copy.
	byValue bool
	// reference always returns a Descriptor.
	reference bool
	// at is the path value was read from, if it lives at one.
	at []string
}

func (c *Channel) handleRequest(b *Binding, req *wire.Message) {
	out, err := c.executeSafe(c.ctx, req)
	if errors.Is(err, errUnrouted) {
		c.metrics.Dropped(c.name, metrics.ReasonUnregistered)
		c.logger.Debug("request for unregistered path dropped",
			"from", req.Sender,
			"action", req.Payload.Action,
			"path", req.Payload.Path,
			"req_id", req.ID,
		)
		return
	}
	if err != nil {
		c.logger.Debug("action failed", "action", req.Payload.Action, "path", req.Payload.Path, "error", err)
	}

	resp := c.buildResponse(req, out, err)
	var transfer []any
	if resp.Payload.Transfer {
		transfer = []any{resp.Payload.Result}
	}
	if b.isClosed() {
		// The request's transport went away while it ran; try the route.
		_ = c.send(c.ctx, resp, transfer)
		return
	}
	_ = c.sendOn(b, resp, transfer)
}

// executeSafe runs execute and turns a panic in local code into an error.
// Requests are untrusted input and must never take the process down.
func (c *Channel) executeSafe(ctx context.Context, req *wire.Message) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("action panicked", "action", req.Payload.Action, "path", req.Payload.Path, "panic", r)
			out, err = outcome{}, fmt.Errorf("%s panicked: %v", req.Payload.Action, r)
		}
	}()
	return c.execute(ctx, req)
}

// execute performs one action against the local object registry.
func (c *Channel) execute(ctx context.Context, req *wire.Message) (outcome, error) {
	p := req.Payload
	path := p.Path

	if p.Action == wire.ActionImport {
		return c.importRoot(path, p.Args)
	}
	if !c.paths.HasRoot(path) {
		return outcome{}, errUnrouted
	}

	switch p.Action {
	case wire.ActionGet:
		v, err := c.read(path)
		if err != nil {
			return outcome{}, err
		}
		return outcome{value: v, byValue: p.ByValue, at: path}, nil

	case wire.ActionTransfer:
		v, err := c.read(path)
		if err != nil {
			return outcome{}, err
		}
		return outcome{
			value:    v,
			transfer: object.IsTransferable(v) && req.Sender != c.name,
			at:       path,
		}, nil

	case wire.ActionSet:
		var v any
		if len(p.Args) > 0 {
			v = c.hydrate(p.Args[0])
		}
		if err := c.paths.Assign(path, v); err != nil {
			return outcome{}, err
		}
		return outcome{value: true}, nil

	case wire.ActionApply, wire.ActionCall:
		fn, err := c.read(path)
		if err != nil {
			return outcome{}, err
		}
		res, err := object.Call(ctx, fn, c.hydrateArgs(p.Args))
		if err != nil {
			return outcome{}, err
		}
		transfer := path[len(path)-1] == "transfer" &&
			object.IsTransferable(res) &&
			req.Sender != c.name
		return outcome{value: res, transfer: transfer, byValue: p.ByValue}, nil

	case wire.ActionConstruct:
		target, err := c.read(path)
		if err != nil {
			return outcome{}, err
		}
		res, err := object.Construct(ctx, target, c.hydrateArgs(p.Args))
		if err != nil {
			return outcome{}, err
		}
		return outcome{value: res, byValue: p.ByValue}, nil

	case wire.ActionHas:
		if key, ok := firstString(p.Args); ok {
			target, err := c.read(path)
			if err != nil {
				return outcome{}, err
			}
			return outcome{value: object.Has(target, key)}, nil
		}
		return outcome{value: c.paths.Has(path)}, nil

	case wire.ActionDelete:
		ok, err := c.paths.Delete(path)
		if err != nil {
			return outcome{}, err
		}
		return outcome{value: ok}, nil

	case wire.ActionDeleteProperty:
		// With a key argument the property is removed from the object at
		// path; without one the path itself is removed.
		key, ok := firstString(p.Args)
		if !ok {
			deleted, err := c.paths.Delete(path)
			if err != nil {
				return outcome{}, err
			}
			return outcome{value: deleted}, nil
		}
		target, err := c.read(path)
		if err != nil {
			return outcome{}, err
		}
		deleted, err := object.Delete(target, key)
		if err != nil {
			return outcome{}, err
		}
		return outcome{value: deleted}, nil

	case wire.ActionOwnKeys:
		v, err := c.read(path)
		if err != nil {
			return outcome{}, err
		}
		return outcome{value: object.OwnKeys(v)}, nil

	case wire.ActionGetPrototypeOf:
		v, err := c.read(path)
		if err != nil {
			return outcome{}, err
		}
		return outcome{value: object.PrototypeOf(v)}, nil

	case wire.ActionSetPrototypeOf:
		v, err := c.read(path)
		if err != nil {
			return outcome{}, err
		}
		var proto any
		if len(p.Args) > 0 {
			proto = c.hydrate(p.Args[0])
		}
		if err := object.SetPrototypeOf(v, proto); err != nil {
			return outcome{}, err
		}
		return outcome{value: true}, nil

	case wire.ActionGetPropertyDescriptor, wire.ActionGetOwnPropertyDescriptor:
		target, key, err := c.owner(path, p.Args)
		if err != nil {
			return outcome{}, err
		}
		describe := object.GetPropertyDescriptor
		if p.Action == wire.ActionGetOwnPropertyDescriptor {
			describe = object.GetOwnPropertyDescriptor
		}
		d, err := describe(target, key)
		if err != nil {
			return outcome{}, err
		}
		if d == nil {
			return outcome{}, nil
		}
		return outcome{value: d}, nil

	case wire.ActionIsExtensible:
		v, err := c.read(path)
		if err != nil {
			return outcome{}, err
		}
		return outcome{value: object.IsExtensible(v)}, nil

	case wire.ActionPreventExtensions:
		v, err := c.read(path)
		if err != nil {
			return outcome{}, err
		}
		return outcome{value: object.PreventExtensions(v)}, nil

	case wire.ActionDispose:
		return outcome{value: c.paths.Dispose(path)}, nil
	}
	return outcome{}, fmt.Errorf("unsupported action %q", p.Action)
}

// read resolves path. A missing property on a registered root reads as nil.
func (c *Channel) read(path []string) (any, error) {
	v, err := c.paths.Resolve(path)
	if errors.Is(err, object.ErrNoProperty) {
		return nil, nil
	}
	return v, err
}

// owner returns the object a property descriptor is read from and the key.
// An explicit key argument describes that key of the value at path.
func (c *Channel) owner(path []string, args []any) (any, string, error) {
	if key, ok := firstString(args); ok {
		target, err := c.read(path)
		return target, key, err
	}
	return c.paths.Parent(path)
}

// importRoot returns an exposed root by reference. The name comes from the
// first path segment or, failing that, the first argument.
func (c *Channel) importRoot(path []string, args []any) (outcome, error) {
	name := ""
	if len(path) > 0 {
		name = path[0]
	} else if s, ok := firstString(args); ok {
		name = s
	}
	name = wire.NormalizeName(name)
	if name == "" || name == pathstore.HandleRoot {
		return outcome{}, &Error{Code: CodeProtocol, Message: "import needs an exposed name"}
	}
	v, err := c.paths.Resolve([]string{name})
	if err != nil {
		return outcome{}, &Error{Code: CodeNotFound, Message: fmt.Sprintf("%q is not exposed", name), Err: err}
	}
	return outcome{value: v, reference: true, at: []string{name}}, nil
}

func firstString(args []any) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}

// buildResponse shapes the outcome of req into a response message.
//
// Primitives, transferables and data-only results travel by value.
// Anything else is parked in the object registry and answered with a
// Descriptor, so the caller can keep operating on the live value.
func (c *Channel) buildResponse(req *wire.Message, out outcome, err error) *wire.Message {
	resp := c.newMessage(req.Sender, wire.TypeResponse)
	resp.ReqID = req.ID
	resp.Payload.Action = req.Payload.Action
	if err != nil {
		resp.Payload.Error = err.Error()
		return resp
	}

	v := out.value
	switch {
	case out.transfer:
		resp.Payload.Result = v
		resp.Payload.Transfer = true
	case out.reference:
		resp.Payload.Descriptor = c.describe(v, out.at)
	case req.Payload.Action.ReturnsData(), object.IsPrimitive(v), object.IsTransferable(v):
		resp.Payload.Result = v
	case out.byValue && object.IsPlainData(v):
		resp.Payload.Result = v
	default:
		resp.Payload.Descriptor = c.describe(v, out.at)
	}
	return resp
}
