// Package channel implements the unified channel: a named endpoint that
// binds any number of transports, exposes local values to its peers and
// invokes actions on theirs.
//
// Requests addressed to a channel run one at a time on its dispatch loop.
// Responses settle pending invocations directly from the transport's
// goroutine, so an exposed function may itself await remote calls.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/multierr"

	"github.com/roach88/fabric/internal/connreg"
	"github.com/roach88/fabric/internal/fifo"
	"github.com/roach88/fabric/internal/metrics"
	"github.com/roach88/fabric/internal/pathstore"
	"github.com/roach88/fabric/internal/store"
	"github.com/roach88/fabric/internal/transport"
	"github.com/roach88/fabric/internal/wire"
)

// DefaultTimeout bounds an invocation that sets no timeout of its own.
const DefaultTimeout = 30 * time.Second

// DefaultProtocolVersion is announced in connect and notify signals.
const DefaultProtocolVersion = "1.0.0"

const proxyCacheSize = 1024

// Channel is safe for concurrent use.
type Channel struct {
	name    string
	logger  *slog.Logger
	clock   clock.Clock
	ids     wire.IDGenerator
	timeout atomic.Int64

	versionText string
	version     *semver.Version
	accept      *semver.Constraints

	paths     *pathstore.Store
	conns     *connreg.Registry
	metrics   *metrics.Metrics
	mailbox   Mailbox
	deferOpts store.DeferOptions

	proxyMu sync.Mutex
	proxies *expirable.LRU[string, *Proxy]

	mu       sync.Mutex
	bindings map[int]*Binding
	nextBind int
	routes   map[string]*Binding
	pending  map[string]*pendingRequest
	subs     map[string]map[int]EventHandler
	nextSub  int
	closed   bool

	inbox    *fifo.Queue[inbound]
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	flushing sync.Map
}

type inbound struct {
	binding *Binding
	msg     *wire.Message
}

type pendingRequest struct {
	d       *Deferred
	target  string
	action  wire.Action
	started time.Time
	timer   *clock.Timer
	stopCtx func() bool
}

func (p *pendingRequest) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.stopCtx != nil {
		p.stopCtx()
	}
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger. The channel name is added to every record.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithClock sets the time source for timeouts and timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *Channel) { c.clock = clk }
}

// WithIDGenerator sets the message id generator.
func WithIDGenerator(g wire.IDGenerator) Option {
	return func(c *Channel) { c.ids = g }
}

// WithRequestTimeout sets the default invocation timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Channel) { c.SetRequestTimeout(d) }
}

// WithPathStore replaces the channel's object registry.
func WithPathStore(s *pathstore.Store) Option {
	return func(c *Channel) { c.paths = s }
}

// WithRegistry shares a connection registry between channels.
func WithRegistry(r *connreg.Registry) Option {
	return func(c *Channel) { c.conns = r }
}

// WithMetrics records traffic in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithMailbox defers requests and events for unreachable peers to m.
func WithMailbox(m Mailbox, opts store.DeferOptions) Option {
	return func(c *Channel) {
		c.mailbox = m
		c.deferOpts = opts
	}
}

// WithProtocolVersion sets the announced protocol version. Peers must share
// its major version.
func WithProtocolVersion(v string) Option {
	return func(c *Channel) { c.versionText = v }
}

// New creates a channel named name and starts its dispatch loop.
func New(name string, opts ...Option) (*Channel, error) {
	n, err := wire.ValidateName(name)
	if err != nil {
		return nil, fmt.Errorf("new channel: %w", err)
	}

	c := &Channel{
		name:        n,
		logger:      slog.Default(),
		clock:       clock.New(),
		ids:         wire.UUIDv7Generator{},
		versionText: DefaultProtocolVersion,
		bindings:    make(map[int]*Binding),
		routes:      make(map[string]*Binding),
		pending:     make(map[string]*pendingRequest),
		subs:        make(map[string]map[int]EventHandler),
		inbox:       fifo.New[inbound](),
		loopDone:    make(chan struct{}),
	}
	c.timeout.Store(int64(DefaultTimeout))
	for _, opt := range opts {
		opt(c)
	}

	c.version, err = semver.NewVersion(c.versionText)
	if err != nil {
		return nil, fmt.Errorf("new channel %s: protocol version: %w", n, err)
	}
	c.accept, err = semver.NewConstraint(fmt.Sprintf("^%d.0.0", c.version.Major()))
	if err != nil {
		return nil, fmt.Errorf("new channel %s: protocol constraint: %w", n, err)
	}

	c.logger = c.logger.With("channel", n)
	if c.paths == nil {
		c.paths = pathstore.New()
	}
	if c.conns == nil {
		c.conns = connreg.New(connreg.WithClock(c.clock), connreg.WithLogger(c.logger))
	}
	c.proxies = expirable.NewLRU[string, *Proxy](proxyCacheSize, nil, pathstore.DefaultTTL)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.run()
	return c, nil
}

// Name returns the normalized channel name.
func (c *Channel) Name() string { return c.name }

// Paths returns the channel's object registry.
func (c *Channel) Paths() *pathstore.Store { return c.paths }

// Connections returns the connection registry.
func (c *Channel) Connections() *connreg.Registry { return c.conns }

// RequestTimeout returns the default invocation timeout.
func (c *Channel) RequestTimeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// SetRequestTimeout changes the default invocation timeout for later
// invocations. Non-positive values are ignored.
func (c *Channel) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		c.timeout.Store(int64(d))
	}
}

// Version returns the announced protocol version.
func (c *Channel) Version() string { return c.version.String() }

// Expose makes v reachable by peers under name.
func (c *Channel) Expose(name string, v any) ([]string, error) {
	n, err := wire.ValidateName(name)
	if err != nil {
		return nil, fmt.Errorf("expose: %w", err)
	}
	if n == pathstore.HandleRoot {
		return nil, fmt.Errorf("expose: name %q is reserved", n)
	}
	path := c.paths.Expose(n, v)
	c.logger.Debug("exposed", "name", n)
	return path, nil
}

// Unexpose removes an exposed name. It reports whether name was exposed.
func (c *Channel) Unexpose(name string) bool {
	return c.paths.Unexpose(wire.NormalizeName(name))
}

// Exposed lists exposed names in sorted order.
func (c *Channel) Exposed() []string {
	return c.paths.Roots()
}

// BindOptions configure Connect and Listen.
type BindOptions struct {
	// Remote is the peer channel behind the transport. When empty the peer
	// is learned from its first signal.
	Remote string

	// Metadata is sent with the lifecycle signal and stored on the
	// connection record.
	Metadata map[string]any
}

// Connect binds an outbound transport, registers an outgoing connection and
// announces this channel to the peer with a connect signal.
func (c *Channel) Connect(ctx context.Context, a transport.Adapter, opts BindOptions) (*Binding, error) {
	return c.bind(ctx, a, opts, connreg.Outgoing)
}

// Listen binds an inbound transport, registers an incoming connection and
// answers with a notify signal.
func (c *Channel) Listen(ctx context.Context, a transport.Adapter, opts BindOptions) (*Binding, error) {
	return c.bind(ctx, a, opts, connreg.Incoming)
}

func (c *Channel) bind(ctx context.Context, a transport.Adapter, opts BindOptions, dir connreg.Direction) (*Binding, error) {
	if a == nil {
		return nil, fmt.Errorf("bind: nil adapter")
	}
	remote := ""
	if opts.Remote != "" {
		r, err := wire.ValidateName(opts.Remote)
		if err != nil {
			return nil, fmt.Errorf("bind: remote: %w", err)
		}
		remote = r
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.closedError("")
	}
	b := &Binding{
		ch:        c,
		id:        c.nextBind,
		adapter:   a,
		direction: dir,
		remote:    remote,
		conns:     make(map[string]struct{}),
	}
	c.nextBind++
	c.bindings[b.id] = b
	if remote != "" {
		c.routes[remote] = b
	}
	c.mu.Unlock()

	b.unlisten = a.Listen(
		func(m *wire.Message) { c.receive(b, m) },
		func(err error) { c.logger.Debug("transport error", "transport", a.Kind(), "error", err) },
		func() { c.unbind(b, false) },
	)
	if err := a.Attach(ctx); err != nil {
		c.unbind(b, false)
		return nil, &Error{
			Code:    CodeTransportUnavailable,
			Message: fmt.Sprintf("attach %s transport", a.Kind()),
			Channel: remote,
			Err:     err,
		}
	}

	peer := remote
	if peer == "" {
		peer = wire.Broadcast
	}
	conn, _ := c.conns.Register(connreg.Params{
		Local:     c.name,
		Remote:    peer,
		Sender:    c.name,
		Transport: string(a.Kind()),
		Direction: dir,
		Metadata:  opts.Metadata,
	})
	b.track(conn.ID)
	c.countConnections()

	signal := wire.SignalConnect
	if dir == connreg.Incoming {
		signal = wire.SignalNotify
	}
	c.sendSignal(b, peer, signal, opts.Metadata)

	c.logger.Info("transport bound", "transport", a.Kind(), "direction", dir, "remote", peer)
	if remote != "" {
		c.flushLater(remote)
	}
	return b, nil
}

// unbind removes b from the channel. It is idempotent.
func (c *Channel) unbind(b *Binding, detach bool) error {
	if !b.markClosed() {
		return nil
	}
	c.mu.Lock()
	delete(c.bindings, b.id)
	for name, r := range c.routes {
		if r == b {
			delete(c.routes, name)
		}
	}
	c.mu.Unlock()

	for _, id := range b.connIDs() {
		c.conns.Close(id)
	}
	c.countConnections()
	if b.unlisten != nil {
		b.unlisten()
	}
	if detach {
		return b.adapter.Detach()
	}
	return nil
}

// Bindings returns the live bindings in creation order.
func (c *Channel) Bindings() []*Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedBindings()
}

func (c *Channel) sortedBindings() []*Binding {
	out := make([]*Binding, 0, len(c.bindings))
	for _, b := range c.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Routes returns the names of peers with a known binding.
func (c *Channel) Routes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.routes))
	for n := range c.routes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// learn records b as the route to peer unless one is known already.
func (c *Channel) learn(peer string, b *Binding) {
	if peer == "" || peer == wire.Broadcast || peer == c.name {
		return
	}
	c.mu.Lock()
	_, known := c.routes[peer]
	if !known && !b.isClosed() && !c.closed {
		c.routes[peer] = b
	}
	c.mu.Unlock()
	if !known {
		c.logger.Debug("route learned", "peer", peer, "transport", b.adapter.Kind())
		c.flushLater(peer)
	}
}

func (c *Channel) forget(peer string, b *Binding) {
	c.mu.Lock()
	if c.routes[peer] == b {
		delete(c.routes, peer)
	}
	c.mu.Unlock()
}

// route picks the bindings for a destination. deferred is true when the
// message belongs in the mailbox instead.
func (c *Channel) route(target string, typ wire.MessageType) (bs []*Binding, deferred bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if target != wire.Broadcast {
		if b, ok := c.routes[target]; ok {
			return []*Binding{b}, false
		}
		if c.mailbox != nil && (typ == wire.TypeRequest || typ == wire.TypeEvent) {
			return nil, true
		}
	}
	// Host-mediated transports filter by destination, so an unknown peer
	// is reached by sending everywhere.
	return c.sortedBindings(), false
}

func (c *Channel) newMessage(to string, typ wire.MessageType) *wire.Message {
	return wire.NewMessage(c.ids.Generate(), to, c.name, typ, c.clock.Now())
}

// send delivers msg to its destination.
func (c *Channel) send(ctx context.Context, msg *wire.Message, transfer []any) error {
	bs, deferred := c.route(msg.Channel, msg.Type)
	if deferred {
		return c.deferMessage(ctx, msg)
	}
	if len(bs) == 0 {
		c.metrics.Dropped(c.name, metrics.ReasonUnrouted)
		c.logger.Debug("no transport for message", "to", msg.Channel, "msg_id", msg.ID)
		return &Error{Code: CodeTransportUnavailable, Message: "no transport bound", Channel: msg.Channel}
	}
	var errs error
	delivered := false
	for _, b := range bs {
		if err := c.sendOn(b, msg, transfer); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		delivered = true
	}
	if !delivered {
		return &Error{Code: CodeTransportUnavailable, Message: "send failed", Channel: msg.Channel, Err: errs}
	}
	return nil
}

// sendOn hands msg to one binding. Failures are logged and counted; the
// caller decides whether they matter.
func (c *Channel) sendOn(b *Binding, msg *wire.Message, transfer []any) error {
	if err := b.adapter.Send(msg, transfer...); err != nil {
		c.metrics.Dropped(c.name, metrics.ReasonSendFailed)
		c.logger.Debug("send failed",
			"transport", b.adapter.Kind(),
			"to", msg.Channel,
			"type", msg.Type,
			"msg_id", msg.ID,
			"error", err,
		)
		return err
	}
	c.metrics.Sent(c.name, string(msg.Type))
	return nil
}

func (c *Channel) sendSignal(b *Binding, to string, kind wire.SignalKind, meta map[string]any) {
	msg := c.newMessage(to, wire.TypeSignal)
	msg.Payload.Signal = kind
	msg.Payload.Version = c.version.String()
	msg.Payload.Metadata = meta
	_ = c.sendOn(b, msg, nil)
}

// receive is called from transport goroutines.
func (c *Channel) receive(b *Binding, m *wire.Message) {
	if err := m.Validate(); err != nil {
		c.metrics.Dropped(c.name, metrics.ReasonInvalid)
		c.logger.Warn("invalid message dropped", "error", err)
		return
	}
	if m.Channel != c.name && m.Channel != wire.Broadcast {
		c.metrics.Dropped(c.name, metrics.ReasonNotAddressed)
		return
	}
	if m.Sender == c.name {
		return
	}
	c.metrics.Received(c.name, string(m.Type))

	switch m.Type {
	case wire.TypeResponse:
		c.learn(m.Sender, b)
		c.settle(m)
		return
	case wire.TypeRequest, wire.TypeEvent:
		c.learn(m.Sender, b)
	}
	if !c.inbox.Enqueue(inbound{binding: b, msg: m}) {
		c.logger.Debug("message after close dropped", "msg_id", m.ID)
	}
}

func (c *Channel) run() {
	defer close(c.loopDone)
	c.inbox.Drain(nil, c.dispatch)
}

func (c *Channel) dispatch(in inbound) {
	switch in.msg.Type {
	case wire.TypeRequest:
		c.handleRequest(in.binding, in.msg)
	case wire.TypeEvent:
		c.handleEvent(in.msg)
	case wire.TypeSignal:
		c.handleSignal(in.binding, in.msg)
	}
}

func (c *Channel) handleSignal(b *Binding, m *wire.Message) {
	if v := m.Payload.Version; v != "" && !c.compatible(v) {
		c.metrics.Dropped(c.name, metrics.ReasonVersion)
		c.logger.Warn("peer protocol version rejected", "peer", m.Sender, "version", v, "local", c.version.String())
		c.forget(m.Sender, b)
		if m.Payload.Signal != wire.SignalDisconnect {
			c.sendSignal(b, m.Sender, wire.SignalDisconnect, map[string]any{
				"reason": "incompatible protocol version " + v,
			})
		}
		return
	}

	kind := string(b.adapter.Kind())
	switch m.Payload.Signal {
	case wire.SignalConnect:
		c.learn(m.Sender, b)
		conn, _ := c.conns.Register(connreg.Params{
			Local:     c.name,
			Remote:    m.Sender,
			Sender:    m.Sender,
			Transport: kind,
			Direction: connreg.Incoming,
			Metadata:  m.Payload.Metadata,
		})
		b.track(conn.ID)
		c.countConnections()
		c.sendSignal(b, m.Sender, wire.SignalNotify, nil)

	case wire.SignalNotify:
		c.learn(m.Sender, b)
		marked := false
		for _, id := range b.connIDs() {
			conn, ok := c.conns.Get(id)
			if !ok || conn.Status != connreg.Active {
				continue
			}
			if conn.Remote == m.Sender || conn.Remote == wire.Broadcast {
				c.conns.MarkNotified(id, m.Payload.Metadata)
				marked = true
			}
		}
		if !marked {
			conn, _ := c.conns.Register(connreg.Params{
				Local:     c.name,
				Remote:    m.Sender,
				Sender:    m.Sender,
				Transport: kind,
				Direction: connreg.Incoming,
			})
			b.track(conn.ID)
			c.conns.MarkNotified(conn.ID, m.Payload.Metadata)
			c.countConnections()
		}

	case wire.SignalDisconnect:
		c.forget(m.Sender, b)
		for _, id := range b.connIDs() {
			if conn, ok := c.conns.Get(id); ok && conn.Remote == m.Sender {
				c.conns.Close(id)
			}
		}
		c.countConnections()
		c.logger.Info("peer disconnected", "peer", m.Sender)

	default:
		c.metrics.Dropped(c.name, metrics.ReasonInvalid)
		c.logger.Debug("unknown signal dropped", "signal", m.Payload.Signal, "peer", m.Sender)
	}
}

func (c *Channel) compatible(v string) bool {
	sv, err := semver.NewVersion(v)
	if err != nil {
		return false
	}
	return c.accept.Check(sv)
}

func (c *Channel) countConnections() {
	if c.metrics == nil {
		return
	}
	for _, dir := range []connreg.Direction{connreg.Incoming, connreg.Outgoing} {
		n := len(c.conns.Query(connreg.Filter{Local: c.name, Direction: dir}))
		c.metrics.Connections(c.name, string(dir), n)
	}
}

// InvokeOption adjusts a single invocation.
type InvokeOption func(*invocation)

type invocation struct {
	timeout  time.Duration
	byValue  bool
	transfer []any
}

// Timeout overrides the channel's request timeout.
func Timeout(d time.Duration) InvokeOption {
	return func(i *invocation) { i.timeout = d }
}

// ByValue asks for a copy of plain-data results instead of a reference.
func ByValue() InvokeOption {
	return func(i *invocation) { i.byValue = true }
}

// Transfer hands vals to the transport by ownership where supported.
func Transfer(vals ...any) InvokeOption {
	return func(i *invocation) { i.transfer = append(i.transfer, vals...) }
}

// Invoke sends action on path to the target channel and returns a value
// that settles with the response, a timeout, cancellation of ctx or the
// channel closing.
func (c *Channel) Invoke(ctx context.Context, target string, action wire.Action, path []string, args []any, opts ...InvokeOption) *Deferred {
	inv := invocation{timeout: c.RequestTimeout()}
	for _, opt := range opts {
		opt(&inv)
	}
	id := c.ids.Generate()

	if !action.Valid() {
		return settled(id, nil, &Error{Code: CodeProtocol, Message: fmt.Sprintf("unknown action %q", action), Channel: target, ReqID: id})
	}
	to := wire.NormalizeName(target)
	if to == "" || to == wire.Broadcast {
		return settled(id, nil, &Error{Code: CodeProtocol, Message: "invoke needs a single target channel", Channel: target, ReqID: id})
	}
	if err := ctx.Err(); err != nil {
		return settled(id, nil, err)
	}

	msg := wire.NewMessage(id, to, c.name, wire.TypeRequest, c.clock.Now())
	msg.Payload.Action = action
	msg.Payload.Path = append([]string(nil), path...)
	msg.Payload.ByValue = inv.byValue
	if len(args) > 0 {
		msg.Payload.Args = make([]any, len(args))
		for i, a := range args {
			msg.Payload.Args[i] = c.encode(a)
		}
	}

	p := &pendingRequest{d: newDeferred(id), target: to, action: action, started: c.clock.Now()}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return settled(id, nil, c.closedError(to))
	}
	c.pending[id] = p
	p.timer = c.clock.AfterFunc(inv.timeout, func() { c.expire(id, inv.timeout) })
	if ctx.Done() != nil {
		p.stopCtx = context.AfterFunc(ctx, func() { c.abandon(id, ctx.Err()) })
	}
	c.mu.Unlock()
	c.metrics.PendingAdd(c.name, 1)

	if err := c.send(ctx, msg, inv.transfer); err != nil {
		if CodeOf(err) == CodeStorage {
			if c.take(id) != nil {
				p.d.reject(err)
			}
			return p.d
		}
		// Without a transport the caller observes the timeout.
		c.logger.Debug("request not sent", "to", to, "action", action, "req_id", id, "error", err)
	}
	return p.d
}

// Request is Invoke followed by Await.
func (c *Channel) Request(ctx context.Context, target string, action wire.Action, path []string, args []any, opts ...InvokeOption) (any, error) {
	return c.Invoke(ctx, target, action, path, args, opts...).Await(ctx)
}

// PendingCount returns the number of unsettled invocations.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) take(id string) *pendingRequest {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	p.stop()
	c.metrics.PendingAdd(c.name, -1)
	return p
}

func (c *Channel) expire(id string, after time.Duration) {
	p := c.take(id)
	if p == nil {
		return
	}
	c.metrics.Timeout(c.name)
	c.logger.Debug("request timed out", "to", p.target, "action", p.action, "req_id", id)
	p.d.reject(&Error{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("no response within %s", after),
		Channel: p.target,
		ReqID:   id,
	})
}

func (c *Channel) abandon(id string, err error) {
	if p := c.take(id); p != nil {
		p.d.reject(err)
	}
}

// settle resolves the pending request answered by m. Unknown, late and
// duplicate responses are dropped.
func (c *Channel) settle(m *wire.Message) {
	p := c.take(m.ReqID)
	if p == nil {
		c.metrics.Dropped(c.name, metrics.ReasonUnsolicited)
		c.logger.Debug("unsolicited response dropped", "req_id", m.ReqID, "from", m.Sender)
		return
	}
	c.metrics.Observe(c.name, string(p.action), c.clock.Since(p.started))

	if m.Payload.Error != "" {
		p.d.reject(&Error{Code: CodeRemote, Message: m.Payload.Error, Channel: p.target, ReqID: m.ReqID})
		return
	}
	if d := m.Payload.Descriptor; d != nil {
		p.d.resolve(c.fromDescriptor(d))
		return
	}
	p.d.resolve(c.hydrate(m.Payload.Result))
}

func (c *Channel) closedError(target string) *Error {
	return &Error{Code: CodeClosed, Message: "channel closed", Channel: target}
}

// Close rejects outstanding invocations with a CLOSED error, tells every
// peer it is going away, detaches every transport and closes the
// connections the channel owns. Calling it again is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	bindings := c.sortedBindings()
	c.subs = make(map[string]map[int]EventHandler)
	c.mu.Unlock()

	for id, p := range pending {
		p.stop()
		c.metrics.PendingAdd(c.name, -1)
		p.d.reject(&Error{Code: CodeClosed, Message: "channel closed", Channel: p.target, ReqID: id})
	}

	c.cancel()
	c.inbox.Close()

	var errs error
	for _, b := range bindings {
		peer := b.remote
		if peer == "" {
			peer = wire.Broadcast
		}
		c.sendSignal(b, peer, wire.SignalDisconnect, nil)
		errs = multierr.Append(errs, c.unbind(b, true))
	}
	c.conns.CloseByChannel(c.name)
	c.countConnections()

	c.proxyMu.Lock()
	c.proxies.Purge()
	c.proxyMu.Unlock()

	c.logger.Info("channel closed", "pending_rejected", len(pending), "transports", len(bindings))
	return errs
}

// Done is closed once the dispatch loop has finished after Close.
func (c *Channel) Done() <-chan struct{} {
	return c.loopDone
}
