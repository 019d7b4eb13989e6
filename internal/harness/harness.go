package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/roach88/fabric/internal/channel"
	"github.com/roach88/fabric/internal/testutil"
	"github.com/roach88/fabric/internal/transport"
	"github.com/roach88/fabric/internal/wire"
)

// StepTimeout bounds each flow step.
const StepTimeout = 5 * time.Second

// Harness holds the channels of one scenario run.
type Harness struct {
	channels map[string]*channel.Channel
	logger   *slog.Logger

	mu       sync.Mutex
	step     int
	trace    []TraceEvent
	received []Received
}

// Run executes a scenario and returns the result. An error means the
// scenario could not be set up; failed expectations are reported in the
// result.
func Run(s *Scenario) (*Result, error) {
	return RunContext(context.Background(), s)
}

// RunContext is Run with a parent context for every step.
func RunContext(ctx context.Context, s *Scenario) (*Result, error) {
	h := &Harness{
		channels: make(map[string]*channel.Channel, len(s.Channels)),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	defer h.close()

	if err := h.setup(ctx, s); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range s.Flow {
		h.mu.Lock()
		h.step = i
		h.mu.Unlock()
		h.execute(ctx, i, step, result)
	}

	// Events are delivered asynchronously.
	for _, a := range s.Assertions {
		if a.Type == AssertReceived {
			h.waitReceived(a.Message.To, a.Message.Event, StepTimeout)
		}
	}

	h.mu.Lock()
	result.Trace = append(result.Trace, h.trace...)
	result.Received = append(result.Received, h.received...)
	h.mu.Unlock()

	for _, msg := range EvaluateAssertions(result, s.Assertions) {
		result.AddError("%s", msg)
	}
	return result, nil
}

func (h *Harness) setup(ctx context.Context, s *Scenario) error {
	for _, name := range s.Channels {
		ch, err := channel.New(name,
			channel.WithLogger(h.logger),
			channel.WithClock(testutil.NewMockClock()),
			channel.WithIDGenerator(wire.NewSequenceGenerator(name)),
		)
		if err != nil {
			return fmt.Errorf("channel %s: %w", name, err)
		}
		h.channels[name] = ch
		ch.Subscribe(channel.AnyEvent, h.receiver(name))
	}

	for i, l := range s.Links {
		a, b := h.channels[l[0]], h.channels[l[1]]
		pa, pb := transport.NewPipe(transport.KindWorker)
		if _, err := b.Listen(ctx, h.tap(pb), channel.BindOptions{Remote: a.Name()}); err != nil {
			return fmt.Errorf("links[%d]: %w", i, err)
		}
		if _, err := a.Connect(ctx, h.tap(pa), channel.BindOptions{Remote: b.Name()}); err != nil {
			return fmt.Errorf("links[%d]: %w", i, err)
		}
	}

	for i, e := range s.Expose {
		v := e.Value
		if e.Fixture != "" {
			v = Fixtures[e.Fixture]()
		}
		if _, err := h.channels[e.Channel].Expose(e.Name, v); err != nil {
			return fmt.Errorf("expose[%d]: %w", i, err)
		}
	}
	return nil
}

func (h *Harness) execute(ctx context.Context, i int, step FlowStep, result *Result) {
	ctx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()
	from := h.channels[step.From]

	if step.Emit != "" {
		if err := from.Emit(ctx, step.To, step.Emit, step.Data); err != nil {
			result.AddError("flow[%d]: emit %s: %v", i, step.Emit, err)
		}
		return
	}

	action, _ := wire.ParseAction(step.Invoke)
	var opts []channel.InvokeOption
	if !step.Reference {
		opts = append(opts, channel.ByValue())
	}
	got, err := from.Request(ctx, step.To, action, step.Path, step.Args, opts...)
	if step.Expect == nil {
		if err != nil {
			result.AddError("flow[%d]: %s %v: %v", i, action, step.Path, err)
		}
		return
	}
	if step.Expect.Error != "" {
		code := channel.CodeOf(err)
		if string(code) != step.Expect.Error {
			result.AddError("flow[%d]: expected error %s, got %v", i, step.Expect.Error, err)
		}
		return
	}
	if err != nil {
		result.AddError("flow[%d]: %s %v: %v", i, action, step.Path, err)
		return
	}
	if !valuesMatch(normalize(printable(got)), normalize(step.Expect.Value)) {
		result.AddError("flow[%d]: expected %v, got %v", i, step.Expect.Value, got)
	}
}

// printable replaces a remote reference with its descriptor.
func printable(v any) any {
	if p, ok := v.(*channel.Proxy); ok {
		if d := p.Descriptor(); d != nil {
			return d
		}
		return map[string]any{"channel": p.Channel(), "path": p.Path()}
	}
	return v
}

func (h *Harness) receiver(name string) channel.EventHandler {
	return func(_ context.Context, ev channel.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.received = append(h.received, Received{
			Channel: name,
			Source:  ev.Source,
			Event:   ev.Name,
			Data:    normalize(ev.Data),
		})
	}
}

// waitReceived reports whether channel has received event within d.
func (h *Harness) waitReceived(name, event string, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		h.mu.Lock()
		for _, r := range h.received {
			if r.Channel == name && r.Event == event {
				h.mu.Unlock()
				return true
			}
		}
		h.mu.Unlock()
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *Harness) close() {
	var errs error
	for _, ch := range h.channels {
		errs = multierr.Append(errs, ch.Close())
	}
	if errs != nil {
		h.logger.Debug("close channels", "error", errs)
	}
}

// tap wraps a pipe port and records what its channel sends.
func (h *Harness) tap(a transport.Adapter) transport.Adapter {
	return &tapped{Adapter: a, h: h}
}

type tapped struct {
	transport.Adapter
	h *Harness
}

func (t *tapped) Send(msg *wire.Message, transfer ...any) error {
	t.h.record(msg)
	return t.Adapter.Send(msg, transfer...)
}

func (h *Harness) record(m *wire.Message) {
	if m.Type == wire.TypeSignal {
		return
	}
	ev := TraceEvent{
		Type:   string(m.Type),
		From:   m.Sender,
		To:     m.Channel,
		Action: string(m.Payload.Action),
		Path:   append([]string(nil), m.Payload.Path...),
		Error:  m.Payload.Error,
		Event:  m.Payload.Event,
	}
	if len(m.Payload.Args) > 0 {
		ev.Args, _ = normalize(m.Payload.Args).([]any)
	}
	if m.Payload.Result != nil {
		ev.Result = normalize(m.Payload.Result)
	} else if m.Payload.Descriptor != nil {
		ev.Result = normalize(m.Payload.Descriptor)
	}
	if m.Payload.Data != nil {
		ev.Data = normalize(m.Payload.Data)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	ev.Step = h.step
	h.trace = append(h.trace, ev)
}

// valuesMatch compares expected against actual. Maps match as subsets;
// everything else must be deeply equal.
func valuesMatch(actual, expected any) bool {
	if em, ok := expected.(map[string]any); ok {
		am, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		for k, ev := range em {
			av, exists := am[k]
			if !exists || !valuesMatch(av, ev) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(actual, expected)
}
