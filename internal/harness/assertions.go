package harness

import (
	"fmt"
	"slices"
	"strings"
)

// AssertionError is returned when an assertion fails. It carries the trace
// to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s\n", i+1, ev)
	}
	return buf.String()
}

// String renders ev on one line.
func (ev TraceEvent) String() string {
	s := fmt.Sprintf("step %d %s %s -> %s", ev.Step, ev.Type, ev.From, ev.To)
	switch {
	case ev.Action != "":
		s += fmt.Sprintf(" %s %s %v", ev.Action, strings.Join(ev.Path, "."), ev.Args)
	case ev.Event != "":
		s += " " + ev.Event
	case ev.Error != "":
		s += " error: " + ev.Error
	default:
		s += fmt.Sprintf(" %v", ev.Result)
	}
	return s
}

// Matches reports whether ev satisfies every field set in f.
func (f MessageFilter) Matches(ev TraceEvent) bool {
	if f.Type != "" && f.Type != ev.Type {
		return false
	}
	if f.From != "" && f.From != ev.From {
		return false
	}
	if f.To != "" && f.To != ev.To {
		return false
	}
	if f.Action != "" && f.Action != ev.Action {
		return false
	}
	if f.Path != nil && !slices.Equal(f.Path, ev.Path) {
		return false
	}
	if f.Event != "" && f.Event != ev.Event {
		return false
	}
	return true
}

func (f MessageFilter) String() string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("type", f.Type)
	add("from", f.From)
	add("to", f.To)
	add("action", f.Action)
	add("path", strings.Join(f.Path, "."))
	add("event", f.Event)
	if len(parts) == 0 {
		return "any message"
	}
	return strings.Join(parts, " ")
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	if slices.ContainsFunc(trace, a.Message.Matches) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: a.Message.String(),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the filters match in order. Other messages
// may come in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for i, f := range a.Messages {
		found := false
		for pos < len(trace) {
			ev := trace[pos]
			pos++
			if f.Matches(ev) {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("message %d (%s) after message %d", i+1, f, i),
				Actual:   "not found in order",
				Trace:    trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if a.Message.Matches(ev) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Message),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertReceived(result *Result, a Assertion) error {
	for _, r := range result.Received {
		if r.Channel != a.Message.To || r.Event != a.Message.Event {
			continue
		}
		if a.Message.From == "" || a.Message.From == r.Source {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertReceived,
		Expected: fmt.Sprintf("%s to receive %s", a.Message.To, a.Message.Event),
		Actual:   fmt.Sprintf("%d events received", len(result.Received)),
		Trace:    result.Trace,
	}
}

// EvaluateAssertions evaluates all assertions against the result and
// returns one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertReceived:
			err = assertReceived(result, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
