package harness

import (
	"encoding/json"
	"fmt"
)

// TraceEvent is one message sent on a pipe during the flow.
type TraceEvent struct {
	Step   int      `json:"step"`
	Type   string   `json:"type"`
	From   string   `json:"from"`
	To     string   `json:"to"`
	Action string   `json:"action,omitempty"`
	Path   []string `json:"path,omitempty"`
	Args   []any    `json:"args,omitempty"`
	Result any      `json:"result,omitempty"`
	Error  string   `json:"error,omitempty"`
	Event  string   `json:"event,omitempty"`
	Data   any      `json:"data,omitempty"`
}

// Received is an event delivered to a subscriber.
type Received struct {
	Channel string `json:"channel"`
	Source  string `json:"source"`
	Event   string `json:"event"`
	Data    any    `json:"data,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds the traced messages in send order.
	Trace []TraceEvent `json:"trace"`

	// Received holds the events delivered to each channel.
	Received []Received `json:"received,omitempty"`

	// Errors describes each failed expectation.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failed expectation and marks the result as failed.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// normalize returns v as it reads after a JSON round trip, so YAML ints and
// decoded float64s compare equal. Values that cannot be encoded are
// returned as is.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
