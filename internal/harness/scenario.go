package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fabric/internal/wire"
)

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Channels lists the channels to create.
	Channels []string `yaml:"channels"`

	// Links joins pairs of channels with a pipe. The second channel
	// listens and the first connects.
	Links [][]string `yaml:"links,omitempty"`

	// Expose lists the objects to expose before the flow runs.
	Expose []Exposure `yaml:"expose,omitempty"`

	// Flow is executed in order. A step that fails its expect clause is
	// recorded and the flow continues.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the trace after the flow.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Exposure publishes a fixture or a plain value on a channel.
type Exposure struct {
	Channel string `yaml:"channel"`
	Name    string `yaml:"name"`

	// Fixture names a built-in object (see Fixtures).
	Fixture string `yaml:"fixture,omitempty"`

	// Value is exposed as plain data when Fixture is empty.
	Value any `yaml:"value,omitempty"`
}

// FlowStep is one invocation or one event.
type FlowStep struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`

	// Invoke is the action name. Exactly one of Invoke and Emit is set.
	Invoke string   `yaml:"invoke,omitempty"`
	Path   []string `yaml:"path,omitempty"`
	Args   []any    `yaml:"args,omitempty"`

	// Reference asks for a remote reference instead of a copy of the
	// result.
	Reference bool `yaml:"reference,omitempty"`

	// Emit is the event name.
	Emit string `yaml:"emit,omitempty"`
	Data any    `yaml:"data,omitempty"`

	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of an invocation.
type ExpectClause struct {
	// Value is compared to the result after a JSON round trip. Maps are
	// matched as subsets.
	Value any `yaml:"value,omitempty"`

	// Error is the expected channel error code, such as REMOTE.
	Error string `yaml:"error,omitempty"`
}

// MessageFilter matches traced messages. Empty fields match anything.
type MessageFilter struct {
	Type   string   `yaml:"type,omitempty"`
	From   string   `yaml:"from,omitempty"`
	To     string   `yaml:"to,omitempty"`
	Action string   `yaml:"action,omitempty"`
	Path   []string `yaml:"path,omitempty"`
	Event  string   `yaml:"event,omitempty"`
}

// Assertion validates the trace.
type Assertion struct {
	Type     string          `yaml:"type"`
	Message  *MessageFilter  `yaml:"message,omitempty"`
	Messages []MessageFilter `yaml:"messages,omitempty"`
	Count    int             `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertReceived      = "received"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// validateScenario checks that required fields are present and that every
// step refers to a declared channel.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Channels) == 0 {
		return fmt.Errorf("channels list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	seen := make(map[string]bool, len(s.Channels))
	for i, name := range s.Channels {
		n, err := wire.ValidateName(name)
		if err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
		if seen[n] {
			return fmt.Errorf("channels[%d]: duplicate channel %q", i, n)
		}
		seen[n] = true
	}
	known := func(name string) bool { return slices.Contains(s.Channels, name) }

	for i, l := range s.Links {
		if len(l) != 2 {
			return fmt.Errorf("links[%d]: a link joins exactly two channels", i)
		}
		if !known(l[0]) || !known(l[1]) {
			return fmt.Errorf("links[%d]: unknown channel in %v", i, l)
		}
		if l[0] == l[1] {
			return fmt.Errorf("links[%d]: cannot link %q to itself", i, l[0])
		}
	}

	for i, e := range s.Expose {
		if !known(e.Channel) {
			return fmt.Errorf("expose[%d]: unknown channel %q", i, e.Channel)
		}
		if e.Name == "" {
			return fmt.Errorf("expose[%d]: name is required", i)
		}
		if e.Fixture != "" {
			if _, ok := Fixtures[e.Fixture]; !ok {
				return fmt.Errorf("expose[%d]: unknown fixture %q", i, e.Fixture)
			}
		} else if e.Value == nil {
			return fmt.Errorf("expose[%d]: fixture or value is required", i)
		}
	}

	for i, step := range s.Flow {
		if !known(step.From) {
			return fmt.Errorf("flow[%d]: unknown channel %q", i, step.From)
		}
		if step.To != wire.Broadcast && !known(step.To) {
			return fmt.Errorf("flow[%d]: unknown channel %q", i, step.To)
		}
		switch {
		case step.Invoke != "" && step.Emit != "":
			return fmt.Errorf("flow[%d]: invoke and emit are exclusive", i)
		case step.Invoke != "":
			if _, err := wire.ParseAction(step.Invoke); err != nil {
				return fmt.Errorf("flow[%d]: %w", i, err)
			}
			if step.To == wire.Broadcast {
				return fmt.Errorf("flow[%d]: cannot invoke on every channel", i)
			}
		case step.Emit != "":
			if step.Expect != nil {
				return fmt.Errorf("flow[%d]: events have no result to expect", i)
			}
		default:
			return fmt.Errorf("flow[%d]: invoke or emit is required", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains, AssertReceived:
		if a.Message == nil {
			return fmt.Errorf("assertions[%d]: message is required for %s", index, a.Type)
		}
		if a.Type == AssertReceived && (a.Message.To == "" || a.Message.Event == "") {
			return fmt.Errorf("assertions[%d]: received needs message.to and message.event", index)
		}
	case AssertTraceOrder:
		if len(a.Messages) < 2 {
			return fmt.Errorf("assertions[%d]: trace_order needs at least two messages", index)
		}
	case AssertTraceCount:
		if a.Message == nil {
			return fmt.Errorf("assertions[%d]: message is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
