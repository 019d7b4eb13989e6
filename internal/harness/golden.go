package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TraceSnapshot is the golden form of a scenario run.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
	Received     []Received   `json:"received,omitempty"`
}

// Snapshot renders result as indented JSON. Map keys are sorted by the
// encoder, so equal results render identically.
func Snapshot(name string, result *Result) ([]byte, error) {
	b, err := json.MarshalIndent(TraceSnapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		Received:     result.Received,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden. Options override the goldie
// defaults. To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...goldie.Option) (*Result, error) {
	t.Helper()
	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result, opts...)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result, opts ...goldie.Option) error {
	t.Helper()
	data, err := Snapshot(name, result)
	if err != nil {
		return err
	}
	g := newGoldie(t, opts...)
	g.Assert(t, name, data)
	return nil
}

func newGoldie(t *testing.T, opts ...goldie.Option) *goldie.Goldie {
	base := []goldie.Option{
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	}
	return goldie.New(t, append(base, opts...)...)
}
