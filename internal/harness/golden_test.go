package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRunWithGolden_Deterministic records one run as the golden file and
// checks a second run against it.
func TestRunWithGolden_Deterministic(t *testing.T) {
	s := loadCounter(t)
	dir := t.TempDir()

	first, err := Run(s)
	require.NoError(t, err)
	data, err := Snapshot(s.Name, first)
	require.NoError(t, err)
	require.NoError(t, newGoldie(t, goldie.WithFixtureDir(dir)).Update(t, s.Name, data))

	second, err := RunWithGolden(t, s, goldie.WithFixtureDir(dir))
	require.NoError(t, err)
	assert.True(t, second.Pass, "errors: %v", second.Errors)
}

func TestSnapshot(t *testing.T) {
	data, err := Snapshot("sample", &Result{Trace: sampleTrace[:2]})
	require.NoError(t, err)

	var snap TraceSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "sample", snap.ScenarioName)
	require.Len(t, snap.Trace, 2)
	assert.Equal(t, "hello", snap.Trace[1].Result)
	assert.Empty(t, snap.Received)
	assert.Equal(t, byte('\n'), data[len(data)-1])
}
