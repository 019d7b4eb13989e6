package wire

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.UnixMilli(1700000000000)

func newGolden(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestJSONCodec_Golden(t *testing.T) {
	g := newGolden(t)

	req := NewMessage("m-1", "B", "A", TypeRequest, testEpoch)
	req.Payload.Action = ActionApply
	req.Payload.Path = []string{"math", "add"}
	req.Payload.Args = []any{2, 3}

	resp := NewMessage("m-2", "A", "B", TypeResponse, testEpoch.Add(time.Millisecond))
	resp.ReqID = "m-1"
	resp.Payload.Descriptor = &Descriptor{
		IsDescriptor:  true,
		Path:          []string{"$h", "h1"},
		Owner:         "B",
		Channel:       "B",
		Writable:      true,
		Enumerable:    true,
		Configurable:  true,
		ArgumentCount: 2,
	}

	sig := NewMessage("m-3", "B", "A", TypeSignal, testEpoch.Add(2*time.Millisecond))
	sig.Payload.Signal = SignalConnect
	sig.Payload.Version = "1.0.0"
	sig.Payload.Metadata = map[string]any{"transport": "websocket"}

	tests := []struct {
		name string
		msg  *Message
	}{
		{"request_apply", req},
		{"response_descriptor", resp},
		{"signal_connect", sig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := JSONCodec{}.Encode(tt.msg)
			require.NoError(t, err)
			g.Assert(t, tt.name, b)

			back, err := JSONCodec{}.Decode(b)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.ID, back.ID)
			assert.Equal(t, tt.msg.Type, back.Type)
			assert.Equal(t, tt.msg.ReqID, back.ReqID)
		})
	}
}

func TestJSONCodec_DecodeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", `{`},
		{"missing id", `{"channel":"B","type":"request"}`},
		{"bad type", `{"id":"x","channel":"B","type":"ping"}`},
		{"missing channel", `{"id":"x","type":"event"}`},
		{"response without reqId", `{"id":"x","channel":"B","type":"response"}`},
		{"unknown action", `{"id":"x","channel":"B","type":"request","payload":{"action":"explode"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := JSONCodec{}.Decode([]byte(tt.in))
			assert.Error(t, err)
		})
	}
}

func TestMessage_CloneIsIndependent(t *testing.T) {
	m := NewMessage("m-1", "B", "A", TypeRequest, testEpoch)
	m.Payload.Path = []string{"a", "b"}
	m.Payload.Args = []any{1}
	m.Payload.Descriptor = &Descriptor{IsDescriptor: true, Path: []string{"x"}}

	cp := m.Clone()
	cp.Payload.Path[0] = "z"
	cp.Payload.Args[0] = 2
	cp.Payload.Descriptor.Path[0] = "y"

	assert.Equal(t, "a", m.Payload.Path[0])
	assert.Equal(t, 1, m.Payload.Args[0])
	assert.Equal(t, "x", m.Payload.Descriptor.Path[0])
	assert.Equal(t, testEpoch, m.Time())
}

func TestCloneViaJSON(t *testing.T) {
	m := NewMessage("m-1", "B", "A", TypeEvent, testEpoch)
	m.Payload.Event = "tick"
	m.Payload.Data = map[string]any{"n": 1}

	cp, err := CloneViaJSON(m)
	require.NoError(t, err)
	assert.Equal(t, "tick", cp.Payload.Event)
	// numbers come back as float64 after crossing the boundary
	assert.Equal(t, map[string]any{"n": float64(1)}, cp.Payload.Data)
}

func TestDescriptorFrom(t *testing.T) {
	d := &Descriptor{IsDescriptor: true, Path: []string{"a"}, Owner: "B"}

	got, ok := DescriptorFrom(d)
	require.True(t, ok)
	assert.Same(t, d, got)

	got, ok = DescriptorFrom(*d)
	require.True(t, ok)
	assert.Equal(t, d.Path, got.Path)

	got, ok = DescriptorFrom(map[string]any{
		"$isDescriptor": true,
		"path":          []any{"a", "b"},
		"owner":         "B",
		"argumentCount": float64(2),
	})
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, got.Path)
	assert.Equal(t, 2, got.ArgumentCount)
	assert.Equal(t, "B", got.Target())

	_, ok = DescriptorFrom(map[string]any{"path": []any{"a"}})
	assert.False(t, ok)
	_, ok = DescriptorFrom(&Descriptor{Path: []string{"a"}})
	assert.False(t, ok)
	_, ok = DescriptorFrom("nope")
	assert.False(t, ok)
}

func TestPathKey(t *testing.T) {
	assert.Equal(t, "[]", PathKey(nil))
	assert.Equal(t, `["a","b"]`, PathKey([]string{"a", "b"}))
	assert.NotEqual(t, PathKey([]string{"a.b"}), PathKey([]string{"a", "b"}))

	base := []string{"a"}
	joined := JoinPath(base, "b", "c")
	assert.Equal(t, []string{"a", "b", "c"}, joined)
	assert.Equal(t, []string{"a"}, base)
}

func TestAction(t *testing.T) {
	for _, a := range Actions {
		got, err := ParseAction(string(a))
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	_, err := ParseAction("explode")
	assert.Error(t, err)

	assert.True(t, ActionHas.ReturnsData())
	assert.True(t, ActionOwnKeys.ReturnsData())
	assert.False(t, ActionGet.ReturnsData())
	assert.False(t, ActionApply.ReturnsData())
}
