package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fabric.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	c := Default()

	assert.Equal(t, "fabric", c.Channel)
	assert.Equal(t, "fabric.db", c.Database)
	assert.Equal(t, "127.0.0.1:7400", c.Listen)
	assert.Empty(t, c.MetricsListen)
	assert.Empty(t, c.AllowedOrigins)
	assert.Equal(t, 30*time.Second, c.RequestTimeout.Duration())
	assert.Equal(t, "1.0.0", c.ProtocolVersion)
	assert.Equal(t, slog.LevelInfo, c.Level())
	assert.Equal(t, []Peer{}, c.Peers)
	assert.Equal(t, Mailbox{
		PollInterval:    Duration(time.Second),
		MaxRetries:      3,
		ExpiresIn:       Duration(24 * time.Hour),
		CleanupInterval: Duration(time.Minute),
	}, c.Mailbox)
	assert.Nil(t, c.SharedMemory)
}

func TestLoad_EmptyPathIsDefault(t *testing.T) {
	c, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
channel: worker-1
origin: https://example.test
database: /var/lib/fabric/worker.db
listen: ":9000"
allowed_origins: ["https://console.example.test"]
metrics_listen: ":9100"
request_timeout: 1m30s
protocol_version: 1.2.0
log_level: debug
peers:
  - name: hub
    url: ws://hub.internal:7400/
mailbox:
  poll_interval: 250ms
  max_retries: 5
shared_memory:
  path: /dev/shm/fabric
`)

	c, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "worker-1", c.Channel)
	assert.Equal(t, "https://example.test", c.Origin)
	assert.Equal(t, ":9000", c.Listen)
	assert.Equal(t, ":9100", c.MetricsListen)
	assert.Equal(t, []string{"https://console.example.test"}, c.AllowedOrigins)
	assert.Equal(t, 90*time.Second, c.RequestTimeout.Duration())
	assert.Equal(t, slog.LevelDebug, c.Level())
	assert.Equal(t, []Peer{{Name: "hub", URL: "ws://hub.internal:7400/"}}, c.Peers)
	assert.Equal(t, 250*time.Millisecond, c.Mailbox.PollInterval.Duration())
	assert.Equal(t, 5, c.Mailbox.MaxRetries)
	assert.Equal(t, 24*time.Hour, c.Mailbox.ExpiresIn.Duration(), "unset nested fields keep their defaults")
	require.NotNil(t, c.SharedMemory)
	assert.Equal(t, SharedMemory{Path: "/dev/shm/fabric", Size: 65536, Side: "a"}, *c.SharedMemory)
}

func TestLoad_OverridesWin(t *testing.T) {
	path := writeConfig(t, "channel: from-file\nlisten: ':1'\n")

	c, err := Load(path, map[string]any{"listen": ":2", "log_level": "warn"})
	require.NoError(t, err)

	assert.Equal(t, "from-file", c.Channel)
	assert.Equal(t, ":2", c.Listen)
	assert.Equal(t, slog.LevelWarn, c.Level())
}

func TestLoad_NormalizesNames(t *testing.T) {
	// Decomposed input: "e" followed by a combining acute accent.
	path := writeConfig(t, "channel: \"  cafe\u0301 \"\npeers:\n  - name: \"re\u0301seau\"\n    url: ws://x/\n")

	c, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "caf\u00e9", c.Channel)
	assert.Equal(t, "r\u00e9seau", c.Peers[0].Name)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "chanel: typo\n"},
		{"unknown nested key", "mailbox:\n  retries: 2\n"},
		{"bad duration", "request_timeout: soon\n"},
		{"numeric duration", "request_timeout: 30\n"},
		{"bad log level", "log_level: loud\n"},
		{"bad version", "protocol_version: one\n"},
		{"zero retries", "mailbox:\n  max_retries: 0\n"},
		{"peer without url scheme", "peers:\n  - name: hub\n    url: hub:7400\n"},
		{"broadcast channel name", "channel: '*'\n"},
		{"duplicate peer", "peers:\n  - {name: hub, url: 'ws://a/'}\n  - {name: hub, url: 'ws://b/'}\n"},
		{"peer is self", "channel: hub\npeers:\n  - {name: hub, url: 'ws://a/'}\n"},
		{"tiny shared memory", "shared_memory:\n  path: /tmp/x\n  size: 16\n"},
		{"bad shared memory side", "shared_memory:\n  path: /tmp/x\n  side: c\n"},
		{"malformed yaml", "channel: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content), nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1h2m")))
	assert.Equal(t, time.Hour+2*time.Minute, d.Duration())

	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1h2m0s", string(b))

	assert.Error(t, d.UnmarshalText([]byte("later")))
}
