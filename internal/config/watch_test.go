package config

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")
	ctx, cancel := context.WithCancel(context.Background())

	changes := make(chan *Config, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, map[string]any{"listen": ":7"}, nil, func(c *Config) { changes <- c })
	}()

	// The watcher may not be registered yet, so keep writing until a
	// change is seen.
	var got *Config
	require.Eventually(t, func() bool {
		if os.WriteFile(path, []byte("log_level: debug\n"), 0o644) != nil {
			return false
		}
		select {
		case got = <-changes:
			// A truncating write can surface the empty file first.
			return got.Level() == slog.LevelDebug
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, slog.LevelDebug, got.Level())
	assert.Equal(t, ":7", got.Listen, "overrides apply to reloads")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatch_SkipsInvalidFile(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 8)
	go Watch(ctx, path, nil, nil, func(c *Config) { changes <- c })

	require.Eventually(t, func() bool {
		if os.WriteFile(path, []byte("log_level: warn\n"), 0o644) != nil {
			return false
		}
		select {
		case <-changes:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("log_level: loud\n"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("log_level: error\n"), 0o644))

	require.Eventually(t, func() bool {
		select {
		case c := <-changes:
			return c.Level() == slog.LevelError
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond, "a valid file after an invalid one is picked up")
}

func TestWatch_MissingDirectory(t *testing.T) {
	err := Watch(context.Background(), "/nonexistent/dir/fabric.yaml", nil, nil, func(*Config) {})
	assert.Error(t, err)
}
