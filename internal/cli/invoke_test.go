package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fabric/internal/app"
	"github.com/roach88/fabric/internal/config"
)

// startHub runs a daemon named hub on a free port and returns its URL.
func startHub(t *testing.T) (*app.Daemon, string) {
	t.Helper()
	cfg, err := config.Parse(nil, map[string]any{
		"channel":  "hub",
		"database": filepath.Join(t.TempDir(), "hub.db"),
		"listen":   "127.0.0.1:0",
	})
	require.NoError(t, err)
	d, err := app.New(cfg, app.Env{})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	_, err = d.Channel.Expose("math", map[string]any{
		"add": func(a, b int) int { return a + b },
	})
	require.NoError(t, err)
	_, err = d.Channel.Expose("conf", map[string]any{"greeting": "hello"})
	require.NoError(t, err)
	return d, "ws://" + d.Server.Addr() + "/"
}

func TestInvoke_Text(t *testing.T) {
	_, url := startHub(t)

	out, err := execute(t, "invoke", "apply", "sys", "Ping", "--url", url, "--to", "hub")
	require.NoError(t, err)
	assert.Equal(t, "pong\n", out)

	out, err = execute(t, "invoke", "get", "conf", "greeting", "--url", url, "--to", "hub")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestInvoke_JSON(t *testing.T) {
	_, url := startHub(t)

	out, err := execute(t, "invoke", "apply", "math", "add", "--args", "[2,3]", "--url", url, "--to", "hub", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status  string       `json:"status"`
		TraceID string       `json:"trace_id"`
		Data    InvokeResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.TraceID)
	assert.Equal(t, "hub", resp.Data.Channel)
	assert.Equal(t, "apply", resp.Data.Action)
	assert.Equal(t, []string{"math", "add"}, resp.Data.Path)
	assert.EqualValues(t, 5, resp.Data.Value)
}

func TestInvoke_RemoteError(t *testing.T) {
	_, url := startHub(t)

	out, err := execute(t, "invoke", "apply", "math", "missing", "--url", url, "--to", "hub", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string `json:"status"`
		Error  struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.NotEmpty(t, resp.Error.Code)
}

func TestInvoke_InvalidInput(t *testing.T) {
	_, err := execute(t, "invoke", "poke", "x")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid action")

	_, err = execute(t, "invoke", "apply", "x", "--args", `{"a":1}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --args JSON")

	_, err = execute(t, "invoke", "apply", "x", "--name", "*")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --name")
}

func TestInvoke_ConnectFailure(t *testing.T) {
	_, err := execute(t, "invoke", "get", "x", "--url", "ws://127.0.0.1:1/", "--timeout", "1s")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestListenURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:7400/", listenURL(":7400"))
	assert.Equal(t, "ws://0.0.0.0:80/", listenURL("0.0.0.0:80"))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "text", formatValue("text"))
	assert.Equal(t, "null", formatValue(nil))
	assert.Equal(t, "[\n  1,\n  2\n]", formatValue([]any{1, 2}))
}
