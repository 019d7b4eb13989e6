package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchange_PutGetList(t *testing.T) {
	db := tempDB(t)

	out, err := execute(t, "exchange", "put", "settings", `{"mode":"fast"}`, "--db", db, "--as", "hub", "--share", "edge")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote settings (version 1)")

	out, err = execute(t, "exchange", "put", "settings", `{"mode":"slow"}`, "--db", db, "--as", "hub", "--share", "edge")
	require.NoError(t, err)
	assert.Contains(t, out, "version 2")

	out, err = execute(t, "exchange", "get", "settings", "--db", db, "--as", "edge", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data ExchangeRecordView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, map[string]any{"mode": "slow"}, resp.Data.Value)
	assert.Equal(t, "hub", resp.Data.Owner)
	assert.Equal(t, []string{"edge"}, resp.Data.SharedWith)
	assert.EqualValues(t, 2, resp.Data.Version)

	_, err = execute(t, "exchange", "put", "motd", `"hi"`, "--db", db, "--as", "hub")
	require.NoError(t, err)

	out, err = execute(t, "exchange", "get", "motd", "--db", db, "--as", "anyone")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out)

	out, err = execute(t, "exchange", "list", "--db", db, "--as", "other")
	require.NoError(t, err)
	assert.Contains(t, out, "motd")
	assert.NotContains(t, out, "settings")
}

func TestExchange_AccessDenied(t *testing.T) {
	db := tempDB(t)
	_, err := execute(t, "exchange", "put", "secret", `1`, "--db", db, "--as", "hub", "--share", "edge")
	require.NoError(t, err)

	out, err := execute(t, "exchange", "get", "secret", "--db", db, "--as", "intruder")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, ErrCodeDenied)

	_, err = execute(t, "exchange", "delete", "secret", "--db", db, "--as", "intruder")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err = execute(t, "exchange", "delete", "secret", "--db", db, "--as", "hub")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted secret")
}

func TestExchange_Missing(t *testing.T) {
	db := tempDB(t)

	out, err := execute(t, "exchange", "get", "nothing", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, ErrCodeNotFound)

	out, err = execute(t, "exchange", "delete", "nothing", "--db", db)
	require.Error(t, err)
	assert.Contains(t, out, ErrCodeNotFound)
}

func TestExchange_InvalidValue(t *testing.T) {
	_, err := execute(t, "exchange", "put", "k", "{nope", "--db", tempDB(t))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid JSON value")
}

func TestExchange_Locks(t *testing.T) {
	db := tempDB(t)

	out, err := execute(t, "exchange", "lock", "deploy", "--db", db, "--as", "a", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data LockView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Data.Acquired)
	assert.Equal(t, "a", resp.Data.Holder)
	assert.False(t, resp.Data.Expires.IsZero())

	out, err = execute(t, "exchange", "lock", "deploy", "--db", db, "--as", "b")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "deploy is locked by a")

	_, err = execute(t, "exchange", "unlock", "deploy", "--db", db, "--as", "b")
	require.Error(t, err)

	out, err = execute(t, "exchange", "unlock", "deploy", "--db", db, "--as", "a")
	require.NoError(t, err)
	assert.Contains(t, out, "Unlocked deploy")

	_, err = execute(t, "exchange", "lock", "deploy", "--db", db, "--as", "b", "--for", "1m")
	require.NoError(t, err)
}
