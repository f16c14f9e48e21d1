package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sakerinn/eimzo/internal/agent"
	"github.com/sakerinn/eimzo/internal/agent/agenttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestGatewayCalls(t *testing.T) {
	ctx := context.Background()

	gw := agenttest.New().
		Reply("pkcs7.create_pkcs7", map[string]any{"success": true, "pkcs7_64": "UEs="}).
		Reject("pfx.load_key", "wrong password").
		Unreachable("certkey.load_key")

	var buf bytes.Buffer
	wrapped := NewGatewayCalls(zerolog.New(&buf).Level(zerolog.DebugLevel), gw)

	resp, err := wrapped.Invoke(ctx, agent.Call{Plugin: "pkcs7", Name: "create_pkcs7", Arguments: []any{"a", "b", "no"}})
	require.NoError(t, err)
	assert.NotNil(t, resp)

	_, err = wrapped.Invoke(ctx, agent.Call{Plugin: "pfx", Name: "load_key"})
	var rejected *agent.RejectedError
	assert.ErrorAs(t, err, &rejected)

	_, err = wrapped.Invoke(ctx, agent.Call{Plugin: "certkey", Name: "load_key"})
	var transport *agent.TransportError
	assert.ErrorAs(t, err, &transport)

	lines := logLines(t, &buf)
	require.Len(t, lines, 3)

	assert.Equal(t, "debug", lines[0]["level"])
	assert.Equal(t, "pkcs7", lines[0]["plugin"])
	assert.Equal(t, "create_pkcs7", lines[0]["name"])
	assert.Equal(t, float64(3), lines[0]["args"])

	assert.Equal(t, "warn", lines[1]["level"])
	assert.Equal(t, "wrong password", lines[1]["reason"])

	assert.Equal(t, "error", lines[2]["level"])
	assert.Contains(t, lines[2]["error"], "connection refused")

	assert.Len(t, gw.Calls(), 3)
}

func TestSetup(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, Setup(false).GetLevel())
	assert.Equal(t, zerolog.DebugLevel, Setup(true).GetLevel())
}
