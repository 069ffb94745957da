package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONAuditShape(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, FormatJSON, "debug")
	Audit(context.Background(), logger, "case.created", "case_id", "c1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "case.created", rec["msg"])
	assert.Equal(t, "case.created", rec["event"])
	assert.Equal(t, "c1", rec["case_id"])
	assert.Equal(t, "stagegate", rec["service"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}

func TestNilLoggerIsSafe(t *testing.T) {
	Audit(context.Background(), nil, "x")
	OrDiscard(nil).Info("dropped")
}
