package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProductionLogsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "production")
	log.Debug("hidden")
	log.Info("Registration submitted", "code", "YEC-ABC123")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, "Registration submitted", rec["msg"])
	assert.Equal(t, "YEC-ABC123", rec["code"])
	assert.Equal(t, "production", rec["environment"])
}

func TestNewFansOutToExtraHandlers(t *testing.T) {
	var console, extra bytes.Buffer
	log := NewWithWriter(&console, "development",
		nil,
		slog.NewTextHandler(&extra, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)

	log.Info("only console")
	log.With("request_id", "r1").Warn("both")

	assert.Contains(t, console.String(), "only console")
	assert.Contains(t, console.String(), "both")
	assert.NotContains(t, extra.String(), "only console")
	assert.Contains(t, extra.String(), "request_id=r1")
}

func TestLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, Level("production"))
	assert.Equal(t, slog.LevelDebug, Level("staging"))
}
