package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWritesStructuredLines(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})

	var buf bytes.Buffer
	logger := setup(&buf, "farm-escrow", "test", "debug")
	logger.Debug("escrow created", "escrow_id", "e1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "escrow created", line["message"])
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "farm-escrow", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "e1", line["escrow_id"])
	require.Contains(t, line, "timestamp")
}

func TestStdLogIsBridged(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})

	var buf bytes.Buffer
	setup(&buf, "farm-escrow", "", "info")
	log.Printf("listening on %s", ":8080")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "listening on :8080", line["message"])
	require.NotContains(t, line, "env")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
}
