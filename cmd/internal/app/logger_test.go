package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: " warning ", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, parseLogLevel(tc.in), "parseLogLevel(%q)", tc.in)
	}
}

func TestNewLogger_Formats(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	log := NewLogger("warn", "json", &buf)
	log.Info("dropped")
	log.Warn("conn.reconnect.start", "attempt", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "conn.reconnect.start", rec["msg"])
	assert.EqualValues(t, 2, rec["attempt"])
	assert.Contains(t, rec, "source")

	buf.Reset()
	log = NewLogger("debug", "pretty", &buf)
	log.Debug("auth.login.ok", "user_id", "100001")
	assert.Contains(t, buf.String(), "lvl=[DEBUG]")
	assert.Contains(t, buf.String(), "msg=auth.login.ok")
	assert.Contains(t, buf.String(), "user_id=100001")
	assert.NotContains(t, buf.String(), "\x1b[", "buffers never get color")

	buf.Reset()
	log = NewLogger("info", "text", &buf)
	log.Info("store.file", "path", "s.json")
	assert.Contains(t, buf.String(), "msg=store.file")
	assert.Same(t, log, slog.Default())
}
