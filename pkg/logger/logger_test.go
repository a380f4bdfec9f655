package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]interface{}{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_ComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LogLevelDebug)

	l.WithComponent("call").WithFields(String("session_id", "abc")).
		Info(context.Background(), "state changed", String("state", "active"), Int("n", 3))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "call", lines[0]["component"])
	assert.Equal(t, "abc", lines[0]["session_id"])
	assert.Equal(t, "active", lines[0]["state"])
	assert.Equal(t, float64(3), lines[0]["n"])
	assert.Equal(t, "state changed", lines[0]["msg"])
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LogLevelWarn)

	l.Debug(context.Background(), "скрыто")
	l.Info(context.Background(), "скрыто")
	l.Warn(context.Background(), "видно")
	assert.False(t, l.IsEnabled(LogLevelInfo))
	assert.True(t, l.IsEnabled(LogLevelError))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "видно", lines[0]["msg"])

	l.SetLevel(LogLevelDebug)
	assert.True(t, l.IsEnabled(LogLevelDebug))
}

func TestLogger_LogError(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LogLevelInfo)

	l.LogError(context.Background(), errors.New("boom"), "register failed")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "boom", lines[0]["error"])
	assert.Equal(t, "error", lines[0]["level"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LogLevelDebug, false},
		{"INFO", LogLevelInfo, false},
		{"", LogLevelInfo, false},
		{"warning", LogLevelWarn, false},
		{"verbose", LogLevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	_, err := New(Config{Level: "info", Format: "xml"})
	assert.Error(t, err)

	l, err := New(Config{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.True(t, l.IsEnabled(LogLevelDebug))
}
