// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error"`
	Code      string                 `json:"code"`
	Context   map[string]interface{} `json:"context"`
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []entry {
	t.Helper()
	var out []entry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e entry
		require.NoError(t, json.Unmarshal([]byte(line), &e), "line is not JSON: %s", line)
		out = append(out, e)
	}
	return out
}

// =====================================================
// Level Tests
// =====================================================

func TestLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name     string
		minLevel LogLevel
		logLevel LogLevel
		expected bool
	}{
		{"debug logs at debug", LevelDebug, LevelDebug, true},
		{"debug logs at info", LevelInfo, LevelDebug, false},
		{"info logs at info", LevelInfo, LevelInfo, true},
		{"info logs at warn", LevelWarn, LevelInfo, false},
		{"warn logs at error", LevelError, LevelWarn, false},
		{"error logs at debug", LevelDebug, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(&bytes.Buffer{}, tt.minLevel)
			assert.Equal(t, tt.expected, l.Enabled(tt.logLevel))
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}

// =====================================================
// Output Tests
// =====================================================

func TestLogger_InfoWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.Info("queue drained", Fields{"processed": 3, "run_id": "abc"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "INFO", lines[0].Level)
	assert.Equal(t, "queue drained", lines[0].Message)
	assert.NotEmpty(t, lines[0].Timestamp)
	assert.Equal(t, float64(3), lines[0].Context["processed"])
	assert.Equal(t, "abc", lines[0].Context["run_id"])
}

func TestLogger_ErrorIncludesErrorAndCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.ErrorWithCode("sync failed", "SYNC_FAILED", errors.New("timeout"), Fields{"attempt": 2})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "ERROR", lines[0].Level)
	assert.Equal(t, "timeout", lines[0].Error)
	assert.Equal(t, "SYNC_FAILED", lines[0].Code)
	assert.Equal(t, float64(2), lines[0].Context["attempt"])
}

func TestLogger_MergesContexts(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.Warn("merged", Fields{"a": 1}, Fields{"b": "two"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Len(t, lines[0].Context, 2)
}

func TestLogger_DebugSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.Debug("hidden")
	assert.Empty(t, buf.String())
}

// =====================================================
// Global Logger Tests
// =====================================================

func TestInitAndSetLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, LevelWarn)
	t.Cleanup(func() { Init(os.Stderr, LevelInfo) })

	Info("not written")
	assert.Empty(t, buf.String())

	SetLevel(LevelDebug)
	Debug("written now")
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "written now", lines[0].Message)
}

func TestConfigure_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sync.log")
	l := Configure(Options{Level: LevelInfo, File: path, MaxSizeMB: 1, Quiet: true})
	t.Cleanup(func() { Init(os.Stderr, LevelInfo) })

	Info("to file", Fields{"k": "v"})
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"to file"`)
}
