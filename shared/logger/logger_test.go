package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, output *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantLevel string
		wantMsgs  []string
	}{
		{
			name:      "debug logs everything",
			level:     "debug",
			wantLevel: "DEBUG",
			wantMsgs:  []string{"debug message", "info message", "warn message", "error message"},
		},
		{
			name:      "info skips debug",
			level:     "info",
			wantLevel: "INFO",
			wantMsgs:  []string{"info message", "warn message", "error message"},
		},
		{
			name:      "warn skips info",
			level:     "WARNING",
			wantLevel: "WARN",
			wantMsgs:  []string{"warn message", "error message"},
		},
		{
			name:      "error only",
			level:     "error",
			wantLevel: "ERROR",
			wantMsgs:  []string{"error message"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := &bytes.Buffer{}
			logger, err := New(&Config{Level: tt.level, Format: "json", writer: output})
			require.NoError(t, err)

			logger.Debug("debug message")
			logger.Info("info message")
			logger.Warn("warn message")
			logger.Error("error message", slog.String("job_id", "42"))

			entries := decodeLines(t, output)
			require.Len(t, entries, len(tt.wantMsgs))
			for i, entry := range entries {
				assert.Equal(t, tt.wantMsgs[i], entry["msg"])
				assert.Contains(t, entry, "time")
			}
			assert.Equal(t, tt.wantLevel, entries[0]["level"])
			assert.Equal(t, "42", entries[len(entries)-1]["job_id"])
		})
	}
}

func TestNew_Console(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Level: "info", Format: "console", TimeFormat: time.Kitchen, NoColor: true, writer: output})
	require.NoError(t, err)

	logger.Info("console test", slog.Int("count", 3))

	// tint abbreviates levels
	assert.Contains(t, output.String(), "INF")
	assert.Contains(t, output.String(), "console test")
	assert.Contains(t, output.String(), "count=3")
}

func TestNew_Source(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Level: "info", Format: "json", EnableSource: true, writer: output})
	require.NoError(t, err)

	logger.Info("message with source")

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	source, ok := entries[0]["source"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, source, "file")
	assert.Contains(t, source, "line")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maestro.log")

	logger, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)
	logger.Info("to file")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to file"`)
}

func TestNew_FileOutputInvalidPath(t *testing.T) {
	_, err := New(&Config{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"Trace", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"Information", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"Critical", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.level))
		})
	}
}

func TestLogger_Derived(t *testing.T) {
	output := &bytes.Buffer{}
	logger, err := New(&Config{Level: "info", Format: "json", writer: output})
	require.NoError(t, err)

	logger.Component("listener").Info("started")
	logger.WithAttrs(slog.String("workflow_id", "wf")).Info("attrs")
	logger.With("service", "api").Info("kv")
	logger.WithGroup("batch").Info("grouped", slog.Int("size", 5))

	entries := decodeLines(t, output)
	require.Len(t, entries, 4)
	assert.Equal(t, "listener", entries[0]["component"])
	assert.Equal(t, "wf", entries[1]["workflow_id"])
	assert.Equal(t, "api", entries[2]["service"])
	group, ok := entries[3]["batch"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(5), group["size"])
}

func TestNewDefaultAndNop(t *testing.T) {
	require.NotNil(t, NewDefault().Logger)

	nop := NewNop()
	nop.Error("dropped")
	assert.NoError(t, nop.Close())
}
