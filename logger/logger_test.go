package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log, err := build(DefaultConfig(), zapcore.AddSync(&buf))
	require.NoError(t, err)

	log.Named("trainer").Debug("hidden")
	log.Named("trainer").Info("epoch finished", zap.Int("epoch", 3))
	require.NoError(t, log.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "trainer", entry["logger"])
	assert.Equal(t, "epoch finished", entry["msg"])
	assert.Equal(t, 3.0, entry["epoch"])
	assert.Contains(t, entry, "time")
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "spendwise.log")
	cfg := DefaultConfig()
	cfg.Level = "debug"
	cfg.File = path

	var buf bytes.Buffer
	log, err := build(cfg, zapcore.AddSync(&buf))
	require.NoError(t, err)
	log.Debug("written to both sinks")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to both sinks")
	assert.Contains(t, buf.String(), "written to both sinks")
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	assert.Error(t, err)

	_, err = New(Config{Level: "info", Format: "xml"})
	assert.Error(t, err)

	log, err := New(Config{Level: "warn", Format: "console"})
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))
}
