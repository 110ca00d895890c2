package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"Warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in))
		})
	}
}

func TestNewWritesJSONToDir(t *testing.T) {
	dir := t.TempDir()
	logger, closeFn, err := New(Options{Dir: dir, Level: "debug"})
	require.NoError(t, err)

	Component(logger, "lease").Info("claimed", "resource", "ws-1")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(filepath.Join(dir, "fleetd.log"))
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.Contains(t, line, `"component":"lease"`)
	assert.Contains(t, line, `"resource":"ws-1"`)
	assert.Contains(t, line, `"msg":"claimed"`)
}

func TestComponentNilLogger(t *testing.T) {
	logger := Component(nil, "presence")
	require.NotNil(t, logger)
	logger.Info("discarded")
}
