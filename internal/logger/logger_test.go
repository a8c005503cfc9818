package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LoopIn/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel("FATAL"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("whatever"))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(config.LoggerConfig{Level: "INFO", Format: "json"}, &buf)
	l.Debug("hidden")
	l.Info("shown", slog.String("component", "test"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"component":"test"`)
}

func TestSetupWritesFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	dir := filepath.Join(t.TempDir(), "logs")
	cfg := config.Default().Logger
	cfg.Directory = dir

	l, closer, err := Setup(cfg)
	require.NoError(t, err)
	l.Info("hello file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "loopin.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
}
