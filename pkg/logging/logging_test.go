package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad level", Config{Level: "loud", Format: "console"}},
		{"bad format", Config{Level: "info", Format: "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}

func TestChannelSink(t *testing.T) {
	sink := NewChannelSink(zapcore.InfoLevel, 2)
	logger, err := New(DefaultConfig(), WithoutConsole(), WithCore(sink))
	require.NoError(t, err)

	logger.Named("servo").With(zap.String("color", "red")).Info("converged")
	logger.Debug("hidden")

	line := <-sink.Lines()
	assert.Contains(t, line, "INFO")
	assert.Contains(t, line, "servo")
	assert.Contains(t, line, "converged")
	assert.Contains(t, line, `"color": "red"`)

	// a full channel drops instead of blocking
	for range 5 {
		logger.Warn("busy")
	}
	assert.Len(t, sink.Lines(), 2)
}

func TestNew_File(t *testing.T) {
	cfg := DefaultConfig()
	cfg.File = filepath.Join(t.TempDir(), "colorsort.log")

	logger, err := New(cfg, WithoutConsole())
	require.NoError(t, err)
	logger.Info("sort started", zap.String("run", "abcd1234"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(cfg.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"sort started"`)
	assert.Contains(t, string(data), `"run":"abcd1234"`)
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}
