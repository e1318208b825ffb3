package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLevel(t *testing.T) {
	assert.Equal(t, zapcore.InfoLevel, level(Config{}))
	assert.Equal(t, zapcore.DebugLevel, level(Config{Verbose: 1}))
	assert.Equal(t, zapcore.WarnLevel, level(Config{Quiet: true}))
	assert.Equal(t, zapcore.WarnLevel, level(Config{Quiet: true, Verbose: 2}))
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tgctl.log")
	lg, cleanup, err := NewLogger(Config{NoColor: true, File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	lg.Info("port created")
	require.NoError(t, cleanup(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"port created"`)
}
