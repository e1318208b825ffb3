package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppCommands(t *testing.T) {
	app := newApp("test")
	assert.Contains(t, app.Version, "test")
	for _, name := range []string{"run", "list", "ping", "serve", "users", "version", "api-version",
		"update-check", "tunnel", "modems", "overview", "dump", "devices", "history"} {
		assert.NotNil(t, app.Command(name), name)
	}
}

func TestAppList(t *testing.T) {
	t.Setenv("TGCTL_HISTORY_PATH", t.TempDir())
	app := newApp("test")
	require.NoError(t, app.Run([]string{"tgctl", "-q", "--env-file", "/nonexistent/.env", "list"}))
}

func TestAppArgumentErrors(t *testing.T) {
	app := newApp("test")
	assert.Error(t, app.Run([]string{"tgctl", "-q", "run"}))
	assert.Error(t, app.Run([]string{"tgctl", "-q", "--env-file", "/nonexistent/.env", "dump"}))
}
