package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReloadsOnChange(t *testing.T) {
	// Given: a project config and a running watcher
	xdg := isolate(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "msgsearch.yaml")
	writeFile(t, path, "server:\n  log_level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, dir, "", 20*time.Millisecond, func(c *Config) { reloaded <- c })
	}()
	time.Sleep(100 * time.Millisecond)

	// When: the log level is changed
	writeFile(t, path, "server:\n  log_level: debug\n")

	// Then: the new configuration is delivered
	select {
	case c := <-reloaded:
		assert.Equal(t, "debug", c.Server.LogLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after config change")
	}

	// When: the file becomes invalid, then valid again
	writeFile(t, path, "server:\n  log_level: loud\n")
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, reloaded, "invalid configuration is not delivered")
	writeFile(t, path, "server:\n  log_level: warn\n")

	select {
	case c := <-reloaded:
		assert.Equal(t, "warn", c.Server.LogLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after config fixed")
	}

	// When: an unrelated file in the user config dir changes
	writeFile(t, filepath.Join(xdg, "msgsearch", "other.yaml"), "x: 1\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "hello")
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, reloaded)

	cancel()
	require.NoError(t, <-done)
}

func TestWatchedFiles(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	files := watchedFiles(dir, "")
	assert.True(t, files[filepath.Join(dir, "msgsearch.yaml")])
	assert.True(t, files[filepath.Join(dir, "msgsearch.yml")])
	assert.True(t, files[GetUserConfigPath()])

	explicit := filepath.Join(dir, "custom.yaml")
	files = watchedFiles(dir, explicit)
	assert.True(t, files[explicit])
	assert.False(t, files[filepath.Join(dir, "msgsearch.yaml")])
}
