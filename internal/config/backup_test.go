package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupFile_NoFile(t *testing.T) {
	path, err := BackupFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestBackupFile_CopiesAndPrunes(t *testing.T) {
	// Given: an existing config file
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("version: 1\n"), 0644))

	// When: backing it up more times than MaxBackups
	var last string
	for i := 0; i < MaxBackups+2; i++ {
		p, err := BackupFile(configPath)
		require.NoError(t, err)
		last = p
		time.Sleep(5 * time.Millisecond)
	}

	// Then: the content is preserved and only MaxBackups remain, newest first
	data, err := os.ReadFile(last)
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(data))

	backups, err := ListBackups(configPath)
	require.NoError(t, err)
	assert.Len(t, backups, MaxBackups)
	assert.Equal(t, last, backups[0])
}
