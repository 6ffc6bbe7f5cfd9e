package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Aman-CERP/msgsearch/internal/errors"
)

// isolate points the user config at an empty temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	for _, key := range []string{"ADDR", "LOG_LEVEL", "STORE_BACKEND", "CHANNEL_BACKEND", "CHANNEL_URL",
		"PUBLISH_RETRIES", "PUBLISH_TIMEOUT", "POISON_POLICY", "LOG_STDERR"} {
		t.Setenv(EnvPrefix+key, "")
	}
	return xdg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	// Given: no configuration file exists
	cfg := NewConfig()

	// Then: all defaults should be applied
	require.NotNil(t, cfg)
	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, ":3000", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Contains(t, cfg.Store.Path, "messages.db")
	assert.Equal(t, "messages", cfg.Index.Name)
	assert.Equal(t, "memory", cfg.Channel.Backend)
	assert.Equal(t, "message.created", cfg.Channel.Topic)
	assert.Equal(t, 3, cfg.Channel.Partitions)
	assert.Equal(t, 2, cfg.Ingest.PublishRetries)
	assert.Equal(t, PoisonRedeliver, cfg.Consumer.PoisonPolicy)
	assert.Equal(t, 5, cfg.Consumer.MaxDeliveries)
	assert.Equal(t, "message.created.dlq", cfg.Consumer.DeadLetterTopic)
	assert.Equal(t, 10000, cfg.Consumer.DedupeCacheSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Precedence(t *testing.T) {
	// Given: a user file, a project file and an env override touching overlapping keys
	xdg := isolate(t)
	writeFile(t, filepath.Join(xdg, "msgsearch", "config.yaml"), `
server:
  addr: ":4000"
  log_level: debug
ingest:
  publish_retries: 7
`)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "msgsearch.yaml"), `
server:
  addr: ":5000"
logging:
  stderr: false
`)
	t.Setenv("MSGSEARCH_PUBLISH_RETRIES", "4")

	// When: loading
	cfg, err := Load(dir, "")
	require.NoError(t, err)

	// Then: defaults < user < project < env
	assert.Equal(t, ":5000", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 4, cfg.Ingest.PublishRetries)
	assert.False(t, cfg.Logging.Stderr, "explicit false in a file must win over the default")
	assert.Equal(t, "sqlite", cfg.Store.Backend)
}

func TestLoad_ExplicitPathReplacesProjectDiscovery(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "msgsearch.yaml"), "server:\n  addr: \":5000\"\n")
	explicit := filepath.Join(t.TempDir(), "other.yaml")
	writeFile(t, explicit, "server:\n  addr: \":6000\"\nchannel:\n  redelivery_delay: 250ms\n")

	cfg, err := Load(dir, explicit)

	require.NoError(t, err)
	assert.Equal(t, ":6000", cfg.Server.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Channel.RedeliveryDelay)
}

func TestLoad_MissingExplicitPath(t *testing.T) {
	isolate(t)

	_, err := Load(t.TempDir(), filepath.Join(t.TempDir(), "absent.yaml"))

	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfigNotFound, apperrors.GetCode(err))
	assert.Contains(t, err.Error(), "absent.yaml")
}

func TestLoad_YmlFallback(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "msgsearch.yml"), "store:\n  backend: memory\n")

	cfg, err := Load(dir, "")

	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestLoad_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown store", "store:\n  backend: mongo\n"},
		{"postgres without dsn", "store:\n  backend: postgres\n"},
		{"nats without url", "channel:\n  backend: nats\n"},
		{"zero partitions", "channel:\n  partitions: 0\n"},
		{"unknown poison policy", "consumer:\n  poison_policy: shrug\n"},
		{"dead letter onto source topic", "consumer:\n  poison_policy: dead_letter\n  dead_letter_topic: message.created\n"},
		{"bad log level", "server:\n  log_level: loud\n"},
		{"malformed yaml", "server: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "msgsearch.yaml"), tt.yaml)

			_, err := Load(dir, "")
			assert.Error(t, err)
		})
	}
}

func TestLoad_RejectsMalformedEnv(t *testing.T) {
	isolate(t)
	t.Setenv("MSGSEARCH_PUBLISH_TIMEOUT", "soon")

	_, err := Load(t.TempDir(), "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "MSGSEARCH_PUBLISH_TIMEOUT")
}

func TestWriteYAML_RoundTrips(t *testing.T) {
	isolate(t)
	cfg := NewConfig()
	cfg.Channel.Backend = "redis"
	cfg.Channel.URL = "redis://localhost:6379/0"
	path := filepath.Join(t.TempDir(), "nested", "msgsearch.yaml")

	require.NoError(t, cfg.WriteYAML(path))
	loaded, err := Load(t.TempDir(), path)

	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestGetUserConfigPath_UsesXDG(t *testing.T) {
	xdg := isolate(t)
	assert.Equal(t, filepath.Join(xdg, "msgsearch", "config.yaml"), GetUserConfigPath())
	assert.False(t, UserConfigExists())
}
