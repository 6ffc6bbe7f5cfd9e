// Package config loads msgsearch configuration from defaults, YAML files and
// MSGSEARCH_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/Aman-CERP/msgsearch/internal/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MSGSEARCH_"

// Config represents the complete msgsearch configuration.
type Config struct {
	Version  int            `yaml:"version" json:"version"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Store    StoreConfig    `yaml:"store" json:"store"`
	Index    IndexConfig    `yaml:"index" json:"index"`
	Channel  ChannelConfig  `yaml:"channel" json:"channel"`
	Ingest   IngestConfig   `yaml:"ingest" json:"ingest"`
	Consumer ConsumerConfig `yaml:"consumer" json:"consumer"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	LogLevel        string        `yaml:"log_level" json:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// StoreConfig selects and configures the primary message store.
type StoreConfig struct {
	// Backend is one of sqlite, postgres or memory.
	Backend string `yaml:"backend" json:"backend"`
	// Path is the SQLite database file. ":memory:" keeps it in process.
	Path string `yaml:"path" json:"path"`
	// DSN is the PostgreSQL connection string.
	DSN      string `yaml:"dsn" json:"dsn"`
	MaxConns int32  `yaml:"max_conns" json:"max_conns"`
}

// IndexConfig configures the search index.
type IndexConfig struct {
	// Path is the directory holding bleve indexes. Empty keeps indexes in memory.
	Path string `yaml:"path" json:"path"`
	Name string `yaml:"name" json:"name"`
}

// ChannelConfig selects and configures the event channel.
type ChannelConfig struct {
	// Backend is one of memory, nats or redis.
	Backend         string        `yaml:"backend" json:"backend"`
	URL             string        `yaml:"url" json:"url"`
	Topic           string        `yaml:"topic" json:"topic"`
	Partitions      int           `yaml:"partitions" json:"partitions"`
	Group           string        `yaml:"group" json:"group"`
	RedeliveryDelay time.Duration `yaml:"redelivery_delay" json:"redelivery_delay"`
	AckWait         time.Duration `yaml:"ack_wait" json:"ack_wait"`
}

// IngestConfig tunes event publication after persistence.
type IngestConfig struct {
	PublishRetries     int           `yaml:"publish_retries" json:"publish_retries"`
	PublishTimeout     time.Duration `yaml:"publish_timeout" json:"publish_timeout"`
	BreakerMaxFailures int           `yaml:"breaker_max_failures" json:"breaker_max_failures"`
	BreakerReset       time.Duration `yaml:"breaker_reset" json:"breaker_reset"`
}

// Poison policies for events that keep failing.
const (
	PoisonRedeliver  = "redeliver"
	PoisonDrop       = "drop"
	PoisonDeadLetter = "dead_letter"
)

// ConsumerConfig tunes the indexing consumer.
type ConsumerConfig struct {
	MaxDeliveries   int    `yaml:"max_deliveries" json:"max_deliveries"`
	PoisonPolicy    string `yaml:"poison_policy" json:"poison_policy"`
	DeadLetterTopic string `yaml:"dead_letter_topic" json:"dead_letter_topic"`
	// DedupeCacheSize bounds the recently-applied id cache. 0 disables it.
	DedupeCacheSize int `yaml:"dedupe_cache_size" json:"dedupe_cache_size"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	FilePath  string `yaml:"file_path" json:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
	Stderr    bool   `yaml:"stderr" json:"stderr"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			Addr:            ":3000",
			LogLevel:        "info",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:  "sqlite",
			Path:     filepath.Join(defaultDataDir(), "messages.db"),
			MaxConns: 10,
		},
		Index: IndexConfig{
			Path: filepath.Join(defaultDataDir(), "index"),
			Name: "messages",
		},
		Channel: ChannelConfig{
			Backend:         "memory",
			Topic:           "message.created",
			Partitions:      3,
			Group:           "message-indexer",
			RedeliveryDelay: time.Second,
			AckWait:         30 * time.Second,
		},
		Ingest: IngestConfig{
			PublishRetries:     2,
			PublishTimeout:     5 * time.Second,
			BreakerMaxFailures: 5,
			BreakerReset:       30 * time.Second,
		},
		Consumer: ConsumerConfig{
			MaxDeliveries:   5,
			PoisonPolicy:    PoisonRedeliver,
			DeadLetterTopic: "message.created.dlq",
			DedupeCacheSize: 10000,
		},
		Logging: LoggingConfig{
			FilePath:  "", // Empty uses ~/.msgsearch/logs/server.log
			MaxSizeMB: 10,
			MaxFiles:  5,
			Stderr:    true,
		},
	}
}

// defaultDataDir returns ~/.msgsearch, falling back to the temp dir.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".msgsearch")
	}
	return filepath.Join(home, ".msgsearch")
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/msgsearch/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/msgsearch/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "msgsearch", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "msgsearch", "config.yaml")
	}
	return filepath.Join(home, ".config", "msgsearch", "config.yaml")
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// Load loads configuration for the given working directory.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/msgsearch/config.yaml)
//  3. Project config (explicitPath, or msgsearch.yaml in dir)
//  4. Environment variables (MSGSEARCH_*)
func Load(dir, explicitPath string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if explicitPath != "" {
		if !fileExists(explicitPath) {
			return nil, apperrors.New(apperrors.ErrCodeConfigNotFound,
				fmt.Sprintf("config file not found: %s", explicitPath), nil).
				WithSuggestion("Create one with 'msgsearch config init' or drop --config")
		}
		if err := cfg.loadYAML(explicitPath); err != nil {
			return nil, err
		}
	} else if err := cfg.loadFromDir(dir); err != nil {
		return nil, err
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromDir loads msgsearch.yaml, or msgsearch.yml, from dir if present.
func (c *Config) loadFromDir(dir string) error {
	for _, name := range []string{"msgsearch.yaml", "msgsearch.yml"} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			return c.loadYAML(path)
		}
	}
	return nil
}

// loadYAML decodes a YAML file over the current values.
// Keys absent from the file keep their current value, so an explicit
// false or zero in the file still wins.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies MSGSEARCH_* environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"ADDR":              &c.Server.Addr,
		"LOG_LEVEL":         &c.Server.LogLevel,
		"STORE_BACKEND":     &c.Store.Backend,
		"STORE_PATH":        &c.Store.Path,
		"STORE_DSN":         &c.Store.DSN,
		"INDEX_PATH":        &c.Index.Path,
		"INDEX_NAME":        &c.Index.Name,
		"CHANNEL_BACKEND":   &c.Channel.Backend,
		"CHANNEL_URL":       &c.Channel.URL,
		"CHANNEL_TOPIC":     &c.Channel.Topic,
		"CHANNEL_GROUP":     &c.Channel.Group,
		"POISON_POLICY":     &c.Consumer.PoisonPolicy,
		"DEAD_LETTER_TOPIC": &c.Consumer.DeadLetterTopic,
		"LOG_FILE":          &c.Logging.FilePath,
	}
	for key, dst := range strs {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CHANNEL_PARTITIONS": &c.Channel.Partitions,
		"PUBLISH_RETRIES":    &c.Ingest.PublishRetries,
		"MAX_DELIVERIES":     &c.Consumer.MaxDeliveries,
		"DEDUPE_CACHE_SIZE":  &c.Consumer.DedupeCacheSize,
	}
	for key, dst := range ints {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s must be an integer, got %q", EnvPrefix, key, v)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"PUBLISH_TIMEOUT":  &c.Ingest.PublishTimeout,
		"SHUTDOWN_TIMEOUT": &c.Server.ShutdownTimeout,
		"REDELIVERY_DELAY": &c.Channel.RedeliveryDelay,
	}
	for key, dst := range durations {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s must be a duration, got %q", EnvPrefix, key, v)
			}
			*dst = d
		}
	}

	if v := os.Getenv(EnvPrefix + "LOG_STDERR"); v != "" {
		c.Logging.Stderr = strings.ToLower(v) == "true" || v == "1"
	}
	return nil
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be 'sqlite', 'postgres' or 'memory', got %s", c.Store.Backend)
	}

	switch c.Channel.Backend {
	case "memory":
	case "nats", "redis":
		if c.Channel.URL == "" {
			return fmt.Errorf("channel.url is required for the %s backend", c.Channel.Backend)
		}
	default:
		return fmt.Errorf("channel.backend must be 'memory', 'nats' or 'redis', got %s", c.Channel.Backend)
	}

	if c.Channel.Topic == "" {
		return fmt.Errorf("channel.topic must not be empty")
	}
	if c.Channel.Partitions < 1 {
		return fmt.Errorf("channel.partitions must be at least 1, got %d", c.Channel.Partitions)
	}
	if c.Channel.Group == "" {
		return fmt.Errorf("channel.group must not be empty")
	}
	if c.Index.Name == "" {
		return fmt.Errorf("index.name must not be empty")
	}

	if c.Ingest.PublishRetries < 0 {
		return fmt.Errorf("ingest.publish_retries must be non-negative, got %d", c.Ingest.PublishRetries)
	}
	if c.Ingest.PublishTimeout <= 0 {
		return fmt.Errorf("ingest.publish_timeout must be positive")
	}

	switch c.Consumer.PoisonPolicy {
	case PoisonRedeliver, PoisonDrop:
	case PoisonDeadLetter:
		if c.Consumer.DeadLetterTopic == "" || c.Consumer.DeadLetterTopic == c.Channel.Topic {
			return fmt.Errorf("consumer.dead_letter_topic must be set and differ from channel.topic")
		}
	default:
		return fmt.Errorf("consumer.poison_policy must be 'redeliver', 'drop' or 'dead_letter', got %s", c.Consumer.PoisonPolicy)
	}
	if c.Consumer.MaxDeliveries < 1 {
		return fmt.Errorf("consumer.max_deliveries must be at least 1, got %d", c.Consumer.MaxDeliveries)
	}
	if c.Consumer.DedupeCacheSize < 0 {
		return fmt.Errorf("consumer.dedupe_cache_size must be non-negative, got %d", c.Consumer.DedupeCacheSize)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file, creating parent dirs.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
