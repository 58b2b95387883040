package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	API          APIConfig          `yaml:"api"`
	Database     DatabaseConfig     `yaml:"database"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	License      LicenseConfig      `yaml:"license"`
	Peer         PeerConfig         `yaml:"peer"`
	Snapshot     SnapshotConfig     `yaml:"snapshot"`
	SyncLog      SyncLogConfig      `yaml:"sync_log"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig points at the remote sync server.
type ServerConfig struct {
	URL     string   `yaml:"url"`
	Token   string   `yaml:"-"` // env-only, never in YAML
	Timeout Duration `yaml:"timeout"`
}

// APIConfig contains settings for the local control API.
type APIConfig struct {
	Port            int      `yaml:"port"`
	Key             string   `yaml:"-"` // env-only, never in YAML
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains local store settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig contains sync engine settings.
type SyncConfig struct {
	Interval       Duration `yaml:"interval"`
	PushBatchSize  int      `yaml:"push_batch_size"`
	RetryMax       int      `yaml:"retry_max"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
}

// ConnectivityConfig contains connection monitor settings.
type ConnectivityConfig struct {
	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
}

// LicenseConfig contains license guard settings.
type LicenseConfig struct {
	GracePeriodDays int    `yaml:"grace_period_days"`
	PublicKey       string `yaml:"public_key"` // base64-encoded Ed25519 key
}

// PeerConfig contains local peer broadcast settings.
type PeerConfig struct {
	Addresses []string `yaml:"addresses"`
	TenantID  string   `yaml:"tenant_id"`
}

// SnapshotConfig contains S3-compatible backup upload settings.
// An empty bucket disables snapshot uploads entirely.
type SnapshotConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool    `yaml:"use_ssl"`
	Interval  Duration `yaml:"interval"`
}

// SyncLogConfig bounds the audit trail.
type SyncLogConfig struct {
	MaxEntries    int      `yaml:"max_entries"`
	MaxAge        Duration `yaml:"max_age"`
	PruneInterval Duration `yaml:"prune_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("OUTPOST_CONFIG_PATH", "config/outpost.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Timeout: Duration(30 * time.Second),
		},
		API: APIConfig{
			Port:            8091,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/outpost.db",
		},
		Sync: SyncConfig{
			Interval:       Duration(5 * time.Minute),
			PushBatchSize:  100,
			RetryMax:       3,
			RetryBaseDelay: Duration(1 * time.Second),
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: Duration(30 * time.Second),
			ProbeTimeout:  Duration(5 * time.Second),
		},
		License: LicenseConfig{
			GracePeriodDays: 14,
		},
		Snapshot: SnapshotConfig{
			Region:   "us-east-1",
			Interval: Duration(1 * time.Hour),
		},
		SyncLog: SyncLogConfig{
			MaxEntries:    500,
			MaxAge:        Duration(30 * 24 * time.Hour),
			PruneInterval: Duration(1 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Remote server
	if v := os.Getenv("OUTPOST_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("OUTPOST_SERVER_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("OUTPOST_SERVER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.Timeout = Duration(d)
		}
	}

	// Local API
	if v := os.Getenv("OUTPOST_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("OUTPOST_API_KEY"); v != "" {
		cfg.API.Key = v
	}

	// Database
	if v := os.Getenv("OUTPOST_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Sync
	if v := os.Getenv("OUTPOST_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}
	if v := os.Getenv("OUTPOST_PUSH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.PushBatchSize = n
		}
	}

	// Connectivity
	if v := os.Getenv("OUTPOST_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Connectivity.ProbeInterval = Duration(d)
		}
	}

	// License
	if v := os.Getenv("OUTPOST_GRACE_PERIOD_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.License.GracePeriodDays = n
		}
	}
	if v := os.Getenv("OUTPOST_LICENSE_PUBKEY"); v != "" {
		cfg.License.PublicKey = v
	}

	// Snapshot storage
	if v := os.Getenv("OUTPOST_SNAPSHOT_ENDPOINT"); v != "" {
		cfg.Snapshot.Endpoint = v
	}
	if v := os.Getenv("OUTPOST_SNAPSHOT_BUCKET"); v != "" {
		cfg.Snapshot.Bucket = v
	}
	if v := os.Getenv("OUTPOST_SNAPSHOT_ACCESS_KEY"); v != "" {
		cfg.Snapshot.AccessKey = v
	}
	if v := os.Getenv("OUTPOST_SNAPSHOT_SECRET_KEY"); v != "" {
		cfg.Snapshot.SecretKey = v
	}

	// Log
	if v := os.Getenv("OUTPOST_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OUTPOST_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (OUTPOST_DEV_MODE=true), credential validation is skipped.
func (c *Config) validate() error {
	if c.Sync.PushBatchSize < 1 {
		return errors.New("sync.push_batch_size must be >= 1")
	}
	if c.License.GracePeriodDays < 0 {
		return errors.New("license.grace_period_days must be >= 0")
	}

	if os.Getenv("OUTPOST_DEV_MODE") == "true" {
		return nil
	}

	if c.Server.URL == "" {
		return errors.New("OUTPOST_SERVER_URL is required")
	}
	if c.Server.Token == "" {
		return errors.New("OUTPOST_SERVER_TOKEN is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
