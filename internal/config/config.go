// Package config loads pumpsync configuration from a YAML file, with
// environment overrides under the PUMPSYNC_ prefix.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full pumpsync configuration.
type Config struct {
	// DatabasePath is the SQLite sync-state database file.
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`

	// BaseURL is the aggregation service endpoint, e.g.
	// https://example.herokuapp.com. A trailing slash is tolerated.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// APISecret is the pre-shared upload secret. It is hashed before it
	// ever leaves the process.
	APISecret string `mapstructure:"api_secret" yaml:"api_secret"`

	// SpoolDir is the directory the device bridge spools decoded records
	// into (one JSON object per line, *.jsonl).
	SpoolDir string `mapstructure:"spool_dir" yaml:"spool_dir"`

	// Device is the device name stamped on uploaded documents.
	Device string `mapstructure:"device" yaml:"device"`

	// TickInterval is how often the daemon runs a sync pass.
	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`

	// PeerListen, when non-empty, is the address the state replication
	// listener binds (e.g. "127.0.0.1:9255"). Companion devices connect
	// here to mirror pump state.
	PeerListen string `mapstructure:"peer_listen" yaml:"peer_listen"`

	// PeerConnect, when non-empty, is a ws:// URL of another device's
	// replication listener to mirror from.
	PeerConnect string `mapstructure:"peer_connect" yaml:"peer_connect"`

	// LogFile, when non-empty, routes daemon logs to a rotated file
	// instead of stderr.
	LogFile string `mapstructure:"log_file" yaml:"log_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DatabasePath: filepath.Join(defaultDir(), "state.db"),
		SpoolDir:     filepath.Join(defaultDir(), "spool"),
		Device:       "pumpsync",
		TickInterval: 5 * time.Minute,
		PeerListen:   "127.0.0.1:9255",
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(defaultDir(), "config.yaml")
}

func defaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "pumpsync")
	}
	return ".pumpsync"
}

// Load reads the config file at path (DefaultPath when empty), applies
// defaults for unset keys, and applies PUMPSYNC_* environment overrides.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	def := Default()
	v.SetDefault("database_path", def.DatabasePath)
	v.SetDefault("base_url", def.BaseURL)
	v.SetDefault("api_secret", def.APISecret)
	v.SetDefault("spool_dir", def.SpoolDir)
	v.SetDefault("device", def.Device)
	v.SetDefault("tick_interval", def.TickInterval)
	v.SetDefault("peer_listen", def.PeerListen)
	v.SetDefault("peer_connect", def.PeerConnect)
	v.SetDefault("log_file", def.LogFile)

	v.SetEnvPrefix("PUMPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultPath()
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("tick_interval must be positive, got %v", cfg.TickInterval)
	}

	return &cfg, nil
}

// Write serializes cfg as YAML to path, creating parent directories.
// It refuses to overwrite an existing file.
func Write(cfg *Config, path string) error {
	if path == "" {
		path = DefaultPath()
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Shadow struct so the interval serializes as "5m0s" rather than
	// raw nanoseconds.
	out := struct {
		DatabasePath string `yaml:"database_path"`
		BaseURL      string `yaml:"base_url"`
		APISecret    string `yaml:"api_secret"`
		SpoolDir     string `yaml:"spool_dir"`
		Device       string `yaml:"device"`
		TickInterval string `yaml:"tick_interval"`
		PeerListen   string `yaml:"peer_listen"`
		PeerConnect  string `yaml:"peer_connect"`
		LogFile      string `yaml:"log_file"`
	}{
		DatabasePath: cfg.DatabasePath,
		BaseURL:      cfg.BaseURL,
		APISecret:    cfg.APISecret,
		SpoolDir:     cfg.SpoolDir,
		Device:       cfg.Device,
		TickInterval: cfg.TickInterval.String(),
		PeerListen:   cfg.PeerListen,
		PeerConnect:  cfg.PeerConnect,
		LogFile:      cfg.LogFile,
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	// The secret lives in this file, keep it private.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
