package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// HTTPConfig holds outbound settings for remote tracker calls.
type HTTPConfig struct {
	TimeoutSec int     `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	MaxRetries int     `mapstructure:"max_retries" yaml:"max_retries"`
	RateLimit  float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst  int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// SyncConfig holds cache and refresh settings.
type SyncConfig struct {
	// FetchTimeoutSec bounds a whole live fetch, across all remote calls.
	FetchTimeoutSec int `mapstructure:"fetch_timeout_sec" yaml:"fetch_timeout_sec"`

	// StaleGraceMs is how long a caller waits on a refresh before being
	// served the existing snapshot. Zero waits for the refresh.
	StaleGraceMs int `mapstructure:"stale_grace_ms" yaml:"stale_grace_ms"`

	// MaxStalenessMin caps how old a snapshot may be and still be served
	// after a failed refresh. Zero means no cap.
	MaxStalenessMin int `mapstructure:"max_staleness_min" yaml:"max_staleness_min"`

	// PollIntervalSec is the background warming interval of `watch`.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// KeyringConfig controls the OS keyring master secret provider.
type KeyringConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	FileDir string `mapstructure:"file_dir" yaml:"file_dir"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	DBPath    string        `mapstructure:"db_path" yaml:"db_path"`
	SecretKey string        `mapstructure:"secret_key" yaml:"-"`
	LogLevel  string        `mapstructure:"log_level" yaml:"log_level"`
	HTTP      HTTPConfig    `mapstructure:"http" yaml:"http"`
	Sync      SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Keyring   KeyringConfig `mapstructure:"keyring" yaml:"keyring"`
}

// configDir returns ~/.config/roadmap-sync, or "." when the home directory
// is unknown.
func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "roadmap-sync")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/roadmap-sync/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(configDir(), "roadmap.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("http.timeout_sec", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.rate_limit", 10.0)
	v.SetDefault("http.rate_burst", 5)
	v.SetDefault("sync.fetch_timeout_sec", 60)
	v.SetDefault("sync.stale_grace_ms", 0)
	v.SetDefault("sync.max_staleness_min", 0)
	v.SetDefault("sync.poll_interval_sec", 300)
	v.SetDefault("keyring.enabled", true)
	v.SetDefault("keyring.file_dir", filepath.Join(configDir(), "credentials"))
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Every key can be overridden by a ROADMAP_-prefixed environment variable
// (ROADMAP_SECRET_KEY, ROADMAP_HTTP_TIMEOUT_SEC, ...). A missing file is not
// an error.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ROADMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	// AutomaticEnv only applies to keys viper already knows about.
	_ = v.BindEnv("secret_key")

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed. The secret key is never written.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("db_path", cfg.DBPath)
	v.Set("log_level", cfg.LogLevel)
	v.Set("http", cfg.HTTP)
	v.Set("sync", cfg.Sync)
	v.Set("keyring", cfg.Keyring)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
