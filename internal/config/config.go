package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration encoded as a string such as "500ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.wsync/config.toml. Every key can be
// overridden by a WSYNC_ prefixed environment variable.
type Config struct {
	DefaultAccount string `toml:"default_account" env:"DEFAULT_ACCOUNT"`
	BackendURL     string `toml:"backend_url" env:"BACKEND_URL"`
	LogLevel       string `toml:"log_level" env:"LOG_LEVEL"`
	MetricsAddr    string `toml:"metrics_addr" env:"METRICS_ADDR"`
	MaxAccounts    int    `toml:"max_accounts" env:"MAX_ACCOUNTS"`
	// TokenStore is "file" (accounts.toml) or "keyring".
	TokenStore string `toml:"token_store" env:"TOKEN_STORE"`

	Sync      SyncConfig      `toml:"sync" envPrefix:"SYNC_"`
	Transport TransportConfig `toml:"transport" envPrefix:"TRANSPORT_"`
}

// SyncConfig tunes the per-account scheduler.
type SyncConfig struct {
	TickInterval     Duration `toml:"tick_interval" env:"TICK_INTERVAL"`
	MaxInFlight      int      `toml:"max_in_flight" env:"MAX_IN_FLIGHT"`
	PrekeyBatchSize  int      `toml:"prekey_batch_size" env:"PREKEY_BATCH_SIZE"`
	UserBatchSize    int      `toml:"user_batch_size" env:"USER_BATCH_SIZE"`
	NotificationPage int      `toml:"notification_page_size" env:"NOTIFICATION_PAGE_SIZE"`
	// PhaseRetries bounds transient retries of one sync phase step.
	PhaseRetries int `toml:"phase_retries" env:"PHASE_RETRIES"`
}

// TransportConfig tunes the backend HTTP client.
type TransportConfig struct {
	RequestTimeout    Duration `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
	RequestsPerSecond float64  `toml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Burst             int      `toml:"burst" env:"BURST"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		BackendURL:  "http://localhost:8080",
		LogLevel:    "info",
		MaxAccounts: 3,
		TokenStore:  "file",
		Sync: SyncConfig{
			TickInterval:     Duration{500 * time.Millisecond},
			MaxInFlight:      4,
			PrekeyBatchSize:  128,
			UserBatchSize:    100,
			NotificationPage: 500,
			PhaseRetries:     3,
		},
		Transport: TransportConfig{
			RequestTimeout:    Duration{30 * time.Second},
			RequestsPerSecond: 20,
			Burst:             10,
		},
	}
}

// Load reads config from the given path on top of the defaults, then
// applies environment overrides. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return finish(cfg)
}

// LoadOrDefault is Load that falls back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return finish(Default())
	}
	return cfg, err
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the scheduler cannot work with.
func (c *Config) Validate() error {
	if c.MaxAccounts < 1 {
		return fmt.Errorf("max_accounts must be at least 1, got %d", c.MaxAccounts)
	}
	if c.TokenStore != "file" && c.TokenStore != "keyring" {
		return fmt.Errorf("token_store must be \"file\" or \"keyring\", got %q", c.TokenStore)
	}
	if c.Sync.TickInterval.Duration <= 0 {
		return fmt.Errorf("sync.tick_interval must be positive")
	}
	if c.Sync.MaxInFlight < 1 {
		return fmt.Errorf("sync.max_in_flight must be at least 1, got %d", c.Sync.MaxInFlight)
	}
	if c.Sync.PrekeyBatchSize < 1 {
		return fmt.Errorf("sync.prekey_batch_size must be at least 1, got %d", c.Sync.PrekeyBatchSize)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
