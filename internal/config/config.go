package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults for the sync tunables. These mirror the backend contract and
// should rarely need overriding.
const (
	DefaultRegistryCapacity   = 20
	DefaultSweepInterval      = 10 * time.Minute
	DefaultMaxSubscriptionAge = time.Hour
	DefaultResubscribeDelay   = 3 * time.Second
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultRefreshInterval    = 30 * time.Second
)

// Duration is a time.Duration that decodes from TOML strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for toml decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler for toml encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config represents the global ~/.passd/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	BackendURL     string `toml:"backend_url"`
	UserID         string `toml:"user_id"`
	Username       string `toml:"username"`
	Sync           Sync   `toml:"sync"`
}

// Sync holds the realtime sync tunables. Zero values fall back to the
// package defaults via Normalize.
type Sync struct {
	RegistryCapacity   int      `toml:"registry_capacity"`
	SweepInterval      Duration `toml:"sweep_interval"`
	MaxSubscriptionAge Duration `toml:"max_subscription_age"`
	ResubscribeDelay   Duration `toml:"resubscribe_delay"`
	HeartbeatInterval  Duration `toml:"heartbeat_interval"`
	RefreshInterval    Duration `toml:"refresh_interval"`
}

// Normalize fills zero-valued sync tunables with their defaults.
func (c *Config) Normalize() {
	if c.Sync.RegistryCapacity <= 0 {
		c.Sync.RegistryCapacity = DefaultRegistryCapacity
	}
	if c.Sync.SweepInterval <= 0 {
		c.Sync.SweepInterval = Duration(DefaultSweepInterval)
	}
	if c.Sync.MaxSubscriptionAge <= 0 {
		c.Sync.MaxSubscriptionAge = Duration(DefaultMaxSubscriptionAge)
	}
	if c.Sync.ResubscribeDelay <= 0 {
		c.Sync.ResubscribeDelay = Duration(DefaultResubscribeDelay)
	}
	if c.Sync.HeartbeatInterval <= 0 {
		c.Sync.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	}
	if c.Sync.RefreshInterval <= 0 {
		c.Sync.RefreshInterval = Duration(DefaultRefreshInterval)
	}
}

// Load reads config from the given path and applies defaults. Returns an
// error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
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
