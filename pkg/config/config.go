package config

import (
	"time"

	toml "github.com/BurntSushi/toml"
	errors "github.com/pkg/errors"
)

// Duration is a time.Duration that decodes from a TOML string like "50ms".
type Duration struct {
	time.Duration
}

// NewDuration wraps d.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Wrapf(err, "invalid duration %q", text)
}

// MarshalText renders the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the lock server configuration.
type Config struct {
	// Bound on each individual blocking acquisition.
	LockAcquisitionTimeout Duration `toml:"lock-acquisition-timeout"`
	RegistryStripes        int      `toml:"registry-stripes"`
	LogLevel               string   `toml:"log-level"`
	ListenAddr             string   `toml:"listen-addr"`
	// Empty disables the /metrics endpoint.
	MetricsAddr string `toml:"metrics-addr"`
}

// NewDefault returns the built-in configuration.
func NewDefault() *Config {
	return &Config{
		LockAcquisitionTimeout: NewDuration(DefaultLockAcquisitionTimeout),
		RegistryStripes:        DefaultRegistryStripes,
		LogLevel:               DefaultLogLevel,
		ListenAddr:             DefaultListenAddr,
	}
}

// Load reads a TOML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := NewDefault()
	if path == "" {
		return cfg, nil
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("config %s contains undefined items: %v", path, undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for values the lock manager cannot use.
func (c *Config) Validate() error {
	if c.RegistryStripes <= 0 || c.RegistryStripes&(c.RegistryStripes-1) != 0 {
		return errors.Errorf("registry-stripes must be a positive power of two, got %d", c.RegistryStripes)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("unknown log-level %q", c.LogLevel)
	}
	if c.ListenAddr == "" {
		return errors.New("listen-addr must not be empty")
	}
	return nil
}
