package session

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds session store configuration from YAML.
type Config struct {
	// URI selects and configures the backend, e.g. "memory://",
	// "redis://localhost:6379/0", "mongodb://localhost:27017/convokit".
	// The scheme picks the factory; the remainder is backend-specific.
	URI string `yaml:"uri"`

	// TTL is the session retention window as a Go duration string
	// (e.g. "24h"). Empty means the backend default.
	TTL string `yaml:"ttl,omitempty"`

	// PoolSize is the connection pool size for networked backends.
	PoolSize int `yaml:"pool_size,omitempty"`

	// KeyPrefix namespaces keys on key-value backends.
	KeyPrefix string `yaml:"key_prefix,omitempty"`

	// MetricsPort exposes Prometheus metrics and health endpoints when
	// non-zero.
	MetricsPort int `yaml:"metrics_port,omitempty"`
}

// DefaultConfig returns the default session store configuration.
func DefaultConfig() Config {
	return Config{
		URI: "memory://",
		TTL: "24h",
	}
}

// LoadConfig reads a YAML config file, applying defaults for unset fields.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) // #nosec G304 - caller-supplied config path
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("storage URI is required")
	}
	if c.TTL != "" {
		if _, err := time.ParseDuration(c.TTL); err != nil {
			return fmt.Errorf("invalid ttl %q: %w", c.TTL, err)
		}
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("pool size cannot be negative")
	}
	return nil
}

// Options converts the configuration into registry options.
func (c Config) Options() (Options, error) {
	opts := Options{
		PoolSize:  c.PoolSize,
		KeyPrefix: c.KeyPrefix,
	}
	if c.TTL != "" {
		ttl, err := time.ParseDuration(c.TTL)
		if err != nil {
			return Options{}, fmt.Errorf("invalid ttl %q: %w", c.TTL, err)
		}
		opts.TTL = ttl
	}
	return opts, nil
}
