// Package config loads the relay daemon's TOML configuration.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration.
type Config struct {
	// Listen is the TCP address the relay accepts clients on.
	Listen string `toml:"listen"`

	// DataDir holds the message store database.
	DataDir string `toml:"data_dir"`

	// AuthSecret is the HMAC secret shared with the session service.
	AuthSecret string `toml:"auth_secret"`

	// TokenTTL bounds the validity of tokens issued by the daemon's
	// own tooling.
	TokenTTL duration `toml:"token_ttl"`

	Logging Logging `toml:"logging"`
}

// Logging configures logrus output.
type Logging struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
	// Format is text or json.
	Format string `toml:"format"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:   "127.0.0.1:7100",
		DataDir:  "data",
		TokenTTL: duration{24 * time.Hour},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML configuration file, applying defaults for any
// field the file omits.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.AuthSecret == "" {
		return fmt.Errorf("config: auth_secret is required")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}
	return nil
}

// TokenLifetime returns the configured token TTL.
func (c *Config) TokenLifetime() time.Duration {
	if c.TokenTTL.Duration <= 0 {
		return 24 * time.Hour
	}
	return c.TokenTTL.Duration
}
