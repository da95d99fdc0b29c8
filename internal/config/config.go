// Package config loads the license server configuration from CNW_*
// environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/CloudNativeWorks/cnw-license-engine/cnwlicense"
)

// Prefix is the environment variable prefix.
const Prefix = "CNW"

// Config represents the complete server configuration.
type Config struct {
	Server  ServerConfig  `envconfig:"SERVER"`
	Logging LoggingConfig `envconfig:"LOG"`
	Store   StoreConfig   `envconfig:"STORE"`
	KeysConfig
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"json"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres, mongo or redis.
	Driver string `envconfig:"DRIVER" default:"sqlite"`
	// DSN is the file path or connection URL of the store.
	DSN string `envconfig:"DSN" default:"file:licenses.db"`
	// Database is the MongoDB database name.
	Database string `envconfig:"DATABASE" default:"cnw_license"`
	// Prefix is prepended to table, collection or key names.
	Prefix string `envconfig:"PREFIX"`
}

// KeysConfig holds secrets and key material. It is embedded so its
// variables carry no section prefix, e.g. CNW_ENCRYPTION_KEY.
type KeysConfig struct {
	AdminAPIKey    string `envconfig:"ADMIN_API_KEY" required:"true"`
	EncryptionKey  string `envconfig:"ENCRYPTION_KEY"`
	EncryptionIV   string `envconfig:"ENCRYPTION_IV"`
	SigningSecret  string `envconfig:"LICENSE_SIGNING_SECRET"`
	SigningKeyFile string `envconfig:"SIGNING_KEY_FILE"`
}

var drivers = []string{"memory", "sqlite", "postgres", "mongo", "redis"}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if !contains(drivers, c.Store.Driver) {
		return fmt.Errorf("unknown store driver %q (want one of %s)", c.Store.Driver, strings.Join(drivers, ", "))
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}

// LogLevel parses Logging.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	return lvl, nil
}

// Engine converts the key material into a cnwlicense.Config. Unset values
// leave the matching feature disabled.
func (c *Config) Engine() (cnwlicense.Config, error) {
	var out cnwlicense.Config
	var err error
	if c.EncryptionKey != "" {
		if out.EncryptionKey, err = decodeHex("CNW_ENCRYPTION_KEY", c.EncryptionKey); err != nil {
			return out, err
		}
	}
	if c.EncryptionIV != "" {
		if out.FixedNonce, err = decodeHex("CNW_ENCRYPTION_IV", c.EncryptionIV); err != nil {
			return out, err
		}
	}
	if c.SigningSecret != "" {
		out.SigningSecret = []byte(c.SigningSecret)
	}
	if c.SigningKeyFile != "" {
		pemBytes, err := os.ReadFile(c.SigningKeyFile)
		if err != nil {
			return out, fmt.Errorf("%w: read signing key: %v", cnwlicense.ErrConfiguration, err)
		}
		if out.SigningKey, err = cnwlicense.ParsePrivateKeyPEM(pemBytes); err != nil {
			return out, err
		}
	}
	return out, nil
}

func decodeHex(name, v string) ([]byte, error) {
	b, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not hex: %v", cnwlicense.ErrConfiguration, name, err)
	}
	return b, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
