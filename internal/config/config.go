// Package config loads the relay server configuration from a TOML file,
// environment variables and command line overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultListen          = ":8080"
	defaultDataDir         = "./data"
	defaultRetentionWindow = 24 * time.Hour
	defaultSweepInterval   = time.Minute
	defaultMaxFrameSize    = 64 << 10
	defaultMaxAttachment   = 8 << 20
	defaultConnRate        = 10
	defaultConnBurst       = 20
	defaultUpgradeRate     = 100
	defaultUpgradeBurst    = 200
	defaultSendQueue       = 64
)

// Duration is a time.Duration that decodes from strings such as "24h"
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Server is the network listener configuration.
type Server struct {
	Listen         string
	AllowedOrigins []string
	AllowSignup    *bool
}

// Storage locates the persisted state.
type Storage struct {
	// DataDir holds the badger identity/envelope store.
	DataDir string
	// BlobFile is the bbolt attachment store, relative to DataDir unless absolute.
	BlobFile string
}

// Retention controls envelope expiry.
type Retention struct {
	Window        Duration
	SweepInterval Duration
}

// Limits bounds per-connection resource usage.
type Limits struct {
	MaxFrameSize      int64
	MaxAttachmentSize int64
	ConnRate          float64
	ConnBurst         int
	UpgradeRate       float64
	UpgradeBurst      int
	SendQueue         int
}

// Logging selects level and output format.
type Logging struct {
	Level  string
	Format string
}

// Config is the top level server configuration.
type Config struct {
	Server    Server
	Storage   Storage
	Retention Retention
	Limits    Limits
	Logging   Logging
}

// SignupEnabled reports whether clients may create identities.
func (c *Config) SignupEnabled() bool {
	return c.Server.AllowSignup == nil || *c.Server.AllowSignup
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic("config: defaults do not validate: " + err.Error())
	}
	return cfg
}

// Load parses and validates the provided buffer b as a config file body.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: no nil buffer as config file")
	}

	cfg := new(Config)
	if _, err := toml.Decode(string(b), cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", f, err)
	}
	return Load(b)
}

// ApplyEnv overrides fields from PORT, DB_PATH, LOG_FORMAT and LOG_LEVEL.
func (c *Config) ApplyEnv() {
	if port := getEnvInt("PORT", 0); port > 0 {
		c.Server.Listen = fmt.Sprintf(":%d", port)
	}
	c.Storage.DataDir = getEnvString("DB_PATH", c.Storage.DataDir)
	c.Logging.Format = getEnvString("LOG_FORMAT", c.Logging.Format)
	c.Logging.Level = getEnvString("LOG_LEVEL", c.Logging.Level)
}

// FixupAndValidate applies defaults and rejects impossible settings.
func (c *Config) FixupAndValidate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = defaultListen
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:8080", "https://localhost:8080"}
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaultDataDir
	}
	if c.Storage.BlobFile == "" {
		c.Storage.BlobFile = "attachments.db"
	}
	if c.Retention.Window.Duration == 0 {
		c.Retention.Window.Duration = defaultRetentionWindow
	}
	if c.Retention.SweepInterval.Duration == 0 {
		c.Retention.SweepInterval.Duration = defaultSweepInterval
	}
	if c.Limits.MaxFrameSize == 0 {
		c.Limits.MaxFrameSize = defaultMaxFrameSize
	}
	if c.Limits.MaxAttachmentSize == 0 {
		c.Limits.MaxAttachmentSize = defaultMaxAttachment
	}
	if c.Limits.ConnRate == 0 {
		c.Limits.ConnRate = defaultConnRate
	}
	if c.Limits.ConnBurst == 0 {
		c.Limits.ConnBurst = defaultConnBurst
	}
	if c.Limits.UpgradeRate == 0 {
		c.Limits.UpgradeRate = defaultUpgradeRate
	}
	if c.Limits.UpgradeBurst == 0 {
		c.Limits.UpgradeBurst = defaultUpgradeBurst
	}
	if c.Limits.SendQueue == 0 {
		c.Limits.SendQueue = defaultSendQueue
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Retention.Window.Duration < 0 {
		return fmt.Errorf("config: Retention.Window must be positive, got %v", c.Retention.Window.Duration)
	}
	if c.Retention.SweepInterval.Duration < 0 {
		return fmt.Errorf("config: Retention.SweepInterval must be positive, got %v", c.Retention.SweepInterval.Duration)
	}
	if c.Limits.MaxFrameSize < 0 || c.Limits.MaxAttachmentSize < 0 {
		return errors.New("config: size limits must be positive")
	}
	if c.Limits.ConnBurst < 0 || c.Limits.UpgradeBurst < 0 || c.Limits.SendQueue < 0 {
		return errors.New("config: bursts and queue sizes must be positive")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: Logging.Format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
