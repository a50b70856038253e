// Package config provides configuration types and defaults for registrar.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// Config holds all configuration options for registrar.
type Config struct {
	Addr            string         `mapstructure:"addr"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdown_timeout"`
	Store           StoreConfig    `mapstructure:"store"`
	Registry        RegistryConfig `mapstructure:"registry"`
	Entity          EntityConfig   `mapstructure:"entity"`
	Engine          EngineConfig   `mapstructure:"engine"`
	Log             LogConfig      `mapstructure:"log"`
	Trace           TraceConfig    `mapstructure:"trace"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	// DSN is a file path for sqlite, a connection string for postgres, an
	// address or redis:// URL for redis and a mongodb:// URI for mongo.
	DSN string `mapstructure:"dsn"`
	// Prefix is the redis key prefix or the mongo database name.
	Prefix string `mapstructure:"prefix"`
}

// RegistryConfig holds registry behavior.
type RegistryConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// EntityConfig configures the entity host.
type EntityConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	MailboxSize int           `mapstructure:"mailbox_size"`
}

// EngineConfig configures the orchestration engine.
type EngineConfig struct {
	LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
	SignalPollInterval time.Duration `mapstructure:"signal_poll_interval"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

// TraceConfig enables OpenTelemetry spans written to stdout.
type TraceConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Addr:            ":7071",
		ShutdownTimeout: 10 * time.Second,
		Store: StoreConfig{
			Backend: BackendMemory,
		},
		Registry: RegistryConfig{
			Timeout: 5 * time.Minute,
		},
		Entity: EntityConfig{
			IdleTimeout: 10 * time.Minute,
			MailboxSize: 256,
		},
		Engine: EngineConfig{
			LeaseTTL:           30 * time.Second,
			SignalPollInterval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres, BackendRedis, BackendMongo:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for backend %q", c.Store.Backend)
		}
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}

	if c.Registry.Timeout <= 0 {
		return errors.New("registry.timeout must be positive")
	}
	if c.Entity.MailboxSize <= 0 {
		return errors.New("entity.mailbox_size must be positive")
	}
	if c.Engine.LeaseTTL <= 0 {
		return errors.New("engine.lease_ttl must be positive")
	}
	if c.Engine.SignalPollInterval <= 0 {
		return errors.New("engine.signal_poll_interval must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be positive")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}
