// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Store   StoreConfig   `mapstructure:"store"`
	Archive ArchiveConfig `mapstructure:"archive"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Bus     BusConfig     `mapstructure:"bus"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	TimeoutSeconds  int `mapstructure:"timeout_seconds"`
	ShutdownSeconds int `mapstructure:"shutdown_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StoreConfig selects and configures the run/config repository.
// Provider is "memory" or "postgres".
type StoreConfig struct {
	Provider        string `mapstructure:"provider"`
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// ArchiveConfig selects where finalized runs are exported.
// Provider is "none", "memory", "local", or "gcs".
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	Prefix    string `mapstructure:"prefix"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig wires the optional Cloud Pub/Sub event source. When Enabled,
// events published by external engines are consumed from SubscriptionID.
type PubSubConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ProjectID      string `mapstructure:"project_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
}

// EngineConfig tunes the built-in demo execution engine.
type EngineConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	ProgressMs       int     `mapstructure:"progress_interval_ms"`
	MaxRPS           float64 `mapstructure:"max_rps"`
	StepDurationMs   int     `mapstructure:"step_duration_ms"`
	FailureRate      float64 `mapstructure:"failure_rate"`
	TargetBaseURL    string  `mapstructure:"target_base_url"`
	RequestTimeoutMs int     `mapstructure:"request_timeout_ms"`
}

// BusConfig tunes event dispatch buffering.
type BusConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RUNLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("server.shutdown_seconds", 15)
	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.conn_lifetime_minutes", 30)
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "runs")
	v.SetDefault("engine.enabled", true)
	v.SetDefault("engine.progress_interval_ms", 1000)
	v.SetDefault("engine.max_rps", 50)
	v.SetDefault("engine.step_duration_ms", 500)
	v.SetDefault("engine.failure_rate", 0.05)
	v.SetDefault("engine.request_timeout_ms", 5000)
	v.SetDefault("bus.buffer_size", 4096)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set when store.provider is postgres")
		}
	default:
		return fmt.Errorf("store.provider must be memory or postgres, got %q", c.Store.Provider)
	}
	switch c.Archive.Provider {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set when archive.provider is local")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.provider is gcs")
		}
	default:
		return fmt.Errorf("archive.provider must be none, memory, local, or gcs, got %q", c.Archive.Provider)
	}
	if c.PubSub.Enabled {
		if c.PubSub.ProjectID == "" || c.PubSub.SubscriptionID == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.subscription_id must be set when pubsub is enabled")
		}
	}
	if c.Engine.Enabled {
		if c.Engine.ProgressMs <= 0 {
			return fmt.Errorf("engine.progress_interval_ms must be > 0")
		}
		if c.Engine.MaxRPS <= 0 {
			return fmt.Errorf("engine.max_rps must be > 0")
		}
		if c.Engine.FailureRate < 0 || c.Engine.FailureRate > 1 {
			return fmt.Errorf("engine.failure_rate must be within [0, 1]")
		}
	}
	return nil
}

// RequestTimeout converts the server timeout config into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// ShutdownGrace converts the shutdown config into a duration.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownSeconds) * time.Second
}
