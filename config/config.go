package config

import (
	"fmt"
	"time"

	"github.com/agentfleet/fleetcore/budget"
	"github.com/agentfleet/fleetcore/gateway"
	"github.com/agentfleet/fleetcore/ratelimit"
)

// Config is the engine's complete configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" env:"SERVER"`
	Database   DatabaseConfig   `yaml:"database" env:"DATABASE"`
	Redis      RedisConfig      `yaml:"redis" env:"REDIS"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
	Gateway    GatewayConfig    `yaml:"gateway" env:"GATEWAY"`
	Budget     BudgetConfig     `yaml:"budget" env:"BUDGET"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit" env:"RATELIMIT"`
}

// ServerConfig covers the metrics endpoint and shutdown behavior.
type ServerConfig struct {
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig selects and parameterizes the relational store.
type DatabaseConfig struct {
	// Driver is one of postgres, mysql, sqlite.
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig parameterizes the shared Redis used by queues, limiter
// windows and the idempotent result cache.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// GatewayConfig parameterizes the provider call path.
type GatewayConfig struct {
	// ProviderCaps maps provider name to its per-window request cap.
	ProviderCaps map[string]int64 `yaml:"provider_caps" env:"-"`
	// DefaultProviderCap applies to unlisted providers; 0 is unlimited.
	DefaultProviderCap int64 `yaml:"default_provider_cap" env:"DEFAULT_PROVIDER_CAP"`

	BreakerThreshold int           `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" env:"BREAKER_COOLDOWN"`

	// Fallbacks are tried in order when the primary fails or its
	// breaker is open.
	Fallbacks []gateway.FallbackTarget `yaml:"fallbacks" env:"-"`
}

// BudgetConfig overrides model pricing; nil prices use the built-ins.
type BudgetConfig struct {
	Prices map[string]budget.ModelPrice `yaml:"prices" env:"-"`
}

// CheckpointConfig paces heartbeats and the retention sweep.
type CheckpointConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	SweepInterval     time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	SweepRetention    time.Duration `yaml:"sweep_retention" env:"SWEEP_RETENTION"`
	ResultTTL         time.Duration `yaml:"result_ttl" env:"RESULT_TTL"`
}

// RateLimitConfig parameterizes the outbound-contact limiters.
type RateLimitConfig struct {
	Channels       map[string]ratelimit.ChannelPolicy `yaml:"channels" env:"-"`
	TargetCooldown time.Duration                      `yaml:"target_cooldown" env:"TARGET_COOLDOWN"`
}

// Default returns the configuration used when neither file nor
// environment overrides a value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			MetricsPort:     9090,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Name:            "fleetcore.db",
			SSLMode:         "disable",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Gateway: GatewayConfig{
			DefaultProviderCap: 0,
			BreakerThreshold:   gateway.DefaultFailureThreshold,
			BreakerCooldown:    gateway.DefaultCooldown,
		},
		Checkpoint: CheckpointConfig{
			HeartbeatInterval: 15 * time.Second,
			SweepInterval:     time.Hour,
			SweepRetention:    7 * 24 * time.Hour,
			ResultTTL:         7 * 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			TargetCooldown: ratelimit.DefaultTargetCooldown,
		},
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port %d", c.Server.MetricsPort)
	}
	if c.Gateway.BreakerThreshold < 0 {
		return fmt.Errorf("breaker threshold must not be negative")
	}
	return nil
}

// DSN returns the driver-specific connection string.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
