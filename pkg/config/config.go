// Package config loads the service configuration from defaults, an optional
// YAML file and BROADCASTQ_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Engine    EngineConfig    `mapstructure:"engine" validate:"required"`
	Remote    RemoteConfig    `mapstructure:"remote" validate:"required"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig contains the HTTP API settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	APIKey   string `mapstructure:"api_key"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=trace debug info warn error fatal"`
}

// RedisConfig selects the status store. An empty Addr keeps statuses in memory.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr" validate:"omitempty,hostname_port"`
	StatusTTL time.Duration `mapstructure:"status_ttl" validate:"gte=0"`
}

// EngineConfig tunes the task workers.
type EngineConfig struct {
	MinPacing        time.Duration `mapstructure:"min_pacing" validate:"gt=0"`
	RecoveryPause    time.Duration `mapstructure:"recovery_pause" validate:"gt=0"`
	MaxRecoveryPause time.Duration `mapstructure:"max_recovery_pause" validate:"gtefield=RecoveryPause"`
	DegradedAfter    int           `mapstructure:"degraded_after" validate:"gte=0"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// RemoteConfig points at the messaging service.
type RemoteConfig struct {
	BaseURL         string        `mapstructure:"base_url" validate:"required,url"`
	ValidateTimeout time.Duration `mapstructure:"validate_timeout" validate:"gt=0"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout" validate:"gt=0"`
}

// RateLimitConfig bounds how fast new tasks may be started.
type RateLimitConfig struct {
	StartsPerSecond float64 `mapstructure:"starts_per_second" validate:"gte=0"`
	Burst           int     `mapstructure:"burst" validate:"gte=0"`
}

// MetricsConfig controls the gauge collector job.
type MetricsConfig struct {
	CollectSpec string `mapstructure:"collect_spec" validate:"required"`
}

var bindEnvs = []struct {
	key    string
	envVar string
}{
	{"server.port", "BROADCASTQ_SERVER_PORT"},
	{"server.api_key", "BROADCASTQ_SERVER_API_KEY"},
	{"server.log_level", "BROADCASTQ_SERVER_LOG_LEVEL"},
	{"redis.addr", "BROADCASTQ_REDIS_ADDR"},
	{"redis.status_ttl", "BROADCASTQ_REDIS_STATUS_TTL"},
	{"remote.base_url", "BROADCASTQ_REMOTE_BASE_URL"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.status_ttl", 0)
	v.SetDefault("engine.min_pacing", 10*time.Second)
	v.SetDefault("engine.recovery_pause", 10*time.Second)
	v.SetDefault("engine.max_recovery_pause", 2*time.Minute)
	v.SetDefault("engine.degraded_after", 5)
	v.SetDefault("engine.shutdown_timeout", 30*time.Second)
	v.SetDefault("remote.validate_timeout", 10*time.Second)
	v.SetDefault("remote.dispatch_timeout", 15*time.Second)
	v.SetDefault("ratelimit.starts_per_second", 1.0)
	v.SetDefault("ratelimit.burst", 5)
	v.SetDefault("metrics.collect_spec", "@every 5s")
}

// Load reads the configuration. configPath may be empty, in which case a
// config.yaml in the working directory is used when present.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configPath != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("BROADCASTQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, env := range bindEnvs {
		if err := v.BindEnv(env.key, env.envVar); err != nil {
			return nil, fmt.Errorf("error binding environment variable %s: %w", env.envVar, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}
