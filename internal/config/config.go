// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Scraper    ScraperConfig    `mapstructure:"scraper"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Routines   RoutinesConfig   `mapstructure:"routines"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the operational HTTP API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ScraperConfig governs dispatcher and backlog behavior.
type ScraperConfig struct {
	MaxWorkers         int `mapstructure:"max_workers"`
	BatchSize          int `mapstructure:"batch_size"`
	TaskTimeoutSeconds int `mapstructure:"task_timeout_seconds"`
	DefaultMaxRetries  int `mapstructure:"default_max_retries"`
	DefaultPriority    int `mapstructure:"default_priority"`
}

// PoolConfig sizes the browser pool.
type PoolConfig struct {
	Browser               string `mapstructure:"browser"`
	MaxInstances          int    `mapstructure:"max_instances"`
	AcquireTimeoutSeconds int    `mapstructure:"acquire_timeout_seconds"`
	ChromeExecPath        string `mapstructure:"chrome_exec_path"`
}

// ComplianceConfig tunes robots.txt handling and per-domain spacing.
type ComplianceConfig struct {
	UserAgent             string  `mapstructure:"user_agent"`
	MinDelaySeconds       float64 `mapstructure:"min_delay_seconds"`
	MaxDelaySeconds       float64 `mapstructure:"max_delay_seconds"`
	FailurePenaltySeconds float64 `mapstructure:"failure_penalty_seconds"`
	GlobalRPS             float64 `mapstructure:"global_rps"`
	RobotsTimeoutSeconds  int     `mapstructure:"robots_timeout_seconds"`
}

// RoutinesConfig tunes the scrape routines.
type RoutinesConfig struct {
	PageLoadTimeoutSeconds int `mapstructure:"page_load_timeout_seconds"`
	MaxImages              int `mapstructure:"max_images"`
}

// StorageConfig selects the task store backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to Postgres when the postgres backend is active.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
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
	v.SetDefault("scraper.max_workers", 5)
	v.SetDefault("scraper.batch_size", 50)
	v.SetDefault("scraper.task_timeout_seconds", 120)
	v.SetDefault("scraper.default_max_retries", 3)
	v.SetDefault("scraper.default_priority", 1)
	v.SetDefault("pool.browser", "chrome")
	v.SetDefault("pool.max_instances", 3)
	v.SetDefault("pool.acquire_timeout_seconds", 30)
	v.SetDefault("compliance.user_agent", "restaurant-scraper/1.0")
	v.SetDefault("compliance.min_delay_seconds", 1.0)
	v.SetDefault("compliance.max_delay_seconds", 3.0)
	v.SetDefault("compliance.failure_penalty_seconds", 1.0)
	v.SetDefault("compliance.global_rps", 0.0)
	v.SetDefault("compliance.robots_timeout_seconds", 10)
	v.SetDefault("routines.page_load_timeout_seconds", 30)
	v.SetDefault("routines.max_images", 15)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("db.table", "scraping_tasks")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scraper.MaxWorkers <= 0 {
		return fmt.Errorf("scraper.max_workers must be > 0")
	}
	if c.Pool.MaxInstances <= 0 {
		return fmt.Errorf("pool.max_instances must be > 0")
	}
	switch c.Pool.Browser {
	case "chrome", "noop":
	default:
		return fmt.Errorf("pool.browser must be chrome or noop, got %q", c.Pool.Browser)
	}
	if c.Compliance.MinDelaySeconds <= 0 {
		return fmt.Errorf("compliance.min_delay_seconds must be > 0")
	}
	if c.Compliance.MaxDelaySeconds < c.Compliance.MinDelaySeconds {
		return fmt.Errorf("compliance.max_delay_seconds must be >= min_delay_seconds")
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres, got %q", c.Storage.Backend)
	}
	return nil
}

// TaskTimeout converts the per-task budget into a duration.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Scraper.TaskTimeoutSeconds) * time.Second
}

// AcquireTimeout converts the pool wait budget into a duration.
func (c Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Pool.AcquireTimeoutSeconds) * time.Second
}

// MinDelay converts the per-domain floor into a duration.
func (c Config) MinDelay() time.Duration {
	return time.Duration(c.Compliance.MinDelaySeconds * float64(time.Second))
}

// MaxDelay converts the per-domain ceiling into a duration.
func (c Config) MaxDelay() time.Duration {
	return time.Duration(c.Compliance.MaxDelaySeconds * float64(time.Second))
}

// FailurePenalty converts the penalty unit into a duration.
func (c Config) FailurePenalty() time.Duration {
	return time.Duration(c.Compliance.FailurePenaltySeconds * float64(time.Second))
}

// RobotsTimeout converts the robots.txt fetch budget into a duration.
func (c Config) RobotsTimeout() time.Duration {
	return time.Duration(c.Compliance.RobotsTimeoutSeconds) * time.Second
}

// PageLoadTimeout converts the navigation budget into a duration.
func (c Config) PageLoadTimeout() time.Duration {
	return time.Duration(c.Routines.PageLoadTimeoutSeconds) * time.Second
}
