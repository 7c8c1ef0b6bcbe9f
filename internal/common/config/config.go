// Package config provides configuration management for siteswarm.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for siteswarm.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Swarm   SwarmConfig   `mapstructure:"swarm"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// RedisConfig holds the optional Redis-backed blackboard configuration.
// An empty Addr means every run uses the in-memory blackboard.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"keyPrefix"`
}

// LimitsConfig holds the default per-run resource limits. Individual runs
// may override these through runctx.Limits.
type LimitsConfig struct {
	LLMConcurrency    int `mapstructure:"llmConcurrency"`
	ScrapeConcurrency int `mapstructure:"scrapeConcurrency"`
	TotalTimeout      int `mapstructure:"totalTimeout"`  // in seconds
	AgentTimeout      int `mapstructure:"agentTimeout"`  // in seconds
	LLMTimeout        int `mapstructure:"llmTimeout"`    // in seconds
	ScrapeTimeout     int `mapstructure:"scrapeTimeout"` // in seconds
}

// SwarmConfig holds runtime knobs for the swarm subsystems.
type SwarmConfig struct {
	// AllowGlobalFallback permits agents to run without a RunContext using
	// process-global subsystems. Development convenience only; production
	// default is false and agents fail fast without a RunContext.
	AllowGlobalFallback bool `mapstructure:"allowGlobalFallback"`

	// TraceEnabled controls the per-run append-only event trace.
	TraceEnabled bool `mapstructure:"traceEnabled"`

	// HistoryLimit caps the blackboard history ring for in-memory boards.
	HistoryLimit int `mapstructure:"historyLimit"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SITESWARM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Redis defaults - empty addr means use the in-memory blackboard
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyPrefix", "siteswarm")

	// Per-run limit defaults
	v.SetDefault("limits.llmConcurrency", 3)
	v.SetDefault("limits.scrapeConcurrency", 5)
	v.SetDefault("limits.totalTimeout", 180)
	v.SetDefault("limits.agentTimeout", 90)
	v.SetDefault("limits.llmTimeout", 60)
	v.SetDefault("limits.scrapeTimeout", 30)

	// Swarm defaults - global fallback is disallowed outside development
	v.SetDefault("swarm.allowGlobalFallback", false)
	v.SetDefault("swarm.traceEnabled", true)
	v.SetDefault("swarm.historyLimit", 1000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SITESWARM_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/siteswarm/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SITESWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so we
	// explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("swarm.allowGlobalFallback", "SITESWARM_SWARM_ALLOW_GLOBAL_FALLBACK")
	_ = v.BindEnv("redis.keyPrefix", "SITESWARM_REDIS_KEY_PREFIX")
	_ = v.BindEnv("limits.llmConcurrency", "SITESWARM_LIMITS_LLM_CONCURRENCY")
	_ = v.BindEnv("limits.scrapeConcurrency", "SITESWARM_LIMITS_SCRAPE_CONCURRENCY")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/siteswarm/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Limits.LLMConcurrency <= 0 {
		errs = append(errs, "limits.llmConcurrency must be positive")
	}
	if cfg.Limits.ScrapeConcurrency <= 0 {
		errs = append(errs, "limits.scrapeConcurrency must be positive")
	}
	for name, val := range map[string]int{
		"limits.totalTimeout":  cfg.Limits.TotalTimeout,
		"limits.agentTimeout":  cfg.Limits.AgentTimeout,
		"limits.llmTimeout":    cfg.Limits.LLMTimeout,
		"limits.scrapeTimeout": cfg.Limits.ScrapeTimeout,
	} {
		if val <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}

	if cfg.Swarm.HistoryLimit <= 0 {
		errs = append(errs, "swarm.historyLimit must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
