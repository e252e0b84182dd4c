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
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Store     StoreConfig     `mapstructure:"store"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// FetcherConfig governs the page fetch stage.
type FetcherConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// AnalyzerConfig configures the AI analysis backend.
type AnalyzerConfig struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	MaxTokens      int    `mapstructure:"max_tokens"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// PipelineConfig sizes the worker pool that runs audits.
type PipelineConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// BroadcastConfig controls the progress stream keep-alive cadence.
type BroadcastConfig struct {
	KeepAliveSeconds int `mapstructure:"keepalive_seconds"`
}

// StoreConfig selects and configures the persistence provider.
type StoreConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RateLimitConfig maps plan tiers to daily audit ceilings.
type RateLimitConfig struct {
	PlanLimits map[string]int `mapstructure:"plan_limits"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDIT")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("fetcher.timeout_seconds", 30)
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0 (compatible; SEOAuditBot/1.0)")
	v.SetDefault("analyzer.model", "claude-3-haiku-20240307")
	v.SetDefault("analyzer.max_tokens", 2000)
	v.SetDefault("analyzer.timeout_seconds", 60)
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.queue_depth", 64)
	v.SetDefault("broadcast.keepalive_seconds", 30)
	v.SetDefault("store.provider", "memory")
	v.SetDefault("rate_limit.plan_limits", map[string]int{
		"free":   5,
		"pro":    100,
		"agency": 1000,
	})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	if c.Analyzer.TimeoutSeconds <= 0 {
		return fmt.Errorf("analyzer.timeout_seconds must be > 0")
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be > 0")
	}
	if c.Store.Provider != "memory" && c.Store.Provider != "postgres" {
		return fmt.Errorf("unknown store provider %q", c.Store.Provider)
	}
	if c.Store.Provider == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn must be set when store.provider is postgres")
	}
	if len(c.RateLimit.PlanLimits) == 0 {
		return fmt.Errorf("rate_limit.plan_limits must not be empty")
	}
	for plan, limit := range c.RateLimit.PlanLimits {
		if limit <= 0 {
			return fmt.Errorf("rate_limit.plan_limits[%s] must be > 0", plan)
		}
	}
	return nil
}

// FetchTimeout converts the fetcher timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}

// AnalyzeTimeout converts the analyzer timeout into a duration.
func (c Config) AnalyzeTimeout() time.Duration {
	return time.Duration(c.Analyzer.TimeoutSeconds) * time.Second
}

// KeepAliveInterval converts the keep-alive cadence into a duration.
func (c Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.Broadcast.KeepAliveSeconds) * time.Second
}
