// Package config loads and validates regwatch configuration via Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override (REGWATCH_STORAGE_BASE_DIR, ...).
const EnvPrefix = "REGWATCH"

// Storage providers accepted by storage.provider.
const (
	ProviderLocal  = "local"
	ProviderGCS    = "gcs"
	ProviderMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Writer    WriterConfig    `mapstructure:"writer"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// StorageConfig selects where the versioned store lives.
type StorageConfig struct {
	Provider    string `mapstructure:"provider"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	MaxVersions int    `mapstructure:"max_versions"`
}

// WriterConfig controls direct file output.
type WriterConfig struct {
	OutputDir    string `mapstructure:"output_dir"`
	DefaultDir   string `mapstructure:"default_dir"`
	MaxRetries   int    `mapstructure:"max_retries"`
	RetryDelayMs int    `mapstructure:"retry_delay_ms"`
}

// ExtractorConfig sizes the streaming extractor.
type ExtractorConfig struct {
	ChunkSize           int `mapstructure:"chunk_size"`
	ProcessingThreshold int `mapstructure:"processing_threshold"`
}

// CrawlerConfig governs the colly crawl loop.
type CrawlerConfig struct {
	ScraperID      string   `mapstructure:"scraper_id"`
	Seeds          []string `mapstructure:"seeds"`
	AllowedDomains []string `mapstructure:"allowed_domains"`
	BlockedDomains []string `mapstructure:"blocked_domains"`
	MaxDepth       int      `mapstructure:"max_depth"`
	Concurrency    int      `mapstructure:"concurrency"`
	DelayMs        int      `mapstructure:"delay_ms"`
	UserAgent      string   `mapstructure:"user_agent"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	RevisitKnown   bool     `mapstructure:"revisit_known"`
	RespectRobots  bool     `mapstructure:"respect_robots"`
	MaxForbidden   int      `mapstructure:"max_forbidden"`
	BackoffSeconds int      `mapstructure:"rate_limit_backoff_seconds"`
	RPS            float64  `mapstructure:"requests_per_second"`
	Burst          int      `mapstructure:"burst"`
}

// DBConfig controls the optional Postgres sink.
type DBConfig struct {
	DSN         string `mapstructure:"dsn"`
	TablePrefix string `mapstructure:"table_prefix"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for change notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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

// Every key gets a default so AutomaticEnv overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "regwatch")
	v.SetDefault("storage.provider", ProviderLocal)
	v.SetDefault("storage.base_dir", "data/store")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.max_versions", 10)
	v.SetDefault("writer.output_dir", "data/output")
	v.SetDefault("writer.default_dir", filepath.Join(os.TempDir(), "regwatch-fallback"))
	v.SetDefault("writer.max_retries", 3)
	v.SetDefault("writer.retry_delay_ms", 100)
	v.SetDefault("extractor.chunk_size", 4096)
	v.SetDefault("extractor.processing_threshold", 8192)
	v.SetDefault("crawler.scraper_id", "")
	v.SetDefault("crawler.seeds", []string{})
	v.SetDefault("crawler.allowed_domains", []string{})
	v.SetDefault("crawler.blocked_domains", []string{})
	v.SetDefault("crawler.max_depth", 2)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.delay_ms", 500)
	v.SetDefault("crawler.user_agent", "regwatch-bot/0.1")
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("crawler.revisit_known", false)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.max_forbidden", 3)
	v.SetDefault("crawler.rate_limit_backoff_seconds", 5)
	v.SetDefault("crawler.requests_per_second", 0.0)
	v.SetDefault("crawler.burst", 1)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table_prefix", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "regwatch-content-changed")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Storage.Provider {
	case ProviderLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local provider")
		}
	case ProviderGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs provider")
		}
	case ProviderMemory:
	default:
		return fmt.Errorf("storage.provider %q is not one of local, gcs, memory", c.Storage.Provider)
	}
	if c.Storage.MaxVersions < 0 {
		return fmt.Errorf("storage.max_versions must be >= 0")
	}
	if c.Writer.OutputDir == "" {
		return fmt.Errorf("writer.output_dir must be set")
	}
	if c.Writer.MaxRetries <= 0 {
		return fmt.Errorf("writer.max_retries must be > 0")
	}
	if c.Writer.RetryDelayMs < 0 {
		return fmt.Errorf("writer.retry_delay_ms must be >= 0")
	}
	if c.Extractor.ChunkSize <= 0 {
		return fmt.Errorf("extractor.chunk_size must be > 0")
	}
	if c.Extractor.ProcessingThreshold <= 0 {
		return fmt.Errorf("extractor.processing_threshold must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	if c.Crawler.MaxForbidden < 0 {
		return fmt.Errorf("crawler.max_forbidden must be >= 0")
	}
	if c.Crawler.RPS < 0 {
		return fmt.Errorf("crawler.requests_per_second must be >= 0")
	}
	return nil
}

// RetryDelay is writer.retry_delay_ms as a duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Writer.RetryDelayMs) * time.Millisecond
}

// CrawlDelay is crawler.delay_ms as a duration.
func (c Config) CrawlDelay() time.Duration {
	return time.Duration(c.Crawler.DelayMs) * time.Millisecond
}

// RateLimitBackoff is crawler.rate_limit_backoff_seconds as a duration.
func (c Config) RateLimitBackoff() time.Duration {
	return time.Duration(c.Crawler.BackoffSeconds) * time.Second
}

// HTTPTimeout is crawler.timeout_seconds as a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}
