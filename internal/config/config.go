// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Renderer kinds.
const (
	RendererHeadless = "headless"
	RendererStatic   = "static"
)

// Storage backends for screenshots.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Renderer  RendererConfig  `mapstructure:"renderer"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Events    EventsConfig    `mapstructure:"events"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int      `mapstructure:"port"`
	ReadHeaderTimeoutSec   int      `mapstructure:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds int      `mapstructure:"shutdown_timeout_seconds"`
	AllowedOrigins         []string `mapstructure:"allowed_origins"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig holds per-session defaults and page processing knobs.
type CrawlerConfig struct {
	MaxDepthDefault    int    `mapstructure:"max_depth_default"`
	MaxPagesDefault    int    `mapstructure:"max_pages_default"`
	ConcurrencyDefault int    `mapstructure:"concurrency_default"`
	NavTimeoutSeconds  int    `mapstructure:"nav_timeout_seconds"`
	RetryNavigation    bool   `mapstructure:"retry_navigation"`
	BlobPrefix         string `mapstructure:"blob_prefix"`
}

// RendererConfig selects and tunes the page renderer.
type RendererConfig struct {
	Kind            string `mapstructure:"kind"`
	Headless        bool   `mapstructure:"headless"`
	ExecPath        string `mapstructure:"exec_path"`
	NoSandbox       bool   `mapstructure:"no_sandbox"`
	UserAgent       string `mapstructure:"user_agent"`
	ViewportWidth   int    `mapstructure:"viewport_width"`
	ViewportHeight  int    `mapstructure:"viewport_height"`
	JPEGQuality     int    `mapstructure:"jpeg_quality"`
	IdleWaitMs      int    `mapstructure:"idle_wait_ms"`
	DismissOverlays bool   `mapstructure:"dismiss_overlays"`
}

// StorageConfig chooses where screenshots are persisted.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	LocalDir     string `mapstructure:"local_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	CacheControl string `mapstructure:"cache_control"`
}

// DBConfig controls access to the session history database. An empty DSN
// disables persistence.
type DBConfig struct {
	DSN                 string `mapstructure:"dsn"`
	MaxConns            int32  `mapstructure:"max_conns"`
	MinConns            int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMins int    `mapstructure:"max_conn_lifetime_minutes"`
	Migrate             bool   `mapstructure:"migrate"`
}

// PubSubConfig holds metadata for session notifications. An empty topic
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventsConfig tunes the progress hub and SSE fan-out.
type EventsConfig struct {
	HubBuffer        int `mapstructure:"hub_buffer"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	FlushMs          int `mapstructure:"flush_ms"`
}

// RateLimitConfig sheds screenshot and crawl-start bursts per API client.
// A non-positive RPS disables it.
type RateLimitConfig struct {
	APIRPS   float64 `mapstructure:"api_rps"`
	APIBurst int     `mapstructure:"api_burst"`
}

// Trace exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Exporter    string  `mapstructure:"exporter"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.read_header_timeout_seconds", 10)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("auth.enabled", false)
	v.SetDefault("crawler.max_depth_default", 3)
	v.SetDefault("crawler.max_pages_default", 20)
	v.SetDefault("crawler.concurrency_default", 5)
	v.SetDefault("crawler.nav_timeout_seconds", 30)
	v.SetDefault("crawler.retry_navigation", true)
	v.SetDefault("crawler.blob_prefix", "screenshots")
	v.SetDefault("renderer.kind", RendererHeadless)
	v.SetDefault("renderer.headless", true)
	v.SetDefault("renderer.no_sandbox", false)
	v.SetDefault("renderer.viewport_width", 1280)
	v.SetDefault("renderer.viewport_height", 720)
	v.SetDefault("renderer.jpeg_quality", 80)
	v.SetDefault("renderer.idle_wait_ms", 5000)
	v.SetDefault("renderer.dismiss_overlays", true)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.local_dir", "./data/screenshots")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.migrate", false)
	v.SetDefault("events.hub_buffer", 4096)
	v.SetDefault("events.subscriber_buffer", 256)
	v.SetDefault("events.flush_ms", 50)
	v.SetDefault("rate_limit.api_burst", 5)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "screenshot-crawler")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.exporter", ExporterNone)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.MaxDepthDefault < 0 {
		return fmt.Errorf("crawler.max_depth_default must be >= 0")
	}
	if c.Crawler.MaxPagesDefault <= 0 {
		return fmt.Errorf("crawler.max_pages_default must be > 0")
	}
	if c.Crawler.ConcurrencyDefault <= 0 {
		return fmt.Errorf("crawler.concurrency_default must be > 0")
	}
	if c.Crawler.NavTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.nav_timeout_seconds must be > 0")
	}
	switch c.Renderer.Kind {
	case RendererHeadless, RendererStatic:
	default:
		return fmt.Errorf("renderer.kind must be %q or %q", RendererHeadless, RendererStatic)
	}
	if c.Renderer.JPEGQuality < 1 || c.Renderer.JPEGQuality > 100 {
		return fmt.Errorf("renderer.jpeg_quality must be between 1 and 100")
	}
	switch c.Storage.Backend {
	case StorageNone, StorageMemory:
	case StorageLocal:
		if strings.TrimSpace(c.Storage.LocalDir) == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.RateLimit.APIRPS < 0 {
		return fmt.Errorf("rate_limit.api_rps must be >= 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be between 0 and 1")
	}
	switch c.Telemetry.Exporter {
	case "", ExporterNone, ExporterStdout:
	default:
		return fmt.Errorf("telemetry.exporter %q is not supported", c.Telemetry.Exporter)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// NavigationTimeout converts crawler.nav_timeout_seconds to a duration.
func (c Config) NavigationTimeout() time.Duration {
	return time.Duration(c.Crawler.NavTimeoutSeconds) * time.Second
}

// ShutdownTimeout converts server.shutdown_timeout_seconds to a duration.
func (c Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
