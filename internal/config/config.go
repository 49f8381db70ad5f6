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
	Admission AdmissionConfig `mapstructure:"admission"`
	Validator ValidatorConfig `mapstructure:"validator"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	History   HistoryConfig   `mapstructure:"history"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Service   ServiceConfig   `mapstructure:"service"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int    `mapstructure:"port"`
	APIKey                string `mapstructure:"api_key"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// AdmissionConfig governs the per-caller rate and quota gates.
type AdmissionConfig struct {
	CooldownSeconds int    `mapstructure:"cooldown_seconds"`
	DailyQuota      int    `mapstructure:"daily_quota"`
	Store           string `mapstructure:"store"` // memory | redis
	RedisAddr       string `mapstructure:"redis_addr"`
	RedisPassword   string `mapstructure:"redis_password"`
	RedisDB         int    `mapstructure:"redis_db"`
}

// ValidatorConfig controls reference acceptance.
type ValidatorConfig struct {
	AcceptedDomains []string `mapstructure:"accepted_domains"`
	MinQueryLen     int      `mapstructure:"min_query_len"`
	MaxQueryLen     int      `mapstructure:"max_query_len"`
}

// FetcherConfig tunes backends, retries and item finalization.
type FetcherConfig struct {
	UserAgent                string  `mapstructure:"user_agent"`
	TimeoutSeconds           int     `mapstructure:"timeout_seconds"`
	PerDomainRPS             float64 `mapstructure:"per_domain_rps"`
	Burst                    int     `mapstructure:"burst"`
	MinWidth                 int     `mapstructure:"min_width"`
	MinHeight                int     `mapstructure:"min_height"`
	MaxItemMB                int     `mapstructure:"max_item_mb"`
	FanOut                   int     `mapstructure:"fan_out"`
	ItemTimeoutSeconds       int     `mapstructure:"item_timeout_seconds"`
	CollectionTimeoutSeconds int     `mapstructure:"collection_timeout_seconds"`
	MaxCollectionItems       int     `mapstructure:"max_collection_items"`
	SearchLimit              int     `mapstructure:"search_limit"`
}

// HeadlessConfig governs the browser fallback backend.
type HeadlessConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MaxSessions       int  `mapstructure:"max_sessions"`
	NavTimeoutSeconds int  `mapstructure:"nav_timeout_seconds"`
	ScrollPasses      int  `mapstructure:"scroll_passes"`
}

// DeliveryConfig tunes batch assembly.
type DeliveryConfig struct {
	ArchiveThreshold int    `mapstructure:"archive_threshold"`
	ArchivePrefix    string `mapstructure:"archive_prefix"`
}

// HistoryConfig selects the download history backend.
type HistoryConfig struct {
	Backend string `mapstructure:"backend"` // memory | postgres
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// StorageConfig selects the batch artifact blob store.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // none | memory | local | gcs
	GCSBucket string `mapstructure:"gcs_bucket"`
	BaseDir   string `mapstructure:"base_dir"`
}

// PubSubConfig configures the completion event publisher.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServiceConfig bounds pipeline concurrency.
type ServiceConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// LoggingConfig selects logger behavior.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MEDIAFETCH")
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
	v.SetDefault("server.request_timeout_seconds", 600)
	v.SetDefault("admission.cooldown_seconds", 3)
	v.SetDefault("admission.daily_quota", 100)
	v.SetDefault("admission.store", "memory")
	v.SetDefault("validator.min_query_len", 2)
	v.SetDefault("validator.max_query_len", 100)
	v.SetDefault("fetcher.timeout_seconds", 15)
	v.SetDefault("fetcher.per_domain_rps", 2.0)
	v.SetDefault("fetcher.burst", 4)
	v.SetDefault("fetcher.min_width", 200)
	v.SetDefault("fetcher.min_height", 200)
	v.SetDefault("fetcher.max_item_mb", 50)
	v.SetDefault("fetcher.fan_out", 5)
	v.SetDefault("fetcher.item_timeout_seconds", 60)
	v.SetDefault("fetcher.collection_timeout_seconds", 300)
	v.SetDefault("fetcher.max_collection_items", 500)
	v.SetDefault("fetcher.search_limit", 10)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_sessions", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.scroll_passes", 6)
	v.SetDefault("delivery.archive_threshold", 5)
	v.SetDefault("delivery.archive_prefix", "batches")
	v.SetDefault("history.backend", "memory")
	v.SetDefault("history.table", "download_history")
	v.SetDefault("storage.backend", "none")
	v.SetDefault("service.max_concurrent", 8)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Admission.DailyQuota <= 0 {
		return fmt.Errorf("admission.daily_quota must be > 0")
	}
	if c.Admission.Store == "redis" && c.Admission.RedisAddr == "" {
		return fmt.Errorf("admission.redis_addr must be set when admission.store is redis")
	}
	if c.Validator.MinQueryLen <= 0 || c.Validator.MaxQueryLen < c.Validator.MinQueryLen {
		return fmt.Errorf("validator query length bounds are invalid")
	}
	if c.Fetcher.FanOut <= 0 {
		return fmt.Errorf("fetcher.fan_out must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxSessions <= 0 {
		return fmt.Errorf("headless.max_sessions must be > 0 when headless is enabled")
	}
	if c.History.Backend == "postgres" && c.History.DSN == "" {
		return fmt.Errorf("history.dsn must be set when history.backend is postgres")
	}
	switch c.Storage.Backend {
	case "", "none", "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set when storage.backend is local")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// Cooldown returns the admission cooldown as a duration.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.Admission.CooldownSeconds) * time.Second
}

// RequestTimeout returns the HTTP request ceiling as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
