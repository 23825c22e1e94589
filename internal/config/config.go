// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/InfinityXOneSystems/safecrawl/internal/crawler"
	"github.com/InfinityXOneSystems/safecrawl/internal/dedup"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the crawl kernel and the job dispatcher.
type CrawlerConfig struct {
	AllowedHosts             []string `mapstructure:"allowed_hosts"`
	UserAgent                string   `mapstructure:"user_agent"`
	MinDelaySeconds          float64  `mapstructure:"min_delay_seconds"`
	MaxPagesDefault          int      `mapstructure:"max_pages_default"`
	MaxDepthDefault          int      `mapstructure:"max_depth_default"`
	MaxConcurrency           int      `mapstructure:"max_concurrency"`
	MaxPagesLimit            int      `mapstructure:"max_pages_limit"`
	MaxConcurrencyLimit      int      `mapstructure:"max_concurrency_limit"`
	Workers                  int      `mapstructure:"workers"`
	QueueDepth               int      `mapstructure:"queue_depth"`
	DequeueTimeoutMs         int      `mapstructure:"dequeue_timeout_ms"`
	IdleTimeoutSeconds       int      `mapstructure:"idle_timeout_seconds"`
	HarvestDuplicateLinks    bool     `mapstructure:"harvest_duplicate_links"`
	FingerprintAlgo          string   `mapstructure:"fingerprint_algo"`
	BlockPatterns            []string `mapstructure:"block_patterns"`
	RobotsTimeoutSeconds     int      `mapstructure:"robots_timeout_seconds"`
	RobotsNegativeTTLSeconds int      `mapstructure:"robots_negative_ttl_seconds"`
	MaxBodyBytes             int      `mapstructure:"max_body_bytes"`
}

// HTTPConfig configures the page fetch client.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// StorageConfig selects where extracted page text is written.
type StorageConfig struct {
	// Backend is one of "memory", "local" or "gcs".
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database. An empty DSN keeps
// job state in memory.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// project keeps events in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig controls the batched job progress stream. Events always feed
// the Prometheus sink; LogEvents adds a structured log line per event.
type ProgressConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	LogEvents      bool `mapstructure:"log_events"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// bareEnv maps keys that are also read from un-prefixed environment names.
var bareEnv = map[string]string{
	"crawler.allowed_hosts":     "ALLOWED_HOSTS",
	"crawler.user_agent":        "USER_AGENT",
	"crawler.min_delay_seconds": "MIN_DELAY_SECONDS",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, bare := range bareEnv {
		prefixed := "CRAWLER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, bare); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", bare, err)
		}
	}

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
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("crawler.allowed_hosts", []string{})
	v.SetDefault("crawler.user_agent", "safecrawl/0.1 (+https://github.com/InfinityXOneSystems/safecrawl)")
	v.SetDefault("crawler.min_delay_seconds", crawler.DefaultMinDelay.Seconds())
	v.SetDefault("crawler.max_pages_default", crawler.DefaultMaxPages)
	v.SetDefault("crawler.max_depth_default", crawler.DefaultMaxDepth)
	v.SetDefault("crawler.max_concurrency", crawler.DefaultMaxConcurrency)
	v.SetDefault("crawler.max_pages_limit", 10_000)
	v.SetDefault("crawler.max_concurrency_limit", 64)
	v.SetDefault("crawler.workers", 2)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.dequeue_timeout_ms", 250)
	v.SetDefault("crawler.idle_timeout_seconds", 60)
	v.SetDefault("crawler.harvest_duplicate_links", false)
	v.SetDefault("crawler.fingerprint_algo", "sha256")
	v.SetDefault("crawler.robots_timeout_seconds", 5)
	v.SetDefault("crawler.robots_negative_ttl_seconds", 0)
	v.SetDefault("crawler.max_body_bytes", 5<<20)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.local_dir", "data")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/plain; charset=utf-8")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.topic_name", "crawl-completed")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_events", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// normalize trims list entries split from comma-separated env values.
func (c *Config) normalize() {
	c.Crawler.AllowedHosts = trimAll(c.Crawler.AllowedHosts)
	c.Crawler.BlockPatterns = trimAll(c.Crawler.BlockPatterns)
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
}

func trimAll(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate enforces required values and reasonable limits. An empty
// allow-list is a configuration error: the crawler never runs unrestricted.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if len(c.Crawler.AllowedHosts) == 0 {
		return fmt.Errorf("crawler.allowed_hosts: %w", crawler.ErrEmptyAllowList)
	}
	if c.Crawler.MinDelaySeconds < 0 {
		return fmt.Errorf("crawler.min_delay_seconds must be >= 0")
	}
	if c.Crawler.MaxConcurrency <= 0 {
		return fmt.Errorf("crawler.max_concurrency must be > 0")
	}
	if c.Crawler.MaxPagesDefault <= 0 {
		return fmt.Errorf("crawler.max_pages_default must be > 0")
	}
	if c.Crawler.MaxDepthDefault < 0 {
		return fmt.Errorf("crawler.max_depth_default must be >= 0")
	}
	if c.Crawler.MaxPagesLimit < 0 || c.Crawler.MaxPagesLimit > crawler.MaxPagesCeiling {
		return fmt.Errorf("crawler.max_pages_limit must be between 0 and %d", crawler.MaxPagesCeiling)
	}
	if c.Crawler.MaxConcurrencyLimit < 0 || c.Crawler.MaxConcurrencyLimit > crawler.MaxConcurrencyCeiling {
		return fmt.Errorf("crawler.max_concurrency_limit must be between 0 and %d", crawler.MaxConcurrencyCeiling)
	}
	if err := c.Crawler.CheckLimits(c.Crawler.DefaultJob("")); err != nil {
		return fmt.Errorf("crawler defaults: %w", err)
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.QueueDepth <= 0 {
		return fmt.Errorf("crawler.queue_depth must be > 0")
	}
	if _, err := dedup.HasherFor(c.Crawler.FingerprintAlgo); err != nil {
		return fmt.Errorf("crawler.fingerprint_algo: %w", err)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	switch c.Storage.Backend {
	case StorageMemory, StorageLocal:
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Progress.BufferSize < 0 || c.Progress.MaxBatchEvents < 0 || c.Progress.MaxBatchWaitMs < 0 {
		return fmt.Errorf("progress buffer and batch settings must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// MinDelay returns the configured per-host delay.
func (c CrawlerConfig) MinDelay() time.Duration {
	return time.Duration(c.MinDelaySeconds * float64(time.Second))
}

// DefaultJob returns a crawl job for startURL using the configured defaults.
func (c CrawlerConfig) DefaultJob(startURL string) crawler.CrawlJob {
	return crawler.CrawlJob{
		StartURL:       startURL,
		MaxPages:       c.MaxPagesDefault,
		MaxDepth:       c.MaxDepthDefault,
		MinDelay:       c.MinDelay(),
		MaxConcurrency: c.MaxConcurrency,
	}
}

// PagesLimit is the largest max_pages a job may request. Zero configures the
// built-in ceiling.
func (c CrawlerConfig) PagesLimit() int {
	if c.MaxPagesLimit <= 0 {
		return crawler.MaxPagesCeiling
	}
	return min(c.MaxPagesLimit, crawler.MaxPagesCeiling)
}

// ConcurrencyLimit is the largest max_concurrency a job may request.
func (c CrawlerConfig) ConcurrencyLimit() int {
	if c.MaxConcurrencyLimit <= 0 {
		return crawler.MaxConcurrencyCeiling
	}
	return min(c.MaxConcurrencyLimit, crawler.MaxConcurrencyCeiling)
}

// CheckLimits rejects a job that asks for more pages or concurrency than this
// deployment allows.
func (c CrawlerConfig) CheckLimits(job crawler.CrawlJob) error {
	if limit := c.PagesLimit(); job.MaxPages > limit {
		return fmt.Errorf("%w: max_pages must be <= %d", crawler.ErrInvalidJob, limit)
	}
	if limit := c.ConcurrencyLimit(); job.MaxConcurrency > limit {
		return fmt.Errorf("%w: max_concurrency must be <= %d", crawler.ErrInvalidJob, limit)
	}
	return nil
}

// FetchTimeout is the overall page fetch timeout.
func (c HTTPConfig) FetchTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
