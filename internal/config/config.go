// Package config loads the single typed configuration object crawlcore reads
// at boot, via viper. Every tunable has an explicit default registered in
// setDefaults; unknown top-level keys are a fatal configuration error.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration object for one crawlcore process.
type Config struct {
	Frontier  FrontierConfig  `mapstructure:"frontier"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Store     StoreConfig     `mapstructure:"store"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// FrontierConfig tunes politeness and dedup sizing (spec.md §6).
type FrontierConfig struct {
	KeyPrefix      string        `mapstructure:"key_prefix"`
	DefaultDelay   time.Duration `mapstructure:"default_delay"`
	MinDelay       time.Duration `mapstructure:"min_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	PolitenessAlpha float64      `mapstructure:"politeness_alpha"`
	ExpectedItems  uint64        `mapstructure:"expected_items"`
	FalsePositiveRate float64    `mapstructure:"fp_rate"`
	MetadataTTL    time.Duration `mapstructure:"metadata_ttl"`
}

// SchedulerConfig shapes throughput and backpressure.
type SchedulerConfig struct {
	MaxWorkers           int           `mapstructure:"max_workers"`
	MaxRequestsPerSecond int           `mapstructure:"max_rps"`
	MaxRPMPerHost        int           `mapstructure:"max_rpm_per_host"`
	HighWatermark        int           `mapstructure:"high_watermark"`
	LowWatermark         int           `mapstructure:"low_watermark"`
	BackpressureDelay    time.Duration `mapstructure:"backpressure_delay"`
	URLFetchTimeout      time.Duration `mapstructure:"url_fetch_timeout"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
}

// FetcherConfig shapes per-URL fetch behavior.
type FetcherConfig struct {
	MaxConcurrentRequests int           `mapstructure:"max_concurrent_requests"`
	MaxConcurrentPerHost  int           `mapstructure:"max_concurrent_per_host"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	TotalTimeout          time.Duration `mapstructure:"total_timeout"`
	MaxRetries            int           `mapstructure:"max_retries"`
	RetryBase             time.Duration `mapstructure:"retry_base"`
	RetryCap              time.Duration `mapstructure:"retry_cap"`
	BreakerFailures       int           `mapstructure:"breaker_failures"`
	BreakerRecovery       time.Duration `mapstructure:"breaker_recovery"`
	HalfOpenMaxProbes     int           `mapstructure:"half_open_max_probes"`
	UserAgents            []string      `mapstructure:"user_agents"`
	Proxies               []string      `mapstructure:"proxies"`
	MinContentLength      int           `mapstructure:"min_content_length"`
}

// StoreConfig configures the coordination store (Redis-compatible).
type StoreConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JobsConfig configures the durable control-plane Postgres database.
type JobsConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	Database        string `mapstructure:"database"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxConnections  int    `mapstructure:"max_connections"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// DSN returns the Postgres connection string.
func (c *JobsConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// SinkConfig configures the optional durable output sink (spec §9
// supplement) that persists successfully extracted pages.
type SinkConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	GCS           GCSConfig     `mapstructure:"gcs"`
}

// GCSConfig holds settings for sink.GCSArchiver. cmd/crawlcore does not
// read them: setting enabled does not start any GCS archival by itself.
type GCSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bucket  string `mapstructure:"bucket"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load reads configuration from a file (if configPath is non-empty) merged
// with CRAWLCORE_-prefixed environment variables, after registering defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("crawlcore")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		v.SetConfigName("crawlcore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	known := map[string]bool{
		"frontier": true, "scheduler": true, "fetcher": true, "store": true,
		"jobs": true, "sink": true, "logging": true,
	}
	for _, key := range v.AllKeys() {
		if top := strings.SplitN(key, ".", 2)[0]; !known[top] {
			return nil, fmt.Errorf("unknown configuration key %q", key)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Frontier.MinDelay > c.Frontier.MaxDelay {
		return fmt.Errorf("frontier.min_delay (%s) exceeds frontier.max_delay (%s)", c.Frontier.MinDelay, c.Frontier.MaxDelay)
	}
	if c.Scheduler.LowWatermark > c.Scheduler.HighWatermark {
		return fmt.Errorf("scheduler.low_watermark (%d) exceeds scheduler.high_watermark (%d)", c.Scheduler.LowWatermark, c.Scheduler.HighWatermark)
	}
	if c.Store.Addr == "" {
		return fmt.Errorf("store.addr must be set")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("frontier.key_prefix", "crawlcore")
	v.SetDefault("frontier.default_delay", "1s")
	v.SetDefault("frontier.min_delay", "500ms")
	v.SetDefault("frontier.max_delay", "30s")
	v.SetDefault("frontier.politeness_alpha", 10.0)
	v.SetDefault("frontier.expected_items", 10_000_000)
	v.SetDefault("frontier.fp_rate", 0.01)
	v.SetDefault("frontier.metadata_ttl", "168h")

	v.SetDefault("scheduler.max_workers", 50)
	v.SetDefault("scheduler.max_rps", 100)
	v.SetDefault("scheduler.max_rpm_per_host", 60)
	v.SetDefault("scheduler.high_watermark", 10_000)
	v.SetDefault("scheduler.low_watermark", 1_000)
	v.SetDefault("scheduler.backpressure_delay", "5s")
	v.SetDefault("scheduler.url_fetch_timeout", "30s")
	v.SetDefault("scheduler.idle_timeout", "60s")

	v.SetDefault("fetcher.max_concurrent_requests", 50)
	v.SetDefault("fetcher.max_concurrent_per_host", 5)
	v.SetDefault("fetcher.connect_timeout", "5s")
	v.SetDefault("fetcher.read_timeout", "30s")
	v.SetDefault("fetcher.total_timeout", "60s")
	v.SetDefault("fetcher.max_retries", 3)
	v.SetDefault("fetcher.retry_base", "1s")
	v.SetDefault("fetcher.retry_cap", "60s")
	v.SetDefault("fetcher.breaker_failures", 5)
	v.SetDefault("fetcher.breaker_recovery", "60s")
	v.SetDefault("fetcher.half_open_max_probes", 1)
	v.SetDefault("fetcher.user_agents", []string{
		"Mozilla/5.0 (compatible; crawlcore/1.0; +https://example.invalid/bot)",
	})
	v.SetDefault("fetcher.proxies", []string{})
	v.SetDefault("fetcher.min_content_length", 100)

	v.SetDefault("store.addr", "127.0.0.1:6379")
	v.SetDefault("store.db", 0)

	v.SetDefault("jobs.enabled", false)
	v.SetDefault("jobs.host", "127.0.0.1")
	v.SetDefault("jobs.port", 5432)
	v.SetDefault("jobs.ssl_mode", "disable")
	v.SetDefault("jobs.max_connections", 20)
	v.SetDefault("jobs.max_idle_conns", 5)
	v.SetDefault("jobs.conn_max_lifetime", 3600)

	v.SetDefault("sink.enabled", false)
	v.SetDefault("sink.buffer_size", 500)
	v.SetDefault("sink.flush_interval", "5s")
	v.SetDefault("sink.gcs.enabled", false)
	v.SetDefault("sink.gcs.bucket", "")

	v.SetDefault("logging.development", false)
}
