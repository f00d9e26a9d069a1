// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Storage backends accepted by storage.backend.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// DefaultUserAgent is the crawler identity sent with every request.
const DefaultUserAgent = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CrawlerConfig governs the sitemap source and the fetcher.
type CrawlerConfig struct {
	SitemapPath    string        `mapstructure:"sitemap_path"`
	UserAgent      string        `mapstructure:"user_agent"`
	Accept         string        `mapstructure:"accept"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// MaxRetries bounds timeout retries per request. 0 retries forever.
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	MaxBodyBytes      int           `mapstructure:"max_body_bytes"`
	ImageConcurrency  int           `mapstructure:"image_concurrency"`
}

// StorageConfig selects where pages, records and images are kept.
type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	Root          string `mapstructure:"root"`
	ProductPrefix string `mapstructure:"product_prefix"`
	ImagePrefix   string `mapstructure:"image_prefix"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
}

// DBConfig controls access to the product index.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// MetricsConfig toggles the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features and the minimum level.
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
	v.SetDefault("crawler.sitemap_path", "products1.xml")
	v.SetDefault("crawler.user_agent", DefaultUserAgent)
	v.SetDefault("crawler.accept", "*/*")
	v.SetDefault("crawler.request_timeout", 20*time.Second)
	v.SetDefault("crawler.max_retries", 0)
	v.SetDefault("crawler.retry_delay", time.Duration(0))
	v.SetDefault("crawler.retry_max_delay", time.Duration(0))
	v.SetDefault("crawler.requests_per_second", 0.0)
	v.SetDefault("crawler.max_body_bytes", 0)
	v.SetDefault("crawler.image_concurrency", 0)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.root", "download")
	v.SetDefault("storage.product_prefix", "product")
	v.SetDefault("storage.image_prefix", "image")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "products")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Crawler.SitemapPath) == "" {
		return fmt.Errorf("crawler.sitemap_path must be set")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if c.Crawler.RetryDelay < 0 || c.Crawler.RetryMaxDelay < 0 {
		return fmt.Errorf("crawler.retry_delay and crawler.retry_max_delay must be >= 0")
	}
	if c.Crawler.RequestsPerSecond < 0 {
		return fmt.Errorf("crawler.requests_per_second must be >= 0")
	}
	if c.Crawler.MaxBodyBytes < 0 {
		return fmt.Errorf("crawler.max_body_bytes must be >= 0")
	}
	if c.Crawler.ImageConcurrency < 0 {
		return fmt.Errorf("crawler.image_concurrency must be >= 0")
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if strings.TrimSpace(c.Storage.Root) == "" {
			return fmt.Errorf("storage.root must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be one of local, gcs, memory; got %q", c.Storage.Backend)
	}
	if err := c.EngineConfig().Validate(); err != nil {
		return fmt.Errorf("storage.product_prefix/storage.image_prefix: %w", err)
	}
	return nil
}

// ValidateDB checks the settings the index command needs.
func (c Config) ValidateDB() error {
	if strings.TrimSpace(c.DB.DSN) == "" {
		return fmt.Errorf("db.dsn must be set")
	}
	if c.DB.MaxConns < 0 {
		return fmt.Errorf("db.max_conns must be >= 0")
	}
	if c.DB.MinConns < 0 {
		return fmt.Errorf("db.min_conns must be >= 0")
	}
	if c.DB.MaxConns > 0 && c.DB.MinConns > c.DB.MaxConns {
		return fmt.Errorf("db.min_conns must not exceed db.max_conns")
	}
	return nil
}

// EngineConfig converts the storage layout into the crawler engine settings.
func (c Config) EngineConfig() crawler.Config {
	return crawler.Config{
		ProductPrefix:    c.Storage.ProductPrefix,
		ImagePrefix:      c.Storage.ImagePrefix,
		ImageConcurrency: c.Crawler.ImageConcurrency,
	}
}
