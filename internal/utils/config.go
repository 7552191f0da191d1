package utils

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// PostgresConfig describes the connection to the token control-plane database.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// S3Config holds the optional object-storage source settings. When Endpoint
// is empty, s3:// sources are rejected.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// CacheConfig controls the Redis result cache. The TTL is written as a Go
// duration string in YAML ("1h", "30m").
type CacheConfig struct {
	RedisHost         string
	ImageCacheDB      int
	RateLimitDB       int
	ImageCacheEnabled bool
	ImageCacheTTL     time.Duration
}

// UnmarshalYAML keeps defaults for absent keys and parses the TTL from a
// duration string.
func (c *CacheConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		RedisHost         *string `yaml:"redis_host"`
		ImageCacheDB      *int    `yaml:"image_cache_db"`
		RateLimitDB       *int    `yaml:"rate_limit_db"`
		ImageCacheEnabled *bool   `yaml:"image_cache_enabled"`
		ImageCacheTTL     *string `yaml:"image_cache_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.RedisHost != nil {
		c.RedisHost = *raw.RedisHost
	}
	if raw.ImageCacheDB != nil {
		c.ImageCacheDB = *raw.ImageCacheDB
	}
	if raw.RateLimitDB != nil {
		c.RateLimitDB = *raw.RateLimitDB
	}
	if raw.ImageCacheEnabled != nil {
		c.ImageCacheEnabled = *raw.ImageCacheEnabled
	}
	if raw.ImageCacheTTL != nil {
		d, err := time.ParseDuration(*raw.ImageCacheTTL)
		if err != nil {
			return fmt.Errorf("cache.image_cache_ttl: %w", err)
		}
		c.ImageCacheTTL = d
	}
	return nil
}

// RateLimiterConfig controls the per-token and per-user limiters.
type RateLimiterConfig struct {
	Interval          time.Duration
	UserLimit         int
	EnableUserLimiter bool
}

// UnmarshalYAML keeps defaults for absent keys and parses the interval from
// a duration string.
func (c *RateLimiterConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Interval          *string `yaml:"interval"`
		UserLimit         *int    `yaml:"user_limit"`
		EnableUserLimiter *bool   `yaml:"enable_user_limiter"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Interval != nil {
		d, err := time.ParseDuration(*raw.Interval)
		if err != nil {
			return fmt.Errorf("rate_limiter.interval: %w", err)
		}
		c.Interval = d
	}
	if raw.UserLimit != nil {
		c.UserLimit = *raw.UserLimit
	}
	if raw.EnableUserLimiter != nil {
		c.EnableUserLimiter = *raw.EnableUserLimiter
	}
	return nil
}

// Config is the full service configuration.
type Config struct {
	Server struct {
		Host    string `yaml:"host"`
		Port    string `yaml:"port"`
		Prefork bool   `yaml:"prefork"`
	} `yaml:"server"`

	Logger struct {
		File       string `yaml:"file"`
		Level      string `yaml:"level"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logger"`

	Cache CacheConfig `yaml:"cache"`

	Render struct {
		PoolSize           int     `yaml:"pool_size"`
		TimeoutSecs        int     `yaml:"timeout_secs"`
		AcquireTimeoutSecs int     `yaml:"acquire_timeout_secs"`
		DefaultDPI         float64 `yaml:"default_dpi"`
		MinDPI             float64 `yaml:"min_dpi"`
		MaxDPI             float64 `yaml:"max_dpi"`
		MaxPagesPerRequest int     `yaml:"max_pages_per_request"`
		JPEGQuality        int     `yaml:"jpeg_quality"`
	} `yaml:"render"`

	Fetch struct {
		TimeoutSecs int      `yaml:"timeout_secs"`
		MaxPDFBytes int      `yaml:"max_pdf_bytes"`
		S3          S3Config `yaml:"s3"`
	} `yaml:"fetch"`

	RateLimiter RateLimiterConfig `yaml:"rate_limiter"`

	Auth struct {
		Postgres PostgresConfig `yaml:"postgres"`
	} `yaml:"auth"`
}

// AppConfig is the process-wide configuration, populated by LoadConfig.
var AppConfig Config

func defaultConfig() Config {
	var cfg Config
	cfg.Server.Host = ""
	cfg.Server.Port = ":8080"

	cfg.Logger.File = "pdf2img.log"
	cfg.Logger.Level = "info"
	cfg.Logger.MaxSizeMB = 10
	cfg.Logger.MaxBackups = 3
	cfg.Logger.MaxAgeDays = 14

	cfg.Cache.RedisHost = "127.0.0.1:6379"
	cfg.Cache.ImageCacheDB = 1
	cfg.Cache.RateLimitDB = 0
	cfg.Cache.ImageCacheEnabled = true
	cfg.Cache.ImageCacheTTL = 24 * time.Hour

	cfg.Render.PoolSize = runtime.NumCPU()
	cfg.Render.TimeoutSecs = 60
	cfg.Render.AcquireTimeoutSecs = 5
	cfg.Render.DefaultDPI = 200
	cfg.Render.MinDPI = 36
	cfg.Render.MaxDPI = 600
	cfg.Render.MaxPagesPerRequest = 50
	cfg.Render.JPEGQuality = 95

	cfg.Fetch.TimeoutSecs = 30
	cfg.Fetch.MaxPDFBytes = 50 * 1024 * 1024

	cfg.RateLimiter.Interval = time.Minute
	return cfg
}

// LoadConfig reads config.yaml (or the file named by CONFIG_PATH) into
// AppConfig. A missing file yields the defaults; a malformed file panics
// because the service cannot run with a half-read configuration.
func LoadConfig() Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := loadConfigFrom(path)
	if err != nil {
		panic(err)
	}
	AppConfig = cfg
	return cfg
}

func loadConfigFrom(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return applyEnvOverrides(cfg), nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return applyEnvOverrides(cfg), nil
}

func validateConfig(cfg Config) error {
	if cfg.Render.TimeoutSecs <= 0 {
		return fmt.Errorf("render.timeout_secs must be positive")
	}
	if cfg.Render.AcquireTimeoutSecs < 0 {
		return fmt.Errorf("render.acquire_timeout_secs must not be negative")
	}
	if cfg.Render.MinDPI <= 0 || cfg.Render.MaxDPI < cfg.Render.MinDPI {
		return fmt.Errorf("render dpi bounds are inconsistent")
	}
	if cfg.Render.DefaultDPI < cfg.Render.MinDPI || cfg.Render.DefaultDPI > cfg.Render.MaxDPI {
		return fmt.Errorf("render.default_dpi outside min/max bounds")
	}
	if cfg.Render.JPEGQuality < 1 || cfg.Render.JPEGQuality > 100 {
		return fmt.Errorf("render.jpeg_quality must be in 1..100")
	}
	if cfg.Fetch.MaxPDFBytes <= 0 {
		return fmt.Errorf("fetch.max_pdf_bytes must be positive")
	}
	if cfg.RateLimiter.UserLimit < 0 {
		return fmt.Errorf("rate_limiter.user_limit must not be negative")
	}
	return nil
}

// applyEnvOverrides lets container deployments inject object-storage
// credentials without baking them into the config file.
func applyEnvOverrides(cfg Config) Config {
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.Fetch.S3.Endpoint = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		cfg.Fetch.S3.AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		cfg.Fetch.S3.SecretKey = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		cfg.Fetch.S3.Region = v
	}
	return cfg
}

// GetConfig returns the current process-wide configuration.
func GetConfig() Config {
	return AppConfig
}
