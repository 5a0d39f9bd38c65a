package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Environment string             `toml:"environment" yaml:"environment" env:"SHUTTER_ENV"`
	Server      ServerConfig       `toml:"server" yaml:"server"`
	Logging     LoggingConfig      `toml:"logging" yaml:"logging"`
	Pool        PoolConfig         `toml:"pool" yaml:"pool"`
	Tabs        TabPoolConfig      `toml:"tabs" yaml:"tabs"`
	Browser     BrowserConfig      `toml:"browser" yaml:"browser"`
	Screenshot  ScreenshotConfig   `toml:"screenshot" yaml:"screenshot"`
	Throttle    ThrottleConfig     `toml:"throttle" yaml:"throttle"`
	Retry       RetryConfig        `toml:"retry" yaml:"retry"`
	Breaker     BreakerConfig      `toml:"breaker" yaml:"breaker"`
	RateLimit   RateLimitConfig    `toml:"rate_limit" yaml:"rate_limit"`
	Cache       CacheConfig        `toml:"cache" yaml:"cache"`
	Content     ContentCacheConfig `toml:"content_cache" yaml:"content_cache"`
	Batch       BatchConfig        `toml:"batch" yaml:"batch"`
	Storage     StorageConfig      `toml:"storage" yaml:"storage"`
	Signer      SignerConfig       `toml:"signer" yaml:"signer"`
	Rewrite     RewriteConfig      `toml:"rewrite" yaml:"rewrite"`
	Health      HealthConfig       `toml:"health" yaml:"health"`
	Watchdog    WatchdogConfig     `toml:"watchdog" yaml:"watchdog"`
}

type ServerConfig struct {
	Port int    `toml:"port" yaml:"port" env:"SHUTTER_SERVER_PORT"`
	Host string `toml:"host" yaml:"host" env:"SHUTTER_SERVER_HOST"`
}

type LoggingConfig struct {
	Level  string   `toml:"level" yaml:"level" env:"SHUTTER_LOG_LEVEL"`    // "debug", "info", "warn", "error"
	Output []string `toml:"output" yaml:"output" env:"SHUTTER_LOG_OUTPUT"` // "stdout", "file"
}

// PoolConfig controls the browser process pool.
type PoolConfig struct {
	MinSize         int           `toml:"min_size" yaml:"min_size" env:"SHUTTER_POOL_MIN_SIZE"`
	MaxSize         int           `toml:"max_size" yaml:"max_size" env:"SHUTTER_POOL_MAX_SIZE"`
	IdleTimeout     time.Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	MaxAge          time.Duration `toml:"max_age" yaml:"max_age"`
	CleanupInterval time.Duration `toml:"cleanup_interval" yaml:"cleanup_interval"`
	LaunchTimeout   time.Duration `toml:"launch_timeout" yaml:"launch_timeout"`
	ContextTimeout  time.Duration `toml:"context_timeout" yaml:"context_timeout"`
}

// TabPoolConfig controls page reuse within browser processes.
type TabPoolConfig struct {
	Enabled         bool          `toml:"enabled" yaml:"enabled" env:"SHUTTER_TABS_ENABLED"`
	Reuse           bool          `toml:"reuse" yaml:"reuse"`
	MaxPerBrowser   int           `toml:"max_per_browser" yaml:"max_per_browser" env:"SHUTTER_TABS_MAX_PER_BROWSER"`
	MaxAge          time.Duration `toml:"max_age" yaml:"max_age"`
	IdleTimeout     time.Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	CleanupInterval time.Duration `toml:"cleanup_interval" yaml:"cleanup_interval"`
	PageTimeout     time.Duration `toml:"page_timeout" yaml:"page_timeout"`
}

// BrowserConfig controls how browser processes are launched.
type BrowserConfig struct {
	Engine    string `toml:"engine" yaml:"engine" env:"SHUTTER_BROWSER_ENGINE"` // "chromium", "firefox", "webkit"
	Headless  bool   `toml:"headless" yaml:"headless"`
	NoSandbox bool   `toml:"no_sandbox" yaml:"no_sandbox"`
	UserAgent string `toml:"user_agent" yaml:"user_agent"`
}

// ScreenshotConfig controls the capture pipeline.
type ScreenshotConfig struct {
	NavTimeout        time.Duration `toml:"nav_timeout" yaml:"nav_timeout"`
	ComplexNavTimeout time.Duration `toml:"complex_nav_timeout" yaml:"complex_nav_timeout"`
	CaptureTimeout    time.Duration `toml:"capture_timeout" yaml:"capture_timeout"`
	BlockFonts        bool          `toml:"block_fonts" yaml:"block_fonts"`
	BlockMedia        bool          `toml:"block_media" yaml:"block_media"`
	BlockAnalytics    bool          `toml:"block_analytics" yaml:"block_analytics"`
	BlockThirdParty   bool          `toml:"block_third_party" yaml:"block_third_party"`
	BlockAds          bool          `toml:"block_ads" yaml:"block_ads"`
	BlockSocial       bool          `toml:"block_social" yaml:"block_social"`
}

type ThrottleConfig struct {
	MaxConcurrent int `toml:"max_concurrent" yaml:"max_concurrent" env:"SHUTTER_THROTTLE_MAX_CONCURRENT"`
	QueueSize     int `toml:"queue_size" yaml:"queue_size" env:"SHUTTER_THROTTLE_QUEUE_SIZE"`
}

type RetryConfig struct {
	MaxRetries     int           `toml:"max_retries" yaml:"max_retries"`
	BaseDelay      time.Duration `toml:"base_delay" yaml:"base_delay"`
	MaxDelay       time.Duration `toml:"max_delay" yaml:"max_delay"`
	JitterFraction float64       `toml:"jitter_fraction" yaml:"jitter_fraction"`
}

type BreakerConfig struct {
	Threshold int           `toml:"threshold" yaml:"threshold"`
	ResetTime time.Duration `toml:"reset_time" yaml:"reset_time"`
}

// RateLimitConfig holds per-tier token bucket parameters for batch admission.
type RateLimitConfig struct {
	Tiers map[string]TierLimit `toml:"tiers" yaml:"tiers"`
}

// TierLimit is expressed as rate tokens per period with burst capacity.
type TierLimit struct {
	Rate  float64       `toml:"rate" yaml:"rate"`
	Per   time.Duration `toml:"per" yaml:"per"`
	Burst int           `toml:"burst" yaml:"burst"`
}

type CacheConfig struct {
	Enabled  bool          `toml:"enabled" yaml:"enabled" env:"SHUTTER_CACHE_ENABLED"`
	MaxItems int           `toml:"max_items" yaml:"max_items"`
	TTL      time.Duration `toml:"ttl" yaml:"ttl"`
}

type ContentCacheConfig struct {
	Enabled         bool          `toml:"enabled" yaml:"enabled" env:"SHUTTER_CONTENT_CACHE_ENABLED"`
	AllContent      bool          `toml:"all_content" yaml:"all_content"`
	MaxSize         int64         `toml:"max_size" yaml:"max_size"`           // total bytes on disk
	MaxFileSize     int64         `toml:"max_file_size" yaml:"max_file_size"` // largest cacheable payload
	TTL             time.Duration `toml:"ttl" yaml:"ttl"`
	CleanupInterval time.Duration `toml:"cleanup_interval" yaml:"cleanup_interval"`
	PriorityDomains []string      `toml:"priority_domains" yaml:"priority_domains"`
}

type BatchConfig struct {
	MaxJobs        int           `toml:"max_jobs" yaml:"max_jobs"`
	JobTTL         time.Duration `toml:"job_ttl" yaml:"job_ttl"`
	MaxItems       int           `toml:"max_items" yaml:"max_items"`
	WebhookTimeout time.Duration `toml:"webhook_timeout" yaml:"webhook_timeout"`
}

type StorageConfig struct {
	ScreenshotDir  string        `toml:"screenshot_dir" yaml:"screenshot_dir" env:"SHUTTER_SCREENSHOT_DIR"`
	RetentionHours int           `toml:"retention_hours" yaml:"retention_hours"`
	SweepInterval  time.Duration `toml:"sweep_interval" yaml:"sweep_interval"`
}

// SignerConfig holds imgproxy-compatible signing parameters.
type SignerConfig struct {
	BaseURL string `toml:"base_url" yaml:"base_url" env:"SHUTTER_SIGNER_BASE_URL"`
	Key     string `toml:"key" yaml:"key" env:"SHUTTER_SIGNER_KEY"`    // hex encoded
	Salt    string `toml:"salt" yaml:"salt" env:"SHUTTER_SIGNER_SALT"` // hex encoded
}

// RewriteConfig maps public hosts to internal hosts for navigation.
type RewriteConfig struct {
	Hosts map[string]string `toml:"hosts" yaml:"hosts"`
}

type HealthConfig struct {
	Enabled      bool          `toml:"enabled" yaml:"enabled"`
	Interval     time.Duration `toml:"interval" yaml:"interval"`
	Timeout      time.Duration `toml:"timeout" yaml:"timeout"`
	StartupDelay time.Duration `toml:"startup_delay" yaml:"startup_delay"`
	TestURL      string        `toml:"test_url" yaml:"test_url"`
}

type WatchdogConfig struct {
	Enabled         bool          `toml:"enabled" yaml:"enabled"`
	Interval        time.Duration `toml:"interval" yaml:"interval"`
	UsageThreshold  float64       `toml:"usage_threshold" yaml:"usage_threshold"`
	IdleThreshold   time.Duration `toml:"idle_threshold" yaml:"idle_threshold"`
	ForceRecycleAge time.Duration `toml:"force_recycle_age" yaml:"force_recycle_age"`
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability;
// only user-facing settings should be exposed in shutter.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Pool: PoolConfig{
			MinSize:         2,
			MaxSize:         10,
			IdleTimeout:     5 * time.Minute,
			MaxAge:          1 * time.Hour,
			CleanupInterval: 1 * time.Minute,
			LaunchTimeout:   60 * time.Second,
			ContextTimeout:  30 * time.Second,
		},
		Tabs: TabPoolConfig{
			Enabled:         true,
			Reuse:           true,
			MaxPerBrowser:   4,
			MaxAge:          30 * time.Minute,
			IdleTimeout:     5 * time.Minute,
			CleanupInterval: 1 * time.Minute,
			PageTimeout:     10 * time.Second,
		},
		Browser: BrowserConfig{
			Engine:    "chromium",
			Headless:  true,
			NoSandbox: true,
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		Screenshot: ScreenshotConfig{
			NavTimeout:        30 * time.Second,
			ComplexNavTimeout: 60 * time.Second,
			CaptureTimeout:    30 * time.Second,
			BlockFonts:        false,
			BlockMedia:        true,
			BlockAnalytics:    true,
			BlockThirdParty:   false,
			BlockAds:          true,
			BlockSocial:       false,
		},
		Throttle: ThrottleConfig{
			MaxConcurrent: 20,
			QueueSize:     100,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			BaseDelay:      1 * time.Second,
			MaxDelay:       30 * time.Second,
			JitterFraction: 0.2,
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			ResetTime: 60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Tiers: map[string]TierLimit{
				"free":       {Rate: 10, Per: time.Minute, Burst: 5},
				"basic":      {Rate: 60, Per: time.Minute, Burst: 20},
				"premium":    {Rate: 300, Per: time.Minute, Burst: 60},
				"enterprise": {Rate: 1200, Per: time.Minute, Burst: 200},
			},
		},
		Cache: CacheConfig{
			Enabled:  true,
			MaxItems: 1000,
			TTL:      1 * time.Hour,
		},
		Content: ContentCacheConfig{
			Enabled:         true,
			AllContent:      false,
			MaxSize:         512 * 1024 * 1024,
			MaxFileSize:     10 * 1024 * 1024,
			TTL:             24 * time.Hour,
			CleanupInterval: 10 * time.Minute,
			PriorityDomains: []string{},
		},
		Batch: BatchConfig{
			MaxJobs:        100,
			JobTTL:         1 * time.Hour,
			MaxItems:       50,
			WebhookTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			ScreenshotDir:  "./screenshots",
			RetentionHours: 24,
			SweepInterval:  1 * time.Hour,
		},
		Signer: SignerConfig{
			BaseURL: "http://localhost:8081",
		},
		Rewrite: RewriteConfig{
			Hosts: map[string]string{},
		},
		Health: HealthConfig{
			Enabled:      true,
			Interval:     5 * time.Minute,
			Timeout:      30 * time.Second,
			StartupDelay: 30 * time.Second,
			TestURL:      "https://example.com",
		},
		Watchdog: WatchdogConfig{
			Enabled:         true,
			Interval:        30 * time.Second,
			UsageThreshold:  0.9,
			IdleThreshold:   2 * time.Minute,
			ForceRecycleAge: 2 * time.Hour,
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files. Later files override
// earlier files; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, config)
		default:
			err = toml.Unmarshal(data, config)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// Environment variables override all file configs
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority).
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks configuration invariants that cannot be expressed as types.
func (c *Config) Validate() error {
	if c.Pool.MinSize < 0 || c.Pool.MaxSize < 1 || c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("invalid pool sizing: min=%d max=%d", c.Pool.MinSize, c.Pool.MaxSize)
	}
	if c.Tabs.MaxPerBrowser < 1 {
		return fmt.Errorf("tabs.max_per_browser must be at least 1, got %d", c.Tabs.MaxPerBrowser)
	}
	if c.Throttle.MaxConcurrent < 1 || c.Throttle.QueueSize < 0 {
		return fmt.Errorf("invalid throttle sizing: max_concurrent=%d queue_size=%d", c.Throttle.MaxConcurrent, c.Throttle.QueueSize)
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction >= 1 {
		return fmt.Errorf("retry.jitter_fraction must be in [0,1), got %f", c.Retry.JitterFraction)
	}
	if c.Breaker.Threshold < 1 {
		return fmt.Errorf("breaker.threshold must be at least 1, got %d", c.Breaker.Threshold)
	}
	return nil
}
