package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"os"
)

type Config struct {
	Retry    RetryConfig     `yaml:"retry"`
	Breaker  BreakerConfig   `yaml:"breaker"`
	Health   HealthConfig    `yaml:"health"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Logging  LoggingConfig   `yaml:"logging"`
	Web      WebConfig       `yaml:"web"`           // Web interface configuration
	Timezone string          `yaml:"timezone"`      // Global timezone setting for all components
	Proxies  []ProxyConfig   `yaml:"proxies"`
}

type RetryConfig struct {
	MaxAttempts          int           `yaml:"max_attempts"`
	BackoffStrategy      string        `yaml:"backoff_strategy"` // "fixed", "linear" or "exponential"
	BaseDelay            time.Duration `yaml:"base_delay"`
	MaxDelay             time.Duration `yaml:"max_delay"`
	Multiplier           float64       `yaml:"multiplier"`
	Jitter               *bool         `yaml:"jitter,omitempty"`         // ±50% randomization, default: true
	RetryableStatusCodes []int         `yaml:"retryable_status_codes"`   // Must be 5xx, default: 502,503,504
	TotalTimeout         time.Duration `yaml:"total_timeout"`            // Wall-clock budget across all attempts
	RetryNonIdempotent   bool          `yaml:"retry_non_idempotent"`     // Retry POST etc., default: false
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // Failures within window before opening
	WindowDuration   time.Duration `yaml:"window_duration"`   // Rolling failure window
	TimeoutDuration  time.Duration `yaml:"timeout_duration"`  // OPEN duration before a probe is allowed
	Persistence      *PersistenceConfig `yaml:"persistence,omitempty"` // Optional snapshot persistence
}

// PersistenceConfig 熔断器快照持久化配置
type PersistenceConfig struct {
	Type string `yaml:"type"` // "sqlite" | "mysql" | "none"

	// SQLite配置
	Path string `yaml:"path,omitempty"` // SQLite文件路径

	// MySQL配置
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// 连接池配置
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`

	// MySQL特定配置
	Charset  string `yaml:"charset,omitempty"`
	Timezone string `yaml:"timezone,omitempty"`
}

type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`        // Enable background health checks, default: true
	CheckInterval time.Duration `yaml:"check_interval"`
	Timeout       time.Duration `yaml:"timeout"`
	TestURL       string        `yaml:"test_url"`       // URL fetched through each proxy to probe it
}

type MetricsConfig struct {
	BufferSize        int           `yaml:"buffer_size"`        // Raw attempt record cap, default: 10000
	RetentionHours    int           `yaml:"retention_hours"`    // Hourly bucket retention, default: 72
	RecentEventsSize  int           `yaml:"recent_events_size"` // Breaker event ring size, default: 256
	AggregateInterval time.Duration `yaml:"aggregate_interval"` // Periodic fold interval, default: 5m
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable Web interface, default: false
	Host    string `yaml:"host"`    // Web interface host, default: localhost
	Port    int    `yaml:"port"`    // Web interface port, default: 8088
}

type ProxyConfig struct {
	Name     string            `yaml:"name"`
	URL      string            `yaml:"url"`
	Type     string            `yaml:"type"`               // "http", "https", "socks5"
	Region   string            `yaml:"region,omitempty"`
	Username string            `yaml:"username,omitempty"` // Optional auth username
	Password string            `yaml:"password,omitempty"` // Optional auth password
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	config.setDefaults()

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// JitterEnabled 返回抖动开关，未配置时默认开启
func (r *RetryConfig) JitterEnabled() bool {
	if r.Jitter == nil {
		return true
	}
	return *r.Jitter
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BackoffStrategy == "" {
		c.Retry.BackoffStrategy = "exponential"
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2.0
	}
	if len(c.Retry.RetryableStatusCodes) == 0 {
		c.Retry.RetryableStatusCodes = []int{502, 503, 504}
	}
	if c.Retry.TotalTimeout == 0 {
		c.Retry.TotalTimeout = 120 * time.Second // Default 2 minutes across all attempts
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.WindowDuration == 0 {
		c.Breaker.WindowDuration = 60 * time.Second
	}
	if c.Breaker.TimeoutDuration == 0 {
		c.Breaker.TimeoutDuration = 30 * time.Second
	}
	if c.Breaker.Persistence != nil {
		if c.Breaker.Persistence.Type == "" {
			c.Breaker.Persistence.Type = "sqlite"
		}
		if c.Breaker.Persistence.Type == "sqlite" && c.Breaker.Persistence.Path == "" {
			c.Breaker.Persistence.Path = "data/breakers.db"
		}
		if c.Breaker.Persistence.Type == "mysql" {
			if c.Breaker.Persistence.Port == 0 {
				c.Breaker.Persistence.Port = 3306
			}
			if c.Breaker.Persistence.Charset == "" {
				c.Breaker.Persistence.Charset = "utf8mb4"
			}
			if c.Breaker.Persistence.MaxOpenConns == 0 {
				c.Breaker.Persistence.MaxOpenConns = 10
			}
			if c.Breaker.Persistence.MaxIdleConns == 0 {
				c.Breaker.Persistence.MaxIdleConns = 5
			}
			if c.Breaker.Persistence.ConnMaxLifetime == 0 {
				c.Breaker.Persistence.ConnMaxLifetime = time.Hour
			}
		}
	}

	if c.Health.CheckInterval == 0 {
		c.Health.CheckInterval = 30 * time.Second
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = 5 * time.Second
	}
	if c.Health.TestURL == "" {
		c.Health.TestURL = "https://www.gstatic.com/generate_204"
	}

	if c.Metrics.BufferSize == 0 {
		c.Metrics.BufferSize = 10000
	}
	if c.Metrics.RetentionHours == 0 {
		c.Metrics.RetentionHours = 72
	}
	if c.Metrics.RecentEventsSize == 0 {
		c.Metrics.RecentEventsSize = 256
	}
	if c.Metrics.AggregateInterval == 0 {
		c.Metrics.AggregateInterval = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	// Set Web defaults
	if c.Web.Host == "" {
		c.Web.Host = "localhost"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8088
	}

	// Set global timezone default
	if c.Timezone == "" {
		c.Timezone = "Asia/Shanghai" // Default timezone for all components
	}

	// Set default timeouts for proxies
	for i := range c.Proxies {
		if c.Proxies[i].Type == "" {
			c.Proxies[i].Type = "http"
		}
		if c.Proxies[i].Timeout == 0 {
			c.Proxies[i].Timeout = 30 * time.Second
		}
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if len(c.Proxies) == 0 {
		return fmt.Errorf("at least one proxy must be configured")
	}

	switch c.Retry.BackoffStrategy {
	case "fixed", "linear", "exponential":
	default:
		return fmt.Errorf("backoff strategy must be 'fixed', 'linear' or 'exponential'")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1")
	}

	// 可重试状态码仅限5xx，4xx错误换代理也无济于事
	for _, code := range c.Retry.RetryableStatusCodes {
		if code < 500 || code > 599 {
			return fmt.Errorf("retryable status code %d is not a 5xx code", code)
		}
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1")
	}
	if c.Breaker.WindowDuration <= 0 {
		return fmt.Errorf("breaker window duration must be greater than 0")
	}
	if c.Breaker.TimeoutDuration <= 0 {
		return fmt.Errorf("breaker timeout duration must be greater than 0")
	}

	if c.Breaker.Persistence != nil {
		switch c.Breaker.Persistence.Type {
		case "sqlite", "mysql", "none":
		default:
			return fmt.Errorf("breaker persistence type must be 'sqlite', 'mysql' or 'none'")
		}
		if c.Breaker.Persistence.Type == "mysql" {
			if c.Breaker.Persistence.Host == "" || c.Breaker.Persistence.Database == "" ||
				c.Breaker.Persistence.Username == "" {
				return fmt.Errorf("mysql persistence requires host, database and username")
			}
		}
	}

	seen := make(map[string]bool)
	for i, proxy := range c.Proxies {
		if proxy.Name == "" {
			return fmt.Errorf("proxy %d: name is required", i)
		}
		if seen[proxy.Name] {
			return fmt.Errorf("proxy %s: duplicate name", proxy.Name)
		}
		seen[proxy.Name] = true
		if proxy.URL == "" {
			return fmt.Errorf("proxy %s: URL is required", proxy.Name)
		}
		if proxy.Type != "http" && proxy.Type != "https" && proxy.Type != "socks5" {
			return fmt.Errorf("proxy %s: type must be 'http', 'https', or 'socks5'", proxy.Name)
		}
	}

	return nil
}
