// Package config loads portalkit settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"
)

// DefaultWSPath is appended to the API base URL when PORTAL_WS_URL is unset.
const DefaultWSPath = "/ws/metrics"

// Config is the full runtime configuration.
type Config struct {
	APIBaseURL     string        `env:"PORTAL_API_BASE_URL,required"`
	APIToken       string        `env:"PORTAL_API_TOKEN"`
	RequestTimeout time.Duration `env:"PORTAL_REQUEST_TIMEOUT"  envDefault:"30s"`
	MaxRetries     int           `env:"PORTAL_MAX_RETRIES"      envDefault:"3"`
	RetryBaseDelay time.Duration `env:"PORTAL_RETRY_BASE_DELAY" envDefault:"1s"`
	RateLimit      int           `env:"PORTAL_RATE_LIMIT"       envDefault:"300"` // Calls per minute; 0 disables

	MaxResponseSize ByteSize `env:"PORTAL_MAX_RESPONSE_SIZE" envDefault:"10MiB"`

	WSURL            string        `env:"PORTAL_WS_URL"`
	WSAutoReconnect  bool          `env:"PORTAL_WS_AUTO_RECONNECT"  envDefault:"true"`
	WSConnectTimeout time.Duration `env:"PORTAL_WS_CONNECT_TIMEOUT" envDefault:"10s"`
	WSPingInterval   time.Duration `env:"PORTAL_WS_PING_INTERVAL"   envDefault:"30s"`

	QueuePath     string        `env:"PORTAL_QUEUE_PATH"` // Empty keeps the offline queue in memory
	HealthPath    string        `env:"PORTAL_HEALTH_PATH"    envDefault:"/health"`
	ProbeInterval time.Duration `env:"PORTAL_PROBE_INTERVAL" envDefault:"15s"`

	LogLevel    string `env:"PORTAL_LOG_LEVEL"    envDefault:"info"`
	MetricsAddr string `env:"PORTAL_METRICS_ADDR"` // e.g. ":9090"; empty disables /metrics
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values and fills in derived defaults.
func (c *Config) Validate() error {
	base, err := parseURL(c.APIBaseURL, "http", "https")
	if err != nil {
		return fmt.Errorf("PORTAL_API_BASE_URL: %w", err)
	}
	c.APIBaseURL = strings.TrimSuffix(c.APIBaseURL, "/")

	if c.WSURL == "" {
		ws := *base
		ws.Scheme = "ws"
		if base.Scheme == "https" {
			ws.Scheme = "wss"
		}
		ws.Path = strings.TrimSuffix(base.Path, "/") + DefaultWSPath
		c.WSURL = ws.String()
	} else if _, err := parseURL(c.WSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("PORTAL_WS_URL: %w", err)
	}

	if c.RequestTimeout <= 0 {
		return errors.New("PORTAL_REQUEST_TIMEOUT must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("PORTAL_MAX_RETRIES must not be negative")
	}
	if c.RetryBaseDelay <= 0 {
		return errors.New("PORTAL_RETRY_BASE_DELAY must be positive")
	}
	if c.RateLimit < 0 {
		return errors.New("PORTAL_RATE_LIMIT must not be negative")
	}
	if c.MaxResponseSize <= 0 {
		c.MaxResponseSize = 10 << 20
	}
	if c.WSConnectTimeout <= 0 {
		return errors.New("PORTAL_WS_CONNECT_TIMEOUT must be positive")
	}
	if c.ProbeInterval <= 0 {
		return errors.New("PORTAL_PROBE_INTERVAL must be positive")
	}

	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	if !strings.HasPrefix(c.HealthPath, "/") {
		c.HealthPath = "/" + c.HealthPath
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("PORTAL_LOG_LEVEL: %w", err)
	}

	return nil
}

// Level returns the configured log level. Call after Validate.
func (c *Config) Level() zapcore.Level {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

func parseURL(raw string, schemes ...string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return nil, fmt.Errorf("missing host in %q", raw)
			}
			return u, nil
		}
	}
	return nil, fmt.Errorf("unsupported scheme %q (want %s)", u.Scheme, strings.Join(schemes, " or "))
}
