package tappick

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/SebastienMelki/tappick/internal/pipeline"
	"github.com/SebastienMelki/tappick/internal/session"
)

// EnvPrefix prefixes every environment variable read by LoadConfigFromEnv.
const EnvPrefix = "TAPPICK_"

// Default configuration values.
const (
	DefaultBaseURL          = "https://api.tappick.io"
	DefaultPlatform         = "android"
	DefaultBatchSize        = pipeline.DefaultBatchSize
	DefaultFlushIntervalMs  = int(pipeline.DefaultFlushInterval / time.Millisecond)
	DefaultMaxQueueSize     = pipeline.DefaultQueueCapacity
	DefaultSessionTimeoutMs = int(session.DefaultTimeout / time.Millisecond)
)

// Config holds the client configuration. JSON tags serve hosts that pass a
// serialized config; env tags serve LoadConfigFromEnv.
type Config struct {
	// APIKey authenticates against the backend (required).
	APIKey string `json:"api_key" env:"API_KEY"`

	// AppID identifies the host application (required).
	AppID string `json:"app_id" env:"APP_ID"`

	// BaseURL is the backend API root.
	BaseURL string `json:"base_url,omitempty" env:"BASE_URL"`

	// Platform is "android", "ios" or "web". Only android exposes an install
	// referrer.
	Platform string `json:"platform,omitempty" env:"PLATFORM"`

	// AppVersion is reported with installs and fingerprints.
	AppVersion string `json:"app_version,omitempty" env:"APP_VERSION"`

	// LinkDomains lists the hosts whose links are short links resolved
	// through the backend.
	LinkDomains []string `json:"link_domains,omitempty" env:"LINK_DOMAINS" envSeparator:","`

	// BatchSize is the buffered event count that triggers a flush (1-100).
	BatchSize int `json:"batch_size,omitempty" env:"BATCH_SIZE"`

	// FlushIntervalMs is the idle time before buffered events are flushed.
	FlushIntervalMs int `json:"flush_interval_ms,omitempty" env:"FLUSH_INTERVAL_MS"`

	// OfflineQueue keeps undelivered events for later retry (default: true).
	OfflineQueue *bool `json:"offline_queue,omitempty" env:"OFFLINE_QUEUE"`

	// MaxQueueSize caps the failed-event queue.
	MaxQueueSize int `json:"max_queue_size,omitempty" env:"MAX_QUEUE_SIZE"`

	// SessionTimeoutMs is the session inactivity timeout.
	SessionTimeoutMs int `json:"session_timeout_ms,omitempty" env:"SESSION_TIMEOUT_MS"`

	// EnableSessionTracking controls automatic sessions (default: true).
	EnableSessionTracking *bool `json:"enable_session_tracking,omitempty" env:"ENABLE_SESSION_TRACKING"`

	// DataPath is the SQLite database file. Empty selects RedisURL when set,
	// in-memory storage otherwise.
	DataPath string `json:"data_path,omitempty" env:"DATA_PATH"`

	// RedisURL selects a Redis-backed store shared across processes.
	RedisURL string `json:"redis_url,omitempty" env:"REDIS_URL"`

	// DebugMode enables debug logging.
	DebugMode bool `json:"debug_mode,omitempty" env:"DEBUG"`
}

// ConfigFromJSON parses, validates and defaults a serialized config.
func ConfigFromJSON(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config JSON: %w", err)
	}
	return cfg.prepared()
}

// LoadConfigFromEnv reads TAPPICK_* environment variables.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}
	return cfg.prepared()
}

func (c Config) prepared() (Config, error) {
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	c.applyDefaults()
	return c, nil
}

// validate checks required fields and value ranges.
func (c *Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.APIKey) == "" {
		errs = append(errs, errors.New("api_key is required"))
	}
	if strings.TrimSpace(c.AppID) == "" {
		errs = append(errs, errors.New("app_id is required"))
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("base_url must include scheme and host, got %q", c.BaseURL))
		}
	}
	switch c.Platform {
	case "", "android", "ios", "web":
	default:
		errs = append(errs, fmt.Errorf("platform must be android, ios or web, got %q", c.Platform))
	}
	if c.BatchSize < 0 || c.BatchSize > pipeline.MaxBatchSize {
		errs = append(errs, fmt.Errorf("batch_size must be between 0 and %d", pipeline.MaxBatchSize))
	}
	if c.FlushIntervalMs < 0 {
		errs = append(errs, errors.New("flush_interval_ms must be non-negative"))
	}
	if c.MaxQueueSize < 0 {
		errs = append(errs, errors.New("max_queue_size must be non-negative"))
	}
	if c.SessionTimeoutMs < 0 {
		errs = append(errs, errors.New("session_timeout_ms must be non-negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return &SDKError{
			Code:     ErrCodeInvalidConfig,
			Message:  err.Error(),
			Severity: SeverityFatal,
			Err:      err,
		}
	}
	return nil
}

// applyDefaults fills unset optional fields.
func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")

	if c.Platform == "" {
		c.Platform = DefaultPlatform
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushIntervalMs == 0 {
		c.FlushIntervalMs = DefaultFlushIntervalMs
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.SessionTimeoutMs == 0 {
		c.SessionTimeoutMs = DefaultSessionTimeoutMs
	}
	if c.OfflineQueue == nil {
		enabled := true
		c.OfflineQueue = &enabled
	}
	if c.EnableSessionTracking == nil {
		enabled := true
		c.EnableSessionTracking = &enabled
	}
}

func (c Config) pipelineConfig() pipeline.Config {
	return pipeline.Config{
		BatchSize:     c.BatchSize,
		FlushInterval: time.Duration(c.FlushIntervalMs) * time.Millisecond,
		OfflineQueue:  c.OfflineQueue == nil || *c.OfflineQueue,
		QueueCapacity: c.MaxQueueSize,
	}
}
