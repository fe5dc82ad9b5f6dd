// Package config provides configuration loading and management for the
// forgesync server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding field is unset
const (
	DefaultWorkers          = 3
	DefaultConcurrency      = 5
	DefaultMaxRetries       = 3
	DefaultCacheTTL         = 5 * time.Minute
	DefaultCacheCapacity    = 1000
	DefaultRateLimitReserve = 50
	DefaultJobTimeout       = 9 * time.Minute
	DefaultRequestTimeout   = 30 * time.Second
	DefaultSyncInterval     = 30 * time.Minute
	DefaultRetention        = 7 * 24 * time.Hour
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Upstream  UpstreamConfig   `yaml:"upstream"`
	Sync      SyncConfig       `yaml:"sync"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Webhook   WebhookConfig    `yaml:"webhook"`
	Database  *DatabaseConfig  `yaml:"database,omitempty"`
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// UpstreamConfig defines the upstream forge API connection settings
type UpstreamConfig struct {
	// Endpoint is the base API URL, without a trailing slash
	Endpoint string `yaml:"endpoint"`

	// TokenFile is the path to a file containing the API token.
	// Falls back to the FORGESYNC_UPSTREAM_TOKEN environment variable.
	TokenFile string `yaml:"tokenFile,omitempty"`

	// RequestTimeout bounds a single HTTP request (e.g. "30s")
	RequestTimeout string `yaml:"requestTimeout,omitempty"`

	// CacheTTLSeconds is the response cache time-to-live
	CacheTTLSeconds int `yaml:"cacheTtlSeconds,omitempty"`

	// CacheCapacity is the LRU capacity of the response cache
	CacheCapacity int `yaml:"cacheCapacity,omitempty"`

	// RateLimitReserve is the remaining-quota margin below which the client
	// waits for the rate limit window to reset instead of issuing calls
	RateLimitReserve int `yaml:"rateLimitReserve,omitempty"`
}

// SyncConfig defines orchestrator settings
type SyncConfig struct {
	// Concurrency is the per-run chunk concurrency
	Concurrency int `yaml:"concurrency,omitempty"`

	// Interval is the background incremental sync interval (e.g. "30m").
	// Empty disables the background coordinator.
	Interval string `yaml:"interval,omitempty"`

	// Scopes lists the upstream scopes (e.g. org names) enumerated by a
	// full sync when no explicit scope is requested
	Scopes []string `yaml:"scopes,omitempty"`
}

// PipelineConfig defines job pipeline settings
type PipelineConfig struct {
	// Workers is the number of concurrent job workers
	Workers int `yaml:"workers,omitempty"`

	// MaxRetries is the default retry budget per job
	MaxRetries int `yaml:"maxRetries,omitempty"`

	// JobTimeoutSeconds is the hard per-job execution deadline
	JobTimeoutSeconds int `yaml:"jobTimeoutSeconds,omitempty"`

	// RetentionDays bounds how long completed/failed jobs are kept before
	// cleanup purges them
	RetentionDays int `yaml:"retentionDays,omitempty"`
}

// WebhookConfig defines inbound webhook settings
type WebhookConfig struct {
	// SecretFile is the path to a file containing the shared HMAC secret.
	// Falls back to the FORGESYNC_WEBHOOK_SECRET environment variable.
	SecretFile string `yaml:"secretFile,omitempty"`

	// AllowRedelivery returns HTTP 500 on internal handler errors so the
	// upstream re-delivers. The default acknowledges with 200 after
	// capturing the error, avoiding re-delivery storms.
	AllowRedelivery bool `yaml:"allowRedelivery,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// The file should contain only the password with optional trailing
	// whitespace.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require,
	// verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxConns is the maximum size of the connection pool
	MaxConns int32 `yaml:"maxConns,omitempty"`
}

// TelemetryConfig defines OpenTelemetry export settings
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ServiceName    string  `yaml:"serviceName,omitempty"`
	Endpoint       string  `yaml:"endpoint,omitempty"`
	Insecure       bool    `yaml:"insecure,omitempty"`
	SamplingRatio  float64 `yaml:"samplingRatio,omitempty"`
	ExportInterval string  `yaml:"exportInterval,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Upstream.Endpoint == "" {
		return fmt.Errorf("upstream.endpoint is required")
	}
	if strings.HasSuffix(c.Upstream.Endpoint, "/") {
		c.Upstream.Endpoint = strings.TrimRight(c.Upstream.Endpoint, "/")
	}

	if c.Upstream.RequestTimeout != "" {
		if _, err := time.ParseDuration(c.Upstream.RequestTimeout); err != nil {
			return fmt.Errorf("upstream.requestTimeout must be a valid duration (e.g. '30s'): %w", err)
		}
	}

	if c.Sync.Interval != "" {
		if _, err := time.ParseDuration(c.Sync.Interval); err != nil {
			return fmt.Errorf("sync.interval must be a valid duration (e.g. '30m', '1h'): %w", err)
		}
	}

	if c.Sync.Concurrency < 0 {
		return fmt.Errorf("sync.concurrency must not be negative")
	}
	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers must not be negative")
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.maxRetries must not be negative")
	}

	if c.Database != nil {
		if err := c.Database.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (d *DatabaseConfig) validate() error {
	if d.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if d.Port == 0 {
		return fmt.Errorf("database.port is required")
	}
	if d.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if d.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	return nil
}

// GetConcurrency returns the chunk concurrency, applying the default
func (s *SyncConfig) GetConcurrency() int {
	if s.Concurrency == 0 {
		return DefaultConcurrency
	}
	return s.Concurrency
}

// IntervalDuration returns the parsed sync interval, applying the default
func (s *SyncConfig) IntervalDuration() time.Duration {
	if s.Interval == "" {
		return DefaultSyncInterval
	}
	d, err := time.ParseDuration(s.Interval)
	if err != nil {
		return DefaultSyncInterval
	}
	return d
}

// GetWorkers returns the worker count, applying the default
func (p *PipelineConfig) GetWorkers() int {
	if p.Workers == 0 {
		return DefaultWorkers
	}
	return p.Workers
}

// GetMaxRetries returns the retry budget, applying the default
func (p *PipelineConfig) GetMaxRetries() int {
	if p.MaxRetries == 0 {
		return DefaultMaxRetries
	}
	return p.MaxRetries
}

// GetJobTimeout returns the per-job deadline, applying the default
func (p *PipelineConfig) GetJobTimeout() time.Duration {
	if p.JobTimeoutSeconds == 0 {
		return DefaultJobTimeout
	}
	return time.Duration(p.JobTimeoutSeconds) * time.Second
}

// GetRetention returns the cleanup retention window, applying the default
func (p *PipelineConfig) GetRetention() time.Duration {
	if p.RetentionDays == 0 {
		return DefaultRetention
	}
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}

// GetRequestTimeout returns the parsed request timeout, applying the default
func (u *UpstreamConfig) GetRequestTimeout() time.Duration {
	if u.RequestTimeout == "" {
		return DefaultRequestTimeout
	}
	d, err := time.ParseDuration(u.RequestTimeout)
	if err != nil {
		return DefaultRequestTimeout
	}
	return d
}

// GetCacheTTL returns the cache TTL, applying the default
func (u *UpstreamConfig) GetCacheTTL() time.Duration {
	if u.CacheTTLSeconds == 0 {
		return DefaultCacheTTL
	}
	return time.Duration(u.CacheTTLSeconds) * time.Second
}

// GetCacheCapacity returns the LRU capacity, applying the default
func (u *UpstreamConfig) GetCacheCapacity() int {
	if u.CacheCapacity == 0 {
		return DefaultCacheCapacity
	}
	return u.CacheCapacity
}

// GetRateLimitReserve returns the reserve threshold, applying the default
func (u *UpstreamConfig) GetRateLimitReserve() int {
	if u.RateLimitReserve == 0 {
		return DefaultRateLimitReserve
	}
	return u.RateLimitReserve
}

// GetToken returns the upstream API token using the following priority:
// 1. Read from TokenFile if specified
// 2. Read from FORGESYNC_UPSTREAM_TOKEN environment variable
// An empty token is allowed; the client then runs unauthenticated.
func (u *UpstreamConfig) GetToken() (string, error) {
	if u.TokenFile != "" {
		cleanPath := filepath.Clean(u.TokenFile)
		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read token from file %s: %w", u.TokenFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	return os.Getenv("FORGESYNC_UPSTREAM_TOKEN"), nil
}

// GetSecret returns the webhook HMAC secret using the following priority:
// 1. Read from SecretFile if specified
// 2. Read from FORGESYNC_WEBHOOK_SECRET environment variable
func (w *WebhookConfig) GetSecret() (string, error) {
	if w.SecretFile != "" {
		cleanPath := filepath.Clean(w.SecretFile)
		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read secret from file %s: %w", w.SecretFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envSecret := os.Getenv("FORGESYNC_WEBHOOK_SECRET"); envSecret != "" {
		return envSecret, nil
	}

	return "", fmt.Errorf(
		"no webhook secret configured: set webhook.secretFile or FORGESYNC_WEBHOOK_SECRET environment variable",
	)
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from FORGESYNC_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv("FORGESYNC_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or FORGESYNC_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string for pgx
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		password,
		d.Database,
		sslMode,
	)

	return connStr, nil
}
