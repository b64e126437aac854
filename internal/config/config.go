// Package config provides configuration loading and management for the
// sync server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/classtrack/sync-server/internal/sources"
	"github.com/classtrack/sync-server/internal/telemetry"
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

		// Validate the path to prevent path traversal attacks
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
	// Server configures the operator HTTP surface
	Server ServerConfig `yaml:"server"`

	// Database configures the operational and target store. When nil,
	// the server runs with in-memory stores and no crash recovery.
	Database *DatabaseConfig `yaml:"database,omitempty"`

	// Sources lists the external systems records are pulled from
	Sources []SourceConfig `yaml:"sources"`

	// Orchestrator tunes operation execution
	Orchestrator OrchestratorConfig `yaml:"orchestrator,omitempty"`

	// Health tunes the health monitor
	Health HealthConfig `yaml:"health,omitempty"`

	// Events tunes the notification publisher
	Events EventsConfig `yaml:"events,omitempty"`

	// Telemetry configures metrics export
	Telemetry *telemetry.MetricsConfig `yaml:"telemetry,omitempty"`
}

// ServerConfig defines the HTTP listener settings
type ServerConfig struct {
	// Address is the listen address, e.g. ":8080"
	Address string `yaml:"address"`

	// ShutdownTimeout bounds graceful shutdown (e.g. "15s")
	ShutdownTimeout string `yaml:"shutdownTimeout,omitempty"`
}

// SourceConfig defines a single external source
type SourceConfig struct {
	// Name is the identifier for this source
	Name string `yaml:"name"`

	// Type is the source family: sis, assessment, or intervention
	Type string `yaml:"type"`

	// Endpoint is the base URL of the source API
	Endpoint string `yaml:"endpoint"`

	// AuthTokenFile is the path to a file containing the bearer token
	AuthTokenFile string `yaml:"authTokenFile,omitempty"`

	// MinAPIVersion is the oldest source API version the adapter
	// accepts. Empty skips the check.
	MinAPIVersion string `yaml:"minApiVersion,omitempty"`

	// Schedule is the interval between scheduled syncs (e.g. "1m",
	// "24h", "168h"). Empty disables scheduling for this source.
	Schedule string `yaml:"schedule,omitempty"`

	// RateLimit bounds calls to this source
	RateLimit *RateLimitConfig `yaml:"rateLimit,omitempty"`

	// Breaker tunes the circuit breaker for this source
	Breaker *BreakerConfig `yaml:"breaker,omitempty"`
}

// RateLimitConfig defines token bucket settings per source
type RateLimitConfig struct {
	// RequestsPerSecond is the bucket refill rate
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`

	// Burst is the bucket capacity
	Burst int `yaml:"burst"`
}

// BreakerConfig defines circuit breaker settings per source
type BreakerConfig struct {
	// FailureThreshold is the consecutive failures that open the breaker
	FailureThreshold int `yaml:"failureThreshold"`

	// CoolDown is how long the breaker stays open (e.g. "30s")
	CoolDown string `yaml:"coolDown"`
}

// OrchestratorConfig tunes operation execution
type OrchestratorConfig struct {
	// MaxConcurrentOperations caps operations running at once
	MaxConcurrentOperations int `yaml:"maxConcurrentOperations,omitempty"`

	// BatchSize is the default records per transaction
	BatchSize int `yaml:"batchSize,omitempty"`

	// ParallelBatches is the default in-flight batches per operation
	ParallelBatches int `yaml:"parallelBatches,omitempty"`

	// MaxFailureRatio is the default abort threshold (failed/processed)
	MaxFailureRatio float64 `yaml:"maxFailureRatio,omitempty"`
}

// HealthConfig tunes the health monitor
type HealthConfig struct {
	// Interval is the poll interval (e.g. "30s")
	Interval string `yaml:"interval,omitempty"`
}

// EventsConfig tunes the notification publisher
type EventsConfig struct {
	// QueueSize is the bounded event buffer size
	QueueSize int `yaml:"queueSize,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password
	// This is the recommended approach for production deployments
	// The file should contain only the password with optional trailing whitespace
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxConnections is the connection pool size shared by all batches
	MaxConnections int32 `yaml:"maxConnections,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from CTSYNC_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	// Priority 1: Read from file if specified
	if d.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		// Trim whitespace (including newlines) from file content
		password := strings.TrimSpace(string(data))
		return password, nil
	}

	// Priority 2: Check environment variable
	if envPassword := os.Getenv("CTSYNC_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or CTSYNC_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	// URL-escape the password to handle special characters
	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
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

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetAuthToken reads the source's bearer token file, if configured.
func (s *SourceConfig) GetAuthToken() (string, error) {
	if s.AuthTokenFile == "" {
		return "", nil
	}

	cleanPath := filepath.Clean(s.AuthTokenFile)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return "", fmt.Errorf("failed to read auth token from file %s: %w", s.AuthTokenFile, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Server.ShutdownTimeout != "" {
		if _, err := time.ParseDuration(c.Server.ShutdownTimeout); err != nil {
			return fmt.Errorf("server.shutdownTimeout must be a valid duration: %w", err)
		}
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}

	sourceNames := make(map[string]bool)
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("source[%d]: name is required", i)
		}
		if sourceNames[src.Name] {
			return fmt.Errorf("source[%d]: duplicate source name '%s'", i, src.Name)
		}
		sourceNames[src.Name] = true

		if err := validateSourceConfig(&src, i); err != nil {
			return err
		}
	}

	if err := validateOrchestrator(&c.Orchestrator); err != nil {
		return err
	}
	if c.Health.Interval != "" {
		if _, err := time.ParseDuration(c.Health.Interval); err != nil {
			return fmt.Errorf("health.interval must be a valid duration: %w", err)
		}
	}
	return nil
}

// validateSourceConfig validates a single source configuration
func validateSourceConfig(src *SourceConfig, index int) error {
	prefix := fmt.Sprintf("source[%d] (%s)", index, src.Name)

	if !sources.ValidType(src.Type) {
		return fmt.Errorf("%s: type must be one of sis, assessment, intervention, got %q",
			prefix, src.Type)
	}
	if src.Endpoint == "" {
		return fmt.Errorf("%s: endpoint is required", prefix)
	}

	if src.Schedule != "" {
		if _, err := time.ParseDuration(src.Schedule); err != nil {
			return fmt.Errorf("%s: schedule must be a valid duration (e.g., '1m', '24h'): %w",
				prefix, err)
		}
	}

	if src.RateLimit != nil {
		if src.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("%s: rateLimit.requestsPerSecond must be positive", prefix)
		}
		if src.RateLimit.Burst <= 0 {
			return fmt.Errorf("%s: rateLimit.burst must be positive", prefix)
		}
	}

	if src.Breaker != nil {
		if src.Breaker.FailureThreshold <= 0 {
			return fmt.Errorf("%s: breaker.failureThreshold must be positive", prefix)
		}
		if src.Breaker.CoolDown != "" {
			if _, err := time.ParseDuration(src.Breaker.CoolDown); err != nil {
				return fmt.Errorf("%s: breaker.coolDown must be a valid duration: %w", prefix, err)
			}
		}
	}
	return nil
}

// validateOrchestrator validates the orchestrator tuning section
func validateOrchestrator(cfg *OrchestratorConfig) error {
	if cfg.MaxConcurrentOperations < 0 {
		return fmt.Errorf("orchestrator.maxConcurrentOperations must not be negative")
	}
	if cfg.BatchSize < 0 {
		return fmt.Errorf("orchestrator.batchSize must not be negative")
	}
	if cfg.ParallelBatches < 0 {
		return fmt.Errorf("orchestrator.parallelBatches must not be negative")
	}
	if cfg.MaxFailureRatio < 0 || cfg.MaxFailureRatio > 1 {
		return fmt.Errorf("orchestrator.maxFailureRatio must be within [0, 1]")
	}
	return nil
}
