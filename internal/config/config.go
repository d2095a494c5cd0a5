package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds daemon-level configuration.
type Config struct {
	Server  ServerConfig
	Logging LogConfig
	Storage StorageConfig
	// ServicesFile is the path to the per-service resilience config.
	ServicesFile string `envconfig:"SERVICES_FILE" default:"services.yaml"`
}

// ServerConfig holds HTTP gateway configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8600"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// StorageConfig holds fallback store configuration.
type StorageConfig struct {
	Dir string `envconfig:"FALLBACK_DIR" default:"/var/lib/egress/fallback"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("EGRESS", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// ServiceConfig carries every resilience knob for one remote service.
// No field has a default: a service definition that omits one is rejected,
// so operational limits are always an explicit decision.
type ServiceConfig struct {
	// Endpoint settings consumed by the HTTP fetch adapter.
	BaseURL        string  `yaml:"base_url"`
	HealthPath     string  `yaml:"health_path"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
	// SmoothingRPS paces outbound requests below the throttle windows.
	// Optional: zero disables pacing.
	SmoothingRPS float64 `yaml:"smoothing_rps"`

	// Circuit breaker.
	FailureThreshold       int `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
	HalfOpenMaxCalls       int `yaml:"half_open_max_calls"`
	SuccessThreshold       int `yaml:"success_threshold"`

	// Connection pool.
	MinIdle                    int `yaml:"min_idle"`
	MaxTotal                   int `yaml:"max_total"`
	MaxIdleSeconds             int `yaml:"max_idle_seconds"`
	HealthCheckIntervalSeconds int `yaml:"health_check_interval_seconds"`

	// Throttler.
	MaxPerSecond  int `yaml:"max_per_second"`
	MaxPerMinute  int `yaml:"max_per_minute"`
	MaxConcurrent int `yaml:"max_concurrent"`

	// Cache TTLs.
	ResultCacheTTLSeconds int `yaml:"result_cache_ttl_seconds"`
	FallbackTTLSeconds    int `yaml:"fallback_ttl_seconds"`
}

// RecoveryTimeout returns the breaker recovery window as a duration.
func (s ServiceConfig) RecoveryTimeout() time.Duration {
	return time.Duration(s.RecoveryTimeoutSeconds) * time.Second
}

// MaxIdle returns the pool idle lifetime as a duration.
func (s ServiceConfig) MaxIdle() time.Duration {
	return time.Duration(s.MaxIdleSeconds) * time.Second
}

// HealthCheckInterval returns the pool probe cadence as a duration.
func (s ServiceConfig) HealthCheckInterval() time.Duration {
	return time.Duration(s.HealthCheckIntervalSeconds) * time.Second
}

// ResultCacheTTL returns the result cache TTL as a duration.
func (s ServiceConfig) ResultCacheTTL() time.Duration {
	return time.Duration(s.ResultCacheTTLSeconds) * time.Second
}

// FallbackTTL returns the fallback freshness window as a duration.
func (s ServiceConfig) FallbackTTL() time.Duration {
	return time.Duration(s.FallbackTTLSeconds) * time.Second
}

// Timeout returns the per-call deadline as a duration.
func (s ServiceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds * float64(time.Second))
}

// Validate checks that every required field is set.
func (s ServiceConfig) Validate(name string) error {
	checks := []struct {
		field string
		ok    bool
	}{
		{"base_url", s.BaseURL != ""},
		{"timeout_seconds", s.TimeoutSeconds > 0},
		{"failure_threshold", s.FailureThreshold > 0},
		{"recovery_timeout_seconds", s.RecoveryTimeoutSeconds > 0},
		{"half_open_max_calls", s.HalfOpenMaxCalls > 0},
		{"success_threshold", s.SuccessThreshold > 0},
		{"min_idle", s.MinIdle >= 0},
		{"max_total", s.MaxTotal > 0},
		{"max_idle_seconds", s.MaxIdleSeconds > 0},
		{"health_check_interval_seconds", s.HealthCheckIntervalSeconds > 0},
		{"max_per_second", s.MaxPerSecond > 0},
		{"max_per_minute", s.MaxPerMinute > 0},
		{"max_concurrent", s.MaxConcurrent > 0},
		{"result_cache_ttl_seconds", s.ResultCacheTTLSeconds > 0},
		{"fallback_ttl_seconds", s.FallbackTTLSeconds > 0},
	}

	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("service %q: %s must be set", name, c.field)
		}
	}

	if s.MinIdle > s.MaxTotal {
		return fmt.Errorf("service %q: min_idle cannot exceed max_total", name)
	}

	return nil
}

// servicesFile is the on-disk shape of the services definition.
type servicesFile struct {
	Services map[string]ServiceConfig `yaml:"services"`
}

// LoadServices parses and validates the per-service YAML definition file.
func LoadServices(path string) (map[string]ServiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read services file: %w", err)
	}
	return ParseServices(data)
}

// ParseServices parses and validates raw services YAML.
func ParseServices(data []byte) (map[string]ServiceConfig, error) {
	var f servicesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse services file: %w", err)
	}

	if len(f.Services) == 0 {
		return nil, fmt.Errorf("services file defines no services")
	}

	for name, svc := range f.Services {
		if err := svc.Validate(name); err != nil {
			return nil, err
		}
	}

	return f.Services, nil
}
