package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Redis      RedisConfig      `json:"redis"`
	Health     HealthConfig     `json:"health"`
	Client     ClientConfig     `json:"client"`
	Aggregator AggregatorConfig `json:"aggregator"`
	Logging    LoggingConfig    `json:"logging"`
	Tracing    TracingConfig    `json:"tracing"`

	// InstanceID identifies this process on the event bus so self-originated
	// breaker events can be skipped on consumption.
	InstanceID string `json:"instance_id"`

	// Dependencies maps dependency id to its base URL.
	Dependencies map[string]string `json:"dependencies"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// RedisConfig contains Redis connection configuration for the event bus
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
	Channel  string `json:"channel"`
}

// HealthConfig tunes the degradation classification state machine
type HealthConfig struct {
	UnavailableThreshold int           `json:"unavailable_threshold"`
	ImpairedThreshold    int           `json:"impaired_threshold"`
	RecoveryQuorum       int           `json:"recovery_quorum"`
	ErrorRateUnavailable float64       `json:"error_rate_unavailable"`
	ErrorRateImpaired    float64       `json:"error_rate_impaired"`
	ErrorRateDegraded    float64       `json:"error_rate_degraded"`
	LatencyP95Impaired   time.Duration `json:"latency_p95_impaired"`
	LatencyP95Degraded   time.Duration `json:"latency_p95_degraded"`
	CacheTTL             time.Duration `json:"cache_ttl"`
	RefreshInterval      time.Duration `json:"refresh_interval"`
	MetricsWindow        time.Duration `json:"metrics_window"`
}

// ClientConfig contains per-dependency client defaults
type ClientConfig struct {
	Timeout            time.Duration `json:"timeout"`
	MaxRetries         int           `json:"max_retries"`
	InitialBackoff     time.Duration `json:"initial_backoff"`
	MaxBackoff         time.Duration `json:"max_backoff"`
	BreakerMaxHalfOpen uint32        `json:"breaker_max_half_open"`
	BreakerInterval    time.Duration `json:"breaker_interval"`
	BreakerOpenWait    time.Duration `json:"breaker_open_wait"`
	BreakerFailureRate float64       `json:"breaker_failure_rate"`
	BreakerMinRequests uint32        `json:"breaker_min_requests"`
	SlowCallThreshold  time.Duration `json:"slow_call_threshold"`
	SlowCallRate       float64       `json:"slow_call_rate"`
	CriticalPaths      []string      `json:"critical_paths"`
}

// AggregatorConfig tunes the ecosystem health rollup
type AggregatorConfig struct {
	PollInterval     time.Duration `json:"poll_interval"`
	ProbeTimeout     time.Duration `json:"probe_timeout"`
	CycleTimeout     time.Duration `json:"cycle_timeout"`
	LatencyPenalty5  time.Duration `json:"latency_penalty_5"`
	LatencyPenalty10 time.Duration `json:"latency_penalty_10"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Environment    string  `json:"environment"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
			Channel:  getEnvString("REDIS_EVENT_CHANNEL", "pulsemesh.events"),
		},
		Health: HealthConfig{
			UnavailableThreshold: getEnvInt("HEALTH_UNAVAILABLE_THRESHOLD", 5),
			ImpairedThreshold:    getEnvInt("HEALTH_IMPAIRED_THRESHOLD", 3),
			RecoveryQuorum:       getEnvInt("HEALTH_RECOVERY_QUORUM", 3),
			ErrorRateUnavailable: getEnvFloat("HEALTH_ERROR_RATE_UNAVAILABLE", 0.10),
			ErrorRateImpaired:    getEnvFloat("HEALTH_ERROR_RATE_IMPAIRED", 0.05),
			ErrorRateDegraded:    getEnvFloat("HEALTH_ERROR_RATE_DEGRADED", 0.01),
			LatencyP95Impaired:   getEnvDuration("HEALTH_LATENCY_P95_IMPAIRED", 500*time.Millisecond),
			LatencyP95Degraded:   getEnvDuration("HEALTH_LATENCY_P95_DEGRADED", 200*time.Millisecond),
			CacheTTL:             getEnvDuration("HEALTH_CACHE_TTL", 5*time.Second),
			RefreshInterval:      getEnvDuration("HEALTH_REFRESH_INTERVAL", 10*time.Second),
			MetricsWindow:        getEnvDuration("HEALTH_METRICS_WINDOW", 60*time.Second),
		},
		Client: ClientConfig{
			Timeout:            getEnvDuration("CLIENT_TIMEOUT", 5*time.Second),
			MaxRetries:         getEnvInt("CLIENT_MAX_RETRIES", 3),
			InitialBackoff:     getEnvDuration("CLIENT_INITIAL_BACKOFF", 100*time.Millisecond),
			MaxBackoff:         getEnvDuration("CLIENT_MAX_BACKOFF", 2*time.Second),
			BreakerMaxHalfOpen: uint32(getEnvInt("CLIENT_BREAKER_MAX_HALF_OPEN", 3)),
			BreakerInterval:    getEnvDuration("CLIENT_BREAKER_INTERVAL", 60*time.Second),
			BreakerOpenWait:    getEnvDuration("CLIENT_BREAKER_OPEN_WAIT", 30*time.Second),
			BreakerFailureRate: getEnvFloat("CLIENT_BREAKER_FAILURE_RATE", 0.5),
			BreakerMinRequests: uint32(getEnvInt("CLIENT_BREAKER_MIN_REQUESTS", 10)),
			SlowCallThreshold:  getEnvDuration("CLIENT_SLOW_CALL_THRESHOLD", 2*time.Second),
			SlowCallRate:       getEnvFloat("CLIENT_SLOW_CALL_RATE", 0.5),
			CriticalPaths:      getEnvStringSlice("CLIENT_CRITICAL_PATHS", []string{"/health", "/critical", "/emergency"}),
		},
		Aggregator: AggregatorConfig{
			PollInterval:     getEnvDuration("AGGREGATOR_POLL_INTERVAL", 30*time.Second),
			ProbeTimeout:     getEnvDuration("AGGREGATOR_PROBE_TIMEOUT", 5*time.Second),
			CycleTimeout:     getEnvDuration("AGGREGATOR_CYCLE_TIMEOUT", 15*time.Second),
			LatencyPenalty5:  getEnvDuration("AGGREGATOR_LATENCY_PENALTY_5", 500*time.Millisecond),
			LatencyPenalty10: getEnvDuration("AGGREGATOR_LATENCY_PENALTY_10", 1*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("TRACING_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
			Environment:    getEnvString("TRACING_ENVIRONMENT", "development"),
		},
		InstanceID:   getEnvString("INSTANCE_ID", ""),
		Dependencies: parseDependencies(getEnvString("DEPENDENCIES", "")),
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Health.RecoveryQuorum < 1 {
		return fmt.Errorf("recovery quorum must be at least 1")
	}

	if c.Health.ImpairedThreshold >= c.Health.UnavailableThreshold {
		return fmt.Errorf("impaired threshold must be below unavailable threshold")
	}

	if c.Client.BreakerFailureRate <= 0 || c.Client.BreakerFailureRate > 1 {
		return fmt.Errorf("breaker failure rate must be in (0, 1]")
	}

	for id, url := range c.Dependencies {
		if id == "" || url == "" {
			return fmt.Errorf("dependency entries must be id=url pairs")
		}
	}

	return nil
}

// RedisURL returns the Redis connection URL
func (c *Config) RedisURL() string {
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Redis.Password,
			c.Redis.Host,
			c.Redis.Port,
			c.Redis.DB,
		)
	}
	return fmt.Sprintf("redis://%s:%d/%d",
		c.Redis.Host,
		c.Redis.Port,
		c.Redis.DB,
	)
}

// parseDependencies parses "id=url,id=url" into a map
func parseDependencies(raw string) map[string]string {
	deps := make(map[string]string)
	if raw == "" {
		return deps
	}

	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) == 2 && parts[0] != "" {
			deps[parts[0]] = parts[1]
		}
	}
	return deps
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
