package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the agentcore runtime configuration.
type Config struct {
	DataDir  string         `json:"data_dir" mapstructure:"data_dir"`
	Queue    QueueConfig    `json:"queue" mapstructure:"queue"`
	Circuit  CircuitConfig  `json:"circuit" mapstructure:"circuit"`
	Executor ExecutorConfig `json:"executor" mapstructure:"executor"`
	Session  SessionConfig  `json:"session" mapstructure:"session"`
	Storage  StorageConfig  `json:"storage" mapstructure:"storage"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Tracing  TracingConfig  `json:"tracing" mapstructure:"tracing"`
}

// QueueConfig holds event queue, retry and DLQ settings.
type QueueConfig struct {
	MaxQueueDepth     int     `json:"max_queue_depth" mapstructure:"max_queue_depth"`
	BatchSize         int     `json:"batch_size" mapstructure:"batch_size"`
	MaxRetries        int     `json:"max_retries" mapstructure:"max_retries"`
	BaseRetryDelayMs  int     `json:"base_retry_delay_ms" mapstructure:"base_retry_delay_ms"`
	BackoffFactor     float64 `json:"backoff_factor" mapstructure:"backoff_factor"`
	MaxRetryDelayMs   int     `json:"max_retry_delay_ms" mapstructure:"max_retry_delay_ms"`
	Jitter            bool    `json:"jitter" mapstructure:"jitter"`
	BackpressureRatio float64 `json:"backpressure_ratio" mapstructure:"backpressure_ratio"`
	PollIntervalMs    int     `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	MaxDLQSize        int     `json:"max_dlq_size" mapstructure:"max_dlq_size"`
	PersistDLQ        bool    `json:"persist_dlq" mapstructure:"persist_dlq"`
}

// CircuitConfig holds circuit breaker settings.
type CircuitConfig struct {
	Threshold  int `json:"threshold" mapstructure:"threshold"`
	CooldownMs int `json:"cooldown_ms" mapstructure:"cooldown_ms"` // 0 disables automatic close
}

// ExecutorConfig holds plan executor settings.
type ExecutorConfig struct {
	MaxExecutionRounds int    `json:"max_execution_rounds" mapstructure:"max_execution_rounds"`
	ActionEndpoint     string `json:"action_endpoint" mapstructure:"action_endpoint"`
	ActionTimeoutMs    int    `json:"action_timeout_ms" mapstructure:"action_timeout_ms"`
}

// SessionConfig holds session manager settings.
type SessionConfig struct {
	SessionTTLMinutes  int            `json:"session_ttl_minutes" mapstructure:"session_ttl_minutes"`
	RecoveryGapMinutes int            `json:"recovery_gap_minutes" mapstructure:"recovery_gap_minutes"`
	SnapshotTTLMinutes int            `json:"snapshot_ttl_minutes" mapstructure:"snapshot_ttl_minutes"`
	MaxMessages        int            `json:"max_messages" mapstructure:"max_messages"`
	RoleCaps           map[string]int `json:"role_caps" mapstructure:"role_caps"`
	DigestEntryChars   int            `json:"digest_entry_chars" mapstructure:"digest_entry_chars"`
	DigestMaxChars     int            `json:"digest_max_chars" mapstructure:"digest_max_chars"`
	StrictVersioning   bool           `json:"strict_versioning" mapstructure:"strict_versioning"`
	CleanupSchedule    string         `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend       string `json:"backend" mapstructure:"backend"` // memory, sqlite, redis, mongo, postgres
	SQLitePath    string `json:"sqlite_path" mapstructure:"sqlite_path"`
	RedisURL      string `json:"redis_url" mapstructure:"redis_url"`
	MongoURI      string `json:"mongo_uri" mapstructure:"mongo_uri"`
	MongoDatabase string `json:"mongo_database" mapstructure:"mongo_database"`
	PostgresURL   string `json:"postgres_url" mapstructure:"postgres_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`

	RedactPatterns []string `json:"redact_patterns,omitempty" mapstructure:"redact_patterns"`
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
	// SharedSecret guards mutating endpoints. Empty disables the check.
	SharedSecret string `json:"shared_secret,omitempty" mapstructure:"shared_secret"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
	// Endpoint is an OTLP/HTTP collector host:port. Empty keeps spans in process.
	Endpoint    string  `json:"endpoint,omitempty" mapstructure:"endpoint"`
	Insecure    bool    `json:"insecure" mapstructure:"insecure"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxQueueDepth:     1000,
			BatchSize:         10,
			MaxRetries:        3,
			BaseRetryDelayMs:  1000,
			BackoffFactor:     2.0,
			MaxRetryDelayMs:   30000,
			Jitter:            false,
			BackpressureRatio: 0.8,
			PollIntervalMs:    100,
			MaxDLQSize:        1000,
			PersistDLQ:        true,
		},
		Circuit: CircuitConfig{
			Threshold:  5,
			CooldownMs: 0,
		},
		Executor: ExecutorConfig{
			MaxExecutionRounds: 10,
			ActionTimeoutMs:    30000,
		},
		Session: SessionConfig{
			SessionTTLMinutes:  24 * 60,
			RecoveryGapMinutes: 30,
			SnapshotTTLMinutes: 24 * 60,
			MaxMessages:        50,
			RoleCaps:           map[string]int{},
			DigestEntryChars:   120,
			DigestMaxChars:     4000,
			CleanupSchedule:    "@every 5m",
		},
		Storage: StorageConfig{
			Backend:       "sqlite",
			MongoDatabase: "agentcore",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Redaction: true,
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8088,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "agentcore",
			SampleRatio: 1,
		},
	}
}

func (q QueueConfig) BaseRetryDelay() time.Duration {
	return time.Duration(q.BaseRetryDelayMs) * time.Millisecond
}

func (q QueueConfig) MaxRetryDelay() time.Duration {
	return time.Duration(q.MaxRetryDelayMs) * time.Millisecond
}

func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMs) * time.Millisecond
}

func (c CircuitConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

func (e ExecutorConfig) ActionTimeout() time.Duration {
	return time.Duration(e.ActionTimeoutMs) * time.Millisecond
}

func (s SessionConfig) SessionTTL() time.Duration {
	return time.Duration(s.SessionTTLMinutes) * time.Minute
}

func (s SessionConfig) RecoveryGap() time.Duration {
	return time.Duration(s.RecoveryGapMinutes) * time.Minute
}

func (s SessionConfig) SnapshotTTL() time.Duration {
	return time.Duration(s.SnapshotTTLMinutes) * time.Minute
}

// Addr returns host:port for the admin server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid and returns the first problem.
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errs[0]
	}
	return nil
}
