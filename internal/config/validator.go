package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"
)

var (
	validLogLevels = []string{"debug", "info", "warn", "error"}
	validBackends  = []string{"memory", "sqlite", "redis", "mongo", "postgres"}
)

// Validator validates configuration values
type Validator struct {
	cronParser cron.Parser
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	if slices.Contains(validLogLevels, level) {
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLogLevels, ", "))
}

// ValidateBackend validates the storage backend name.
func (v *Validator) ValidateBackend(backend string) error {
	if slices.Contains(validBackends, backend) {
		return nil
	}
	return fmt.Errorf("invalid storage backend: %s (must be one of: %s)", backend, strings.Join(validBackends, ", "))
}

// ValidateURL checks that raw parses and uses one of the given schemes.
func (v *Validator) ValidateURL(name, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("%s: unsupported scheme %q (must be one of: %s)", name, u.Scheme, strings.Join(schemes, ", "))
	}
	return nil
}

// ValidateSchedule validates a cron expression or descriptor such as "@every 5m".
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := v.cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	q := cfg.Queue
	if q.MaxQueueDepth <= 0 {
		add(fmt.Errorf("queue.max_queue_depth must be > 0"))
	}
	if q.BatchSize <= 0 {
		add(fmt.Errorf("queue.batch_size must be > 0"))
	}
	if q.MaxRetries < 0 {
		add(fmt.Errorf("queue.max_retries must be >= 0"))
	}
	if q.BaseRetryDelayMs < 0 || q.MaxRetryDelayMs < 0 {
		add(fmt.Errorf("queue retry delays must be >= 0"))
	}
	if q.MaxRetryDelayMs < q.BaseRetryDelayMs {
		add(fmt.Errorf("queue.max_retry_delay_ms must be >= base_retry_delay_ms"))
	}
	if q.BackoffFactor < 1 {
		add(fmt.Errorf("queue.backoff_factor must be >= 1"))
	}
	if q.BackpressureRatio <= 0 || q.BackpressureRatio > 1 {
		add(fmt.Errorf("queue.backpressure_ratio must be in (0, 1]"))
	}
	if q.PollIntervalMs <= 0 {
		add(fmt.Errorf("queue.poll_interval_ms must be > 0"))
	}
	if q.MaxDLQSize <= 0 {
		add(fmt.Errorf("queue.max_dlq_size must be > 0"))
	}

	if cfg.Circuit.Threshold <= 0 {
		add(fmt.Errorf("circuit.threshold must be > 0"))
	}
	if cfg.Circuit.CooldownMs < 0 {
		add(fmt.Errorf("circuit.cooldown_ms must be >= 0"))
	}

	if cfg.Executor.MaxExecutionRounds <= 0 {
		add(fmt.Errorf("executor.max_execution_rounds must be > 0"))
	}
	if cfg.Executor.ActionEndpoint != "" {
		add(v.ValidateURL("executor.action_endpoint", cfg.Executor.ActionEndpoint, "http", "https"))
	}

	s := cfg.Session
	if s.SessionTTLMinutes <= 0 || s.SnapshotTTLMinutes <= 0 {
		add(fmt.Errorf("session TTLs must be > 0"))
	}
	if s.RecoveryGapMinutes < 0 {
		add(fmt.Errorf("session.recovery_gap_minutes must be >= 0"))
	}
	if s.MaxMessages <= 0 {
		add(fmt.Errorf("session.max_messages must be > 0"))
	}
	for role, limit := range s.RoleCaps {
		if limit < 0 {
			add(fmt.Errorf("session.role_caps[%s] must be >= 0", role))
		}
	}
	add(v.ValidateSchedule(s.CleanupSchedule))

	st := cfg.Storage
	add(v.ValidateBackend(st.Backend))
	switch st.Backend {
	case "redis":
		add(v.ValidateURL("storage.redis_url", st.RedisURL, "redis", "rediss"))
	case "mongo":
		add(v.ValidateURL("storage.mongo_uri", st.MongoURI, "mongodb", "mongodb+srv"))
		if st.MongoDatabase == "" {
			add(fmt.Errorf("storage.mongo_database is required"))
		}
	case "postgres":
		add(v.ValidateURL("storage.postgres_url", st.PostgresURL, "postgres", "postgresql"))
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))

	if cfg.Server.Enabled && (cfg.Server.Port <= 0 || cfg.Server.Port > 65535) {
		add(fmt.Errorf("server.port must be in 1..65535"))
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		add(fmt.Errorf("tracing.sample_ratio must be in [0, 1]"))
	}

	return errs
}
