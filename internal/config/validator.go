package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateDatabase(&cfg.Database)
	v.validateBroker(&cfg.Broker)
	if strings.EqualFold(cfg.Broker.Backend, "redis") {
		v.validateRedis(&cfg.Redis)
	}
	v.validateServer(&cfg.Server)
	v.validateGateway(&cfg.Gateway)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value any, msg string) {
	v.errors = append(v.errors, ValidationError{Field: field, Value: value, Message: msg})
}

func (v *Validator) oneOf(field, value string, allowed ...string) {
	if !slices.Contains(allowed, strings.ToLower(value)) {
		v.addError(field, value, "must be one of "+strings.Join(allowed, ", "))
	}
}

func (v *Validator) validateLog(cfg *LogConfig) {
	v.oneOf("log.level", cfg.Level, "debug", "info", "warn", "error")
	v.oneOf("log.format", cfg.Format, "auto", "text", "json")
}

func (v *Validator) validateDatabase(cfg *DatabaseConfig) {
	v.oneOf("database.driver", cfg.Driver, "sqlite", "mysql", "postgres")
	if cfg.DSN == "" {
		v.addError("database.dsn", cfg.DSN, "is required")
	}
	if cfg.MaxOpenConns < 0 {
		v.addError("database.max_open_conns", cfg.MaxOpenConns, "must not be negative")
	}
}

func (v *Validator) validateBroker(cfg *BrokerConfig) {
	v.oneOf("broker.backend", cfg.Backend, "sql", "redis")
	if cfg.Queue == "" {
		v.addError("broker.queue", cfg.Queue, "is required")
	}
	if cfg.Attempts < 1 {
		v.addError("broker.attempts", cfg.Attempts, "must be at least 1")
	}
	if cfg.Backoff <= 0 {
		v.addError("broker.backoff", cfg.Backoff, "must be positive")
	}
	if cfg.BackoffMultiplier < 1 {
		v.addError("broker.backoff_multiplier", cfg.BackoffMultiplier, "must be at least 1")
	}
	if cfg.BackoffMax < cfg.Backoff {
		v.addError("broker.backoff_max", cfg.BackoffMax, "must not be below broker.backoff")
	}
	if cfg.PollInterval <= 0 {
		v.addError("broker.poll_interval", cfg.PollInterval, "must be positive")
	}
	if cfg.JobTimeout < 0 {
		v.addError("broker.job_timeout", cfg.JobTimeout, "must not be negative")
	}
	if cfg.LockTimeout <= cfg.JobTimeout {
		v.addError("broker.lock_timeout", cfg.LockTimeout, "must exceed broker.job_timeout")
	}
	if cfg.Concurrency < 1 {
		v.addError("broker.concurrency", cfg.Concurrency, "must be at least 1")
	}
	if cfg.KeepCompleted < 0 {
		v.addError("broker.keep_completed", cfg.KeepCompleted, "must not be negative")
	}
	if cfg.KeepFailed < 0 {
		v.addError("broker.keep_failed", cfg.KeepFailed, "must not be negative")
	}
}

func (v *Validator) validateRedis(cfg *RedisConfig) {
	if cfg.Addr == "" {
		v.addError("redis.addr", cfg.Addr, "is required when broker.backend is redis")
	}
	if cfg.DB < 0 {
		v.addError("redis.db", cfg.DB, "must not be negative")
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Port < 1 || cfg.Port > 65535 {
		v.addError("server.port", cfg.Port, "must be between 1 and 65535")
	}
}

func (v *Validator) validateGateway(cfg *GatewayConfig) {
	v.oneOf("gateway.kind", cfg.Kind, "log", "webhook")
	if strings.EqualFold(cfg.Kind, "webhook") && cfg.URL == "" {
		v.addError("gateway.url", cfg.URL, "is required for the webhook gateway")
	}
	if cfg.Timeout < 0 {
		v.addError("gateway.timeout", cfg.Timeout, "must not be negative")
	}
}
