// Package config loads dripflow settings from defaults, a YAML file,
// DRIPFLOW_* environment variables and command-line flags.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Broker   BrokerConfig   `mapstructure:"broker" yaml:"broker"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Gateway  GatewayConfig  `mapstructure:"gateway" yaml:"gateway"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DatabaseConfig configures the relational store. Runs, steps and contacts
// always live here; jobs too unless the broker uses Redis.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" yaml:"driver"`
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	Schema       string `mapstructure:"schema" yaml:"schema"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// BrokerConfig configures the job queue and its workers.
type BrokerConfig struct {
	Backend           string        `mapstructure:"backend" yaml:"backend"`
	Queue             string        `mapstructure:"queue" yaml:"queue"`
	JobKeyPrefix      string        `mapstructure:"job_key_prefix" yaml:"job_key_prefix"`
	Attempts          int           `mapstructure:"attempts" yaml:"attempts"`
	Backoff           time.Duration `mapstructure:"backoff" yaml:"backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	JobTimeout        time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
	LockTimeout       time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency"`
	KeepCompleted     int           `mapstructure:"keep_completed" yaml:"keep_completed"`
	KeepFailed        int           `mapstructure:"keep_failed" yaml:"keep_failed"`
}

// RedisConfig configures the Redis broker backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// ServerConfig configures the operational HTTP server.
type ServerConfig struct {
	Host        string   `mapstructure:"host" yaml:"host"`
	Port        int      `mapstructure:"port" yaml:"port"`
	EnableCORS  bool     `mapstructure:"enable_cors" yaml:"enable_cors"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// GatewayConfig configures outbound messaging.
type GatewayConfig struct {
	Kind    string        `mapstructure:"kind" yaml:"kind"`
	URL     string        `mapstructure:"url" yaml:"url"`
	Token   string        `mapstructure:"token" yaml:"token"`
	From    string        `mapstructure:"from" yaml:"from"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}
