package dripflow

import (
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
)

// LogEvent captures information about a logging event.
type LogEvent struct {
	// A human-readable message about the event.
	Message string

	// The ID of the worker that triggered the log (if any).
	WorkerID string

	// The Job ID, if available.
	JobID *string

	// The deduplication key of the job, if any.
	JobKey string

	// The operation name, if available.
	Operation *string

	// Any error associated with the event.
	Err error

	// How long the job or operation took, if relevant.
	Duration *time.Duration
}

// Config holds the settings and resources needed by the queue system.
type Config struct {
	// DB is the user-provided database connection where the jobs table is stored.
	// Ignored when Redis is set.
	DB *sql.DB

	// Dialect selects the SQL flavour spoken by DB.
	Dialect Dialect

	// DbName optionally qualifies the queue tables (database in MySQL, schema in Postgres).
	DbName string

	// Redis switches the queue to the Redis backend when non-nil.
	Redis *redis.Client

	// RedisPrefix namespaces every Redis key. Defaults to "dripflow".
	RedisPrefix string

	// Queue is the name of the queue served by this instance. Defaults to "workflow".
	Queue string

	// Attempts is how many times a job may run before it is moved to the failed set.
	Attempts int

	// BackoffTime is the delay before the first retry of a failed job.
	BackoffTime time.Duration

	// BackoffMultiplier grows the delay for every further attempt.
	BackoffMultiplier float64

	// MaxBackoff caps the retry delay. Zero means no cap.
	MaxBackoff time.Duration

	// PollInterval is how frequently workers check for new jobs.
	PollInterval time.Duration

	// JobTimeout is how long we allow an individual job to run before marking it as failed.
	// If zero, there is no enforced timeout.
	JobTimeout time.Duration

	// LockTimeout is how long a claimed job stays invisible to other workers.
	// A job still locked past this point is considered stalled and reclaimed.
	LockTimeout time.Duration

	// KeepCompleted is how many completed jobs are retained. Zero deletes jobs on success.
	KeepCompleted int

	// KeepFailed bounds the failed set kept for inspection.
	KeepFailed int

	// Now overrides the clock. Used by tests.
	Now func() time.Time

	// InfoLog is called for informational or success logs.
	// If nil, defaults to slog.Default().
	InfoLog func(ev LogEvent)

	// ErrorLog is called for error logs.
	// If nil, defaults to slog.Default().
	ErrorLog func(ev LogEvent)
}

const (
	DefaultQueue             = "workflow"
	DefaultAttempts          = 5
	DefaultBackoffTime       = time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultPollInterval      = time.Second
	DefaultLockTimeout       = 2 * time.Minute
	DefaultKeepFailed        = 1000
	DefaultRedisPrefix       = "dripflow"
)

func (c *Config) applyDefaults() {
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.BackoffTime <= 0 {
		c.BackoffTime = DefaultBackoffTime
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.KeepFailed <= 0 {
		c.KeepFailed = DefaultKeepFailed
	}
	if c.KeepCompleted < 0 {
		c.KeepCompleted = 0
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = DefaultRedisPrefix
	}
	if c.InfoLog == nil {
		c.InfoLog = defaultInfoLog
	}
	if c.ErrorLog == nil {
		c.ErrorLog = defaultErrorLog
	}
}

func (c *Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
