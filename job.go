package dripflow

import "time"

// JobOption customises a single Enqueue call.
type JobOption func(*jobOptions)

type jobOptions struct {
	key      string
	delay    time.Duration
	runAt    time.Time
	attempts int
}

// WithJobKey sets the deduplication key. While a job with the same key is
// waiting or delayed, further enqueues with that key are rejected.
func WithJobKey(key string) JobOption {
	return func(o *jobOptions) {
		o.key = key
	}
}

// WithDelay makes the job available only after d has elapsed.
func WithDelay(d time.Duration) JobOption {
	return func(o *jobOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithRunAt makes the job available at t. Times in the past mean "now".
func WithRunAt(t time.Time) JobOption {
	return func(o *jobOptions) {
		o.runAt = t
	}
}

// WithAttempts overrides the queue-wide attempt ceiling for this job.
func WithAttempts(n int) JobOption {
	return func(o *jobOptions) {
		if n > 0 {
			o.attempts = n
		}
	}
}

func (o jobOptions) availableAt(now time.Time) time.Time {
	at := now.Add(o.delay)
	if !o.runAt.IsZero() && o.runAt.After(at) {
		at = o.runAt
	}
	return at
}
