package dripflow

import (
	"context"
	"errors"
	"time"
)

// backend is the durable storage beneath a Queue. Every method is scoped to
// the queue the backend was built for.
type backend interface {
	migrate(ctx context.Context) error

	// insert stores a new PENDING job. On a key collision with a waiting job
	// it returns that job together with ErrDuplicateJob.
	insert(ctx context.Context, rec *JobRecord) (*JobRecord, error)

	// claim atomically moves one ready (or stalled) job to IN_PROGRESS for
	// workerID and bumps its attempt counter. Returns nil when nothing is ready.
	claim(ctx context.Context, workerID string, now, lockUntil time.Time) (*JobRecord, error)

	complete(ctx context.Context, rec *JobRecord, now time.Time) error
	retry(ctx context.Context, rec *JobRecord, availableAt time.Time, errMsg string, now time.Time) error
	fail(ctx context.Context, rec *JobRecord, errMsg string, now time.Time) error

	get(ctx context.Context, id string) (*JobRecord, error)
	counts(ctx context.Context, now time.Time) (map[JobState]int, error)
	paused(ctx context.Context) (bool, error)
	setPaused(ctx context.Context, paused bool, now time.Time) error

	// remove deletes waiting and delayed jobs carrying key.
	remove(ctx context.Context, key string) (int, error)
}

// errLostLock means the job was reclaimed by another worker before this one
// reported its outcome.
var errLostLock = errors.New("dripflow: job lock lost")

// ErrJobNotFound is returned by Get for unknown IDs.
var ErrJobNotFound = errors.New("dripflow: job not found")
