// Package dripflow is a durable delayed-job queue with deduplication by job
// key, exponential retry backoff and bounded failed-job retention. Jobs live in
// a SQL database (SQLite, MySQL or PostgreSQL) or in Redis.
package dripflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Queue is one named job queue together with its worker pool.
type Queue struct {
	cfg       *Config
	store     backend
	mgr       *Manager // set once workers are started
	mgrMu     sync.Mutex
	handlers  map[Operation]JobHandler
	handlerMu sync.RWMutex
	closed    atomic.Bool
}

// New builds a Queue. A non-nil Config.Redis selects the Redis backend,
// otherwise Config.DB is used with Config.Dialect (SQLite when empty).
func New(cfg Config) (*Queue, error) {
	cfg.applyDefaults()

	q := &Queue{
		cfg:      &cfg,
		handlers: make(map[Operation]JobHandler),
	}
	switch {
	case cfg.Redis != nil:
		q.store = newRedisBackend(q.cfg)
	case cfg.DB != nil:
		if cfg.Dialect == "" {
			q.cfg.Dialect = DialectSQLite
		}
		q.store = newSQLBackend(q.cfg)
	default:
		return nil, errors.New("dripflow: either DB or Redis must be configured")
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.cfg.Queue
}

// Migrate creates the queue tables when they do not exist yet.
func (q *Queue) Migrate(ctx context.Context) error {
	return q.store.migrate(ctx)
}

// Enqueue stores a job for op. payload is JSON-encoded unless it already is
// a json.RawMessage or []byte.
//
// When WithJobKey is used and a waiting or delayed job with that key exists,
// nothing is stored: the existing job's handle is returned with Duplicate set
// alongside ErrDuplicateJob.
func (q *Queue) Enqueue(ctx context.Context, op Operation, payload any, opts ...JobOption) (JobHandle, error) {
	if q.closed.Load() {
		return JobHandle{}, ErrQueueClosed
	}

	var o jobOptions
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return JobHandle{}, err
	}

	now := q.cfg.now()
	attempts := q.cfg.Attempts
	if o.attempts > 0 {
		attempts = o.attempts
	}
	rec := &JobRecord{
		ID:          uuid.NewString(),
		Queue:       q.cfg.Queue,
		Key:         o.key,
		Operation:   op,
		Status:      JobPending,
		Payload:     raw,
		MaxAttempts: attempts,
		AvailableAt: o.availableAt(now),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	stored, err := q.store.insert(ctx, rec)
	if errors.Is(err, ErrDuplicateJob) {
		handle := handleFor(stored)
		handle.Duplicate = true
		q.cfg.logInfo(LogEvent{
			Message: fmt.Sprintf("Job key %s already waiting as job %s", o.key, stored.ID),
			JobID:   &stored.ID,
			JobKey:  o.key,
		})
		return handle, ErrDuplicateJob
	}
	if err != nil {
		return JobHandle{}, err
	}

	// If the job is ready now, let an idle worker pick it up immediately.
	if !rec.AvailableAt.After(now) {
		q.mgrMu.Lock()
		if q.mgr != nil {
			select {
			case q.mgr.wakeup <- struct{}{}:
			default:
			}
		}
		q.mgrMu.Unlock()
	}
	return handleFor(stored), nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return raw, nil
}

func handleFor(rec *JobRecord) JobHandle {
	return JobHandle{
		ID:          rec.ID,
		Queue:       rec.Queue,
		Key:         rec.Key,
		AvailableAt: rec.AvailableAt,
	}
}

// Get loads a job by ID. Completed jobs are only found while retained.
func (q *Queue) Get(ctx context.Context, id string) (*JobRecord, error) {
	return q.store.get(ctx, id)
}

// JobCounts reports how many jobs are in each of the requested states.
// With no states given, every state is reported.
func (q *Queue) JobCounts(ctx context.Context, states ...JobState) (map[JobState]int, error) {
	all, err := q.store.counts(ctx, q.cfg.now())
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return all, nil
	}
	out := make(map[JobState]int, len(states))
	for _, s := range states {
		out[s] = all[s]
	}
	return out, nil
}

// IsPaused reports whether workers are currently prevented from claiming jobs.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	return q.store.paused(ctx)
}

// Pause stops every worker sharing this queue from claiming new jobs.
// Jobs already running finish normally.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.store.setPaused(ctx, true, q.cfg.now()); err != nil {
		return err
	}
	q.cfg.logInfo(LogEvent{Message: fmt.Sprintf("Queue %s paused", q.cfg.Queue)})
	return nil
}

// Resume lifts a Pause.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.store.setPaused(ctx, false, q.cfg.now()); err != nil {
		return err
	}
	q.cfg.logInfo(LogEvent{Message: fmt.Sprintf("Queue %s resumed", q.cfg.Queue)})
	return nil
}

// Remove deletes waiting and delayed jobs carrying key and returns how many
// were removed. Running jobs are not affected.
func (q *Queue) Remove(ctx context.Context, key string) (int, error) {
	return q.store.remove(ctx, key)
}

// StartWorkers spawns `count` workers to process jobs using the current config.
// It returns immediately, but you can call Shutdown(...) later to stop them.
func (q *Queue) StartWorkers(ctx context.Context, count int) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if count < 1 {
		count = 1
	}
	q.mgrMu.Lock()
	defer q.mgrMu.Unlock()
	if q.mgr != nil {
		return errors.New("dripflow: workers already started on this queue")
	}
	q.mgr = startWorkersInternal(ctx, count, q)
	return nil
}

// Workers reports what each started worker is doing. It is nil when no
// workers run.
func (q *Queue) Workers() []WorkerInfo {
	q.mgrMu.Lock()
	mgr := q.mgr
	q.mgrMu.Unlock()
	if mgr == nil {
		return nil
	}
	return mgr.snapshot()
}

// ProcessNext claims and runs at most one ready job on the calling goroutine,
// following the same retry rules as the workers. It reports whether a job was
// handled. Handler failures are recorded on the job, not returned.
func (q *Queue) ProcessNext(ctx context.Context) bool {
	w := &Worker{
		id:      "inline",
		cfg:     q.cfg,
		manager: &Manager{cfg: q.cfg, queue: q, wakeup: make(chan struct{}, 1)},
	}
	return w.fetchAndProcess(ctx)
}

// Shutdown gracefully stops all workers, waiting up to `timeout` for them to exit.
func (q *Queue) Shutdown(timeout time.Duration) {
	q.mgrMu.Lock()
	mgr := q.mgr
	q.mgr = nil
	q.mgrMu.Unlock()

	if mgr == nil {
		q.cfg.logInfo(LogEvent{
			Message: "No workers to shut down (did you call StartWorkers?).",
		})
		return
	}
	mgr.Shutdown(timeout)
	q.cfg.logInfo(LogEvent{Message: "Queue shutdown complete."})
}

// Close stops the workers and rejects further enqueues. The database or Redis
// connection stays open; it belongs to the caller.
func (q *Queue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	q.mgrMu.Lock()
	running := q.mgr != nil
	q.mgrMu.Unlock()
	if running {
		q.Shutdown(q.cfg.LockTimeout)
	}
	return nil
}
