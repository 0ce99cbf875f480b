package dripflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// WorkerStatus is what a worker was last doing.
type WorkerStatus int

const (
	WorkerIdle WorkerStatus = iota
	WorkerBusy
	WorkerFailing
	WorkerExecFailed
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerBusy:
		return "busy"
	case WorkerFailing:
		return "failing"
	case WorkerExecFailed:
		return "exec_failed"
	default:
		return fmt.Sprintf("WorkerStatus(%d)", int(s))
	}
}

// WorkerInfo is a snapshot of one worker. JobID and JobKey are set while it
// runs a job.
type WorkerInfo struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	JobID  string `json:"jobId,omitempty"`
	JobKey string `json:"jobKey,omitempty"`
}

type Worker struct {
	id  string
	cfg *Config

	manager *Manager

	mu         sync.Mutex
	status     WorkerStatus
	currentJob *JobRecord
}

func (w *Worker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

func (w *Worker) setJob(jobRec *JobRecord) {
	w.mu.Lock()
	w.currentJob = jobRec
	if jobRec != nil {
		w.status = WorkerBusy
	}
	w.mu.Unlock()
}

func (w *Worker) info() WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	wi := WorkerInfo{ID: w.id, Status: w.status.String()}
	if w.currentJob != nil {
		wi.JobID = w.currentJob.ID
		wi.JobKey = w.currentJob.Key
	}
	return wi
}

// Run keeps polling the backend for jobs until context is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.cfg.logInfo(LogEvent{
		Message:  fmt.Sprintf("Worker %s started.", w.id),
		WorkerID: w.id,
	})

	for {
		select {
		case <-ctx.Done():
			w.cfg.logInfo(LogEvent{
				Message:  fmt.Sprintf("Worker %s context canceled, stopping.", w.id),
				WorkerID: w.id,
			})
			return

		case <-ticker.C:
		case <-w.manager.wakeup:
		}

		// Drain everything that is ready before going back to sleep.
		for ctx.Err() == nil && w.fetchAndProcess(ctx) {
		}
	}
}

// fetchAndProcess claims and runs at most one job. It reports whether a job was handled.
func (w *Worker) fetchAndProcess(ctx context.Context) bool {
	w.setStatus(WorkerIdle)
	store := w.manager.queue.store

	paused, err := store.paused(ctx)
	if err != nil {
		w.setStatus(WorkerFailing)
		w.cfg.logError(LogEvent{
			Message:  fmt.Sprintf("Error reading pause flag for worker %s", w.id),
			WorkerID: w.id,
			Err:      err,
		})
		return false
	}
	if paused {
		return false
	}

	now := w.cfg.now()
	jobRec, err := store.claim(ctx, w.id, now, now.Add(w.cfg.LockTimeout))
	if err != nil {
		w.setStatus(WorkerFailing)
		w.cfg.logError(LogEvent{
			Message:  fmt.Sprintf("Error fetching job for worker %s", w.id),
			WorkerID: w.id,
			Err:      err,
		})
		return false
	}
	if jobRec == nil {
		return false
	}

	w.setJob(jobRec)
	defer w.setJob(nil)

	start := time.Now()
	opStr := string(jobRec.Operation)
	w.cfg.logInfo(LogEvent{
		Message:   fmt.Sprintf("Processing job %s (op: %s, attempt %d/%d)", jobRec.ID, opStr, jobRec.Attempt, jobRec.MaxAttempts),
		WorkerID:  w.id,
		JobID:     &jobRec.ID,
		JobKey:    jobRec.Key,
		Operation: &opStr,
	})

	execErr := w.executeJob(ctx, jobRec)
	elapsed := time.Since(start)

	// The outcome is recorded even when shutdown cancelled ctx mid-job.
	finishCtx := context.WithoutCancel(ctx)
	finishedAt := w.cfg.now()

	var finishErr error
	switch {
	case execErr == nil:
		finishErr = store.complete(finishCtx, jobRec, finishedAt)
		w.cfg.logInfo(LogEvent{
			Message:   fmt.Sprintf("Job %s COMPLETED in %v", jobRec.ID, elapsed),
			WorkerID:  w.id,
			JobID:     &jobRec.ID,
			JobKey:    jobRec.Key,
			Operation: &opStr,
			Duration:  &elapsed,
		})

	case errors.Is(execErr, errUnknownOperation):
		// Retrying cannot help a job nobody handles.
		finishErr = store.complete(finishCtx, jobRec, finishedAt)
		w.cfg.logError(LogEvent{
			Message:   fmt.Sprintf("Job %s dropped: unknown operation %s", jobRec.ID, opStr),
			WorkerID:  w.id,
			JobID:     &jobRec.ID,
			JobKey:    jobRec.Key,
			Operation: &opStr,
			Err:       execErr,
		})

	case jobRec.LastAttempt():
		w.setStatus(WorkerExecFailed)
		finishErr = store.fail(finishCtx, jobRec, execErr.Error(), finishedAt)
		w.cfg.logError(LogEvent{
			Message:   fmt.Sprintf("Job %s FAILED after %d attempts in %v", jobRec.ID, jobRec.Attempt, elapsed),
			WorkerID:  w.id,
			JobID:     &jobRec.ID,
			JobKey:    jobRec.Key,
			Operation: &opStr,
			Duration:  &elapsed,
			Err:       execErr,
		})

	default:
		w.setStatus(WorkerExecFailed)
		next := finishedAt.Add(w.cfg.retryDelay(jobRec.Attempt))
		finishErr = store.retry(finishCtx, jobRec, next, execErr.Error(), finishedAt)
		w.cfg.logError(LogEvent{
			Message:   fmt.Sprintf("Job %s attempt %d failed in %v, retrying at %s", jobRec.ID, jobRec.Attempt, elapsed, next.Format(time.RFC3339)),
			WorkerID:  w.id,
			JobID:     &jobRec.ID,
			JobKey:    jobRec.Key,
			Operation: &opStr,
			Duration:  &elapsed,
			Err:       execErr,
		})
	}

	if finishErr != nil {
		msg := fmt.Sprintf("Error finishing job %s", jobRec.ID)
		if errors.Is(finishErr, errLostLock) {
			msg = fmt.Sprintf("Job %s was reclaimed by another worker before it finished", jobRec.ID)
		}
		w.cfg.logError(LogEvent{
			Message:   msg,
			WorkerID:  w.id,
			JobID:     &jobRec.ID,
			Operation: &opStr,
			Err:       finishErr,
		})
	}
	if execErr == nil {
		w.setStatus(WorkerIdle)
	}
	return true
}

// executeJob calls the appropriate handler for the job's operation, optionally enforcing a timeout.
func (w *Worker) executeJob(ctx context.Context, jobRec *JobRecord) error {
	handler, err := w.manager.queue.getHandler(jobRec.Operation)
	if err != nil {
		return err
	}

	if w.cfg.JobTimeout <= 0 {
		return safeRun(ctx, handler, *jobRec)
	}

	// run in a sub-context with the user-defined timeout
	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- safeRun(jobCtx, handler, *jobRec)
	}()

	var runErr error
	select {
	case <-jobCtx.Done():
		runErr = jobCtx.Err()
	case runErr = <-doneCh:
	}
	if runErr != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("job timed out after %s: %w", w.cfg.JobTimeout, runErr)
	}
	return runErr
}

// safeRun turns a handler panic into an error so it follows the retry path.
func safeRun(ctx context.Context, handler JobHandler, jr JobRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, jr)
}
