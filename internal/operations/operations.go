// Package operations is the operational surface of the engine: queue
// overview, run listing, retry and cancellation, pause and resume, and manual
// triggers. The HTTP API and the CLI both sit on top of it.
package operations

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sky93/dripflow"
	"github.com/sky93/dripflow/internal/core"
	"github.com/sky93/dripflow/internal/workflow"
)

// Queue is the part of the broker the operations need.
type Queue interface {
	JobCounts(ctx context.Context, states ...dripflow.JobState) (map[dripflow.JobState]int, error)
	IsPaused(ctx context.Context) (bool, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Remove(ctx context.Context, key string) (int, error)
	Workers() []dripflow.WorkerInfo
}

// Runs is the read and transition side of the run registry.
type Runs interface {
	GetRun(ctx context.Context, runID string) (*core.Run, error)
	ListRuns(ctx context.Context, limit int) ([]core.Run, error)
	Transition(ctx context.Context, runID string, status core.RunStatus, errMsg string) (*core.Run, error)
}

// Scheduler starts workflows.
type Scheduler interface {
	JobKey(key workflow.Key, subjectID string) string
	ScheduleImmediate(ctx context.Context, key workflow.Key, subjectID string, extra map[string]any) (dripflow.JobHandle, error)
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Counts is the per-state job count of the broker.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// Overview is the broker snapshot shown on dashboards. Workers lists the
// workers running in this process only.
type Overview struct {
	Counts  Counts                `json:"counts"`
	Paused  bool                  `json:"paused"`
	Workers []dripflow.WorkerInfo `json:"workers,omitempty"`
}

// Enqueued describes the job created (or found) by Trigger and RetryRun.
// RunAt is when that job becomes due. For a duplicate it is the existing
// job's time, which for a recurring workflow can be up to a year away.
type Enqueued struct {
	JobID     string    `json:"jobId"`
	JobKey    string    `json:"jobKey"`
	Workflow  string    `json:"workflow"`
	SubjectID string    `json:"subjectId"`
	RunAt     time.Time `json:"runAt"`
	Duplicate bool      `json:"duplicate"`
}

// Service implements the operations.
type Service struct {
	queue     Queue
	runs      Runs
	scheduler Scheduler
	logger    *slog.Logger
}

// New creates a Service. A nil logger means slog.Default().
func New(queue Queue, runs Runs, scheduler Scheduler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{queue: queue, runs: runs, scheduler: scheduler, logger: logger}
}

// Overview passes broker introspection through unchanged.
func (s *Service) Overview(ctx context.Context) (Overview, error) {
	counts, err := s.queue.JobCounts(ctx, dripflow.AllStates...)
	if err != nil {
		return Overview{}, fmt.Errorf("job counts: %w", err)
	}
	paused, err := s.queue.IsPaused(ctx)
	if err != nil {
		return Overview{}, fmt.Errorf("queue paused: %w", err)
	}
	return Overview{
		Counts: Counts{
			Waiting:   counts[dripflow.StateWaiting],
			Active:    counts[dripflow.StateActive],
			Completed: counts[dripflow.StateCompleted],
			Failed:    counts[dripflow.StateFailed],
			Delayed:   counts[dripflow.StateDelayed],
		},
		Paused:  paused,
		Workers: s.queue.Workers(),
	}, nil
}

// ListRuns returns the newest runs with their steps. limit is clamped to
// [1, MaxListLimit]; zero or negative means DefaultListLimit.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]core.Run, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	return s.runs.ListRuns(ctx, limit)
}

// GetRun returns one run with its steps.
func (s *Service) GetRun(ctx context.Context, runID string) (*core.Run, error) {
	return s.runs.GetRun(ctx, runID)
}

// RetryRun schedules the run's workflow again for the same subject, from the
// first step. The old run and its steps stay as they are; the new job creates
// a fresh run once it is delivered.
func (s *Service) RetryRun(ctx context.Context, runID string) (Enqueued, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return Enqueued{}, err
	}
	key, err := workflow.ParseKey(run.WorkflowKey)
	if err != nil {
		return Enqueued{}, err
	}
	out, err := s.trigger(ctx, key, run.SubjectID)
	if err != nil {
		return Enqueued{}, err
	}
	s.logger.Info("run retried",
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
		slog.String("workflow", run.WorkflowKey),
		slog.String("subject_id", run.SubjectID),
		slog.String("job_id", out.JobID),
		slog.Bool("duplicate", out.Duplicate))
	return out, nil
}

// CancelRun moves an active run to CANCELLED and removes its waiting job so
// no further steps are delivered. Cancelling a cancelled run is a no-op.
func (s *Service) CancelRun(ctx context.Context, runID string) (*core.Run, error) {
	run, err := s.runs.Transition(ctx, runID, core.RunCancelled, "cancelled by operator")
	if err != nil {
		return nil, err
	}
	jobKey := s.scheduler.JobKey(workflow.Key(run.WorkflowKey), run.SubjectID)
	removed, err := s.queue.Remove(ctx, jobKey)
	if err != nil {
		return run, fmt.Errorf("removing pending job %s: %w", jobKey, err)
	}
	s.logger.Info("run cancelled",
		slog.String("run_id", run.ID),
		slog.String("job_key", jobKey),
		slog.Int("jobs_removed", removed))
	return run, nil
}

// Trigger starts workflow key for the subject now. A job already waiting for
// the pair is reported with Duplicate set.
func (s *Service) Trigger(ctx context.Context, key, subjectID string) (Enqueued, error) {
	k, err := workflow.ParseKey(key)
	if err != nil {
		return Enqueued{}, err
	}
	if subjectID == "" {
		return Enqueued{}, core.ErrValidation(core.CodeInvalidInput, "subjectId is required")
	}
	return s.trigger(ctx, k, subjectID)
}

func (s *Service) trigger(ctx context.Context, key workflow.Key, subjectID string) (Enqueued, error) {
	handle, err := s.scheduler.ScheduleImmediate(ctx, key, subjectID, nil)
	if err != nil {
		return Enqueued{}, err
	}
	if handle.Duplicate {
		s.logger.Warn("workflow already has a pending job, nothing new queued",
			slog.String("workflow", string(key)),
			slog.String("subject_id", subjectID),
			slog.String("job_id", handle.ID),
			slog.Time("run_at", handle.AvailableAt))
	}
	return Enqueued{
		JobID:     handle.ID,
		JobKey:    handle.Key,
		Workflow:  string(key),
		SubjectID: subjectID,
		RunAt:     handle.AvailableAt,
		Duplicate: handle.Duplicate,
	}, nil
}

// Pause stops workers from claiming jobs.
func (s *Service) Pause(ctx context.Context) error {
	return s.queue.Pause(ctx)
}

// Resume lifts a Pause.
func (s *Service) Resume(ctx context.Context) error {
	return s.queue.Resume(ctx)
}
