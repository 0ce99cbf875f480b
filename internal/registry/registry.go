// Package registry tracks workflow Runs and the Steps they record.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sky93/dripflow/internal/core"
)

// StepCounter returns the number of steps a workflow defines, or 0 if unknown.
type StepCounter func(workflowKey string) int

// Registry finds or creates Runs, appends Steps and moves Runs between states.
type Registry struct {
	store  core.RunStore
	logger *slog.Logger
	now    func() time.Time
	total  StepCounter
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithStepCounter fills Run.TotalSteps in read results.
func WithStepCounter(fn StepCounter) Option {
	return func(r *Registry) {
		r.total = fn
	}
}

// New creates a Registry over store.
func New(store core.RunStore, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		total:  func(string) int { return 0 },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FindOrCreateRun returns the PENDING or RUNNING run for the pair, creating a
// RUNNING one when there is none. created reports whether this call inserted it.
//
// Concurrent callers race on the store's unique active key; the loser reads
// back the winner's run.
func (r *Registry) FindOrCreateRun(ctx context.Context, subjectID, ownerID, workflowKey string) (*core.Run, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		run, err := r.store.FindActiveRun(ctx, subjectID, workflowKey)
		if err == nil {
			return run, false, nil
		}
		if !errors.Is(err, core.ErrRunNotFound) {
			return nil, false, err
		}

		now := r.now()
		run = &core.Run{
			ID:          uuid.Must(uuid.NewV7()).String(),
			SubjectID:   subjectID,
			OwnerID:     ownerID,
			WorkflowKey: workflowKey,
			Status:      core.RunRunning,
			StartedAt:   now,
			UpdatedAt:   now,
		}
		err = r.store.InsertRun(ctx, run)
		if err == nil {
			r.logger.Info("run started",
				slog.String("run_id", run.ID),
				slog.String("workflow", workflowKey),
				slog.String("subject_id", subjectID))
			return run, true, nil
		}
		if !errors.Is(err, core.ErrDuplicate) {
			return nil, false, err
		}
		// Lost the race. The winner may also have finished already, so look again.
	}
	return nil, false, fmt.Errorf("find or create run for %s/%s: too much contention", subjectID, workflowKey)
}

// FindActiveRun returns the PENDING or RUNNING run for the pair, or
// core.ErrRunNotFound.
func (r *Registry) FindActiveRun(ctx context.Context, subjectID, workflowKey string) (*core.Run, error) {
	return r.store.FindActiveRun(ctx, subjectID, workflowKey)
}

// RecordStep appends the step at sequence. Recording a sequence that already
// exists returns the stored step unchanged.
func (r *Registry) RecordStep(ctx context.Context, runID, name string, sequence int) (*core.Step, error) {
	step := &core.Step{
		ID:         uuid.Must(uuid.NewV7()).String(),
		RunID:      runID,
		Name:       name,
		Sequence:   sequence,
		Status:     core.StepCompleted,
		ExecutedAt: r.now(),
	}
	err := r.store.InsertStep(ctx, step)
	if errors.Is(err, core.ErrDuplicate) {
		return r.store.GetStep(ctx, runID, sequence)
	}
	if err != nil {
		return nil, err
	}
	r.logger.Debug("step recorded",
		slog.String("run_id", runID),
		slog.Int("step", sequence),
		slog.String("name", name))
	return step, nil
}

// HasStep reports whether sequence was already recorded for the run.
func (r *Registry) HasStep(ctx context.Context, runID string, sequence int) (bool, error) {
	_, err := r.store.GetStep(ctx, runID, sequence)
	if errors.Is(err, core.ErrStepNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Transition moves a run to status. COMPLETED sets completedAt; FAILED stores
// errMsg. Terminal runs never change again and yield ErrRunTerminal, except
// that repeating the current terminal status is a no-op.
func (r *Registry) Transition(ctx context.Context, runID string, status core.RunStatus, errMsg string) (*core.Run, error) {
	if !status.Valid() {
		return nil, core.ErrValidation(core.CodeInvalidInput, fmt.Sprintf("unknown run status %q", status))
	}
	for attempt := 0; attempt < 3; attempt++ {
		run, err := r.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			if run.Status == status {
				return run, nil
			}
			return nil, core.RunTerminal(runID, run.Status)
		}

		now := r.now()
		ok, err := r.store.UpdateRunStatus(ctx, runID, run.Status, status, errMsg, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		r.logger.Info("run transitioned",
			slog.String("run_id", runID),
			slog.String("workflow", run.WorkflowKey),
			slog.String("subject_id", run.SubjectID),
			slog.String("from", string(run.Status)),
			slog.String("to", string(status)))

		run.Status = status
		run.UpdatedAt = now
		if status == core.RunCompleted {
			run.CompletedAt = &now
		}
		if errMsg != "" {
			run.ErrorMessage = errMsg
		}
		return run, nil
	}
	return nil, fmt.Errorf("transition run %s: status kept changing", runID)
}

// NoteFailure records a failed attempt on a run that stays RUNNING because the
// job will be retried.
func (r *Registry) NoteFailure(ctx context.Context, runID, errMsg string) error {
	return r.store.SetRunError(ctx, runID, errMsg, r.now())
}

// GetRun loads a run with its steps.
func (r *Registry) GetRun(ctx context.Context, runID string) (*core.Run, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := r.attachSteps(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns up to limit runs, newest first, with their steps.
func (r *Registry) ListRuns(ctx context.Context, limit int) ([]core.Run, error) {
	runs, err := r.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if err := r.attachSteps(ctx, &runs[i]); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (r *Registry) attachSteps(ctx context.Context, run *core.Run) error {
	steps, err := r.store.ListSteps(ctx, run.ID)
	if err != nil {
		return err
	}
	run.Steps = steps
	run.TotalSteps = r.total(run.WorkflowKey)
	return nil
}
