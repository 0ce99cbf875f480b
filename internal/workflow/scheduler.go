package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sky93/dripflow"
	"github.com/sky93/dripflow/internal/core"
)

// Operation is the queue operation every workflow job is enqueued under.
const Operation dripflow.Operation = "workflow"

// DefaultKeyPrefix prefixes job keys when none is configured.
const DefaultKeyPrefix = "workflow"

// Enqueuer is the part of the queue the Scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, op dripflow.Operation, payload any, opts ...dripflow.JobOption) (dripflow.JobHandle, error)
}

// Scheduler turns workflow requests into queue jobs with deterministic keys.
type Scheduler struct {
	queue  Enqueuer
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithKeyPrefix sets the job key prefix.
func WithKeyPrefix(prefix string) SchedulerOption {
	return func(s *Scheduler) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithSchedulerClock overrides time.Now.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// NewScheduler creates a Scheduler on top of queue.
func NewScheduler(queue Enqueuer, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		queue:  queue,
		prefix: DefaultKeyPrefix,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// JobKey returns prefix:lower(key)-subjectID, e.g. workflow:five_days_of_joy-contact_42.
func (s *Scheduler) JobKey(key Key, subjectID string) string {
	return s.prefix + ":" + strings.ToLower(string(key)) + "-" + subjectID
}

// Enqueue schedules the step described by payload after delay. A job already
// waiting for the same workflow and subject is kept; its handle is returned
// with Duplicate set and no error.
func (s *Scheduler) Enqueue(ctx context.Context, key Key, payload StepPayload, delay time.Duration) (dripflow.JobHandle, error) {
	if _, ok := Lookup(key); !ok {
		return dripflow.JobHandle{}, core.UnknownWorkflow(string(key))
	}
	if payload.SubjectID == "" {
		return dripflow.JobHandle{}, core.ErrValidation(core.CodeInvalidInput, "subjectId is required")
	}
	if delay < 0 {
		delay = 0
	}

	jobKey := s.JobKey(key, payload.SubjectID)
	handle, err := s.queue.Enqueue(ctx, Operation,
		JobPayload{Type: key, Payload: payload},
		dripflow.WithJobKey(jobKey),
		dripflow.WithDelay(delay),
	)
	if errors.Is(err, dripflow.ErrDuplicateJob) {
		s.logger.Info("workflow job already scheduled",
			slog.String("workflow", string(key)),
			slog.String("subject_id", payload.SubjectID),
			slog.String("job_key", jobKey),
			slog.String("job_id", handle.ID))
		handle.Duplicate = true
		return handle, nil
	}
	if err != nil {
		return dripflow.JobHandle{}, fmt.Errorf("enqueue %s for %s: %w", key, payload.SubjectID, err)
	}
	s.logger.Debug("workflow job scheduled",
		slog.String("workflow", string(key)),
		slog.String("subject_id", payload.SubjectID),
		slog.Int("step", payload.StepIndex),
		slog.Duration("delay", delay))
	return handle, nil
}

// ScheduleOnboarding starts the FIVE_DAYS_OF_JOY sequence now.
func (s *Scheduler) ScheduleOnboarding(ctx context.Context, subjectID string) (dripflow.JobHandle, error) {
	return s.Enqueue(ctx, FiveDaysOfJoy, StepPayload{SubjectID: subjectID}, 0)
}

// ScheduleDelayed starts key for the subject at runAt. Past times mean now.
func (s *Scheduler) ScheduleDelayed(ctx context.Context, key Key, subjectID string, runAt time.Time) (dripflow.JobHandle, error) {
	delay := runAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	return s.Enqueue(ctx, key, StepPayload{SubjectID: subjectID}, delay)
}

// ScheduleImmediate starts key for the subject now, carrying extra fields.
func (s *Scheduler) ScheduleImmediate(ctx context.Context, key Key, subjectID string, extra map[string]any) (dripflow.JobHandle, error) {
	return s.Enqueue(ctx, key, StepPayload{SubjectID: subjectID, Extra: extra}, 0)
}
