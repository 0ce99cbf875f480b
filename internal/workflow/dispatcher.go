package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sky93/dripflow"
	"github.com/sky93/dripflow/internal/core"
)

// Runs is the part of the run registry the Dispatcher drives.
type Runs interface {
	FindOrCreateRun(ctx context.Context, subjectID, ownerID, workflowKey string) (*core.Run, bool, error)
	FindActiveRun(ctx context.Context, subjectID, workflowKey string) (*core.Run, error)
	GetRun(ctx context.Context, runID string) (*core.Run, error)
	RecordStep(ctx context.Context, runID, name string, sequence int) (*core.Step, error)
	HasStep(ctx context.Context, runID string, sequence int) (bool, error)
	Transition(ctx context.Context, runID string, status core.RunStatus, errMsg string) (*core.Run, error)
	NoteFailure(ctx context.Context, runID, errMsg string) error
}

// StepScheduler enqueues follow-up steps.
type StepScheduler interface {
	Enqueue(ctx context.Context, key Key, payload StepPayload, delay time.Duration) (dripflow.JobHandle, error)
	ScheduleDelayed(ctx context.Context, key Key, subjectID string, runAt time.Time) (dripflow.JobHandle, error)
}

// Dispatcher executes delivered workflow jobs one step at a time.
type Dispatcher struct {
	runs      Runs
	scheduler StepScheduler
	contacts  core.ContactStore
	tasks     core.TaskStore
	messages  core.MessageLog
	gateway   core.MessageGateway
	logger    *slog.Logger
	now       func() time.Time
}

// Deps groups the Dispatcher's collaborators. Messages is optional.
type Deps struct {
	Runs      Runs
	Scheduler StepScheduler
	Contacts  core.ContactStore
	Tasks     core.TaskStore
	Messages  core.MessageLog
	Gateway   core.MessageGateway
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(d Deps) *Dispatcher {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Dispatcher{
		runs:      d.Runs,
		scheduler: d.Scheduler,
		contacts:  d.Contacts,
		tasks:     d.Tasks,
		messages:  d.Messages,
		gateway:   d.Gateway,
		logger:    d.Logger,
		now:       d.Now,
	}
}

// Register installs the Dispatcher as the queue handler for workflow jobs.
func (d *Dispatcher) Register(q interface {
	RegisterHandler(op dripflow.Operation, handler dripflow.JobHandler)
}) {
	q.RegisterHandler(Operation, d.Handle)
}

// Handle runs one step of a workflow job. It returns nil for jobs that can
// never succeed (bad payload, unknown workflow, missing subject) so the queue
// does not retry them.
func (d *Dispatcher) Handle(ctx context.Context, job dripflow.JobRecord) error {
	payload, err := DecodeJobPayload(job.Payload)
	if err != nil {
		d.logger.Error("dropping malformed workflow job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
		return nil
	}
	def, ok := Lookup(payload.Type)
	if !ok {
		d.logger.Warn("dropping job for unknown workflow",
			slog.String("job_id", job.ID),
			slog.String("workflow", string(payload.Type)))
		return nil
	}

	subjectID := payload.Payload.SubjectID
	stepIndex := payload.Payload.StepIndex
	log := d.logger.With(
		slog.String("workflow", string(def.Key)),
		slog.String("subject_id", subjectID),
		slog.Int("step", stepIndex),
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempt))

	contact, err := d.contacts.GetContact(ctx, subjectID)
	if errors.Is(err, core.ErrSubjectNotFound) {
		log.Warn("subject not found, skipping workflow step")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading subject %s: %w", subjectID, err)
	}

	run, err := d.activeRun(ctx, def, contact, stepIndex)
	if errors.Is(err, core.ErrRunNotFound) {
		// Only step 0 starts a run. A later step without one belongs to a run
		// that was cancelled or finished in the meantime.
		log.Warn("step delivered without an active run, dropping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("finding run: %w", err)
	}
	log = log.With(slog.String("run_id", run.ID))

	if err := d.advance(ctx, def, run, contact, stepIndex, log); err != nil {
		return d.fail(ctx, job, run, err, log)
	}
	return nil
}

func (d *Dispatcher) activeRun(ctx context.Context, def Definition, contact *core.Contact, stepIndex int) (*core.Run, error) {
	if stepIndex == 0 {
		run, _, err := d.runs.FindOrCreateRun(ctx, contact.ID, contact.OwnerID, string(def.Key))
		return run, err
	}
	return d.runs.FindActiveRun(ctx, contact.ID, string(def.Key))
}

// stillActive re-reads the run after a side effect. An operator may have
// cancelled it while the step was running.
func (d *Dispatcher) stillActive(ctx context.Context, run *core.Run, log *slog.Logger) (bool, error) {
	current, err := d.runs.GetRun(ctx, run.ID)
	if err != nil {
		return false, fmt.Errorf("reloading run: %w", err)
	}
	if current.Status.IsTerminal() {
		log.Info("run finished while the step was running, not scheduling further work",
			slog.String("status", string(current.Status)))
		return false, nil
	}
	return true, nil
}

func (d *Dispatcher) advance(ctx context.Context, def Definition, run *core.Run, contact *core.Contact, stepIndex int, log *slog.Logger) error {
	if stepIndex >= len(def.Steps) {
		return d.complete(ctx, run, log)
	}

	step := def.Steps[stepIndex]

	// A redelivered job must not repeat a side effect that already succeeded.
	done, err := d.runs.HasStep(ctx, run.ID, stepIndex)
	if err != nil {
		return fmt.Errorf("checking step: %w", err)
	}
	if done {
		log.Info("step already recorded, skipping side effect")
	} else {
		if err := d.execute(ctx, step, run, contact); err != nil {
			return fmt.Errorf("step %q: %w", step.Name, err)
		}
		if _, err := d.runs.RecordStep(ctx, run.ID, step.Name, stepIndex); err != nil {
			return fmt.Errorf("recording step: %w", err)
		}
		log.Info("step executed", slog.String("name", step.Name), slog.String("action", step.Action.String()))
	}

	active, err := d.stillActive(ctx, run, log)
	if err != nil {
		return err
	}
	if !active {
		return nil
	}

	if stepIndex+1 < len(def.Steps) {
		next := StepPayload{SubjectID: contact.ID, StepIndex: stepIndex + 1}
		if _, err := d.scheduler.Enqueue(ctx, def.Key, next, step.NextDelay); err != nil {
			return fmt.Errorf("scheduling next step: %w", err)
		}
		return nil
	}

	if def.Recur != nil {
		at := def.Recur(d.now())
		if _, err := d.scheduler.ScheduleDelayed(ctx, def.Key, contact.ID, at); err != nil {
			return fmt.Errorf("scheduling next occurrence: %w", err)
		}
		log.Info("next occurrence scheduled", slog.Time("run_at", at))
	}
	return d.complete(ctx, run, log)
}

func (d *Dispatcher) complete(ctx context.Context, run *core.Run, log *slog.Logger) error {
	_, err := d.runs.Transition(ctx, run.ID, core.RunCompleted, "")
	if errors.Is(err, core.ErrRunTerminal) {
		// Cancelled while this step was in flight.
		log.Warn("run already finished, leaving its status", slog.String("error", err.Error()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("completing run: %w", err)
	}
	log.Info("workflow completed")
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, step Step, run *core.Run, contact *core.Contact) error {
	switch step.Action {
	case SendMessage:
		body, err := step.Render(*contact)
		if err != nil {
			return err
		}
		providerID, err := d.gateway.Send(ctx, contact.Phone, body)
		if err != nil {
			return fmt.Errorf("sending message: %w", err)
		}
		if d.messages == nil {
			return nil
		}
		// The message is already out; a failed audit write must not resend it.
		if err := d.messages.RecordMessage(ctx, &core.Message{
			ID:         uuid.Must(uuid.NewV7()).String(),
			ContactID:  contact.ID,
			RunID:      run.ID,
			To:         contact.Phone,
			Body:       body,
			ProviderID: providerID,
			SentAt:     d.now(),
		}); err != nil {
			d.logger.Error("recording sent message", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		}
		return nil

	case CreateTask:
		return d.tasks.CreateTask(ctx, &core.Task{
			ID:          uuid.Must(uuid.NewV7()).String(),
			ContactID:   contact.ID,
			OwnerID:     contact.OwnerID,
			RunID:       run.ID,
			Title:       step.Title,
			Description: step.Description,
			CreatedAt:   d.now(),
		})

	default:
		return fmt.Errorf("unsupported action %s", step.Action)
	}
}

// fail records the error on the run and hands it back to the queue. Only the
// final attempt marks the run FAILED; earlier ones leave it RUNNING.
func (d *Dispatcher) fail(ctx context.Context, job dripflow.JobRecord, run *core.Run, cause error, log *slog.Logger) error {
	msg := cause.Error()
	var stateErr error
	if job.LastAttempt() {
		_, stateErr = d.runs.Transition(ctx, run.ID, core.RunFailed, msg)
		if errors.Is(stateErr, core.ErrRunTerminal) {
			stateErr = nil
		}
		log.Error("workflow step failed, run marked FAILED", slog.String("error", msg))
	} else {
		stateErr = d.runs.NoteFailure(ctx, run.ID, msg)
		log.Warn("workflow step failed, will retry",
			slog.String("error", msg),
			slog.Int("attempts_left", job.MaxAttempts-job.Attempt))
	}
	if stateErr != nil {
		return errors.Join(cause, fmt.Errorf("updating run state: %w", stateErr))
	}
	return cause
}
