package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sky93/dripflow/internal/core"
)

const runColumns = `id, subject_id, owner_id, workflow_key, status, started_at, completed_at, error_message, updated_at`

func scanRun(row rowScanner) (*core.Run, error) {
	var (
		run         core.Run
		status      string
		startedAt   int64
		completedAt sql.NullInt64
		errMsg      sql.NullString
		updatedAt   int64
	)
	if err := row.Scan(&run.ID, &run.SubjectID, &run.OwnerID, &run.WorkflowKey, &status,
		&startedAt, &completedAt, &errMsg, &updatedAt); err != nil {
		return nil, err
	}
	run.Status = core.RunStatus(status)
	run.StartedAt = fromMillis(startedAt)
	run.CompletedAt = timePtr(completedAt)
	run.ErrorMessage = errMsg.String
	run.UpdatedAt = fromMillis(updatedAt)
	return &run, nil
}

// FindActiveRun returns the PENDING or RUNNING run for the pair.
func (s *SQLStore) FindActiveRun(ctx context.Context, subjectID, workflowKey string) (*core.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT `+runColumns+` FROM `+s.runs+` WHERE active_key = ?`),
		core.ActiveKey(subjectID, workflowKey)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding active run: %w", err)
	}
	return run, nil
}

// InsertRun stores a new run. Active runs claim the (subject, workflow)
// active key; a second active run for the pair is rejected with ErrDuplicate.
func (s *SQLStore) InsertRun(ctx context.Context, run *core.Run) error {
	var activeKey sql.NullString
	if run.Status.IsActive() {
		activeKey = nullString(core.ActiveKey(run.SubjectID, run.WorkflowKey))
	}
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO `+s.runs+`
		(id, subject_id, owner_id, workflow_key, status, active_key, started_at, completed_at, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.SubjectID, run.OwnerID, run.WorkflowKey, string(run.Status), activeKey,
		toMillis(run.StartedAt), nullMillis(run.CompletedAt), nullString(run.ErrorMessage), toMillis(run.UpdatedAt))
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return core.Duplicate("active run").WithCause(err)
		}
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// GetRun loads one run without its steps.
func (s *SQLStore) GetRun(ctx context.Context, id string) (*core.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT `+runColumns+` FROM `+s.runs+` WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.RunNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recently started runs first.
func (s *SQLStore) ListRuns(ctx context.Context, limit int) ([]core.Run, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT `+runColumns+` FROM `+s.runs+`
		ORDER BY started_at DESC, id DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus moves a run from one status to another. Leaving the active
// statuses releases the active key, so a new run may start for the pair.
func (s *SQLStore) UpdateRunStatus(ctx context.Context, id string, from, to core.RunStatus, errMsg string, at time.Time) (bool, error) {
	var completedAt sql.NullInt64
	if to == core.RunCompleted {
		completedAt = sql.NullInt64{Int64: toMillis(at), Valid: true}
	}

	activeKey := "active_key"
	if !to.IsActive() {
		activeKey = "NULL"
	}
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`UPDATE `+s.runs+`
		SET status = ?, active_key = `+activeKey+`,
		    completed_at = COALESCE(?, completed_at),
		    error_message = COALESCE(?, error_message),
		    updated_at = ?
		WHERE id = ? AND status = ?`),
		string(to), completedAt, nullString(errMsg), toMillis(at), id, string(from))
	if err != nil {
		return false, fmt.Errorf("updating run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("updating run %s: %w", id, err)
	}
	return n > 0, nil
}

// SetRunError stores the latest failure on a run that is still active.
func (s *SQLStore) SetRunError(ctx context.Context, id, errMsg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`UPDATE `+s.runs+`
		SET error_message = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`),
		errMsg, toMillis(at), id, string(core.RunPending), string(core.RunRunning))
	if err != nil {
		return fmt.Errorf("recording error on run %s: %w", id, err)
	}
	return nil
}

const stepColumns = `id, run_id, name, seq, status, executed_at`

func scanStep(row rowScanner) (*core.Step, error) {
	var (
		step       core.Step
		status     string
		executedAt int64
	)
	if err := row.Scan(&step.ID, &step.RunID, &step.Name, &step.Sequence, &status, &executedAt); err != nil {
		return nil, err
	}
	step.Status = core.StepStatus(status)
	step.ExecutedAt = fromMillis(executedAt)
	return &step, nil
}

// InsertStep appends a step. (run_id, seq) is unique.
func (s *SQLStore) InsertStep(ctx context.Context, step *core.Step) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO `+s.steps+`
		(id, run_id, name, seq, status, executed_at) VALUES (?, ?, ?, ?, ?, ?)`),
		step.ID, step.RunID, step.Name, step.Sequence, string(step.Status), toMillis(step.ExecutedAt))
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return core.Duplicate(fmt.Sprintf("step %d of run %s", step.Sequence, step.RunID)).WithCause(err)
		}
		return fmt.Errorf("inserting step: %w", err)
	}
	return nil
}

// GetStep loads the step recorded at sequence.
func (s *SQLStore) GetStep(ctx context.Context, runID string, sequence int) (*core.Step, error) {
	step, err := scanStep(s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT `+stepColumns+` FROM `+s.steps+` WHERE run_id = ? AND seq = ?`),
		runID, sequence))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading step %d of run %s: %w", sequence, runID, err)
	}
	return step, nil
}

// ListSteps returns a run's steps in sequence order.
func (s *SQLStore) ListSteps(ctx context.Context, runID string) ([]core.Step, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT `+stepColumns+` FROM `+s.steps+`
		WHERE run_id = ?
		ORDER BY seq`), runID)
	if err != nil {
		return nil, fmt.Errorf("listing steps of run %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []core.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}
