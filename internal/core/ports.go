package core

import (
	"context"
	"time"
)

// ContactStore loads and stores subjects.
type ContactStore interface {
	// GetContact returns ErrSubjectNotFound when the contact does not exist.
	GetContact(ctx context.Context, id string) (*Contact, error)
	CreateContact(ctx context.Context, c *Contact) error
	ListContacts(ctx context.Context, limit int) ([]Contact, error)
}

// TaskStore persists follow-up tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, t *Task) error
	ListTasks(ctx context.Context, contactID string) ([]Task, error)
}

// MessageLog records messages that were handed to the gateway.
type MessageLog interface {
	RecordMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, contactID string) ([]Message, error)
}

// RunStore persists Runs and Steps.
type RunStore interface {
	// FindActiveRun returns ErrRunNotFound when no PENDING or RUNNING run exists.
	FindActiveRun(ctx context.Context, subjectID, workflowKey string) (*Run, error)

	// InsertRun returns ErrDuplicate when another active run holds the same
	// (subject, workflow) pair.
	InsertRun(ctx context.Context, run *Run) error

	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// UpdateRunStatus applies the change only if the run is still in status
	// from. It returns false when the guard did not match.
	UpdateRunStatus(ctx context.Context, id string, from, to RunStatus, errMsg string, at time.Time) (bool, error)

	// SetRunError records errMsg on an active run without changing its status.
	SetRunError(ctx context.Context, id, errMsg string, at time.Time) error

	// InsertStep returns ErrDuplicate when (runId, sequence) is taken.
	InsertStep(ctx context.Context, step *Step) error
	GetStep(ctx context.Context, runID string, sequence int) (*Step, error)
	ListSteps(ctx context.Context, runID string) ([]Step, error)
}

// MessageGateway delivers an outbound message.
type MessageGateway interface {
	// Send returns the provider's message id.
	Send(ctx context.Context, to, body string) (string, error)
}
