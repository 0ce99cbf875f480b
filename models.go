package dripflow

import (
	"encoding/json"
	"errors"
	"time"
)

// JobStatus enumerates the possible states of a job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// JobState is the externally reported state of a job, as shown by JobCounts.
// Waiting and delayed jobs are both PENDING; they differ only in readiness.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDelayed   JobState = "delayed"
)

// AllStates lists every state reported by JobCounts.
var AllStates = []JobState{StateWaiting, StateActive, StateCompleted, StateFailed, StateDelayed}

// Operation is a type for your job "name" or "action" (e.g., "workflow").
type Operation string

// JobRecord corresponds to one row in the jobs table.
type JobRecord struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Key         string          `json:"key,omitempty"`
	Operation   Operation       `json:"operation"`
	Status      JobStatus       `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	LastError   string          `json:"last_error,omitempty"`
	LockedBy    *string         `json:"locked_by,omitempty"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	AvailableAt time.Time       `json:"available_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// LastAttempt reports whether a failure of the current attempt exhausts the job.
func (jr JobRecord) LastAttempt() bool {
	return jr.Attempt >= jr.MaxAttempts
}

// JobHandle identifies an enqueued job.
type JobHandle struct {
	ID          string
	Queue       string
	Key         string
	AvailableAt time.Time

	// Duplicate is set when the enqueue matched an existing waiting or delayed job.
	Duplicate bool
}

var (
	// ErrDuplicateJob is returned by Enqueue when a waiting or delayed job with the
	// same key already exists. The returned handle points at that job.
	ErrDuplicateJob = errors.New("dripflow: duplicate job key")

	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("dripflow: queue closed")
)
