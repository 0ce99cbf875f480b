package core

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// IsTerminal reports whether no further steps may happen in this state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// IsActive reports whether the status counts towards the one-active-run limit.
func (s RunStatus) IsActive() bool {
	return s == RunPending || s == RunRunning
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// StepStatus is the outcome recorded for a Step.
type StepStatus string

const (
	StepCompleted StepStatus = "COMPLETED"
)

// Run is one execution of a workflow against one subject.
type Run struct {
	ID          string     `json:"id"`
	SubjectID   string     `json:"subjectId"`
	OwnerID     string     `json:"ownerId"`
	WorkflowKey string     `json:"workflowKey"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// ErrorMessage holds the latest step failure, also while retries are pending.
	ErrorMessage string    `json:"errorMessage,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`

	// Read model only.
	Steps      []Step `json:"steps,omitempty"`
	TotalSteps int    `json:"totalSteps"`
}

// StepsCompleted returns how many steps have been recorded.
func (r *Run) StepsCompleted() int {
	return len(r.Steps)
}

// ActiveKey is the uniqueness token held by a Run while it is PENDING or RUNNING.
func ActiveKey(subjectID, workflowKey string) string {
	return subjectID + "|" + workflowKey
}

// Step is one executed unit of a Run. Steps are append-only.
type Step struct {
	ID         string     `json:"id"`
	RunID      string     `json:"runId"`
	Name       string     `json:"name"`
	Sequence   int        `json:"sequence"`
	Status     StepStatus `json:"status"`
	ExecutedAt time.Time  `json:"executedAt"`
}
