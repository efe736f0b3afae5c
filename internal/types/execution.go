package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle of one ProcessExecution
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionError     ExecutionStatus = "error"
)

// Terminal reports whether the execution record is immutable.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionCancelled || s == ExecutionError
}

// ProcessExecution is one run of a recipe on one machine.
type ProcessExecution struct {
	ID           uuid.UUID       `json:"id"`
	RecipeID     uuid.UUID       `json:"recipe_id"`
	MachineID    uuid.UUID       `json:"machine_id"`
	Status       ExecutionStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// ExecutionState is the single mutable cursor of a ProcessExecution.
// CurrentStepIndex never regresses; SubState carries step-type-specific
// progress (valve number, loop frames) as JSON so a restart can resume.
type ExecutionState struct {
	ExecutionID      uuid.UUID       `json:"execution_id"`
	CurrentStepIndex int             `json:"current_step_index"`
	TotalSteps       int             `json:"total_steps"`
	SubState         json.RawMessage `json:"sub_state,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Progress is 0..100 over top-level steps.
func (e *ExecutionState) Progress() int {
	if e.TotalSteps <= 0 {
		return 0
	}
	p := e.CurrentStepIndex * 100 / e.TotalSteps
	if p > 100 {
		p = 100
	}
	return p
}

// CommandStatus lifecycle of a queued hardware command
type CommandStatus string

const (
	CommandPending    CommandStatus = "pending"
	CommandProcessing CommandStatus = "processing"
	CommandCompleted  CommandStatus = "completed"
	CommandFailed     CommandStatus = "failed"
	CommandError      CommandStatus = "error"
)

// Command is a persisted hardware operation request. It is claimed and
// completed exactly once by the arbiter.
type Command struct {
	ID                uuid.UUID       `json:"id"`
	Operation         string          `json:"operation"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	RequestingService string          `json:"requesting_service"`
	Priority          int             `json:"priority"`
	Status            CommandStatus   `json:"status"`
	Result            json.RawMessage `json:"result,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Attempts          int             `json:"attempts"`
	CreatedAt         time.Time       `json:"created_at"`
	ClaimedAt         *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// Done reports whether the command reached a terminal status.
func (c *Command) Done() bool {
	return c.Status == CommandCompleted || c.Status == CommandFailed || c.Status == CommandError
}

// EmergencySignal is an ephemeral, auto-expiring stop broadcast.
// Target nil means every component must react.
type EmergencySignal struct {
	ID        uuid.UUID  `json:"id"`
	Type      string     `json:"type"`
	Source    string     `json:"source"`
	Target    *string    `json:"target,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	ClearedAt *time.Time `json:"cleared_at,omitempty"`
}

// ActiveAt checks expiry and acknowledgement at a given instant.
func (s *EmergencySignal) ActiveAt(t time.Time) bool {
	return s.ClearedAt == nil && t.Before(s.ExpiresAt)
}
