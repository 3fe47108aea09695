// Package task defines the task model, its persistence, and the guarded
// state machine that owns every task lifecycle transition.
package task

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a task. It is mutated only through the
// Machine's transition methods, never set directly.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateWaiting   State = "waiting_on_human"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Priority determines scheduling order within a queue.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Task is a unit of work for an agent. Title, Description, and Metadata are
// opaque payloads the core never interprets. ParentID forms the subtask
// tree; Queue names the admission semaphore the task executes under.
type Task struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	State       State             `json:"state"`
	Priority    Priority          `json:"priority"`
	Queue       string            `json:"queue,omitempty"`
	ProjectID   string            `json:"project_id,omitempty"`
	ParentID    string            `json:"parent_id,omitempty"`
	Required    bool              `json:"required,omitempty"` // failure cascades to the parent
	Metadata    map[string]string `json:"metadata,omitempty"`
	Result      string            `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("task not found")

// GuardError reports a rejected state transition. It is an expected,
// recoverable outcome: the mutation was not applied and no event was
// published.
type GuardError struct {
	TaskID string
	From   State
	To     State
	Reason string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("task %s: cannot transition %s -> %s: %s", e.TaskID, e.From, e.To, e.Reason)
}

// IsGuard reports whether err is a transition guard violation.
func IsGuard(err error) bool {
	var ge *GuardError
	return errors.As(err, &ge)
}

// Filter controls which tasks are returned by Store.List.
type Filter struct {
	State     *State `json:"state,omitempty"`
	Queue     string `json:"queue,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
}
