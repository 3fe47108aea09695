// Package event defines the immutable event model, the append-only event
// log, and the dispatcher that delivers events to registered handlers.
package event

import (
	"errors"
	"fmt"
	"time"
)

// Event type names published by the core. Handlers register against these
// exact strings.
const (
	TypeTaskActivated    = "task.activated"
	TypeTaskPaused       = "task.paused"
	TypeTaskResumed      = "task.resumed"
	TypeTaskWaiting      = "task.waiting_on_human"
	TypeTaskCompleted    = "task.completed"
	TypeTaskFailed       = "task.failed"
	TypeActivityStarted  = "agent_activity.started"
	TypeActivityPaused   = "agent_activity.paused"
	TypeActivityResumed  = "agent_activity.resumed"
	TypeActivityComplete = "agent_activity.completed"
	TypeActivityFailed   = "agent_activity.failed"
	TypeHumanRequested   = "human_interaction.requested"
	TypeHumanAnswered    = "human_interaction.answered"
	TypeHumanIgnored     = "human_interaction.ignored"
	TypeHumanEscalated   = "human_interaction.escalated"
)

// Types lists every event type the core publishes. Observers that want the
// full firehose (SSE hub, projections) register a handler per entry.
var Types = []string{
	TypeTaskActivated, TypeTaskPaused, TypeTaskResumed, TypeTaskWaiting,
	TypeTaskCompleted, TypeTaskFailed,
	TypeActivityStarted, TypeActivityPaused, TypeActivityResumed,
	TypeActivityComplete, TypeActivityFailed,
	TypeHumanRequested, TypeHumanAnswered, TypeHumanIgnored, TypeHumanEscalated,
}

// Metadata correlates an event with the entities it concerns.
type Metadata struct {
	TaskID     string `json:"task_id,omitempty"`
	ActivityID string `json:"activity_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	Priority   int    `json:"priority,omitempty"`
}

// Event is an immutable fact about something that happened. Once appended,
// Type/Data/Metadata never change; only the processing bookkeeping fields
// (ProcessedAt, Attempts, dead-letter marks) are mutated by the dispatcher.
type Event struct {
	ID           string         `json:"id"`
	Seq          int64          `json:"seq"` // append order, assigned by the log
	Type         string         `json:"event_type"`
	Data         map[string]any `json:"data,omitempty"`
	Metadata     Metadata       `json:"metadata"`
	OccurredAt   time.Time      `json:"occurred_at"`
	ProcessedAt  *time.Time     `json:"processed_at,omitempty"`
	Attempts     int            `json:"processing_attempts"`
	DeadLettered bool           `json:"dead_lettered,omitempty"`
	DeadReason   string         `json:"dead_reason,omitempty"`
}

// Stream identifies an ordered, filtered view of the log.
type Stream struct {
	Kind string // "task", "activity", "project", or "all"
	ID   string // entity id; empty for "all"
}

// Stream kinds.
const (
	StreamAll      = "all"
	StreamTask     = "task"
	StreamActivity = "activity"
	StreamProject  = "project"
)

// TaskStream returns the per-task stream for id.
func TaskStream(id string) Stream { return Stream{Kind: StreamTask, ID: id} }

// ActivityStream returns the per-activity stream for id.
func ActivityStream(id string) Stream { return Stream{Kind: StreamActivity, ID: id} }

// ProjectStream returns the per-project stream for id.
func ProjectStream(id string) Stream { return Stream{Kind: StreamProject, ID: id} }

// AllStream is the global stream covering every appended event.
var AllStream = Stream{Kind: StreamAll}

// String renders the stream as "kind:id" (or "all").
func (s Stream) String() string {
	if s.Kind == StreamAll {
		return StreamAll
	}
	return s.Kind + ":" + s.ID
}

// ErrNotFound is returned when an event id does not exist in the log.
var ErrNotFound = errors.New("event not found")

// errDiscard marks a dispatch failure as permanent. See Discard.
var errDiscard = errors.New("discard event")

// Discard wraps err so the dispatcher treats the failure as a data
// invariant violation: the event is marked discarded and never retried,
// because retrying cannot fix it (e.g. the task it references is gone).
func Discard(err error) error {
	return fmt.Errorf("%w: %w", errDiscard, err)
}

// IsDiscard reports whether err carries the permanent-discard marker.
func IsDiscard(err error) bool {
	return errors.Is(err, errDiscard)
}
