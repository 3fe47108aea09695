package task

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/wardend/warden/event"
)

// Publisher stages one domain event inside the caller's transaction and
// delivers it after commit. Satisfied by *event.Dispatcher.
type Publisher interface {
	Stage(ctx context.Context, tx *sql.Tx, eventType string, data map[string]any, meta event.Metadata) (*event.Event, error)
	Dispatch(ctx context.Context, e *event.Event) error
}

// ActivityChecker summarizes the activities recorded for a task, for the
// completion guard. Satisfied by *activity.Store.
type ActivityChecker interface {
	// CompletionState returns how many of the task's activities are still
	// in flight, how many completed, and the total recorded.
	CompletionState(ctx context.Context, taskID string) (open, completed, total int, err error)
}

// Machine owns task lifecycle transitions. Every transition checks its
// precondition, then applies the compare-and-set on the state column and
// appends exactly one task.<verb> event in a single transaction, or rejects
// with a GuardError and no side effects. A state change is never durable
// without its event.
type Machine struct {
	store      *Store
	activities ActivityChecker
	publisher  Publisher
	logger     *slog.Logger
}

// NewMachine creates a Machine over the given collaborators.
func NewMachine(store *Store, activities ActivityChecker, publisher Publisher, logger *slog.Logger) *Machine {
	return &Machine{store: store, activities: activities, publisher: publisher, logger: logger}
}

// Store exposes the underlying task store for read-only callers.
func (m *Machine) Store() *Store { return m.store }

// Activate moves a pending task to active. Callers invoke this only after
// admission succeeds; a refused semaphore means the task stays pending.
func (m *Machine) Activate(ctx context.Context, id string) error {
	return m.transition(ctx, id, []State{StatePending}, StateActive, event.TypeTaskActivated, "", nil)
}

// Pause moves an active task to paused.
func (m *Machine) Pause(ctx context.Context, id string) error {
	return m.transition(ctx, id, []State{StateActive}, StatePaused, event.TypeTaskPaused, "", nil)
}

// Resume moves a paused task back to active.
func (m *Machine) Resume(ctx context.Context, id string) error {
	return m.transition(ctx, id, []State{StatePaused}, StateActive, event.TypeTaskResumed, "", nil)
}

// AwaitHuman moves an active task to waiting_on_human. Called by the human
// interaction gate when a required interaction opens.
func (m *Machine) AwaitHuman(ctx context.Context, id string) error {
	return m.transition(ctx, id, []State{StateActive}, StateWaiting, event.TypeTaskWaiting, "", nil)
}

// LeaveHuman moves a waiting task back to active once no blocking
// interaction remains. The gate is the only caller.
func (m *Machine) LeaveHuman(ctx context.Context, id string) error {
	return m.transition(ctx, id, []State{StateWaiting}, StateActive, event.TypeTaskResumed, "",
		map[string]any{"reason": "human_interaction_resolved"})
}

// Complete moves an active task to completed, guarded on every subtask and
// every activity being terminal. Completing an already-completed task is a
// no-op: the CAS guarantees exactly one task.completed event even when two
// children finish concurrently and both try to complete the parent.
func (m *Machine) Complete(ctx context.Context, id string) error {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.State == StateCompleted {
		return nil
	}

	if reason, ok, err := m.completable(ctx, id); err != nil {
		return err
	} else if !ok {
		return &GuardError{TaskID: id, From: t.State, To: StateCompleted, Reason: reason}
	}

	applied, err := m.apply(ctx, t, []State{StateActive}, StateCompleted, event.TypeTaskCompleted, "", nil)
	if err != nil {
		return err
	}
	if !applied {
		cur, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.State == StateCompleted {
			return nil // another worker won the race; its event stands
		}
		return &GuardError{TaskID: id, From: cur.State, To: StateCompleted, Reason: "task not active"}
	}

	if t.ParentID != "" {
		if err := m.OnChildTerminal(ctx, t.ParentID); err != nil {
			m.logger.Warn("parent completion check failed", "task_id", t.ParentID, "err", err)
		}
	}
	return nil
}

// Fail moves a task to failed from any non-terminal state and records a
// human-readable error message. Pending is accepted so a required child's
// failure can fail a parent that never started. When the failed task is
// marked required and has a parent, the failure cascades upward; otherwise
// the parent is merely re-checked for completion.
func (m *Machine) Fail(ctx context.Context, id, errMsg string) error {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	applied, err := m.apply(ctx, t,
		[]State{StateActive, StateWaiting, StatePaused, StatePending}, StateFailed,
		event.TypeTaskFailed, errMsg, map[string]any{"error": errMsg})
	if err != nil {
		return err
	}
	if !applied {
		cur, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.State == StateFailed {
			return nil
		}
		return &GuardError{TaskID: id, From: cur.State, To: StateFailed, Reason: "task already terminal"}
	}

	if t.ParentID == "" {
		return nil
	}
	if t.Required {
		err := m.Fail(ctx, t.ParentID, fmt.Sprintf("required subtask %s failed: %s", t.ID, errMsg))
		if err != nil && !IsGuard(err) {
			return err
		}
		return nil
	}
	if err := m.OnChildTerminal(ctx, t.ParentID); err != nil {
		m.logger.Warn("parent completion check failed", "task_id", t.ParentID, "err", err)
	}
	return nil
}

// OnChildTerminal re-evaluates a task after one of its subtasks or
// activities reached a terminal state, completing it when nothing remains
// in flight. Evaluated on every terminal transition rather than polled.
func (m *Machine) OnChildTerminal(ctx context.Context, id string) error {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.State != StateActive {
		return nil
	}
	if _, ok, err := m.completable(ctx, id); err != nil || !ok {
		return err
	}
	err = m.Complete(ctx, id)
	if IsGuard(err) {
		return nil // a sibling became active in between; fine
	}
	return err
}

// completable checks the completion guard: no non-terminal subtask, no
// non-terminal activity.
func (m *Machine) completable(ctx context.Context, id string) (string, bool, error) {
	subs, err := m.store.Subtasks(ctx, id)
	if err != nil {
		return "", false, err
	}
	for _, sub := range subs {
		if !sub.State.Terminal() {
			return fmt.Sprintf("subtask %s is %s", sub.ID, sub.State), false, nil
		}
	}
	if m.activities != nil {
		open, completed, total, err := m.activities.CompletionState(ctx, id)
		if err != nil {
			return "", false, err
		}
		if open > 0 {
			return "activities still in flight", false, nil
		}
		// A task that recorded work completes only off a successful
		// attempt; a string of failed attempts ends in Fail, not Complete.
		if total > 0 && completed == 0 {
			return "no completed activity", false, nil
		}
	}
	return "", true, nil
}

// transition runs the generic CAS + event path for simple transitions.
func (m *Machine) transition(ctx context.Context, id string, from []State, to State, eventType, errMsg string, data map[string]any) error {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	applied, err := m.apply(ctx, t, from, to, eventType, errMsg, data)
	if err != nil {
		return err
	}
	if !applied {
		cur, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		return &GuardError{TaskID: id, From: cur.State, To: to, Reason: fmt.Sprintf("task is %s", cur.State)}
	}
	return nil
}

// apply runs the state CAS and the event append in one transaction, then
// delivers the event after commit. An append failure rolls the state change
// back; a delivery failure is only logged, since the event is durable and
// the redelivery pump owns eventual delivery.
func (m *Machine) apply(ctx context.Context, t *Task, from []State, to State, eventType, errMsg string, data map[string]any) (bool, error) {
	meta := event.Metadata{TaskID: t.ID, ProjectID: t.ProjectID, Priority: int(t.Priority)}
	var e *event.Event
	applied := false
	err := m.store.Transact(ctx, func(tx *sql.Tx) error {
		var err error
		applied, err = m.store.casState(ctx, tx, t.ID, from, to, errMsg)
		if err != nil || !applied {
			return err
		}
		e, err = m.publisher.Stage(ctx, tx, eventType, data, meta)
		return err
	})
	if err != nil || !applied {
		return false, err
	}
	if err := m.publisher.Dispatch(ctx, e); err != nil {
		m.logger.Error("dispatch transition event failed", "type", eventType, "task_id", t.ID, "err", err)
	}
	return true, nil
}
