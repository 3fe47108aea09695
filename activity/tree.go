package activity

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

// TaskNotifier is the slice of the task state machine the tree drives:
// re-evaluating a parent after a terminal activity and cascading required
// failures. Satisfied by *task.Machine.
type TaskNotifier interface {
	OnChildTerminal(ctx context.Context, taskID string) error
	Fail(ctx context.Context, taskID, errMsg string) error
}

// Tree operates on the activity spawn tree: creating nodes, terminal
// transitions, and cascading pause/resume. Every status change appends its
// agent_activity.<verb> event in the same transaction, so neither is
// durable without the other.
type Tree struct {
	store     *Store
	publisher Publisher
	tasks     TaskNotifier
	logger    *slog.Logger
}

// NewTree creates a Tree over the given collaborators. tasks may be nil in
// read-only contexts.
func NewTree(store *Store, publisher Publisher, tasks TaskNotifier, logger *slog.Logger) *Tree {
	return &Tree{store: store, publisher: publisher, tasks: tasks, logger: logger}
}

// Store exposes the underlying activity store for read-only callers.
func (tr *Tree) Store() *Store { return tr.store }

// Spawn creates a new active node under parentID (empty for a root: an
// activity with no parent is its own root). The parent must exist and must
// not be terminal, which also rules out cycles at insertion time since the
// new node's id is fresh.
func (tr *Tree) Spawn(ctx context.Context, taskID, parentID string, required bool) (*Activity, error) {
	if parentID != "" {
		parent, err := tr.store.Get(ctx, parentID)
		if err != nil {
			return nil, fmt.Errorf("spawn under %s: %w", parentID, err)
		}
		if parent.Status.Terminal() {
			return nil, fmt.Errorf("spawn under %s: parent is %s", parentID, parent.Status)
		}
	}

	a := &Activity{TaskID: taskID, ParentID: parentID, Required: required}
	var e *event.Event
	err := tr.store.Transact(ctx, func(tx *sql.Tx) error {
		if err := tr.store.insert(ctx, tx, a); err != nil {
			return err
		}
		var err error
		e, err = tr.publisher.Stage(ctx, tx, event.TypeActivityStarted, nil,
			event.Metadata{TaskID: a.TaskID, ActivityID: a.ID})
		return err
	})
	if err != nil {
		return nil, err
	}
	tr.dispatch(ctx, e)
	return a, nil
}

// Complete marks the activity completed with its result, then re-evaluates
// the owning task for completion.
func (tr *Tree) Complete(ctx context.Context, id, result string) error {
	a, err := tr.store.Get(ctx, id)
	if err != nil {
		return err
	}
	applied, err := tr.applyStatus(ctx, a, []Status{StatusActive}, StatusCompleted, 0, "", result,
		event.TypeActivityComplete, map[string]any{"result": result})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("complete activity %s: not active", id)
	}
	tr.notifyTerminal(ctx, a.TaskID)
	return nil
}

// Fail marks the activity failed with a human-readable message. A required
// activity's failure cascades to its task; otherwise the task is only
// re-checked, so sibling work can still complete it.
func (tr *Tree) Fail(ctx context.Context, id, errMsg string) error {
	a, err := tr.store.Get(ctx, id)
	if err != nil {
		return err
	}
	applied, err := tr.applyStatus(ctx, a, []Status{StatusActive, StatusPaused}, StatusFailed, 0, errMsg, "",
		event.TypeActivityFailed, map[string]any{"error": errMsg})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("fail activity %s: already terminal", id)
	}

	if tr.tasks == nil {
		return nil
	}
	if a.Required {
		if err := tr.tasks.Fail(ctx, a.TaskID, fmt.Sprintf("required activity %s failed: %s", a.ID, errMsg)); err != nil {
			tr.logger.Warn("task failure cascade", "task_id", a.TaskID, "err", err)
		}
		return nil
	}
	tr.notifyTerminal(ctx, a.TaskID)
	return nil
}

// Pause pauses the activity and, best-effort, every active descendant.
// Descendants are marked paused_by_cascade so a later Resume does not touch
// branches an operator paused independently. One event per affected node;
// terminal descendants are untouched.
func (tr *Tree) Pause(ctx context.Context, id string) error {
	a, err := tr.store.Get(ctx, id)
	if err != nil {
		return err
	}
	applied, err := tr.applyStatus(ctx, a, []Status{StatusActive}, StatusPaused, 0, "", "",
		event.TypeActivityPaused, nil)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("pause activity %s: not active", id)
	}

	descendants, err := tr.Descendants(ctx, id)
	if err != nil {
		return err
	}
	for _, d := range descendants {
		if d.Status != StatusActive {
			continue
		}
		if _, err := tr.applyStatus(ctx, d, []Status{StatusActive}, StatusPaused, 1, "", "",
			event.TypeActivityPaused, map[string]any{"cascaded_from": id}); err != nil {
			tr.logger.Warn("cascade pause", "activity_id", d.ID, "err", err)
		}
	}
	return nil
}

// Resume resumes the activity and every descendant that was paused as part
// of a cascade, leaving independently paused branches alone.
func (tr *Tree) Resume(ctx context.Context, id string) error {
	a, err := tr.store.Get(ctx, id)
	if err != nil {
		return err
	}
	applied, err := tr.applyStatus(ctx, a, []Status{StatusPaused}, StatusActive, 0, "", "",
		event.TypeActivityResumed, nil)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("resume activity %s: not paused", id)
	}

	descendants, err := tr.Descendants(ctx, id)
	if err != nil {
		return err
	}
	for _, d := range descendants {
		if d.Status != StatusPaused || !d.PausedByCascade {
			continue
		}
		if _, err := tr.applyStatus(ctx, d, []Status{StatusPaused}, StatusActive, 0, "", "",
			event.TypeActivityResumed, map[string]any{"cascaded_from": id}); err != nil {
			tr.logger.Warn("cascade resume", "activity_id", d.ID, "err", err)
		}
	}
	return nil
}

// Ancestors returns the chain above the activity, root first, ending at its
// direct parent. Empty for a root.
func (tr *Tree) Ancestors(ctx context.Context, id string) ([]*Activity, error) {
	a, err := tr.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var chain []*Activity
	seen := map[string]bool{a.ID: true}
	for a.ParentID != "" {
		if seen[a.ParentID] {
			return nil, fmt.Errorf("activity %s: ancestry cycle at %s", id, a.ParentID)
		}
		seen[a.ParentID] = true
		a, err = tr.store.Get(ctx, a.ParentID)
		if err != nil {
			return nil, err
		}
		chain = append([]*Activity{a}, chain...)
	}
	return chain, nil
}

// Descendants returns every node below the activity, breadth-first. The
// traversal visits each node once, so it is linear in the subtree size.
func (tr *Tree) Descendants(ctx context.Context, id string) ([]*Activity, error) {
	var all []*Activity
	seen := map[string]bool{id: true}
	frontier := []string{id}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		children, err := tr.store.Children(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			all = append(all, c)
			frontier = append(frontier, c.ID)
		}
	}
	return all, nil
}

// Root returns the root of the activity's tree; an activity with no parent
// is its own root.
func (tr *Tree) Root(ctx context.Context, id string) (*Activity, error) {
	chain, err := tr.Path(ctx, id)
	if err != nil {
		return nil, err
	}
	return chain[0], nil
}

// Path returns the root-to-self ordered chain.
func (tr *Tree) Path(ctx context.Context, id string) ([]*Activity, error) {
	ancestors, err := tr.Ancestors(ctx, id)
	if err != nil {
		return nil, err
	}
	self, err := tr.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return append(ancestors, self), nil
}

func (tr *Tree) notifyTerminal(ctx context.Context, taskID string) {
	if tr.tasks == nil {
		return
	}
	if err := tr.tasks.OnChildTerminal(ctx, taskID); err != nil {
		tr.logger.Warn("task completion check failed", "task_id", taskID, "err", err)
	}
}

// applyStatus runs the status CAS and the event append in one transaction,
// then delivers the event after commit. An append failure rolls the status
// change back.
func (tr *Tree) applyStatus(ctx context.Context, a *Activity, from []Status, to Status, cascade int, errMsg, result, eventType string, data map[string]any) (bool, error) {
	var e *event.Event
	applied := false
	err := tr.store.Transact(ctx, func(tx *sql.Tx) error {
		var err error
		applied, err = tr.store.casStatus(ctx, tx, a.ID, from, to, cascade, errMsg, result)
		if err != nil || !applied {
			return err
		}
		e, err = tr.publisher.Stage(ctx, tx, eventType, data,
			event.Metadata{TaskID: a.TaskID, ActivityID: a.ID})
		return err
	})
	if err != nil || !applied {
		return false, err
	}
	tr.dispatch(ctx, e)
	return true, nil
}

// dispatch delivers a committed event. Logged, not returned, on failure:
// the event is already durable and the redelivery pump owns the rest.
func (tr *Tree) dispatch(ctx context.Context, e *event.Event) {
	if err := tr.publisher.Dispatch(ctx, e); err != nil {
		tr.logger.Error("dispatch activity event failed", "type", e.Type, "activity_id", e.Metadata.ActivityID, "err", err)
	}
}
