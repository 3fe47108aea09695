package task

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/wardend/warden/event"
)

// recordingPublisher captures staged events in order.
type recordingPublisher struct {
	events []publishedEvent
	err    error
}

type publishedEvent struct {
	Type string
	Data map[string]any
	Meta event.Metadata
}

func (p *recordingPublisher) Stage(_ context.Context, _ *sql.Tx, eventType string, data map[string]any, meta event.Metadata) (*event.Event, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.events = append(p.events, publishedEvent{Type: eventType, Data: data, Meta: meta})
	return &event.Event{Type: eventType, Data: data, Metadata: meta}, nil
}

func (p *recordingPublisher) Dispatch(context.Context, *event.Event) error { return nil }

func (p *recordingPublisher) types() []string {
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// fakeActivities reports a fixed completion summary.
type fakeActivities struct {
	open, completed, total int
}

func (f *fakeActivities) CompletionState(context.Context, string) (int, int, int, error) {
	return f.open, f.completed, f.total, nil
}

func newTestMachine(t *testing.T) (*Machine, *Store, *recordingPublisher, *fakeActivities) {
	t.Helper()
	store := newTestStore(t)
	pub := &recordingPublisher{}
	acts := &fakeActivities{}
	m := NewMachine(store, acts, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, store, pub, acts
}

func createTask(t *testing.T, store *Store, task *Task) string {
	t.Helper()
	id, err := store.Create(context.Background(), task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func TestMachine_ActivatePauseResume(t *testing.T) {
	m, store, pub, _ := newTestMachine(t)
	ctx := context.Background()
	id := createTask(t, store, &Task{Title: "lifecycle"})

	if err := m.Activate(ctx, id); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := m.Pause(ctx, id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := m.Resume(ctx, id); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	got, _ := store.Get(ctx, id)
	if got.State != StateActive {
		t.Errorf("State = %q, want active", got.State)
	}

	want := []string{event.TypeTaskActivated, event.TypeTaskPaused, event.TypeTaskResumed}
	types := pub.types()
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestMachine_GuardRejectsInvalidTransition(t *testing.T) {
	m, store, pub, _ := newTestMachine(t)
	ctx := context.Background()
	id := createTask(t, store, &Task{Title: "guarded"})

	err := m.Pause(ctx, id) // pending, not active
	if !IsGuard(err) {
		t.Fatalf("Pause pending: err = %v, want GuardError", err)
	}

	got, _ := store.Get(ctx, id)
	if got.State != StatePending {
		t.Errorf("rejected transition mutated state to %q", got.State)
	}
	if len(pub.events) != 0 {
		t.Errorf("rejected transition published %v", pub.types())
	}
}

func TestMachine_TransitionNotFound(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	if err := m.Activate(context.Background(), "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMachine_CompleteHappyPath(t *testing.T) {
	m, store, pub, acts := newTestMachine(t)
	ctx := context.Background()
	id := createTask(t, store, &Task{Title: "done soon"})
	acts.completed, acts.total = 1, 1

	if err := m.Activate(ctx, id); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := m.Complete(ctx, id); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, _ := store.Get(ctx, id)
	if got.State != StateCompleted {
		t.Errorf("State = %q, want completed", got.State)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	types := pub.types()
	if types[len(types)-1] != event.TypeTaskCompleted {
		t.Errorf("last event = %q, want task.completed", types[len(types)-1])
	}
}

func TestMachine_CompleteIdempotent(t *testing.T) {
	m, store, pub, acts := newTestMachine(t)
	ctx := context.Background()
	id := createTask(t, store, &Task{Title: "twice"})
	acts.completed, acts.total = 1, 1

	if err := m.Activate(ctx, id); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := m.Complete(ctx, id); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := m.Complete(ctx, id); err != nil {
		t.Fatalf("second Complete: %v", err)
	}

	completions := 0
	for _, typ := range pub.types() {
		if typ == event.TypeTaskCompleted {
			completions++
		}
	}
	if completions != 1 {
		t.Errorf("task.completed published %d times, want 1", completions)
	}
}

func TestMachine_CompleteBlockedByOpenSubtask(t *testing.T) {
	m, store, _, _ := newTestMachine(t)
	ctx := context.Background()
	parentID := createTask(t, store, &Task{Title: "parent"})
	createTask(t, store, &Task{Title: "child", ParentID: parentID})

	if err := m.Activate(ctx, parentID); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := m.Complete(ctx, parentID); !IsGuard(err) {
		t.Fatalf("Complete with open subtask: err = %v, want GuardError", err)
	}
}

func TestMachine_CompleteBlockedByOpenActivity(t *testing.T) {
	m, store, _, acts := newTestMachine(t)
	ctx := context.Background()
	id := createTask(t, store, &Task{Title: "busy"})
	acts.open, acts.total = 1, 1

	if err := m.Activate(ctx, id); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := m.Complete(ctx, id); !IsGuard(err) {
		t.Fatalf("Complete with open activity: err = %v, want GuardError", err)
	}
}

func TestMachine_CompleteRequiresASuccessfulActivity(t *testing.T) {
	m, store, _, acts := newTestMachine(t)
	ctx := context.Background()
	id := createTask(t, store, &Task{Title: "all attempts failed"})
	// Attempts were recorded but none completed.
	acts.open, acts.completed, acts.total = 0, 0, 2

	if err := m.Activate(ctx, id); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := m.Complete(ctx, id); !IsGuard(err) {
		t.Fatalf("Complete with zero successes: err = %v, want GuardError", err)
	}
}

func TestMachine_SubtaskCompletionCompletesParent(t *testing.T) {
	m, store, pub, acts := newTestMachine(t)
	ctx := context.Background()
	parentID := createTask(t, store, &Task{Title: "parent"})
	childID := createTask(t, store, &Task{Title: "child", ParentID: parentID})
	acts.completed, acts.total = 1, 1

	if err := m.Activate(ctx, parentID); err != nil {
		t.Fatalf("Activate parent: %v", err)
	}
	if err := m.Activate(ctx, childID); err != nil {
		t.Fatalf("Activate child: %v", err)
	}
	if err := m.Complete(ctx, childID); err != nil {
		t.Fatalf("Complete child: %v", err)
	}

	parent, _ := store.Get(ctx, parentID)
	if parent.State != StateCompleted {
		t.Errorf("parent State = %q, want completed after last child", parent.State)
	}

	completions := 0
	for _, typ := range pub.types() {
		if typ == event.TypeTaskCompleted {
			completions++
		}
	}
	if completions != 2 {
		t.Errorf("task.completed published %d times, want 2 (child then parent)", completions)
	}
}

func TestMachine_FailRecordsError(t *testing.T) {
	m, store, pub, _ := newTestMachine(t)
	ctx := context.Background()
	id := createTask(t, store, &Task{Title: "broken"})

	if err := m.Activate(ctx, id); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := m.Fail(ctx, id, "agent crashed"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, _ := store.Get(ctx, id)
	if got.State != StateFailed {
		t.Errorf("State = %q, want failed", got.State)
	}
	if got.Error != "agent crashed" {
		t.Errorf("Error = %q", got.Error)
	}

	last := pub.events[len(pub.events)-1]
	if last.Type != event.TypeTaskFailed || last.Data["error"] != "agent crashed" {
		t.Errorf("last event = %+v", last)
	}
}

func TestMachine_RequiredSubtaskFailureCascades(t *testing.T) {
	m, store, _, _ := newTestMachine(t)
	ctx := context.Background()
	parentID := createTask(t, store, &Task{Title: "parent"})
	childID := createTask(t, store, &Task{Title: "vital child", ParentID: parentID, Required: true})

	if err := m.Activate(ctx, parentID); err != nil {
		t.Fatalf("Activate parent: %v", err)
	}
	if err := m.Activate(ctx, childID); err != nil {
		t.Fatalf("Activate child: %v", err)
	}
	if err := m.Fail(ctx, childID, "no dice"); err != nil {
		t.Fatalf("Fail child: %v", err)
	}

	parent, _ := store.Get(ctx, parentID)
	if parent.State != StateFailed {
		t.Errorf("parent State = %q, want failed", parent.State)
	}
	if parent.Error == "" {
		t.Error("parent Error empty, want cascade message")
	}
}

func TestMachine_OptionalSubtaskFailureCompletesParent(t *testing.T) {
	m, store, _, acts := newTestMachine(t)
	ctx := context.Background()
	parentID := createTask(t, store, &Task{Title: "parent"})
	childID := createTask(t, store, &Task{Title: "nice to have", ParentID: parentID})
	acts.completed, acts.total = 1, 1

	if err := m.Activate(ctx, parentID); err != nil {
		t.Fatalf("Activate parent: %v", err)
	}
	if err := m.Activate(ctx, childID); err != nil {
		t.Fatalf("Activate child: %v", err)
	}
	if err := m.Fail(ctx, childID, "skipped"); err != nil {
		t.Fatalf("Fail child: %v", err)
	}

	parent, _ := store.Get(ctx, parentID)
	if parent.State != StateCompleted {
		t.Errorf("parent State = %q, want completed (optional child failed)", parent.State)
	}
}

func TestMachine_AwaitAndLeaveHuman(t *testing.T) {
	m, store, pub, _ := newTestMachine(t)
	ctx := context.Background()
	id := createTask(t, store, &Task{Title: "asks questions"})

	if err := m.Activate(ctx, id); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := m.AwaitHuman(ctx, id); err != nil {
		t.Fatalf("AwaitHuman: %v", err)
	}

	got, _ := store.Get(ctx, id)
	if got.State != StateWaiting {
		t.Errorf("State = %q, want waiting_on_human", got.State)
	}

	if err := m.LeaveHuman(ctx, id); err != nil {
		t.Fatalf("LeaveHuman: %v", err)
	}
	got, _ = store.Get(ctx, id)
	if got.State != StateActive {
		t.Errorf("State = %q, want active", got.State)
	}

	last := pub.events[len(pub.events)-1]
	if last.Type != event.TypeTaskResumed || last.Data["reason"] != "human_interaction_resolved" {
		t.Errorf("last event = %+v", last)
	}
}

func TestMachine_EventAppendFailureRollsBackTransition(t *testing.T) {
	store := newTestStore(t)
	pub := &recordingPublisher{err: errors.New("event store down")}
	m := NewMachine(store, &fakeActivities{}, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	id := createTask(t, store, &Task{Title: "atomic"})

	if err := m.Activate(ctx, id); err == nil {
		t.Fatal("Activate applied without its event")
	}
	// The state change and the event share one transaction, so the failed
	// append leaves the task untouched.
	got, _ := store.Get(ctx, id)
	if got.State != StatePending {
		t.Errorf("State = %q, want pending after rollback", got.State)
	}
}

func TestMachine_RequiredSubtaskFailureFailsPendingParent(t *testing.T) {
	m, store, _, _ := newTestMachine(t)
	ctx := context.Background()
	parentID := createTask(t, store, &Task{Title: "not yet started"})
	childID := createTask(t, store, &Task{Title: "vital child", ParentID: parentID, Required: true})

	// The parent is still pending; the cascade fails it anyway so it never
	// starts work that is already doomed.
	if err := m.Activate(ctx, childID); err != nil {
		t.Fatalf("Activate child: %v", err)
	}
	if err := m.Fail(ctx, childID, "no dice"); err != nil {
		t.Fatalf("Fail child: %v", err)
	}

	parent, _ := store.Get(ctx, parentID)
	if parent.State != StateFailed {
		t.Errorf("parent State = %q, want failed", parent.State)
	}
}
