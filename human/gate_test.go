package human

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/wardend/warden/event"
	"github.com/wardend/warden/task"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	f, err := os.CreateTemp("", "warden-human-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// recordingPublisher captures published event types in order.
type recordingPublisher struct {
	types []string
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, data map[string]any, meta event.Metadata) (*event.Event, error) {
	p.types = append(p.types, eventType)
	return &event.Event{Type: eventType}, nil
}

// fakeTasks tracks await/leave calls and can refuse AwaitHuman.
type fakeTasks struct {
	awaited  []string
	left     []string
	awaitErr error
}

func (f *fakeTasks) AwaitHuman(_ context.Context, taskID string) error {
	if f.awaitErr != nil {
		return f.awaitErr
	}
	f.awaited = append(f.awaited, taskID)
	return nil
}

func (f *fakeTasks) LeaveHuman(_ context.Context, taskID string) error {
	f.left = append(f.left, taskID)
	return nil
}

func newTestGate(t *testing.T) (*Gate, *Store, *recordingPublisher, *fakeTasks) {
	t.Helper()
	store, err := NewStore(newTestDB(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	pub := &recordingPublisher{}
	tasks := &fakeTasks{}
	gate := NewGate(store, tasks, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return gate, store, pub, tasks
}

func TestGate_RequiredRequestGatesTask(t *testing.T) {
	gate, store, pub, tasks := newTestGate(t)
	ctx := context.Background()

	in, err := gate.Request(ctx, Interaction{TaskID: "t1", Question: "deploy to prod?", Required: true})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if in.Status != StatusPending {
		t.Errorf("Status = %q, want pending", in.Status)
	}
	if len(tasks.awaited) != 1 || tasks.awaited[0] != "t1" {
		t.Errorf("awaited = %v, want [t1]", tasks.awaited)
	}
	if len(pub.types) != 1 || pub.types[0] != event.TypeHumanRequested {
		t.Errorf("events = %v", pub.types)
	}

	got, err := store.Get(ctx, in.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Required {
		t.Error("Required not persisted")
	}
}

func TestGate_OptionalRequestDoesNotGate(t *testing.T) {
	gate, _, _, tasks := newTestGate(t)

	_, err := gate.Request(context.Background(), Interaction{TaskID: "t1", Question: "FYI ok?"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if len(tasks.awaited) != 0 {
		t.Errorf("optional request gated the task: %v", tasks.awaited)
	}
}

func TestGate_RequestRollsBackWhenTaskCannotWait(t *testing.T) {
	gate, store, _, tasks := newTestGate(t)
	tasks.awaitErr = &task.GuardError{TaskID: "t1", From: task.StateCompleted, To: task.StateWaiting, Reason: "task is completed"}

	_, err := gate.Request(context.Background(), Interaction{TaskID: "t1", Question: "too late?", Required: true})
	if err == nil {
		t.Fatal("expected error when the task cannot enter waiting_on_human")
	}

	pending, _ := store.ListPending(context.Background())
	if len(pending) != 0 {
		t.Errorf("interaction row survived failed request: %v", pending)
	}
}

func TestGate_RequestToleratesAlreadyWaitingTask(t *testing.T) {
	gate, _, _, tasks := newTestGate(t)
	// A second required interaction joins the blocking set; the task is
	// already waiting, which is not an error.
	tasks.awaitErr = &task.GuardError{TaskID: "t1", From: task.StateWaiting, To: task.StateWaiting, Reason: "task is waiting_on_human"}

	if _, err := gate.Request(context.Background(), Interaction{TaskID: "t1", Question: "also this?", Required: true}); err != nil {
		t.Fatalf("Request: %v", err)
	}
}

func TestGate_AnswerLastBlockerResumesTask(t *testing.T) {
	gate, store, pub, tasks := newTestGate(t)
	ctx := context.Background()

	in1, _ := gate.Request(ctx, Interaction{TaskID: "t1", Question: "first?", Required: true})
	in2, _ := gate.Request(ctx, Interaction{TaskID: "t1", Question: "second?", Required: true})

	if err := gate.Answer(ctx, in1.ID, "yes"); err != nil {
		t.Fatalf("Answer first: %v", err)
	}
	if len(tasks.left) != 0 {
		t.Errorf("task resumed with a blocker remaining: %v", tasks.left)
	}

	if err := gate.Answer(ctx, in2.ID, "also yes"); err != nil {
		t.Fatalf("Answer second: %v", err)
	}
	if len(tasks.left) != 1 || tasks.left[0] != "t1" {
		t.Errorf("left = %v, want [t1]", tasks.left)
	}

	got, _ := store.Get(ctx, in1.ID)
	if got.Status != StatusAnswered || got.Response != "yes" {
		t.Errorf("got = %+v", got)
	}
	if got.RespondedAt == nil {
		t.Error("RespondedAt not set")
	}

	answered := 0
	for _, typ := range pub.types {
		if typ == event.TypeHumanAnswered {
			answered++
		}
	}
	if answered != 2 {
		t.Errorf("human_interaction.answered published %d times, want 2", answered)
	}
}

func TestGate_IgnoreResolves(t *testing.T) {
	gate, store, _, tasks := newTestGate(t)
	ctx := context.Background()

	in, _ := gate.Request(ctx, Interaction{TaskID: "t1", Question: "skippable?", Required: true})
	if err := gate.Ignore(ctx, in.ID); err != nil {
		t.Fatalf("Ignore: %v", err)
	}

	got, _ := store.Get(ctx, in.ID)
	if got.Status != StatusIgnored {
		t.Errorf("Status = %q, want ignored", got.Status)
	}
	if len(tasks.left) != 1 {
		t.Errorf("ignoring the only blocker should resume the task: %v", tasks.left)
	}
}

func TestGate_ResolveTwiceReturnsErrResolved(t *testing.T) {
	gate, _, _, _ := newTestGate(t)
	ctx := context.Background()

	in, _ := gate.Request(ctx, Interaction{TaskID: "t1", Question: "once?"})
	if err := gate.Answer(ctx, in.ID, "yes"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := gate.Answer(ctx, in.ID, "again"); !errors.Is(err, ErrResolved) {
		t.Fatalf("second Answer: err = %v, want ErrResolved", err)
	}
	if err := gate.Ignore(ctx, in.ID); !errors.Is(err, ErrResolved) {
		t.Fatalf("Ignore after answer: err = %v, want ErrResolved", err)
	}
}

func TestGate_AnswerNotFound(t *testing.T) {
	gate, _, _, _ := newTestGate(t)
	if err := gate.Answer(context.Background(), "ghost", "hello"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGate_ExpireEscalatesButKeepsRequiredBlocking(t *testing.T) {
	gate, store, pub, tasks := newTestGate(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	in, err := gate.Request(ctx, Interaction{TaskID: "t1", Question: "urgent?", Required: true, ExpiresAt: &past})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	n, err := gate.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d, want 1", n)
	}

	got, _ := store.Get(ctx, in.ID)
	if got.Status != StatusExpired {
		t.Errorf("Status = %q, want expired", got.Status)
	}
	if pub.types[len(pub.types)-1] != event.TypeHumanEscalated {
		t.Errorf("last event = %q, want escalated", pub.types[len(pub.types)-1])
	}
	// Expiry never auto-resumes a task blocked on a required interaction.
	if len(tasks.left) != 0 {
		t.Errorf("expired required interaction resumed the task: %v", tasks.left)
	}

	// The operator can still answer the expired interaction to unblock.
	if err := gate.Answer(ctx, in.ID, "finally"); err != nil {
		t.Fatalf("Answer expired: %v", err)
	}
	if len(tasks.left) != 1 {
		t.Errorf("answering expired blocker should resume: %v", tasks.left)
	}
}

func TestGate_ExpireNonRequiredFreesTask(t *testing.T) {
	gate, _, _, tasks := newTestGate(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	if _, err := gate.Request(ctx, Interaction{TaskID: "t1", Question: "optional?", ExpiresAt: &past}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	if _, err := gate.ExpireDue(ctx); err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	// No required blocker remains, so the gate re-checks the task.
	if len(tasks.left) != 1 {
		t.Errorf("left = %v, want one resume attempt", tasks.left)
	}
}

func TestGate_ExpireSkipsUnexpiredAndUnbounded(t *testing.T) {
	gate, _, _, _ := newTestGate(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	if _, err := gate.Request(ctx, Interaction{TaskID: "t1", Question: "later?", ExpiresAt: &future}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, err := gate.Request(ctx, Interaction{TaskID: "t1", Question: "forever?"}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	n, err := gate.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	if n != 0 {
		t.Errorf("expired %d, want 0", n)
	}
}

func TestStore_ListByTask(t *testing.T) {
	gate, store, _, _ := newTestGate(t)
	ctx := context.Background()

	if _, err := gate.Request(ctx, Interaction{TaskID: "t1", Question: "a?"}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, err := gate.Request(ctx, Interaction{TaskID: "t1", Question: "b?"}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, err := gate.Request(ctx, Interaction{TaskID: "t2", Question: "c?"}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	ins, err := store.ListByTask(ctx, "t1")
	if err != nil {
		t.Fatalf("ListByTask: %v", err)
	}
	if len(ins) != 2 {
		t.Errorf("ListByTask: got %d, want 2", len(ins))
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 3 {
		t.Errorf("ListPending: got %d, want 3", len(pending))
	}
}
