package event

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	f, err := os.CreateTemp("", "warden-event-*.db")
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

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := NewLog(newTestDB(t))
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	return l
}

func TestLog_AppendAssignsSequence(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	var prev int64
	for i := 0; i < 5; i++ {
		e := &Event{Type: TypeTaskActivated, Metadata: Metadata{TaskID: "t1"}}
		id, err := l.Append(ctx, e)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if id == "" {
			t.Fatal("Append returned empty ID")
		}
		if e.Seq <= prev {
			t.Errorf("Seq = %d, want > %d", e.Seq, prev)
		}
		prev = e.Seq
	}
}

func TestLog_GetNotFound(t *testing.T) {
	l := newTestLog(t)
	if _, err := l.Get(context.Background(), "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get: err = %v, want ErrNotFound", err)
	}
}

func TestLog_AppendAndGetRoundTrip(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	e := &Event{
		Type:     TypeTaskFailed,
		Data:     map[string]any{"error": "boom"},
		Metadata: Metadata{TaskID: "t1", ProjectID: "p1", Priority: 2},
	}
	if _, err := l.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := l.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Type != TypeTaskFailed {
		t.Errorf("Type = %q, want %q", got.Type, TypeTaskFailed)
	}
	if got.Data["error"] != "boom" {
		t.Errorf("Data[error] = %v, want boom", got.Data["error"])
	}
	if got.Metadata.ProjectID != "p1" || got.Metadata.Priority != 2 {
		t.Errorf("Metadata = %+v", got.Metadata)
	}
	if got.ProcessedAt != nil {
		t.Error("new event should not be processed")
	}
}

func TestLog_StreamsDerivedFromMetadata(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	add := func(taskID, activityID, projectID string) {
		t.Helper()
		e := &Event{Type: TypeActivityStarted, Metadata: Metadata{
			TaskID: taskID, ActivityID: activityID, ProjectID: projectID,
		}}
		if _, err := l.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	add("t1", "a1", "p1")
	add("t1", "a2", "p1")
	add("t2", "a3", "p2")

	cases := []struct {
		stream Stream
		want   int
	}{
		{TaskStream("t1"), 2},
		{TaskStream("t2"), 1},
		{ActivityStream("a2"), 1},
		{ProjectStream("p1"), 2},
		{AllStream, 3},
		{TaskStream("missing"), 0},
	}
	for _, tc := range cases {
		events, err := l.ReadStream(ctx, tc.stream)
		if err != nil {
			t.Fatalf("ReadStream %s: %v", tc.stream, err)
		}
		if len(events) != tc.want {
			t.Errorf("ReadStream %s: got %d events, want %d", tc.stream, len(events), tc.want)
		}
		for i := 1; i < len(events); i++ {
			if events[i].Seq <= events[i-1].Seq {
				t.Errorf("ReadStream %s: out of order at %d", tc.stream, i)
			}
		}
	}
}

func TestLog_ReadStreamUnknownKind(t *testing.T) {
	l := newTestLog(t)
	if _, err := l.ReadStream(context.Background(), Stream{Kind: "banana", ID: "x"}); err == nil {
		t.Fatal("expected error for unknown stream kind")
	}
}

func TestLog_ProcessingBookkeeping(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	e := &Event{Type: TypeTaskCompleted, Metadata: Metadata{TaskID: "t1"}}
	if _, err := l.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}

	undispatched, err := l.ListUndispatched(ctx, 10)
	if err != nil {
		t.Fatalf("ListUndispatched: %v", err)
	}
	if len(undispatched) != 1 {
		t.Fatalf("undispatched: got %d, want 1", len(undispatched))
	}

	if err := l.IncrementAttempts(ctx, e.ID); err != nil {
		t.Fatalf("IncrementAttempts: %v", err)
	}
	if err := l.MarkProcessed(ctx, e.ID); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	got, err := l.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.ProcessedAt == nil {
		t.Error("ProcessedAt not set after MarkProcessed")
	}

	undispatched, err = l.ListUndispatched(ctx, 10)
	if err != nil {
		t.Fatalf("ListUndispatched: %v", err)
	}
	if len(undispatched) != 0 {
		t.Errorf("undispatched after processing: got %d, want 0", len(undispatched))
	}
}

func TestLog_DeadLetter(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	e := &Event{Type: TypeTaskActivated, Metadata: Metadata{TaskID: "t1"}}
	if _, err := l.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.DeadLetter(ctx, e.ID, "handler kept failing"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	got, err := l.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.DeadLettered {
		t.Error("event not marked dead-lettered")
	}
	if got.DeadReason != "handler kept failing" {
		t.Errorf("DeadReason = %q", got.DeadReason)
	}

	// Dead-lettered events leave the undispatched backlog.
	undispatched, err := l.ListUndispatched(ctx, 10)
	if err != nil {
		t.Fatalf("ListUndispatched: %v", err)
	}
	if len(undispatched) != 0 {
		t.Errorf("undispatched: got %d, want 0", len(undispatched))
	}
}
