package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	event_type    TEXT NOT NULL,
	data          TEXT NOT NULL DEFAULT '{}',
	task_id       TEXT NOT NULL DEFAULT '',
	activity_id   TEXT NOT NULL DEFAULT '',
	project_id    TEXT NOT NULL DEFAULT '',
	priority      INTEGER NOT NULL DEFAULT 0,
	occurred_at   DATETIME NOT NULL,
	processed_at  DATETIME,
	attempts      INTEGER NOT NULL DEFAULT 0,
	dead_lettered INTEGER NOT NULL DEFAULT 0,
	dead_reason   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);
CREATE INDEX IF NOT EXISTS idx_events_activity ON events(activity_id);
CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
`

// Log is the append-only event store. Streams are derived from event
// metadata: per-task, per-activity, per-project, plus the global "all"
// stream. Appended events are never deleted; only processing bookkeeping
// columns are updated after append.
type Log struct {
	db *sql.DB
}

// NewLog ensures the events table exists on db and returns a Log. The
// caller owns the database handle.
func NewLog(db *sql.DB) (*Log, error) {
	if _, err := db.Exec(eventsSchema); err != nil {
		return nil, fmt.Errorf("create events schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Append stores e and assigns its ID, sequence, and OccurredAt. The
// sequence is monotonic across the log, so every derived stream is ordered
// by it. Duplicate detection is the caller's concern.
func (l *Log) Append(ctx context.Context, e *Event) (string, error) {
	return l.append(ctx, l.db, e)
}

// AppendTx appends e inside the caller's transaction. State machines pair
// it with their row mutation so neither becomes durable without the other.
func (l *Log) AppendTx(ctx context.Context, tx *sql.Tx, e *Event) (string, error) {
	return l.append(ctx, tx, e)
}

func (l *Log) append(ctx context.Context, db execer, e *Event) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return "", fmt.Errorf("marshal event data: %w", err)
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO events (id, event_type, data, task_id, activity_id, project_id, priority, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, string(data),
		e.Metadata.TaskID, e.Metadata.ActivityID, e.Metadata.ProjectID, e.Metadata.Priority,
		e.OccurredAt,
	)
	if err != nil {
		return "", fmt.Errorf("append event: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		e.Seq = seq
	}
	return e.ID, nil
}

// Get retrieves a single event by id.
func (l *Log) Get(ctx context.Context, id string) (*Event, error) {
	row := l.db.QueryRowContext(ctx, selectEvents+` WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// ReadStream returns every event in the stream, ordered by append sequence.
func (l *Log) ReadStream(ctx context.Context, s Stream) ([]*Event, error) {
	q := selectEvents
	args := []any{}
	switch s.Kind {
	case StreamAll:
		// no filter
	case StreamTask:
		q += ` WHERE task_id = ?`
		args = append(args, s.ID)
	case StreamActivity:
		q += ` WHERE activity_id = ?`
		args = append(args, s.ID)
	case StreamProject:
		q += ` WHERE project_id = ?`
		args = append(args, s.ID)
	default:
		return nil, fmt.Errorf("unknown stream kind %q", s.Kind)
	}
	q += ` ORDER BY seq ASC`

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", s, err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ReadAll returns the full log in append order, for rebuilding projections.
func (l *Log) ReadAll(ctx context.Context) ([]*Event, error) {
	return l.ReadStream(ctx, AllStream)
}

// ListUndispatched returns up to limit events that have neither been
// processed nor dead-lettered, oldest first. The redelivery pump uses this
// to guarantee every appended event is eventually dispatched or given up on.
func (l *Log) ListUndispatched(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := l.db.QueryContext(ctx,
		selectEvents+` WHERE processed_at IS NULL AND dead_lettered = 0 ORDER BY seq ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list undispatched: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// MarkProcessed records that the event was delivered to all its handlers.
func (l *Log) MarkProcessed(ctx context.Context, id string) error {
	return l.mark(ctx, `UPDATE events SET processed_at = ? WHERE id = ?`, time.Now().UTC(), id)
}

// IncrementAttempts bumps the processing attempt counter after a failed
// dispatch, so retries and the dead-letter bound are observable.
func (l *Log) IncrementAttempts(ctx context.Context, id string) error {
	return l.mark(ctx, `UPDATE events SET attempts = attempts + 1 WHERE id = ?`, id)
}

// DeadLetter permanently gives up on the event, recording why. The event
// stays in the log but is excluded from redelivery.
func (l *Log) DeadLetter(ctx context.Context, id, reason string) error {
	return l.mark(ctx,
		`UPDATE events SET dead_lettered = 1, dead_reason = ?, processed_at = ? WHERE id = ?`,
		reason, time.Now().UTC(), id)
}

func (l *Log) mark(ctx context.Context, q string, args ...any) error {
	res, err := l.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectEvents = `SELECT seq, id, event_type, data, task_id, activity_id, project_id, priority, occurred_at, processed_at, attempts, dead_lettered, dead_reason FROM events`

// scanner abstracts sql.Row and sql.Rows for scanEvent.
type scanner interface {
	Scan(dest ...any) error
}

// execer abstracts *sql.DB and *sql.Tx for append.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanEvent(s scanner) (*Event, error) {
	var e Event
	var data string
	var processedAt sql.NullTime
	var dead int
	err := s.Scan(
		&e.Seq, &e.ID, &e.Type, &data,
		&e.Metadata.TaskID, &e.Metadata.ActivityID, &e.Metadata.ProjectID, &e.Metadata.Priority,
		&e.OccurredAt, &processedAt, &e.Attempts, &dead, &e.DeadReason,
	)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(data) != "" {
		_ = json.Unmarshal([]byte(data), &e.Data)
	}
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	e.DeadLettered = dead != 0
	return &e, nil
}

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
