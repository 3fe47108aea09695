// Package activity records agent executions as nodes of a spawn tree and
// cascades pause/resume/failure across that tree.
package activity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// Status is the lifecycle status of an activity. Terminal activities are
// never reopened; a retry creates a new activity.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Activity is one execution attempt against a task. ParentID links to the
// activity that spawned it (possibly for a different task), forming a tree
// independent of the subtask tree.
type Activity struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	ParentID        string     `json:"parent_id,omitempty"`
	Status          Status     `json:"status"`
	Required        bool       `json:"required,omitempty"` // failure cascades to the owning task
	PausedByCascade bool       `json:"paused_by_cascade,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	Result          string     `json:"result,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ErrNotFound is returned when an activity id does not exist.
var ErrNotFound = errors.New("activity not found")

const activitiesSchema = `
CREATE TABLE IF NOT EXISTS agent_activities (
	id                TEXT PRIMARY KEY,
	task_id           TEXT NOT NULL,
	parent_id         TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'active',
	required          INTEGER NOT NULL DEFAULT 0,
	paused_by_cascade INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	result            TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	completed_at      DATETIME
);
CREATE INDEX IF NOT EXISTS idx_activities_task ON agent_activities(task_id);
CREATE INDEX IF NOT EXISTS idx_activities_parent ON agent_activities(parent_id);
CREATE INDEX IF NOT EXISTS idx_activities_status ON agent_activities(status);
`

// Store persists activities. Adjacency (parent_id plus its index) backs the
// tree queries; traversal is iterative, never recursive SQL.
type Store struct {
	db *sql.DB
}

// NewStore ensures the activities table exists on db and returns a Store.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(activitiesSchema); err != nil {
		return nil, fmt.Errorf("create activities schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Transact runs fn inside a single transaction on the store's handle, so
// callers can pair a status mutation with other writes to the same database.
func (s *Store) Transact(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// insert persists a new activity in status active.
func (s *Store) insert(ctx context.Context, dbtx execer, a *Activity) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.Status = StatusActive
	a.CreatedAt = time.Now().UTC()

	_, err := dbtx.ExecContext(ctx, `
		INSERT INTO agent_activities (id, task_id, parent_id, status, required, paused_by_cascade, error_message, result, created_at)
		VALUES (?,?,?,?,?,0,'','',?)`,
		a.ID, a.TaskID, a.ParentID, string(a.Status), boolInt(a.Required), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// Get retrieves an activity by ID.
func (s *Store) Get(ctx context.Context, id string) (*Activity, error) {
	row := s.db.QueryRowContext(ctx, selectActivities+` WHERE id = ?`, id)
	a, err := scanActivity(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

// ListByTask returns every activity recorded for taskID, oldest first.
func (s *Store) ListByTask(ctx context.Context, taskID string) ([]*Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		selectActivities+` WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list activities for task %s: %w", taskID, err)
	}
	defer rows.Close()
	return collectActivities(rows)
}

// Children returns the direct children of the given activity.
func (s *Store) Children(ctx context.Context, id string) ([]*Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		selectActivities+` WHERE parent_id = ? ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", id, err)
	}
	defer rows.Close()
	return collectActivities(rows)
}

// AllTerminal reports whether every activity of taskID is terminal.
func (s *Store) AllTerminal(ctx context.Context, taskID string) (bool, error) {
	open, _, _, err := s.CompletionState(ctx, taskID)
	if err != nil {
		return false, err
	}
	return open == 0, nil
}

// CompletionState summarizes the task's activities for the completion
// guard: how many are still in flight, how many completed, and the total.
// Satisfies task.ActivityChecker.
func (s *Store) CompletionState(ctx context.Context, taskID string) (open, completed, total int, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM agent_activities WHERE task_id = ? GROUP BY status`, taskID)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("count activities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, 0, fmt.Errorf("scan activity count: %w", err)
		}
		total += n
		switch Status(status) {
		case StatusActive, StatusPaused:
			open += n
		case StatusCompleted:
			completed += n
		}
	}
	return open, completed, total, rows.Err()
}

// DeleteForTask removes every activity of taskID. Used only when the owning
// task collection is explicitly deleted.
func (s *Store) DeleteForTask(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_activities WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete activities for task %s: %w", taskID, err)
	}
	return nil
}

// casStatus atomically moves the activity between statuses, optionally
// setting the cascade marker (cascade >= 0) and terminal fields. dbtx is
// the store's own handle or a transaction started with Transact.
func (s *Store) casStatus(ctx context.Context, dbtx execer, id string, from []Status, to Status, cascade int, errMsg, result string) (bool, error) {
	q := `UPDATE agent_activities SET status = ?`
	args := []any{string(to)}
	if cascade >= 0 {
		q += `, paused_by_cascade = ?`
		args = append(args, cascade)
	}
	if to.Terminal() {
		q += `, error_message = ?, result = ?, completed_at = ?`
		args = append(args, errMsg, result, time.Now().UTC())
	}
	q += ` WHERE id = ? AND status IN (`
	args = append(args, id)
	for i, st := range from {
		if i > 0 {
			q += ","
		}
		q += "?"
		args = append(args, string(st))
	}
	q += `)`

	res, err := dbtx.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("transition activity %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const selectActivities = `SELECT id, task_id, parent_id, status, required, paused_by_cascade, error_message, result, created_at, completed_at FROM agent_activities`

// scanner abstracts sql.Row and sql.Rows for scanActivity.
type scanner interface {
	Scan(dest ...any) error
}

// execer abstracts *sql.DB and *sql.Tx for insert and casStatus.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanActivity(s scanner) (*Activity, error) {
	var a Activity
	var status string
	var required, cascade int
	var completedAt sql.NullTime
	err := s.Scan(
		&a.ID, &a.TaskID, &a.ParentID, &status, &required, &cascade,
		&a.ErrorMessage, &a.Result, &a.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.Required = required != 0
	a.PausedByCascade = cascade != 0
	if completedAt.Valid {
		a.CompletedAt = &completedAt.Time
	}
	return &a, nil
}

func collectActivities(rows *sql.Rows) ([]*Activity, error) {
	var acts []*Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		acts = append(acts, a)
	}
	return acts, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
