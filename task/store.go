package task

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

const tasksSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	state        TEXT NOT NULL DEFAULT 'pending',
	priority     INTEGER NOT NULL DEFAULT 1,
	queue        TEXT NOT NULL DEFAULT '',
	project_id   TEXT NOT NULL DEFAULT '',
	parent_id    TEXT NOT NULL DEFAULT '',
	required     INTEGER NOT NULL DEFAULT 0,
	metadata     TEXT NOT NULL DEFAULT '{}',
	result       TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(queue);
`

// Store persists tasks in SQLite. State transitions go through casState so
// concurrent workers never read-then-write a task's state unguarded.
type Store struct {
	db *sql.DB
}

// NewStore ensures the tasks table exists on db and returns a Store.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(tasksSchema); err != nil {
		return nil, fmt.Errorf("create tasks schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Create persists a new task in state pending and sets its ID and timestamps.
func (s *Store) Create(ctx context.Context, t *Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.State = StatePending
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	if t.ParentID != "" {
		if _, err := s.Get(ctx, t.ParentID); err != nil {
			return "", fmt.Errorf("create task: parent %s: %w", t.ParentID, err)
		}
	}

	metadata, _ := json.Marshal(t.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, state, priority, queue, project_id, parent_id, required, metadata, result, error, created_at, updated_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, string(t.State), int(t.Priority),
		t.Queue, t.ProjectID, t.ParentID, boolInt(t.Required), string(metadata),
		t.Result, t.Error, t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, selectTasks+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// List returns tasks matching the filter, highest priority first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString(selectTasks + " WHERE 1=1")
	args := []any{}

	if filter.State != nil {
		q.WriteString(" AND state=?")
		args = append(args, string(*filter.State))
	}
	if filter.Queue != "" {
		q.WriteString(" AND queue=?")
		args = append(args, filter.Queue)
	}
	if filter.ProjectID != "" {
		q.WriteString(" AND project_id=?")
		args = append(args, filter.ProjectID)
	}
	if filter.ParentID != "" {
		q.WriteString(" AND parent_id=?")
		args = append(args, filter.ParentID)
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Subtasks returns the direct children of taskID.
func (s *Store) Subtasks(ctx context.Context, taskID string) ([]*Task, error) {
	return s.List(ctx, Filter{ParentID: taskID})
}

// SetResult records the final result text on a task without touching state.
func (s *Store) SetResult(ctx context.Context, id, result string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET result = ?, updated_at = ? WHERE id = ?`,
		result, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set result: %w", err)
	}
	return nil
}

// Delete removes a task by ID. Callers that own the task tree cascade to
// its activities first (see activity.Store.DeleteForTask).
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
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

// Transact runs fn inside a single transaction on the store's handle, so
// callers can pair a state mutation with other writes to the same database.
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

// casState atomically moves the task from one of the given states to the
// target, recording the error message and completion time for terminal
// states. Returns false when the task exists but is not in an allowed
// state; the caller turns that into a GuardError. dbtx is the store's own
// handle or a transaction started with Transact.
func (s *Store) casState(ctx context.Context, dbtx execer, id string, from []State, to State, errMsg string) (bool, error) {
	placeholders := make([]string, len(from))
	args := []any{string(to), time.Now().UTC()}
	q := `UPDATE tasks SET state = ?, updated_at = ?`
	if to.Terminal() {
		q += `, completed_at = ?, error = ?`
		args = append(args, time.Now().UTC(), errMsg)
	}
	q += ` WHERE id = ? AND state IN (%s)`
	args = append(args, id)
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	q = fmt.Sprintf(q, strings.Join(placeholders, ","))

	res, err := dbtx.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("transition task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const selectTasks = `SELECT id, title, description, state, priority, queue, project_id, parent_id, required, metadata, result, error, created_at, updated_at, completed_at FROM tasks`

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

// execer abstracts *sql.DB and *sql.Tx for casState.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var state, metadataJSON string
	var priority, required int
	var completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.Title, &t.Description, &state, &priority,
		&t.Queue, &t.ProjectID, &t.ParentID, &required, &metadataJSON,
		&t.Result, &t.Error, &t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.State = State(state)
	t.Priority = Priority(priority)
	t.Required = required != 0
	_ = json.Unmarshal([]byte(metadataJSON), &t.Metadata)
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
