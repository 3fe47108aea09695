// Package human implements the interaction gate: requests that block a
// task pending an external answer, with expiry and escalation.
package human

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// Status is the resolution state of an interaction.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAnswered Status = "answered"
	StatusIgnored  Status = "ignored"
	StatusExpired  Status = "expired"
)

// Interaction is a request for a human decision. While a required
// interaction on a task is unresolved, the task sits in waiting_on_human
// and nothing auto-resumes it except answering or ignoring the interaction.
type Interaction struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	ActivityID  string     `json:"agent_activity_id,omitempty"`
	Question    string     `json:"question"`
	Response    string     `json:"response,omitempty"`
	Status      Status     `json:"status"`
	Required    bool       `json:"required"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ErrNotFound is returned when an interaction id does not exist.
var ErrNotFound = errors.New("interaction not found")

// ErrResolved is returned when answering or ignoring an interaction that
// was already answered or ignored.
var ErrResolved = errors.New("interaction already resolved")

const interactionsSchema = `
CREATE TABLE IF NOT EXISTS human_interactions (
	id           TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL,
	activity_id  TEXT NOT NULL DEFAULT '',
	question     TEXT NOT NULL,
	response     TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'pending',
	required     INTEGER NOT NULL DEFAULT 0,
	expires_at   DATETIME,
	responded_at DATETIME,
	created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interactions_task ON human_interactions(task_id);
CREATE INDEX IF NOT EXISTS idx_interactions_status ON human_interactions(status);
`

// Store persists interactions.
type Store struct {
	db *sql.DB
}

// NewStore ensures the interactions table exists on db and returns a Store.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(interactionsSchema); err != nil {
		return nil, fmt.Errorf("create interactions schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) insert(ctx context.Context, in *Interaction) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	in.Status = StatusPending
	in.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO human_interactions (id, task_id, activity_id, question, response, status, required, expires_at, responded_at, created_at)
		VALUES (?,?,?,?,'','pending',?,?,NULL,?)`,
		in.ID, in.TaskID, in.ActivityID, in.Question, boolInt(in.Required),
		nullTime(in.ExpiresAt), in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM human_interactions WHERE id = ?`, id)
	return err
}

// Get retrieves an interaction by ID.
func (s *Store) Get(ctx context.Context, id string) (*Interaction, error) {
	row := s.db.QueryRowContext(ctx, selectInteractions+` WHERE id = ?`, id)
	in, err := scanInteraction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return in, err
}

// ListPending returns all pending interactions, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]*Interaction, error) {
	return s.list(ctx, selectInteractions+` WHERE status = 'pending' ORDER BY created_at ASC`)
}

// ListByTask returns every interaction on taskID, oldest first.
func (s *Store) ListByTask(ctx context.Context, taskID string) ([]*Interaction, error) {
	return s.list(ctx, selectInteractions+` WHERE task_id = ? ORDER BY created_at ASC`, taskID)
}

// listDue returns pending interactions whose expiry has passed.
func (s *Store) listDue(ctx context.Context, now time.Time) ([]*Interaction, error) {
	return s.list(ctx,
		selectInteractions+` WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < ? ORDER BY created_at ASC`,
		now)
}

// blockingCount counts required interactions on the task that still block
// it: pending ones and expired-but-unresolved ones. An expired required
// interaction keeps the task gated until an operator answers or ignores it.
func (s *Store) blockingCount(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM human_interactions WHERE task_id = ? AND required = 1 AND status IN ('pending','expired')`,
		taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count blocking interactions: %w", err)
	}
	return n, nil
}

// resolve atomically moves the interaction out of the given statuses.
func (s *Store) resolve(ctx context.Context, id string, from []Status, to Status, response string) (bool, error) {
	q := `UPDATE human_interactions SET status = ?, response = ?, responded_at = ? WHERE id = ? AND status IN (`
	args := []any{string(to), response, time.Now().UTC(), id}
	for i, st := range from {
		if i > 0 {
			q += ","
		}
		q += "?"
		args = append(args, string(st))
	}
	q += `)`
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("resolve interaction %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) list(ctx context.Context, q string, args ...any) ([]*Interaction, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	var ins []*Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		ins = append(ins, in)
	}
	return ins, rows.Err()
}

const selectInteractions = `SELECT id, task_id, activity_id, question, response, status, required, expires_at, responded_at, created_at FROM human_interactions`

// scanner abstracts sql.Row and sql.Rows for scanInteraction.
type scanner interface {
	Scan(dest ...any) error
}

func scanInteraction(s scanner) (*Interaction, error) {
	var in Interaction
	var status string
	var required int
	var expiresAt, respondedAt sql.NullTime
	err := s.Scan(
		&in.ID, &in.TaskID, &in.ActivityID, &in.Question, &in.Response,
		&status, &required, &expiresAt, &respondedAt, &in.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	in.Status = Status(status)
	in.Required = required != 0
	if expiresAt.Valid {
		in.ExpiresAt = &expiresAt.Time
	}
	if respondedAt.Valid {
		in.RespondedAt = &respondedAt.Time
	}
	return &in, nil
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
