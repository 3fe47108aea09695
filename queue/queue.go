// Package queue implements the durable work-enqueue collaborator: work
// items with delayed visibility, atomic claims, retry with exponential
// backoff, and dead-lettering on exhaustion. The Runner executes task work
// items under semaphore admission.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// Item statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusDead    = "dead"
)

// Work item kinds the Runner understands.
const (
	KindTaskRun = "task.run"
)

// Item is one queued unit of work, delivered at least once.
type Item struct {
	ID          string            `json:"id"`
	Queue       string            `json:"queue"`
	Kind        string            `json:"kind"`
	Payload     map[string]string `json:"payload,omitempty"`
	NotBefore   time.Time         `json:"not_before"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	Status      string            `json:"status"`
	LastError   string            `json:"last_error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ErrEmpty is returned by Claim when no due item exists on the queue.
var ErrEmpty = errors.New("queue empty")

// ErrItemNotFound is returned when an item id does not exist.
var ErrItemNotFound = errors.New("work item not found")

const itemsSchema = `
CREATE TABLE IF NOT EXISTS work_items (
	id           TEXT PRIMARY KEY,
	queue        TEXT NOT NULL,
	kind         TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '{}',
	not_before   DATETIME NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	status       TEXT NOT NULL DEFAULT 'pending',
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_queue_status ON work_items(queue, status, not_before);
`

// Queue persists work items in SQLite. Claims are guarded by a
// compare-and-set on status so parallel workers never run one item twice.
type Queue struct {
	db          *sql.DB
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts overrides the default retry cap of 5 for new items.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithRetryDelays overrides the backoff bounds (default 1s base, 5m cap).
func WithRetryDelays(base, max time.Duration) Option {
	return func(q *Queue) { q.baseDelay = base; q.maxDelay = max }
}

// New ensures the work_items table exists on db and returns a Queue.
func New(db *sql.DB, opts ...Option) (*Queue, error) {
	if _, err := db.Exec(itemsSchema); err != nil {
		return nil, fmt.Errorf("create work items schema: %w", err)
	}
	q := &Queue{
		db:          db,
		maxAttempts: 5,
		baseDelay:   time.Second,
		maxDelay:    5 * time.Minute,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue adds a work item to queueName, invisible until notBefore (zero
// means immediately).
func (q *Queue) Enqueue(ctx context.Context, kind string, payload map[string]string, queueName string, notBefore time.Time) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	if notBefore.IsZero() {
		notBefore = now
	}
	data, _ := json.Marshal(payload)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO work_items (id, queue, kind, payload, not_before, attempts, max_attempts, status, created_at, updated_at)
		VALUES (?,?,?,?,?,0,?,'pending',?,?)`,
		id, queueName, kind, string(data), notBefore.UTC(), q.maxAttempts, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue %s on %s: %w", kind, queueName, err)
	}
	return id, nil
}

// Claim atomically takes the oldest due pending item off queueName. The
// select-then-CAS loop means a raced claim simply tries the next item;
// exactly one claimant wins each item.
func (q *Queue) Claim(ctx context.Context, queueName string) (*Item, error) {
	now := time.Now().UTC()
	for {
		row := q.db.QueryRowContext(ctx,
			selectItems+` WHERE queue = ? AND status = 'pending' AND not_before <= ? ORDER BY created_at ASC LIMIT 1`,
			queueName, now)
		item, err := scanItem(row)
		if err == sql.ErrNoRows {
			return nil, ErrEmpty
		}
		if err != nil {
			return nil, fmt.Errorf("claim on %s: %w", queueName, err)
		}

		res, err := q.db.ExecContext(ctx,
			`UPDATE work_items SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`,
			now, item.ID)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", item.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			item.Status = StatusRunning
			return item, nil
		}
		// Lost the race; another worker claimed it. Try the next item.
	}
}

// Complete marks the item done.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.setStatus(ctx, id, StatusDone, "")
}

// Defer returns a claimed item to pending with a delay, without counting a
// failure attempt. Used for semaphore refusal: admission pressure is not a
// fault and must never busy-spin or dead-letter the item.
func (q *Queue) Defer(ctx context.Context, id string, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE work_items SET status = 'pending', not_before = ?, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Add(delay), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("defer item %s: %w", id, err)
	}
	return nil
}

// Retry records a failed attempt. The item goes back to pending with
// exponentially increasing delay until max_attempts, then dead-letters with
// the last error preserved. Returns true when the item was dead-lettered.
func (q *Queue) Retry(ctx context.Context, item *Item, errMsg string) (bool, error) {
	attempts := item.Attempts + 1
	now := time.Now().UTC()

	if attempts >= item.MaxAttempts {
		_, err := q.db.ExecContext(ctx,
			`UPDATE work_items SET status = 'dead', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now, item.ID)
		if err != nil {
			return false, fmt.Errorf("dead-letter item %s: %w", item.ID, err)
		}
		item.Attempts = attempts
		item.Status = StatusDead
		return true, nil
	}

	delay := q.backoff(attempts)
	_, err := q.db.ExecContext(ctx,
		`UPDATE work_items SET status = 'pending', attempts = ?, last_error = ?, not_before = ?, updated_at = ? WHERE id = ?`,
		attempts, errMsg, now.Add(delay), now, item.ID)
	if err != nil {
		return false, fmt.Errorf("retry item %s: %w", item.ID, err)
	}
	item.Attempts = attempts
	item.Status = StatusPending
	return false, nil
}

// DeadLetter drops the item permanently with a reason, outside the normal
// retry path. Used for items that can never succeed (missing task, unknown
// kind).
func (q *Queue) DeadLetter(ctx context.Context, id, reason string) error {
	return q.setStatus(ctx, id, StatusDead, reason)
}

// Get retrieves a work item by ID.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	row := q.db.QueryRowContext(ctx, selectItems+` WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	return item, err
}

// ListDead returns dead-lettered items, newest first.
func (q *Queue) ListDead(ctx context.Context, limit int) ([]*Item, error) {
	rows, err := q.db.QueryContext(ctx,
		selectItems+` WHERE status = 'dead' ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// backoff returns the delay before the given (1-based) attempt.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.maxDelay {
			return q.maxDelay
		}
	}
	return d
}

func (q *Queue) setStatus(ctx context.Context, id, status, errMsg string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE work_items SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

const selectItems = `SELECT id, queue, kind, payload, not_before, attempts, max_attempts, status, last_error, created_at, updated_at FROM work_items`

// scanner abstracts sql.Row and sql.Rows for scanItem.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*Item, error) {
	var item Item
	var payload string
	err := s.Scan(
		&item.ID, &item.Queue, &item.Kind, &payload, &item.NotBefore,
		&item.Attempts, &item.MaxAttempts, &item.Status, &item.LastError,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(payload), &item.Payload)
	return &item, nil
}
