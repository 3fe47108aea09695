// Package semaphore implements a leased counting semaphore that bounds
// concurrent executions per queue. Leases live in SQLite so parallel worker
// processes share one counter, and every lease expires so a crashed worker
// cannot wedge a queue permanently.
package semaphore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const leasesSchema = `
CREATE TABLE IF NOT EXISTS semaphore_leases (
	id         TEXT PRIMARY KEY,
	key        TEXT NOT NULL,
	expires_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_leases_key ON semaphore_leases(key);
`

// ErrRefused is returned by Acquire when the queue is at its limit. It is
// an expected outcome, not a fault: the caller re-enqueues with backoff.
var ErrRefused = errors.New("semaphore: limit reached")

// Lease is a time-bounded admission ticket for one execution on a queue.
type Lease struct {
	ID        string
	Key       string
	ExpiresAt time.Time
}

// Expired reports whether the lease's TTL has elapsed.
func (l *Lease) Expired() bool { return time.Now().After(l.ExpiresAt) }

// Semaphore hands out leases against per-key limits. The held count for a
// key is the number of live lease rows, so it can never go negative, and
// acquisition deletes expired rows inside the same transaction before
// counting, so an abandoned lease is reclaimable without manual release.
type Semaphore struct {
	db *sql.DB
}

// New ensures the lease table exists on db and returns a Semaphore.
func New(db *sql.DB) (*Semaphore, error) {
	if _, err := db.Exec(leasesSchema); err != nil {
		return nil, fmt.Errorf("create semaphore schema: %w", err)
	}
	return &Semaphore{db: db}, nil
}

// Acquire attempts to take one slot on key. All-or-nothing: if fewer than
// limit live leases exist it inserts one with the given TTL, otherwise it
// returns ErrRefused and the caller must not execute. The count-and-insert
// runs in a single transaction so concurrent workers cannot both take the
// last slot.
func (s *Semaphore) Acquire(ctx context.Context, key string, limit int, ttl time.Duration) (*Lease, error) {
	if limit <= 0 {
		return nil, ErrRefused
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: begin: %w", key, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// Lazy reap: expired leases count as released.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM semaphore_leases WHERE key = ? AND expires_at < ?`, key, now); err != nil {
		return nil, fmt.Errorf("acquire %s: reap: %w", key, err)
	}

	var held int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM semaphore_leases WHERE key = ?`, key).Scan(&held); err != nil {
		return nil, fmt.Errorf("acquire %s: count: %w", key, err)
	}
	if held >= limit {
		return nil, ErrRefused
	}

	lease := &Lease{
		ID:        uuid.New().String(),
		Key:       key,
		ExpiresAt: now.Add(ttl),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO semaphore_leases (id, key, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		lease.ID, lease.Key, lease.ExpiresAt, now); err != nil {
		return nil, fmt.Errorf("acquire %s: insert lease: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("acquire %s: commit: %w", key, err)
	}
	return lease, nil
}

// Release returns the lease's slot. Releasing twice, or releasing a lease
// that already expired and was reaped, is a no-op.
func (s *Semaphore) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM semaphore_leases WHERE id = ?`, lease.ID); err != nil {
		return fmt.Errorf("release lease %s: %w", lease.ID, err)
	}
	return nil
}

// Held returns the number of live leases on key, reaping expired ones first.
func (s *Semaphore) Held(ctx context.Context, key string) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM semaphore_leases WHERE key = ? AND expires_at < ?`, key, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("held %s: reap: %w", key, err)
	}
	var held int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM semaphore_leases WHERE key = ?`, key).Scan(&held); err != nil {
		return 0, fmt.Errorf("held %s: %w", key, err)
	}
	return held, nil
}

// Reap deletes every expired lease across all keys and returns how many it
// removed. The daemon runs this on a ticker as a backstop to the lazy reap
// in Acquire.
func (s *Semaphore) Reap(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM semaphore_leases WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reap leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
