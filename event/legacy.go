package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const legacySchema = `
CREATE TABLE IF NOT EXISTS legacy_events (
	id          TEXT PRIMARY KEY,
	event_type  TEXT NOT NULL,
	task_id     TEXT NOT NULL DEFAULT '',
	activity_id TEXT NOT NULL DEFAULT '',
	project_id  TEXT NOT NULL DEFAULT '',
	priority    INTEGER NOT NULL DEFAULT 0,
	payload     TEXT NOT NULL DEFAULT '{}',
	occurred_at DATETIME NOT NULL
);
`

// LegacyWriter mirrors each published event into the flattened legacy_events
// table for consumers that still read row-per-event instead of streams.
// It is a temporary adapter: one canonical Event mapped by FlattenLegacy,
// no independent validation rules of its own.
type LegacyWriter struct {
	db *sql.DB
}

// NewLegacyWriter ensures the legacy table exists and returns a writer.
func NewLegacyWriter(db *sql.DB) (*LegacyWriter, error) {
	if _, err := db.Exec(legacySchema); err != nil {
		return nil, fmt.Errorf("create legacy events schema: %w", err)
	}
	return &LegacyWriter{db: db}, nil
}

// LegacyRecord is the flattened shape the legacy consumers expect.
type LegacyRecord struct {
	ID         string `json:"id"`
	EventType  string `json:"event_type"`
	TaskID     string `json:"task_id,omitempty"`
	ActivityID string `json:"activity_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	Priority   int    `json:"priority,omitempty"`
	Payload    string `json:"payload"`
	OccurredAt string `json:"occurred_at"`
}

// FlattenLegacy maps the canonical event to its legacy row. Pure function so
// the two representations cannot drift.
func FlattenLegacy(e *Event) LegacyRecord {
	payload, _ := json.Marshal(e.Data)
	return LegacyRecord{
		ID:         e.ID,
		EventType:  e.Type,
		TaskID:     e.Metadata.TaskID,
		ActivityID: e.Metadata.ActivityID,
		ProjectID:  e.Metadata.ProjectID,
		Priority:   e.Metadata.Priority,
		Payload:    string(payload),
		OccurredAt: e.OccurredAt.Format("2006-01-02 15:04:05"),
	}
}

// ListByTask returns the flattened records for one task, oldest first.
func (w *LegacyWriter) ListByTask(ctx context.Context, taskID string) ([]LegacyRecord, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, event_type, task_id, activity_id, project_id, priority, payload, occurred_at
		FROM legacy_events WHERE task_id = ? ORDER BY occurred_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list legacy events: %w", err)
	}
	defer rows.Close()

	var recs []LegacyRecord
	for rows.Next() {
		var r LegacyRecord
		if err := rows.Scan(&r.ID, &r.EventType, &r.TaskID, &r.ActivityID, &r.ProjectID, &r.Priority, &r.Payload, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan legacy event: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Write inserts the flattened record. Callers treat failures as best-effort.
func (w *LegacyWriter) Write(ctx context.Context, e *Event) error {
	r := FlattenLegacy(e)
	_, err := w.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO legacy_events (id, event_type, task_id, activity_id, project_id, priority, payload, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EventType, r.TaskID, r.ActivityID, r.ProjectID, r.Priority, r.Payload, e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("write legacy event: %w", err)
	}
	return nil
}
