package event

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Handler processes one dispatched event. Returning an error marks the
// dispatch attempt failed (retried up to the dispatcher's cap) unless the
// error is wrapped with Discard, which drops the event permanently.
type Handler func(ctx context.Context, e *Event) error

// Dispatcher appends published events to the Log and delivers them to
// handlers registered for their exact type. Delivery is at-least-once:
// failed dispatches are retried with exponential backoff, and events that
// exhaust their attempts are dead-lettered, never silently dropped.
type Dispatcher struct {
	log         *Log
	legacy      *LegacyWriter // optional
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration

	// handlers is written only during Register at process start and read
	// concurrently afterwards; registration after dispatch begins is not
	// supported.
	handlers map[string][]Handler
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxAttempts overrides the default dispatch attempt cap of 5.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

// WithBackoffBase overrides the first retry delay (default 100ms, doubling
// per attempt).
func WithBackoffBase(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.baseDelay = delay }
}

// WithLegacyWriter enables best-effort flattened legacy record writes for
// consumers not yet migrated to stream reads.
func WithLegacyWriter(w *LegacyWriter) DispatcherOption {
	return func(d *Dispatcher) { d.legacy = w }
}

// NewDispatcher creates a Dispatcher over log.
func NewDispatcher(log *Log, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		log:         log,
		logger:      logger,
		maxAttempts: 5,
		baseDelay:   100 * time.Millisecond,
		handlers:    make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a handler for the exact event type. Call during process
// startup, before any Publish.
func (d *Dispatcher) Register(eventType string, h Handler) {
	d.handlers[eventType] = append(d.handlers[eventType], h)
}

// Publish appends a new event to the log, writes the legacy record
// best-effort, and dispatches it with retries. The returned event is the
// appended record; a dispatch failure after successful append does not
// undo the append (the redelivery pump will pick it up).
func (d *Dispatcher) Publish(ctx context.Context, eventType string, data map[string]any, meta Metadata) (*Event, error) {
	e := &Event{Type: eventType, Data: data, Metadata: meta}
	if _, err := d.log.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("publish %s: %w", eventType, err)
	}
	if err := d.Dispatch(ctx, e); err != nil {
		d.logger.Error("dispatch failed after append", "event_id", e.ID, "type", e.Type, "err", err)
	}
	return e, nil
}

// Stage appends a new event inside the caller's transaction without
// delivering it. State machines stage the event alongside their row
// mutation and call Dispatch after commit; if the process dies in between,
// the redelivery pump finds the appended event and delivers it.
func (d *Dispatcher) Stage(ctx context.Context, tx *sql.Tx, eventType string, data map[string]any, meta Metadata) (*Event, error) {
	e := &Event{Type: eventType, Data: data, Metadata: meta}
	if _, err := d.log.AppendTx(ctx, tx, e); err != nil {
		return nil, fmt.Errorf("stage %s: %w", eventType, err)
	}
	return e, nil
}

// Dispatch delivers an already-appended event: best-effort legacy record
// write, then retried handler delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, e *Event) error {
	if d.legacy != nil {
		if err := d.legacy.Write(ctx, e); err != nil {
			// Best-effort: legacy consumers lag behind, primary dispatch
			// must not block on them.
			d.logger.Warn("legacy event write failed", "event_id", e.ID, "type", e.Type, "err", err)
		}
	}
	return d.Deliver(ctx, e)
}

// Deliver runs the retry wrapper around dispatch for one event: up to
// maxAttempts tries with exponential backoff, then dead-letter. Used by
// Publish and by the redelivery pump for events found undispatched.
func (d *Dispatcher) Deliver(ctx context.Context, e *Event) error {
	delay := d.baseDelay
	var lastErr error
	for attempt := e.Attempts; attempt < d.maxAttempts; attempt++ {
		err := d.dispatch(ctx, e)
		if err == nil {
			return nil
		}
		if IsDiscard(err) {
			d.logger.Error("event discarded", "event_id", e.ID, "type", e.Type, "err", err)
			return d.log.DeadLetter(ctx, e.ID, err.Error())
		}
		lastErr = err
		if ierr := d.log.IncrementAttempts(ctx, e.ID); ierr != nil {
			d.logger.Warn("increment attempts failed", "event_id", e.ID, "err", ierr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	reason := "max dispatch attempts exceeded"
	if lastErr != nil {
		reason = fmt.Sprintf("%s: %v", reason, lastErr)
	}
	d.logger.Error("event dead-lettered", "event_id", e.ID, "type", e.Type, "attempts", d.maxAttempts, "err", lastErr)
	if err := d.log.DeadLetter(ctx, e.ID, reason); err != nil {
		return fmt.Errorf("dead-letter event %s: %w", e.ID, err)
	}
	return lastErr
}

// dispatch invokes every handler registered for the event's type. A failing
// handler is logged and must never block delivery to its siblings; if any
// handler failed the whole attempt is reported failed so the retry wrapper
// can re-run it. A Discard error from any handler wins over transient ones.
func (d *Dispatcher) dispatch(ctx context.Context, e *Event) error {
	hs, ok := d.handlers[e.Type]
	if !ok {
		// Unknown types are not errors; a type with zero handlers is only
		// suspicious, so log and move on.
		d.logger.Debug("no handlers for event type", "type", e.Type, "event_id", e.ID)
		return d.log.MarkProcessed(ctx, e.ID)
	}

	var discard, transient error
	failed := 0
	for i, h := range hs {
		if err := h(ctx, e); err != nil {
			failed++
			d.logger.Warn("event handler failed",
				"type", e.Type, "event_id", e.ID, "handler", i, "err", err)
			if IsDiscard(err) && discard == nil {
				discard = err
			} else if transient == nil {
				transient = err
			}
		}
	}
	if discard != nil {
		return discard
	}
	if transient != nil {
		return fmt.Errorf("%d of %d handlers failed: %w", failed, len(hs), transient)
	}
	return d.log.MarkProcessed(ctx, e.ID)
}

// Redeliver re-dispatches up to limit appended-but-unprocessed events.
// Returns how many events it attempted. The daemon runs this on a ticker so
// no event stays stuck between append and delivery forever.
func (d *Dispatcher) Redeliver(ctx context.Context, limit int) (int, error) {
	events, err := d.log.ListUndispatched(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, e := range events {
		if err := d.Deliver(ctx, e); err != nil {
			d.logger.Warn("redelivery failed", "event_id", e.ID, "err", err)
		}
	}
	return len(events), nil
}
