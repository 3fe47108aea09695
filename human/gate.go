package human

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wardend/warden/event"
	"github.com/wardend/warden/task"
)

// Publisher appends and dispatches one domain event. Satisfied by
// *event.Dispatcher.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data map[string]any, meta event.Metadata) (*event.Event, error)
}

// Tasks is the slice of the task state machine the gate drives. Satisfied
// by *task.Machine.
type Tasks interface {
	AwaitHuman(ctx context.Context, taskID string) error
	LeaveHuman(ctx context.Context, taskID string) error
}

// Gate opens, resolves, and expires human interactions, and keeps the
// owning task's waiting_on_human state consistent with the set of blocking
// interactions.
type Gate struct {
	store     *Store
	tasks     Tasks
	publisher Publisher
	logger    *slog.Logger
}

// NewGate creates a Gate over the given collaborators.
func NewGate(store *Store, tasks Tasks, publisher Publisher, logger *slog.Logger) *Gate {
	return &Gate{store: store, tasks: tasks, publisher: publisher, logger: logger}
}

// Store exposes the underlying interaction store for read-only callers.
func (g *Gate) Store() *Store { return g.store }

// Request opens a pending interaction on a task. A required interaction
// immediately drives the task to waiting_on_human; if the task cannot make
// that transition (already terminal, paused, ...) the request fails and no
// record is kept. A task already waiting on another required interaction is
// fine; the new interaction joins the blocking set.
func (g *Gate) Request(ctx context.Context, in Interaction) (*Interaction, error) {
	if in.TaskID == "" {
		return nil, errors.New("request interaction: task id required")
	}
	if err := g.store.insert(ctx, &in); err != nil {
		return nil, err
	}

	if in.Required {
		if err := g.tasks.AwaitHuman(ctx, in.TaskID); err != nil {
			var ge *task.GuardError
			if !errors.As(err, &ge) || ge.From != task.StateWaiting {
				_ = g.store.delete(ctx, in.ID)
				return nil, fmt.Errorf("request interaction: %w", err)
			}
		}
	}

	g.publish(ctx, event.TypeHumanRequested, &in, map[string]any{
		"question": in.Question,
		"required": in.Required,
	})
	return &in, nil
}

// Answer records the human's response and resumes the task if no blocking
// required interaction remains. Expired interactions can still be answered;
// that is how an operator unblocks an escalated task.
func (g *Gate) Answer(ctx context.Context, id, response string) error {
	return g.close(ctx, id, StatusAnswered, response, event.TypeHumanAnswered)
}

// Ignore dismisses the interaction without a response.
func (g *Gate) Ignore(ctx context.Context, id string) error {
	return g.close(ctx, id, StatusIgnored, "", event.TypeHumanIgnored)
}

func (g *Gate) close(ctx context.Context, id string, to Status, response, eventType string) error {
	in, err := g.store.Get(ctx, id)
	if err != nil {
		return err
	}
	applied, err := g.store.resolve(ctx, id, []Status{StatusPending, StatusExpired}, to, response)
	if err != nil {
		return err
	}
	if !applied {
		return ErrResolved
	}
	g.publish(ctx, eventType, in, map[string]any{"response": response})
	g.reevaluate(ctx, in.TaskID)
	return nil
}

// ExpireDue sweeps pending interactions whose expires_at has passed. Each
// becomes expired and raises a human_interaction.escalated event so an
// operator channel is notified. Escalation never auto-resolves anything: a
// required expired interaction keeps its task blocked until answered or
// ignored, while expiring a non-required one frees the task if it was the
// last blocker. Returns how many interactions expired.
func (g *Gate) ExpireDue(ctx context.Context) (int, error) {
	due, err := g.store.listDue(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, in := range due {
		applied, err := g.store.resolve(ctx, in.ID, []Status{StatusPending}, StatusExpired, "")
		if err != nil {
			g.logger.Warn("expire interaction", "interaction_id", in.ID, "err", err)
			continue
		}
		if !applied {
			continue // resolved concurrently
		}
		expired++
		g.publish(ctx, event.TypeHumanEscalated, in, map[string]any{
			"question": in.Question,
			"required": in.Required,
		})
		if !in.Required {
			g.reevaluate(ctx, in.TaskID)
		}
	}
	return expired, nil
}

// reevaluate resumes the task when no required interaction still blocks it.
// Guard failures are expected here: the task may not be waiting at all.
func (g *Gate) reevaluate(ctx context.Context, taskID string) {
	blocking, err := g.store.blockingCount(ctx, taskID)
	if err != nil {
		g.logger.Error("blocking count failed", "task_id", taskID, "err", err)
		return
	}
	if blocking > 0 {
		return
	}
	if err := g.tasks.LeaveHuman(ctx, taskID); err != nil && !task.IsGuard(err) {
		g.logger.Warn("resume after interaction", "task_id", taskID, "err", err)
	}
}

func (g *Gate) publish(ctx context.Context, eventType string, in *Interaction, data map[string]any) {
	meta := event.Metadata{TaskID: in.TaskID, ActivityID: in.ActivityID}
	if _, err := g.publisher.Publish(ctx, eventType, data, meta); err != nil {
		g.logger.Error("publish interaction event failed", "type", eventType, "interaction_id", in.ID, "err", err)
	}
}
