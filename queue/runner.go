package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wardend/warden/activity"
	"github.com/wardend/warden/semaphore"
	"github.com/wardend/warden/task"
)

// ErrAwaitingHuman is returned by an Executor that opened a required human
// interaction: the work item exits cleanly and resumption happens
// out-of-band when the interaction resolves.
var ErrAwaitingHuman = errors.New("execution awaiting human input")

// Executor runs the actual agent work for one activity. The LLM-facing
// implementation lives outside the core; tests inject fakes.
type Executor interface {
	Execute(ctx context.Context, t *task.Task, act *activity.Activity) (result string, err error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, t *task.Task, act *activity.Activity) (string, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, t *task.Task, act *activity.Activity) (string, error) {
	return f(ctx, t, act)
}

// Limits bounds concurrent executions on one queue.
type Limits struct {
	Limit    int
	LeaseTTL time.Duration
}

// Runner pulls work items off queues and executes them: admission via the
// semaphore, task activation, one root activity per attempt, and retry or
// dead-letter bookkeeping on failure. A unit of work suspends only at
// semaphore refusal (deferred re-delivery) or on entering
// waiting_on_human (clean exit); no state is kept on a blocked stack.
type Runner struct {
	queue        *Queue
	sem          *semaphore.Semaphore
	machine      *task.Machine
	tree         *activity.Tree
	exec         Executor
	limits       map[string]Limits
	defaults     Limits
	refusalDelay time.Duration
	logger       *slog.Logger
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Queue        *Queue
	Semaphore    *semaphore.Semaphore
	Machine      *task.Machine
	Tree         *activity.Tree
	Executor     Executor
	Limits       map[string]Limits // per queue name
	Defaults     Limits            // for queues without an entry
	RefusalDelay time.Duration     // re-delivery delay after admission refusal
	Logger       *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	r := &Runner{
		queue:        cfg.Queue,
		sem:          cfg.Semaphore,
		machine:      cfg.Machine,
		tree:         cfg.Tree,
		exec:         cfg.Executor,
		limits:       cfg.Limits,
		defaults:     cfg.Defaults,
		refusalDelay: cfg.RefusalDelay,
		logger:       cfg.Logger,
	}
	if r.defaults.Limit <= 0 {
		r.defaults = Limits{Limit: 1, LeaseTTL: 5 * time.Minute}
	}
	if r.refusalDelay <= 0 {
		r.refusalDelay = 5 * time.Second
	}
	return r
}

// RunOne claims and handles a single work item on queueName. Returns false
// with no error when the queue is empty.
func (r *Runner) RunOne(ctx context.Context, queueName string) (bool, error) {
	item, err := r.queue.Claim(ctx, queueName)
	if errors.Is(err, ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch item.Kind {
	case KindTaskRun:
		r.runTask(ctx, item)
	default:
		r.logger.Error("unknown work item kind", "item_id", item.ID, "kind", item.Kind)
		if err := r.queue.DeadLetter(ctx, item.ID, fmt.Sprintf("unknown kind %q", item.Kind)); err != nil {
			r.logger.Warn("dead-letter unknown item", "item_id", item.ID, "err", err)
		}
	}
	return true, nil
}

// Run drains queues on a ticker until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, queues []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				for {
					handled, err := r.RunOne(ctx, q)
					if err != nil {
						r.logger.Error("run work item", "queue", q, "err", err)
						break
					}
					if !handled {
						break
					}
				}
			}
		}
	}
}

// runTask executes one task.run item.
func (r *Runner) runTask(ctx context.Context, item *Item) {
	taskID := item.Payload["task_id"]
	if taskID == "" {
		r.deadLetter(ctx, item, "task.run item without task_id")
		return
	}

	t, err := r.machine.Store().Get(ctx, taskID)
	if errors.Is(err, task.ErrNotFound) {
		// Retrying cannot conjure the task back; drop permanently.
		r.deadLetter(ctx, item, fmt.Sprintf("task %s not found", taskID))
		return
	}
	if err != nil {
		r.retry(ctx, item, err)
		return
	}
	if t.State.Terminal() || t.State == task.StateWaiting || t.State == task.StatePaused {
		r.logger.Info("skipping task not runnable", "task_id", t.ID, "state", t.State)
		r.complete(ctx, item)
		return
	}

	lim := r.limitsFor(t.Queue)
	lease, err := r.sem.Acquire(ctx, t.Queue, lim.Limit, lim.LeaseTTL)
	if errors.Is(err, semaphore.ErrRefused) {
		// Admission pressure, not a fault: come back later.
		if err := r.queue.Defer(ctx, item.ID, r.refusalDelay); err != nil {
			r.logger.Warn("defer refused item", "item_id", item.ID, "err", err)
		}
		return
	}
	if err != nil {
		r.retry(ctx, item, err)
		return
	}
	defer func() {
		if err := r.sem.Release(ctx, lease); err != nil {
			r.logger.Warn("release lease", "lease_id", lease.ID, "err", err)
		}
	}()

	if t.State == task.StatePending {
		if err := r.machine.Activate(ctx, t.ID); err != nil && !task.IsGuard(err) {
			r.retry(ctx, item, err)
			return
		}
	}

	act, err := r.tree.Spawn(ctx, t.ID, "", false)
	if err != nil {
		r.retry(ctx, item, err)
		return
	}

	result, err := r.exec.Execute(ctx, t, act)
	switch {
	case err == nil:
		if err := r.tree.Complete(ctx, act.ID, result); err != nil {
			r.logger.Error("complete activity", "activity_id", act.ID, "err", err)
		}
		if result != "" {
			_ = r.machine.Store().SetResult(ctx, t.ID, result)
		}
		r.complete(ctx, item)

	case errors.Is(err, ErrAwaitingHuman):
		// The executor opened a required interaction and the task is
		// gated. Close out this attempt; answering the interaction
		// re-enqueues a fresh item with a fresh activity.
		if err := r.tree.Complete(ctx, act.ID, "suspended awaiting human input"); err != nil {
			r.logger.Error("complete suspended activity", "activity_id", act.ID, "err", err)
		}
		r.complete(ctx, item)

	default:
		if ferr := r.tree.Fail(ctx, act.ID, err.Error()); ferr != nil {
			r.logger.Error("fail activity", "activity_id", act.ID, "err", ferr)
		}
		dead, rerr := r.queue.Retry(ctx, item, err.Error())
		if rerr != nil {
			r.logger.Error("retry item", "item_id", item.ID, "err", rerr)
			return
		}
		if dead {
			// Retries exhausted: the owning task fails with the last error.
			msg := fmt.Sprintf("execution failed after %d attempts: %v", item.Attempts, err)
			if ferr := r.machine.Fail(ctx, t.ID, msg); ferr != nil && !task.IsGuard(ferr) {
				r.logger.Error("fail task after exhausted retries", "task_id", t.ID, "err", ferr)
			}
		}
	}
}

func (r *Runner) limitsFor(queueName string) Limits {
	if lim, ok := r.limits[queueName]; ok && lim.Limit > 0 {
		return lim
	}
	return r.defaults
}

func (r *Runner) complete(ctx context.Context, item *Item) {
	if err := r.queue.Complete(ctx, item.ID); err != nil {
		r.logger.Warn("complete item", "item_id", item.ID, "err", err)
	}
}

func (r *Runner) retry(ctx context.Context, item *Item, cause error) {
	if _, err := r.queue.Retry(ctx, item, cause.Error()); err != nil {
		r.logger.Error("retry item", "item_id", item.ID, "err", err)
	}
}

func (r *Runner) deadLetter(ctx context.Context, item *Item, reason string) {
	r.logger.Error("work item dropped", "item_id", item.ID, "reason", reason)
	if err := r.queue.DeadLetter(ctx, item.ID, reason); err != nil {
		r.logger.Warn("dead-letter item", "item_id", item.ID, "err", err)
	}
}
