// Command wardend is the Warden coordination daemon. It owns the SQLite
// store, the event dispatcher, the worker runner, and the HTTP observer
// server; agents and operators talk to it over the JSON API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wardend/warden/activity"
	"github.com/wardend/warden/config"
	"github.com/wardend/warden/event"
	"github.com/wardend/warden/human"
	"github.com/wardend/warden/internal/version"
	"github.com/wardend/warden/queue"
	"github.com/wardend/warden/semaphore"
	"github.com/wardend/warden/server"
	"github.com/wardend/warden/task"
)

var (
	configPath  = flag.String("config", "", "path to warden config file")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("wardend %s\n", version.String())
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		cfg = loaded
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	logger.Info("starting wardend",
		"version", version.Version,
		"commit", version.Commit,
	)

	if err := run(cfg, logger); err != nil {
		log.Fatalf("wardend: %v", err)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "warden.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close()
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY between the worker and the API.
	db.SetMaxOpenConns(1)

	eventLog, err := event.NewLog(db)
	if err != nil {
		return err
	}
	legacy, err := event.NewLegacyWriter(db)
	if err != nil {
		return err
	}
	dispatcher := event.NewDispatcher(eventLog, logger,
		event.WithMaxAttempts(cfg.Dispatch.MaxAttempts),
		event.WithBackoffBase(cfg.Dispatch.Backoff()),
		event.WithLegacyWriter(legacy),
	)

	taskStore, err := task.NewStore(db)
	if err != nil {
		return err
	}
	actStore, err := activity.NewStore(db)
	if err != nil {
		return err
	}
	machine := task.NewMachine(taskStore, actStore, dispatcher, logger)
	tree := activity.NewTree(actStore, dispatcher, machine, logger)

	humanStore, err := human.NewStore(db)
	if err != nil {
		return err
	}
	gate := human.NewGate(humanStore, machine, dispatcher, logger)

	sem, err := semaphore.New(db)
	if err != nil {
		return err
	}
	workQueue, err := queue.New(db)
	if err != nil {
		return err
	}

	limits := make(map[string]queue.Limits, len(cfg.Queues))
	queueNames := make([]string, 0, len(cfg.Queues))
	for _, qc := range cfg.Queues {
		limits[qc.Name] = queue.Limits{Limit: qc.Limit, LeaseTTL: qc.TTL()}
		queueNames = append(queueNames, qc.Name)
	}

	runner := queue.NewRunner(queue.RunnerConfig{
		Queue:     workQueue,
		Semaphore: sem,
		Machine:   machine,
		Tree:      tree,
		Executor:  noopExecutor(logger),
		Limits:    limits,
		Logger:    logger,
	})

	// When a gated task resumes, enqueue a fresh run: the suspended attempt
	// was closed out and nothing else will pick the task back up.
	dispatcher.Register(event.TypeTaskResumed, func(ctx context.Context, e *event.Event) error {
		if reason, _ := e.Data["reason"].(string); reason != "human_interaction_resolved" {
			return nil
		}
		t, err := taskStore.Get(ctx, e.Metadata.TaskID)
		if errors.Is(err, task.ErrNotFound) {
			return event.Discard(err)
		}
		if err != nil {
			return err
		}
		_, err = workQueue.Enqueue(ctx, queue.KindTaskRun,
			map[string]string{"task_id": t.ID}, t.Queue, time.Time{})
		return err
	})

	srv := server.New(*cfg, server.Deps{
		Machine:  machine,
		Tree:     tree,
		Gate:     gate,
		EventLog: eventLog,
		Legacy:   legacy,
		Queue:    workQueue,
	}, version.Version, logger)
	srv.RegisterObserver(dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runner.Run(ctx, queueNames, cfg.Intervals.WorkerPollEvery())
	go every(ctx, cfg.Intervals.LeaseReapEvery(), func() {
		if n, err := sem.Reap(ctx); err != nil {
			logger.Warn("lease reap failed", "err", err)
		} else if n > 0 {
			logger.Info("reaped expired leases", "count", n)
		}
	})
	go every(ctx, cfg.Intervals.InteractionExpiryEvery(), func() {
		if n, err := gate.ExpireDue(ctx); err != nil {
			logger.Warn("interaction expiry sweep failed", "err", err)
		} else if n > 0 {
			logger.Info("expired interactions", "count", n)
		}
	})
	go every(ctx, cfg.Intervals.RedeliveryEvery(), func() {
		if _, err := dispatcher.Redeliver(ctx, 100); err != nil {
			logger.Warn("event redelivery failed", "err", err)
		}
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop error", "err", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// noopExecutor completes every attempt immediately. The daemon coordinates;
// the agent-facing executor is registered by the embedding binary.
func noopExecutor(logger *slog.Logger) queue.Executor {
	return queue.ExecutorFunc(func(_ context.Context, t *task.Task, _ *activity.Activity) (string, error) {
		logger.Info("executing task", "task_id", t.ID, "title", t.Title)
		return "", nil
	})
}

// every runs fn on a ticker until ctx is cancelled.
func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
