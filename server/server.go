// Package server exposes the read-only observer surface: a JSON API over
// tasks, events, and interactions, plus SSE push of every dispatched event.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/wardend/warden/activity"
	"github.com/wardend/warden/config"
	"github.com/wardend/warden/event"
	"github.com/wardend/warden/human"
	"github.com/wardend/warden/internal/notify"
	"github.com/wardend/warden/queue"
	"github.com/wardend/warden/task"
)

// Server is the Warden HTTP observer server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	machine  *task.Machine
	tree     *activity.Tree
	gate     *human.Gate
	eventLog *event.Log
	legacy   *event.LegacyWriter
	queue    *queue.Queue
	hub      *notify.Hub

	startTime time.Time
	version   string
}

// Deps collects the core collaborators the server reads from.
type Deps struct {
	Machine  *task.Machine
	Tree     *activity.Tree
	Gate     *human.Gate
	EventLog *event.Log
	Legacy   *event.LegacyWriter
	Queue    *queue.Queue
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, deps Deps, ver string, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		machine:   deps.Machine,
		tree:      deps.Tree,
		gate:      deps.Gate,
		eventLog:  deps.EventLog,
		legacy:    deps.Legacy,
		queue:     deps.Queue,
		hub:       notify.NewHub(),
		startTime: time.Now(),
		version:   ver,
	}
}

// RegisterObserver feeds every event type the core publishes into the SSE
// hub. Call during startup, before the dispatcher delivers.
func (s *Server) RegisterObserver(d *event.Dispatcher) {
	for _, t := range event.Types {
		d.Register(t, func(_ context.Context, e *event.Event) error {
			s.hub.Publish(e)
			return nil
		})
	}
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	s.registerRoutes()

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	s.mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	s.mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/pause", s.handlePauseTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/resume", s.handleResumeTask)
	s.mux.HandleFunc("GET /api/tasks/{id}/events", s.handleTaskEvents)
	s.mux.HandleFunc("GET /api/tasks/{id}/activities", s.handleTaskActivities)
	s.mux.HandleFunc("GET /api/tasks/{id}/history", s.handleTaskHistory)
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)

	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/queue/dead", s.handleDeadItems)

	s.mux.HandleFunc("POST /api/interactions", s.handleRequestInteraction)
	s.mux.HandleFunc("GET /api/interactions", s.handleListInteractions)
	s.mux.HandleFunc("POST /api/interactions/{id}/answer", s.handleAnswerInteraction)
	s.mux.HandleFunc("POST /api/interactions/{id}/ignore", s.handleIgnoreInteraction)

	s.mux.HandleFunc("GET /events", s.handleSSE)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleSSE implements Server-Sent Events for real-time updates. Clients
// may pass ?stream=task:<id> (or activity:/project:) to narrow the feed,
// and ?replay=N to receive up to N recent buffered events before the live
// feed starts.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	stream := event.AllStream
	if spec := r.URL.Query().Get("stream"); spec != "" && spec != event.StreamAll {
		kind, id, ok := cutStream(spec)
		if !ok {
			http.Error(w, "invalid stream, want kind:id", http.StatusBadRequest)
			return
		}
		stream = event.Stream{Kind: kind, ID: id}
	}
	replay := 0
	if raw := r.URL.Query().Get("replay"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "replay must be a non-negative integer", http.StatusBadRequest)
			return
		}
		replay = n
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, unsubscribe := s.hub.Subscribe(stream, 64)
	defer unsubscribe()

	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	if replay > 0 {
		for _, e := range s.hub.Recent(stream, replay) {
			s.writeSSE(w, e)
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, e *event.Event) {
	data, err := json.Marshal(map[string]any{
		"type":    e.Type,
		"payload": e,
	})
	if err != nil {
		s.logger.Error("sse event marshal", slog.Any("err", err))
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data) //nolint:errcheck
}
