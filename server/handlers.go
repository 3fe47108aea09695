package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/wardend/warden/activity"
	"github.com/wardend/warden/event"
	"github.com/wardend/warden/human"
	"github.com/wardend/warden/queue"
	"github.com/wardend/warden/task"
)

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.version,
		"uptime":  time.Since(s.startTime).String(),
	})
}

type createTaskRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Queue       string            `json:"queue"`
	ProjectID   string            `json:"project_id"`
	ParentID    string            `json:"parent_id"`
	Priority    int               `json:"priority"`
	Required    bool              `json:"required"`
	Metadata    map[string]string `json:"metadata"`
	Enqueue     bool              `json:"enqueue"` // enqueue a task.run work item
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == "" {
		writeJSONError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.Queue == "" {
		req.Queue = "default"
	}

	t := &task.Task{
		Title:       req.Title,
		Description: req.Description,
		Queue:       req.Queue,
		ProjectID:   req.ProjectID,
		ParentID:    req.ParentID,
		Priority:    task.Priority(req.Priority),
		Required:    req.Required,
		Metadata:    req.Metadata,
	}
	if _, err := s.machine.Store().Create(r.Context(), t); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enqueue {
		_, err := s.queue.Enqueue(r.Context(), queue.KindTaskRun,
			map[string]string{"task_id": t.ID}, t.Queue, time.Time{})
		if err != nil {
			s.logger.Error("enqueue created task", "task_id", t.ID, "err", err)
		}
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := task.Filter{
		Queue:     r.URL.Query().Get("queue"),
		ProjectID: r.URL.Query().Get("project_id"),
		ParentID:  r.URL.Query().Get("parent_id"),
	}
	if st := r.URL.Query().Get("state"); st != "" {
		state := task.State(st)
		filter.State = &state
	}
	tasks, err := s.machine.Store().List(r.Context(), filter)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.machine.Store().Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, task.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handlePauseTask pauses the task and cascades to its root activities so
// in-flight work observes the pause at the next boundary.
func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.machine.Pause(r.Context(), id); err != nil {
		s.writeTransitionError(w, err)
		return
	}
	acts, err := s.tree.Store().ListByTask(r.Context(), id)
	if err == nil {
		for _, a := range acts {
			if a.ParentID == "" && a.Status == activity.StatusActive {
				if perr := s.tree.Pause(r.Context(), a.ID); perr != nil {
					s.logger.Warn("pause root activity", "activity_id", a.ID, "err", perr)
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(task.StatePaused)})
}

// handleResumeTask resumes the task, its cascade-paused activities, and
// re-enqueues a fresh work item.
func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.machine.Resume(r.Context(), id); err != nil {
		s.writeTransitionError(w, err)
		return
	}
	acts, err := s.tree.Store().ListByTask(r.Context(), id)
	if err == nil {
		for _, a := range acts {
			if a.ParentID == "" && a.Status == activity.StatusPaused {
				if rerr := s.tree.Resume(r.Context(), a.ID); rerr != nil {
					s.logger.Warn("resume root activity", "activity_id", a.ID, "err", rerr)
				}
			}
		}
	}
	t, err := s.machine.Store().Get(r.Context(), id)
	if err == nil {
		if _, qerr := s.queue.Enqueue(r.Context(), queue.KindTaskRun,
			map[string]string{"task_id": id}, t.Queue, time.Time{}); qerr != nil {
			s.logger.Error("enqueue resumed task", "task_id", id, "err", qerr)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(task.StateActive)})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.eventLog.ReadStream(r.Context(), event.TaskStream(r.PathValue("id")))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleTaskActivities(w http.ResponseWriter, r *http.Request) {
	acts, err := s.tree.Store().ListByTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": acts})
}

// handleTaskHistory serves the flattened legacy records for one task, for
// consumers that predate stream reads.
func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	if s.legacy == nil {
		writeJSONError(w, http.StatusNotFound, "history not available")
		return
	}
	recs, err := s.legacy.ListByTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// handleDeadItems lists dead-lettered work items, newest first.
func (s *Server) handleDeadItems(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.queue.ListDead(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleDeleteTask removes a task and, first, the activities it owns.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.tree.Store().DeleteForTask(r.Context(), id); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.machine.Store().Delete(r.Context(), id); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents reads a stream: ?stream=task:<id>|activity:<id>|project:<id>
// or the full log by default.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	stream := event.AllStream
	if spec := r.URL.Query().Get("stream"); spec != "" && spec != event.StreamAll {
		kind, id, ok := cutStream(spec)
		if !ok {
			writeJSONError(w, http.StatusBadRequest, "stream must be kind:id")
			return
		}
		stream = event.Stream{Kind: kind, ID: id}
	}
	events, err := s.eventLog.ReadStream(r.Context(), stream)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRequestInteraction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID     string `json:"task_id"`
		ActivityID string `json:"agent_activity_id"`
		Question   string `json:"question"`
		Required   bool   `json:"required"`
		ExpiresIn  string `json:"expires_in"` // duration, e.g. "30m"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Question == "" {
		writeJSONError(w, http.StatusBadRequest, "question is required")
		return
	}
	in := human.Interaction{
		TaskID:     req.TaskID,
		ActivityID: req.ActivityID,
		Question:   req.Question,
		Required:   req.Required,
	}
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			writeJSONError(w, http.StatusBadRequest, "expires_in must be a positive duration")
			return
		}
		exp := time.Now().UTC().Add(d)
		in.ExpiresAt = &exp
	}
	created, err := s.gate.Request(r.Context(), in)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	var (
		ins []*human.Interaction
		err error
	)
	if taskID := r.URL.Query().Get("task_id"); taskID != "" {
		ins, err = s.gate.Store().ListByTask(r.Context(), taskID)
	} else {
		ins, err = s.gate.Store().ListPending(r.Context())
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interactions": ins})
}

func (s *Server) handleAnswerInteraction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.gate.Answer(r.Context(), r.PathValue("id"), body.Response); err != nil {
		s.writeInteractionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(human.StatusAnswered)})
}

func (s *Server) handleIgnoreInteraction(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.Ignore(r.Context(), r.PathValue("id")); err != nil {
		s.writeInteractionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(human.StatusIgnored)})
}

func (s *Server) writeTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "task not found")
	case task.IsGuard(err):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeInteractionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, human.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "interaction not found")
	case errors.Is(err, human.ErrResolved):
		writeJSONError(w, http.StatusConflict, "interaction already resolved")
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// cutStream splits "kind:id" stream specs.
func cutStream(spec string) (kind, id string, ok bool) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == ':' {
			return spec[:i], spec[i+1:], i > 0 && i < len(spec)-1
		}
	}
	return "", "", false
}
