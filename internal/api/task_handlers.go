package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"spiderkeeper/internal/core"
)

const (
	defaultListLimit   = 50
	maxListLimit       = 500
	defaultRecordLimit = 100
	maxRecordLimit     = 1000
)

type dispatchRequest struct {
	Project  string        `json:"project"`
	Spider   string        `json:"spider"`
	Settings core.Settings `json:"settings,omitempty"`
}

// listTasks handles GET /v1/tasks?status=&limit=&offset=.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *core.TaskStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, perr := parseTaskStatus(raw)
		if perr != nil {
			s.writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		status = &parsed
	}

	tasks, err := s.tasks.ListTasks(r.Context(), status, limit, offset)
	if err != nil {
		s.logger.Error("list tasks failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// dispatchTask handles POST /v1/tasks. It launches a worker immediately and
// returns 202 with the created task, or 409 when the target is busy.
func (s *Server) dispatchTask(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Project == "" || req.Spider == "" {
		s.writeError(w, http.StatusBadRequest, "project and spider are required")
		return
	}

	task, err := s.controller.Start(r.Context(), core.TaskSpec{
		Target:   core.TargetRef{Project: req.Project, Spider: req.Spider},
		Settings: req.Settings,
	})
	if err != nil {
		if errors.Is(err, core.ErrTargetBusy) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("dispatch task failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to dispatch task")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"task": task})
}

// getTask handles GET /v1/tasks/{task_id}, returning the persisted task
// combined with live supervision state.
func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snapshot, err := s.controller.Status(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("get task failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

// listTaskRecords handles GET /v1/tasks/{task_id}/records?limit=&offset=.
func (s *Server) listTaskRecords(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRecordLimit, maxRecordLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.tasks.GetTask(r.Context(), taskID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("load task failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}

	records, err := s.results.ListRecords(r.Context(), taskID, limit, offset)
	if err != nil {
		s.logger.Error("list records failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// stopTask handles POST /v1/tasks/{task_id}/stop. Stopping an already
// terminal task reports stopped=false rather than an error.
func (s *Server) stopTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stopped, err := s.controller.Stop(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("stop task failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to stop task")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped})
}

// reconcileTask handles POST /v1/tasks/{task_id}/reconcile.
func (s *Server) reconcileTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	corrected, err := s.reconciler.ReconcileTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("reconcile task failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to reconcile task")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"corrected": corrected})
}

func parseTaskID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "task_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("task_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid task_id")
	}
	return id, nil
}

func parseTaskStatus(input string) (core.TaskStatus, error) {
	switch strings.ToLower(input) {
	case "pending":
		return core.TaskPending, nil
	case "running":
		return core.TaskRunning, nil
	case "finished":
		return core.TaskFinished, nil
	case "failed":
		return core.TaskFailed, nil
	case "cancelled":
		return core.TaskCancelled, nil
	default:
		return "", errors.New("invalid status")
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if raw := q.Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
