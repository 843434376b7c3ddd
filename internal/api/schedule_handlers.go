package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"spiderkeeper/internal/core"
	"spiderkeeper/internal/scheduler"
)

type scheduleRequest struct {
	Project  string        `json:"project"`
	Spider   string        `json:"spider"`
	CronExpr string        `json:"cron_expr"`
	IsActive *bool         `json:"is_active,omitempty"`
	Settings core.Settings `json:"settings,omitempty"`
}

// listSchedules handles GET /v1/schedules?limit=&offset=.
func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	schedules, err := s.schedules.ListSchedules(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list schedules failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

// createSchedule handles POST /v1/schedules. New schedules start without a
// next-run anchor; the scheduler sets it on its next tick.
func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Project == "" || req.Spider == "" {
		s.writeError(w, http.StatusBadRequest, "project and spider are required")
		return
	}
	if err := scheduler.ValidateCronExpr(req.CronExpr); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sched := core.Schedule{
		ID:       s.ids.NewID(),
		CronExpr: req.CronExpr,
		Target:   core.TargetRef{Project: req.Project, Spider: req.Spider},
		IsActive: true,
		Settings: req.Settings,
	}
	if req.IsActive != nil {
		sched.IsActive = *req.IsActive
	}
	if err := s.schedules.CreateSchedule(r.Context(), sched); err != nil {
		s.logger.Error("create schedule failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"schedule": sched})
}

// getSchedule handles GET /v1/schedules/{schedule_id}.
func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := parseScheduleID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sched, err := s.schedules.GetSchedule(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.logger.Error("get schedule failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load schedule")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"schedule": sched})
}

// updateSchedule handles PUT /v1/schedules/{schedule_id}. Changing the cron
// expression clears the next-run anchor so the scheduler re-derives it.
func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := parseScheduleID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	sched, err := s.schedules.GetSchedule(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.logger.Error("load schedule failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load schedule")
		return
	}

	if req.CronExpr != "" && req.CronExpr != sched.CronExpr {
		if err := scheduler.ValidateCronExpr(req.CronExpr); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sched.CronExpr = req.CronExpr
		sched.NextRun = nil
	}
	if req.Project != "" {
		sched.Target.Project = req.Project
	}
	if req.Spider != "" {
		sched.Target.Spider = req.Spider
	}
	if req.Settings != nil {
		sched.Settings = req.Settings
	}
	if req.IsActive != nil {
		sched.IsActive = *req.IsActive
	}

	if err := s.schedules.UpdateSchedule(r.Context(), sched); err != nil {
		s.logger.Error("update schedule failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"schedule": sched})
}

// deleteSchedule handles DELETE /v1/schedules/{schedule_id}. Tasks already
// dispatched for the schedule survive with a cleared back-reference.
func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := parseScheduleID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.schedules.DeleteSchedule(r.Context(), id); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.logger.Error("delete schedule failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runScheduleNow handles POST /v1/schedules/{schedule_id}/run, dispatching
// the schedule's target immediately and outside the cron cadence.
func (s *Server) runScheduleNow(w http.ResponseWriter, r *http.Request) {
	id, err := parseScheduleID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sched, err := s.schedules.GetSchedule(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.logger.Error("load schedule failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load schedule")
		return
	}

	task, err := s.controller.Start(r.Context(), core.TaskSpec{
		Target:     sched.Target,
		ScheduleID: &sched.ID,
		Settings:   sched.Settings,
	})
	if err != nil {
		if errors.Is(err, core.ErrTargetBusy) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("run schedule failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to run schedule")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"task": task})
}

func parseScheduleID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "schedule_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("schedule_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid schedule_id")
	}
	return id, nil
}
