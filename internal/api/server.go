// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/tasks for dispatch, status, records, stop, and reconcile.
//   - /v1/schedules for schedule CRUD and run-now.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"spiderkeeper/internal/core"
	"spiderkeeper/internal/metrics"
)

const requestTimeout = 60 * time.Second

// TaskController is the slice of the lifecycle manager the API needs.
type TaskController interface {
	Start(ctx context.Context, spec core.TaskSpec) (core.Task, error)
	Stop(ctx context.Context, taskID uuid.UUID) (bool, error)
	Status(ctx context.Context, taskID uuid.UUID) (core.TaskSnapshot, error)
}

// StatusReconciler re-derives one task's terminal status on demand.
type StatusReconciler interface {
	ReconcileTask(ctx context.Context, taskID uuid.UUID) (bool, error)
}

// Server wires HTTP handlers to the controller and stores.
type Server struct {
	router     chi.Router
	tasks      core.TaskStore
	schedules  core.ScheduleStore
	results    core.ResultStore
	controller TaskController
	reconciler StatusReconciler
	ids        core.IDGenerator
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	tasks core.TaskStore,
	schedules core.ScheduleStore,
	results core.ResultStore,
	controller TaskController,
	reconciler StatusReconciler,
	ids core.IDGenerator,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tasks:      tasks,
		schedules:  schedules,
		results:    results,
		controller: controller,
		reconciler: reconciler,
		ids:        ids,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Post("/", s.dispatchTask)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Get("/records", s.listTaskRecords)
				r.Post("/stop", s.stopTask)
				r.Post("/reconcile", s.reconcileTask)
			})
		})
		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.listSchedules)
			r.Post("/", s.createSchedule)
			r.Route("/{schedule_id}", func(r chi.Router) {
				r.Get("/", s.getSchedule)
				r.Put("/", s.updateSchedule)
				r.Delete("/", s.deleteSchedule)
				r.Post("/run", s.runScheduleNow)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// A cheap store round trip verifies the backend is reachable.
	if _, err := s.tasks.ListTasks(r.Context(), nil, 1, 0); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
