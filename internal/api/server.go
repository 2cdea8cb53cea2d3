// Package api serves the health and status surface: liveness, controller
// status, metrics, the current task queue, and the orchestrator run journal.
package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/coverd/internal/config"
	"github.com/example/coverd/internal/controller"
	"github.com/example/coverd/internal/model"
	"github.com/example/coverd/internal/observability"
	"github.com/example/coverd/internal/results"
	"github.com/example/coverd/internal/taskqueue"
)

type Server struct {
	cfg     config.Config
	ctrl    *controller.Controller
	journal *results.Store
	metrics *observability.Registry
	logger  zerolog.Logger
}

func NewServer(cfg config.Config, ctrl *controller.Controller, journal *results.Store, metrics *observability.Registry, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		journal: journal,
		metrics: metrics,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/reconcile", s.handleReconcile)
	return withTracing(s.withLogging(mux))
}

// handleHealth is the liveness endpoint: 200 while every component is usable
// (DEGRADED included), 503 once any component is UNHEALTHY.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := s.ctrl.Status()
	code := http.StatusOK
	overall := model.HealthHealthy
	for _, h := range status.Health {
		switch h.Status {
		case model.HealthUnhealthy:
			overall = model.HealthUnhealthy
			code = http.StatusServiceUnavailable
		case model.HealthDegraded, model.HealthUnknown:
			if overall == model.HealthHealthy {
				overall = model.HealthDegraded
			}
		}
	}
	writeJSON(w, code, map[string]any{
		"status":     overall,
		"state":      status.State,
		"components": status.Health,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.metrics.RenderPrometheus()))
}

// handleTasks serves the latest queue snapshot verbatim, or with ?plan=1 the
// execution plan: only the tasks the orchestrator would run, in run order.
// 404 until the first cycle has generated a snapshot.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	queue, err := taskqueue.Load(s.cfg.QueuePath())
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "no task queue generated yet")
			return
		}
		s.logger.Error().Err(err).Msg("queue snapshot unreadable")
		writeError(w, http.StatusInternalServerError, "task queue unreadable")
		return
	}
	if raw := r.URL.Query().Get("plan"); raw != "" && raw != "0" && raw != "false" {
		plan := make([]model.Task, 0, len(queue.Tasks))
		for _, t := range queue.Tasks {
			if t.Status == model.TaskPending {
				plan = append(plan, t)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"cycle_id":     queue.CycleID,
			"generated_at": queue.GeneratedAt,
			"total":        len(plan),
			"skipped":      queue.Skipped,
			"tasks":        plan,
		})
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "results journal disabled")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = v
	}
	runs, err := s.journal.RecentRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("run listing failed")
		writeError(w, http.StatusInternalServerError, "run listing failed")
		return
	}
	if runID := r.URL.Query().Get("run_id"); runID != "" {
		tasks, err := s.journal.TaskResults(r.Context(), runID)
		if err != nil {
			s.logger.Error().Err(err).Str("run_id", runID).Msg("task result listing failed")
			writeError(w, http.StatusInternalServerError, "task result listing failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "tasks": tasks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleReconcile triggers an on-demand cycle. Returns immediately; progress
// is visible via /status.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.ctrl.Reconcile()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconcile triggered"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
