// Package api is the operator interface: enqueue, inspect, and reconcile
// tasks, and read the daemon's thermal status. It is a thin shell over the
// store and scheduler; no decision logic lives here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"thermal-gate/internal/models"
	"thermal-gate/internal/power"
	"thermal-gate/internal/ratelimit"
	"thermal-gate/internal/scheduler"
	"thermal-gate/internal/store"
	"thermal-gate/internal/telemetry"
)

// Server wires the operator HTTP handlers.
type Server struct {
	store   store.Store
	loop    *scheduler.Loop
	power   *power.Controller
	limiter *ratelimit.TokenBucket // nil disables rate limiting
}

// New constructs the operator API server.
func New(st store.Store, loop *scheduler.Loop, pc *power.Controller, limiter *ratelimit.TokenBucket) *Server {
	return &Server{store: st, loop: loop, power: pc, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tasks", s.handleEnqueue)
	r.Get("/tasks", s.handleListPending)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Post("/tasks/{id}/cancel", s.handleCancel)
	r.Post("/tasks/{id}/requeue", s.handleRequeue)
	r.Post("/tasks/{id}/fail", s.handleFail)
	r.Post("/tasks/{id}/wait", s.handleWait)
	r.Get("/history", s.handleHistory)
	r.Get("/status", s.handleStatus)
	r.Post("/tick", s.handleTick)
	return r
}

type enqueueRequest struct {
	Name     string            `json:"name"`
	Priority int               `json:"priority"`
	Action   models.ActionSpec `json:"action"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.Action.Kind == "" {
		http.Error(w, "action.kind is required", http.StatusBadRequest)
		return
	}
	if req.Priority == 0 {
		req.Priority = 5
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:enqueue:"+clientKey(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	task, err := s.store.Enqueue(r.Context(), req.Name, req.Action, req.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	telemetry.EnqueueCounter.Inc()
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListPending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "id": id})
}

// handleWait blocks until the named task is admitted and run, or until
// max_wait elapses with the task left pending (408). The connection stays
// open for the duration, so max_wait is capped.
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	maxWait := 30 * time.Second
	if raw := r.URL.Query().Get("max_wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "max_wait must be a positive duration", http.StatusBadRequest)
			return
		}
		maxWait = d
	}
	if maxWait > 5*time.Minute {
		maxWait = 5 * time.Minute
	}
	res, err := s.loop.WaitAndRun(r.Context(), id, maxWait)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRequeue returns an orphaned running task to pending. This is the
// reconciliation path for tasks left running by a crash.
func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Requeue(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pending", "id": id})
}

// handleFail records an orphaned running task as failed and archives it.
func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.MarkTerminal(r.Context(), id, models.OutcomeFailed, 0, "failed by operator", time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.store.ArchiveTerminal(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "failed", "id": id})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.History(r.Context(), 100)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, since := s.power.State()
	depth, err := s.store.CountPending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	running, err := s.store.Running(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	status := map[string]any{
		"power_state":        state,
		"last_transition_at": since,
		"pending_tasks":      depth,
		"running_tasks":      running,
	}
	if cond, err := s.loop.Preview(r.Context(), time.Now()); err == nil {
		status["verdict"] = cond.VerdictName
		status["temperature_c"] = cond.TemperatureC
		status["reading_valid"] = cond.ReadingValid
	}
	writeJSON(w, http.StatusOK, status)
}

// handleTick triggers one scheduling decision on demand. With dry_run=true it
// reports the decision without invoking the profile controller or any action.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	if r.URL.Query().Get("dry_run") == "true" {
		res, err := s.loop.Preview(r.Context(), now)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	res, err := s.loop.Tick(r.Context(), now)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidState):
		code = http.StatusConflict
	case errors.Is(err, models.ErrWaitTimeout):
		code = http.StatusRequestTimeout
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
