// Package gateway is the admin HTTP surface: enqueue, safe actions, queue
// and trace inspection, and a websocket stream of queue events.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loopboard/agentd/internal/actions"
	"github.com/loopboard/agentd/internal/bus"
	"github.com/loopboard/agentd/internal/config"
	"github.com/loopboard/agentd/internal/diagnosis"
	"github.com/loopboard/agentd/internal/otel"
	"github.com/loopboard/agentd/internal/persistence"
	"github.com/loopboard/agentd/internal/schema"
	"github.com/loopboard/agentd/internal/shared"
)

// Config holds the gateway's dependencies.
type Config struct {
	Store     *persistence.Store
	Bus       *bus.Bus
	Executor  *actions.Executor
	Diagnosis *diagnosis.Engine
	Schemas   *schema.Registry
	Logger    *slog.Logger
	Metrics   *otel.Metrics // may be nil

	// AuthToken guards every endpoint except /healthz. Empty disables auth
	// (local development only).
	AuthToken string

	// Tunables supplies the live dedupe window and retry budget defaults.
	Tunables func() config.Tunables
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tunables == nil {
		cfg.Tunables = func() config.Tunables { return config.Tunables{} }
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/admin/agents/enqueue", s.auth(s.handleEnqueue))
	mux.HandleFunc("/admin/agents/actions", s.auth(s.handleAction))
	mux.HandleFunc("/admin/agents/queue", s.auth(s.handleQueue))
	mux.HandleFunc("/admin/agents/tasks", s.auth(s.handleTasks))
	mux.HandleFunc("/admin/agents/tasks/", s.auth(s.handleTaskByID))
	mux.HandleFunc("/admin/agents/trace/", s.auth(s.handleTrace))
	mux.HandleFunc("/admin/agents/failure/", s.auth(s.handleFailure))
	mux.HandleFunc("/admin/agents/workers", s.auth(s.handleWorkers))
	mux.HandleFunc("/admin/agents/stream", s.auth(s.handleStream))
	return mux
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.cfg.AuthToken == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(header, prefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusForbidden, "invalid token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	counts, err := s.cfg.Store.CountsByStatus(r.Context())
	if err != nil {
		dbOK = false
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
		"queued":  counts[persistence.StatusQueued],
		"running": counts[persistence.StatusRunning],
	})
}

type enqueueRequest struct {
	RequestID   string          `json:"request_id"`
	Kind        string          `json:"kind"`
	Room        string          `json:"room,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
	TraceID     string          `json:"trace_id,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RequestID == "" || req.Kind == "" {
		writeError(w, http.StatusBadRequest, "request_id and kind are required")
		return
	}
	params := string(req.Params)
	if strings.TrimSpace(params) == "" {
		params = "{}"
	}
	if s.cfg.Schemas != nil {
		if err := s.cfg.Schemas.Validate(req.Kind, params); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	ctx, span := otel.StartServerSpan(r.Context(), otel.Tracer(), "admin.enqueue",
		otel.AttrTaskKind.String(req.Kind))
	defer span.End()

	tun := s.cfg.Tunables()
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = tun.MaxAttempts
	}
	enq := persistence.EnqueueRequest{
		RequestID:   req.RequestID,
		Kind:        req.Kind,
		Room:        req.Room,
		Priority:    req.Priority,
		Params:      params,
		DedupeKey:   req.DedupeKey,
		MaxAttempts: req.MaxAttempts,
		TraceID:     req.TraceID,
	}
	if req.RunAt != nil {
		enq.RunAt = *req.RunAt
	}
	task, deduped, err := s.cfg.Store.Enqueue(ctx, enq, tun.DedupeWindow)
	if err != nil {
		s.logger.Error("enqueue failed", "request_id", req.RequestID, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	if s.cfg.Metrics != nil {
		if deduped {
			s.cfg.Metrics.TasksDeduped.Add(ctx, 1)
		} else {
			s.cfg.Metrics.TasksEnqueued.Add(ctx, 1)
		}
	}
	status := http.StatusCreated
	if deduped {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"task": task, "deduped": deduped})
}

type actionRequest struct {
	Action   string `json:"action"`
	TaskID   string `json:"task_id"`
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	action, err := actions.ParseAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, span := otel.StartServerSpan(r.Context(), otel.Tracer(), "admin.action",
		otel.AttrAction.String(string(action)))
	defer span.End()

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	result, err := s.cfg.Executor.Execute(ctx, actions.Request{
		Action:   action,
		TaskID:   req.TaskID,
		Operator: req.Operator,
		Reason:   req.Reason,
	})
	if err != nil {
		var ise *actions.InvalidStateError
		switch {
		case errors.Is(err, persistence.ErrNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		case errors.As(err, &ise):
			writeError(w, http.StatusConflict, ise.Error())
		case errors.Is(err, actions.ErrReasonRequired):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("action failed", "action", action, "task_id", req.TaskID, "error", err)
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.CountsByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue counts failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.TaskFilter{
		Kind: q.Get("kind"),
		Room: q.Get("room"),
	}
	if st := q.Get("status"); st != "" {
		if !persistence.ValidStatus(st) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", st))
			return
		}
		filter.Status = persistence.Status(st)
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list tasks failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/admin/agents/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get task failed")
		return
	}
	events, err := s.cfg.Store.ListTraceEventsByTask(r.Context(), taskID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list trace events failed")
		return
	}
	audits, err := s.cfg.Store.ListAudits(r.Context(), taskID, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list audits failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":   task,
		"events": events,
		"audits": audits,
	})
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	traceID := strings.TrimPrefix(r.URL.Path, "/admin/agents/trace/")
	if traceID == "" {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	events, fallback, err := s.cfg.Diagnosis.TraceEvents(r.Context(), traceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "trace lookup failed")
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trace_id":    traceID,
		"events":      events,
		"synthesized": fallback,
	})
}

func (s *Server) handleFailure(w http.ResponseWriter, r *http.Request) {
	traceID := strings.TrimPrefix(r.URL.Path, "/admin/agents/failure/")
	if traceID == "" {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	events, _, err := s.cfg.Diagnosis.TraceEvents(r.Context(), traceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failure lookup failed")
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	summary, ok, err := s.cfg.Diagnosis.FailureSummary(r.Context(), traceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failure lookup failed")
		return
	}
	// A known trace with no unsuperseded failure is healthy, not missing.
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"trace_id": traceID, "failure": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trace_id": traceID, "failure": summary})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	beats, err := s.cfg.Store.ListHeartbeats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list workers failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": beats})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ListenAndServe runs the admin server until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
