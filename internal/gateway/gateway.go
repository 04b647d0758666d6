// Package gateway is the administrative HTTP surface: status, emergency
// stop control, dead letters, risk decisions, task inspection, the remote
// agent bridge and the live event stream.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/mission-control/internal/agent"
	"github.com/basket/mission-control/internal/audit"
	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/cron"
	"github.com/basket/mission-control/internal/events"
	"github.com/basket/mission-control/internal/otel"
	"github.com/basket/mission-control/internal/persistence"
	"github.com/basket/mission-control/internal/risk"
	"github.com/basket/mission-control/internal/shared"
	"github.com/basket/mission-control/internal/supervisor"
	"github.com/basket/mission-control/internal/tasks"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxNextWait      = 30 * time.Second
	maxBodyBytes     = 1 << 20
)

type Config struct {
	Bus        *bus.Bus
	Tasks      *tasks.Tracker
	Gate       *risk.Gate
	Store      *persistence.Store // optional
	Supervisor *supervisor.Supervisor
	Registry   *agent.Registry // optional
	Scheduler  *cron.Scheduler // optional
	Events     *events.Bus

	// AuthTokens maps API tokens to principals.
	AuthTokens map[string]string

	// AllowOrigins controls accepted Origin headers for CORS and browser
	// WebSocket clients. Empty means same-origin only.
	AllowOrigins []string

	// RemoteAgents maps each agent that may be driven through
	// /api/agents/{id}/... to the only principal allowed to drive it.
	RemoteAgents map[bus.AgentID]string

	RateLimitRPS   float64
	RateLimitBurst int

	// ConfigFingerprint is the hash of the active config exposed in /api/status.
	ConfigFingerprint string

	Tracer  trace.Tracer
	Metrics *otel.Metrics
	Logger  *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	remote  map[bus.AgentID]string
	auth    *AuthMiddleware
	limiter *RateLimitMiddleware
	started time.Time

	closeOnce sync.Once
	closing   chan struct{}
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(otel.TracerName)
	}
	remote := make(map[bus.AgentID]string, len(cfg.RemoteAgents))
	for id, principal := range cfg.RemoteAgents {
		remote[id] = principal
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		tracer:  tracer,
		remote:  remote,
		auth:    NewAuthMiddleware(cfg.AuthTokens),
		limiter: NewRateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst),
		started: time.Now(),
		closing: make(chan struct{}),
	}
}

// Close ends every open event stream. http.Server.Shutdown does not wait
// for hijacked connections.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// Limiter exposes the rate limiter so the daemon can start its eviction loop.
func (s *Server) Limiter() *RateLimitMiddleware { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /healthz", s.handleHealthz)
	s.route(mux, "GET /.well-known/agent.json", s.handleAgentCard)
	s.route(mux, "GET /ws", s.handleWS)

	s.route(mux, "GET /api/status", s.handleStatus)
	s.route(mux, "POST /api/emergency-stop", s.handleTriggerStop)
	s.route(mux, "DELETE /api/emergency-stop", s.handleClearStop)
	s.route(mux, "GET /api/dead-letters", s.handleDeadLetters)
	s.route(mux, "GET /api/risk/decisions", s.handleRiskDecisions)
	s.route(mux, "GET /api/risk/events", s.handleRiskEvents)
	s.route(mux, "POST /api/tasks", s.handleCreateTask)
	s.route(mux, "GET /api/tasks/{id}", s.handleGetTask)
	s.route(mux, "POST /api/tasks/{id}/transition", s.handleTransitionTask)

	s.route(mux, "POST /api/agents/{id}/publish", s.handlePublish)
	s.route(mux, "GET /api/agents/{id}/next", s.handleNext)
	s.route(mux, "POST /api/agents/{id}/ack/{env}", s.handleAck)
	s.route(mux, "POST /api/agents/{id}/nack/{env}", s.handleNack)

	var h http.Handler = mux
	h = s.limiter.Wrap(h)
	h = s.auth.Wrap(h)
	h = RequestSizeLimitMiddleware(maxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

// route registers h under pattern inside a server span and records the
// request duration.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := otel.ExtractHTTP(r.Context(), r.Header)
		ctx, span := otel.StartServerSpan(ctx, s.tracer, "http "+pattern, otel.AttrRoute.String(pattern))
		defer span.End()
		// Log lines share the caller's trace when it sent one.
		traceID := shared.NewTraceID()
		if sc := span.SpanContext(); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
		ctx = shared.WithTraceID(ctx, traceID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r.WithContext(ctx))
		if sw.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
		s.cfg.Metrics.Request(ctx, pattern, time.Since(start))
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

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack is required by the websocket upgrade.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func limitParam(r *http.Request) int {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxListLimit)
		}
	}
	return limit
}

// --- health and status ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		dbOK = s.cfg.Store.Ping(ctx) == nil
	}
	health := supervisor.Healthy
	if s.cfg.Supervisor != nil {
		health = s.cfg.Supervisor.Health()
	}
	healthy := dbOK && health != supervisor.Critical
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":        healthy,
		"db_ok":          dbOK,
		"system_health":  health,
		"emergency_stop": s.cfg.Gate != nil && s.cfg.Gate.EmergencyActive(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Health            string                   `json:"health"`
	HealthDetail      string                   `json:"health_detail,omitempty"`
	ConfigFingerprint string                   `json:"config_fingerprint"`
	Bus               bus.Status               `json:"bus"`
	Risk              *risk.Snapshot           `json:"risk,omitempty"`
	Tasks             map[string]int           `json:"tasks,omitempty"`
	Agents            []agent.Status           `json:"agents,omitempty"`
	Supervised        []supervisor.AgentHealth `json:"supervised,omitempty"`
	Jobs              []cron.JobStatus         `json:"jobs,omitempty"`
	Vetoes            int64                    `json:"vetoes"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

// Status assembles the administrative snapshot.
func (s *Server) Status() StatusResponse {
	resp := StatusResponse{
		Health:            supervisor.Healthy,
		ConfigFingerprint: s.cfg.ConfigFingerprint,
		Vetoes:            audit.VetoCount(),
	}
	if s.cfg.Bus != nil {
		resp.Bus = s.cfg.Bus.Status()
	}
	if s.cfg.Gate != nil {
		snap := s.cfg.Gate.Snapshot()
		resp.Risk = &snap
	}
	if s.cfg.Supervisor != nil {
		rep := s.cfg.Supervisor.Report()
		resp.Health, resp.HealthDetail = rep.Health, rep.Detail
		resp.Tasks = rep.Tasks
		resp.Supervised = rep.Agents
	}
	if s.cfg.Registry != nil {
		resp.Agents = s.cfg.Registry.List()
	}
	if s.cfg.Scheduler != nil {
		resp.Jobs = s.cfg.Scheduler.Jobs()
	}
	return resp
}

// --- emergency stop ---

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleTriggerStop(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gate == nil {
		writeError(w, http.StatusServiceUnavailable, "risk gate not configured")
		return
	}
	principal := PrincipalFromContext(r.Context())
	if !s.cfg.Gate.Authorized(principal) {
		audit.Record("emergency_stop.trigger", principal, audit.Deny, "principal not authorized", "")
		writeError(w, http.StatusForbidden, "principal not authorized")
		return
	}
	var req stopRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual stop"
	}
	if err := s.cfg.Gate.TriggerEmergencyStop(r.Context(), principal, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Warn("emergency stop triggered over http", "principal", principal, "reason", req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{"emergency_stop": true, "actor": principal})
}

func (s *Server) handleClearStop(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gate == nil {
		writeError(w, http.StatusServiceUnavailable, "risk gate not configured")
		return
	}
	principal := PrincipalFromContext(r.Context())
	err := s.cfg.Gate.ClearEmergencyStop(r.Context(), principal)
	switch {
	case errors.Is(err, risk.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, risk.ErrDrawdownBreached):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"emergency_stop": false, "cleared_by": principal})
	}
}

// --- records ---

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	pending := 0
	if s.cfg.Bus != nil {
		pending = s.cfg.Bus.DeadLetterCount()
	}
	if s.cfg.Store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"dead_letters": []bus.DeadLetter{}, "pending": pending})
		return
	}
	dls, err := s.cfg.Store.ListDeadLetters(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if dls == nil {
		dls = []bus.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dls, "pending": pending})
}

func (s *Server) handleRiskDecisions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	outcome := risk.Outcome(r.URL.Query().Get("outcome"))
	switch outcome {
	case "", risk.Approved, risk.Held, risk.Vetoed:
	default:
		writeError(w, http.StatusBadRequest, "unknown outcome "+string(outcome))
		return
	}
	ds, err := s.cfg.Store.ListRiskDecisions(r.Context(), outcome, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ds == nil {
		ds = []risk.Decision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": ds})
}

func (s *Server) handleRiskEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	evs, err := s.cfg.Store.ListRiskEvents(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if evs == nil {
		evs = []risk.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// --- tasks ---

type createTaskRequest struct {
	Origin       string   `json:"origin"`
	Kind         string   `json:"kind"`
	Dependencies []string `json:"dependencies,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "task tracker not configured")
		return
	}
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	kind, err := bus.ParseTaskType(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	origin := bus.AgentID(req.Origin)
	if origin == "" {
		origin = bus.CEO
	}
	id, err := s.cfg.Tasks.CreateTask(r.Context(), origin, kind, req.Dependencies...)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, tasks.ErrUnknownTask) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	task, _ := s.cfg.Tasks.Query(id)
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "task tracker not configured")
		return
	}
	id := r.PathValue("id")
	if task, ok := s.cfg.Tasks.Query(id); ok {
		writeJSON(w, http.StatusOK, task)
		return
	}
	if s.cfg.Store != nil {
		task, ok, err := s.cfg.Store.GetArchivedTask(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if ok {
			writeJSON(w, http.StatusOK, task)
			return
		}
	}
	writeError(w, http.StatusNotFound, "task not found")
}

type transitionRequest struct {
	To     string `json:"to"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleTransitionTask(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "task tracker not configured")
		return
	}
	var req transitionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	to, err := tasks.ParseState(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	actor := bus.AgentID(req.Actor)
	if actor == "" {
		actor = bus.AgentID(PrincipalFromContext(r.Context()))
	}
	id := r.PathValue("id")
	err = s.cfg.Tasks.Transition(r.Context(), id, to, actor, req.Reason)
	switch {
	case errors.Is(err, tasks.ErrUnknownTask):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, tasks.ErrIllegalTransition):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	task, _ := s.cfg.Tasks.Query(id)
	writeJSON(w, http.StatusOK, task)
}
