// Package supervisor runs the CEO loop: it tracks agent liveness from
// heartbeats, grades overall system health, sweeps tasks that can never
// start and moves dead letters into durable storage.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/basket/mission-control/internal/agent"
	"github.com/basket/mission-control/internal/audit"
	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/events"
	"github.com/basket/mission-control/internal/persistence"
	"github.com/basket/mission-control/internal/risk"
	"github.com/basket/mission-control/internal/tasks"
)

// Health levels.
const (
	Healthy  = "HEALTHY"
	Degraded = "DEGRADED"
	Critical = "CRITICAL"
)

const (
	criticalErrorAgents = 3
	degradedErrorTotal  = 10
)

// Alert severities.
const (
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Tasks is the part of the tracker the supervisor reads and sweeps.
type Tasks interface {
	ListByState(state tasks.State) iter.Seq[string]
	BlockedByFailure(id string) (string, bool)
	Transition(ctx context.Context, id string, to tasks.State, actor bus.AgentID, reason string) error
	Counts() map[tasks.State]int
}

// Risk is the part of the gate the supervisor controls.
type Risk interface {
	TriggerEmergencyStop(ctx context.Context, actor, reason string) error
	EmergencyActive() bool
}

// Store persists heartbeats and dead letters.
type Store interface {
	UpsertHeartbeat(ctx context.Context, hb persistence.Heartbeat) error
	RecordDeadLetters(ctx context.Context, dls []bus.DeadLetter) error
}

type Config struct {
	CheckInterval time.Duration
	StaleAfter    time.Duration
	// Monitored agents are expected to heartbeat. Empty monitors every
	// agent that has sent at least one heartbeat.
	Monitored []bus.AgentID
	Bus       *bus.Bus
	Tasks     Tasks
	Risk      Risk
	Store     Store
	Events    *events.Bus
	Logger    *slog.Logger
	Now       func() time.Time
}

// Alert is the ALERT payload.
type Alert struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// EmergencyRequest is the EMERGENCY_STOP payload an agent sends to the CEO.
type EmergencyRequest struct {
	Reason string `json:"reason"`
}

// AgentHealth is the supervisor's view of one agent.
type AgentHealth struct {
	AgentID   bus.AgentID `json:"agent_id"`
	State     string      `json:"state"`
	Processed int64       `json:"processed"`
	Errors    int64       `json:"errors"`
	LastSeen  time.Time   `json:"last_seen,omitzero"`
	Stale     bool        `json:"stale"`
}

// Counters are lifetime totals.
type Counters struct {
	Heartbeats        int64 `json:"heartbeats"`
	Alerts            int64 `json:"alerts"`
	CriticalAlerts    int64 `json:"critical_alerts"`
	EmergencyRequests int64 `json:"emergency_requests"`
	DeadLetters       int64 `json:"dead_letters_persisted"`
	TasksCancelled    int64 `json:"tasks_cancelled"`
	Ticks             int64 `json:"ticks"`
}

// Report is a point-in-time summary of the system.
type Report struct {
	Health    string         `json:"health"`
	Detail    string         `json:"detail,omitempty"`
	Agents    []AgentHealth  `json:"agents"`
	Counters  Counters       `json:"counters"`
	Tasks     map[string]int `json:"tasks,omitempty"`
	Bus       bus.Stats      `json:"bus"`
	Emergency bool           `json:"emergency_stop"`
	At        time.Time      `json:"at"`
}

// Supervisor is the CEO agent.
type Supervisor struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time

	mu       sync.Mutex
	agents   map[bus.AgentID]*AgentHealth
	health   string
	detail   string
	counters Counters
	pending  []bus.DeadLetter
}

// New registers the CEO queue on cfg.Bus.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Bus == nil {
		return nil, errors.New("supervisor: bus is required")
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Bus.Register(bus.CEO, bus.Heartbeat, bus.Alert, bus.StatusReport, bus.EmergencyStop); err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	if err := cfg.Bus.Subscribe(bus.CEO, bus.EmergencyStop, bus.SystemShutdown); err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	s := &Supervisor{
		cfg:     cfg,
		logger:  logger.With("agent_id", string(bus.CEO)),
		started: cfg.Now(),
		agents:  make(map[bus.AgentID]*AgentHealth),
		health:  Healthy,
	}
	for _, id := range cfg.Monitored {
		s.agents[id] = &AgentHealth{AgentID: id, State: "UNKNOWN"}
	}
	return s, nil
}

// Run ticks every CheckInterval until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.CheckInterval)
	defer t.Stop()
	s.logger.Info("supervisor started", "check_interval", s.cfg.CheckInterval, "stale_after", s.cfg.StaleAfter)
	for {
		select {
		case <-ctx.Done():
			s.flushDeadLetters(context.WithoutCancel(ctx))
			return nil
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one supervision cycle.
func (s *Supervisor) Tick(ctx context.Context) {
	s.drainInbox(ctx)
	now := s.cfg.Now()
	s.checkStale(now)
	s.evaluateHealth()
	s.cancelBlocked(ctx)
	s.collectDeadLetters(ctx)

	s.mu.Lock()
	s.counters.Ticks++
	s.mu.Unlock()
}

func (s *Supervisor) drainInbox(ctx context.Context) {
	for {
		env, ok, err := s.cfg.Bus.FetchNext(ctx, bus.CEO)
		if err != nil {
			s.logger.Error("fetch inbox failed", "error", err)
			return
		}
		if !ok {
			return
		}
		if err := s.handle(ctx, env); err != nil {
			s.logger.Warn("inbox message failed", "envelope_id", env.ID, "task_type", string(env.TaskType), "error", err)
			if nerr := s.cfg.Bus.Nack(ctx, bus.CEO, env.ID, err.Error()); nerr != nil {
				s.logger.Error("nack inbox message failed", "envelope_id", env.ID, "error", nerr)
			}
			continue
		}
		if err := s.cfg.Bus.Acknowledge(bus.CEO, env.ID); err != nil {
			s.logger.Error("ack inbox message failed", "envelope_id", env.ID, "error", err)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, env bus.Envelope) error {
	switch env.TaskType {
	case bus.Heartbeat:
		return s.handleHeartbeat(ctx, env)
	case bus.Alert:
		return s.handleAlert(env)
	case bus.EmergencyStop:
		return s.handleEmergency(ctx, env)
	case bus.StatusReport:
		return s.replyStatus(ctx, env)
	case bus.SystemShutdown:
		s.logger.Warn("system shutdown broadcast observed", "from", string(env.From))
		return nil
	default:
		return fmt.Errorf("unexpected task type %s", env.TaskType)
	}
}

func (s *Supervisor) handleHeartbeat(ctx context.Context, env bus.Envelope) error {
	var hb agent.HeartbeatReport
	if err := env.Decode(&hb); err != nil {
		return err
	}
	if hb.Agent == "" {
		hb.Agent = env.From
	}
	seen := s.cfg.Now()

	s.mu.Lock()
	s.counters.Heartbeats++
	ah, ok := s.agents[hb.Agent]
	if !ok {
		ah = &AgentHealth{AgentID: hb.Agent}
		s.agents[hb.Agent] = ah
	}
	changed := ah.State != hb.State || ah.Stale
	ah.State = hb.State
	ah.Processed = hb.Processed
	ah.Errors = hb.Errors
	ah.LastSeen = seen
	ah.Stale = false
	s.mu.Unlock()

	if changed {
		s.cfg.Events.Publish(events.TopicAgentHealth, events.AgentHealth{AgentID: string(hb.Agent), State: hb.State, LastSeen: seen})
	}
	if s.cfg.Store != nil {
		rec := persistence.Heartbeat{AgentID: hb.Agent, State: hb.State, Detail: hb.LastError, LastSeen: seen}
		if err := s.cfg.Store.UpsertHeartbeat(ctx, rec); err != nil {
			s.logger.Warn("persist heartbeat failed", "agent", string(hb.Agent), "error", err)
		}
	}
	return nil
}

func (s *Supervisor) handleAlert(env bus.Envelope) error {
	var a Alert
	if err := env.Decode(&a); err != nil {
		return err
	}
	s.mu.Lock()
	s.counters.Alerts++
	if a.Severity == SeverityCritical {
		s.counters.CriticalAlerts++
	}
	s.mu.Unlock()

	if a.Severity == SeverityCritical {
		s.logger.Error("critical alert", "from", string(env.From), "message", a.Message)
		audit.Record("supervisor.alert", string(env.From), audit.Hold, a.Severity, a.Message)
		return nil
	}
	s.logger.Warn("alert", "from", string(env.From), "severity", a.Severity, "message", a.Message)
	return nil
}

func (s *Supervisor) handleEmergency(ctx context.Context, env bus.Envelope) error {
	if env.From == bus.RiskManager {
		var n risk.EmergencyNotice
		_ = env.Decode(&n)
		s.logger.Error("emergency stop in force", "actor", n.Actor, "reason", n.Reason, "figures", n.Figures)
		return nil
	}
	var req EmergencyRequest
	if len(env.Payload) > 0 {
		if err := env.Decode(&req); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.counters.EmergencyRequests++
	s.mu.Unlock()
	s.logger.Error("emergency stop requested", "from", string(env.From), "reason", req.Reason)
	if s.cfg.Risk == nil {
		return errors.New("no risk gate to forward emergency stop to")
	}
	return s.cfg.Risk.TriggerEmergencyStop(ctx, string(env.From), req.Reason)
}

func (s *Supervisor) replyStatus(ctx context.Context, env bus.Envelope) error {
	if env.From == "" || env.From == bus.CEO {
		return nil
	}
	reply, err := bus.NewEnvelope(bus.CEO, env.From, bus.StatusReport, bus.Normal, s.Report())
	if err != nil {
		return err
	}
	reply.CorrelationID = env.ID
	if err := s.cfg.Bus.Publish(ctx, reply); err != nil {
		s.logger.Debug("status reply not delivered", "to", string(env.From), "error", err)
	}
	return nil
}

func (s *Supervisor) checkStale(now time.Time) {
	var flagged []events.AgentHealth
	s.mu.Lock()
	for _, ah := range s.agents {
		ref := ah.LastSeen
		if ref.IsZero() {
			ref = s.started
		}
		stale := now.Sub(ref) > s.cfg.StaleAfter
		if stale && !ah.Stale {
			flagged = append(flagged, events.AgentHealth{AgentID: string(ah.AgentID), State: ah.State, Stale: true, LastSeen: ah.LastSeen})
		}
		ah.Stale = stale
	}
	s.mu.Unlock()
	for _, f := range flagged {
		s.logger.Warn("agent heartbeat stale", "agent", f.AgentID, "last_seen", f.LastSeen)
		s.cfg.Events.Publish(events.TopicAgentHealth, f)
	}
}

func (s *Supervisor) evaluateHealth() {
	s.mu.Lock()
	var (
		inError []string
		stale   []string
		errs    int64
	)
	for _, ah := range s.agents {
		errs += ah.Errors
		if ah.State == agent.StateError {
			inError = append(inError, string(ah.AgentID))
		}
		if ah.Stale {
			stale = append(stale, string(ah.AgentID))
		}
	}
	slices.Sort(inError)
	slices.Sort(stale)

	next, detail := Healthy, ""
	switch {
	case len(inError) >= criticalErrorAgents:
		next, detail = Critical, "agents in error: "+strings.Join(inError, ",")
	case len(stale) > 0:
		next, detail = Degraded, "stale agents: "+strings.Join(stale, ",")
	case errs > degradedErrorTotal:
		next, detail = Degraded, fmt.Sprintf("%d errors reported", errs)
	}
	prev := s.health
	s.health, s.detail = next, detail
	s.mu.Unlock()

	if prev == next {
		return
	}
	level := slog.LevelInfo
	if next != Healthy {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "system health changed", "previous", prev, "current", next, "detail", detail)
	s.cfg.Events.Publish(events.TopicSystemHealth, events.SystemHealth{Previous: prev, Current: next, Detail: detail})
}

// cancelBlocked cancels waiting tasks whose dependencies ended without
// completing.
func (s *Supervisor) cancelBlocked(ctx context.Context) {
	if s.cfg.Tasks == nil {
		return
	}
	var n int64
	for id := range s.cfg.Tasks.ListByState(tasks.WaitingDependency) {
		dep, blocked := s.cfg.Tasks.BlockedByFailure(id)
		if !blocked {
			continue
		}
		if err := s.cfg.Tasks.Transition(ctx, id, tasks.Cancelled, bus.CEO, "dependency "+dep+" did not complete"); err != nil {
			s.logger.Warn("cancel blocked task failed", "task_id", id, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.Info("cancelled tasks blocked by failed dependencies", "count", n)
		s.mu.Lock()
		s.counters.TasksCancelled += n
		s.mu.Unlock()
	}
}

// collectDeadLetters moves the bus's dead letters into the store. Letters
// the store refused are retried on the next tick.
func (s *Supervisor) collectDeadLetters(ctx context.Context) {
	dls := s.cfg.Bus.DrainDeadLetters()
	s.mu.Lock()
	s.pending = append(s.pending, dls...)
	s.mu.Unlock()
	s.flushDeadLetters(ctx)
}

func (s *Supervisor) flushDeadLetters(ctx context.Context) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if s.cfg.Store == nil {
		s.logger.Warn("dead letters discarded, no store", "count", len(batch))
		return
	}
	if err := s.cfg.Store.RecordDeadLetters(ctx, batch); err != nil {
		s.logger.Error("persist dead letters failed", "count", len(batch), "error", err)
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.counters.DeadLetters += int64(len(batch))
	s.mu.Unlock()
}

// Health returns the current health level.
func (s *Supervisor) Health() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Report summarizes health, agents and counters.
func (s *Supervisor) Report() Report {
	s.mu.Lock()
	r := Report{
		Health:   s.health,
		Detail:   s.detail,
		Agents:   make([]AgentHealth, 0, len(s.agents)),
		Counters: s.counters,
		At:       s.cfg.Now().UTC(),
	}
	for _, ah := range s.agents {
		r.Agents = append(r.Agents, *ah)
	}
	s.mu.Unlock()

	slices.SortFunc(r.Agents, func(x, y AgentHealth) int { return strings.Compare(string(x.AgentID), string(y.AgentID)) })
	if s.cfg.Tasks != nil {
		r.Tasks = make(map[string]int)
		for st, n := range s.cfg.Tasks.Counts() {
			r.Tasks[string(st)] = n
		}
	}
	r.Bus = s.cfg.Bus.Status().Stats
	if s.cfg.Risk != nil {
		r.Emergency = s.cfg.Risk.EmergencyActive()
	}
	return r
}

// DailyReport logs and audits the end-of-day summary.
func (s *Supervisor) DailyReport(_ context.Context) Report {
	r := s.Report()
	s.logger.Info("daily report",
		"health", r.Health,
		"agents", len(r.Agents),
		"published", r.Bus.Published,
		"delivered", r.Bus.Delivered,
		"dead_lettered", r.Bus.DeadLettered,
		"critical_alerts", r.Counters.CriticalAlerts,
		"emergency_stop", r.Emergency,
	)
	audit.Record("supervisor.daily_report", string(bus.CEO), audit.Allow, r.Health,
		fmt.Sprintf("published=%d delivered=%d dead_lettered=%d", r.Bus.Published, r.Bus.Delivered, r.Bus.DeadLettered))
	return r
}

// Shutdown broadcasts SYSTEM_SHUTDOWN to every subscribed agent.
func (s *Supervisor) Shutdown(ctx context.Context, reason string) error {
	env, err := bus.NewEnvelope(bus.CEO, bus.Broadcast, bus.SystemShutdown, bus.Critical, map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	s.logger.Warn("system shutdown", "reason", reason)
	audit.Record("supervisor.shutdown", string(bus.CEO), audit.Allow, reason, "")
	if err := s.cfg.Bus.Publish(ctx, env); err != nil {
		return fmt.Errorf("broadcast shutdown: %w", err)
	}
	return nil
}
