package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/otel"
	"github.com/basket/mission-control/internal/shared"
)

// errorStreak is the number of consecutive failures that turns a
// DEGRADED agent into ERROR.
const errorStreak = 3

type RunnerConfig struct {
	PollInterval      time.Duration // bound on each bus.Next wait
	HeartbeatInterval time.Duration
	Supervisor        bus.AgentID // heartbeat recipient, default CEO
	Tracer            trace.Tracer
	Logger            *slog.Logger
	Now               func() time.Time
}

// Status is a point-in-time view of a runner.
type Status struct {
	Agent     bus.AgentID `json:"agent"`
	State     string      `json:"state"`
	Processed int64       `json:"processed"`
	Errors    int64       `json:"errors"`
	Active    int32       `json:"active"`
	LastError string      `json:"last_error,omitempty"`
}

// Runner pulls envelopes for one agent and drives its Process loop.
type Runner struct {
	agent   Agent
	bus     *bus.Bus
	cfg     RunnerConfig
	logger  *slog.Logger
	accepts map[bus.TaskType]struct{}

	processed atomic.Int64
	errors    atomic.Int64
	active    atomic.Int32
	streak    atomic.Int32
	stopped   atomic.Bool
	lastError atomic.Pointer[string]
}

func NewRunner(a Agent, b *bus.Bus, cfg RunnerConfig) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Supervisor == "" {
		cfg.Supervisor = bus.CEO
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	accepts := make(map[bus.TaskType]struct{})
	for _, tt := range a.Accepts() {
		accepts[tt] = struct{}{}
	}
	return &Runner{
		agent:   a,
		bus:     b,
		cfg:     cfg,
		logger:  cfg.Logger.With("agent_id", string(a.ID())),
		accepts: accepts,
	}
}

// Run processes envelopes until ctx ends or a SYSTEM_SHUTDOWN broadcast
// arrives. An envelope whose processing is cut short by ctx is left in
// flight for the bus to redeliver.
func (r *Runner) Run(ctx context.Context) error {
	ctx = shared.WithAgentID(ctx, string(r.agent.ID()))
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	defer r.stopped.Store(true)

	r.sendHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sendHeartbeat(ctx)
		default:
		}

		more, err := r.Step(ctx, r.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, bus.ErrUnknownRecipient) {
				return fmt.Errorf("runner %s: %w", r.agent.ID(), err)
			}
			r.setLastError(err)
		}
		if !more {
			r.logger.Info("runner stopped by shutdown broadcast")
			r.sendHeartbeat(context.WithoutCancel(ctx))
			return nil
		}
	}
}

// Step waits up to wait for one envelope and handles it. It reports false
// once a SYSTEM_SHUTDOWN broadcast has been handled.
func (r *Runner) Step(ctx context.Context, wait time.Duration) (bool, error) {
	env, ok, err := r.bus.Next(ctx, r.agent.ID(), wait)
	if err != nil {
		return true, err
	}
	if !ok {
		return true, nil
	}
	if r.isControl(env) {
		return r.handleControl(ctx, env), nil
	}
	r.handle(ctx, env)
	return true, nil
}

func (r *Runner) isControl(env bus.Envelope) bool {
	if env.TaskType != bus.EmergencyStop && env.TaskType != bus.SystemShutdown {
		return false
	}
	_, accepted := r.accepts[env.TaskType]
	return !accepted
}

func (r *Runner) handleControl(ctx context.Context, env bus.Envelope) bool {
	r.logger.Warn("control broadcast received", "task_type", string(env.TaskType), "from", string(env.From), "envelope_id", env.ID)
	if h, ok := r.agent.(Halter); ok {
		h.Halt(ctx, env)
	}
	if err := r.bus.Acknowledge(r.agent.ID(), env.ID); err != nil {
		r.setLastError(err)
	}
	if env.TaskType == bus.SystemShutdown {
		r.stopped.Store(true)
		return false
	}
	return true
}

func (r *Runner) handle(ctx context.Context, env bus.Envelope) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithEnvelopeID(ctx, env.ID)
	if env.CorrelationID != "" {
		ctx = shared.WithTaskID(ctx, env.CorrelationID)
	}
	ctx, span := otel.StartSpan(ctx, r.cfg.Tracer, "agent.process",
		otel.AttrAgentID.String(string(r.agent.ID())),
		otel.AttrEnvelopeID.String(env.ID),
		otel.AttrTaskType.String(string(env.TaskType)),
	)
	defer span.End()

	r.active.Add(1)
	out := r.agent.Process(ctx, env)
	r.active.Add(-1)

	// Cancelled mid-flight: leave the envelope for redelivery.
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "cancelled")
		r.logger.Debug("processing cut short, envelope left in flight", "envelope_id", env.ID)
		return
	}

	if out.Err != nil {
		r.errors.Add(1)
		r.streak.Add(1)
		r.setLastError(out.Err)
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
		r.logger.WarnContext(ctx, "processing failed", "envelope_id", env.ID, "task_type", string(env.TaskType), "attempt", env.Attempt, "error", out.Err)
		if err := r.bus.Nack(ctx, r.agent.ID(), env.ID, out.Err.Error()); err != nil {
			r.setLastError(err)
		}
		return
	}

	r.processed.Add(1)
	r.streak.Store(0)
	if err := r.bus.Acknowledge(r.agent.ID(), env.ID); err != nil {
		r.setLastError(err)
	}
	for _, f := range out.FollowUps {
		if f.From == "" {
			f.From = r.agent.ID()
		}
		if err := r.bus.Publish(ctx, f); err != nil {
			r.setLastError(err)
			r.logger.WarnContext(ctx, "follow-up not published", "to", string(f.To), "task_type", string(f.TaskType), "error", err)
		}
	}
}

func (r *Runner) sendHeartbeat(ctx context.Context) {
	if r.agent.ID() == r.cfg.Supervisor || !r.bus.Registered(r.cfg.Supervisor) {
		return
	}
	env, err := bus.NewEnvelope(r.agent.ID(), r.cfg.Supervisor, bus.Heartbeat, bus.Low, r.Heartbeat())
	if err != nil {
		r.setLastError(err)
		return
	}
	if err := r.bus.Publish(ctx, env); err != nil {
		r.logger.Debug("heartbeat not delivered", "error", err)
	}
}

// Heartbeat builds the report sent to the supervisor.
func (r *Runner) Heartbeat() HeartbeatReport {
	st := r.Status()
	return HeartbeatReport{
		Agent:     st.Agent,
		State:     st.State,
		Processed: st.Processed,
		Errors:    st.Errors,
		Active:    st.Active,
		LastError: st.LastError,
		At:        r.cfg.Now().UTC(),
	}
}

func (r *Runner) Status() Status {
	st := Status{
		Agent:     r.agent.ID(),
		State:     r.state(),
		Processed: r.processed.Load(),
		Errors:    r.errors.Load(),
		Active:    r.active.Load(),
	}
	if p := r.lastError.Load(); p != nil {
		st.LastError = *p
	}
	return st
}

func (r *Runner) state() string {
	switch n := r.streak.Load(); {
	case r.stopped.Load():
		return StateStopped
	case n >= errorStreak:
		return StateError
	case n > 0:
		return StateDegraded
	default:
		return StateHealthy
	}
}

func (r *Runner) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	r.lastError.Store(&msg)
}
