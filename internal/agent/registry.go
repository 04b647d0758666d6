package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/basket/mission-control/internal/bus"
)

// RunningAgent holds a started agent and its lifecycle state.
type RunningAgent struct {
	Agent     Agent
	Runner    *Runner
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	startedAt time.Time
}

// StartedAt is when the agent was started.
func (ra *RunningAgent) StartedAt() time.Time { return ra.startedAt }

// Err returns the error the runner exited with, nil while it runs.
func (ra *RunningAgent) Err() error {
	select {
	case <-ra.done:
		return ra.err
	default:
		return nil
	}
}

// Registry manages the lifecycle of the agents attached to one bus.
type Registry struct {
	mu     sync.RWMutex
	agents map[bus.AgentID]*RunningAgent
	bus    *bus.Bus
	cfg    RunnerConfig
	logger *slog.Logger
}

// NewRegistry creates a Registry whose runners share cfg.
func NewRegistry(b *bus.Bus, cfg RunnerConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[bus.AgentID]*RunningAgent),
		bus:    b,
		cfg:    cfg,
		logger: logger,
	}
}

// Start registers a's queue on the bus, subscribes it to the control
// broadcasts and starts its runner.
func (r *Registry) Start(ctx context.Context, a Agent) error {
	id := a.ID()
	if id == "" {
		return fmt.Errorf("agent id must be non-empty")
	}

	r.mu.RLock()
	_, exists := r.agents[id]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("agent %q already running", id)
	}

	if !r.bus.Registered(id) {
		if err := r.bus.Register(id, a.Accepts()...); err != nil {
			return fmt.Errorf("start agent %s: %w", id, err)
		}
	}
	if err := r.bus.Subscribe(id, bus.EmergencyStop, bus.SystemShutdown); err != nil {
		return fmt.Errorf("start agent %s: %w", id, err)
	}

	// Re-check under write lock to prevent a race between concurrent Start
	// calls for the same id.
	r.mu.Lock()
	if _, dup := r.agents[id]; dup {
		r.mu.Unlock()
		return fmt.Errorf("agent %q already running (concurrent start)", id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	ra := &RunningAgent{
		Agent:     a,
		Runner:    NewRunner(a, r.bus, r.cfg),
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	r.agents[id] = ra
	r.mu.Unlock()

	go func() {
		defer close(ra.done)
		if err := ra.Runner.Run(runCtx); err != nil {
			ra.err = err
			r.logger.Error("agent runner exited", "agent_id", string(id), "error", err)
		}
	}()

	r.logger.Info("agent started", "agent_id", string(id), "accepts", len(a.Accepts()))
	return nil
}

// Stop cancels an agent's runner and waits up to drainTimeout for it to
// exit. Its bus queue stays registered so in-flight envelopes are
// redelivered if it is started again.
func (r *Registry) Stop(agentID bus.AgentID, drainTimeout time.Duration) error {
	r.mu.Lock()
	ra, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("agent %q not found", agentID)
	}
	delete(r.agents, agentID)
	r.mu.Unlock()

	ra.cancel()
	if !waitDone(ra.done, drainTimeout) {
		r.logger.Warn("agent drain timeout", "agent_id", string(agentID), "timeout", drainTimeout)
	}
	r.logger.Info("agent stopped", "agent_id", string(agentID))
	return nil
}

// Get returns a running agent by id, or nil if not found.
func (r *Registry) Get(agentID bus.AgentID) *RunningAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID]
}

// List returns the status of every running agent ordered by id.
func (r *Registry) List() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Runner.Status())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(x, y Status) int { return strings.Compare(string(x.Agent), string(y.Agent)) })
	return out
}

// DrainAll cancels and drains all running agents in parallel.
func (r *Registry) DrainAll(timeout time.Duration) {
	r.mu.Lock()
	agents := make([]*RunningAgent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	clear(r.agents)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func(ra *RunningAgent) {
			defer wg.Done()
			ra.cancel()
			if !waitDone(ra.done, timeout) {
				r.logger.Warn("agent drain timeout", "agent_id", string(ra.Agent.ID()), "timeout", timeout)
			}
		}(a)
	}
	wg.Wait()
}

// Wait blocks until every running agent exits on its own, for example
// after a SYSTEM_SHUTDOWN broadcast, or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	r.mu.RLock()
	dones := make([]chan struct{}, 0, len(r.agents))
	for _, a := range r.agents {
		dones = append(dones, a.done)
	}
	r.mu.RUnlock()
	for _, d := range dones {
		select {
		case <-d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
