// Package bus routes typed, prioritized envelopes between agents. Each agent
// owns one priority queue; the bus tracks deliveries that require an
// acknowledgment, retries them on nack or timeout, and moves envelopes that
// cannot be delivered to a dead-letter queue instead of failing the
// publisher.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/basket/mission-control/internal/events"
	"github.com/basket/mission-control/internal/otel"
)

const (
	defaultMaxAttempts    = 3
	defaultAckTimeout     = 30 * time.Second
	defaultSweepInterval  = 500 * time.Millisecond
	defaultHoldInterval   = 5 * time.Second
	defaultMaxHolds       = 12
	defaultMaxQueueDepth  = 1000
	defaultMaxDeadLetters = 1000
)

var (
	ErrUnknownRecipient    = errors.New("unknown recipient")
	ErrAgentExists         = errors.New("agent already registered")
	ErrTaskTypeNotAccepted = errors.New("task type not accepted by recipient")
)

// Dead-letter reason codes.
const (
	CodeDeliveryExhausted = "DELIVERY_EXHAUSTED"
	CodeDeadlineExceeded  = "DEADLINE_EXCEEDED"
	CodeHoldExpired       = "HOLD_EXPIRED"
	CodeQueueOverflow     = "QUEUE_OVERFLOW"
	CodeNoRiskGate        = "NO_RISK_GATE"
	CodeRecipientRemoved  = "RECIPIENT_REMOVED"
)

// DeadLetter is an envelope the bus gave up on.
type DeadLetter struct {
	Envelope Envelope  `json:"envelope"`
	Agent    AgentID   `json:"agent"`
	Code     string    `json:"code"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Action is a gate's instruction for one execution-class delivery.
type Action int

const (
	Deliver Action = iota
	Hold
	Reject
)

// Verdict is the result of screening an envelope.
type Verdict struct {
	Action Action
	Reason string
}

// Gate screens execution-class envelopes before they are handed to a
// consumer. Screen is called without any queue lock held.
type Gate interface {
	Screen(ctx context.Context, env Envelope) Verdict
}

// Releaser is implemented by gates that hold state for envelopes they let
// through. Release is called once for every execution-class envelope that
// ends in the dead-letter queue, after the bus has dropped its locks.
type Releaser interface {
	Release(ctx context.Context, env Envelope, code string)
}

// Config tunes delivery. Zero values take the defaults.
type Config struct {
	MaxAttempts    int
	AckTimeout     time.Duration
	SweepInterval  time.Duration
	HoldInterval   time.Duration
	MaxHolds       int
	MaxQueueDepth  int
	MaxDeadLetters int

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Events  *events.Bus
}

// Stats are monotonically increasing delivery counters.
type Stats struct {
	Published    uint64 `json:"published"`
	Delivered    uint64 `json:"delivered"`
	Retried      uint64 `json:"retried"`
	DeadLettered uint64 `json:"dead_lettered"`
	Rejected     uint64 `json:"rejected"`
	Held         uint64 `json:"held"`
}

// Status is the administrative snapshot of the bus.
type Status struct {
	Queues             []QueueDepth `json:"queues"`
	DeadLetters        int          `json:"dead_letters"`
	DroppedDeadLetters int64        `json:"dropped_dead_letters"`
	Stats              Stats        `json:"stats"`
}

// Bus owns every agent queue and the broadcast subscription table.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	// mu guards the queue map, the subscription table and the gate. It is
	// never held while a consumer is served.
	mu     sync.RWMutex
	queues map[AgentID]*queue
	subs   map[TaskType]map[AgentID]struct{}
	gate   Gate

	dlMu      sync.Mutex
	dead      []DeadLetter
	dlDropped int64
	// releases are execution-class dead letters not yet handed to the gate.
	releases []DeadLetter

	seq          atomic.Uint64
	published    atomic.Uint64
	delivered    atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	rejected     atomic.Uint64
	held         atomic.Uint64

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Bus.
func New(cfg Config) *Bus {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.HoldInterval <= 0 {
		cfg.HoldInterval = defaultHoldInterval
	}
	if cfg.MaxHolds <= 0 {
		cfg.MaxHolds = defaultMaxHolds
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = defaultMaxQueueDepth
	}
	if cfg.MaxDeadLetters <= 0 {
		cfg.MaxDeadLetters = defaultMaxDeadLetters
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		cfg:    cfg,
		logger: logger.With("component", "bus"),
		queues: make(map[AgentID]*queue),
		subs:   make(map[TaskType]map[AgentID]struct{}),
	}
}

// SetGate installs the screen for execution-class envelopes.
func (b *Bus) SetGate(g Gate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = g
}

func (b *Bus) currentGate() Gate {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.gate
}

// MaxAttempts is the configured delivery bound.
func (b *Bus) MaxAttempts() int { return b.cfg.MaxAttempts }

// Register creates the queue for agent. Every accepted task type must be in
// the closed set.
func (b *Bus) Register(agent AgentID, accepts ...TaskType) error {
	if agent == "" || agent == Broadcast {
		return fmt.Errorf("register: invalid agent id %q", agent)
	}
	for _, tt := range accepts {
		if !tt.Valid() {
			return fmt.Errorf("register %s: %w: %q", agent, ErrUnknownTaskType, tt)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[agent]; ok {
		return fmt.Errorf("register %s: %w", agent, ErrAgentExists)
	}
	b.queues[agent] = newQueue(agent, accepts)
	b.logger.Info("agent registered", "agent", agent, "accepts", len(accepts))
	return nil
}

// Unregister removes agent's queue. Anything still queued, held or in
// flight is dead-lettered.
func (b *Bus) Unregister(ctx context.Context, agent AgentID) error {
	defer b.releaseDead(ctx)
	b.mu.Lock()
	q, ok := b.queues[agent]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("unregister %s: %w", agent, ErrUnknownRecipient)
	}
	delete(b.queues, agent)
	for _, set := range b.subs {
		delete(set, agent)
	}
	b.mu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	for it := q.pop(); it != nil; it = q.pop() {
		b.deadLetter(ctx, agent, it.env, CodeRecipientRemoved, "recipient unregistered")
	}
	for id, it := range q.inflight {
		delete(q.inflight, id)
		b.deadLetter(ctx, agent, it.env, CodeRecipientRemoved, "recipient unregistered while in flight")
	}
	for id, it := range q.held {
		delete(q.held, id)
		b.deadLetter(ctx, agent, it.env, CodeRecipientRemoved, "recipient unregistered while held")
	}
	return nil
}

// Subscribe registers broadcast interest for agent. Idempotent. Subscribed
// types are also accepted for direct delivery.
func (b *Bus) Subscribe(agent AgentID, taskTypes ...TaskType) error {
	for _, tt := range taskTypes {
		if !tt.Valid() {
			return fmt.Errorf("subscribe %s: %w: %q", agent, ErrUnknownTaskType, tt)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[agent]
	if !ok {
		return fmt.Errorf("subscribe %s: %w", agent, ErrUnknownRecipient)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, tt := range taskTypes {
		set := b.subs[tt]
		if set == nil {
			set = make(map[AgentID]struct{})
			b.subs[tt] = set
		}
		set[agent] = struct{}{}
		q.accepts[tt] = struct{}{}
	}
	return nil
}

// Agents lists registered agents in lexical order.
func (b *Bus) Agents() []AgentID {
	b.mu.RLock()
	out := make([]AgentID, 0, len(b.queues))
	for id := range b.queues {
		out = append(out, id)
	}
	b.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Registered reports whether agent has a queue.
func (b *Bus) Registered(agent AgentID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.queues[agent]
	return ok
}

// Accepts lists the task types agent takes for direct delivery, sorted.
func (b *Bus) Accepts(agent AgentID) []TaskType {
	q, err := b.queue(agent)
	if err != nil {
		return nil
	}
	q.mu.Lock()
	out := make([]TaskType, 0, len(q.accepts))
	for tt := range q.accepts {
		out = append(out, tt)
	}
	q.mu.Unlock()
	slices.Sort(out)
	return out
}

func (b *Bus) queue(agent AgentID) (*queue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[agent]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agent, ErrUnknownRecipient)
	}
	return q, nil
}

// Publish enqueues env for its recipient, or for every subscriber of its
// task type when addressed to Broadcast. Only an unknown recipient, an
// unaccepted task type or a malformed envelope is reported; every delivery
// failure after that point ends in the dead-letter queue.
func (b *Bus) Publish(ctx context.Context, env Envelope) error {
	if !env.TaskType.Valid() {
		return fmt.Errorf("publish: %w: %q", ErrUnknownTaskType, env.TaskType)
	}
	if !env.Priority.Valid() {
		return fmt.Errorf("publish %s: %w: %d", env.TaskType, ErrUnknownPriority, int(env.Priority))
	}
	defer b.releaseDead(ctx)
	now := b.cfg.Now()
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	if env.Attempt <= 0 {
		env.Attempt = 1
	}
	env = env.clone()

	targets, err := b.resolve(env)
	if err != nil {
		return err
	}
	b.published.Add(1)
	b.cfg.Metrics.Published(ctx, string(env.TaskType), env.Priority.String())
	if len(targets) == 0 {
		if env.Expired(now) {
			b.deadLetter(ctx, Broadcast, env, CodeDeadlineExceeded, "deadline passed before broadcast")
			return nil
		}
		b.logger.Debug("broadcast without subscribers", "task_type", env.TaskType, "envelope_id", env.ID)
	}
	for _, q := range targets {
		b.enqueue(ctx, q, env, now)
	}
	return nil
}

func (b *Bus) resolve(env Envelope) ([]*queue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if env.To == Broadcast {
		set := b.subs[env.TaskType]
		out := make([]*queue, 0, len(set))
		for id := range set {
			if q, ok := b.queues[id]; ok {
				out = append(out, q)
			}
		}
		return out, nil
	}
	q, ok := b.queues[env.To]
	if !ok {
		return nil, fmt.Errorf("publish %s to %s: %w", env.TaskType, env.To, ErrUnknownRecipient)
	}
	if !q.accepting(env.TaskType) {
		return nil, fmt.Errorf("publish %s to %s: %w", env.TaskType, env.To, ErrTaskTypeNotAccepted)
	}
	return []*queue{q}, nil
}

func (b *Bus) enqueue(ctx context.Context, q *queue, env Envelope, now time.Time) {
	if env.Expired(now) {
		b.deadLetter(ctx, q.agent, env, CodeDeadlineExceeded, "deadline passed before enqueue")
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	// CRITICAL traffic is never shed.
	if env.Priority != Critical && len(q.pending) >= b.cfg.MaxQueueDepth {
		b.deadLetter(ctx, q.agent, env, CodeQueueOverflow, fmt.Sprintf("queue depth %d reached", b.cfg.MaxQueueDepth))
		return
	}
	q.push(&item{env: env, seq: b.seq.Add(1), enqueuedAt: now})
}

// FetchNext returns the highest-priority, oldest deliverable envelope for
// agent without blocking. Expired envelopes met on the way are
// dead-lettered; execution-class envelopes are screened by the gate first.
func (b *Bus) FetchNext(ctx context.Context, agent AgentID) (Envelope, bool, error) {
	q, err := b.queue(agent)
	if err != nil {
		return Envelope{}, false, err
	}
	defer b.releaseDead(ctx)
	for {
		now := b.cfg.Now()
		q.mu.Lock()
		it := q.pop()
		q.mu.Unlock()
		if it == nil {
			return Envelope{}, false, nil
		}
		if it.env.Expired(now) {
			b.deadLetter(ctx, agent, it.env, CodeDeadlineExceeded, "deadline passed before delivery")
			continue
		}
		if it.env.TaskType.ExecutionClass() && !b.screen(ctx, q, it, now) {
			continue
		}
		if it.env.RequiresAck {
			q.mu.Lock()
			q.inflight[it.env.ID] = it
			q.mu.Unlock()
		}
		b.delivered.Add(1)
		b.cfg.Metrics.Delivered(ctx, string(it.env.TaskType), now.Sub(it.enqueuedAt))
		return it.env.clone(), true, nil
	}
}

// screen runs the gate for an execution-class item popped from q. It
// reports whether the item may be delivered now.
func (b *Bus) screen(ctx context.Context, q *queue, it *item, now time.Time) bool {
	gate := b.currentGate()
	if gate == nil {
		b.deadLetter(ctx, q.agent, it.env, CodeNoRiskGate, "execution-class envelope with no risk gate installed")
		return false
	}
	v := gate.Screen(ctx, it.env.clone())
	switch v.Action {
	case Deliver:
		return true
	case Hold:
		it.holds++
		if it.holds > b.cfg.MaxHolds {
			b.deadLetter(ctx, q.agent, it.env, CodeHoldExpired, fmt.Sprintf("held %d times: %s", it.holds-1, v.Reason))
			return false
		}
		it.heldUntil = now.Add(b.cfg.HoldInterval)
		q.mu.Lock()
		q.held[it.env.ID] = it
		q.mu.Unlock()
		b.held.Add(1)
		b.logger.Debug("execution envelope held", "envelope_id", it.env.ID, "agent", q.agent, "reason", v.Reason, "holds", it.holds)
		return false
	default:
		b.rejected.Add(1)
		b.logger.Info("execution envelope rejected by risk gate", "envelope_id", it.env.ID, "agent", q.agent, "reason", v.Reason)
		return false
	}
}

// Next blocks up to wait for a deliverable envelope. It returns
// ctx.Err() when the context ends first.
func (b *Bus) Next(ctx context.Context, agent AgentID, wait time.Duration) (Envelope, bool, error) {
	q, err := b.queue(agent)
	if err != nil {
		return Envelope{}, false, err
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		env, ok, err := b.FetchNext(ctx, agent)
		if err != nil || ok {
			return env, ok, err
		}
		select {
		case <-ctx.Done():
			return Envelope{}, false, ctx.Err()
		case <-timer.C:
			return Envelope{}, false, nil
		case <-q.notify:
		}
	}
}

// Acknowledge marks envelopeID as processed by agent. Acknowledging an
// envelope that is not in flight has no effect.
func (b *Bus) Acknowledge(agent AgentID, envelopeID string) error {
	q, err := b.queue(agent)
	if err != nil {
		return err
	}
	q.mu.Lock()
	delete(q.inflight, envelopeID)
	q.mu.Unlock()
	return nil
}

// Nack reports a failed processing attempt; the envelope is retried at once
// or dead-lettered when its attempts are used up.
func (b *Bus) Nack(ctx context.Context, agent AgentID, envelopeID, reason string) error {
	q, err := b.queue(agent)
	if err != nil {
		return err
	}
	defer b.releaseDead(ctx)
	now := b.cfg.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.inflight[envelopeID]
	if !ok {
		return nil
	}
	delete(q.inflight, envelopeID)
	b.retryLocked(ctx, q, it, now, "nack: "+reason)
	return nil
}

// retryLocked re-enqueues it with one more attempt, or dead-letters it.
// Caller holds q.mu.
func (b *Bus) retryLocked(ctx context.Context, q *queue, it *item, now time.Time, reason string) {
	if it.env.Expired(now) {
		b.deadLetter(ctx, q.agent, it.env, CodeDeadlineExceeded, "deadline passed before redelivery")
		return
	}
	if it.env.Attempt >= b.cfg.MaxAttempts {
		b.deadLetter(ctx, q.agent, it.env, CodeDeliveryExhausted,
			fmt.Sprintf("%d attempts exhausted: %s", it.env.Attempt, reason))
		return
	}
	it.env.Attempt++
	it.enqueuedAt = now
	it.seq = b.seq.Add(1)
	q.push(it)
	b.retried.Add(1)
	b.cfg.Metrics.Retried(ctx, string(it.env.TaskType))
	b.logger.Debug("envelope retried", "envelope_id", it.env.ID, "agent", q.agent, "attempt", it.env.Attempt, "reason", reason)
}

// Sweep applies ack timeouts, deadlines and hold releases as of now.
func (b *Bus) Sweep(ctx context.Context, now time.Time) {
	defer b.releaseDead(ctx)
	b.mu.RLock()
	queues := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.RUnlock()

	for _, q := range queues {
		b.sweepQueue(ctx, q, now)
	}
}

func (b *Bus) sweepQueue(ctx context.Context, q *queue, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, it := range q.inflight {
		switch {
		case it.env.Expired(now):
			delete(q.inflight, id)
			b.deadLetter(ctx, q.agent, it.env, CodeDeadlineExceeded, "deadline passed while in flight")
		case now.Sub(it.enqueuedAt) >= b.cfg.AckTimeout:
			delete(q.inflight, id)
			b.retryLocked(ctx, q, it, now, "ack timeout")
		}
	}

	var due []*item
	for _, it := range q.pending {
		if it.env.Expired(now) || (it.env.RequiresAck && now.Sub(it.enqueuedAt) >= b.cfg.AckTimeout) {
			due = append(due, it)
		}
	}
	for _, it := range due {
		q.remove(it)
		if it.env.Expired(now) {
			b.deadLetter(ctx, q.agent, it.env, CodeDeadlineExceeded, "deadline passed while queued")
			continue
		}
		b.retryLocked(ctx, q, it, now, "ack timeout while queued")
	}

	for id, it := range q.held {
		if it.env.Expired(now) {
			delete(q.held, id)
			b.deadLetter(ctx, q.agent, it.env, CodeDeadlineExceeded, "deadline passed while held")
			continue
		}
		if !now.Before(it.heldUntil) {
			delete(q.held, id)
			q.push(it)
		}
	}
}

// Start runs the sweeper until ctx ends or Stop is called.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		ctx, b.cancel = context.WithCancel(ctx)
		b.wg.Add(1)
		go b.sweepLoop(ctx)
	})
}

// Stop halts the sweeper and waits for it to exit.
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *Bus) sweepLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep(ctx, b.cfg.Now())
		}
	}
}

func (b *Bus) deadLetter(ctx context.Context, agent AgentID, env Envelope, code, reason string) {
	dl := DeadLetter{Envelope: env.clone(), Agent: agent, Code: code, Reason: reason, At: b.cfg.Now()}

	b.dlMu.Lock()
	b.dead = append(b.dead, dl)
	if over := len(b.dead) - b.cfg.MaxDeadLetters; over > 0 {
		b.dead = append([]DeadLetter(nil), b.dead[over:]...)
		b.dlDropped += int64(over)
	}
	if env.TaskType.ExecutionClass() {
		b.releases = append(b.releases, dl)
	}
	b.dlMu.Unlock()

	b.deadLettered.Add(1)
	b.cfg.Metrics.DeadLettered(ctx, string(env.TaskType), code)
	b.cfg.Events.Publish(events.TopicBusDeadLetter, events.DeadLetter{
		EnvelopeID: env.ID,
		From:       string(env.From),
		To:         string(agent),
		TaskType:   string(env.TaskType),
		Attempt:    env.Attempt,
		Code:       code,
		Reason:     reason,
	})
	b.logger.Warn("envelope dead-lettered",
		"envelope_id", env.ID,
		"agent", agent,
		"task_type", env.TaskType,
		"attempt", env.Attempt,
		"code", code,
		"reason", reason,
	)
}

// releaseDead hands pending execution-class dead letters to the gate. It is
// deferred by every entry point that can dead-letter and runs once no bus
// lock is held.
func (b *Bus) releaseDead(ctx context.Context) {
	b.dlMu.Lock()
	pending := b.releases
	b.releases = nil
	b.dlMu.Unlock()
	if len(pending) == 0 {
		return
	}
	r, ok := b.currentGate().(Releaser)
	if !ok {
		return
	}
	for _, dl := range pending {
		r.Release(ctx, dl.Envelope.clone(), dl.Code)
	}
}

// DrainDeadLetters returns and clears the dead-letter queue.
func (b *Bus) DrainDeadLetters() []DeadLetter {
	b.dlMu.Lock()
	defer b.dlMu.Unlock()
	out := b.dead
	b.dead = nil
	return out
}

// DeadLetterCount is the number of dead letters awaiting a drain.
func (b *Bus) DeadLetterCount() int {
	b.dlMu.Lock()
	defer b.dlMu.Unlock()
	return len(b.dead)
}

// Status returns queue depths, dead-letter count and counters.
func (b *Bus) Status() Status {
	b.mu.RLock()
	queues := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.RUnlock()

	st := Status{Queues: make([]QueueDepth, 0, len(queues))}
	for _, q := range queues {
		st.Queues = append(st.Queues, q.depth())
	}
	slices.SortFunc(st.Queues, func(x, y QueueDepth) int {
		return strings.Compare(string(x.Agent), string(y.Agent))
	})

	b.dlMu.Lock()
	st.DeadLetters = len(b.dead)
	st.DroppedDeadLetters = b.dlDropped
	b.dlMu.Unlock()

	st.Stats = Stats{
		Published:    b.published.Load(),
		Delivered:    b.delivered.Load(),
		Retried:      b.retried.Load(),
		DeadLettered: b.deadLettered.Load(),
		Rejected:     b.rejected.Load(),
		Held:         b.held.Load(),
	}
	return st
}

// Depths maps each agent to its pending depth, for the queue gauge.
func (b *Bus) Depths() map[string]int64 {
	st := b.Status()
	out := make(map[string]int64, len(st.Queues))
	for _, d := range st.Queues {
		out[string(d.Agent)] = int64(d.Pending)
	}
	return out
}
