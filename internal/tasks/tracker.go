// Package tasks tracks the lifecycle of units of work flowing through the
// agent pipeline: state machine, ownership, dependencies and an
// append-only history per task.
package tasks

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/events"
	"github.com/basket/mission-control/internal/otel"
)

// HistoryEntry is one recorded state change.
type HistoryEntry struct {
	State  State       `json:"state"`
	Agent  bus.AgentID `json:"agent"`
	At     time.Time   `json:"at"`
	Reason string      `json:"reason,omitempty"`
	Forced bool        `json:"forced,omitempty"`
}

// Task is a snapshot of a tracked unit of work.
type Task struct {
	ID           string         `json:"id"`
	Origin       bus.AgentID    `json:"origin"`
	Owner        bus.AgentID    `json:"owner"`
	Kind         bus.TaskType   `json:"kind"`
	State        State          `json:"state"`
	Dependencies []string       `json:"dependencies,omitempty"`
	History      []HistoryEntry `json:"history"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (t *Task) snapshot() Task {
	out := *t
	out.Dependencies = slices.Clone(t.Dependencies)
	out.History = slices.Clone(t.History)
	return out
}

// Archiver durably stores terminal tasks.
type Archiver interface {
	ArchiveTask(ctx context.Context, t Task) error
}

// Config wires a Tracker. All fields are optional.
type Config struct {
	Now      func() time.Time
	Logger   *slog.Logger
	Events   *events.Bus
	Metrics  *otel.Metrics
	Archiver Archiver
}

// Tracker owns every live task and the in-memory archive of terminal ones.
type Tracker struct {
	now      func() time.Time
	logger   *slog.Logger
	events   *events.Bus
	metrics  *otel.Metrics
	archiver Archiver

	mu      sync.RWMutex
	live    map[string]*Task
	archive map[string]*Task
	lastAt  time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker(cfg Config) *Tracker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		now:      now,
		logger:   logger.With("component", "tasks"),
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		archiver: cfg.Archiver,
		live:     make(map[string]*Task),
		archive:  make(map[string]*Task),
	}
}

// stamp returns a time strictly after every previously recorded entry.
// Caller holds t.mu.
func (t *Tracker) stamp() time.Time {
	at := t.now().UTC()
	if !at.After(t.lastAt) {
		at = t.lastAt.Add(time.Nanosecond)
	}
	t.lastAt = at
	return at
}

func (t *Tracker) lookup(id string) (*Task, bool) {
	if task, ok := t.live[id]; ok {
		return task, true
	}
	task, ok := t.archive[id]
	return task, ok
}

// CreateTask registers a new PENDING task owned by origin. Every dependency
// must already be known.
func (t *Tracker) CreateTask(ctx context.Context, origin bus.AgentID, kind bus.TaskType, deps ...string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("create task: %w: %q", bus.ErrUnknownTaskType, kind)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]struct{}, len(deps))
	clean := make([]string, 0, len(deps))
	for _, dep := range deps {
		if _, ok := t.lookup(dep); !ok {
			return "", fmt.Errorf("create task: dependency %s: %w", dep, ErrUnknownTask)
		}
		if _, dup := seen[dep]; dup {
			continue
		}
		seen[dep] = struct{}{}
		clean = append(clean, dep)
	}

	at := t.stamp()
	task := &Task{
		ID:           uuid.NewString(),
		Origin:       origin,
		Owner:        origin,
		Kind:         kind,
		State:        Pending,
		Dependencies: clean,
		History:      []HistoryEntry{{State: Pending, Agent: origin, At: at, Reason: "created"}},
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	t.live[task.ID] = task
	t.metrics.Transitioned(ctx, string(Pending))
	t.events.Publish(events.TopicTaskTransition, events.TaskTransition{
		TaskID: task.ID,
		Kind:   string(kind),
		To:     string(Pending),
		Actor:  string(origin),
		Reason: "created",
	})
	t.logger.Debug("task created", "task_id", task.ID, "kind", kind, "origin", origin, "deps", len(clean))
	return task.ID, nil
}

// Transition moves task id to state to on behalf of actor.
func (t *Tracker) Transition(ctx context.Context, id string, to State, actor bus.AgentID, reason string) error {
	if !to.Valid() {
		return fmt.Errorf("transition %s: %w: %q", id, ErrUnknownState, to)
	}
	t.mu.Lock()
	snap, archived, err := t.transitionLocked(ctx, id, to, actor, reason, false)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if archived {
		t.archiveDurably(ctx, snap)
	}
	return nil
}

// ForceCancel cancels a non-terminal task from any state, including
// IN_PROGRESS, regardless of its owner. The entry is recorded as forced.
func (t *Tracker) ForceCancel(ctx context.Context, id string, actor bus.AgentID, reason string) error {
	t.mu.Lock()
	snap, _, err := t.transitionLocked(ctx, id, Cancelled, actor, reason, true)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.archiveDurably(ctx, snap)
	return nil
}

// CancelInProgress force-cancels every IN_PROGRESS task matching pred and
// returns their ids.
func (t *Tracker) CancelInProgress(ctx context.Context, pred func(Task) bool, actor bus.AgentID, reason string) []string {
	t.mu.Lock()
	var snaps []Task
	for id, task := range t.live {
		if task.State != InProgress {
			continue
		}
		if pred != nil && !pred(task.snapshot()) {
			continue
		}
		snap, _, err := t.transitionLocked(ctx, id, Cancelled, actor, reason, true)
		if err != nil {
			t.logger.Error("forced cancel failed", "task_id", id, "error", err)
			continue
		}
		snaps = append(snaps, snap)
	}
	t.mu.Unlock()

	ids := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		t.archiveDurably(ctx, snap)
		ids = append(ids, snap.ID)
	}
	slices.Sort(ids)
	return ids
}

// transitionLocked applies one state change. It returns the post-change
// snapshot and whether the task moved to the archive. Caller holds t.mu.
func (t *Tracker) transitionLocked(ctx context.Context, id string, to State, actor bus.AgentID, reason string, forced bool) (Task, bool, error) {
	task, ok := t.live[id]
	if !ok {
		if archived, ok := t.archive[id]; ok {
			return Task{}, false, &IllegalTransitionError{TaskID: id, From: archived.State, To: to, Cause: ErrTerminal}
		}
		return Task{}, false, fmt.Errorf("transition %s: %w", id, ErrUnknownTask)
	}
	from := task.State
	switch {
	case forced:
		if to != Cancelled {
			return Task{}, false, &IllegalTransitionError{TaskID: id, From: from, To: to}
		}
	case !CanTransition(from, to):
		return Task{}, false, &IllegalTransitionError{TaskID: id, From: from, To: to}
	case to == InProgress && !t.readyLocked(task):
		return Task{}, false, &IllegalTransitionError{TaskID: id, From: from, To: to, Cause: ErrDependenciesUnmet}
	}

	at := t.stamp()
	task.State = to
	task.Owner = actor
	task.UpdatedAt = at
	task.History = append(task.History, HistoryEntry{State: to, Agent: actor, At: at, Reason: reason, Forced: forced})

	archived := to.Terminal()
	if archived {
		delete(t.live, id)
		t.archive[id] = task
	}

	t.metrics.Transitioned(ctx, string(to))
	t.events.Publish(events.TopicTaskTransition, events.TaskTransition{
		TaskID: id,
		Kind:   string(task.Kind),
		From:   string(from),
		To:     string(to),
		Actor:  string(actor),
		Reason: reason,
		Forced: forced,
	})
	level := slog.LevelDebug
	if forced || to == Failed {
		level = slog.LevelInfo
	}
	t.logger.Log(ctx, level, "task transition",
		"task_id", id, "from", from, "to", to, "actor", actor, "reason", reason, "forced", forced)
	return task.snapshot(), archived, nil
}

func (t *Tracker) archiveDurably(ctx context.Context, snap Task) {
	if t.archiver == nil {
		return
	}
	if err := t.archiver.ArchiveTask(ctx, snap); err != nil {
		t.logger.Error("archive task failed", "task_id", snap.ID, "error", err)
	}
}

// Advance walks a task forward PENDING→WAITING_DEPENDENCY→IN_PROGRESS as
// far as its dependencies allow and returns the resulting state.
func (t *Tracker) Advance(ctx context.Context, id string, actor bus.AgentID) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.lookup(id)
	if !ok {
		return "", fmt.Errorf("advance %s: %w", id, ErrUnknownTask)
	}
	if task.State == Pending {
		if _, _, err := t.transitionLocked(ctx, id, WaitingDependency, actor, "advance", false); err != nil {
			return task.State, err
		}
	}
	if task.State == WaitingDependency && t.readyLocked(task) {
		if _, _, err := t.transitionLocked(ctx, id, InProgress, actor, "dependencies satisfied", false); err != nil {
			return task.State, err
		}
	}
	return task.State, nil
}

// AddDependency makes id depend on dep. An IN_PROGRESS task with a new
// unsatisfied dependency returns to WAITING_DEPENDENCY.
func (t *Tracker) AddDependency(ctx context.Context, id, dep string, actor bus.AgentID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.live[id]
	if !ok {
		if _, archived := t.archive[id]; archived {
			return fmt.Errorf("add dependency to %s: %w", id, ErrTerminal)
		}
		return fmt.Errorf("add dependency to %s: %w", id, ErrUnknownTask)
	}
	depTask, ok := t.lookup(dep)
	if !ok {
		return fmt.Errorf("add dependency %s: %w", dep, ErrUnknownTask)
	}
	if dep == id || t.reachableLocked(dep, id) {
		return fmt.Errorf("add dependency %s -> %s: %w", id, dep, ErrDependencyCycle)
	}
	if slices.Contains(task.Dependencies, dep) {
		return nil
	}
	task.Dependencies = append(task.Dependencies, dep)
	task.UpdatedAt = t.stamp()

	if task.State == InProgress && depTask.State != Completed {
		if _, _, err := t.transitionLocked(ctx, id, WaitingDependency, actor, "new dependency "+dep, false); err != nil {
			return err
		}
	}
	return nil
}

// reachableLocked reports whether target is reachable from start by
// following dependency edges.
func (t *Tracker) reachableLocked(start, target string) bool {
	stack := []string{start}
	visited := make(map[string]bool)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if task, ok := t.lookup(cur); ok {
			stack = append(stack, task.Dependencies...)
		}
	}
	return false
}

func (t *Tracker) readyLocked(task *Task) bool {
	for _, dep := range task.Dependencies {
		d, ok := t.lookup(dep)
		if !ok || d.State != Completed {
			return false
		}
	}
	return true
}

// Query returns a snapshot of task id, live or archived.
func (t *Tracker) Query(id string) (Task, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	task, ok := t.lookup(id)
	if !ok {
		return Task{}, false
	}
	return task.snapshot(), true
}

// Ready reports whether every dependency of id is COMPLETED.
func (t *Tracker) Ready(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	task, ok := t.lookup(id)
	return ok && t.readyLocked(task)
}

// BlockedByFailure returns the first dependency of id that ended FAILED or
// CANCELLED, so the task can never start.
func (t *Tracker) BlockedByFailure(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	task, ok := t.lookup(id)
	if !ok {
		return "", false
	}
	for _, dep := range task.Dependencies {
		if d, ok := t.lookup(dep); ok && (d.State == Failed || d.State == Cancelled) {
			return dep, true
		}
	}
	return "", false
}

// ListByState yields the ids of tasks currently in state, in lexical order.
// The set is captured when iteration starts.
func (t *Tracker) ListByState(state State) iter.Seq[string] {
	return func(yield func(string) bool) {
		t.mu.RLock()
		src := t.live
		if state.Terminal() {
			src = t.archive
		}
		var ids []string
		for id, task := range src {
			if task.State == state {
				ids = append(ids, id)
			}
		}
		t.mu.RUnlock()
		slices.Sort(ids)
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

// Counts returns the number of tasks per state.
func (t *Tracker) Counts() map[State]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[State]int, len(States))
	for _, task := range t.live {
		out[task.State]++
	}
	for _, task := range t.archive {
		out[task.State]++
	}
	return out
}

// PruneArchive drops archived tasks last updated before cutoff from memory,
// keeping any that a live task still depends on. Pruned tasks remain in
// the durable archive. It returns the number removed.
func (t *Tracker) PruneArchive(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	needed := make(map[string]struct{})
	for _, task := range t.live {
		for _, dep := range task.Dependencies {
			needed[dep] = struct{}{}
		}
	}
	n := 0
	for id, task := range t.archive {
		if _, keep := needed[id]; keep || !task.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(t.archive, id)
		n++
	}
	return n
}
