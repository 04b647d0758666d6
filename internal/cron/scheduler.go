// Package cron fires named jobs on cron schedules: risk window resets,
// the daily supervisor report, snapshot persistence and retention.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is a named unit of scheduled work.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context, now time.Time) error
}

// KV persists the last run of each job so a boundary missed while the
// process was down fires once on the next start.
type KV interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Jobs     []Job
	KV       KV // optional
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

type entry struct {
	job      Job
	schedule cronlib.Schedule
	next     time.Time
	last     time.Time
	runs     int64
	failures int64
}

// JobStatus describes one scheduled job.
type JobStatus struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Next     time.Time `json:"next_run_at"`
	Last     time.Time `json:"last_run_at,omitzero"`
	Runs     int64     `json:"runs"`
	Failures int64     `json:"failures"`
}

// Scheduler periodically checks its jobs and fires the ones that are due.
type Scheduler struct {
	kv       KV
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry
	loaded  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every job spec and creates a Scheduler. Jobs
// with an empty spec are skipped.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &Scheduler{
		kv:       cfg.KV,
		logger:   logger,
		interval: interval,
		now:      now,
	}
	seen := make(map[string]bool, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		if j.Name == "" || j.Run == nil {
			return nil, fmt.Errorf("cron: job %q needs a name and a run func", j.Name)
		}
		if seen[j.Name] {
			return nil, fmt.Errorf("cron: duplicate job %q", j.Name)
		}
		seen[j.Name] = true
		// An empty spec disables the job.
		if j.Spec == "" {
			logger.Info("cron job disabled", "job", j.Name)
			continue
		}
		sched, err := cronParser.Parse(j.Spec)
		if err != nil {
			return nil, fmt.Errorf("cron: job %s: %w", j.Name, err)
		}
		s.entries = append(s.entries, &entry{job: j, schedule: sched})
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue fires every job whose next run time has passed and reports how
// many ran. Jobs run sequentially in registration order.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now()
	s.load(ctx, now)

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !now.Before(e.next) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e, now)
	}
	return len(due)
}

// load seeds next run times, from the persisted last run when there is one.
func (s *Scheduler) load(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return
	}
	s.loaded = true
	for _, e := range s.entries {
		from := now
		if last, ok := s.lastRun(ctx, e.job.Name); ok {
			e.last = last
			from = last
		}
		e.next = e.schedule.Next(from)
	}
}

func (s *Scheduler) lastRun(ctx context.Context, name string) (time.Time, bool) {
	if s.kv == nil {
		return time.Time{}, false
	}
	v, err := s.kv.KVGet(ctx, lastRunKey(name))
	if err != nil || v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		s.logger.Warn("cron: ignoring unreadable last run", "job", name, "value", v)
		return time.Time{}, false
	}
	return t, true
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	err := e.job.Run(ctx, now)

	s.mu.Lock()
	e.runs++
	e.last = now
	e.next = e.schedule.Next(now)
	next := e.next
	if err != nil {
		e.failures++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron: job failed",
			"job", e.job.Name,
			"error", err,
			"next_run_at", next,
		)
	} else {
		s.logger.Info("cron: job fired",
			"job", e.job.Name,
			"next_run_at", next,
		)
	}

	if s.kv != nil {
		if err := s.kv.KVSet(ctx, lastRunKey(e.job.Name), now.UTC().Format(time.RFC3339Nano)); err != nil {
			s.logger.Error("cron: failed to persist last run",
				"job", e.job.Name,
				"error", err,
			)
		}
	}
}

// Jobs lists the scheduled jobs in registration order.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, JobStatus{
			Name:     e.job.Name,
			Spec:     e.job.Spec,
			Next:     e.next,
			Last:     e.last,
			Runs:     e.runs,
			Failures: e.failures,
		})
	}
	return out
}

func lastRunKey(name string) string { return "cron.last_run." + name }

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// ValidSpec reports whether expr parses as a 5-field cron expression.
func ValidSpec(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}
