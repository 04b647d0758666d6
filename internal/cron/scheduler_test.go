package cron_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/mission-control/internal/cron"
	"github.com/basket/mission-control/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "missionctl.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func counter(name, spec string, n *atomic.Int64) cron.Job {
	return cron.Job{Name: name, Spec: spec, Run: func(context.Context, time.Time) error {
		n.Add(1)
		return nil
	}}
}

func TestNewScheduler_Validation(t *testing.T) {
	noop := func(context.Context, time.Time) error { return nil }
	tests := []struct {
		name string
		jobs []cron.Job
	}{
		{"bad spec", []cron.Job{{Name: "x", Spec: "every day", Run: noop}}},
		{"six fields", []cron.Job{{Name: "x", Spec: "0 0 0 * * *", Run: noop}}},
		{"no name", []cron.Job{{Spec: "* * * * *", Run: noop}}},
		{"no run", []cron.Job{{Name: "x", Spec: "* * * * *"}}},
		{"duplicate", []cron.Job{{Name: "x", Spec: "* * * * *", Run: noop}, {Name: "x", Spec: "0 * * * *", Run: noop}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := cron.NewScheduler(cron.Config{Jobs: tt.jobs}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewScheduler_EmptySpecDisablesJob(t *testing.T) {
	noop := func(context.Context, time.Time) error { return nil }
	s, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{
		{Name: "off", Run: noop},
		{Name: "on", Spec: "0 * * * *", Run: noop},
	}})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Name != "on" {
		t.Fatalf("jobs = %+v, want only the enabled job", jobs)
	}
}

func TestScheduler_FiresOnBoundary(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC)}
	var n atomic.Int64
	sched, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{counter("daily", "0 0 * * *", &n)},
		Now:  clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx := context.Background()

	if got := sched.RunDue(ctx); got != 0 {
		t.Fatalf("fired %d jobs before midnight", got)
	}
	clock.Set(time.Date(2026, 3, 3, 0, 0, 30, 0, time.UTC))
	if got := sched.RunDue(ctx); got != 1 || n.Load() != 1 {
		t.Fatalf("fired %d jobs at midnight, counter %d", got, n.Load())
	}
	if got := sched.RunDue(ctx); got != 0 {
		t.Fatalf("fired twice in the same window")
	}

	st := sched.Jobs()[0]
	if st.Runs != 1 || !st.Next.Equal(time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected job status: %+v", st)
	}
}

func TestScheduler_FailuresCounted(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	sched, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{{Name: "boom", Spec: "* * * * *", Run: func(context.Context, time.Time) error {
			return errors.New("boom")
		}}},
		Now: clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.RunDue(context.Background())
	clock.Set(clock.Now().Add(time.Minute))
	sched.RunDue(context.Background())
	if st := sched.Jobs()[0]; st.Runs != 1 || st.Failures != 1 {
		t.Fatalf("unexpected job status: %+v", st)
	}
}

func TestScheduler_CatchesUpMissedBoundary(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Last ran before yesterday's midnight reset; the process was down
	// across today's boundary.
	if err := store.KVSet(ctx, "cron.last_run.daily", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("seed last run: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	var n atomic.Int64
	sched, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{counter("daily", "0 0 * * *", &n)},
		KV:   store,
		Now:  clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if got := sched.RunDue(ctx); got != 1 {
		t.Fatalf("missed boundary not caught up, fired %d", got)
	}

	last, err := store.KVGet(ctx, "cron.last_run.daily")
	if err != nil {
		t.Fatalf("kv get: %v", err)
	}
	if last != clock.Now().Format(time.RFC3339Nano) {
		t.Fatalf("last run = %q", last)
	}

	// A restarted scheduler picks up from the persisted run.
	again, err := cron.NewScheduler(cron.Config{
		Jobs: []cron.Job{counter("daily", "0 0 * * *", &n)},
		KV:   store,
		Now:  clock.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if got := again.RunDue(ctx); got != 0 {
		t.Fatalf("restart re-fired a job that already ran, fired %d", got)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.KVSet(ctx, "cron.last_run.minutely", time.Now().UTC().Add(-5*time.Minute).Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("seed last run: %v", err)
	}
	var n atomic.Int64
	sched, err := cron.NewScheduler(cron.Config{
		Jobs:     []cron.Job{counter("minutely", "* * * * *", &n)},
		KV:       store,
		Interval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(ctx)
	waitFor(t, 3*time.Second, func() bool { return n.Load() > 0 })
	sched.Stop()
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 2, 9, 3, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/10 * * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if !next.Equal(time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)) {
		t.Fatalf("next = %v", next)
	}
	if _, err := cron.NextRunTime("not a cron", after); err == nil {
		t.Fatal("expected parse error")
	}
	if err := cron.ValidSpec("0 0 * * 1"); err != nil {
		t.Fatalf("weekly spec: %v", err)
	}
}

type windows struct {
	daily, weekly, snapshots int
	actor                    string
}

func (w *windows) ResetDaily(_ context.Context, actor string)  { w.daily++; w.actor = actor }
func (w *windows) ResetWeekly(_ context.Context, actor string) { w.weekly++; w.actor = actor }
func (w *windows) PersistSnapshot(context.Context)             { w.snapshots++ }

func TestRiskJobs(t *testing.T) {
	w := &windows{}
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for _, j := range []cron.Job{
		cron.DailyResetJob("0 0 * * *", w),
		cron.WeeklyResetJob("0 0 * * 1", w),
		cron.SnapshotJob("*/5 * * * *", w),
	} {
		if err := j.Run(ctx, now); err != nil {
			t.Fatalf("%s: %v", j.Name, err)
		}
	}
	if w.daily != 1 || w.weekly != 1 || w.snapshots != 1 || w.actor != cron.Actor {
		t.Fatalf("unexpected calls: %+v", w)
	}
}

func TestReportJobStoresReport(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	job := cron.ReportJob("0 18 * * *", func(context.Context) map[string]string {
		return map[string]string{"health": "HEALTHY"}
	}, store)
	if err := job.Run(ctx, now); err != nil {
		t.Fatalf("run: %v", err)
	}
	raw, err := store.KVGet(ctx, cron.DailyReportKey(now))
	if err != nil || raw == "" {
		t.Fatalf("report not stored: %q %v", raw, err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(raw), &got); err != nil || got["health"] != "HEALTHY" {
		t.Fatalf("stored report = %s", raw)
	}
	if cron.DailyReportKey(now) != "report.daily.2026-03-02" {
		t.Fatalf("key = %s", cron.DailyReportKey(now))
	}
}

type pruner struct{ cutoff time.Time }

func (p *pruner) PruneArchive(cutoff time.Time) int { p.cutoff = cutoff; return 0 }

func TestRetentionJob(t *testing.T) {
	store := openTestStore(t)
	p := &pruner{}
	now := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	job := cron.RetentionJob("0 3 * * *", store, p, 30, 90)
	if err := job.Run(context.Background(), now); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !p.cutoff.Equal(now.AddDate(0, 0, -30)) {
		t.Fatalf("archive cutoff = %v", p.cutoff)
	}
}
