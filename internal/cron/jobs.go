package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/mission-control/internal/persistence"
)

// Actor is the principal recorded for scheduled risk actions.
const Actor = "cron"

// RiskWindows is the part of the risk gate that cron drives.
type RiskWindows interface {
	ResetDaily(ctx context.Context, actor string)
	ResetWeekly(ctx context.Context, actor string)
	PersistSnapshot(ctx context.Context)
}

// Retainer purges old durable records.
type Retainer interface {
	RunRetention(ctx context.Context, now time.Time, recordDays, auditDays int) (persistence.RetentionResult, error)
}

// ArchivePruner drops archived tasks older than a cutoff.
type ArchivePruner interface {
	PruneArchive(cutoff time.Time) int
}

func DailyResetJob(spec string, g RiskWindows) Job {
	return Job{Name: "risk.daily_reset", Spec: spec, Run: func(ctx context.Context, _ time.Time) error {
		g.ResetDaily(ctx, Actor)
		return nil
	}}
}

func WeeklyResetJob(spec string, g RiskWindows) Job {
	return Job{Name: "risk.weekly_reset", Spec: spec, Run: func(ctx context.Context, _ time.Time) error {
		g.ResetWeekly(ctx, Actor)
		return nil
	}}
}

func SnapshotJob(spec string, g RiskWindows) Job {
	return Job{Name: "risk.snapshot", Spec: spec, Run: func(ctx context.Context, _ time.Time) error {
		g.PersistSnapshot(ctx)
		return nil
	}}
}

// ReportJob builds a report and, when kv is set, stores it as JSON under
// report.daily.<date>.
func ReportJob[R any](spec string, build func(ctx context.Context) R, kv KV) Job {
	return Job{Name: "supervisor.daily_report", Spec: spec, Run: func(ctx context.Context, now time.Time) error {
		r := build(ctx)
		if kv == nil {
			return nil
		}
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		return kv.KVSet(ctx, DailyReportKey(now), string(body))
	}}
}

// DailyReportKey is the kv key a daily report for the day of t is stored under.
func DailyReportKey(t time.Time) string {
	return "report.daily." + t.UTC().Format(time.DateOnly)
}

// RetentionJob purges records older than recordDays and audit rows older
// than auditDays. The pruner is optional.
func RetentionJob(spec string, r Retainer, p ArchivePruner, recordDays, auditDays int) Job {
	return Job{Name: "retention", Spec: spec, Run: func(ctx context.Context, now time.Time) error {
		if p != nil && recordDays > 0 {
			p.PruneArchive(now.AddDate(0, 0, -recordDays))
		}
		if r == nil {
			return nil
		}
		_, err := r.RunRetention(ctx, now, recordDays, auditDays)
		return err
	}}
}
