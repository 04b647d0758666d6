package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/risk"
	"github.com/basket/mission-control/internal/tasks"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "mc-v1-2026-09-02-core"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// stampLayout sorts lexicographically, so retention can compare text.
const stampLayout = "2006-01-02 15:04:05.000000000"

const riskSnapshotKey = "risk.snapshot"

// Heartbeat is the last liveness report seen from an agent.
type Heartbeat struct {
	AgentID  bus.AgentID `json:"agent_id"`
	State    string      `json:"state"`
	Detail   string      `json:"detail,omitempty"`
	LastSeen time.Time   `json:"last_seen"`
}

// RetentionResult counts rows removed by RunRetention.
type RetentionResult struct {
	PurgedDeadLetters   int64 `json:"purged_dead_letters"`
	PurgedRiskDecisions int64 `json:"purged_risk_decisions"`
	PurgedAuditLogs     int64 `json:"purged_audit_logs"`
}

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	if home := os.Getenv("MISSIONCTL_HOME"); home != "" {
		return filepath.Join(home, "missionctl.db")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".missionctl", "missionctl.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy reports whether err is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	envelope_id TEXT NOT NULL,
	agent TEXT NOT NULL,
	task_type TEXT NOT NULL,
	code TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	dead_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_dead_at ON dead_letters(dead_at);

CREATE TABLE IF NOT EXISTS task_archive (
	task_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	state TEXT NOT NULL,
	origin TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	archived_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	proposal_id TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	asset TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL,
	body TEXT NOT NULL,
	decided_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_risk_decisions_proposal ON risk_decisions(proposal_id);
CREATE INDEX IF NOT EXISTS idx_risk_decisions_decided_at ON risk_decisions(decided_at);

CREATE TABLE IF NOT EXISTS risk_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	actor TEXT NOT NULL,
	body TEXT NOT NULL,
	at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_heartbeats (
	agent_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	last_seen TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS kv_store (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	decision TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log(created_at);
`

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("apply schema v%d: %w", schemaVersionV1, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionV1, schemaChecksumV1); err != nil {
		return fmt.Errorf("record schema v%d: %w", schemaVersionV1, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func stamp(t time.Time) string {
	return t.UTC().Format(stampLayout)
}

// RecordDeadLetters appends dls in one transaction.
func (s *Store) RecordDeadLetters(ctx context.Context, dls []bus.DeadLetter) error {
	if len(dls) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin dead letter tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO dead_letters (envelope_id, agent, task_type, code, reason, body, dead_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`)
		if err != nil {
			return fmt.Errorf("prepare dead letter insert: %w", err)
		}
		defer stmt.Close()

		for _, dl := range dls {
			body, err := json.Marshal(dl)
			if err != nil {
				return fmt.Errorf("marshal dead letter %s: %w", dl.Envelope.ID, err)
			}
			if _, err := stmt.ExecContext(ctx,
				dl.Envelope.ID, string(dl.Agent), string(dl.Envelope.TaskType),
				dl.Code, dl.Reason, string(body), stamp(dl.At),
			); err != nil {
				return fmt.Errorf("insert dead letter %s: %w", dl.Envelope.ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit dead letters: %w", err)
		}
		return nil
	})
}

// ListDeadLetters returns up to limit dead letters, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]bus.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM dead_letters ORDER BY id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []bus.DeadLetter
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		var dl bus.DeadLetter
		if err := json.Unmarshal([]byte(body), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dead letter rows: %w", err)
	}
	return out, nil
}

// ArchiveTask stores a terminal task. Archiving the same id again replaces
// the earlier row.
func (s *Store) ArchiveTask(ctx context.Context, t tasks.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_archive (task_id, kind, state, origin, owner, body, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				state=excluded.state, owner=excluded.owner,
				body=excluded.body, archived_at=excluded.archived_at;
		`, t.ID, string(t.Kind), string(t.State), string(t.Origin), string(t.Owner), string(body), stamp(t.UpdatedAt))
		if err != nil {
			return fmt.Errorf("archive task %s: %w", t.ID, err)
		}
		return nil
	})
}

// GetArchivedTask returns the archived task, or false if none is stored.
func (s *Store) GetArchivedTask(ctx context.Context, id string) (tasks.Task, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM task_archive WHERE task_id = ?;`, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tasks.Task{}, false, nil
		}
		return tasks.Task{}, false, fmt.Errorf("get archived task %s: %w", id, err)
	}
	var t tasks.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return tasks.Task{}, false, fmt.Errorf("decode archived task %s: %w", id, err)
	}
	return t, true, nil
}

func (s *Store) RecordRiskDecision(ctx context.Context, d risk.Decision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision %s: %w", d.ProposalID, err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO risk_decisions (proposal_id, task_id, asset, outcome, reason, body, decided_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, d.ProposalID, d.TaskID, d.Asset, string(d.Outcome), d.Reason, string(body), stamp(d.At))
		if err != nil {
			return fmt.Errorf("insert decision %s: %w", d.ProposalID, err)
		}
		return nil
	})
}

// ListRiskDecisions returns up to limit decisions, newest first. A non-empty
// outcome filters on it.
func (s *Store) ListRiskDecisions(ctx context.Context, outcome risk.Outcome, limit int) ([]risk.Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM risk_decisions
		WHERE ? = '' OR outcome = ?
		ORDER BY id DESC LIMIT ?;
	`, string(outcome), string(outcome), limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []risk.Decision
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		var d risk.Decision
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("decision rows: %w", err)
	}
	return out, nil
}

func (s *Store) RecordRiskEvent(ctx context.Context, e risk.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal risk event %s: %w", e.Kind, err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO risk_events (kind, actor, body, at) VALUES (?, ?, ?, ?);
		`, e.Kind, e.Actor, string(body), stamp(e.At))
		if err != nil {
			return fmt.Errorf("insert risk event %s: %w", e.Kind, err)
		}
		return nil
	})
}

// ListRiskEvents returns up to limit events in the order they were recorded.
func (s *Store) ListRiskEvents(ctx context.Context, limit int) ([]risk.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM (SELECT id, body FROM risk_events ORDER BY id DESC LIMIT ?)
		ORDER BY id ASC;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list risk events: %w", err)
	}
	defer rows.Close()

	var out []risk.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan risk event: %w", err)
		}
		var e risk.Event
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode risk event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("risk event rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertHeartbeat(ctx context.Context, hb Heartbeat) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_heartbeats (agent_id, state, detail, last_seen)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				state=excluded.state, detail=excluded.detail, last_seen=excluded.last_seen;
		`, string(hb.AgentID), hb.State, hb.Detail, stamp(hb.LastSeen))
		if err != nil {
			return fmt.Errorf("upsert heartbeat %s: %w", hb.AgentID, err)
		}
		return nil
	})
}

// ListHeartbeats returns every agent's last heartbeat ordered by agent id.
func (s *Store) ListHeartbeats(ctx context.Context) ([]Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, state, detail, last_seen FROM agent_heartbeats ORDER BY agent_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()

	var out []Heartbeat
	for rows.Next() {
		var (
			hb       Heartbeat
			agent    string
			lastSeen string
		)
		if err := rows.Scan(&agent, &hb.State, &hb.Detail, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hb.AgentID = bus.AgentID(agent)
		if hb.LastSeen, err = time.Parse(stampLayout, lastSeen); err != nil {
			return nil, fmt.Errorf("parse heartbeat time %q: %w", lastSeen, err)
		}
		out = append(out, hb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("heartbeat rows: %w", err)
	}
	return out, nil
}

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
	`, key, val)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet retrieves a value from the kv_store. Returns empty string if key not found.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv_get: %w", err)
	}
	return val, nil
}

// SaveRiskSnapshot replaces the stored risk snapshot.
func (s *Store) SaveRiskSnapshot(ctx context.Context, snap risk.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal risk snapshot: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		return s.KVSet(ctx, riskSnapshotKey, string(body))
	})
}

// LoadRiskSnapshot returns the stored risk snapshot, or false on a fresh
// database.
func (s *Store) LoadRiskSnapshot(ctx context.Context) (risk.Snapshot, bool, error) {
	raw, err := s.KVGet(ctx, riskSnapshotKey)
	if err != nil {
		return risk.Snapshot{}, false, err
	}
	if raw == "" {
		return risk.Snapshot{}, false, nil
	}
	var snap risk.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return risk.Snapshot{}, false, fmt.Errorf("decode risk snapshot: %w", err)
	}
	return snap, true, nil
}

// RunRetention deletes dead letters and risk decisions older than
// recordDays and audit rows older than auditDays. Zero keeps a category.
func (s *Store) RunRetention(ctx context.Context, now time.Time, recordDays, auditDays int) (RetentionResult, error) {
	var result RetentionResult

	if recordDays > 0 {
		cutoff := stamp(now.AddDate(0, 0, -recordDays))
		res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE dead_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge dead_letters: %w", err)
		}
		result.PurgedDeadLetters, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx, `DELETE FROM risk_decisions WHERE decided_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge risk_decisions: %w", err)
		}
		result.PurgedRiskDecisions, _ = res.RowsAffected()
	}

	if auditDays > 0 {
		cutoff := now.UTC().AddDate(0, 0, -auditDays).Format(time.DateTime)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}
