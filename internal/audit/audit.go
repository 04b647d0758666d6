// Package audit is the process-wide, append-only record of control-plane
// decisions: risk vetoes, emergency stops and clears, limit changes and
// operator actions. Entries go to logs/audit.jsonl and, once a database is
// attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/mission-control/internal/shared"
)

// Decision values.
const (
	Allow = "allow"
	Deny  = "deny"
	Veto  = "veto"
	Hold  = "hold"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	vetoCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB attaches the database holding the audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// VetoCount returns the number of veto decisions recorded since startup.
func VetoCount() int64 {
	return vetoCount.Load()
}

// Record appends one entry. Reason and subject are redacted first.
func Record(action, actor, decision, reason, subject string) {
	if decision == Veto {
		vetoCount.Add(1)
	}
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Action:    action,
			Actor:     actor,
			Decision:  decision,
			Reason:    reason,
			Subject:   subject,
		})
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (actor, action, decision, reason, subject)
			VALUES (?, ?, ?, ?, ?);
		`, actor, action, decision, reason, subject)
	}
}
