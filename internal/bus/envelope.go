package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentID names a participant on the bus.
type AgentID string

// Broadcast is the wildcard recipient: the envelope is fanned out to every
// agent subscribed to its task type.
const Broadcast AgentID = "*"

// Well-known pipeline agents.
const (
	MarketScanner        AgentID = "MARKET_SCANNER"
	Analyst              AgentID = "ANALYST"
	StrategyGenerator    AgentID = "STRATEGY_GENERATOR"
	BacktestOrchestrator AgentID = "BACKTEST_ORCHESTRATOR"
	Optimizer            AgentID = "OPTIMIZER"
	StrategySelector     AgentID = "STRATEGY_SELECTOR"
	RiskManager          AgentID = "RISK_MANAGER"
	Trader               AgentID = "TRADER"
	TaskManager          AgentID = "TASK_MANAGER"
	WorkerManager        AgentID = "WORKER_MANAGER"
	CEO                  AgentID = "CEO"
)

var (
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrUnknownPriority = errors.New("unknown priority")
)

// TaskType is the closed set of semantic operations carried on the bus.
type TaskType string

// Discovery phase.
const (
	ScanRequest     TaskType = "SCAN_REQUEST"
	ScanResult      TaskType = "SCAN_RESULT"
	AnalysisRequest TaskType = "ANALYSIS_REQUEST"
	AnalysisResult  TaskType = "ANALYSIS_RESULT"
)

// Research phase.
const (
	StrategyCandidate   TaskType = "STRATEGY_CANDIDATE"
	BacktestRequest     TaskType = "BACKTEST_REQUEST"
	BacktestResult      TaskType = "BACKTEST_RESULT"
	OptimizationRequest TaskType = "OPTIMIZATION_REQUEST"
	OptimizationResult  TaskType = "OPTIMIZATION_RESULT"
	WUAssignment        TaskType = "WU_ASSIGNMENT"
	WUResult            TaskType = "WU_RESULT"
)

// Execution phase.
const (
	TradeProposal TaskType = "TRADE_PROPOSAL"
	TradeResult   TaskType = "TRADE_RESULT"
	ClosePosition TaskType = "CLOSE_POSITION"
	RiskDecision  TaskType = "RISK_DECISION"
)

// Control plane.
const (
	EmergencyStop  TaskType = "EMERGENCY_STOP"
	Heartbeat      TaskType = "HEARTBEAT"
	StatusReport   TaskType = "STATUS_REPORT"
	Alert          TaskType = "ALERT"
	SystemShutdown TaskType = "SYSTEM_SHUTDOWN"
)

// Phase groups task types by pipeline stage.
type Phase string

const (
	PhaseDiscovery Phase = "discovery"
	PhaseResearch  Phase = "research"
	PhaseExecution Phase = "execution"
	PhaseControl   Phase = "control"
)

var taskPhases = map[TaskType]Phase{
	ScanRequest:         PhaseDiscovery,
	ScanResult:          PhaseDiscovery,
	AnalysisRequest:     PhaseDiscovery,
	AnalysisResult:      PhaseDiscovery,
	StrategyCandidate:   PhaseResearch,
	BacktestRequest:     PhaseResearch,
	BacktestResult:      PhaseResearch,
	OptimizationRequest: PhaseResearch,
	OptimizationResult:  PhaseResearch,
	WUAssignment:        PhaseResearch,
	WUResult:            PhaseResearch,
	TradeProposal:       PhaseExecution,
	TradeResult:         PhaseExecution,
	ClosePosition:       PhaseExecution,
	RiskDecision:        PhaseExecution,
	EmergencyStop:       PhaseControl,
	Heartbeat:           PhaseControl,
	StatusReport:        PhaseControl,
	Alert:               PhaseControl,
	SystemShutdown:      PhaseControl,
}

// ParseTaskType resolves a wire string to a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	tt := TaskType(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := taskPhases[tt]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, s)
	}
	return tt, nil
}

// Valid reports whether t belongs to the closed set.
func (t TaskType) Valid() bool {
	_, ok := taskPhases[t]
	return ok
}

// Phase returns the pipeline phase of t, or "" when t is unknown.
func (t TaskType) Phase() Phase {
	return taskPhases[t]
}

// ExecutionClass reports whether delivering t commits capital. Such
// envelopes are screened by the risk gate before they reach a consumer.
// CLOSE_POSITION only reduces exposure and stays deliverable during an
// emergency stop.
func (t TaskType) ExecutionClass() bool {
	return t == TradeProposal
}

// TaskTypes returns every known task type.
func TaskTypes() []TaskType {
	out := make([]TaskType, 0, len(taskPhases))
	for tt := range taskPhases {
		out = append(out, tt)
	}
	return out
}

// Priority orders delivery within one queue. Lower values dequeue first.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
)

var priorityNames = [...]string{"CRITICAL", "HIGH", "NORMAL", "LOW"}

func (p Priority) String() string {
	if p < Critical || p > Low {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the four tiers.
func (p Priority) Valid() bool {
	return p >= Critical && p <= Low
}

// ParsePriority resolves CRITICAL, HIGH, NORMAL or LOW (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range priorityNames {
		if name == up {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPriority, s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPriority, int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Envelope is the addressed, prioritized unit exchanged on the bus. Once
// published it is immutable except for Attempt, which only the bus bumps on
// redelivery.
type Envelope struct {
	ID            string          `json:"id"`
	From          AgentID         `json:"from"`
	To            AgentID         `json:"to"`
	TaskType      TaskType        `json:"task_type"`
	Priority      Priority        `json:"priority"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Deadline      time.Time       `json:"deadline,omitzero"`
	RequiresAck   bool            `json:"requires_ack"`
	Attempt       int             `json:"attempt"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEnvelope builds an envelope with a fresh id, marshalling payload to
// JSON. A nil payload leaves Payload empty.
func NewEnvelope(from, to AgentID, tt TaskType, prio Priority, payload any) (Envelope, error) {
	env := Envelope{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		TaskType:  tt,
		Priority:  prio,
		CreatedAt: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", tt, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s: empty payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("envelope %s: decode %s payload: %w", e.ID, e.TaskType, err)
	}
	return nil
}

// Expired reports whether the envelope carries a deadline that is not after now.
func (e Envelope) Expired(now time.Time) bool {
	return !e.Deadline.IsZero() && !now.Before(e.Deadline)
}

func (e Envelope) clone() Envelope {
	if e.Payload != nil {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return e
}
