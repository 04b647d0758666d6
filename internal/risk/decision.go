package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome of an evaluation.
type Outcome string

const (
	Approved Outcome = "APPROVED"
	Held     Outcome = "HELD"
	Vetoed   Outcome = "VETOED"
)

// Severity grades a decision.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Reason codes, one per rule of the veto chain.
const (
	ReasonWithinLimits        = "WITHIN_LIMITS"
	ReasonEmergencyStop       = "EMERGENCY_STOP_ACTIVE"
	ReasonInvalidProposal     = "INVALID_PROPOSAL"
	ReasonMaxPositionSize     = "MAX_POSITION_SIZE"
	ReasonMaxTotalExposure    = "MAX_TOTAL_EXPOSURE"
	ReasonMaxDailyDrawdown    = "MAX_DAILY_DRAWDOWN"
	ReasonMaxWeeklyDrawdown   = "MAX_WEEKLY_DRAWDOWN"
	ReasonMaxDrawdownFromPeak = "MAX_DRAWDOWN_FROM_PEAK"
	ReasonBelowMinSize        = "BELOW_MIN_POSITION_SIZE"
	ReasonDependenciesPending = "DEPENDENCIES_PENDING"
)

// Warning codes attached to approvals.
const (
	WarnAssetConcentration = "ASSET_CONCENTRATION"
	WarnDrawdownNearLimit  = "DRAWDOWN_NEAR_LIMIT"
)

// Decision is the outcome of evaluating one proposal.
type Decision struct {
	ProposalID    string          `json:"proposal_id"`
	TaskID        string          `json:"task_id,omitempty"`
	Asset         string          `json:"asset"`
	Outcome       Outcome         `json:"outcome"`
	Reason        string          `json:"reason"`
	Severity      Severity        `json:"severity"`
	Detail        string          `json:"detail,omitempty"`
	Warnings      []string        `json:"warnings,omitempty"`
	ExposureAfter decimal.Decimal `json:"exposure_after"`
	At            time.Time       `json:"at"`
}

// Level summarizes how close the book is to its drawdown limits.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Event kinds recorded alongside decisions.
const (
	EventEmergencyStop       = "EMERGENCY_STOP"
	EventEmergencyClear      = "EMERGENCY_CLEAR"
	EventDailyReset          = "DAILY_RESET"
	EventWeeklyReset         = "WEEKLY_RESET"
	EventLimitsChanged       = "LIMITS_CHANGED"
	EventFill                = "FILL"
	EventReservationReleased = "RESERVATION_RELEASED"
)

// Event is a risk-state change worth keeping in the audit store.
type Event struct {
	Kind    string            `json:"kind"`
	Actor   string            `json:"actor"`
	Reason  string            `json:"reason,omitempty"`
	Figures map[string]string `json:"figures,omitempty"`
	At      time.Time         `json:"at"`
}
