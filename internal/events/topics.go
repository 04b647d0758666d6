package events

import "time"

// Feed topics.
const (
	TopicTaskTransition     = "task.transition"
	TopicRiskDecision       = "risk.decision"
	TopicRiskEmergencyStop  = "risk.emergency_stop"
	TopicRiskEmergencyClear = "risk.emergency_cleared"
	TopicRiskReset          = "risk.reset"
	TopicBusDeadLetter      = "bus.dead_letter"
	TopicAgentHealth        = "agent.health"
	TopicSystemHealth       = "system.health"
)

// TaskTransition is published for every state change recorded by the tracker.
type TaskTransition struct {
	TaskID string `json:"task_id"`
	Kind   string `json:"kind"`
	From   string `json:"from"`
	To     string `json:"to"`
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
	Forced bool   `json:"forced,omitempty"`
}

// RiskDecision is published for every gate evaluation.
type RiskDecision struct {
	ProposalID string `json:"proposal_id"`
	TaskID     string `json:"task_id,omitempty"`
	Asset      string `json:"asset"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// EmergencyStop is published when the emergency stop is raised or cleared.
type EmergencyStop struct {
	Active    bool              `json:"active"`
	Actor     string            `json:"actor"`
	Reason    string            `json:"reason"`
	Figures   map[string]string `json:"figures,omitempty"`
	Cancelled []string          `json:"cancelled_tasks,omitempty"`
}

// DeadLetter is published when the message bus gives up on an envelope.
type DeadLetter struct {
	EnvelopeID string `json:"envelope_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	TaskType   string `json:"task_type"`
	Attempt    int    `json:"attempt"`
	Code       string `json:"code"`
	Reason     string `json:"reason"`
}

// AgentHealth is published when the supervisor changes its view of an agent.
type AgentHealth struct {
	AgentID  string    `json:"agent_id"`
	State    string    `json:"state"`
	Stale    bool      `json:"stale"`
	LastSeen time.Time `json:"last_seen"`
}

// SystemHealth is published when the overall health level changes.
type SystemHealth struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
	Detail   string `json:"detail,omitempty"`
}
