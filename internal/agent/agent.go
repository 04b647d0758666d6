package agent

import (
	"context"
	"time"

	"github.com/basket/mission-control/internal/bus"
)

// Agent is a bus participant. Process is called once per delivered
// envelope; a nil Outcome.Err acknowledges it, anything else nacks it with
// the error text so the bus can retry.
type Agent interface {
	ID() bus.AgentID
	Accepts() []bus.TaskType
	Process(ctx context.Context, env bus.Envelope) Outcome
}

// Outcome reports how an envelope was handled. FollowUps are published
// after the acknowledgement.
type Outcome struct {
	Err       error
	FollowUps []bus.Envelope
}

// Done is the successful empty outcome.
func Done(followUps ...bus.Envelope) Outcome {
	return Outcome{FollowUps: followUps}
}

// Fail wraps err as an outcome.
func Fail(err error) Outcome {
	return Outcome{Err: err}
}

// Halter is implemented by agents that must react to control broadcasts
// (EMERGENCY_STOP, SYSTEM_SHUTDOWN) they do not otherwise accept.
type Halter interface {
	Halt(ctx context.Context, env bus.Envelope)
}

// Health states reported in heartbeats.
const (
	StateHealthy  = "HEALTHY"
	StateDegraded = "DEGRADED"
	StateError    = "ERROR"
	StateStopped  = "STOPPED"
)

// HeartbeatReport is the HEARTBEAT payload sent to the supervisor.
type HeartbeatReport struct {
	Agent     bus.AgentID `json:"agent"`
	State     string      `json:"state"`
	Processed int64       `json:"processed"`
	Errors    int64       `json:"errors"`
	Active    int32       `json:"active"`
	LastError string      `json:"last_error,omitempty"`
	At        time.Time   `json:"at"`
}

// Func adapts a function to Agent.
type Func struct {
	Name  bus.AgentID
	Types []bus.TaskType
	Fn    func(ctx context.Context, env bus.Envelope) Outcome
}

func (f Func) ID() bus.AgentID         { return f.Name }
func (f Func) Accepts() []bus.TaskType { return f.Types }

func (f Func) Process(ctx context.Context, env bus.Envelope) Outcome {
	if f.Fn == nil {
		return Done()
	}
	return f.Fn(ctx, env)
}
