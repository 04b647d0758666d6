package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/basket/mission-control/internal/agent"
	"github.com/basket/mission-control/internal/audit"
	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/risk"
	"github.com/basket/mission-control/internal/tasks"
)

// Risk is the part of the risk gate the trader reports to.
type Risk interface {
	RecordFill(ctx context.Context, r risk.TradeResult) error
	EmergencyActive() bool
}

// Tasks is the part of the task tracker the trader drives.
type Tasks interface {
	Query(id string) (tasks.Task, bool)
	Advance(ctx context.Context, id string, actor bus.AgentID) (tasks.State, error)
	Transition(ctx context.Context, id string, to tasks.State, actor bus.AgentID, reason string) error
}

type TraderConfig struct {
	Exchange Exchange
	Risk     Risk
	Tasks    Tasks // optional
	Logger   *slog.Logger
}

// Trader executes approved TRADE_PROPOSAL envelopes and CLOSE_POSITION
// requests. Proposals reach it only after the bus has screened them.
type Trader struct {
	exchange Exchange
	risk     Risk
	tasks    Tasks
	logger   *slog.Logger

	executed atomic.Int64
	rejected atomic.Int64
}

func NewTrader(cfg TraderConfig) (*Trader, error) {
	if cfg.Exchange == nil || cfg.Risk == nil {
		return nil, errors.New("trader: exchange and risk gate are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Trader{
		exchange: cfg.Exchange,
		risk:     cfg.Risk,
		tasks:    cfg.Tasks,
		logger:   logger.With("component", "trader"),
	}, nil
}

func (t *Trader) ID() bus.AgentID { return bus.Trader }

func (t *Trader) Accepts() []bus.TaskType {
	return []bus.TaskType{bus.TradeProposal, bus.ClosePosition}
}

func (t *Trader) Process(ctx context.Context, env bus.Envelope) agent.Outcome {
	switch env.TaskType {
	case bus.TradeProposal:
		return t.execute(ctx, env)
	case bus.ClosePosition:
		return t.close(ctx, env)
	default:
		return agent.Fail(fmt.Errorf("trader: unexpected task type %s", env.TaskType))
	}
}

// Halt logs control broadcasts. Execution itself is guarded by the gate's
// emergency flag, which is checked per proposal and clears with the stop.
func (t *Trader) Halt(_ context.Context, env bus.Envelope) {
	t.logger.Warn("trader halted", "task_type", string(env.TaskType), "from", string(env.From))
}

// Counts returns executed and rejected proposal totals.
func (t *Trader) Counts() (executed, rejected int64) {
	return t.executed.Load(), t.rejected.Load()
}

func (t *Trader) execute(ctx context.Context, env bus.Envelope) agent.Outcome {
	p, err := risk.ProposalFromEnvelope(env)
	if err != nil {
		return agent.Fail(err)
	}

	var fill Fill
	if t.risk.EmergencyActive() {
		fill = Fill{Status: risk.Rejected, Reason: "emergency stop active"}
	} else {
		t.startTask(ctx, p.TaskID)
		fill, err = t.exchange.Execute(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return agent.Fail(err)
			}
			fill = Fill{Status: risk.Rejected, Reason: err.Error()}
		}
	}

	result := risk.TradeResult{
		ProposalID:  p.ProposalID,
		TaskID:      p.TaskID,
		Asset:       p.Asset,
		Status:      fill.Status,
		Size:        fill.Size,
		Price:       fill.Price,
		RealizedPnL: fill.RealizedPnL,
		Reason:      fill.Reason,
	}
	if err := t.risk.RecordFill(ctx, result); err != nil {
		t.logger.Error("record fill failed", "proposal_id", p.ProposalID, "error", err)
	}

	if fill.Status == risk.Rejected {
		t.rejected.Add(1)
		t.finishTask(ctx, p.TaskID, false, "order rejected: "+fill.Reason)
		t.logger.Warn("order rejected", "proposal_id", p.ProposalID, "asset", p.Asset, "reason", fill.Reason)
		audit.Record("trade.execute", string(bus.Trader), audit.Deny, fill.Reason, "proposal "+p.ProposalID+" "+p.Asset)
	} else {
		t.executed.Add(1)
		t.finishTask(ctx, p.TaskID, true, string(fill.Status))
		t.logger.Info("order filled", "proposal_id", p.ProposalID, "asset", p.Asset, "side", string(p.Side),
			"status", string(fill.Status), "size", fill.Size.String(), "price", fill.Price.String())
		audit.Record("trade.execute", string(bus.Trader), audit.Allow, string(fill.Status), "proposal "+p.ProposalID+" "+p.Asset)
	}
	return t.report(p.Proposer, p.TaskID, result)
}

func (t *Trader) close(ctx context.Context, env bus.Envelope) agent.Outcome {
	var req CloseRequest
	if err := env.Decode(&req); err != nil {
		return agent.Fail(err)
	}
	if req.Asset == "" {
		return agent.Fail(fmt.Errorf("%w: close request without asset", risk.ErrInvalidPayload))
	}
	if req.TaskID == "" {
		req.TaskID = env.CorrelationID
	}
	t.startTask(ctx, req.TaskID)
	fill, err := t.exchange.Close(ctx, req)
	if err != nil {
		return agent.Fail(err)
	}
	result := risk.TradeResult{
		ProposalID:  env.ID,
		TaskID:      req.TaskID,
		Asset:       req.Asset,
		Status:      risk.Closed,
		Size:        fill.Size,
		Price:       fill.Price,
		RealizedPnL: fill.RealizedPnL,
		Reason:      fill.Reason,
	}
	if err := t.risk.RecordFill(ctx, result); err != nil {
		t.finishTask(ctx, req.TaskID, false, err.Error())
		return agent.Fail(err)
	}
	t.finishTask(ctx, req.TaskID, true, "position closed")
	t.logger.Info("position closed", "asset", req.Asset, "size", fill.Size.String(), "realized_pnl", fill.RealizedPnL.String())
	return t.report(env.From, req.TaskID, result)
}

func (t *Trader) report(to bus.AgentID, taskID string, result risk.TradeResult) agent.Outcome {
	if to == "" || to == bus.Trader {
		return agent.Done()
	}
	prio := bus.Normal
	if result.Status == risk.Rejected {
		prio = bus.High
	}
	env, err := bus.NewEnvelope(bus.Trader, to, bus.TradeResult, prio, result)
	if err != nil {
		t.logger.Error("build trade result failed", "error", err)
		return agent.Done()
	}
	env.CorrelationID = taskID
	return agent.Done(env)
}

func (t *Trader) startTask(ctx context.Context, id string) {
	if id == "" || t.tasks == nil {
		return
	}
	if _, ok := t.tasks.Query(id); !ok {
		return
	}
	if _, err := t.tasks.Advance(ctx, id, bus.Trader); err != nil {
		t.logger.Debug("advance task failed", "task_id", id, "error", err)
	}
}

func (t *Trader) finishTask(ctx context.Context, id string, ok bool, reason string) {
	if id == "" || t.tasks == nil {
		return
	}
	task, known := t.tasks.Query(id)
	if !known || task.State.Terminal() {
		return
	}
	to := tasks.Completed
	switch {
	case !ok && task.State == tasks.InProgress:
		to = tasks.Failed
	case !ok:
		to = tasks.Cancelled
	case task.State != tasks.InProgress:
		t.logger.Warn("task not in progress at completion", "task_id", id, "state", string(task.State))
		return
	}
	if err := t.tasks.Transition(ctx, id, to, bus.Trader, reason); err != nil {
		t.logger.Warn("task transition failed", "task_id", id, "to", string(to), "error", err)
	}
}
