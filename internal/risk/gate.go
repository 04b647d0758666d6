// Package risk holds the portfolio's exposure and drawdown state and the
// veto gate every capital-committing proposal must pass. All state lives
// behind one mutex; Evaluate, RecordFill and the emergency-stop controls are
// the only ways to change it.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/mission-control/internal/audit"
	"github.com/basket/mission-control/internal/bus"
	"github.com/basket/mission-control/internal/events"
	"github.com/basket/mission-control/internal/otel"
	"github.com/basket/mission-control/internal/tasks"
)

var (
	ErrUnauthorized     = errors.New("principal not authorized")
	ErrDrawdownBreached = errors.New("drawdown beyond limit")
)

var (
	_ bus.Gate     = (*Gate)(nil)
	_ bus.Releaser = (*Gate)(nil)
)

var (
	zero = decimal.Zero
	one  = decimal.NewFromInt(1)
	half = decimal.RequireFromString("0.5")
)

// TaskControl is the part of the task tracker the gate drives.
type TaskControl interface {
	Query(id string) (tasks.Task, bool)
	Ready(id string) bool
	Transition(ctx context.Context, id string, to tasks.State, actor bus.AgentID, reason string) error
	CancelInProgress(ctx context.Context, pred func(tasks.Task) bool, actor bus.AgentID, reason string) []string
}

// Publisher puts envelopes on the message bus.
type Publisher interface {
	Publish(ctx context.Context, env bus.Envelope) error
}

// Recorder durably stores decisions, risk events and state snapshots.
type Recorder interface {
	RecordRiskDecision(ctx context.Context, d Decision) error
	RecordRiskEvent(ctx context.Context, e Event) error
	SaveRiskSnapshot(ctx context.Context, s Snapshot) error
}

// Config wires a Gate. Zero Limits select DefaultLimits.
type Config struct {
	Limits          Limits
	StartingBalance decimal.Decimal
	// DefaultStopLoss applies to proposals that carry none.
	DefaultStopLoss decimal.Decimal
	// Authorized principals may clear an emergency stop.
	Authorized []string

	Tasks     TaskControl
	Publisher Publisher
	Recorder  Recorder
	Events    *events.Bus
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Reservation is exposure held for an approved proposal awaiting its fill.
// EnvelopeID is the bus envelope that carried the proposal, empty when it
// was evaluated directly.
type Reservation struct {
	Asset      string          `json:"asset"`
	Size       decimal.Decimal `json:"size"`
	EnvelopeID string          `json:"envelope_id,omitempty"`
	At         time.Time       `json:"at"`
}

// EmergencyState describes the emergency stop flag.
type EmergencyState struct {
	Active bool      `json:"active"`
	Actor  string    `json:"actor,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since,omitzero"`
}

// EmergencyNotice is the payload of the EMERGENCY_STOP broadcast.
type EmergencyNotice struct {
	Actor   string            `json:"actor"`
	Reason  string            `json:"reason"`
	Figures map[string]string `json:"figures,omitempty"`
	At      time.Time         `json:"at"`
}

// Drawdown figures as fractions of their reference balance.
type Drawdown struct {
	Daily    decimal.Decimal `json:"daily"`
	Weekly   decimal.Decimal `json:"weekly"`
	FromPeak decimal.Decimal `json:"from_peak"`
}

// Gate is the risk veto gate.
type Gate struct {
	tasks           TaskControl
	publisher       Publisher
	recorder        Recorder
	events          *events.Bus
	metrics         *otel.Metrics
	tracer          trace.Tracer
	logger          *slog.Logger
	now             func() time.Time
	defaultStopLoss decimal.Decimal
	authorized      map[string]struct{}

	mu           sync.Mutex
	limits       Limits
	balance      decimal.Decimal
	peak         decimal.Decimal
	dayStart     decimal.Decimal
	weekStart    decimal.Decimal
	dailyPnL     decimal.Decimal
	weeklyPnL    decimal.Decimal
	positions    map[string]decimal.Decimal
	reservations map[string]Reservation
	emergency    EmergencyState
	approved     int64
	held         int64
	vetoed       int64
}

// New builds a Gate. It fails when the limits do not validate.
func New(cfg Config) (*Gate, error) {
	limits := cfg.Limits
	if limits.MaxPositionSize.IsZero() && limits.MaxTotalExposure.IsZero() {
		limits = DefaultLimits()
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	balance := cfg.StartingBalance
	if !balance.IsPositive() {
		balance = decimal.NewFromInt(100000)
	}
	stopLoss := cfg.DefaultStopLoss
	if !stopLoss.IsPositive() {
		stopLoss = decimal.RequireFromString("0.02")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(otel.TracerName)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	authorized := make(map[string]struct{}, len(cfg.Authorized))
	for _, p := range cfg.Authorized {
		if p = strings.TrimSpace(p); p != "" {
			authorized[p] = struct{}{}
		}
	}
	return &Gate{
		tasks:           cfg.Tasks,
		publisher:       cfg.Publisher,
		recorder:        cfg.Recorder,
		events:          cfg.Events,
		metrics:         cfg.Metrics,
		tracer:          tracer,
		logger:          logger.With("component", "risk"),
		now:             now,
		defaultStopLoss: stopLoss,
		authorized:      authorized,
		limits:          limits.clone(),
		balance:         balance,
		peak:            balance,
		dayStart:        balance,
		weekStart:       balance,
		positions:       make(map[string]decimal.Decimal),
		reservations:    make(map[string]Reservation),
	}, nil
}

type stopNotice struct {
	actor     string
	reason    string
	figures   map[string]string
	positions map[string]decimal.Decimal
	at        time.Time
}

// positionClose is the CLOSE_POSITION payload sent for each open position
// when the stop is raised. A zero size closes the whole position.
type positionClose struct {
	Asset  string          `json:"asset"`
	Size   decimal.Decimal `json:"size"`
	Reason string          `json:"reason,omitempty"`
}

// Evaluate runs the veto chain for p. The first failing rule decides.
func (g *Gate) Evaluate(ctx context.Context, p Proposal) Decision {
	return g.evaluate(ctx, p, "", nil)
}

// Screen implements bus.Gate for TRADE_PROPOSAL envelopes. A redelivery of
// the same envelope is judged again in place of its earlier reservation.
func (g *Gate) Screen(ctx context.Context, env bus.Envelope) bus.Verdict {
	p, err := ProposalFromEnvelope(env)
	d := g.evaluate(ctx, p, env.ID, err)
	switch d.Outcome {
	case Approved:
		return bus.Verdict{Action: bus.Deliver, Reason: d.Reason}
	case Held:
		return bus.Verdict{Action: bus.Hold, Reason: d.Reason}
	default:
		return bus.Verdict{Action: bus.Reject, Reason: d.Reason}
	}
}

func (g *Gate) evaluate(ctx context.Context, p Proposal, envelopeID string, invalid error) Decision {
	ctx, span := otel.StartSpan(ctx, g.tracer, "risk.evaluate",
		otel.AttrProposalID.String(p.ProposalID),
		otel.AttrAsset.String(p.Asset),
		otel.AttrTaskID.String(p.TaskID),
	)
	defer span.End()
	start := time.Now()

	// Dependency status is read before entering the critical section so the
	// tracker lock is never taken under the gate lock.
	depsPending := false
	if p.TaskID != "" && g.tasks != nil {
		if _, known := g.tasks.Query(p.TaskID); known {
			depsPending = !g.tasks.Ready(p.TaskID)
		}
	}

	g.mu.Lock()
	d, stop := g.decideLocked(p, envelopeID, invalid, depsPending)
	g.mu.Unlock()

	span.SetAttributes(otel.AttrOutcome.String(string(d.Outcome)))
	g.metrics.RiskDecided(ctx, string(d.Outcome), d.Reason, time.Since(start))
	if stop != nil {
		g.announceStop(ctx, *stop)
	}
	g.settle(ctx, p, d)
	return d
}

// decideLocked applies the veto chain. Caller holds g.mu.
func (g *Gate) decideLocked(p Proposal, envelopeID string, invalid error, depsPending bool) (Decision, *stopNotice) {
	d := Decision{
		ProposalID: p.ProposalID,
		TaskID:     p.TaskID,
		Asset:      p.Asset,
		At:         g.now().UTC(),
	}
	veto := func(reason string, sev Severity, detail string) Decision {
		g.vetoed++
		d.Outcome = Vetoed
		d.Reason = reason
		d.Severity = sev
		d.Detail = detail
		return d
	}

	existing, reserved := g.reservations[p.ProposalID]
	if reserved && existing.EnvelopeID != envelopeID {
		// Another envelope already holds this id. Its reservation stays.
		d.ExposureAfter = g.exposureLocked()
		return veto(ReasonInvalidProposal, SeverityWarning, fmt.Sprintf("proposal id %q already reserved by envelope %q",
			p.ProposalID, existing.EnvelopeID)), nil
	}
	if reserved {
		// A redelivered proposal is judged as if its own reservation were
		// not yet held; it is released unless approved again.
		delete(g.reservations, p.ProposalID)
	}
	total := g.exposureLocked()
	d.ExposureAfter = total

	if g.emergency.Active {
		return veto(ReasonEmergencyStop, SeverityCritical, "emergency stop active: "+g.emergency.Reason), nil
	}
	if detail := malformed(p, invalid); detail != "" {
		return veto(ReasonInvalidProposal, SeverityWarning, detail), nil
	}

	assetAfter := g.assetExposureLocked(p.Asset).Add(p.Size)
	if assetAfter.GreaterThan(g.limits.MaxPositionSize) {
		return veto(ReasonMaxPositionSize, SeverityWarning, fmt.Sprintf("%s position would be %s, limit %s",
			p.Asset, assetAfter.StringFixed(4), g.limits.MaxPositionSize)), nil
	}
	totalAfter := total.Add(p.Size)
	if totalAfter.GreaterThan(g.limits.MaxTotalExposure) {
		return veto(ReasonMaxTotalExposure, SeverityWarning, fmt.Sprintf("total exposure would be %s, limit %s",
			totalAfter.StringFixed(4), g.limits.MaxTotalExposure)), nil
	}

	stopLoss := p.StopLoss
	if stopLoss.IsZero() {
		stopLoss = g.defaultStopLoss
	}
	atRisk := p.Size.Mul(stopLoss).Mul(g.balance)
	projected := g.drawdownLocked(atRisk)
	if reason, detail := g.breachLocked(projected); reason != "" {
		stop := g.triggerLocked(string(bus.RiskManager), "projected "+detail)
		return veto(reason, SeverityCritical, "projected "+detail), stop
	}

	if p.Size.LessThan(g.limits.MinPositionSize) {
		return veto(ReasonBelowMinSize, SeverityWarning, fmt.Sprintf("size %s below minimum %s",
			p.Size, g.limits.MinPositionSize)), nil
	}

	if depsPending {
		g.held++
		d.Outcome = Held
		d.Reason = ReasonDependenciesPending
		d.Severity = SeverityInfo
		d.Detail = "task " + p.TaskID + " has unfinished dependencies"
		return d, nil
	}

	g.approved++
	at := d.At
	if reserved {
		at = existing.At
	}
	g.reservations[p.ProposalID] = Reservation{Asset: p.Asset, Size: p.Size, EnvelopeID: envelopeID, At: at}
	d.Outcome = Approved
	d.Reason = ReasonWithinLimits
	d.Severity = SeverityInfo
	d.ExposureAfter = totalAfter
	if lim, ok := g.limits.AssetConcentration[p.Asset]; ok && assetAfter.GreaterThan(lim) {
		d.Warnings = append(d.Warnings, WarnAssetConcentration)
	}
	if g.nearLimitLocked(projected) {
		d.Warnings = append(d.Warnings, WarnDrawdownNearLimit)
	}
	if len(d.Warnings) > 0 {
		d.Severity = SeverityWarning
	}
	return d, nil
}

func malformed(p Proposal, invalid error) string {
	switch {
	case invalid != nil:
		return invalid.Error()
	case strings.TrimSpace(p.ProposalID) == "":
		return "proposal id is empty"
	case p.Asset == "":
		return "asset is empty"
	case !p.Size.IsPositive():
		return fmt.Sprintf("size %s is not positive", p.Size)
	case p.Side != Buy && p.Side != Sell:
		return fmt.Sprintf("side %q is not BUY or SELL", p.Side)
	case p.StopLoss.IsNegative() || p.StopLoss.GreaterThan(one):
		return fmt.Sprintf("stop loss %s outside [0, 1]", p.StopLoss)
	}
	return ""
}

// exposureLocked is committed plus reserved exposure across all assets.
func (g *Gate) exposureLocked() decimal.Decimal {
	total := zero
	for _, v := range g.positions {
		total = total.Add(v)
	}
	for _, r := range g.reservations {
		total = total.Add(r.Size)
	}
	return total
}

func (g *Gate) assetExposureLocked(asset string) decimal.Decimal {
	total := g.positions[asset]
	for _, r := range g.reservations {
		if r.Asset == asset {
			total = total.Add(r.Size)
		}
	}
	return total
}

func lossRatio(loss, base decimal.Decimal) decimal.Decimal {
	if !loss.IsPositive() {
		return zero
	}
	if !base.IsPositive() {
		return one
	}
	return loss.Div(base)
}

// drawdownLocked returns current drawdown plus an extra projected loss in
// account currency.
func (g *Gate) drawdownLocked(extraLoss decimal.Decimal) Drawdown {
	return Drawdown{
		Daily:    lossRatio(decimal.Max(zero, g.dailyPnL.Neg()).Add(extraLoss), g.dayStart),
		Weekly:   lossRatio(decimal.Max(zero, g.weeklyPnL.Neg()).Add(extraLoss), g.weekStart),
		FromPeak: lossRatio(decimal.Max(zero, g.peak.Sub(g.balance)).Add(extraLoss), g.peak),
	}
}

// breachLocked returns the reason code and detail of the first drawdown
// figure beyond its limit, or "" when all are within.
func (g *Gate) breachLocked(dd Drawdown) (string, string) {
	switch {
	case dd.Daily.GreaterThan(g.limits.MaxDailyDrawdown):
		return ReasonMaxDailyDrawdown, fmt.Sprintf("daily drawdown %s exceeds %s", dd.Daily.StringFixed(4), g.limits.MaxDailyDrawdown)
	case dd.Weekly.GreaterThan(g.limits.MaxWeeklyDrawdown):
		return ReasonMaxWeeklyDrawdown, fmt.Sprintf("weekly drawdown %s exceeds %s", dd.Weekly.StringFixed(4), g.limits.MaxWeeklyDrawdown)
	case dd.FromPeak.GreaterThan(g.limits.MaxDrawdownFromPeak):
		return ReasonMaxDrawdownFromPeak, fmt.Sprintf("drawdown from peak %s exceeds %s", dd.FromPeak.StringFixed(4), g.limits.MaxDrawdownFromPeak)
	}
	return "", ""
}

func (g *Gate) nearLimitLocked(dd Drawdown) bool {
	r := g.limits.WarnDrawdownRatio
	return dd.Daily.GreaterThan(g.limits.MaxDailyDrawdown.Mul(r)) ||
		dd.Weekly.GreaterThan(g.limits.MaxWeeklyDrawdown.Mul(r)) ||
		dd.FromPeak.GreaterThan(g.limits.MaxDrawdownFromPeak.Mul(r))
}

func (g *Gate) levelLocked() Level {
	if g.emergency.Active {
		return LevelCritical
	}
	dd := g.drawdownLocked(zero)
	worst := decimal.Max(
		dd.Daily.Div(g.limits.MaxDailyDrawdown),
		dd.Weekly.Div(g.limits.MaxWeeklyDrawdown),
		dd.FromPeak.Div(g.limits.MaxDrawdownFromPeak),
	)
	switch {
	case worst.GreaterThanOrEqual(one):
		return LevelCritical
	case worst.GreaterThanOrEqual(g.limits.WarnDrawdownRatio):
		return LevelHigh
	case worst.GreaterThanOrEqual(half):
		return LevelMedium
	}
	return LevelLow
}

func (g *Gate) figuresLocked() map[string]string {
	dd := g.drawdownLocked(zero)
	return map[string]string{
		"balance":            g.balance.StringFixed(2),
		"peak":               g.peak.StringFixed(2),
		"daily_drawdown":     dd.Daily.StringFixed(4),
		"weekly_drawdown":    dd.Weekly.StringFixed(4),
		"drawdown_from_peak": dd.FromPeak.StringFixed(4),
		"total_exposure":     g.exposureLocked().StringFixed(4),
	}
}

// triggerLocked raises the flag. Caller holds g.mu and announces the
// returned notice after unlocking.
func (g *Gate) triggerLocked(actor, reason string) *stopNotice {
	at := g.now().UTC()
	g.emergency = EmergencyState{Active: true, Actor: actor, Reason: reason, Since: at}
	return &stopNotice{
		actor:     actor,
		reason:    reason,
		figures:   g.figuresLocked(),
		positions: maps.Clone(g.positions),
		at:        at,
	}
}

// TriggerEmergencyStop halts all capital commitment until cleared. Raising
// an already active stop is a no-op.
func (g *Gate) TriggerEmergencyStop(ctx context.Context, actor, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "unspecified"
	}
	g.mu.Lock()
	if g.emergency.Active {
		g.mu.Unlock()
		g.logger.Info("emergency stop already active", "actor", actor, "reason", reason)
		return nil
	}
	stop := g.triggerLocked(actor, reason)
	g.mu.Unlock()
	g.announceStop(ctx, *stop)
	return nil
}

func (g *Gate) announceStop(ctx context.Context, n stopNotice) {
	g.logger.Error("emergency stop triggered", "actor", n.actor, "reason", n.reason, "figures", n.figures)
	g.metrics.EmergencyStopped(ctx)
	audit.Record("risk.emergency_stop", n.actor, audit.Allow, n.reason, formatFigures(n.figures))

	if g.publisher != nil {
		env, err := bus.NewEnvelope(bus.RiskManager, bus.Broadcast, bus.EmergencyStop, bus.Critical,
			EmergencyNotice{Actor: n.actor, Reason: n.reason, Figures: n.figures, At: n.at})
		if err == nil {
			err = g.publisher.Publish(ctx, env)
		}
		if err != nil {
			g.logger.Error("emergency stop broadcast failed", "error", err)
		}
		g.closePositions(ctx, n)
	}

	var cancelled []string
	if g.tasks != nil {
		cancelled = g.tasks.CancelInProgress(ctx, func(t tasks.Task) bool {
			return t.Kind.ExecutionClass()
		}, bus.RiskManager, "emergency stop: "+n.reason)
	}

	g.events.Publish(events.TopicRiskEmergencyStop, events.EmergencyStop{
		Active:    true,
		Actor:     n.actor,
		Reason:    n.reason,
		Figures:   n.figures,
		Cancelled: cancelled,
	})
	g.recordEvent(ctx, Event{Kind: EventEmergencyStop, Actor: n.actor, Reason: n.reason, Figures: n.figures, At: n.at})
	g.PersistSnapshot(ctx)
}

// closePositions asks the trader to flatten every position open when the
// stop was raised.
func (g *Gate) closePositions(ctx context.Context, n stopNotice) {
	for _, asset := range slices.Sorted(maps.Keys(n.positions)) {
		env, err := bus.NewEnvelope(bus.RiskManager, bus.Trader, bus.ClosePosition, bus.Critical,
			positionClose{Asset: asset, Size: n.positions[asset], Reason: "emergency stop: " + n.reason})
		if err == nil {
			err = g.publisher.Publish(ctx, env)
		}
		if err != nil {
			g.logger.Error("emergency close failed", "asset", asset, "error", err)
			continue
		}
		g.logger.Warn("emergency close requested", "asset", asset, "size", n.positions[asset].String())
		audit.Record("risk.emergency_close", string(bus.RiskManager), audit.Allow, n.reason, asset+" "+n.positions[asset].String())
	}
}

// Release implements bus.Releaser. It drops the reservation a dead-lettered
// TRADE_PROPOSAL envelope still holds; a reservation owned by another
// envelope is left alone.
func (g *Gate) Release(ctx context.Context, env bus.Envelope, code string) {
	if env.TaskType != bus.TradeProposal {
		return
	}
	p, _ := ProposalFromEnvelope(env)
	g.mu.Lock()
	res, ok := g.reservations[p.ProposalID]
	if !ok || res.EnvelopeID != env.ID {
		g.mu.Unlock()
		return
	}
	delete(g.reservations, p.ProposalID)
	figures := g.figuresLocked()
	at := g.now().UTC()
	g.mu.Unlock()

	g.logger.Warn("reservation released", "proposal_id", p.ProposalID, "envelope_id", env.ID,
		"asset", res.Asset, "size", res.Size.String(), "code", code)
	audit.Record("risk.release", string(bus.RiskManager), audit.Allow, code, "proposal "+p.ProposalID+" "+res.Asset)
	g.recordEvent(ctx, Event{
		Kind:    EventReservationReleased,
		Actor:   string(bus.RiskManager),
		Reason:  fmt.Sprintf("%s %s %s", code, res.Asset, p.ProposalID),
		Figures: figures,
		At:      at,
	})
}

// ClearEmergencyStop lifts the stop for an authorized principal once every
// drawdown figure is back within its limit. Clearing when no stop is
// active is a no-op.
func (g *Gate) ClearEmergencyStop(ctx context.Context, principal string) error {
	if !g.Authorized(principal) {
		audit.Record("risk.emergency_clear", principal, audit.Deny, "unauthorized", "")
		return fmt.Errorf("clear emergency stop as %q: %w", principal, ErrUnauthorized)
	}
	g.mu.Lock()
	if !g.emergency.Active {
		g.mu.Unlock()
		return nil
	}
	if _, detail := g.breachLocked(g.drawdownLocked(zero)); detail != "" {
		g.mu.Unlock()
		audit.Record("risk.emergency_clear", principal, audit.Deny, detail, "")
		return fmt.Errorf("clear emergency stop: %w: %s", ErrDrawdownBreached, detail)
	}
	prev := g.emergency
	g.emergency = EmergencyState{}
	figures := g.figuresLocked()
	at := g.now().UTC()
	g.mu.Unlock()

	g.logger.Warn("emergency stop cleared", "principal", principal, "raised_by", prev.Actor, "raised_for", prev.Reason)
	audit.Record("risk.emergency_clear", principal, audit.Allow, "cleared stop raised for: "+prev.Reason, formatFigures(figures))
	g.events.Publish(events.TopicRiskEmergencyClear, events.EmergencyStop{
		Active:  false,
		Actor:   principal,
		Reason:  prev.Reason,
		Figures: figures,
	})
	g.recordEvent(ctx, Event{Kind: EventEmergencyClear, Actor: principal, Reason: prev.Reason, Figures: figures, At: at})
	g.PersistSnapshot(ctx)
	return nil
}

// Authorized reports whether principal may clear an emergency stop.
func (g *Gate) Authorized(principal string) bool {
	_, ok := g.authorized[principal]
	return ok
}

// EmergencyActive reports the emergency stop flag.
func (g *Gate) EmergencyActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.emergency.Active
}

// RecordFill reconciles a trade result: reservations become committed
// exposure (or are released), closes reduce exposure and realized PnL moves
// the balance. A realized loss beyond a drawdown limit raises the stop.
func (g *Gate) RecordFill(ctx context.Context, r TradeResult) error {
	switch r.Status {
	case Filled, PartiallyFilled, Rejected, Closed:
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidFill, r.Status)
	}
	if r.Size.IsNegative() {
		return fmt.Errorf("%w: negative size %s", ErrInvalidFill, r.Size)
	}

	g.mu.Lock()
	res, reserved := g.reservations[r.ProposalID]
	asset := r.Asset
	if asset == "" && reserved {
		asset = res.Asset
	}
	if asset == "" && r.Status != Rejected {
		g.mu.Unlock()
		return fmt.Errorf("%w: no asset for proposal %q", ErrInvalidFill, r.ProposalID)
	}
	switch r.Status {
	case Filled, PartiallyFilled:
		committed := r.Size
		if committed.IsZero() && reserved && r.Status == Filled {
			committed = res.Size
		}
		delete(g.reservations, r.ProposalID)
		if committed.IsPositive() {
			g.positions[asset] = g.positions[asset].Add(committed)
		}
	case Rejected:
		delete(g.reservations, r.ProposalID)
	case Closed:
		cur := g.positions[asset]
		closing := r.Size
		if closing.IsZero() || closing.GreaterThan(cur) {
			closing = cur
		}
		if rest := cur.Sub(closing); rest.IsPositive() {
			g.positions[asset] = rest
		} else {
			delete(g.positions, asset)
		}
	}
	if !r.RealizedPnL.IsZero() {
		g.balance = g.balance.Add(r.RealizedPnL)
		g.dailyPnL = g.dailyPnL.Add(r.RealizedPnL)
		g.weeklyPnL = g.weeklyPnL.Add(r.RealizedPnL)
		if g.balance.GreaterThan(g.peak) {
			g.peak = g.balance
		}
	}
	var stop *stopNotice
	if !g.emergency.Active {
		if _, detail := g.breachLocked(g.drawdownLocked(zero)); detail != "" {
			stop = g.triggerLocked(string(bus.RiskManager), "realized "+detail)
		}
	}
	figures := g.figuresLocked()
	at := g.now().UTC()
	g.mu.Unlock()

	g.logger.Info("trade result recorded",
		"proposal_id", r.ProposalID, "asset", asset, "status", r.Status,
		"size", r.Size.String(), "realized_pnl", r.RealizedPnL.String())
	g.recordEvent(ctx, Event{
		Kind:    EventFill,
		Actor:   string(bus.Trader),
		Reason:  fmt.Sprintf("%s %s %s", r.Status, asset, r.ProposalID),
		Figures: figures,
		At:      at,
	})
	if stop != nil {
		g.announceStop(ctx, *stop)
	}
	return nil
}

// ResetDaily starts a new daily drawdown window at the current balance.
func (g *Gate) ResetDaily(ctx context.Context, actor string) {
	g.mu.Lock()
	g.dailyPnL = zero
	g.dayStart = g.balance
	figures := g.figuresLocked()
	at := g.now().UTC()
	g.mu.Unlock()
	g.announceReset(ctx, EventDailyReset, actor, figures, at)
}

// ResetWeekly starts a new weekly drawdown window at the current balance.
func (g *Gate) ResetWeekly(ctx context.Context, actor string) {
	g.mu.Lock()
	g.weeklyPnL = zero
	g.weekStart = g.balance
	figures := g.figuresLocked()
	at := g.now().UTC()
	g.mu.Unlock()
	g.announceReset(ctx, EventWeeklyReset, actor, figures, at)
}

func (g *Gate) announceReset(ctx context.Context, kind, actor string, figures map[string]string, at time.Time) {
	g.logger.Info("risk window reset", "kind", kind, "actor", actor)
	audit.Record("risk."+strings.ToLower(kind), actor, audit.Allow, "schedule boundary", formatFigures(figures))
	g.events.Publish(events.TopicRiskReset, Event{Kind: kind, Actor: actor, Figures: figures, At: at})
	g.recordEvent(ctx, Event{Kind: kind, Actor: actor, Figures: figures, At: at})
	g.PersistSnapshot(ctx)
}

// SetLimits replaces the limit set after validating it.
func (g *Gate) SetLimits(ctx context.Context, l Limits, actor string) error {
	if err := l.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.limits = l.clone()
	g.mu.Unlock()

	reason := fmt.Sprintf("position=%s total=%s daily=%s weekly=%s peak=%s min=%s",
		l.MaxPositionSize, l.MaxTotalExposure, l.MaxDailyDrawdown, l.MaxWeeklyDrawdown, l.MaxDrawdownFromPeak, l.MinPositionSize)
	g.logger.Info("risk limits updated", "actor", actor, "limits", reason)
	audit.Record("risk.set_limits", actor, audit.Allow, reason, "")
	g.recordEvent(ctx, Event{Kind: EventLimitsChanged, Actor: actor, Reason: reason, At: g.now().UTC()})
	return nil
}

// Limits returns the active limit set.
func (g *Gate) Limits() Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits.clone()
}

// settle applies the consequences of a decision outside the critical
// section: feed, audit store, task state and proposer notification.
func (g *Gate) settle(ctx context.Context, p Proposal, d Decision) {
	g.events.Publish(events.TopicRiskDecision, events.RiskDecision{
		ProposalID: d.ProposalID,
		TaskID:     d.TaskID,
		Asset:      d.Asset,
		Outcome:    string(d.Outcome),
		Reason:     d.Reason,
		Detail:     d.Detail,
	})
	if g.recorder != nil {
		if err := g.recorder.RecordRiskDecision(ctx, d); err != nil {
			g.logger.Error("record risk decision failed", "proposal_id", d.ProposalID, "error", err)
		}
	}

	attrs := []any{"proposal_id", d.ProposalID, "task_id", d.TaskID, "asset", d.Asset, "reason", d.Reason}
	switch d.Outcome {
	case Vetoed:
		level := slog.LevelWarn
		if d.Severity == SeverityCritical {
			level = slog.LevelError
		}
		g.logger.Log(ctx, level, "proposal vetoed", append(attrs, "detail", d.Detail)...)
		audit.Record("risk.evaluate", string(bus.RiskManager), audit.Veto, d.Reason, "proposal "+d.ProposalID+" "+d.Asset)
		g.failTask(ctx, p.TaskID, d.Reason)
	case Held:
		g.logger.Debug("proposal held", attrs...)
		return
	default:
		g.logger.Info("proposal approved", append(attrs, "exposure_after", d.ExposureAfter.String(), "warnings", d.Warnings)...)
		audit.Record("risk.evaluate", string(bus.RiskManager), audit.Allow, d.Reason, "proposal "+d.ProposalID+" "+d.Asset)
	}
	g.notifyProposer(ctx, p, d)
}

func (g *Gate) failTask(ctx context.Context, taskID, reason string) {
	if taskID == "" || g.tasks == nil {
		return
	}
	t, ok := g.tasks.Query(taskID)
	if !ok || t.State.Terminal() {
		return
	}
	to := tasks.Cancelled
	if t.State == tasks.InProgress {
		to = tasks.Failed
	}
	if err := g.tasks.Transition(ctx, taskID, to, bus.RiskManager, "risk veto: "+reason); err != nil {
		g.logger.Warn("veto task transition failed", "task_id", taskID, "to", to, "error", err)
	}
}

func (g *Gate) notifyProposer(ctx context.Context, p Proposal, d Decision) {
	if g.publisher == nil || p.Proposer == "" || p.Proposer == bus.RiskManager {
		return
	}
	prio := bus.Normal
	switch {
	case d.Severity == SeverityCritical:
		prio = bus.Critical
	case d.Outcome == Vetoed:
		prio = bus.High
	}
	env, err := bus.NewEnvelope(bus.RiskManager, p.Proposer, bus.RiskDecision, prio, d)
	if err != nil {
		g.logger.Error("build risk decision envelope failed", "error", err)
		return
	}
	env.CorrelationID = p.TaskID
	if err := g.publisher.Publish(ctx, env); err != nil {
		g.logger.Debug("risk decision not delivered to proposer", "proposer", p.Proposer, "error", err)
	}
}

func (g *Gate) recordEvent(ctx context.Context, e Event) {
	if g.recorder == nil {
		return
	}
	if err := g.recorder.RecordRiskEvent(ctx, e); err != nil {
		g.logger.Error("record risk event failed", "kind", e.Kind, "error", err)
	}
}

// PersistSnapshot saves the current state through the recorder.
func (g *Gate) PersistSnapshot(ctx context.Context) {
	if g.recorder == nil {
		return
	}
	if err := g.recorder.SaveRiskSnapshot(ctx, g.Snapshot()); err != nil {
		g.logger.Error("save risk snapshot failed", "error", err)
	}
}

func formatFigures(f map[string]string) string {
	keys := slices.Sorted(maps.Keys(f))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+f[k])
	}
	return strings.Join(parts, " ")
}
