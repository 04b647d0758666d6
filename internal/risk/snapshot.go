package risk

import (
	"fmt"
	"maps"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is a point-in-time copy of the gate's state.
type Snapshot struct {
	Limits           Limits                     `json:"limits"`
	Balance          decimal.Decimal            `json:"balance"`
	Peak             decimal.Decimal            `json:"peak"`
	DayStartBalance  decimal.Decimal            `json:"day_start_balance"`
	WeekStartBalance decimal.Decimal            `json:"week_start_balance"`
	DailyPnL         decimal.Decimal            `json:"daily_pnl"`
	WeeklyPnL        decimal.Decimal            `json:"weekly_pnl"`
	Positions        map[string]decimal.Decimal `json:"positions"`
	Reservations     map[string]Reservation     `json:"reservations"`
	TotalExposure    decimal.Decimal            `json:"total_exposure"`
	Drawdown         Drawdown                   `json:"drawdown"`
	Level            Level                      `json:"level"`
	Emergency        EmergencyState             `json:"emergency"`
	Approved         int64                      `json:"approved"`
	Held             int64                      `json:"held"`
	Vetoed           int64                      `json:"vetoed"`
	TakenAt          time.Time                  `json:"taken_at"`
}

// Snapshot returns a copy of the current state.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Limits:           g.limits.clone(),
		Balance:          g.balance,
		Peak:             g.peak,
		DayStartBalance:  g.dayStart,
		WeekStartBalance: g.weekStart,
		DailyPnL:         g.dailyPnL,
		WeeklyPnL:        g.weeklyPnL,
		Positions:        maps.Clone(g.positions),
		Reservations:     maps.Clone(g.reservations),
		TotalExposure:    g.exposureLocked(),
		Drawdown:         g.drawdownLocked(zero),
		Level:            g.levelLocked(),
		Emergency:        g.emergency,
		Approved:         g.approved,
		Held:             g.held,
		Vetoed:           g.vetoed,
		TakenAt:          g.now().UTC(),
	}
}

// Restore loads balances, committed positions, the emergency flag and the
// counters from s. Limits stay as configured. Reservations are not restored:
// the proposals they were held for did not survive the restart.
func (g *Gate) Restore(s Snapshot) error {
	if !s.Balance.IsPositive() || !s.Peak.IsPositive() {
		return fmt.Errorf("restore risk snapshot: balance %s, peak %s must be positive", s.Balance, s.Peak)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balance = s.Balance
	g.peak = decimal.Max(s.Peak, s.Balance)
	g.dayStart = s.DayStartBalance
	g.weekStart = s.WeekStartBalance
	if !g.dayStart.IsPositive() {
		g.dayStart = s.Balance
	}
	if !g.weekStart.IsPositive() {
		g.weekStart = s.Balance
	}
	g.dailyPnL = s.DailyPnL
	g.weeklyPnL = s.WeeklyPnL
	g.positions = make(map[string]decimal.Decimal, len(s.Positions))
	for asset, v := range s.Positions {
		if v.IsPositive() {
			g.positions[asset] = v
		}
	}
	g.reservations = make(map[string]Reservation)
	g.emergency = s.Emergency
	g.approved = s.Approved
	g.held = s.Held
	g.vetoed = s.Vetoed
	if n := len(s.Reservations); n > 0 {
		g.logger.Warn("dropped stale reservations on restore", "count", n)
	}
	return nil
}
