package risk

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrInvalidLimits = errors.New("invalid risk limits")

// Limits are expressed as fractions of portfolio value.
type Limits struct {
	MaxPositionSize     decimal.Decimal `yaml:"max_position_size" json:"max_position_size"`
	MaxTotalExposure    decimal.Decimal `yaml:"max_total_exposure" json:"max_total_exposure"`
	MaxDailyDrawdown    decimal.Decimal `yaml:"max_daily_drawdown" json:"max_daily_drawdown"`
	MaxWeeklyDrawdown   decimal.Decimal `yaml:"max_weekly_drawdown" json:"max_weekly_drawdown"`
	MaxDrawdownFromPeak decimal.Decimal `yaml:"max_drawdown_from_peak" json:"max_drawdown_from_peak"`
	MinPositionSize     decimal.Decimal `yaml:"min_position_size" json:"min_position_size"`

	// Warning-only thresholds.
	AssetConcentration map[string]decimal.Decimal `yaml:"asset_concentration" json:"asset_concentration,omitempty"`
	WarnDrawdownRatio  decimal.Decimal            `yaml:"warn_drawdown_ratio" json:"warn_drawdown_ratio"`
}

// DefaultLimits returns the stock limit set.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionSize:     decimal.RequireFromString("0.05"),
		MaxTotalExposure:    decimal.RequireFromString("0.25"),
		MaxDailyDrawdown:    decimal.RequireFromString("0.05"),
		MaxWeeklyDrawdown:   decimal.RequireFromString("0.10"),
		MaxDrawdownFromPeak: decimal.RequireFromString("0.15"),
		MinPositionSize:     decimal.RequireFromString("0.001"),
		AssetConcentration: map[string]decimal.Decimal{
			"BTC": decimal.RequireFromString("0.15"),
			"ETH": decimal.RequireFromString("0.15"),
		},
		WarnDrawdownRatio: decimal.RequireFromString("0.8"),
	}
}

func (l Limits) clone() Limits {
	l.AssetConcentration = maps.Clone(l.AssetConcentration)
	return l
}

// Validate checks that every limit is a fraction in (0, 1] and that the
// size limits are ordered.
func (l Limits) Validate() error {
	one := decimal.NewFromInt(1)
	fractions := []struct {
		name string
		v    decimal.Decimal
	}{
		{"max_position_size", l.MaxPositionSize},
		{"max_total_exposure", l.MaxTotalExposure},
		{"max_daily_drawdown", l.MaxDailyDrawdown},
		{"max_weekly_drawdown", l.MaxWeeklyDrawdown},
		{"max_drawdown_from_peak", l.MaxDrawdownFromPeak},
		{"min_position_size", l.MinPositionSize},
		{"warn_drawdown_ratio", l.WarnDrawdownRatio},
	}
	for _, f := range fractions {
		if !f.v.IsPositive() || f.v.GreaterThan(one) {
			return fmt.Errorf("%w: %s must be in (0, 1], got %s", ErrInvalidLimits, f.name, f.v)
		}
	}
	if !l.MinPositionSize.LessThan(l.MaxPositionSize) {
		return fmt.Errorf("%w: min_position_size %s must be below max_position_size %s",
			ErrInvalidLimits, l.MinPositionSize, l.MaxPositionSize)
	}
	if l.MaxPositionSize.GreaterThan(l.MaxTotalExposure) {
		return fmt.Errorf("%w: max_position_size %s exceeds max_total_exposure %s",
			ErrInvalidLimits, l.MaxPositionSize, l.MaxTotalExposure)
	}
	for asset, v := range l.AssetConcentration {
		if strings.TrimSpace(asset) == "" || !v.IsPositive() || v.GreaterThan(one) {
			return fmt.Errorf("%w: asset_concentration %q = %s", ErrInvalidLimits, asset, v)
		}
	}
	return nil
}
