package kernel

import (
	"fmt"
	"math"
)

// ============================================================================
// Balance Tiers
// ============================================================================

// BalanceTier maps an account balance range to a grid density/risk profile.
// MaxBalance == 0 means "no upper bound" (the open-ended top tier).
type BalanceTier struct {
	Label            string  `json:"label"`
	MinBalance       float64 `json:"min_balance"`
	MaxBalance       float64 `json:"max_balance"`
	GridCount        int     `json:"grid_count"`
	RangePercent     float64 `json:"range_percent"`
	MaxPositionRatio float64 `json:"max_position_ratio"`
}

// upperBound returns the effective exclusive upper bound of the tier.
func (t BalanceTier) upperBound() float64 {
	if t.MaxBalance <= 0 {
		return math.Inf(1)
	}
	return t.MaxBalance
}

// Contains reports whether balance falls inside [MinBalance, MaxBalance).
func (t BalanceTier) Contains(balance float64) bool {
	return balance >= t.MinBalance && balance < t.upperBound()
}

// TierTable is an ordered, validated list of balance tiers partitioning [0, +inf).
type TierTable struct {
	tiers []BalanceTier
}

// NewTierTable validates the rows and builds a table.
// Rows must be sorted ascending, contiguous from 0, with an open-ended last row.
func NewTierTable(rows []BalanceTier) (*TierTable, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty tier table", ErrInvalidConfiguration)
	}
	if rows[0].MinBalance != 0 {
		return nil, fmt.Errorf("%w: first tier must start at 0, got %.2f", ErrInvalidConfiguration, rows[0].MinBalance)
	}
	for i, row := range rows {
		if row.GridCount < 2 {
			return nil, fmt.Errorf("%w: tier %q grid count %d < 2", ErrInvalidConfiguration, row.Label, row.GridCount)
		}
		if row.RangePercent <= 0 || row.RangePercent >= 1 {
			return nil, fmt.Errorf("%w: tier %q range percent %.4f outside (0,1)", ErrInvalidConfiguration, row.Label, row.RangePercent)
		}
		if row.MaxPositionRatio <= 0 || row.MaxPositionRatio > 1 {
			return nil, fmt.Errorf("%w: tier %q max position ratio %.4f outside (0,1]", ErrInvalidConfiguration, row.Label, row.MaxPositionRatio)
		}
		last := i == len(rows)-1
		if last {
			if row.MaxBalance > 0 {
				return nil, fmt.Errorf("%w: last tier %q must be open-ended", ErrInvalidConfiguration, row.Label)
			}
			continue
		}
		if row.MaxBalance <= row.MinBalance {
			return nil, fmt.Errorf("%w: tier %q has max %.2f <= min %.2f", ErrInvalidConfiguration, row.Label, row.MaxBalance, row.MinBalance)
		}
		if rows[i+1].MinBalance != row.MaxBalance {
			return nil, fmt.Errorf("%w: gap between tier %q (max %.2f) and %q (min %.2f)",
				ErrInvalidConfiguration, row.Label, row.MaxBalance, rows[i+1].Label, rows[i+1].MinBalance)
		}
	}
	tiers := make([]BalanceTier, len(rows))
	copy(tiers, rows)
	return &TierTable{tiers: tiers}, nil
}

// SelectTier returns the unique tier containing balance.
// Negative balances clamp to the first tier so the function stays total.
func (tt *TierTable) SelectTier(balance float64) BalanceTier {
	if balance < 0 {
		balance = 0
	}
	for _, t := range tt.tiers {
		if t.Contains(balance) {
			return t
		}
	}
	// Unreachable for a validated table; the last tier is open-ended.
	return tt.tiers[len(tt.tiers)-1]
}

// Tiers returns a copy of the table rows.
func (tt *TierTable) Tiers() []BalanceTier {
	out := make([]BalanceTier, len(tt.tiers))
	copy(out, tt.tiers)
	return out
}

// DefaultTiers is the stock balance tier table: denser grids and smaller
// position ratios as capital grows.
func DefaultTiers() []BalanceTier {
	return []BalanceTier{
		{Label: "0-300", MinBalance: 0, MaxBalance: 300, GridCount: 4, RangePercent: 0.025, MaxPositionRatio: 0.90},
		{Label: "300-500", MinBalance: 300, MaxBalance: 500, GridCount: 6, RangePercent: 0.03, MaxPositionRatio: 0.85},
		{Label: "500-800", MinBalance: 500, MaxBalance: 800, GridCount: 10, RangePercent: 0.035, MaxPositionRatio: 0.75},
		{Label: "800-1200", MinBalance: 800, MaxBalance: 1200, GridCount: 15, RangePercent: 0.04, MaxPositionRatio: 0.70},
		{Label: "1200-2000", MinBalance: 1200, MaxBalance: 2000, GridCount: 20, RangePercent: 0.045, MaxPositionRatio: 0.65},
		{Label: "2000-5000", MinBalance: 2000, MaxBalance: 5000, GridCount: 30, RangePercent: 0.05, MaxPositionRatio: 0.60},
		{Label: "5000+", MinBalance: 5000, MaxBalance: 0, GridCount: 40, RangePercent: 0.05, MaxPositionRatio: 0.55},
	}
}
