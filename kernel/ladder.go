package kernel

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrInvalidConfiguration marks a grid configuration the engine refuses to build.
var ErrInvalidConfiguration = errors.New("invalid grid configuration")

// ============================================================================
// Grid Levels
// ============================================================================

// Side of a grid level.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// LevelState is the lifecycle state of a single grid level.
type LevelState string

const (
	LevelPlanned   LevelState = "planned"   // computed, not yet sent to the exchange
	LevelPending   LevelState = "pending"   // create emitted, awaiting confirmation
	LevelOpen      LevelState = "open"      // resting on the exchange
	LevelFilled    LevelState = "filled"    // executed
	LevelCancelled LevelState = "cancelled" // cancelled on the exchange
)

// GridLevel is one resting buy or sell order slot within the ladder.
// Price and Size are fixed at build time; only State and the order
// bookkeeping fields transition afterwards.
type GridLevel struct {
	Index       int        `json:"index"`
	Price       float64    `json:"price"`
	Side        string     `json:"side"`
	Size        float64    `json:"size"`
	State       LevelState `json:"state"`
	OrderID     string     `json:"order_id,omitempty"`
	EntryPrice  float64    `json:"entry_price,omitempty"` // fill price of the leg this level closes
	FilledPrice float64    `json:"filled_price,omitempty"`
	FilledQty   float64    `json:"filled_qty,omitempty"`
}

// Fingerprint identifies an order slot by what the exchange sees:
// symbol, side, price and size at canonical precision. Duplicate creates
// for the same fingerprint are no-ops.
func (l GridLevel) Fingerprint(symbol string) string {
	return Fingerprint(symbol, l.Side, l.Price, l.Size)
}

// Fingerprint builds the canonical order identity string.
func Fingerprint(symbol, side string, price, size float64) string {
	return symbol + "|" + side + "|" +
		strconv.FormatFloat(roundStep(price, 1e-8), 'f', -1, 64) + "|" +
		strconv.FormatFloat(roundStep(size, 1e-8), 'f', -1, 64)
}

// ============================================================================
// Grid Configuration
// ============================================================================

// GridConfiguration is a tier's parameters bound to the balance that
// selected it plus the instrument constraints needed to emit real orders.
// It is recomputed whenever the active tier changes.
type GridConfiguration struct {
	Symbol           string  `json:"symbol"`
	TierLabel        string  `json:"tier_label"`
	GridCount        int     `json:"grid_count"`
	RangePercent     float64 `json:"range_percent"`
	MaxPositionRatio float64 `json:"max_position_ratio"`
	TotalCapital     float64 `json:"total_capital"` // balance that selected the tier
	Leverage         int     `json:"leverage"`
	PriceStep        float64 `json:"price_step"`     // instrument tick size, 0 = no alignment
	QtyStep          float64 `json:"qty_step"`       // instrument lot size, 0 = no alignment
	OffsetPercent    float64 `json:"offset_percent"` // passive price nudge, 0 = disabled
}

// FromTier binds tier parameters to the selecting balance.
func (c GridConfiguration) FromTier(tier BalanceTier, balance float64) GridConfiguration {
	c.TierLabel = tier.Label
	c.GridCount = tier.GridCount
	c.RangePercent = tier.RangePercent
	c.MaxPositionRatio = tier.MaxPositionRatio
	c.TotalCapital = balance
	return c
}

// ============================================================================
// Grid Ladder
// ============================================================================

// GridLadder is the full ordered set of grid levels generated from one
// configuration. Exactly one ladder is active at a time; the control loop
// owns it exclusively and replaces it wholesale on rebalance.
type GridLadder struct {
	Config     GridConfiguration `json:"config"`
	BasePrice  float64           `json:"base_price"`
	UpperPrice float64           `json:"upper_price"`
	LowerPrice float64           `json:"lower_price"`
	Step       float64           `json:"step"`
	Levels     []GridLevel       `json:"levels"`
	Seq        int64             `json:"seq"`      // monotonic rebuild counter
	Degraded   bool              `json:"degraded"` // stale ladder kept after a failed rebalance
}

// BuildLadder computes the grid price levels and order sizes for the given
// price and configuration:
//
//	upper = price * (1 + range)
//	lower = price * (1 - range)
//	step  = (upper - lower) / gridCount
//
// Buy levels sit at price - step*i, sell levels at price + step*i for
// i in 1..gridCount/2. An odd grid count places one extra buy level.
// The build is deterministic: identical inputs yield an identical ladder.
func BuildLadder(currentPrice float64, cfg GridConfiguration) (*GridLadder, error) {
	if currentPrice <= 0 {
		return nil, fmt.Errorf("%w: current price %.8f must be positive", ErrInvalidConfiguration, currentPrice)
	}
	if cfg.GridCount < 2 {
		return nil, fmt.Errorf("%w: grid count %d < 2", ErrInvalidConfiguration, cfg.GridCount)
	}
	if cfg.RangePercent <= 0 || cfg.RangePercent >= 1 {
		return nil, fmt.Errorf("%w: range percent %.4f outside (0,1)", ErrInvalidConfiguration, cfg.RangePercent)
	}
	if cfg.TotalCapital <= 0 {
		return nil, fmt.Errorf("%w: total capital %.2f must be positive", ErrInvalidConfiguration, cfg.TotalCapital)
	}

	upper := currentPrice * (1 + cfg.RangePercent)
	lower := currentPrice * (1 - cfg.RangePercent)
	step := (upper - lower) / float64(cfg.GridCount)
	if lower <= 0 || step <= 0 {
		return nil, fmt.Errorf("%w: lower bound %.8f not positive", ErrInvalidConfiguration, lower)
	}

	leverage := cfg.Leverage
	if leverage < 1 {
		leverage = 1
	}
	// Uniform size per level: allocated capital split across the grid,
	// converted to base quantity at the build price.
	sizeQuote := cfg.TotalCapital * cfg.MaxPositionRatio * float64(leverage) / float64(cfg.GridCount)
	size := alignDown(sizeQuote/currentPrice, cfg.QtyStep)
	if size <= 0 {
		return nil, fmt.Errorf("%w: order size %.8f rounds to zero (capital %.2f, qty step %v)",
			ErrInvalidConfiguration, sizeQuote/currentPrice, cfg.TotalCapital, cfg.QtyStep)
	}

	buyCount := cfg.GridCount/2 + cfg.GridCount%2 // odd counts favor an extra buy
	sellCount := cfg.GridCount / 2

	levels := make([]GridLevel, 0, cfg.GridCount)
	for i := 1; i <= buyCount; i++ {
		price := currentPrice - step*float64(i)
		price = applyOffset(price, SideBuy, cfg.OffsetPercent)
		price = alignDown(price, cfg.PriceStep)
		if price <= 0 {
			return nil, fmt.Errorf("%w: buy level %d price %.8f not positive", ErrInvalidConfiguration, i, price)
		}
		levels = append(levels, GridLevel{
			Index: -i,
			Price: price,
			Side:  SideBuy,
			Size:  size,
			State: LevelPlanned,
		})
	}
	for i := 1; i <= sellCount; i++ {
		price := currentPrice + step*float64(i)
		price = applyOffset(price, SideSell, cfg.OffsetPercent)
		price = alignDown(price, cfg.PriceStep)
		levels = append(levels, GridLevel{
			Index: i,
			Price: price,
			Side:  SideSell,
			Size:  size,
			State: LevelPlanned,
		})
	}

	return &GridLadder{
		Config:     cfg,
		BasePrice:  currentPrice,
		UpperPrice: upper,
		LowerPrice: lower,
		Step:       step,
		Levels:     levels,
	}, nil
}

// CounterLevel builds the opposing Planned level spawned by a fill: a filled
// buy begets a sell one step above the fill price, a filled sell begets a buy
// one step below, at the executed size. This keeps the grid self-replenishing.
func (g *GridLadder) CounterLevel(filled GridLevel) GridLevel {
	side := SideSell
	price := filled.Price + g.Step
	if filled.Side == SideSell {
		side = SideBuy
		price = filled.Price - g.Step
	}
	price = alignDown(price, g.Config.PriceStep)
	size := filled.Size
	if filled.FilledQty > 0 {
		size = filled.FilledQty
	}
	return GridLevel{
		Index: counterIndex(filled),
		Price: price,
		Side:  side,
		Size:  size,
		State: LevelPlanned,
	}
}

// HasLevel reports whether a live (non-terminal) level with the same
// fingerprint already exists in the ladder.
func (g *GridLadder) HasLevel(fp string) bool {
	for _, l := range g.Levels {
		if l.State == LevelFilled || l.State == LevelCancelled {
			continue
		}
		if l.Fingerprint(g.Config.Symbol) == fp {
			return true
		}
	}
	return false
}

// LevelAt returns a pointer to the level at position i of the ladder slice.
func (g *GridLadder) LevelAt(i int) *GridLevel {
	return &g.Levels[i]
}

// ActiveCount counts levels currently pending or open on the exchange.
func (g *GridLadder) ActiveCount() int {
	n := 0
	for _, l := range g.Levels {
		if l.State == LevelPending || l.State == LevelOpen {
			n++
		}
	}
	return n
}

// counterIndex mirrors a filled level's index to the opposite side
// (buy indexes are negative, sell indexes positive).
func counterIndex(filled GridLevel) int {
	return -filled.Index
}

// applyOffset nudges a resting price toward passivity: buys slightly lower,
// sells slightly higher.
func applyOffset(price float64, side string, offsetPercent float64) float64 {
	if offsetPercent <= 0 {
		return price
	}
	if side == SideBuy {
		return price * (1 - offsetPercent)
	}
	return price * (1 + offsetPercent)
}

// alignDown floors v to a multiple of step; step <= 0 leaves v untouched.
func alignDown(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Floor(v/step+1e-9) * step
}

// roundStep rounds to the nearest multiple of step for canonical rendering.
func roundStep(v, step float64) float64 {
	return math.Round(v/step) * step
}
