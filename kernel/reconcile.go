package kernel

// ============================================================================
// Order Actions
// ============================================================================

// ActionType discriminates reconciler commands.
type ActionType string

const (
	ActionCreate ActionType = "create"
	ActionCancel ActionType = "cancel"
)

// OrderAction is a command for the exchange client. Only the reconciler
// originates these; the control loop executes them and applies confirmed
// results back onto the ladder.
type OrderAction struct {
	Type     ActionType
	LevelIdx int    // index into ladder.Levels (Create)
	OrderID  string // exchange order id (Cancel)
}

// Adoption records a pending or planned level found already resting on the
// exchange: the level adopts the live order instead of creating a duplicate.
type Adoption struct {
	LevelIdx int
	OrderID  string
}

// Plan is the outcome of one reconciliation pass.
type Plan struct {
	Actions []OrderAction // creates for unplaced levels, cancels for strays
	Adopts  []Adoption    // pending/planned levels confirmed against live orders
	Reverts []int         // levels believed open whose order vanished unfilled
}

// ============================================================================
// Exchange Mirrors
// ============================================================================

// OpenOrder is the reconciler's view of an exchange-reported resting order.
type OpenOrder struct {
	OrderID string
	Side    string
	Price   float64
	Qty     float64
}

// Execution is one fill reported by the exchange since the last tick.
type Execution struct {
	OrderID string
	Side    string
	Price   float64
	Qty     float64
	IsMaker bool
}

// FeeSchedule holds the maker/taker fee rates.
type FeeSchedule struct {
	Maker float64 `json:"maker"`
	Taker float64 `json:"taker"`
}

// Rate returns the fee rate for a fill.
func (f FeeSchedule) Rate(isMaker bool) float64 {
	if isMaker {
		return f.Maker
	}
	return f.Taker
}

// ============================================================================
// Reconciliation
// ============================================================================

// Reconcile diffs the ladder's desired orders against the exchange-reported
// open orders. It never mutates the ladder: the control loop applies the plan.
//
// Matching is idempotent by order fingerprint (symbol+side+price+size): a
// planned level whose identical order is already resting adopts it rather
// than emitting a duplicate create. Exchange orders matching no live level
// are strays and get cancelled.
//
// A degraded ladder (failed rebalance) emits no creates: two grids must
// never mix. Strays are still cancelled so the retried rebalance can finish.
func Reconcile(ladder *GridLadder, open []OpenOrder) Plan {
	var plan Plan

	byID := make(map[string]OpenOrder, len(open))
	byFP := make(map[string]OpenOrder, len(open))
	for _, o := range open {
		byID[o.OrderID] = o
		byFP[Fingerprint(ladder.Config.Symbol, o.Side, o.Price, o.Qty)] = o
	}

	claimed := make(map[string]bool, len(open))

	for i := range ladder.Levels {
		level := &ladder.Levels[i]
		switch level.State {
		case LevelPending, LevelOpen:
			if level.OrderID != "" {
				if _, ok := byID[level.OrderID]; ok {
					claimed[level.OrderID] = true
					if level.State == LevelPending {
						plan.Adopts = append(plan.Adopts, Adoption{LevelIdx: i, OrderID: level.OrderID})
					}
					continue
				}
			}
			// Order id unknown or vanished: an identical resting order still
			// satisfies the level (confirmation raced the previous tick).
			if o, ok := byFP[level.Fingerprint(ladder.Config.Symbol)]; ok && !claimed[o.OrderID] {
				claimed[o.OrderID] = true
				plan.Adopts = append(plan.Adopts, Adoption{LevelIdx: i, OrderID: o.OrderID})
				continue
			}
			// Gone without a fill we know of: re-plan next pass.
			plan.Reverts = append(plan.Reverts, i)

		case LevelPlanned:
			if o, ok := byFP[level.Fingerprint(ladder.Config.Symbol)]; ok && !claimed[o.OrderID] {
				// Already resting (idempotent create): adopt, no duplicate.
				claimed[o.OrderID] = true
				plan.Adopts = append(plan.Adopts, Adoption{LevelIdx: i, OrderID: o.OrderID})
				continue
			}
			if !ladder.Degraded {
				plan.Actions = append(plan.Actions, OrderAction{Type: ActionCreate, LevelIdx: i})
			}
		}
	}

	for _, o := range open {
		if !claimed[o.OrderID] {
			plan.Actions = append(plan.Actions, OrderAction{Type: ActionCancel, OrderID: o.OrderID})
		}
	}

	return plan
}

// CancelAll lists cancel actions for every level currently resting (or about
// to rest) on the exchange. Used by full rebalances, risk halts, and shutdown.
func CancelAll(ladder *GridLadder) []OrderAction {
	var actions []OrderAction
	for _, l := range ladder.Levels {
		if (l.State == LevelPending || l.State == LevelOpen) && l.OrderID != "" {
			actions = append(actions, OrderAction{Type: ActionCancel, OrderID: l.OrderID})
		}
	}
	return actions
}

// ============================================================================
// Fill Processing
// ============================================================================

// FillOutcome is the result of applying one execution to the ladder.
type FillOutcome struct {
	LevelIdx    int
	Level       GridLevel  // post-fill copy
	Counter     *GridLevel // spawned opposing level, nil if deduplicated
	RealizedPnl float64    // zero for opening legs
	Fee         float64
}

// ApplyFills marks filled levels, computes realized PnL deltas with the fee
// schedule, and spawns the opposing level for each fill. Fills that match no
// level (stale or foreign executions) are ignored.
//
// PnL pairs each closing leg with the entry recorded on the level when it was
// spawned: a long round trip realizes (exit-entry)*qty, a short one the
// negation, both net of entry and exit fees. Resting grid orders fill as
// makers; the entry leg is charged the maker rate, the exit leg whatever the
// exchange reported.
func ApplyFills(ladder *GridLadder, fills []Execution, fees FeeSchedule) []FillOutcome {
	var outcomes []FillOutcome
	for _, fill := range fills {
		idx := -1
		for i := range ladder.Levels {
			l := &ladder.Levels[i]
			if l.OrderID != "" && l.OrderID == fill.OrderID && l.State != LevelFilled {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}

		level := &ladder.Levels[idx]
		level.State = LevelFilled
		level.FilledPrice = fill.Price
		level.FilledQty = fill.Qty

		exitFee := fill.Price * fill.Qty * fees.Rate(fill.IsMaker)
		outcome := FillOutcome{LevelIdx: idx, Fee: exitFee}

		if level.EntryPrice > 0 {
			// Closing leg of a grid round trip.
			entryFee := level.EntryPrice * fill.Qty * fees.Maker
			direction := 1.0
			if level.Side == SideBuy {
				direction = -1.0 // spawned buy closes a short round trip
			}
			outcome.RealizedPnl = direction*(fill.Price-level.EntryPrice)*fill.Qty - entryFee - exitFee
		}

		counter := ladder.CounterLevel(*level)
		counter.EntryPrice = fill.Price
		if counter.Price > 0 && !ladder.HasLevel(counter.Fingerprint(ladder.Config.Symbol)) {
			ladder.Levels = append(ladder.Levels, counter)
			c := counter
			outcome.Counter = &c
		}

		outcome.Level = ladder.Levels[idx]
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}
