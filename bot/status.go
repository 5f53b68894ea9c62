package bot

import (
	"time"

	"gridbot/kernel"
)

// Status is the bot's externally visible state, refreshed once per tick
// and on lifecycle transitions. Safe to read from any goroutine.
type Status struct {
	State        string           `json:"state"`
	Exchange     string           `json:"exchange"`
	Symbol       string           `json:"symbol"`
	Tier         string           `json:"tier"`
	GridCount    int              `json:"grid_count"`
	ActiveOrders int              `json:"active_orders"`
	LadderSeq    int64            `json:"ladder_seq"`
	Degraded     bool             `json:"degraded"`
	UpperPrice   float64          `json:"upper_price"`
	LowerPrice   float64          `json:"lower_price"`
	Step         float64          `json:"step"`
	LastPrice    float64          `json:"last_price"`
	Balance      float64          `json:"balance"`
	Equity       float64          `json:"equity"`
	TotalPnl     float64          `json:"total_pnl"`
	Risk         kernel.RiskState `json:"risk"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Status returns a copy of the latest published status.
func (b *Bot) Status() Status {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	return b.status
}

func (b *Bot) setState(state State) {
	b.statusMu.Lock()
	b.status.State = string(state)
	b.status.UpdatedAt = time.Now().UTC()
	b.statusMu.Unlock()
}

// updateStatus mirrors the loop-owned state for readers. Called by the
// run goroutine at the end of each tick.
func (b *Bot) updateStatus(snap *snapshot) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()

	b.status.Tier = b.activeTier.Label
	b.status.LastPrice = snap.Price
	b.status.Balance = snap.Balance.WalletBalance
	b.status.Equity = snap.Balance.TotalEquity
	b.status.TotalPnl = b.totalPnl
	b.status.Risk = b.risk
	b.status.UpdatedAt = time.Now().UTC()

	if b.ladder != nil {
		b.status.GridCount = b.ladder.Config.GridCount
		b.status.ActiveOrders = b.ladder.ActiveCount()
		b.status.LadderSeq = b.ladder.Seq
		b.status.Degraded = b.ladder.Degraded
		b.status.UpperPrice = b.ladder.UpperPrice
		b.status.LowerPrice = b.ladder.LowerPrice
		b.status.Step = b.ladder.Step
	} else {
		b.status.GridCount = 0
		b.status.ActiveOrders = 0
		b.status.LadderSeq = 0
		b.status.Degraded = false
		b.status.UpperPrice = 0
		b.status.LowerPrice = 0
		b.status.Step = 0
	}
}
