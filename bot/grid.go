package bot

import (
	"context"
	"fmt"
	"math"

	"gridbot/kernel"
	"gridbot/logger"
	"gridbot/market"
	"gridbot/notify"
	"gridbot/store"
	"gridbot/trader"
)

// ============================================================================
// Snapshot
// ============================================================================

// snapshot is one tick's view of the account and the market.
type snapshot struct {
	Price         float64
	Balance       trader.Balance
	Position      *trader.Position
	Open          []trader.OpenOrder
	PositionValue float64
}

// fetchSnapshot pulls balance, price, open orders and position. Price
// prefers the websocket stream when it is fresh; everything else is REST
// behind the retry policy. Any failure abandons the tick.
func (b *Bot) fetchSnapshot(ctx context.Context) (*snapshot, error) {
	symbol := b.cfg.Trading.Symbol
	snap := &snapshot{}

	err := b.retry.Do(ctx, "get balance", func() error {
		bal, err := b.exchange.GetBalance(ctx)
		if err != nil {
			return err
		}
		snap.Balance = *bal
		return nil
	})
	if err != nil {
		return nil, err
	}

	if b.stream != nil {
		if price, ok := b.stream.LastPrice(streamMaxAge); ok {
			snap.Price = price
		}
	}
	if snap.Price <= 0 {
		err = b.retry.Do(ctx, "get ticker", func() error {
			t, err := b.exchange.GetTicker(ctx, symbol)
			if err != nil {
				return err
			}
			snap.Price = t.LastPrice
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	err = b.retry.Do(ctx, "get open orders", func() error {
		open, err := b.exchange.GetOpenOrders(ctx, symbol)
		if err != nil {
			return err
		}
		snap.Open = open
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = b.retry.Do(ctx, "get position", func() error {
		pos, err := b.exchange.GetPosition(ctx, symbol)
		if err != nil {
			return err
		}
		snap.Position = pos
		return nil
	})
	if err != nil {
		return nil, err
	}

	if snap.Position != nil {
		mark := snap.Position.MarkPrice
		if mark <= 0 {
			mark = snap.Price
		}
		snap.PositionValue = math.Abs(snap.Position.Size) * mark
	}
	return snap, nil
}

// ============================================================================
// Fill Processing
// ============================================================================

// processFills resolves every resting level whose order vanished from the
// open-order list, applies confirmed fills to the ladder and books the
// results. Returns false when any lookup failed; the caller must then skip
// reconciliation so an unconfirmed fill cannot be double-placed.
func (b *Bot) processFills(ctx context.Context, snap *snapshot) bool {
	if b.ladder == nil {
		return true
	}

	resting := make(map[string]bool, len(snap.Open))
	for _, o := range snap.Open {
		resting[o.OrderID] = true
	}

	symbol := b.cfg.Trading.Symbol
	var executions []kernel.Execution
	unresolved := 0

	for i := range b.ladder.Levels {
		level := &b.ladder.Levels[i]
		if level.State != kernel.LevelPending && level.State != kernel.LevelOpen {
			continue
		}
		if level.OrderID == "" || resting[level.OrderID] {
			continue
		}

		var status *trader.OrderStatus
		err := b.retry.Do(ctx, "get order status", func() error {
			s, err := b.exchange.GetOrderStatus(ctx, symbol, level.OrderID)
			if err != nil {
				return err
			}
			status = s
			return nil
		})
		if err != nil {
			unresolved++
			logger.Warnf("[Grid] Order %s vanished and status lookup failed, retrying next tick: %v",
				level.OrderID, err)
			continue
		}

		switch status.Status {
		case trader.StatusFilled:
			executions = append(executions, executionFor(level, status))

		case trader.StatusCanceled:
			if status.ExecutedQty > 0 {
				logger.Warnf("[Grid] Order %s cancelled after partial fill %.6f, booking the executed part",
					level.OrderID, status.ExecutedQty)
				executions = append(executions, executionFor(level, status))
				break
			}
			logger.Infof("[Grid] Order %s cancelled externally, level %d re-planned",
				level.OrderID, level.Index)
			level.State = kernel.LevelPlanned
			level.OrderID = ""

		default:
			// NEW or PARTIALLY_FILLED yet absent from the open list: the
			// exchange views are mid-transition. Try again next tick.
			unresolved++
			logger.Warnf("[Grid] Order %s reported %s but not resting, retrying next tick",
				level.OrderID, status.Status)
		}
	}

	outcomes := kernel.ApplyFills(b.ladder, executions, b.fees)
	for _, out := range outcomes {
		b.bookFill(out)
	}
	return unresolved == 0
}

// executionFor converts an exchange status report into a ladder execution.
// Zero averages fall back to the level's own price and size.
func executionFor(level *kernel.GridLevel, status *trader.OrderStatus) kernel.Execution {
	price := status.AvgPrice
	if price <= 0 {
		price = level.Price
	}
	qty := status.ExecutedQty
	if qty <= 0 {
		qty = level.Size
	}
	return kernel.Execution{
		OrderID: level.OrderID,
		Side:    level.Side,
		Price:   price,
		Qty:     qty,
		IsMaker: true,
	}
}

// bookFill records one applied fill: daily and lifetime PnL, the trade
// row, the CSV journal, the event log, and a notification when a round
// trip closed.
func (b *Bot) bookFill(out kernel.FillOutcome) {
	symbol := b.cfg.Trading.Symbol
	b.risk.DailyRealizedPnl += out.RealizedPnl
	b.totalPnl += out.RealizedPnl

	note := fmt.Sprintf("grid level %d", out.Level.Index)
	if out.RealizedPnl != 0 {
		note = fmt.Sprintf("grid level %d round trip", out.Level.Index)
	}
	trade := store.TradeModel{
		Symbol:  symbol,
		Side:    out.Level.Side,
		Price:   out.Level.FilledPrice,
		Qty:     out.Level.FilledQty,
		OrderID: out.Level.OrderID,
		Status:  trader.StatusFilled,
		PnL:     out.RealizedPnl,
		Fee:     out.Fee,
		Note:    note,
	}
	if err := b.store.Trade().Save(&trade); err != nil {
		logger.Errorf("[Store] Failed to save trade: %v", err)
	}
	if path := b.cfg.Store.TradeLogCSV; path != "" {
		if err := b.store.Trade().AppendCSV(path, trade); err != nil {
			logger.Warnf("[Store] Failed to append trade CSV: %v", err)
		}
	}

	b.recordEvent(&store.EventModel{
		Type: store.EventOrderFilled, Symbol: symbol, Side: out.Level.Side,
		Price: out.Level.FilledPrice, Qty: out.Level.FilledQty, PnL: out.RealizedPnl,
		Message: note,
	})

	logger.Infof("[Grid] Fill: %s %.6f @ %.4f, realized %.4f, fee %.4f",
		out.Level.Side, out.Level.FilledQty, out.Level.FilledPrice, out.RealizedPnl, out.Fee)
	if out.RealizedPnl != 0 {
		b.notify(notify.RoundTripNotice(symbol, out.Level.Side, out.Level.FilledPrice,
			out.Level.FilledQty, out.RealizedPnl))
	}
}

// ============================================================================
// Tier Selection and Rebalance
// ============================================================================

// maybeRebalance decides whether this tick rebuilds the grid. A tier
// change must hold for two consecutive ticks before it triggers; a
// degraded ladder retries immediately, debounce does not apply.
func (b *Bot) maybeRebalance(ctx context.Context, snap *snapshot) {
	tier := b.tiers.SelectTier(snap.Balance.WalletBalance)

	switch {
	case b.ladder == nil:
		logger.Infof("[Grid] Building initial grid: tier %s (balance %.2f)", tier.Label, snap.Balance.WalletBalance)
		b.rebalance(ctx, tier, snap)

	case b.ladder.Degraded:
		logger.Warnf("[Grid] Ladder degraded, retrying rebalance into tier %s", tier.Label)
		b.rebalance(ctx, tier, snap)

	case b.ladderDormant():
		// Every level is terminal (halt cancelled the grid, or all filled).
		logger.Infof("[Grid] No live levels remain, rebuilding grid in tier %s", tier.Label)
		b.rebalance(ctx, tier, snap)

	case tier.Label != b.activeTier.Label:
		if b.candidateTier == tier.Label {
			logger.Infof("[Grid] Tier change confirmed: %s to %s", b.activeTier.Label, tier.Label)
			b.rebalance(ctx, tier, snap)
			return
		}
		b.candidateTier = tier.Label
		logger.Infof("[Grid] Tier drift: %s to %s, awaiting confirmation next tick",
			b.activeTier.Label, tier.Label)

	default:
		b.candidateTier = ""
	}
}

// rebalance cancels the old ladder and builds a new one around the
// current price. Any cancel failure leaves the old ladder degraded and
// aborts the rebuild: two grids must never rest at once.
func (b *Bot) rebalance(ctx context.Context, tier kernel.BalanceTier, snap *snapshot) {
	symbol := b.cfg.Trading.Symbol
	prevTier := b.activeTier.Label
	prevSeq := int64(0)

	if b.ladder != nil {
		prevSeq = b.ladder.Seq
		cancels := kernel.CancelAll(b.ladder)
		if len(cancels) > 0 {
			results := b.executePlan(ctx, cancels)
			failed := 0
			for _, res := range results {
				if res.Err != nil {
					failed++
					continue
				}
				b.markCancelled(res.Action.OrderID)
			}
			if failed > 0 {
				b.markDegraded(fmt.Errorf("%d of %d cancels failed", failed, len(cancels)))
				return
			}
		}
	}

	gridCfg := kernel.GridConfiguration{
		Symbol:        symbol,
		Leverage:      b.cfg.Trading.Leverage,
		PriceStep:     b.instrument.TickSize,
		QtyStep:       b.instrument.QtyStep,
		OffsetPercent: b.cfg.Grid.OrderOffsetPercent,
	}.FromTier(tier, snap.Balance.WalletBalance)
	gridCfg.RangePercent = b.resolveRange(ctx, snap.Price, tier.RangePercent)

	ladder, err := kernel.BuildLadder(snap.Price, gridCfg)
	if err != nil {
		b.markDegraded(fmt.Errorf("ladder build: %w", err))
		return
	}
	ladder.Seq = prevSeq + 1

	b.ladder = ladder
	b.activeTier = tier
	b.candidateTier = ""
	b.degradedAlert = false

	logger.Infof("[Grid] 🔄 Grid rebuilt: tier %s, %d levels, range [%.4f, %.4f], step %.4f, seq %d",
		tier.Label, len(ladder.Levels), ladder.LowerPrice, ladder.UpperPrice, ladder.Step, ladder.Seq)
	b.recordEvent(&store.EventModel{Type: store.EventGridRebuilt, Symbol: symbol,
		Message: fmt.Sprintf("tier %s, %d levels, range [%.4f, %.4f], seq %d",
			tier.Label, len(ladder.Levels), ladder.LowerPrice, ladder.UpperPrice, ladder.Seq)})
	if tier.Label != prevTier {
		b.recordEvent(&store.EventModel{Type: store.EventTierChanged, Symbol: symbol,
			Message: fmt.Sprintf("tier %s to %s (balance %.2f)", prevTier, tier.Label, snap.Balance.WalletBalance)})
	}
	b.notify(notify.RebalanceNotice(symbol, tier.Label, gridCfg.GridCount, ladder.LowerPrice, ladder.UpperPrice))
}

// ladderDormant reports whether no level can ever rest again: everything
// is filled or cancelled, so only a rebuild puts orders back out.
func (b *Bot) ladderDormant() bool {
	for _, l := range b.ladder.Levels {
		switch l.State {
		case kernel.LevelPlanned, kernel.LevelPending, kernel.LevelOpen:
			return false
		}
	}
	return true
}

// markDegraded flags the current ladder and raises the alarm once per
// degraded episode.
func (b *Bot) markDegraded(cause error) {
	logger.Errorf("[Grid] ⚠️ Rebalance failed, ladder degraded: %v", cause)
	if b.ladder != nil {
		b.ladder.Degraded = true
	}
	if b.degradedAlert {
		return
	}
	b.degradedAlert = true
	b.recordEvent(&store.EventModel{Type: store.EventGridDegraded, Symbol: b.cfg.Trading.Symbol,
		Message: cause.Error()})
	b.notify(notify.DegradedAlert(b.cfg.Trading.Symbol, cause))
}

// markCancelled moves the level owning orderID to Cancelled.
func (b *Bot) markCancelled(orderID string) {
	if b.ladder == nil {
		return
	}
	for i := range b.ladder.Levels {
		l := &b.ladder.Levels[i]
		if l.OrderID == orderID && (l.State == kernel.LevelPending || l.State == kernel.LevelOpen) {
			l.State = kernel.LevelCancelled
			return
		}
	}
}

// resolveRange returns the grid range percent, preferring the volatility
// model over the tier's static value when recent klines are available.
func (b *Bot) resolveRange(ctx context.Context, price, static float64) float64 {
	if !b.cfg.Grid.UseDynamicRange {
		return static
	}
	var klines []market.Kline
	err := b.retry.Do(ctx, "get klines", func() error {
		k, err := b.exchange.GetKlines(ctx, b.cfg.Trading.Symbol, "1h", b.cfg.Grid.ATRPeriod+1)
		if err != nil {
			return err
		}
		klines = k
		return nil
	})
	if err != nil {
		logger.Warnf("[Grid] Klines unavailable, using static range %.4f: %v", static, err)
		return static
	}
	return b.analyzer.RangePercent(klines, price, static)
}

// ============================================================================
// Reconciliation
// ============================================================================

// reconcile diffs the ladder against the exchange-reported open orders
// and executes the plan: adopt confirmed orders, re-plan vanished ones,
// create missing levels, cancel strays.
func (b *Bot) reconcile(ctx context.Context, snap *snapshot) {
	if b.ladder == nil {
		return
	}

	open := make([]kernel.OpenOrder, 0, len(snap.Open))
	for _, o := range snap.Open {
		open = append(open, kernel.OpenOrder{OrderID: o.OrderID, Side: o.Side, Price: o.Price, Qty: o.Qty})
	}

	plan := kernel.Reconcile(b.ladder, open)

	for _, adopt := range plan.Adopts {
		level := &b.ladder.Levels[adopt.LevelIdx]
		if level.OrderID != adopt.OrderID {
			logger.Infof("[Grid] Adopted resting order %s for level %d", adopt.OrderID, level.Index)
		}
		level.State = kernel.LevelOpen
		level.OrderID = adopt.OrderID
	}
	for _, idx := range plan.Reverts {
		level := &b.ladder.Levels[idx]
		logger.Warnf("[Grid] Order %s for level %d vanished, re-planning", level.OrderID, level.Index)
		level.State = kernel.LevelPlanned
		level.OrderID = ""
	}

	if len(plan.Actions) == 0 {
		return
	}
	results := b.executePlan(ctx, plan.Actions)
	b.applyResults(ctx, results)
}

// applyResults writes confirmed order results back onto the ladder. A
// fatal create error (invalid parameters, insufficient margin) halts
// trading instead of hammering the venue every tick.
func (b *Bot) applyResults(ctx context.Context, results []actionResult) {
	symbol := b.cfg.Trading.Symbol

	for _, res := range results {
		switch res.Action.Type {
		case kernel.ActionCreate:
			level := &b.ladder.Levels[res.Action.LevelIdx]
			if res.Err != nil {
				if trader.IsFatal(res.Err) {
					b.haltFatal(ctx, res.Err)
					return
				}
				logger.Warnf("[Grid] Place failed for level %d (%s %.6f @ %.4f), retrying next tick: %v",
					level.Index, level.Side, level.Size, level.Price, res.Err)
				continue
			}
			level.State = kernel.LevelPending
			level.OrderID = res.OrderID
			logger.Infof("[Grid] Placed %s %.6f @ %.4f (level %d, order %s)",
				level.Side, level.Size, level.Price, level.Index, res.OrderID)
			b.recordEvent(&store.EventModel{Type: store.EventOrderPlaced, Symbol: symbol,
				Side: level.Side, Price: level.Price, Qty: level.Size,
				Message: fmt.Sprintf("level %d", level.Index)})

		case kernel.ActionCancel:
			if res.Err != nil {
				logger.Warnf("[Grid] Cancel failed for order %s, retrying next tick: %v",
					res.Action.OrderID, res.Err)
				continue
			}
			b.markCancelled(res.Action.OrderID)
			logger.Infof("[Grid] Cancelled stray order %s", res.Action.OrderID)
			b.recordEvent(&store.EventModel{Type: store.EventOrderCanceled, Symbol: symbol,
				Message: "order " + res.Action.OrderID})
		}
	}
}

// haltFatal latches a halt on an unrecoverable order error.
func (b *Bot) haltFatal(ctx context.Context, cause error) {
	reason := "fatal order error"
	b.risk.Halt(reason)
	logger.Errorf("[Risk] 🛑 Trading halted: %v", cause)

	if err := b.exchange.CancelAllOrders(ctx, b.cfg.Trading.Symbol); err != nil {
		logger.Errorf("[Risk] Halt cancel-all failed: %v", err)
	} else {
		b.markAllCancelled()
	}
	b.recordEvent(&store.EventModel{Type: store.EventRiskHalt, Symbol: b.cfg.Trading.Symbol,
		Message: reason + ": " + cause.Error()})
	b.notify(notify.HaltAlert(b.cfg.Trading.Symbol, reason, cause.Error()))
}

// ============================================================================
// Persistence
// ============================================================================

// persist saves the session, appends an equity snapshot, and refreshes
// the published status.
func (b *Bot) persist(snap *snapshot) {
	symbol := b.cfg.Trading.Symbol

	if b.ladder != nil {
		if err := b.store.Session().Save(symbol, b.ladder, b.risk); err != nil {
			logger.Errorf("[Store] Failed to persist session: %v", err)
		}
	}

	unrealized := snap.Balance.UnrealizedPnl
	if snap.Position != nil {
		unrealized = snap.Position.UnrealizedPnl
	}
	if err := b.store.Equity().Save(&store.EquityModel{
		TotalEquity:   snap.Balance.TotalEquity,
		Balance:       snap.Balance.WalletBalance,
		UnrealizedPnL: unrealized,
		PositionValue: snap.PositionValue,
	}); err != nil {
		logger.Warnf("[Store] Failed to save equity snapshot: %v", err)
	}

	b.updateStatus(snap)
}
