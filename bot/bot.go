// Package bot runs the grid trading control loop: one goroutine owns the
// ladder and risk state, fetches account and market snapshots each tick,
// evaluates risk before any order is issued, keeps the resting grid
// consistent with the exchange, and persists everything for recovery.
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridbot/config"
	"gridbot/kernel"
	"gridbot/logger"
	"gridbot/market"
	"gridbot/notify"
	"gridbot/store"
	"gridbot/trader"
)

// State is the loop's lifecycle phase, published through Status.
type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StateFetching   State = "fetching"
	StateEvaluating State = "evaluating"
	StateActing     State = "acting"
	StateSleeping   State = "sleeping"
	StateHalted     State = "halted"
	StateStopped    State = "stopped"
)

// Price from the ticker stream older than this falls back to REST.
const streamMaxAge = 10 * time.Second

// Bot is the control loop. The run goroutine is the single writer of
// ladder, risk and tier fields; other goroutines interact only through
// Status(), ResetRisk() and Stop().
type Bot struct {
	cfg      *config.Config
	exchange trader.Exchange
	store    *store.Store
	notifier notify.Notifier
	stream   *market.TickerStream
	analyzer *market.Analyzer
	retry    trader.RetryPolicy

	tiers  *kernel.TierTable
	limits kernel.RiskLimits
	fees   kernel.FeeSchedule

	// owned by the run goroutine
	ladder        *kernel.GridLadder
	risk          kernel.RiskState
	activeTier    kernel.BalanceTier
	candidateTier string
	instrument    trader.Instrument
	orderSeq      int64
	tickCount     int64
	totalPnl      float64
	degradedAlert bool

	status   Status
	statusMu sync.RWMutex

	rootCtx    context.Context
	rootCancel context.CancelFunc
	resetCh    chan struct{}
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New wires the loop to its collaborators and validates the tier table.
func New(cfg *config.Config, exchange trader.Exchange, st *store.Store, notifier notify.Notifier, stream *market.TickerStream) (*Bot, error) {
	tiers, err := cfg.TierTable()
	if err != nil {
		return nil, err
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	b := &Bot{
		cfg:      cfg,
		exchange: exchange,
		store:    st,
		notifier: notifier,
		stream:   stream,
		analyzer: market.NewAnalyzer(market.RangeModel{
			Enabled:    cfg.Grid.UseDynamicRange,
			Period:     cfg.Grid.ATRPeriod,
			Multiplier: cfg.Grid.ATRMultiplier,
			Min:        cfg.Grid.MinRangePercent,
			Max:        cfg.Grid.MaxRangePercent,
		}),
		retry:      trader.NewRetryPolicy(cfg.Order.MaxRetries, cfg.RetryBaseDelay(), cfg.RetryMaxDelay()),
		tiers:      tiers,
		limits:     cfg.RiskLimits(),
		fees:       cfg.FeeSchedule(),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		resetCh:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	b.status = Status{State: string(StateIdle), Symbol: cfg.Trading.Symbol, Exchange: exchange.Name()}
	return b, nil
}

// Start performs the startup sequence and launches the loop goroutine:
// leverage, balance floor, instrument constraints, prior session recovery
// (or a clean slate with strays cancelled).
func (b *Bot) Start() error {
	ctx, cancel := context.WithTimeout(b.rootCtx, 30*time.Second)
	defer cancel()

	symbol := b.cfg.Trading.Symbol

	if err := b.exchange.SetLeverage(ctx, symbol, b.cfg.Trading.Leverage); err != nil {
		logger.Warnf("[Bot] Failed to set leverage %dx on %s: %v", b.cfg.Trading.Leverage, symbol, err)
	}

	balance, err := b.exchange.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("startup balance check failed: %w", err)
	}
	if balance.WalletBalance < b.cfg.Trading.MinBalance {
		return fmt.Errorf("balance %.2f below minimum tradable %.2f USDT",
			balance.WalletBalance, b.cfg.Trading.MinBalance)
	}

	if inst, err := b.exchange.GetInstrument(ctx, symbol); err != nil {
		logger.Warnf("[Bot] Instrument constraints unavailable for %s: %v", symbol, err)
	} else {
		b.instrument = *inst
	}

	ladder, risk, err := b.store.Session().Load(symbol)
	if err != nil {
		logger.Warnf("[Bot] Session recovery failed, starting fresh: %v", err)
	}
	if ladder != nil && risk != nil {
		b.ladder = ladder
		b.risk = *risk
		b.activeTier = b.matchTier(ladder.Config.TierLabel, balance.WalletBalance)
		logger.Infof("[Bot] ✅ Recovered session: tier %s, %d levels, ladder seq %d, halted=%v",
			b.activeTier.Label, len(ladder.Levels), ladder.Seq, risk.TradingHalted)
	} else {
		b.risk = kernel.NewRiskState(balance.WalletBalance, time.Now())
		if err := b.exchange.CancelAllOrders(ctx, symbol); err != nil {
			logger.Warnf("[Bot] Startup cancel-all failed: %v", err)
		}
	}

	b.recordEvent(&store.EventModel{Type: store.EventBotStarted, Symbol: symbol,
		Message: fmt.Sprintf("balance %.2f on %s", balance.WalletBalance, b.exchange.Name())})
	b.notify(notify.StartupNotice(b.exchange.Name(), symbol, balance.WalletBalance))
	logger.Infof("[Bot] ✅ Started on %s %s, balance %.2f USDT, tick %v",
		b.exchange.Name(), symbol, balance.WalletBalance, b.cfg.TickInterval())

	b.setState(StateRunning)
	b.wg.Add(1)
	go b.run()
	return nil
}

// Stop shuts the loop down, cancels resting orders best-effort and
// persists the final session state. Safe to call more than once.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.rootCancel()
		b.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		symbol := b.cfg.Trading.Symbol
		if err := b.exchange.CancelAllOrders(ctx, symbol); err != nil {
			logger.Errorf("[Bot] Shutdown cancel-all failed: %v", err)
		} else if b.ladder != nil {
			b.markAllCancelled()
		}
		if b.ladder != nil {
			if err := b.store.Session().Save(symbol, b.ladder, b.risk); err != nil {
				logger.Errorf("[Bot] Failed to persist final session: %v", err)
			}
		}

		b.recordEvent(&store.EventModel{Type: store.EventBotStopped, Symbol: symbol, PnL: b.totalPnl})
		b.notify(notify.ShutdownNotice(symbol, b.totalPnl))
		b.setState(StateStopped)
		logger.Infof("[Bot] 🛑 Stopped, total realized PnL %.4f USDT", b.totalPnl)
	})
}

// ResetRisk asks the loop to clear a risk halt. The reset is applied at
// the start of the next tick by the owning goroutine.
func (b *Bot) ResetRisk() {
	select {
	case b.resetCh <- struct{}{}:
	default:
	}
}

func (b *Bot) run() {
	defer b.wg.Done()

	b.tick()

	ticker := time.NewTicker(b.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

// tick is one full pass: fetch, day rollover, fill bookkeeping, risk
// gate, tier selection, reconcile, persist. A blocked verdict ends the
// tick before any order issuance.
func (b *Bot) tick() {
	ctx, cancel := context.WithTimeout(b.rootCtx, 3*b.cfg.TickInterval())
	defer cancel()

	b.tickCount++
	b.applyPendingReset()

	b.setState(StateFetching)
	snap, err := b.fetchSnapshot(ctx)
	if err != nil {
		logger.Warnf("[Bot] Tick %d abandoned: %v", b.tickCount, err)
		return
	}

	now := time.Now()
	wasHalted := b.risk.TradingHalted
	endedDay := b.risk
	if b.risk.RollDay(snap.Balance.WalletBalance, now) {
		logger.Infof("[Risk] New trading day %s, counters reset (start balance %.2f)",
			b.risk.Day, b.risk.StartOfDayBalance)
		b.sendDailySummary(endedDay)
		if wasHalted {
			b.recordEvent(&store.EventModel{Type: store.EventRiskReset, Symbol: b.cfg.Trading.Symbol,
				Message: "day rollover"})
			b.notify(notify.ResumeNotice(b.cfg.Trading.Symbol, "day rollover"))
		}
	}
	b.risk.Observe(snap.Balance.WalletBalance, snap.Balance.TotalEquity)
	if b.activeTier.Label == "" {
		b.activeTier = b.tiers.SelectTier(snap.Balance.WalletBalance)
	}

	b.setState(StateEvaluating)
	fillsResolved := b.processFills(ctx, snap)

	verdict := kernel.EvaluateRisk(b.risk, b.limits, kernel.RiskInput{
		Balance:          snap.Balance.WalletBalance,
		Equity:           snap.Balance.TotalEquity,
		PositionValue:    snap.PositionValue,
		MaxPositionRatio: b.activeTier.MaxPositionRatio,
	})
	if !verdict.Allowed {
		b.handleBlock(ctx, verdict)
		b.persist(snap)
		b.setState(StateHalted)
		return
	}

	b.setState(StateActing)
	if fillsResolved {
		b.maybeRebalance(ctx, snap)
		b.reconcile(ctx, snap)
	} else {
		logger.Warnf("[Bot] Deferring grid actions: unresolved vanished orders")
	}

	if b.tickCount%10 == 0 {
		b.logPerformance()
	}

	b.persist(snap)
	if b.risk.TradingHalted {
		b.setState(StateHalted)
		return
	}
	b.setState(StateSleeping)
}

// applyPendingReset drains the operator reset request, if any.
func (b *Bot) applyPendingReset() {
	select {
	case <-b.resetCh:
		if !b.risk.TradingHalted {
			return
		}
		was := b.risk.HaltReason
		b.risk.Reset()
		logger.Infof("[Risk] ✅ Halt cleared by operator (was: %s)", was)
		b.recordEvent(&store.EventModel{Type: store.EventRiskReset, Symbol: b.cfg.Trading.Symbol,
			Message: "operator reset, was: " + was})
		b.notify(notify.ResumeNotice(b.cfg.Trading.Symbol, "operator reset"))
	default:
	}
}

// handleBlock latches the halt on the first blocking verdict: cancel all
// resting orders, record and notify. Subsequent halted ticks are quiet.
func (b *Bot) handleBlock(ctx context.Context, verdict kernel.Verdict) {
	if b.risk.TradingHalted && verdict.Detail == "trading halted" {
		logger.Debugf("[Risk] Still halted: %s", b.risk.HaltReason)
		return
	}

	b.risk.Halt(verdict.Reason)
	logger.Errorf("[Risk] 🛑 Trading halted: %s (%s)", verdict.Reason, verdict.Detail)

	if err := b.exchange.CancelAllOrders(ctx, b.cfg.Trading.Symbol); err != nil {
		logger.Errorf("[Risk] Halt cancel-all failed: %v", err)
	} else {
		b.markAllCancelled()
	}

	b.recordEvent(&store.EventModel{Type: store.EventRiskHalt, Symbol: b.cfg.Trading.Symbol,
		Message: verdict.Reason + ": " + verdict.Detail})
	b.notify(notify.HaltAlert(b.cfg.Trading.Symbol, verdict.Reason, verdict.Detail))
}

// markAllCancelled moves every resting level to Cancelled after a
// venue-wide cancel.
func (b *Bot) markAllCancelled() {
	if b.ladder == nil {
		return
	}
	for i := range b.ladder.Levels {
		l := &b.ladder.Levels[i]
		if l.State == kernel.LevelPending || l.State == kernel.LevelOpen {
			l.State = kernel.LevelCancelled
		}
	}
}

// matchTier finds the tier carrying label, falling back to selection by
// balance when the label is stale (table changed between runs).
func (b *Bot) matchTier(label string, balance float64) kernel.BalanceTier {
	for _, t := range b.tiers.Tiers() {
		if t.Label == label {
			return t
		}
	}
	return b.tiers.SelectTier(balance)
}

func (b *Bot) logPerformance() {
	stats, err := b.store.Trade().Stats(b.cfg.Trading.Symbol)
	if err != nil {
		logger.Warnf("[Bot] Performance stats unavailable: %v", err)
		return
	}
	logger.Infof("[Bot] 📊 Performance: trades=%d winRate=%.1f%% realizedPnl=%.4f fees=%.4f",
		stats.Trades, stats.WinRate()*100, stats.TotalPnL, stats.TotalFees)
}

// sendDailySummary reports the trading day that just rolled over: fills,
// win rate, realized PnL and fees from the store, return against that
// day's starting balance.
func (b *Bot) sendDailySummary(ended kernel.RiskState) {
	dayStart, err := time.ParseInLocation("2006-01-02", ended.Day, time.UTC)
	if err != nil {
		return
	}
	symbol := b.cfg.Trading.Symbol
	stats, err := b.store.Trade().StatsSince(symbol, dayStart)
	if err != nil {
		logger.Warnf("[Bot] Daily summary stats unavailable: %v", err)
		return
	}
	returnPct := 0.0
	if ended.StartOfDayBalance > 0 {
		returnPct = stats.TotalPnL / ended.StartOfDayBalance * 100
	}
	logger.Infof("[Bot] 📊 Day %s closed: trades=%d winRate=%.1f%% realizedPnl=%.4f fees=%.4f return=%+.2f%%",
		ended.Day, stats.Trades, stats.WinRate()*100, stats.TotalPnL, stats.TotalFees, returnPct)
	b.notify(notify.DailySummaryNotice(symbol, ended.Day, int(stats.Trades),
		stats.WinRate()*100, stats.TotalPnL, stats.TotalFees, returnPct))
}

func (b *Bot) notify(text string) {
	if err := b.notifier.Send(text); err != nil {
		logger.Warnf("[Notify] Delivery failed: %v", err)
	}
}

func (b *Bot) recordEvent(event *store.EventModel) {
	if err := b.store.Event().Log(event); err != nil {
		logger.Warnf("[Store] Failed to record event: %v", err)
	}
}
