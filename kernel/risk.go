package kernel

import (
	"fmt"
	"time"
)

// ============================================================================
// Risk State and Limits
// ============================================================================

// Halt reasons. Scenario logging and the operator API show these verbatim.
const (
	ReasonDailyLoss    = "daily loss limit"
	ReasonPositionSize = "position size exceeded"
	ReasonMaxDrawdown  = "max drawdown"
	ReasonBalanceFloor = "balance floor breached"
	ReasonProfitTarget = "daily profit target reached"
)

// RiskLimits are the configured thresholds, immutable after startup.
type RiskLimits struct {
	DailyLossLimit    float64 `json:"daily_loss_limit"`    // e.g. 0.05 = 5% of start-of-day balance
	MaxDrawdown       float64 `json:"max_drawdown"`        // decline from peak equity, e.g. 0.15
	BalanceFloorRatio float64 `json:"balance_floor_ratio"` // hard floor vs start-of-day, e.g. 0.5; 0 disables
	DailyProfitTarget float64 `json:"daily_profit_target"` // benign stop-for-the-day, 0 disables
}

// RiskState tracks the trading day's balances and the sticky halt flag.
// Owned exclusively by the control loop; TradingHalted is monotonic within
// a trading day and clears only at the day boundary or by operator reset.
type RiskState struct {
	Day               string  `json:"day"` // UTC date the counters belong to
	StartOfDayBalance float64 `json:"start_of_day_balance"`
	CurrentBalance    float64 `json:"current_balance"`
	PeakEquity        float64 `json:"peak_equity"`
	DailyRealizedPnl  float64 `json:"daily_realized_pnl"`
	TradingHalted     bool    `json:"trading_halted"`
	HaltReason        string  `json:"halt_reason,omitempty"`
}

// NewRiskState opens a fresh trading day at the given balance.
func NewRiskState(balance float64, now time.Time) RiskState {
	return RiskState{
		Day:               now.UTC().Format("2006-01-02"),
		StartOfDayBalance: balance,
		CurrentBalance:    balance,
		PeakEquity:        balance,
	}
}

// RollDay resets the day counters when the UTC date has changed. The halt
// flag clears with the new day. Returns true if a reset happened.
func (s *RiskState) RollDay(balance float64, now time.Time) bool {
	day := now.UTC().Format("2006-01-02")
	if day == s.Day {
		return false
	}
	*s = NewRiskState(balance, now)
	return true
}

// Observe folds a fresh balance/equity reading into the day's counters.
func (s *RiskState) Observe(balance, equity float64) {
	s.CurrentBalance = balance
	if equity > s.PeakEquity {
		s.PeakEquity = equity
	}
}

// Halt latches the sticky halt flag with a reason.
func (s *RiskState) Halt(reason string) {
	s.TradingHalted = true
	s.HaltReason = reason
}

// Reset clears the halt flag (operator action).
func (s *RiskState) Reset() {
	s.TradingHalted = false
	s.HaltReason = ""
}

// ============================================================================
// Risk Evaluation
// ============================================================================

// Verdict is the outcome of one risk evaluation.
type Verdict struct {
	Allowed bool
	Reason  string
	Detail  string // human-readable numbers behind the verdict
}

// Allow is the passing verdict.
func Allow() Verdict { return Verdict{Allowed: true} }

// Block builds a failing verdict with the triggering values spelled out.
func Block(reason, detailFormat string, args ...interface{}) Verdict {
	return Verdict{Allowed: false, Reason: reason, Detail: fmt.Sprintf(detailFormat, args...)}
}

// RiskInput is the live account snapshot the checks run against.
type RiskInput struct {
	Balance          float64
	Equity           float64
	PositionValue    float64 // abs(position size) * mark price
	MaxPositionRatio float64 // from the active tier
}

// EvaluateRisk runs the ordered risk checks; the first failing check wins.
// The function is stateless over its inputs: callers latch the halt flag on
// a blocking verdict.
//
//	1. daily loss vs start-of-day balance
//	2. position value vs current balance
//	3. drawdown from peak equity
//	4. balance floor (hard stop)
//	5. daily profit target (benign stop)
func EvaluateRisk(state RiskState, limits RiskLimits, in RiskInput) Verdict {
	if state.TradingHalted {
		return Verdict{Allowed: false, Reason: state.HaltReason, Detail: "trading halted"}
	}

	if state.StartOfDayBalance > 0 && limits.DailyLossLimit > 0 {
		loss := (state.StartOfDayBalance - in.Balance) / state.StartOfDayBalance
		if loss >= limits.DailyLossLimit {
			return Block(ReasonDailyLoss, "loss %.2f%% >= limit %.2f%% (start %.2f, current %.2f)",
				loss*100, limits.DailyLossLimit*100, state.StartOfDayBalance, in.Balance)
		}
	}

	if in.Balance > 0 && in.MaxPositionRatio > 0 {
		ratio := in.PositionValue / in.Balance
		if ratio > in.MaxPositionRatio {
			return Block(ReasonPositionSize, "position %.2f is %.2f%% of balance %.2f, limit %.2f%%",
				in.PositionValue, ratio*100, in.Balance, in.MaxPositionRatio*100)
		}
	}

	if state.PeakEquity > 0 && limits.MaxDrawdown > 0 {
		drawdown := (state.PeakEquity - in.Equity) / state.PeakEquity
		if drawdown >= limits.MaxDrawdown {
			return Block(ReasonMaxDrawdown, "drawdown %.2f%% >= limit %.2f%% (peak %.2f, equity %.2f)",
				drawdown*100, limits.MaxDrawdown*100, state.PeakEquity, in.Equity)
		}
	}

	if state.StartOfDayBalance > 0 && limits.BalanceFloorRatio > 0 {
		floor := state.StartOfDayBalance * limits.BalanceFloorRatio
		if in.Balance < floor {
			return Block(ReasonBalanceFloor, "balance %.2f below floor %.2f (%.0f%% of start %.2f)",
				in.Balance, floor, limits.BalanceFloorRatio*100, state.StartOfDayBalance)
		}
	}

	if state.StartOfDayBalance > 0 && limits.DailyProfitTarget > 0 {
		gain := (in.Balance - state.StartOfDayBalance) / state.StartOfDayBalance
		if gain >= limits.DailyProfitTarget {
			return Block(ReasonProfitTarget, "gain %.2f%% >= target %.2f%% (start %.2f, current %.2f)",
				gain*100, limits.DailyProfitTarget*100, state.StartOfDayBalance, in.Balance)
		}
	}

	return Allow()
}
