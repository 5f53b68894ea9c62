// Package notify delivers operator alerts. The bot treats delivery as
// best-effort: failures are logged, never propagated into the trading
// path.
package notify

import "fmt"

// Notifier sends one plain-text alert to the operator channel.
type Notifier interface {
	Send(text string) error
}

// Nop discards all notifications. Used when no channel is configured.
type Nop struct{}

func (Nop) Send(string) error { return nil }

// New returns a Telegram notifier when enabled, otherwise a Nop.
func New(enabled bool, token string, chatID int64) (Notifier, error) {
	if !enabled {
		return Nop{}, nil
	}
	return NewTelegram(token, chatID)
}

// ============================================================================
// Message builders
// ============================================================================

func StartupNotice(exchange, symbol string, balance float64) string {
	return fmt.Sprintf("🤖 *Grid bot started*\nExchange: %s\nSymbol: %s\nBalance: %.2f USDT", exchange, symbol, balance)
}

func ShutdownNotice(symbol string, totalPnl float64) string {
	return fmt.Sprintf("🛑 *Grid bot stopped*\nSymbol: %s\nTotal PnL: %.4f USDT", symbol, totalPnl)
}

func HaltAlert(symbol, reason, detail string) string {
	return fmt.Sprintf("🚨 *Trading halted*\nSymbol: %s\nReason: %s\n%s", symbol, reason, detail)
}

func ResumeNotice(symbol, cause string) string {
	return fmt.Sprintf("✅ *Trading resumed*\nSymbol: %s\nCause: %s", symbol, cause)
}

func RoundTripNotice(symbol, side string, price, qty, pnl float64) string {
	icon := "🟢"
	if pnl < 0 {
		icon = "🔴"
	}
	return fmt.Sprintf("%s *Round trip closed*\nSymbol: %s\nExit: %s %.6g @ %.6g\nPnL: %.4f USDT", icon, symbol, side, qty, price, pnl)
}

func RebalanceNotice(symbol, tier string, gridCount int, lower, upper float64) string {
	return fmt.Sprintf("🔄 *Grid rebalanced*\nSymbol: %s\nTier: %s\nGrids: %d\nRange: %.6g - %.6g", symbol, tier, gridCount, lower, upper)
}

func DegradedAlert(symbol string, err error) string {
	return fmt.Sprintf("⚠️ *Grid degraded*\nSymbol: %s\nRebalance aborted, holding stale ladder without new orders.\nCause: %v", symbol, err)
}

func DailySummaryNotice(symbol, day string, trades int, winRate, pnl, fees, returnPct float64) string {
	icon := "📊"
	if pnl < 0 {
		icon = "📉"
	}
	return fmt.Sprintf("%s *Daily summary %s*\nSymbol: %s\nTrades: %d\nWin rate: %.1f%%\nRealized PnL: %.4f USDT\nFees: %.4f USDT\nReturn: %+.2f%%",
		icon, day, symbol, trades, winRate, pnl, fees, returnPct)
}
