package notify

import (
	"errors"
	"strings"
	"testing"
)

func TestNewDisabledReturnsNop(t *testing.T) {
	n, err := New(false, "", 0)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, ok := n.(Nop); !ok {
		t.Errorf("Expected Nop notifier, got %T", n)
	}
	if err := n.Send("anything"); err != nil {
		t.Errorf("Nop send should never fail, got %v", err)
	}
}

func TestNewTelegramRequiresCredentials(t *testing.T) {
	if _, err := NewTelegram("", 123); err == nil {
		t.Error("Expected error for missing token")
	}
	if _, err := NewTelegram("token", 0); err == nil {
		t.Error("Expected error for missing chat id")
	}
}

func TestMessageBuilders(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		contains []string
	}{
		{
			name:     "startup",
			text:     StartupNotice("bybit", "BTCUSDT", 350.5),
			contains: []string{"started", "bybit", "BTCUSDT", "350.50"},
		},
		{
			name:     "halt",
			text:     HaltAlert("BTCUSDT", "daily loss limit", "loss 5.20% >= limit 5.00%"),
			contains: []string{"halted", "daily loss limit", "5.20%"},
		},
		{
			name:     "resume",
			text:     ResumeNotice("BTCUSDT", "operator reset"),
			contains: []string{"resumed", "operator reset"},
		},
		{
			name:     "winning round trip",
			text:     RoundTripNotice("BTCUSDT", "sell", 50500, 0.01, 4.9),
			contains: []string{"🟢", "sell", "4.9000"},
		},
		{
			name:     "losing round trip",
			text:     RoundTripNotice("BTCUSDT", "buy", 49500, 0.01, -1.2),
			contains: []string{"🔴", "-1.2000"},
		},
		{
			name:     "rebalance",
			text:     RebalanceNotice("BTCUSDT", "500-800", 10, 48250, 51750),
			contains: []string{"rebalanced", "500-800", "10", "48250"},
		},
		{
			name:     "degraded",
			text:     DegradedAlert("BTCUSDT", errors.New("cancel failed")),
			contains: []string{"degraded", "cancel failed"},
		},
		{
			name:     "shutdown",
			text:     ShutdownNotice("BTCUSDT", 12.3456),
			contains: []string{"stopped", "12.3456"},
		},
		{
			name:     "profitable daily summary",
			text:     DailySummaryNotice("BTCUSDT", "2026-08-25", 14, 64.3, 12.5, 0.84, 1.25),
			contains: []string{"📊", "Daily summary 2026-08-25", "Trades: 14", "64.3%", "12.5000", "+1.25%"},
		},
		{
			name:     "losing daily summary",
			text:     DailySummaryNotice("BTCUSDT", "2026-08-25", 3, 0, -4.2, 0.31, -0.42),
			contains: []string{"📉", "-4.2000", "-0.42%"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, want := range tt.contains {
				if !strings.Contains(tt.text, want) {
					t.Errorf("Expected message to contain %q, got %q", want, tt.text)
				}
			}
		})
	}
}
