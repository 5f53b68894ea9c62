package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	cfg.Log.SetDefaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate, got %v", err)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Trading.Symbol != "BTCUSDT" {
		t.Errorf("Expected default symbol BTCUSDT, got %s", cfg.Trading.Symbol)
	}
	if cfg.Execution.TickIntervalSec != 60 {
		t.Errorf("Expected default tick interval 60, got %d", cfg.Execution.TickIntervalSec)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"trading": {"symbol": "ETHUSDT", "leverage": 3, "min_balance": 25},
		"execution": {"tick_interval_sec": 30, "stream_enabled": false},
		"risk": {"daily_loss_limit": 0.04, "max_drawdown": 0.12, "daily_profit_target": 0.03}
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Trading.Symbol != "ETHUSDT" {
		t.Errorf("Expected ETHUSDT, got %s", cfg.Trading.Symbol)
	}
	if cfg.Trading.Leverage != 3 {
		t.Errorf("Expected leverage 3, got %d", cfg.Trading.Leverage)
	}
	if cfg.Execution.TickIntervalSec != 30 {
		t.Errorf("Expected tick interval 30, got %d", cfg.Execution.TickIntervalSec)
	}
	if cfg.Risk.DailyLossLimit != 0.04 {
		t.Errorf("Expected daily loss limit 0.04, got %v", cfg.Risk.DailyLossLimit)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Order.MaxRetries != 3 {
		t.Errorf("Expected default max_retries 3, got %d", cfg.Order.MaxRetries)
	}
	if len(cfg.Grid.Tiers) == 0 {
		t.Error("Expected default tier table")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv("BYBIT_API_KEY", "env-key")
	t.Setenv("BYBIT_API_SECRET", "env-secret")
	t.Setenv("JWT_SECRET", "env-jwt")
	t.Setenv("API_SERVER_PORT", "9090")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "-100200300")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Exchange.APIKey != "env-key" || cfg.Exchange.APISecret != "env-secret" {
		t.Errorf("Exchange credentials not taken from env: %+v", cfg.Exchange)
	}
	if cfg.API.JWTSecret != "env-jwt" {
		t.Errorf("Expected JWT secret from env, got %s", cfg.API.JWTSecret)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.API.Port)
	}
	if !cfg.Notification.TelegramEnabled {
		t.Error("Setting a bot token should enable telegram")
	}
	if cfg.Notification.TelegramChatID != -100200300 {
		t.Errorf("Expected chat id -100200300, got %d", cfg.Notification.TelegramChatID)
	}
}

func TestEnvOverridesBinanceCredentials(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "b-key")
	t.Setenv("BINANCE_SECRET_KEY", "b-secret")

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"exchange": {"name": "binance"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Exchange.APIKey != "b-key" || cfg.Exchange.APISecret != "b-secret" {
		t.Errorf("Binance credentials not taken from env: %+v", cfg.Exchange)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"empty symbol", func(c *Config) { c.Trading.Symbol = "" }, true},
		{"leverage too high", func(c *Config) { c.Trading.Leverage = 11 }, true},
		{"leverage zero", func(c *Config) { c.Trading.Leverage = 0 }, true},
		{"negative min balance", func(c *Config) { c.Trading.MinBalance = -1 }, true},
		{"broken tier table", func(c *Config) { c.Grid.Tiers = c.Grid.Tiers[1:] }, true},
		{"atr period too small", func(c *Config) { c.Grid.ATRPeriod = 1 }, true},
		{"atr ignored when static range", func(c *Config) {
			c.Grid.UseDynamicRange = false
			c.Grid.ATRPeriod = 0
		}, false},
		{"range bounds inverted", func(c *Config) {
			c.Grid.MinRangePercent = 0.08
			c.Grid.MaxRangePercent = 0.02
		}, true},
		{"offset too large", func(c *Config) { c.Grid.OrderOffsetPercent = 0.02 }, true},
		{"retry delay zero", func(c *Config) { c.Order.RetryBaseDelaySec = 0 }, true},
		{"retry max below base", func(c *Config) { c.Order.RetryMaxDelaySec = 1 }, true},
		{"daily loss limit too small", func(c *Config) { c.Risk.DailyLossLimit = 0.001 }, true},
		{"daily loss limit too large", func(c *Config) { c.Risk.DailyLossLimit = 0.5 }, true},
		{"drawdown out of range", func(c *Config) { c.Risk.MaxDrawdown = 1.5 }, true},
		{"floor ratio out of range", func(c *Config) { c.Risk.BalanceFloorRatio = 1 }, true},
		{"negative taker fee", func(c *Config) { c.Fees.TakerFeeRate = -0.001 }, true},
		{"tick interval zero", func(c *Config) { c.Execution.TickIntervalSec = 0 }, true},
		{"api port invalid", func(c *Config) { c.API.Port = 0 }, true},
		{"api disabled skips port check", func(c *Config) {
			c.API.Enabled = false
			c.API.Port = 0
		}, false},
		{"jwt secret required", func(c *Config) { c.API.JWTSecret = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Log.SetDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected valid config, got %v", err)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.TickInterval().Seconds() != 60 {
		t.Errorf("Expected 60s tick interval, got %v", cfg.TickInterval())
	}
	if cfg.RetryBaseDelay().Seconds() != 5 {
		t.Errorf("Expected 5s retry base delay, got %v", cfg.RetryBaseDelay())
	}
}
