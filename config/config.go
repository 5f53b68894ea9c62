package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gridbot/kernel"
	"gridbot/logger"
)

// ============================================================================
// Sections
// ============================================================================

// ExchangeConfig selects the venue and carries its credentials.
// Keys are normally injected through environment variables, not the file.
type ExchangeConfig struct {
	Name      string `json:"name"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	Testnet   bool   `json:"testnet"`
}

type TradingConfig struct {
	Symbol     string  `json:"symbol"`
	Leverage   int     `json:"leverage"`
	MinBalance float64 `json:"min_balance"`
}

// GridConfig holds the balance tier table plus the dynamic range knobs.
// When UseDynamicRange is on, the tier's range percent is stretched or
// shrunk by recent volatility and clamped to [MinRangePercent, MaxRangePercent].
type GridConfig struct {
	Tiers              []kernel.BalanceTier `json:"tiers"`
	UseDynamicRange    bool                 `json:"use_dynamic_range"`
	ATRPeriod          int                  `json:"atr_period"`
	ATRMultiplier      float64              `json:"atr_multiplier"`
	MinRangePercent    float64              `json:"min_range_percent"`
	MaxRangePercent    float64              `json:"max_range_percent"`
	OrderOffsetPercent float64              `json:"order_offset_percent"`
}

type OrderConfig struct {
	MaxRetries        int  `json:"max_retries"`
	RetryBaseDelaySec int  `json:"retry_base_delay_sec"`
	RetryMaxDelaySec  int  `json:"retry_max_delay_sec"`
	PostOnly          bool `json:"post_only"`
}

type RiskConfig struct {
	DailyLossLimit    float64 `json:"daily_loss_limit"`
	MaxDrawdown       float64 `json:"max_drawdown"`
	BalanceFloorRatio float64 `json:"balance_floor_ratio"`
	DailyProfitTarget float64 `json:"daily_profit_target"`
}

type FeesConfig struct {
	MakerFeeRate float64 `json:"maker_fee_rate"`
	TakerFeeRate float64 `json:"taker_fee_rate"`
}

type ExecutionConfig struct {
	TickIntervalSec int  `json:"tick_interval_sec"`
	StreamEnabled   bool `json:"stream_enabled"`
}

type StoreConfig struct {
	DatabasePath string `json:"database_path"`
	TradeLogCSV  string `json:"trade_log_csv"`
}

type NotificationConfig struct {
	TelegramEnabled  bool   `json:"telegram_enabled"`
	TelegramBotToken string `json:"telegram_bot_token"`
	TelegramChatID   int64  `json:"telegram_chat_id"`
}

// APIConfig configures the operator HTTP server. AdminPassword is the
// plaintext from env/file; it is hashed once at startup and never stored.
// ResetTOTPSecret, when set, gates the risk-halt reset endpoint behind a
// one-time code.
type APIConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	JWTSecret       string `json:"jwt_secret"`
	AdminPassword   string `json:"admin_password"`
	ResetTOTPSecret string `json:"reset_totp_secret"`
}

// ============================================================================
// Config
// ============================================================================

type Config struct {
	Exchange     ExchangeConfig     `json:"exchange"`
	Trading      TradingConfig      `json:"trading"`
	Grid         GridConfig         `json:"grid"`
	Order        OrderConfig        `json:"order"`
	Risk         RiskConfig         `json:"risk"`
	Fees         FeesConfig         `json:"fees"`
	Execution    ExecutionConfig    `json:"execution"`
	Store        StoreConfig        `json:"store"`
	Notification NotificationConfig `json:"notification"`
	API          APIConfig          `json:"api"`
	Log          logger.Config      `json:"log"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			Name: "bybit",
		},
		Trading: TradingConfig{
			Symbol:     "BTCUSDT",
			Leverage:   2,
			MinBalance: 10,
		},
		Grid: GridConfig{
			Tiers:              kernel.DefaultTiers(),
			UseDynamicRange:    true,
			ATRPeriod:          14,
			ATRMultiplier:      2.0,
			MinRangePercent:    0.02,
			MaxRangePercent:    0.08,
			OrderOffsetPercent: 0.0001,
		},
		Order: OrderConfig{
			MaxRetries:        3,
			RetryBaseDelaySec: 5,
			RetryMaxDelaySec:  60,
			PostOnly:          true,
		},
		Risk: RiskConfig{
			DailyLossLimit:    0.05,
			MaxDrawdown:       0.15,
			BalanceFloorRatio: 0,
			DailyProfitTarget: 0.02,
		},
		Fees: FeesConfig{
			MakerFeeRate: 0.0002,
			TakerFeeRate: 0.0055,
		},
		Execution: ExecutionConfig{
			TickIntervalSec: 60,
			StreamEnabled:   true,
		},
		Store: StoreConfig{
			DatabasePath: "gridbot.db",
			TradeLogCSV:  "trade_log.csv",
		},
		Notification: NotificationConfig{},
		API: APIConfig{
			Enabled:   true,
			Port:      8080,
			JWTSecret: "default-jwt-secret-change-in-production",
		},
		Log: logger.Config{
			Level: "info",
		},
	}
}

// Load reads the configuration file at path (when it exists), layers it on
// top of the defaults, then applies environment overrides and validates.
// A missing file is not an error so a fresh checkout runs on defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to defaults
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.Log.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv pulls secrets and deploy-specific values from the environment.
// Environment always wins over the file so keys never need to live on disk.
func (c *Config) applyEnv() {
	switch strings.ToLower(c.Exchange.Name) {
	case "binance":
		if v := strings.TrimSpace(os.Getenv("BINANCE_API_KEY")); v != "" {
			c.Exchange.APIKey = v
		}
		if v := strings.TrimSpace(os.Getenv("BINANCE_SECRET_KEY")); v != "" {
			c.Exchange.APISecret = v
		}
	default:
		if v := strings.TrimSpace(os.Getenv("BYBIT_API_KEY")); v != "" {
			c.Exchange.APIKey = v
		}
		if v := strings.TrimSpace(os.Getenv("BYBIT_API_SECRET")); v != "" {
			c.Exchange.APISecret = v
		}
	}

	if v := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); v != "" {
		c.Notification.TelegramBotToken = v
		c.Notification.TelegramEnabled = true
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Notification.TelegramChatID = id
		}
	}

	if v := strings.TrimSpace(os.Getenv("JWT_SECRET")); v != "" {
		c.API.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("ADMIN_PASSWORD")); v != "" {
		c.API.AdminPassword = v
	}
	if v := os.Getenv("API_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.API.Port = port
		}
	}
}

// ============================================================================
// Validation
// ============================================================================

// Validate rejects configurations the engine cannot run safely on.
func (c *Config) Validate() error {
	if c.Trading.Symbol == "" {
		return fmt.Errorf("trading.symbol is required")
	}
	if c.Trading.Leverage < 1 || c.Trading.Leverage > 10 {
		return fmt.Errorf("trading.leverage must be in [1, 10], got %d", c.Trading.Leverage)
	}
	if c.Trading.MinBalance < 0 {
		return fmt.Errorf("trading.min_balance must not be negative")
	}

	if _, err := kernel.NewTierTable(c.Grid.Tiers); err != nil {
		return fmt.Errorf("grid.tiers: %w", err)
	}
	if c.Grid.UseDynamicRange {
		if c.Grid.ATRPeriod < 2 {
			return fmt.Errorf("grid.atr_period must be at least 2, got %d", c.Grid.ATRPeriod)
		}
		if c.Grid.ATRMultiplier <= 0 {
			return fmt.Errorf("grid.atr_multiplier must be positive")
		}
		if c.Grid.MinRangePercent < 0.01 || c.Grid.MinRangePercent > 0.20 {
			return fmt.Errorf("grid.min_range_percent must be in [0.01, 0.20], got %v", c.Grid.MinRangePercent)
		}
		if c.Grid.MaxRangePercent < c.Grid.MinRangePercent || c.Grid.MaxRangePercent > 0.20 {
			return fmt.Errorf("grid.max_range_percent must be in [min_range_percent, 0.20], got %v", c.Grid.MaxRangePercent)
		}
	}
	if c.Grid.OrderOffsetPercent < 0 || c.Grid.OrderOffsetPercent > 0.01 {
		return fmt.Errorf("grid.order_offset_percent must be in [0, 0.01], got %v", c.Grid.OrderOffsetPercent)
	}

	if c.Order.MaxRetries < 0 {
		return fmt.Errorf("order.max_retries must not be negative")
	}
	if c.Order.RetryBaseDelaySec < 1 {
		return fmt.Errorf("order.retry_base_delay_sec must be at least 1")
	}
	if c.Order.RetryMaxDelaySec < c.Order.RetryBaseDelaySec {
		return fmt.Errorf("order.retry_max_delay_sec must be >= retry_base_delay_sec")
	}

	if c.Risk.DailyLossLimit < 0.01 || c.Risk.DailyLossLimit > 0.20 {
		return fmt.Errorf("risk.daily_loss_limit must be in [0.01, 0.20], got %v", c.Risk.DailyLossLimit)
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown >= 1 {
		return fmt.Errorf("risk.max_drawdown must be in (0, 1), got %v", c.Risk.MaxDrawdown)
	}
	if c.Risk.BalanceFloorRatio < 0 || c.Risk.BalanceFloorRatio >= 1 {
		return fmt.Errorf("risk.balance_floor_ratio must be in [0, 1), got %v", c.Risk.BalanceFloorRatio)
	}
	if c.Risk.DailyProfitTarget < 0 {
		return fmt.Errorf("risk.daily_profit_target must not be negative")
	}

	if c.Fees.MakerFeeRate < 0 || c.Fees.TakerFeeRate < 0 {
		return fmt.Errorf("fee rates must not be negative")
	}

	if c.Execution.TickIntervalSec < 1 {
		return fmt.Errorf("execution.tick_interval_sec must be at least 1")
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			return fmt.Errorf("api.port must be a valid port, got %d", c.API.Port)
		}
		if c.API.JWTSecret == "" {
			return fmt.Errorf("api.jwt_secret is required when the API is enabled")
		}
	}

	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Execution.TickIntervalSec) * time.Second
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Order.RetryBaseDelaySec) * time.Second
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Order.RetryMaxDelaySec) * time.Second
}

// TierTable builds the validated tier table. Validate has already run at
// load time, so failures here only happen on hand-built configs.
func (c *Config) TierTable() (*kernel.TierTable, error) {
	return kernel.NewTierTable(c.Grid.Tiers)
}

// FeeSchedule converts the fee section into the form the ladder math uses.
func (c *Config) FeeSchedule() kernel.FeeSchedule {
	return kernel.FeeSchedule{Maker: c.Fees.MakerFeeRate, Taker: c.Fees.TakerFeeRate}
}

// RiskLimits converts the risk section into the form the risk engine uses.
func (c *Config) RiskLimits() kernel.RiskLimits {
	return kernel.RiskLimits{
		DailyLossLimit:    c.Risk.DailyLossLimit,
		MaxDrawdown:       c.Risk.MaxDrawdown,
		BalanceFloorRatio: c.Risk.BalanceFloorRatio,
		DailyProfitTarget: c.Risk.DailyProfitTarget,
	}
}
