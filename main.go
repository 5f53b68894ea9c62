package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"gridbot/api"
	"gridbot/bot"
	"gridbot/config"
	"gridbot/logger"
	"gridbot/market"
	"gridbot/notify"
	"gridbot/store"
	"gridbot/trader"
)

func main() {
	// Load environment variables from .env file if present (for local/dev runs)
	// In Docker Compose, variables are injected by the runtime and this is harmless.
	_ = godotenv.Load()

	logger.Init(nil)

	logger.Info("╔════════════════════════════════════════════════════════════╗")
	logger.Info("║        📐 Grid Trading Bot - Bybit & Binance Futures       ║")
	logger.Info("╚════════════════════════════════════════════════════════════╝")

	configPath := "config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("❌ Failed to load config: %v", err)
	}
	if err := logger.Init(&cfg.Log); err != nil {
		logger.Fatalf("❌ Failed to initialize logger: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("❌ Invalid config: %v", err)
	}

	logger.Infof("📋 Exchange: %s (testnet=%v)", cfg.Exchange.Name, cfg.Exchange.Testnet)
	logger.Infof("📋 Symbol: %s, leverage %dx, tick interval %s", cfg.Trading.Symbol, cfg.Trading.Leverage, cfg.TickInterval())

	// Storage
	st, err := store.New(cfg.Store.DatabasePath)
	if err != nil {
		logger.Fatalf("❌ Failed to open database: %v", err)
	}
	logger.Infof("💾 Database ready: %s", cfg.Store.DatabasePath)

	// Exchange client
	exchange, err := trader.New(cfg.Exchange.Name, cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.Testnet)
	if err != nil {
		logger.Fatalf("❌ Failed to create exchange client: %v", err)
	}

	// Notifier (best effort; a broken token must not stop trading)
	notifier, err := notify.New(cfg.Notification.TelegramEnabled, cfg.Notification.TelegramBotToken, cfg.Notification.TelegramChatID)
	if err != nil {
		logger.Warnf("⚠️ Telegram notifier unavailable, alerts disabled: %v", err)
		notifier = notify.Nop{}
	}

	// Optional low-latency price stream; the loop falls back to REST
	// whenever the stream has no fresh price.
	var stream *market.TickerStream
	if cfg.Execution.StreamEnabled {
		stream = market.NewTickerStream(cfg.Trading.Symbol, cfg.Exchange.Testnet)
		if err := stream.Connect(); err != nil {
			logger.Warnf("⚠️ Ticker stream unavailable, running on REST only: %v", err)
			stream = nil
		}
	}

	gridBot, err := bot.New(cfg, exchange, st, notifier, stream)
	if err != nil {
		logger.Fatalf("❌ Failed to create bot: %v", err)
	}
	if err := gridBot.Start(); err != nil {
		logger.Fatalf("❌ Failed to start bot: %v", err)
	}

	// Operator API
	var (
		apiServer     *api.Server
		stopRequested <-chan struct{}
	)
	if cfg.API.Enabled {
		apiServer, err = api.NewServer(cfg.API, gridBot, st)
		if err != nil {
			logger.Fatalf("❌ Failed to create API server: %v", err)
		}
		stopRequested = apiServer.StopRequested()
		go func() {
			if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("❌ API server error: %v", err)
			}
		}()
	} else {
		logger.Info("🔌 Operator API disabled")
	}

	logger.Info("Press Ctrl+C to stop")

	// Graceful exit on signal or operator stop request
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Infof("📛 Received signal %s, shutting down...", sig)
	case <-stopRequested:
		logger.Info("📛 Stop requested via API, shutting down...")
	}

	// Step 1: stop the trading loop (cancels resting orders)
	logger.Info("⏸️ Stopping bot...")
	gridBot.Stop()
	logger.Info("✅ Bot stopped")

	// Step 2: shut down the API server
	if apiServer != nil {
		logger.Info("🛑 Stopping API server...")
		if err := apiServer.Shutdown(); err != nil {
			logger.Warnf("⚠️ Error shutting down API server: %v", err)
		} else {
			logger.Info("✅ API server closed")
		}
	}

	// Step 3: close the market stream
	if stream != nil {
		logger.Info("📡 Closing ticker stream...")
		stream.Close()
	}

	// Step 4: close the database (all writes flushed)
	logger.Info("💾 Closing database...")
	if err := st.Close(); err != nil {
		logger.Errorf("❌ Failed to close database: %v", err)
	} else {
		logger.Info("✅ Database closed")
	}

	logger.Info("👋 Goodbye")
}
