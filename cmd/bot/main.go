// tradeterm — the client-side core of a cryptocurrency trading bot.
//
// It connects to an exchange, maintains a live replica of one market's
// public order book, tracks the user's own open orders on that market,
// and builds a rolling OHLCV candle history from the trade stream. State
// is exposed as synchronous signals and queryable structures for strategy
// consumers; order placement and cancellation commands flow back to the
// exchange.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts api, waits for SIGINT/SIGTERM
//	bus/signal.go         — synchronous event bus, one process-wide reentrant emit lock
//	bus/timer.go          — repeating/one-shot timers emitting on the bus
//	market/book.go        — order book replica: snapshots + deltas + own-order overlay
//	market/history.go     — OHLCV candles aggregated from the trade stream
//	api/api.go            — facade: decodes inbound messages, routes commands
//	exchange/ws.go        — WebSocket transport with auto-reconnect
//	exchange/http.go      — REST snapshots and signed calls
//	exchange/auth.go      — encrypted API secret and HMAC request signing
//	store/store.go        — JSON persistence of per-market hints (not book state)
//	strategy/watcher.go   — reference consumer of the signal surface
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradeterm/internal/api"
	"tradeterm/internal/config"
	"tradeterm/internal/exchange"
	"tradeterm/internal/store"
	"tradeterm/internal/strategy"
)

func main() {
	// .env is optional; real deployments set the environment directly
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env", "error", err)
	}

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADETERM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Unlock the API secret if one is configured. Without it the bot
	// still runs, it just serves public market data only.
	secret := &exchange.Secret{}
	if cfg.API.SecretKey != "" && cfg.API.SecretSecret != "" {
		passphrase := os.Getenv("TRADETERM_PASSPHRASE")
		if passphrase == "" {
			logger.Warn("secret configured but TRADETERM_PASSPHRASE not set, trading disabled")
		} else if err := secret.Decrypt(cfg.API.SecretKey, cfg.API.SecretSecret, passphrase); err != nil {
			logger.Warn("secret could not be decrypted, trading disabled", "error", err)
		}
	}

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	client := exchange.NewWSClient(cfg.API, secret, logger)
	a := api.New(cfg, client, st, logger)

	var watcher *strategy.Watcher
	if cfg.Watcher.Enabled {
		watcher = strategy.NewWatcher(a, time.Duration(cfg.Watcher.Interval)*time.Second, logger)
	}

	if err := a.Start(); err != nil {
		logger.Error("failed to start api", "error", err)
		os.Exit(1)
	}

	logger.Info("tradeterm started",
		"market", cfg.API.BaseCurrency+cfg.API.QuoteCurrency,
		"trading", secret.Known(),
		"timeframe_min", cfg.API.HistoryTimeframe,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if watcher != nil {
		watcher.Stop()
	}
	a.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
