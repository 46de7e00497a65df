package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"futures-backtester/config"
	"futures-backtester/internal/api"
	"futures-backtester/internal/backtest"
	"futures-backtester/internal/binance"
	"futures-backtester/internal/cache"
	"futures-backtester/internal/database"
	"futures-backtester/internal/events"
	"futures-backtester/internal/logging"
	"futures-backtester/internal/marketdata"
)

func main() {
	// Load .env before config so env overrides see it
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	appLog := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})
	logging.SetDefault(appLog)

	zlog := newZerolog(cfg.LoggingConfig)

	// Initialize event bus
	eventBus := events.NewEventBus()
	appLog.Info("Event bus initialized")

	// Initialize database
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	repo := database.NewRepository(db)

	// Redis is optional; without it cancellation works in-process only
	var runStore *cache.RunStore
	if cfg.RedisConfig.Enabled {
		cacheService, err := cache.NewCacheService(cfg.RedisConfig)
		if err != nil {
			appLog.Warn("Redis unavailable, continuing without run-state cache", "error", err.Error())
		} else {
			runStore = cache.NewRunStore(cacheService)
			defer cacheService.Close()
			appLog.Info("Redis run-state cache initialized")
		}
	}

	// Market data source
	var client binance.MarketDataClient
	if cfg.BinanceConfig.MockMode {
		client = binance.NewMockClient()
		appLog.Warn("Mock market data mode enabled")
	} else {
		client = binance.NewClient(cfg.BinanceConfig.BaseURL)
	}

	fetcher := marketdata.NewFetcher(client, repo, eventBus, zlog, cfg.DataConfig.FetchWorkers)
	dataService := marketdata.NewService(client, fetcher, repo, eventBus, zlog)
	if cfg.DataConfig.MaxWaitMinutes > 0 {
		dataService.MaxWait = time.Duration(cfg.DataConfig.MaxWaitMinutes) * time.Minute
	}

	// Backtest worker pool
	runner := backtest.NewRunner(cfg.BacktestConfig.Workers, zlog)
	runner.Start(ctx)

	// Mark runs orphaned by a previous process as failed
	recoverOrphanedRuns(ctx, repo, appLog)

	server := api.NewServer(api.ServerConfig{
		Port:           cfg.ServerConfig.Port,
		Host:           cfg.ServerConfig.Host,
		ProductionMode: cfg.ServerConfig.ProductionMode,
	}, repo, runner, runStore, dataService, eventBus, zlog)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("API server failed: %v", err)
		}
	}()
	appLog.Info("Backtester started", "port", cfg.ServerConfig.Port)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	appLog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLog.Error("Error shutting down API server", "error", err.Error())
	}
	runner.Stop()

	appLog.Info("Shutdown complete")
}

// recoverOrphanedRuns fails PENDING and RUNNING rows left behind by a crashed
// process. Their in-memory state is gone, they can never finish.
func recoverOrphanedRuns(ctx context.Context, repo *database.Repository, appLog *logging.Logger) {
	runs, err := repo.ListActiveBacktestRuns(ctx)
	if err != nil {
		appLog.Warn("Orphan run recovery failed", "error", err.Error())
		return
	}
	for _, run := range runs {
		if err := repo.UpdateRunStatus(ctx, run.ID, string(backtest.StatusFailed), "interrupted by process restart"); err != nil {
			appLog.Warn("Failed to mark orphaned run", "run_id", run.ID, "error", err.Error())
			continue
		}
		appLog.Info("Marked orphaned run as failed", "run_id", run.ID)
	}
}

func newZerolog(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out *os.File
	switch cfg.Output {
	case "stderr":
		out = os.Stderr
	default:
		out = os.Stdout
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
