package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// Configure connection pool
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Candle store, one row per (symbol, interval, open_time)
		`CREATE TABLE IF NOT EXISTS candles (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			interval VARCHAR(8) NOT NULL,
			open_time TIMESTAMPTZ NOT NULL,
			close_time TIMESTAMPTZ NOT NULL,
			open DECIMAL(20, 8) NOT NULL,
			high DECIMAL(20, 8) NOT NULL,
			low DECIMAL(20, 8) NOT NULL,
			close DECIMAL(20, 8) NOT NULL,
			volume DECIMAL(24, 8) NOT NULL,
			quote_volume DECIMAL(24, 8) DEFAULT 0,
			trade_count INTEGER DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (symbol, interval, open_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candles_lookup ON candles(symbol, interval, open_time)`,

		// Per-(symbol, interval) metadata, populated on first touch
		`CREATE TABLE IF NOT EXISTS candle_metadata (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			interval VARCHAR(8) NOT NULL,
			earliest_available TIMESTAMPTZ,
			last_checked TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (symbol, interval)
		)`,

		// Backtest runs and their summary fields
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id UUID PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL DEFAULT '',
			symbol VARCHAR(20) NOT NULL,
			strategy_id VARCHAR(100) NOT NULL,
			signal_timeframe VARCHAR(8) NOT NULL DEFAULT '1m',
			start_date TIMESTAMPTZ NOT NULL,
			end_date TIMESTAMPTZ NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
			status_message VARCHAR(100) DEFAULT '',
			progress_percent DECIMAL(5, 2) DEFAULT 0,
			initial_capital DECIMAL(20, 8) NOT NULL,
			final_equity DECIMAL(20, 8) DEFAULT 0,
			leverage INTEGER NOT NULL DEFAULT 1,
			config JSONB,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_runs_user ON backtest_runs(user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_runs_status ON backtest_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_runs_symbol ON backtest_runs(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_runs_strategy ON backtest_runs(strategy_id)`,

		// One results row per completed run; heavy series stored as JSONB
		`CREATE TABLE IF NOT EXISTS backtest_results (
			id SERIAL PRIMARY KEY,
			run_id UUID NOT NULL UNIQUE REFERENCES backtest_runs(id) ON DELETE CASCADE,
			total_trades INTEGER DEFAULT 0,
			winning_trades INTEGER DEFAULT 0,
			losing_trades INTEGER DEFAULT 0,
			win_rate DECIMAL(5, 2) DEFAULT 0,
			total_return DECIMAL(10, 4) DEFAULT 0,
			annual_return DECIMAL(10, 4) DEFAULT 0,
			cagr DECIMAL(10, 4) DEFAULT 0,
			total_pnl DECIMAL(20, 8) DEFAULT 0,
			profit_factor DECIMAL(10, 4) DEFAULT 0,
			payoff_ratio DECIMAL(10, 4) DEFAULT 0,
			expected_value DECIMAL(10, 4) DEFAULT 0,
			max_drawdown DECIMAL(10, 4) DEFAULT 0,
			sharpe_ratio DECIMAL(10, 4) DEFAULT 0,
			sortino_ratio DECIMAL(10, 4) DEFAULT 0,
			calmar_ratio DECIMAL(10, 4) DEFAULT 0,
			volatility DECIMAL(10, 4) DEFAULT 0,
			risk_of_ruin DECIMAL(10, 4) DEFAULT 0,
			average_exposure DECIMAL(10, 4) DEFAULT 0,
			total_commission DECIMAL(20, 8) DEFAULT 0,
			total_slippage DECIMAL(20, 8) DEFAULT 0,
			total_funding DECIMAL(20, 8) DEFAULT 0,
			metrics JSONB,
			equity_curve JSONB,
			monthly_returns JSONB,
			drawdowns JSONB,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,

		// Individual trade rows, also embedded in results JSON
		`CREATE TABLE IF NOT EXISTS backtest_trades (
			id UUID PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			signal_time TIMESTAMPTZ,
			entry_time TIMESTAMPTZ NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_time TIMESTAMPTZ NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			gross_pnl DECIMAL(20, 8) NOT NULL,
			net_pnl DECIMAL(20, 8) NOT NULL,
			pnl_percent DECIMAL(10, 4) NOT NULL,
			mae DECIMAL(10, 4) DEFAULT 0,
			mfe DECIMAL(10, 4) DEFAULT 0,
			commission DECIMAL(20, 8) DEFAULT 0,
			slippage DECIMAL(20, 8) DEFAULT 0,
			funding_fee DECIMAL(20, 8) DEFAULT 0,
			entry_reason TEXT DEFAULT '',
			exit_reason TEXT DEFAULT '',
			exit_kind VARCHAR(16) NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_trades_run ON backtest_trades(run_id, exit_time)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_trades_symbol ON backtest_trades(symbol)`,

		// Lifecycle event log per run
		`CREATE TABLE IF NOT EXISTS backtest_events (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
			trade_id UUID,
			event_type VARCHAR(32) NOT NULL,
			event_time TIMESTAMPTZ NOT NULL,
			price DECIMAL(20, 8) DEFAULT 0,
			message TEXT DEFAULT '',
			details JSONB,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_events_run ON backtest_events(run_id, event_time)`,
		`CREATE INDEX IF NOT EXISTS idx_backtest_events_type ON backtest_events(event_type)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}
