package database

import (
	"encoding/json"
	"time"
)

// BacktestRunRow mirrors a backtest_runs row. Heavy payloads live on the
// results row; this is what list endpoints return.
type BacktestRunRow struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Symbol          string          `json:"symbol"`
	StrategyID      string          `json:"strategy_id"`
	SignalTimeframe string          `json:"signal_timeframe"`
	StartDate       time.Time       `json:"start_date"`
	EndDate         time.Time       `json:"end_date"`
	Status          string          `json:"status"`
	StatusMessage   string          `json:"status_message,omitempty"`
	ProgressPercent float64         `json:"progress_percent"`
	InitialCapital  float64         `json:"initial_capital"`
	FinalEquity     float64         `json:"final_equity"`
	Leverage        int             `json:"leverage"`
	Config          json.RawMessage `json:"config,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// BacktestResultRow mirrors a backtest_results row.
type BacktestResultRow struct {
	RunID           string          `json:"run_id"`
	TotalTrades     int             `json:"total_trades"`
	WinningTrades   int             `json:"winning_trades"`
	LosingTrades    int             `json:"losing_trades"`
	WinRate         float64         `json:"win_rate"`
	TotalReturn     float64         `json:"total_return"`
	AnnualReturn    float64         `json:"annual_return"`
	CAGR            float64         `json:"cagr"`
	TotalPnL        float64         `json:"total_pnl"`
	ProfitFactor    float64         `json:"profit_factor"`
	PayoffRatio     float64         `json:"payoff_ratio"`
	ExpectedValue   float64         `json:"expected_value"`
	MaxDrawdown     float64         `json:"max_drawdown"`
	SharpeRatio     float64         `json:"sharpe_ratio"`
	SortinoRatio    float64         `json:"sortino_ratio"`
	CalmarRatio     float64         `json:"calmar_ratio"`
	Volatility      float64         `json:"volatility"`
	RiskOfRuin      float64         `json:"risk_of_ruin"`
	AverageExposure float64         `json:"average_exposure"`
	TotalCommission float64         `json:"total_commission"`
	TotalSlippage   float64         `json:"total_slippage"`
	TotalFunding    float64         `json:"total_funding"`
	Metrics         json.RawMessage `json:"metrics,omitempty"`
	EquityCurve     json.RawMessage `json:"equity_curve,omitempty"`
	MonthlyReturns  json.RawMessage `json:"monthly_returns,omitempty"`
	Drawdowns       json.RawMessage `json:"drawdowns,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// BacktestTradeRow mirrors a backtest_trades row.
type BacktestTradeRow struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	Symbol      string     `json:"symbol"`
	Direction   string     `json:"direction"`
	SignalTime  *time.Time `json:"signal_time,omitempty"`
	EntryTime   time.Time  `json:"entry_time"`
	EntryPrice  float64    `json:"entry_price"`
	ExitTime    time.Time  `json:"exit_time"`
	ExitPrice   float64    `json:"exit_price"`
	Quantity    float64    `json:"quantity"`
	GrossPnL    float64    `json:"gross_pnl"`
	NetPnL      float64    `json:"net_pnl"`
	PnLPercent  float64    `json:"pnl_percent"`
	MAE         float64    `json:"mae"`
	MFE         float64    `json:"mfe"`
	Commission  float64    `json:"commission"`
	Slippage    float64    `json:"slippage"`
	FundingFee  float64    `json:"funding_fee"`
	EntryReason string     `json:"entry_reason,omitempty"`
	ExitReason  string     `json:"exit_reason,omitempty"`
	ExitKind    string     `json:"exit_kind"`
}

// BacktestEventRow mirrors a backtest_events row.
type BacktestEventRow struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	TradeID   string          `json:"trade_id,omitempty"`
	EventType string          `json:"event_type"`
	EventTime time.Time       `json:"event_time"`
	Price     float64         `json:"price,omitempty"`
	Message   string          `json:"message,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// CandleMetadata tracks per-(symbol, interval) exchange coverage.
type CandleMetadata struct {
	Symbol            string     `json:"symbol"`
	Interval          string     `json:"interval"`
	EarliestAvailable *time.Time `json:"earliest_available,omitempty"`
	LastChecked       time.Time  `json:"last_checked"`
}

// TradeFilter narrows GetBacktestTrades. Zero values mean no filter.
type TradeFilter struct {
	Symbol    string
	Direction string
	MinNetPnL *float64
	MaxNetPnL *float64
	Limit     int
	Offset    int
}

// EventFilter narrows GetBacktestEvents. Zero values mean no filter.
type EventFilter struct {
	TradeID    string
	EventTypes []string
	Limit      int
	Offset     int
}

// MonthlyReturn is one bucket of the monthly returns payload.
type MonthlyReturn struct {
	Month         string  `json:"month"` // "2024-03"
	ReturnPercent float64 `json:"return_percent"`
	StartEquity   float64 `json:"start_equity"`
	EndEquity     float64 `json:"end_equity"`
}

// DrawdownPeriod is one underwater stretch of the equity curve.
type DrawdownPeriod struct {
	Start        time.Time `json:"start"`
	Trough       time.Time `json:"trough"`
	End          time.Time `json:"end"`
	DepthPercent float64   `json:"depth_percent"`
	Recovered    bool      `json:"recovered"`
}

// PositionTimelineEntry is a held-position interval reconstructed from the
// trade history, for charting position occupancy over a run.
type PositionTimelineEntry struct {
	TradeID    string    `json:"trade_id"`
	Direction  string    `json:"direction"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	NetPnL     float64   `json:"net_pnl"`
	ExitKind   string    `json:"exit_kind"`
}
