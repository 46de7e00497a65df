// Package backtest replays historical candles through a strategy, simulating
// fills, position lifecycle, funding and liquidation, and produces trades,
// an equity curve and performance metrics.
package backtest

import (
	"time"

	"futures-backtester/internal/market"
	"futures-backtester/internal/position"
	"futures-backtester/internal/simulator"
)

// RunStatus is the lifecycle state of a backtest run.
type RunStatus string

const (
	StatusPending   RunStatus = "PENDING"
	StatusRunning   RunStatus = "RUNNING"
	StatusCompleted RunStatus = "COMPLETED"
	StatusFailed    RunStatus = "FAILED"
	StatusCancelled RunStatus = "CANCELLED"
)

// SignalType enumerates the actions a strategy can request.
type SignalType string

const (
	SignalOpenLong      SignalType = "open_long"
	SignalOpenShort     SignalType = "open_short"
	SignalAddLong       SignalType = "add_long"
	SignalAddShort      SignalType = "add_short"
	SignalPartialClose  SignalType = "partial_close"
	SignalReduceLong    SignalType = "reduce_long"
	SignalReduceShort   SignalType = "reduce_short"
	SignalClosePosition SignalType = "close_position"
	SignalFlipLong      SignalType = "flip_long"
	SignalFlipShort     SignalType = "flip_short"
	SignalUpdateLevels  SignalType = "update_levels"
	SignalUpdateMargin  SignalType = "update_margin"
)

// Signal is a strategy's requested action for the current bar. Zero-valued
// optional fields mean "engine default".
type Signal struct {
	Type                SignalType
	Quantity            float64
	LimitPrice          *float64
	StopLoss            float64
	TakeProfit          float64
	StopLossPercent     float64 // ROE percent, converted against entry
	TakeProfitPercent   float64
	TrailingStopPercent float64
	MarginDelta         float64 // update_margin: positive adds, negative removes
	Reason              string
	Metadata            map[string]any
}

// MultiTimeframeContext is handed to strategies running above the base
// timeframe. CurrentCandles maps each timeframe to its last fully closed
// candle; History holds every closed candle seen so far, oldest first.
type MultiTimeframeContext struct {
	CurrentCandles map[market.Timeframe]market.Candle
	History        map[market.Timeframe][]market.Candle
}

// Strategy consumes bars and emits signals. OnBar receives the candle that
// triggered evaluation (the HTF candle on crossing bars, the 1m candle
// during position management) and the open position, nil when flat.
type Strategy interface {
	OnBar(candle market.Candle, index int, pos *position.Position, mtf *MultiTimeframeContext) *Signal
}

// PreCalculator is an optional strategy hook invoked once with the full base
// series before the replay starts.
type PreCalculator interface {
	PreCalculate(candles []market.Candle)
}

// SizingMode selects how entry quantity is derived when a signal omits it.
type SizingMode string

const (
	SizingFixedSize     SizingMode = "FIXED_SIZE"
	SizingPercentEquity SizingMode = "PERCENT_EQUITY"
	SizingRiskAmount    SizingMode = "RISK_AMOUNT"
)

// PricePathAssumption resolves same-candle stop/target conflicts.
type PricePathAssumption string

const (
	PathNeutral    PricePathAssumption = "neutral"
	PathOptimistic PricePathAssumption = "optimistic"
	PathRealistic  PricePathAssumption = "realistic"
)

// Config freezes every knob of a run at construction.
type Config struct {
	RunID  string
	UserID string
	Symbol string

	InitialCapital float64
	Leverage       int

	SizingMode        SizingMode
	PositionSizeValue float64

	MakerFeeRate float64 // fraction, e.g. 0.0002
	TakerFeeRate float64

	Simulator simulator.Config

	PricePathAssumption PricePathAssumption

	SignalTimeframe     market.Timeframe
	ConditionTimeframes []market.Timeframe
	ExecutionDelayBars  int

	CollectFundingFee bool
	FundingRateDaily  float64 // fraction per day, split over three payments

	DefaultStopLossPercent     float64 // ROE percent, 0 disables
	DefaultTakeProfitPercent   float64
	DefaultTrailingStopPercent float64

	RandomSeed int64
}

// EventType classifies run lifecycle events.
type EventType string

const (
	EventBacktestStarted   EventType = "BACKTEST_STARTED"
	EventBacktestCompleted EventType = "BACKTEST_COMPLETED"
	EventBacktestCancelled EventType = "BACKTEST_CANCELLED"
	EventBacktestFailed    EventType = "BACKTEST_FAILED"
	EventTradeOpened       EventType = "TRADE_OPENED"
	EventTradeClosed       EventType = "TRADE_CLOSED"
	EventPositionScaled    EventType = "POSITION_SCALED"
	EventPartialClose      EventType = "PARTIAL_CLOSE"
	EventStopLossHit       EventType = "SL_HIT"
	EventTakeProfitHit     EventType = "TP_HIT"
	EventTrailingStopHit   EventType = "TRAILING_STOP_HIT"
	EventLiquidation       EventType = "LIQUIDATION"
	EventFundingCharged    EventType = "FUNDING_CHARGED"
	EventLevelsUpdated     EventType = "LEVELS_UPDATED"
	EventMarginUpdated     EventType = "MARGIN_UPDATED"
	EventHTFCandleClosed   EventType = "HTF_CANDLE_CLOSED"
)

// Event is one entry of a run's append-only event log.
type Event struct {
	Type    EventType      `json:"type"`
	Time    time.Time      `json:"time"`
	TradeID string         `json:"trade_id,omitempty"`
	Price   float64        `json:"price,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// EquityPoint is one downsampled sample of the equity curve.
type EquityPoint struct {
	Time            time.Time `json:"time"`
	Equity          float64   `json:"equity"`
	UnrealizedPnL   float64   `json:"unrealized_pnl"`
	DrawdownPercent float64   `json:"drawdown_percent"`
}

// Result is everything a finished run produced.
type Result struct {
	RunID         string             `json:"run_id"`
	Status        RunStatus          `json:"status"`
	StatusMessage string             `json:"status_message,omitempty"`
	Config        Config             `json:"config"`
	StartedAt     time.Time          `json:"started_at"`
	FinishedAt    time.Time          `json:"finished_at"`
	FinalEquity   float64            `json:"final_equity"`
	Trades        []position.Trade   `json:"trades"`
	EquityCurve   []EquityPoint      `json:"equity_curve"`
	Events        []Event            `json:"events"`
	Metrics       PerformanceMetrics `json:"metrics"`
	BarsProcessed int                `json:"bars_processed"`
	Signals       int                `json:"signals_generated"`
}
