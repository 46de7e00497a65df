// Package position maintains the single open position of a backtest run:
// entry state, trailing-stop ratchet, funding accrual, intra-trade extremes
// and the realization of a closed position into an immutable trade record.
package position

import (
	"time"
)

// Direction of a position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// ExitKind tags why a trade was closed.
type ExitKind string

const (
	ExitSignal       ExitKind = "SIGNAL"
	ExitStopLoss     ExitKind = "STOP_LOSS"
	ExitTakeProfit   ExitKind = "TAKE_PROFIT"
	ExitTrailingStop ExitKind = "TRAILING_STOP"
	ExitLiquidation  ExitKind = "LIQUIDATION"
	ExitEndOfData    ExitKind = "END_OF_DATA"
	ExitManual       ExitKind = "MANUAL"
)

// MaintenanceMarginRate is the ratio at which an isolated position is
// liquidated.
const MaintenanceMarginRate = 0.005

// Position is the engine-owned mutable state of one open futures position.
type Position struct {
	Symbol    string
	Direction Direction
	Quantity  float64
	Leverage  int

	AvgEntryPrice     float64
	InitialEntryPrice float64
	InitialQuantity   float64

	CurrentPrice  float64
	UnrealizedPnL float64

	StopLoss            float64
	TakeProfit          float64
	TrailingStopPercent float64
	TrailingStopPrice   float64
	HighestSinceEntry   float64 // LONG tracking, 0 when unset
	LowestSinceEntry    float64 // SHORT tracking, 0 when unset

	IsolatedMargin     float64
	AccumulatedFunding float64

	SignalTime      time.Time
	EntryTime       time.Time
	EntryCommission float64
	EntrySlippage   float64
	EntryReason     string

	// Intra-trade extremes in ROE percent.
	MaxDrawdownROE float64
	MaxRunupROE    float64
}

// Trade is the immutable record a closed position collapses into.
type Trade struct {
	ID                    string    `json:"id"`
	Symbol                string    `json:"symbol"`
	Direction             Direction `json:"direction"`
	SignalTime            time.Time `json:"signal_time"`
	EntryTime             time.Time `json:"entry_time"`
	ExecutionDelaySeconds float64   `json:"execution_delay_seconds"`
	EntryPrice            float64   `json:"entry_price"`
	EntryQuantity         float64   `json:"entry_quantity"`
	EntryCommission       float64   `json:"entry_commission"`
	EntrySlippage         float64   `json:"entry_slippage"`
	InitialEntryPrice     float64   `json:"initial_entry_price"`
	InitialQuantity       float64   `json:"initial_quantity"`
	ExitTime              time.Time `json:"exit_time"`
	ExitPrice             float64   `json:"exit_price"`
	ExitQuantity          float64   `json:"exit_quantity"`
	ExitCommission        float64   `json:"exit_commission"`
	ExitSlippage          float64   `json:"exit_slippage"`
	GrossPnL              float64   `json:"gross_pnl"`
	NetPnL                float64   `json:"net_pnl"`
	PnLPercent            float64   `json:"pnl_percent"` // return on margin
	MAE                   float64   `json:"mae"`         // worst ROE during the trade
	MFE                   float64   `json:"mfe"`         // best ROE during the trade
	MakerFee              float64   `json:"maker_fee"`
	TakerFee              float64   `json:"taker_fee"`
	FundingFee            float64   `json:"funding_fee"`
	EntryReason           string    `json:"entry_reason"`
	ExitReason            string    `json:"exit_reason"`
	ExitKind              ExitKind  `json:"exit_kind"`
	FillPolicyUsed        string    `json:"fill_policy_used"`
	FillConditionsMet     []string  `json:"fill_conditions_met"`
}

// IsWinner reports whether the trade ended with positive net P&L.
func (t Trade) IsWinner() bool { return t.NetPnL > 0 }

// DurationSeconds is the holding time of the trade.
func (t Trade) DurationSeconds() float64 {
	return t.ExitTime.Sub(t.EntryTime).Seconds()
}

// Notional returns quantity * avg entry price.
func (p *Position) Notional() float64 {
	return p.Quantity * p.AvgEntryPrice
}

// IsFlat reports whether the position holds no quantity.
func (p *Position) IsFlat() bool { return p == nil || p.Quantity == 0 }

// GrossPnLAt computes price-based P&L at the given mark price.
func (p *Position) GrossPnLAt(price float64) float64 {
	if p.Direction == Long {
		return (price - p.AvgEntryPrice) * p.Quantity
	}
	return (p.AvgEntryPrice - price) * p.Quantity
}

// ROEAt converts P&L at the given price into return-on-margin percent.
func (p *Position) ROEAt(price float64) float64 {
	notional := p.Notional()
	if notional == 0 {
		return 0
	}
	return p.GrossPnLAt(price) * float64(p.Leverage) / notional * 100
}

// LiquidationPrice derives the isolated-margin liquidation level. Returns 0
// for a LONG whose margin covers any drop to zero.
func (p *Position) LiquidationPrice() float64 {
	if p.Quantity == 0 {
		return 0
	}
	if p.Direction == Long {
		liq := p.AvgEntryPrice*(1+MaintenanceMarginRate) - p.IsolatedMargin/p.Quantity
		if liq < 0 {
			return 0
		}
		return liq
	}
	return p.AvgEntryPrice*(1-MaintenanceMarginRate) + p.IsolatedMargin/p.Quantity
}
