package position

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpenParams carries everything needed to open a position from a fill.
type OpenParams struct {
	Symbol              string
	Direction           Direction
	Quantity            float64
	FillPrice           float64
	Leverage            int
	Margin              float64
	Commission          float64
	Slippage            float64
	SignalTime          time.Time
	FillTime            time.Time
	StopLoss            float64
	TakeProfit          float64
	TrailingStopPercent float64
	EntryReason         string
	EntryWasLimit       bool
	FillPolicyUsed      string
	FillConditionsMet   []string
}

// Ledger owns the at-most-one open position of a run and turns lifecycle
// operations into trade records.
type Ledger struct {
	pos *Position

	entryWasLimit     bool
	fillPolicyUsed    string
	fillConditionsMet []string

	realizedPartials []Trade
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger { return &Ledger{} }

// Current returns the open position, or nil when flat.
func (l *Ledger) Current() *Position { return l.pos }

// HasPosition reports whether a position is open.
func (l *Ledger) HasPosition() bool { return l.pos != nil && l.pos.Quantity > 0 }

// Open creates the position. Returns an error if one is already open.
func (l *Ledger) Open(p OpenParams) (*Position, error) {
	if l.HasPosition() {
		return nil, fmt.Errorf("open position: %s position already open", l.pos.Direction)
	}
	if p.Quantity <= 0 || p.FillPrice <= 0 {
		return nil, fmt.Errorf("open position: invalid quantity %g at price %g", p.Quantity, p.FillPrice)
	}
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	pos := &Position{
		Symbol:              p.Symbol,
		Direction:           p.Direction,
		Quantity:            p.Quantity,
		Leverage:            lev,
		AvgEntryPrice:       p.FillPrice,
		InitialEntryPrice:   p.FillPrice,
		InitialQuantity:     p.Quantity,
		CurrentPrice:        p.FillPrice,
		StopLoss:            p.StopLoss,
		TakeProfit:          p.TakeProfit,
		TrailingStopPercent: p.TrailingStopPercent,
		IsolatedMargin:      p.Margin,
		SignalTime:          p.SignalTime,
		EntryTime:           p.FillTime,
		EntryCommission:     p.Commission,
		EntrySlippage:       p.Slippage,
		EntryReason:         p.EntryReason,
	}
	l.pos = pos
	l.entryWasLimit = p.EntryWasLimit
	l.fillPolicyUsed = p.FillPolicyUsed
	l.fillConditionsMet = p.FillConditionsMet
	l.realizedPartials = nil
	return pos, nil
}

// UpdateUnrealized marks the position to the given price.
func (l *Ledger) UpdateUnrealized(price float64) {
	if !l.HasPosition() {
		return
	}
	l.pos.CurrentPrice = price
	l.pos.UnrealizedPnL = l.pos.GrossPnLAt(price)
}

// UpdateExtremes ratchets MAE/MFE from the candle's high and low, both
// expressed as ROE percent.
func (l *Ledger) UpdateExtremes(high, low float64) {
	if !l.HasPosition() {
		return
	}
	p := l.pos
	var favorable, adverse float64
	if p.Direction == Long {
		favorable, adverse = p.ROEAt(high), p.ROEAt(low)
	} else {
		favorable, adverse = p.ROEAt(low), p.ROEAt(high)
	}
	if favorable > p.MaxRunupROE {
		p.MaxRunupROE = favorable
	}
	if adverse < p.MaxDrawdownROE {
		p.MaxDrawdownROE = adverse
	}
}

// UpdateTrailing advances the trailing stop. The stop only ever ratchets in
// the position's favor; it never loosens. Returns the active stop price, or 0
// when no trailing stop is configured.
func (l *Ledger) UpdateTrailing(high, low float64) float64 {
	if !l.HasPosition() || l.pos.TrailingStopPercent <= 0 {
		return 0
	}
	p := l.pos
	if p.Direction == Long {
		if p.HighestSinceEntry == 0 || high > p.HighestSinceEntry {
			p.HighestSinceEntry = high
		}
		candidate := p.HighestSinceEntry * (1 - p.TrailingStopPercent/100)
		if candidate > p.TrailingStopPrice {
			p.TrailingStopPrice = candidate
		}
	} else {
		if p.LowestSinceEntry == 0 || low < p.LowestSinceEntry {
			p.LowestSinceEntry = low
		}
		candidate := p.LowestSinceEntry * (1 + p.TrailingStopPercent/100)
		if p.TrailingStopPrice == 0 || candidate < p.TrailingStopPrice {
			p.TrailingStopPrice = candidate
		}
	}
	return p.TrailingStopPrice
}

// SetLevels replaces stop-loss and take-profit. Zero leaves a level untouched;
// a negative value clears it.
func (l *Ledger) SetLevels(stopLoss, takeProfit float64) {
	if !l.HasPosition() {
		return
	}
	switch {
	case stopLoss > 0:
		l.pos.StopLoss = stopLoss
	case stopLoss < 0:
		l.pos.StopLoss = 0
	}
	switch {
	case takeProfit > 0:
		l.pos.TakeProfit = takeProfit
	case takeProfit < 0:
		l.pos.TakeProfit = 0
	}
}

// SetTrailing replaces the trailing-stop percent. Extremes are preserved so
// the ratchet resumes from where it was.
func (l *Ledger) SetTrailing(percent float64) {
	if !l.HasPosition() || percent < 0 {
		return
	}
	l.pos.TrailingStopPercent = percent
	if percent == 0 {
		l.pos.TrailingStopPrice = 0
	}
}

// ScaleIn adds quantity at fillPrice, moving the average entry to the
// volume-weighted price. Margin and entry costs accumulate.
func (l *Ledger) ScaleIn(fillPrice, quantity, margin, commission, slippage float64) error {
	if !l.HasPosition() {
		return fmt.Errorf("scale in: no open position")
	}
	if quantity <= 0 || fillPrice <= 0 {
		return fmt.Errorf("scale in: invalid quantity %g at price %g", quantity, fillPrice)
	}
	p := l.pos
	total := p.Quantity + quantity
	p.AvgEntryPrice = (p.AvgEntryPrice*p.Quantity + fillPrice*quantity) / total
	p.Quantity = total
	p.IsolatedMargin += margin
	p.EntryCommission += commission
	p.EntrySlippage += slippage
	return nil
}

// AdjustMargin transfers margin into (positive) or out of (negative) the
// position. Removal is capped so margin never goes below zero. Returns the
// amount actually moved.
func (l *Ledger) AdjustMargin(delta float64) float64 {
	if !l.HasPosition() {
		return 0
	}
	if delta < 0 && l.pos.IsolatedMargin+delta < 0 {
		delta = -l.pos.IsolatedMargin
	}
	l.pos.IsolatedMargin += delta
	return delta
}

// AccrueFunding adds a funding payment to the position. Positive amounts are
// paid by the position and reduce its net result.
func (l *Ledger) AccrueFunding(amount float64) {
	if l.HasPosition() {
		l.pos.AccumulatedFunding += amount
	}
}

// PartialClose realizes quantity of the position at fillPrice. Entry costs,
// margin and funding are released proportionally. Returns the partial trade.
func (l *Ledger) PartialClose(fillPrice, quantity float64, ts time.Time, commission, slippage float64, reason string) (Trade, error) {
	if !l.HasPosition() {
		return Trade{}, fmt.Errorf("partial close: no open position")
	}
	p := l.pos
	if quantity <= 0 || quantity >= p.Quantity {
		return Trade{}, fmt.Errorf("partial close: quantity %g out of (0, %g)", quantity, p.Quantity)
	}

	frac := quantity / p.Quantity
	entryCommission := p.EntryCommission * frac
	entrySlippage := p.EntrySlippage * frac
	funding := p.AccumulatedFunding * frac

	var gross float64
	if p.Direction == Long {
		gross = (fillPrice - p.AvgEntryPrice) * quantity
	} else {
		gross = (p.AvgEntryPrice - fillPrice) * quantity
	}
	trade := l.buildTrade(fillPrice, quantity, ts, gross,
		entryCommission, entrySlippage, commission, slippage, funding,
		ExitSignal, reason)

	p.Quantity -= quantity
	p.IsolatedMargin *= 1 - frac
	p.EntryCommission -= entryCommission
	p.EntrySlippage -= entrySlippage
	p.AccumulatedFunding -= funding
	p.UnrealizedPnL = p.GrossPnLAt(p.CurrentPrice)

	l.realizedPartials = append(l.realizedPartials, trade)
	return trade, nil
}

// Close realizes the full remaining position at fillPrice and clears the
// ledger. Returns the final trade record.
func (l *Ledger) Close(fillPrice float64, ts time.Time, kind ExitKind, reason string, commission, slippage float64) (Trade, error) {
	if !l.HasPosition() {
		return Trade{}, fmt.Errorf("close: no open position")
	}
	p := l.pos

	var gross float64
	if p.Direction == Long {
		gross = (fillPrice - p.AvgEntryPrice) * p.Quantity
	} else {
		gross = (p.AvgEntryPrice - fillPrice) * p.Quantity
	}
	trade := l.buildTrade(fillPrice, p.Quantity, ts, gross,
		p.EntryCommission, p.EntrySlippage, commission, slippage,
		p.AccumulatedFunding, kind, reason)

	l.pos = nil
	l.realizedPartials = nil
	return trade, nil
}

func (l *Ledger) buildTrade(fillPrice, quantity float64, ts time.Time, gross,
	entryCommission, entrySlippage, exitCommission, exitSlippage, funding float64,
	kind ExitKind, reason string) Trade {

	p := l.pos
	net := gross - entryCommission - entrySlippage - exitCommission - exitSlippage - funding

	margin := p.IsolatedMargin * quantity / p.Quantity
	pnlPercent := 0.0
	if margin > 0 {
		pnlPercent = net / margin * 100
	}

	// Limit entries and take-profit exits rest on the book; everything else
	// crosses the spread.
	var maker, taker float64
	if l.entryWasLimit {
		maker += entryCommission
	} else {
		taker += entryCommission
	}
	if kind == ExitTakeProfit {
		maker += exitCommission
	} else {
		taker += exitCommission
	}

	return Trade{
		ID:                    uuid.New().String(),
		Symbol:                p.Symbol,
		Direction:             p.Direction,
		SignalTime:            p.SignalTime,
		EntryTime:             p.EntryTime,
		ExecutionDelaySeconds: p.EntryTime.Sub(p.SignalTime).Seconds(),
		EntryPrice:            p.AvgEntryPrice,
		EntryQuantity:         quantity,
		EntryCommission:       entryCommission,
		EntrySlippage:         entrySlippage,
		InitialEntryPrice:     p.InitialEntryPrice,
		InitialQuantity:       p.InitialQuantity,
		ExitTime:              ts,
		ExitPrice:             fillPrice,
		ExitQuantity:          quantity,
		ExitCommission:        exitCommission,
		ExitSlippage:          exitSlippage,
		GrossPnL:              gross,
		NetPnL:                net,
		PnLPercent:            pnlPercent,
		MAE:                   p.MaxDrawdownROE,
		MFE:                   p.MaxRunupROE,
		MakerFee:              maker,
		TakerFee:              taker,
		FundingFee:            funding,
		EntryReason:           p.EntryReason,
		ExitReason:            reason,
		ExitKind:              kind,
		FillPolicyUsed:        l.fillPolicyUsed,
		FillConditionsMet:     l.fillConditionsMet,
	}
}
