package backtest

import (
	"fmt"
	"strings"
	"time"

	"futures-backtester/internal/market"
	"futures-backtester/internal/position"
	"futures-backtester/internal/simulator"
)

// dispatch applies a strategy signal against the current candle. Invalid
// preconditions (e.g. open_long while holding a position) are logged and
// skipped rather than failing the run.
func (e *Engine) dispatch(sig *Signal, candle market.Candle, signalTime, ts time.Time) error {
	switch sig.Type {
	case SignalOpenLong:
		return e.openPosition(position.Long, sig, candle, signalTime, ts)
	case SignalOpenShort:
		return e.openPosition(position.Short, sig, candle, signalTime, ts)

	case SignalAddLong:
		return e.scaleIn(position.Long, sig, candle, ts)
	case SignalAddShort:
		return e.scaleIn(position.Short, sig, candle, ts)

	case SignalPartialClose, SignalReduceLong, SignalReduceShort:
		return e.partialClose(sig, candle, ts)

	case SignalClosePosition:
		if !e.ledger.HasPosition() {
			e.log.Debug().Msg("close_position signal with no open position")
			return nil
		}
		reason := sig.Reason
		if reason == "" {
			reason = "Signal close"
		}
		e.closePosition(candle.Close, ts, position.ExitSignal, reason)
		return nil

	case SignalFlipLong:
		return e.flip(position.Long, sig, candle, signalTime, ts)
	case SignalFlipShort:
		return e.flip(position.Short, sig, candle, signalTime, ts)

	case SignalUpdateLevels:
		e.updateLevels(sig, ts)
		return nil
	case SignalUpdateMargin:
		e.updateMargin(sig, ts)
		return nil

	default:
		return fmt.Errorf("dispatch: unknown signal type %q", sig.Type)
	}
}

func (e *Engine) openPosition(dir position.Direction, sig *Signal, candle market.Candle, signalTime, ts time.Time) error {
	if e.ledger.HasPosition() {
		e.log.Debug().Str("signal", string(sig.Type)).Msg("entry signal ignored, position already open")
		return nil
	}

	price := candle.Close
	if sig.LimitPrice != nil {
		price = *sig.LimitPrice
	}
	qty := sig.Quantity
	if qty > 0 {
		qty = capQuantity(e.cfg, qty, e.equity, price)
	} else {
		qty = sizeEntry(e.cfg, e.equity, price)
	}
	if qty <= 0 {
		e.log.Debug().Float64("equity", e.equity).Msg("entry skipped, zero size")
		return nil
	}

	var fill simulator.OrderFill
	if dir == position.Long {
		fill = e.sim.SimulateLongEntry(qty, candle.Close, candle, ts, sig.LimitPrice)
	} else {
		fill = e.sim.SimulateShortEntry(qty, candle.Close, candle, ts, sig.LimitPrice)
	}
	if !fill.Filled() {
		e.log.Debug().Float64("limit", price).Msg("limit entry not filled on this candle")
		return nil
	}

	isLimit := sig.LimitPrice != nil
	notional := fill.FilledPrice * fill.FilledQuantity
	commission := e.entryFee(notional, isLimit, fill.Commission)

	lev := e.cfg.Leverage
	if lev < 1 {
		lev = 1
	}
	margin := notional / float64(lev)

	sl, tp := e.resolveLevels(sig, fill.FilledPrice, lev, dir)
	trailing := sig.TrailingStopPercent
	if trailing == 0 {
		trailing = e.cfg.DefaultTrailingStopPercent
	}

	_, err := e.ledger.Open(position.OpenParams{
		Symbol:              e.cfg.Symbol,
		Direction:           dir,
		Quantity:            fill.FilledQuantity,
		FillPrice:           fill.FilledPrice,
		Leverage:            lev,
		Margin:              margin,
		Commission:          commission,
		Slippage:            fill.Slippage,
		SignalTime:          signalTime,
		FillTime:            fill.FillTime,
		StopLoss:            sl,
		TakeProfit:          tp,
		TrailingStopPercent: trailing,
		EntryReason:         sig.Reason,
		EntryWasLimit:       isLimit,
		FillPolicyUsed:      e.fillPolicyLabel(isLimit),
		FillConditionsMet:   fill.FillConditionsMet,
	})
	if err != nil {
		return err
	}

	e.emit(EventTradeOpened, ts, fill.FilledPrice, string(dir), map[string]any{
		"quantity": fill.FilledQuantity,
		"margin":   margin,
	})
	return nil
}

func (e *Engine) scaleIn(dir position.Direction, sig *Signal, candle market.Candle, ts time.Time) error {
	p := e.ledger.Current()
	if p == nil || p.Direction != dir {
		e.log.Debug().Str("signal", string(sig.Type)).Msg("scale-in signal ignored, no matching position")
		return nil
	}

	qty := sig.Quantity
	if qty <= 0 {
		qty = sizeEntry(e.cfg, e.equity, candle.Close)
	}
	if qty <= 0 {
		return nil
	}

	var fill simulator.OrderFill
	if dir == position.Long {
		fill = e.sim.SimulateLongEntry(qty, candle.Close, candle, ts, sig.LimitPrice)
	} else {
		fill = e.sim.SimulateShortEntry(qty, candle.Close, candle, ts, sig.LimitPrice)
	}
	if !fill.Filled() {
		return nil
	}

	notional := fill.FilledPrice * fill.FilledQuantity
	commission := e.entryFee(notional, sig.LimitPrice != nil, fill.Commission)
	margin := notional / float64(p.Leverage)

	if err := e.ledger.ScaleIn(fill.FilledPrice, fill.FilledQuantity, margin, commission, fill.Slippage); err != nil {
		return err
	}

	// SL/TP refresh against the new average entry.
	if sig.StopLossPercent > 0 || sig.TakeProfitPercent > 0 || sig.StopLoss > 0 || sig.TakeProfit > 0 {
		sl, tp := e.resolveLevels(sig, p.AvgEntryPrice, p.Leverage, dir)
		e.ledger.SetLevels(sl, tp)
	}

	e.emit(EventPositionScaled, ts, fill.FilledPrice, "", map[string]any{
		"added_quantity": fill.FilledQuantity,
		"avg_entry":      p.AvgEntryPrice,
	})
	return nil
}

func (e *Engine) partialClose(sig *Signal, candle market.Candle, ts time.Time) error {
	p := e.ledger.Current()
	if p == nil {
		e.log.Debug().Msg("partial close signal with no open position")
		return nil
	}
	if sig.Type == SignalReduceLong && p.Direction != position.Long ||
		sig.Type == SignalReduceShort && p.Direction != position.Short {
		e.log.Debug().Str("signal", string(sig.Type)).Msg("reduce signal ignored, direction mismatch")
		return nil
	}

	qty := sig.Quantity
	if qty <= 0 {
		qty = p.Quantity / 2
	}
	if qty >= p.Quantity {
		reason := sig.Reason
		if reason == "" {
			reason = "Signal close"
		}
		e.closePosition(candle.Close, ts, position.ExitSignal, reason)
		return nil
	}

	fee := e.exitFee(candle.Close*qty, position.ExitSignal)
	reason := sig.Reason
	if reason == "" {
		reason = "Partial close"
	}
	trade, err := e.ledger.PartialClose(candle.Close, qty, ts, fee, 0, reason)
	if err != nil {
		return err
	}
	e.bookTrade(trade)
	e.emit(EventPartialClose, ts, candle.Close, reason, map[string]any{"quantity": qty})
	return nil
}

func (e *Engine) flip(dir position.Direction, sig *Signal, candle market.Candle, signalTime, ts time.Time) error {
	p := e.ledger.Current()
	if p == nil || p.Direction == dir {
		e.log.Debug().Str("signal", string(sig.Type)).Msg("flip signal ignored, no opposite position")
		return nil
	}
	e.closePosition(candle.Close, ts, position.ExitSignal, "Flip")
	return e.openPosition(dir, sig, candle, signalTime, ts)
}

func (e *Engine) updateLevels(sig *Signal, ts time.Time) {
	p := e.ledger.Current()
	if p == nil {
		return
	}
	sl, tp := e.resolveLevels(sig, p.AvgEntryPrice, p.Leverage, p.Direction)
	e.ledger.SetLevels(sl, tp)
	if sig.TrailingStopPercent > 0 {
		e.ledger.SetTrailing(sig.TrailingStopPercent)
	}
	e.emit(EventLevelsUpdated, ts, 0, "", map[string]any{
		"stop_loss": p.StopLoss, "take_profit": p.TakeProfit,
	})
}

func (e *Engine) updateMargin(sig *Signal, ts time.Time) {
	p := e.ledger.Current()
	if p == nil || sig.MarginDelta == 0 {
		return
	}
	delta := sig.MarginDelta
	if delta > e.equity {
		delta = e.equity
	}
	moved := e.ledger.AdjustMargin(delta)
	e.equity -= moved
	e.marginMoved += moved

	if sig.StopLoss > 0 || sig.TakeProfit > 0 || sig.StopLossPercent > 0 || sig.TakeProfitPercent > 0 {
		sl, tp := e.resolveLevels(sig, p.AvgEntryPrice, p.Leverage, p.Direction)
		e.ledger.SetLevels(sl, tp)
	}
	e.emit(EventMarginUpdated, ts, 0, "", map[string]any{
		"moved": moved, "isolated_margin": p.IsolatedMargin,
	})
}

// closePosition realizes the remaining position at price and books the trade.
func (e *Engine) closePosition(price float64, ts time.Time, kind position.ExitKind, reason string) {
	p := e.ledger.Current()
	if p == nil {
		return
	}
	fee := e.exitFee(price*p.Quantity, kind)
	trade, err := e.ledger.Close(price, ts, kind, reason, fee, 0)
	if err != nil {
		return
	}
	// Cash moved in via update_margin comes back; the realized loss of that
	// margin, if any, is already inside NetPnL.
	e.equity += e.marginMoved
	e.marginMoved = 0
	e.bookTrade(trade)
	e.emit(exitEventType(reason), ts, price, reason, map[string]any{"net_pnl": trade.NetPnL})
}

func (e *Engine) bookTrade(trade position.Trade) {
	e.equity += trade.NetPnL
	if e.equity > e.peakEquity {
		e.peakEquity = e.equity
	}
	e.trades = append(e.trades, trade)
}

// resolveLevels turns a signal's absolute or ROE-percent levels into prices,
// falling back to the run's configured defaults.
func (e *Engine) resolveLevels(sig *Signal, entry float64, leverage int, dir position.Direction) (sl, tp float64) {
	switch {
	case sig.StopLoss > 0:
		sl = sig.StopLoss
	case sig.StopLossPercent > 0:
		sl = position.StopLossFromROE(entry, sig.StopLossPercent, leverage, dir)
	case e.cfg.DefaultStopLossPercent > 0:
		sl = position.StopLossFromROE(entry, e.cfg.DefaultStopLossPercent, leverage, dir)
	}
	switch {
	case sig.TakeProfit > 0:
		tp = sig.TakeProfit
	case sig.TakeProfitPercent > 0:
		tp = position.TakeProfitFromROE(entry, sig.TakeProfitPercent, leverage, dir)
	case e.cfg.DefaultTakeProfitPercent > 0:
		tp = position.TakeProfitFromROE(entry, e.cfg.DefaultTakeProfitPercent, leverage, dir)
	}
	return sl, tp
}

// entryFee prefers the explicit maker/taker rates and falls back to the
// simulator's commission model.
func (e *Engine) entryFee(notional float64, isLimit bool, modelFee float64) float64 {
	if isLimit && e.cfg.MakerFeeRate > 0 {
		return simulator.RateFee(notional, e.cfg.MakerFeeRate)
	}
	if !isLimit && e.cfg.TakerFeeRate > 0 {
		return simulator.RateFee(notional, e.cfg.TakerFeeRate)
	}
	return modelFee
}

// exitFee charges the maker rate on take-profit exits, taker otherwise.
func (e *Engine) exitFee(notional float64, kind position.ExitKind) float64 {
	if kind == position.ExitTakeProfit && e.cfg.MakerFeeRate > 0 {
		return simulator.RateFee(notional, e.cfg.MakerFeeRate)
	}
	if e.cfg.TakerFeeRate > 0 {
		return simulator.RateFee(notional, e.cfg.TakerFeeRate)
	}
	return e.sim.Commission(notional)
}

func (e *Engine) fillPolicyLabel(isLimit bool) string {
	if isLimit {
		return string(e.cfg.Simulator.LimitFillPolicy)
	}
	return string(e.cfg.Simulator.MarketFillPolicy)
}

// exitEventType maps a close reason onto its event type by substring.
func exitEventType(reason string) EventType {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "liquidation"):
		return EventLiquidation
	case strings.Contains(r, "trailing"):
		return EventTrailingStopHit
	case strings.Contains(r, "stop loss") || strings.Contains(r, "sl"):
		return EventStopLossHit
	case strings.Contains(r, "take profit") || strings.Contains(r, "tp"):
		return EventTakeProfitHit
	default:
		return EventTradeClosed
	}
}
