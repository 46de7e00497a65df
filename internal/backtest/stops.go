package backtest

import (
	"futures-backtester/internal/market"
	"futures-backtester/internal/position"
	"futures-backtester/internal/simulator"
)

// checkLiquidation closes the position at the liquidation price when the
// candle reached it. Runs before any SL/TP check.
func (e *Engine) checkLiquidation(candle market.Candle) bool {
	p := e.ledger.Current()
	liq := p.LiquidationPrice()
	if liq <= 0 {
		return false
	}
	triggered := (p.Direction == position.Long && candle.Low <= liq) ||
		(p.Direction == position.Short && candle.High >= liq)
	if !triggered {
		return false
	}
	e.log.Warn().Float64("liq_price", liq).Msg("position liquidated")
	e.closePosition(liq, candle.CloseTime, position.ExitLiquidation, "Liquidation")
	return true
}

// checkStops evaluates stop-loss, trailing stop and take-profit against the
// candle's range, resolving same-candle conflicts with the configured
// price-path assumption.
func (e *Engine) checkStops(candle market.Candle) bool {
	p := e.ledger.Current()
	long := p.Direction == position.Long

	slTrig := p.StopLoss > 0 && e.stopHit(candle, p.StopLoss, long)
	trailTrig := p.TrailingStopPrice > 0 && e.stopHit(candle, p.TrailingStopPrice, long)
	tpTrig := p.TakeProfit > 0 && e.targetHit(candle, p.TakeProfit, long)
	if !slTrig && !trailTrig && !tpTrig {
		return false
	}

	stopPrice, stopKind, stopReason := effectiveStop(p, slTrig, trailTrig, long)
	stopAny := slTrig || trailTrig

	if stopAny && tpTrig {
		label := e.assumptionLabel()
		if e.takeProfitWins(candle, p) {
			e.closePosition(p.TakeProfit, candle.CloseTime, position.ExitTakeProfit, "Take profit ("+label+")")
			return true
		}
		e.closePosition(stopPrice, candle.CloseTime, stopKind, stopReason+" ("+label+")")
		return true
	}
	if stopAny {
		e.closePosition(stopPrice, candle.CloseTime, stopKind, stopReason)
		return true
	}
	e.closePosition(p.TakeProfit, candle.CloseTime, position.ExitTakeProfit, "Take profit")
	return true
}

// effectiveStop picks among the triggered stop levels, taking the more
// adverse one when both fired on the same candle.
func effectiveStop(p *position.Position, slTrig, trailTrig, long bool) (float64, position.ExitKind, string) {
	switch {
	case slTrig && trailTrig:
		if long {
			if p.TrailingStopPrice < p.StopLoss {
				return p.TrailingStopPrice, position.ExitTrailingStop, "Trailing stop"
			}
			return p.StopLoss, position.ExitStopLoss, "Stop loss"
		}
		if p.TrailingStopPrice > p.StopLoss {
			return p.TrailingStopPrice, position.ExitTrailingStop, "Trailing stop"
		}
		return p.StopLoss, position.ExitStopLoss, "Stop loss"
	case trailTrig:
		return p.TrailingStopPrice, position.ExitTrailingStop, "Trailing stop"
	default:
		return p.StopLoss, position.ExitStopLoss, "Stop loss"
	}
}

// stopHit reports whether the adverse level was reached. Under cross-style
// limit policies the level must actually be crossed, not merely touched.
func (e *Engine) stopHit(candle market.Candle, level float64, long bool) bool {
	if e.crossRequired() {
		if long {
			return (candle.Open > level && candle.Low < level) || candle.Open < level
		}
		return (candle.Open < level && candle.High > level) || candle.Open > level
	}
	if long {
		return candle.Low <= level
	}
	return candle.High >= level
}

// targetHit is the favorable-side counterpart of stopHit.
func (e *Engine) targetHit(candle market.Candle, level float64, long bool) bool {
	if e.crossRequired() {
		if long {
			return (candle.Open < level && candle.High > level) || candle.Open > level
		}
		return (candle.Open > level && candle.Low < level) || candle.Open < level
	}
	if long {
		return candle.High >= level
	}
	return candle.Low <= level
}

func (e *Engine) crossRequired() bool {
	lp := e.cfg.Simulator.LimitFillPolicy
	return lp == simulator.LimitFillCross || lp == simulator.LimitFillCrossVolume
}

func (e *Engine) assumptionLabel() string {
	switch e.cfg.PricePathAssumption {
	case PathOptimistic:
		return "Optimistic assumption"
	case PathRealistic:
		return "Realistic assumption"
	default:
		return "Neutral assumption"
	}
}

// takeProfitWins resolves a same-candle stop/target conflict.
func (e *Engine) takeProfitWins(candle market.Candle, p *position.Position) bool {
	switch e.cfg.PricePathAssumption {
	case PathOptimistic:
		return true
	case PathRealistic:
		if p.Direction == position.Long {
			return candle.Open > p.AvgEntryPrice
		}
		return candle.Open < p.AvgEntryPrice
	default:
		return false
	}
}
