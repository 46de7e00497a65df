package strategy

import (
	"fmt"
	"math"

	"futures-backtester/internal/backtest"
	"futures-backtester/internal/market"
	"futures-backtester/internal/position"
)

// MACross opens long on a golden cross of two SMAs and flips short on the
// death cross. Indicators are precomputed over the full series.
type MACross struct {
	Fast          int
	Slow          int
	StopLossROE   float64
	TakeProfitROE float64
	fast, slow    []float64
}

// NewMACross validates the periods.
func NewMACross(fast, slow int, stopLossROE, takeProfitROE float64) (*MACross, error) {
	if fast <= 0 || slow <= 0 || fast >= slow {
		return nil, fmt.Errorf("ma_cross: need 0 < fast < slow, got fast=%d slow=%d", fast, slow)
	}
	return &MACross{Fast: fast, Slow: slow, StopLossROE: stopLossROE, TakeProfitROE: takeProfitROE}, nil
}

// PreCalculate computes both SMA series once.
func (s *MACross) PreCalculate(candles []market.Candle) {
	s.fast = SMASeries(candles, s.Fast)
	s.slow = SMASeries(candles, s.Slow)
}

// OnBar emits open/flip signals on crossovers.
func (s *MACross) OnBar(c market.Candle, idx int, pos *position.Position, _ *backtest.MultiTimeframeContext) *backtest.Signal {
	if idx < 1 || idx >= len(s.fast) {
		return nil
	}
	f, sl := s.fast[idx], s.slow[idx]
	pf, psl := s.fast[idx-1], s.slow[idx-1]
	if math.IsNaN(f) || math.IsNaN(sl) || math.IsNaN(pf) || math.IsNaN(psl) {
		return nil
	}

	crossUp := pf <= psl && f > sl
	crossDown := pf >= psl && f < sl

	if pos == nil {
		if crossUp {
			return s.entry(backtest.SignalOpenLong, "SMA golden cross")
		}
		if crossDown {
			return s.entry(backtest.SignalOpenShort, "SMA death cross")
		}
		return nil
	}
	if pos.Direction == position.Long && crossDown {
		return s.entry(backtest.SignalFlipShort, "SMA death cross")
	}
	if pos.Direction == position.Short && crossUp {
		return s.entry(backtest.SignalFlipLong, "SMA golden cross")
	}
	return nil
}

func (s *MACross) entry(typ backtest.SignalType, reason string) *backtest.Signal {
	return &backtest.Signal{
		Type:              typ,
		StopLossPercent:   s.StopLossROE,
		TakeProfitPercent: s.TakeProfitROE,
		Reason:            reason,
	}
}

// RSIReversion fades extremes: long below the oversold level, short above the
// overbought level, exit when RSI returns through the midline.
type RSIReversion struct {
	Period     int
	Oversold   float64
	Overbought float64
	rsi        []float64
}

// NewRSIReversion validates the levels.
func NewRSIReversion(period int, oversold, overbought float64) (*RSIReversion, error) {
	if period <= 0 {
		return nil, fmt.Errorf("rsi_reversion: period must be positive, got %d", period)
	}
	if oversold <= 0 || overbought >= 100 || oversold >= overbought {
		return nil, fmt.Errorf("rsi_reversion: need 0 < oversold < overbought < 100, got %g/%g", oversold, overbought)
	}
	return &RSIReversion{Period: period, Oversold: oversold, Overbought: overbought}, nil
}

// PreCalculate computes the RSI series once.
func (s *RSIReversion) PreCalculate(candles []market.Candle) {
	s.rsi = RSISeries(candles, s.Period)
}

// OnBar emits entries at RSI extremes and exits at the midline.
func (s *RSIReversion) OnBar(c market.Candle, idx int, pos *position.Position, _ *backtest.MultiTimeframeContext) *backtest.Signal {
	if idx >= len(s.rsi) {
		return nil
	}
	rsi := s.rsi[idx]
	if math.IsNaN(rsi) {
		return nil
	}

	if pos == nil {
		if rsi <= s.Oversold {
			return &backtest.Signal{Type: backtest.SignalOpenLong, Reason: fmt.Sprintf("RSI oversold at %.1f", rsi)}
		}
		if rsi >= s.Overbought {
			return &backtest.Signal{Type: backtest.SignalOpenShort, Reason: fmt.Sprintf("RSI overbought at %.1f", rsi)}
		}
		return nil
	}
	if pos.Direction == position.Long && rsi >= 50 {
		return &backtest.Signal{Type: backtest.SignalClosePosition, Reason: "RSI mean reverted"}
	}
	if pos.Direction == position.Short && rsi <= 50 {
		return &backtest.Signal{Type: backtest.SignalClosePosition, Reason: "RSI mean reverted"}
	}
	return nil
}

// Breakout goes long when the close clears the rolling high of the lookback
// window. Exits are left to SL/TP/trailing levels.
type Breakout struct {
	Lookback        int
	StopLossROE     float64
	TakeProfitROE   float64
	TrailingStopPct float64
	highs           []float64
}

// NewBreakout validates the lookback.
func NewBreakout(lookback int, stopLossROE, takeProfitROE, trailingStopPct float64) (*Breakout, error) {
	if lookback <= 0 {
		return nil, fmt.Errorf("breakout: lookback must be positive, got %d", lookback)
	}
	return &Breakout{
		Lookback:        lookback,
		StopLossROE:     stopLossROE,
		TakeProfitROE:   takeProfitROE,
		TrailingStopPct: trailingStopPct,
	}, nil
}

// PreCalculate computes the rolling highs once.
func (s *Breakout) PreCalculate(candles []market.Candle) {
	s.highs = RollingHigh(candles, s.Lookback)
}

// OnBar emits a long entry on a close above the lookback high.
func (s *Breakout) OnBar(c market.Candle, idx int, pos *position.Position, _ *backtest.MultiTimeframeContext) *backtest.Signal {
	if pos != nil || idx >= len(s.highs) {
		return nil
	}
	high := s.highs[idx]
	if math.IsNaN(high) || c.Close <= high {
		return nil
	}
	return &backtest.Signal{
		Type:                backtest.SignalOpenLong,
		StopLossPercent:     s.StopLossROE,
		TakeProfitPercent:   s.TakeProfitROE,
		TrailingStopPercent: s.TrailingStopPct,
		Reason:              fmt.Sprintf("Close %.4f broke %d-bar high %.4f", c.Close, s.Lookback, high),
	}
}
