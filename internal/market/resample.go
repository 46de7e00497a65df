package market

import (
	"fmt"
	"time"
)

// Resampler aggregates 1-minute candles into a higher timeframe and answers
// window-boundary lookups without exposing the developing window.
type Resampler struct {
	target  Timeframe
	period  time.Duration
	base    []Candle
	windows map[int64][]int // window-start unix -> indices into base
}

// NewResampler indexes base (chronologically ordered 1-minute candles) for the
// target timeframe.
func NewResampler(base []Candle, target Timeframe) (*Resampler, error) {
	period, err := target.Duration()
	if err != nil {
		return nil, err
	}

	r := &Resampler{
		target:  target,
		period:  period,
		base:    base,
		windows: make(map[int64][]int),
	}
	p := int64(period / time.Second)
	for i, c := range base {
		ws := c.OpenTime.Unix() / p * p
		r.windows[ws] = append(r.windows[ws], i)
	}
	return r, nil
}

// Resample returns the HTF candles in chronological order. Each candle's
// OpenTime is the window-start instant.
func (r *Resampler) Resample() []Candle {
	if len(r.base) == 0 {
		return nil
	}

	out := make([]Candle, 0, len(r.windows))
	p := int64(r.period / time.Second)
	start := r.base[0].OpenTime.Unix() / p * p
	end := r.base[len(r.base)-1].OpenTime.Unix()

	for ws := start; ws <= end; ws += p {
		idx, ok := r.windows[ws]
		if !ok {
			continue
		}
		first, last := r.base[idx[0]], r.base[idx[len(idx)-1]]
		htf := Candle{
			OpenTime:  time.Unix(ws, 0).UTC(),
			CloseTime: time.Unix(ws+p, 0).UTC(),
			Open:      first.Open,
			Close:     last.Close,
			High:      first.High,
			Low:       first.Low,
		}
		for _, i := range idx {
			c := r.base[i]
			if c.High > htf.High {
				htf.High = c.High
			}
			if c.Low < htf.Low {
				htf.Low = c.Low
			}
			htf.Volume += c.Volume
			htf.QuoteVolume += c.QuoteVolume
			htf.TradeCount += c.TradeCount
			htf.TakerBuyBaseVolume += c.TakerBuyBaseVolume
			htf.TakerBuyQuoteVolume += c.TakerBuyQuoteVolume
		}
		out = append(out, htf)
	}
	return out
}

// CandlesInWindow returns the 1-minute candles whose open time falls inside
// the window starting at htfStart.
func (r *Resampler) CandlesInWindow(htfStart time.Time) []Candle {
	p := int64(r.period / time.Second)
	ws := htfStart.Unix() / p * p
	idx, ok := r.windows[ws]
	if !ok {
		return nil
	}
	out := make([]Candle, len(idx))
	for i, j := range idx {
		out[i] = r.base[j]
	}
	return out
}

// NextWindowCandles returns the 1-minute candles of the window immediately
// after the one starting at htfStart. Execution on a freshly closed HTF bar
// must use these candles to avoid look-ahead.
func (r *Resampler) NextWindowCandles(htfStart time.Time) []Candle {
	return r.CandlesInWindow(htfStart.Add(r.period))
}

// Resample is the convenience form for a single aggregation pass.
func Resample(base []Candle, target Timeframe) ([]Candle, error) {
	r, err := NewResampler(base, target)
	if err != nil {
		return nil, fmt.Errorf("resample to %s: %w", target, err)
	}
	return r.Resample(), nil
}
