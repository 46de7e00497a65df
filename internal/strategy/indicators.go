// Package strategy carries the built-in backtest strategies and the registry
// that resolves them by id for run requests.
package strategy

import (
	"math"

	"futures-backtester/internal/market"
)

// SMASeries returns the simple moving average of closes. Entries before the
// warmup period are NaN.
func SMASeries(candles []market.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if period <= 0 || len(candles) < period {
		return out
	}
	var sum float64
	for i, c := range candles {
		sum += c.Close
		if i >= period {
			sum -= candles[i-period].Close
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMASeries returns the exponential moving average of closes, seeded with the
// SMA of the first period. Entries before the warmup period are NaN.
func EMASeries(candles []market.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if period <= 0 || len(candles) < period {
		return out
	}

	var seed float64
	for i := 0; i < period; i++ {
		seed += candles[i].Close
	}
	seed /= float64(period)
	out[period-1] = seed

	k := 2.0 / float64(period+1)
	prev := seed
	for i := period; i < len(candles); i++ {
		prev = candles[i].Close*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// RSISeries returns Wilder's RSI of closes. Entries before the warmup period
// are NaN.
func RSISeries(candles []market.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if period <= 0 || len(candles) <= period {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

// ATRSeries returns Wilder's average true range. Entries before the warmup
// period are NaN.
func ATRSeries(candles []market.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if period <= 0 || len(candles) <= period {
		return out
	}

	var sum float64
	for i := 1; i <= period; i++ {
		sum += trueRange(candles[i], candles[i-1])
	}
	prev := sum / float64(period)
	out[period] = prev

	for i := period + 1; i < len(candles); i++ {
		prev = (prev*float64(period-1) + trueRange(candles[i], candles[i-1])) / float64(period)
		out[i] = prev
	}
	return out
}

// RollingHigh returns the highest high of the previous period candles, not
// including the current one. Entries before the warmup period are NaN.
func RollingHigh(candles []market.Candle, period int) []float64 {
	out := nanSeries(len(candles))
	if period <= 0 {
		return out
	}
	for i := period; i < len(candles); i++ {
		high := candles[i-period].High
		for j := i - period + 1; j < i; j++ {
			if candles[j].High > high {
				high = candles[j].High
			}
		}
		out[i] = high
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

func trueRange(c, prev market.Candle) float64 {
	tr := c.High - c.Low
	if hc := math.Abs(c.High - prev.Close); hc > tr {
		tr = hc
	}
	if lc := math.Abs(c.Low - prev.Close); lc > tr {
		tr = lc
	}
	return tr
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
