package binance

import (
	"context"
	"math"
	"sync"
	"time"

	"futures-backtester/internal/market"
)

// MockClient serves deterministic synthetic candles for tests and offline
// runs. Prices follow a slow sine wave around a base price so resampling and
// P&L paths stay reproducible.
type MockClient struct {
	mu        sync.Mutex
	BasePrice float64
	Earliest  time.Time

	// Calls counts GetKlines invocations, for asserting chunking behavior.
	Calls int
}

// NewMockClient returns a mock with data starting 2020-01-01.
func NewMockClient() *MockClient {
	return &MockClient{
		BasePrice: 30_000,
		Earliest:  time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// GetKlines generates candles for [startMs, endMs] at the given interval.
func (m *MockClient) GetKlines(_ context.Context, _ string, interval string, startMs, endMs int64, limit int) ([]market.Candle, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()

	if limit <= 0 || limit > MaxKlinesPerRequest {
		limit = MaxKlinesPerRequest
	}
	tf := market.Timeframe(interval)
	if !tf.Valid() {
		tf = market.TF1m
	}
	step, _ := tf.Duration()

	start := time.UnixMilli(startMs).UTC()
	if start.Before(m.Earliest) {
		start = m.Earliest
	}
	start, _ = tf.WindowStart(start)
	end := time.UnixMilli(endMs).UTC()
	if endMs == 0 {
		end = start.Add(time.Duration(limit) * step)
	}

	var out []market.Candle
	for t := start; !t.After(end) && len(out) < limit; t = t.Add(step) {
		out = append(out, m.candleAt(t, step))
	}
	return out, nil
}

// GetEarliestValidTimestamp returns the mock's configured data start.
func (m *MockClient) GetEarliestValidTimestamp(context.Context, string, string) (time.Time, error) {
	return m.Earliest, nil
}

func (m *MockClient) candleAt(t time.Time, step time.Duration) market.Candle {
	phase := float64(t.Unix()%86400) / 86400 * 2 * math.Pi
	open := m.BasePrice * (1 + 0.01*math.Sin(phase))
	close := m.BasePrice * (1 + 0.01*math.Sin(phase+0.01))
	high := math.Max(open, close) * 1.001
	low := math.Min(open, close) * 0.999
	return market.Candle{
		OpenTime:  t,
		CloseTime: t.Add(step),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    100,
	}
}
