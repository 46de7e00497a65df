package binance

import (
	"context"
	"time"

	"futures-backtester/internal/market"
)

// MarketDataClient is the exchange surface the data layer depends on. The
// real futures client and the mock both satisfy it.
type MarketDataClient interface {
	// GetKlines fetches candles for [startMs, endMs] inclusive, capped at
	// limit rows (exchange maximum 1500).
	GetKlines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]market.Candle, error)

	// GetEarliestValidTimestamp probes the first candle the exchange holds
	// for the symbol and interval.
	GetEarliestValidTimestamp(ctx context.Context, symbol, interval string) (time.Time, error)
}
