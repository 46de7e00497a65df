package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"futures-backtester/internal/market"
)

// SaveCandles upserts a batch of candles for (symbol, interval). Re-fetched
// windows overwrite in place so repair passes are idempotent.
func (r *Repository) SaveCandles(ctx context.Context, symbol, interval string, candles []market.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(`
			INSERT INTO candles (symbol, interval, open_time, close_time, open, high, low, close, volume, quote_volume, trade_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
				close_time = EXCLUDED.close_time,
				open = EXCLUDED.open,
				high = EXCLUDED.high,
				low = EXCLUDED.low,
				close = EXCLUDED.close,
				volume = EXCLUDED.volume,
				quote_volume = EXCLUDED.quote_volume,
				trade_count = EXCLUDED.trade_count`,
			symbol, interval, c.OpenTime, c.CloseTime,
			c.Open, c.High, c.Low, c.Close,
			c.Volume, c.QuoteVolume, c.TradeCount,
		)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	saved := 0
	for range candles {
		if _, err := results.Exec(); err != nil {
			return saved, fmt.Errorf("failed to save candle batch for %s %s: %w", symbol, interval, err)
		}
		saved++
	}
	return saved, nil
}

// GetCandles returns candles for [start, end) in ascending open_time order.
func (r *Repository) GetCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]market.Candle, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT open_time, close_time, open, high, low, close, volume, quote_volume, trade_count
		FROM candles
		WHERE symbol = $1 AND interval = $2 AND open_time >= $3 AND open_time < $4
		ORDER BY open_time ASC`,
		symbol, interval, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []market.Candle
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.QuoteVolume, &c.TradeCount); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.OpenTime = c.OpenTime.UTC()
		c.CloseTime = c.CloseTime.UTC()
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// CountCandles returns the stored row count for [start, end).
func (r *Repository) CountCandles(ctx context.Context, symbol, interval string, start, end time.Time) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM candles
		WHERE symbol = $1 AND interval = $2 AND open_time >= $3 AND open_time < $4`,
		symbol, interval, start, end).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count candles: %w", err)
	}
	return count, nil
}

// GetCandleMetadata loads coverage metadata, returning nil when the
// (symbol, interval) pair has never been touched.
func (r *Repository) GetCandleMetadata(ctx context.Context, symbol, interval string) (*CandleMetadata, error) {
	var m CandleMetadata
	err := r.db.Pool.QueryRow(ctx, `
		SELECT symbol, interval, earliest_available, last_checked
		FROM candle_metadata
		WHERE symbol = $1 AND interval = $2`,
		symbol, interval).Scan(&m.Symbol, &m.Interval, &m.EarliestAvailable, &m.LastChecked)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get candle metadata: %w", err)
	}
	return &m, nil
}

// UpsertCandleMetadata records the probed earliest available time.
func (r *Repository) UpsertCandleMetadata(ctx context.Context, m *CandleMetadata) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO candle_metadata (symbol, interval, earliest_available, last_checked)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (symbol, interval) DO UPDATE SET
			earliest_available = EXCLUDED.earliest_available,
			last_checked = EXCLUDED.last_checked`,
		m.Symbol, m.Interval, m.EarliestAvailable, m.LastChecked)
	if err != nil {
		return fmt.Errorf("failed to upsert candle metadata: %w", err)
	}
	return nil
}
