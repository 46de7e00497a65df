// Package market defines the candlestick data model shared by the data
// service, the simulator and the backtest engine, plus the timeframe
// resampling and gap detection used to prepare replay input.
package market

import (
	"fmt"
	"time"
)

// Candle represents one OHLCV window. Consumed read-only by the engine.
type Candle struct {
	OpenTime                 time.Time `json:"open_time"`
	CloseTime                time.Time `json:"close_time"`
	Open                     float64   `json:"open"`
	High                     float64   `json:"high"`
	Low                      float64   `json:"low"`
	Close                    float64   `json:"close"`
	Volume                   float64   `json:"volume"`
	QuoteVolume              float64   `json:"quote_volume"`
	TradeCount               int       `json:"trade_count"`
	TakerBuyBaseVolume       float64   `json:"taker_buy_base_volume"`
	TakerBuyQuoteVolume      float64   `json:"taker_buy_quote_volume"`
}

// Validate rejects malformed candles on ingest.
func (c Candle) Validate() error {
	if !c.OpenTime.Before(c.CloseTime) {
		return fmt.Errorf("candle at %s: open_time must precede close_time", c.OpenTime.Format(time.RFC3339))
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("candle at %s: prices must be positive", c.OpenTime.Format(time.RFC3339))
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle at %s: negative volume", c.OpenTime.Format(time.RFC3339))
	}
	if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("candle at %s: OHLC out of range (O=%g H=%g L=%g C=%g)",
			c.OpenTime.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close)
	}
	return nil
}

// ValidateSeries checks every candle and chronological ordering.
func ValidateSeries(candles []Candle) error {
	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return err
		}
		if i > 0 && !candles[i-1].OpenTime.Before(c.OpenTime) {
			return fmt.Errorf("candles out of order at index %d (%s)", i, c.OpenTime.Format(time.RFC3339))
		}
	}
	return nil
}
