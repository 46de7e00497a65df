// Package binance is the exchange adapter for historical futures market data.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"futures-backtester/internal/market"
)

// MaxKlinesPerRequest is the exchange's per-call row cap.
const MaxKlinesPerRequest = 1500

const klinesEndpoint = "/fapi/v1/klines"

// Client talks to the Binance USD-M futures REST API. Market data endpoints
// need no API key.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *RateLimiter
}

// NewClient creates a futures market-data client. An empty baseURL selects
// the production endpoint.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "https://fapi.binance.com"
	}
	return &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		rateLimiter: NewRateLimiter(),
	}
}

// GetKlines fetches candlestick data for [startMs, endMs].
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]market.Candle, error) {
	if limit <= 0 || limit > MaxKlinesPerRequest {
		limit = MaxKlinesPerRequest
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	if startMs > 0 {
		params.Set("startTime", strconv.FormatInt(startMs, 10))
	}
	if endMs > 0 {
		params.Set("endTime", strconv.FormatInt(endMs, 10))
	}

	raw, err := c.get(ctx, klinesEndpoint, params)
	if err != nil {
		return nil, err
	}

	var rows [][]interface{}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	candles := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 11 {
			continue
		}
		candles = append(candles, market.Candle{
			OpenTime:            time.UnixMilli(int64(row[0].(float64))).UTC(),
			Open:                parseFloat(row[1]),
			High:                parseFloat(row[2]),
			Low:                 parseFloat(row[3]),
			Close:               parseFloat(row[4]),
			Volume:              parseFloat(row[5]),
			CloseTime:           time.UnixMilli(int64(row[6].(float64)) + 1).UTC(),
			QuoteVolume:         parseFloat(row[7]),
			TradeCount:          int(row[8].(float64)),
			TakerBuyBaseVolume:  parseFloat(row[9]),
			TakerBuyQuoteVolume: parseFloat(row[10]),
		})
	}
	return candles, nil
}

// GetEarliestValidTimestamp probes the first candle the exchange holds by
// requesting a single kline from time zero.
func (c *Client) GetEarliestValidTimestamp(ctx context.Context, symbol, interval string) (time.Time, error) {
	candles, err := c.GetKlines(ctx, symbol, interval, 0, 0, 1)
	if err != nil {
		return time.Time{}, fmt.Errorf("probe earliest candle: %w", err)
	}
	if len(candles) == 0 {
		return time.Time{}, fmt.Errorf("probe earliest candle: no data for %s %s", symbol, interval)
	}
	return candles[0].OpenTime, nil
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if c.rateLimiter.IsCircuitOpen() {
		return nil, fmt.Errorf("rate limiter circuit open for %s", endpoint)
	}
	if !c.rateLimiter.WaitForSlot(endpoint, 30*time.Second) {
		return nil, fmt.Errorf("rate limit slot timeout for %s", endpoint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	c.rateLimiter.RecordRequest(endpoint)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		c.rateLimiter.RecordRateLimitError(0)
		return nil, fmt.Errorf("rate limited by exchange: %s", string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s", string(body))
	}
	return body, nil
}

func parseFloat(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
