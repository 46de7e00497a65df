package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"futures-backtester/internal/market"
)

// handleGetKlines serves stored candles, fetching and repairing gaps on
// demand. Query params: symbol (required), interval (default 1m), start_time
// and end_time as RFC3339 or unix milliseconds, limit (default 1000).
func (s *Server) handleGetKlines(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	interval := market.Timeframe(c.DefaultQuery("interval", string(market.TF1m)))
	if !interval.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported interval"})
		return
	}

	end, err := parseTimeParam(c.Query("end_time"), time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end_time"})
		return
	}
	start, err := parseTimeParam(c.Query("start_time"), end.Add(-24*time.Hour))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_time"})
		return
	}
	if !start.Before(end) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_time must precede end_time"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "1000"))

	candles, err := s.data.GetHistoricalCandles(c.Request.Context(), symbol, interval, start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":   symbol,
		"interval": interval,
		"candles":  candles,
		"count":    len(candles),
	})
}

// parseTimeParam accepts RFC3339 or unix milliseconds.
func parseTimeParam(raw string, def time.Time) (time.Time, error) {
	if raw == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
