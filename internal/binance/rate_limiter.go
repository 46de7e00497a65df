package binance

import (
	"sync"
	"time"
)

// RateLimiter implements proactive weight-based rate limiting with a circuit
// breaker for exchange bans. Binance futures allows 2400 weight per minute.
type RateLimiter struct {
	mu sync.RWMutex

	// Circuit breaker state
	circuitOpen   bool
	circuitOpenAt time.Time
	banUntil      time.Time

	// Weight tracking (Binance uses weight-based limits)
	currentWeight int
	weightResetAt time.Time
	maxWeight     int

	consecutiveErrors int
	lastErrorAt       time.Time
}

// Endpoint weights for the Binance Futures API
var endpointWeights = map[string]int{
	"/fapi/v1/klines":       5,
	"/fapi/v1/exchangeInfo": 1,
	"/fapi/v1/time":         1,
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		maxWeight:     2400, // Binance Futures limit
		weightResetAt: time.Now().Add(time.Minute),
	}
}

// CanMakeRequest checks if a request can be made without recording weight.
func (r *RateLimiter) CanMakeRequest(endpoint string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.circuitOpen && time.Now().Before(r.banUntil) {
		return false
	}
	weight := getEndpointWeight(endpoint)
	if time.Now().After(r.weightResetAt) {
		return weight <= r.maxWeight
	}
	return r.currentWeight+weight <= r.maxWeight
}

// WaitForSlot blocks until a slot is available or the timeout elapses.
// Returns false on timeout.
func (r *RateLimiter) WaitForSlot(endpoint string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.CanMakeRequest(endpoint) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// RecordRequest records the weight of a request that was made.
func (r *RateLimiter) RecordRequest(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.After(r.weightResetAt) {
		r.currentWeight = 0
		r.weightResetAt = now.Add(time.Minute)
	}
	r.currentWeight += getEndpointWeight(endpoint)

	if r.circuitOpen && now.After(r.banUntil) {
		r.circuitOpen = false
		r.consecutiveErrors = 0
	}
}

// RecordRateLimitError opens the circuit breaker after an HTTP 429/418.
// banUntilMs of zero applies an escalating local backoff.
func (r *RateLimiter) RecordRateLimitError(banUntilMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.consecutiveErrors++
	r.lastErrorAt = now
	r.circuitOpen = true
	r.circuitOpenAt = now

	if banUntilMs > 0 {
		r.banUntil = time.UnixMilli(banUntilMs)
		return
	}
	backoff := time.Duration(r.consecutiveErrors) * 5 * time.Second
	if backoff > time.Minute {
		backoff = time.Minute
	}
	r.banUntil = now.Add(backoff)
}

// IsCircuitOpen reports whether requests are currently blocked.
func (r *RateLimiter) IsCircuitOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.circuitOpen && time.Now().Before(r.banUntil)
}

// GetCurrentUsage returns the weight window state for status endpoints.
func (r *RateLimiter) GetCurrentUsage() (currentWeight, maxWeight int, usagePercent float64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if time.Now().After(r.weightResetAt) {
		return 0, r.maxWeight, 0
	}
	return r.currentWeight, r.maxWeight, float64(r.currentWeight) / float64(r.maxWeight) * 100
}

func getEndpointWeight(endpoint string) int {
	if w, ok := endpointWeights[endpoint]; ok {
		return w
	}
	return 1
}
