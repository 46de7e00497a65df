package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventRunQueued     EventType = "RUN_QUEUED"
	EventRunStarted    EventType = "RUN_STARTED"
	EventRunProgress   EventType = "RUN_PROGRESS"
	EventRunCompleted  EventType = "RUN_COMPLETED"
	EventRunCancelled  EventType = "RUN_CANCELLED"
	EventRunFailed     EventType = "RUN_FAILED"
	EventTradeOpened   EventType = "TRADE_OPENED"
	EventTradeClosed   EventType = "TRADE_CLOSED"
	EventDataRepair    EventType = "DATA_REPAIR"
	EventChunkFetched  EventType = "CHUNK_FETCHED"
	EventGapDetected   EventType = "GAP_DETECTED"
	EventError         EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishRunProgress publishes a backtest progress update
func (eb *EventBus) PublishRunProgress(runID string, percent float64, barsProcessed int) {
	eb.Publish(Event{
		Type: EventRunProgress,
		Data: map[string]interface{}{
			"run_id":         runID,
			"percent":        percent,
			"bars_processed": barsProcessed,
		},
	})
}

// PublishRunFinished publishes the terminal state of a run
func (eb *EventBus) PublishRunFinished(runID, status, message string) {
	typ := EventRunCompleted
	switch status {
	case "CANCELLED":
		typ = EventRunCancelled
	case "FAILED":
		typ = EventRunFailed
	}
	eb.Publish(Event{
		Type: typ,
		Data: map[string]interface{}{
			"run_id":  runID,
			"status":  status,
			"message": message,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (eb *EventBus) PublishTradeClosed(runID, symbol string, entryPrice, exitPrice, quantity, pnl, pnlPercent float64) {
	eb.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"run_id":      runID,
			"symbol":      symbol,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"quantity":    quantity,
			"pnl":         pnl,
			"pnl_percent": pnlPercent,
		},
	})
}

// PublishGapDetected publishes a data-gap discovery
func (eb *EventBus) PublishGapDetected(symbol, interval string, gapStart, gapEnd time.Time) {
	eb.Publish(Event{
		Type: EventGapDetected,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"interval":  interval,
			"gap_start": gapStart,
			"gap_end":   gapEnd,
		},
	})
}

// PublishChunkFetched publishes the outcome of one candle-fetch chunk
func (eb *EventBus) PublishChunkFetched(symbol, interval string, chunkNumber, totalChunks, candlesFetched int) {
	eb.Publish(Event{
		Type: EventChunkFetched,
		Data: map[string]interface{}{
			"symbol":          symbol,
			"interval":        interval,
			"chunk_number":    chunkNumber,
			"total_chunks":    totalChunks,
			"candles_fetched": candlesFetched,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}

// ============================================================================
// WebSocket broadcast callbacks
// These let packages publish to connected clients without importing the api
// package, avoiding import cycles.
// ============================================================================

// BroadcastFunc is a callback function for broadcasting events to run observers
type BroadcastFunc func(runID string, data interface{})

// Global broadcast callbacks - wired up by api package at startup
var (
	broadcastRunProgress BroadcastFunc
	broadcastRunFinished BroadcastFunc
)

// SetBroadcastRunProgress sets the callback for run progress broadcasts
func SetBroadcastRunProgress(fn BroadcastFunc) {
	broadcastRunProgress = fn
}

// SetBroadcastRunFinished sets the callback for terminal run-state broadcasts
func SetBroadcastRunFinished(fn BroadcastFunc) {
	broadcastRunFinished = fn
}

// BroadcastRunProgress broadcasts a progress update to a run's observers
func BroadcastRunProgress(runID string, data interface{}) {
	if broadcastRunProgress != nil && runID != "" {
		go broadcastRunProgress(runID, data)
	}
}

// BroadcastRunFinished broadcasts a terminal state to a run's observers
func BroadcastRunFinished(runID string, data interface{}) {
	if broadcastRunFinished != nil && runID != "" {
		go broadcastRunFinished(runID, data)
	}
}
