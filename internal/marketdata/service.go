package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"futures-backtester/internal/binance"
	"futures-backtester/internal/database"
	"futures-backtester/internal/events"
	"futures-backtester/internal/market"
)

// Requests before this date are clamped: no perpetual futures data exists
// earlier.
var globalEarliest = time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	defaultMaxWait = 10 * time.Minute
	repairPoll     = 2 * time.Second
	parallelMinGap = 24 * time.Hour
)

// Service serves gap-free candle ranges, fetching and repairing from the
// exchange as needed.
type Service struct {
	client  binance.MarketDataClient
	fetcher *Fetcher
	store   CandleStore
	bus     *events.EventBus
	log     zerolog.Logger

	// MaxWait bounds how long GetHistoricalCandles blocks on gap repair.
	MaxWait time.Duration
}

// NewService wires the data service.
func NewService(client binance.MarketDataClient, fetcher *Fetcher, store CandleStore, bus *events.EventBus, logger zerolog.Logger) *Service {
	return &Service{
		client:  client,
		fetcher: fetcher,
		store:   store,
		bus:     bus,
		log:     logger.With().Str("component", "marketdata").Logger(),
		MaxWait: defaultMaxWait,
	}
}

// NormalizeSymbol uppercases and strips whitespace, appending the USDT quote
// when no known quote asset is present.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), " ", ""))
	if s == "" {
		return s
	}
	for _, quote := range []string{"USDT", "USDC", "BUSD"} {
		if strings.HasSuffix(s, quote) {
			return s
		}
	}
	return s + "USDT"
}

// ProgressFunc receives gap-repair progress in percent with a short message.
type ProgressFunc func(percent float64, message string)

// RequestOptions tunes a single historical-candle request.
type RequestOptions struct {
	// Repair fetches missing ranges from the exchange.
	Repair bool
	// WaitForData blocks until the range is gap-free or MaxWait elapses.
	// Ignored when Repair is false.
	WaitForData bool
	// PollInterval is the coverage poll cadence while waiting.
	PollInterval time.Duration
	// Progress, when set, receives repair progress updates.
	Progress ProgressFunc
}

// DefaultRequestOptions repairs and waits, polling every two seconds.
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{Repair: true, WaitForData: true, PollInterval: repairPoll}
}

// GetHistoricalCandles returns candles for [start, end) with gaps repaired
// from the exchange. Blocks until the range is complete or MaxWait elapses;
// on timeout the best available data is returned.
func (s *Service) GetHistoricalCandles(ctx context.Context, symbol string, interval market.Timeframe, start, end time.Time) ([]market.Candle, error) {
	return s.GetHistoricalCandlesWithOptions(ctx, symbol, interval, start, end, DefaultRequestOptions())
}

// GetHistoricalCandlesWithOptions is GetHistoricalCandles with per-call
// control over repair, waiting and progress reporting.
func (s *Service) GetHistoricalCandlesWithOptions(ctx context.Context, symbol string, interval market.Timeframe, start, end time.Time, opts RequestOptions) ([]market.Candle, error) {
	symbol = NormalizeSymbol(symbol)
	if !interval.Valid() {
		return nil, fmt.Errorf("unsupported timeframe %q", interval)
	}

	if start.Before(globalEarliest) {
		start = globalEarliest
	}
	earliest, err := s.ensureMetadata(ctx, symbol, interval)
	if err != nil {
		return nil, err
	}
	if earliest != nil && start.Before(*earliest) {
		start = *earliest
	}
	if !start.Before(end) {
		return nil, nil
	}

	candles, err := s.store.GetCandles(ctx, symbol, string(interval), start, end)
	if err != nil {
		return nil, err
	}

	gaps, err := market.DetectGaps(candles, start, end, interval)
	if err != nil {
		return nil, err
	}
	if len(gaps) == 0 || !opts.Repair {
		return candles, nil
	}

	initialGap := market.TotalGapSeconds(gaps)
	s.log.Info().
		Str("symbol", symbol).
		Str("interval", string(interval)).
		Int("gaps", len(gaps)).
		Float64("gap_seconds", initialGap).
		Msg("repairing candle gaps")

	for _, g := range gaps {
		s.bus.PublishGapDetected(symbol, string(interval), g.Start, g.End)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, g := range gaps {
			parallel := g.End.Sub(g.Start) >= parallelMinGap
			if _, err := s.fetcher.FetchRange(ctx, symbol, interval, g.Start, g.End, parallel); err != nil {
				s.log.Warn().Err(err).
					Time("gap_start", g.Start).
					Time("gap_end", g.End).
					Msg("gap repair incomplete")
			}
		}
	}()

	if !opts.WaitForData {
		return candles, nil
	}
	s.waitForData(ctx, symbol, interval, start, end, initialGap, done, opts)

	return s.store.GetCandles(ctx, symbol, string(interval), start, end)
}

// ensureMetadata loads coverage metadata, probing the exchange on first touch.
func (s *Service) ensureMetadata(ctx context.Context, symbol string, interval market.Timeframe) (*time.Time, error) {
	meta, err := s.store.GetCandleMetadata(ctx, symbol, string(interval))
	if err != nil {
		return nil, err
	}
	if meta != nil {
		return meta.EarliestAvailable, nil
	}

	earliest, err := s.client.GetEarliestValidTimestamp(ctx, symbol, string(interval))
	if err != nil {
		return nil, fmt.Errorf("probe earliest for %s %s: %w", symbol, interval, err)
	}
	meta = &database.CandleMetadata{
		Symbol:            symbol,
		Interval:          string(interval),
		EarliestAvailable: &earliest,
		LastChecked:       time.Now().UTC(),
	}
	if err := s.store.UpsertCandleMetadata(ctx, meta); err != nil {
		return nil, err
	}
	return &earliest, nil
}

// waitForData polls stored coverage until the range is gap-free, the repair
// goroutine finishes, MaxWait elapses or ctx is cancelled.
func (s *Service) waitForData(ctx context.Context, symbol string, interval market.Timeframe, start, end time.Time, initialGap float64, done <-chan struct{}, opts RequestOptions) {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = repairPoll
	}
	deadline := time.Now().Add(s.MaxWait)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			if opts.Progress != nil {
				opts.Progress(100, "gap repair finished")
			}
			return
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			s.log.Warn().Str("symbol", symbol).Msg("gap repair timed out, serving partial data")
			return
		}

		candles, err := s.store.GetCandles(ctx, symbol, string(interval), start, end)
		if err != nil {
			continue
		}
		gaps, err := market.DetectGaps(candles, start, end, interval)
		if err != nil {
			return
		}
		remaining := market.TotalGapSeconds(gaps)
		if remaining == 0 {
			if opts.Progress != nil {
				opts.Progress(100, "range complete")
			}
			return
		}
		if initialGap > 0 {
			percent := (initialGap - remaining) / initialGap * 100
			if opts.Progress != nil {
				opts.Progress(percent, fmt.Sprintf("repairing %s %s data", symbol, interval))
			}
			s.log.Debug().
				Str("symbol", symbol).
				Float64("percent", percent).
				Msg("gap repair progress")
		}
	}
}
