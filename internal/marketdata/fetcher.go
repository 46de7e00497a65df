// Package marketdata fetches, stores and repairs historical candles ahead of
// a replay. The fetcher splits a range into exchange-sized chunks; the
// service layers gap detection and repair on top of the candle store.
package marketdata

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures-backtester/internal/binance"
	"futures-backtester/internal/database"
	"futures-backtester/internal/events"
	"futures-backtester/internal/market"
)

// BatchSize is the number of candles requested per chunk, matching the
// exchange's per-call cap.
const BatchSize = binance.MaxKlinesPerRequest

const defaultFetchWorkers = 4

// CandleStore is the persistence surface the data layer needs. Satisfied by
// *database.Repository.
type CandleStore interface {
	SaveCandles(ctx context.Context, symbol, interval string, candles []market.Candle) (int, error)
	GetCandles(ctx context.Context, symbol, interval string, start, end time.Time) ([]market.Candle, error)
	CountCandles(ctx context.Context, symbol, interval string, start, end time.Time) (int, error)
	GetCandleMetadata(ctx context.Context, symbol, interval string) (*database.CandleMetadata, error)
	UpsertCandleMetadata(ctx context.Context, m *database.CandleMetadata) error
}

// ChunkJob is one exchange-sized slice of a fetch range.
type ChunkJob struct {
	JobID        string           `json:"job_id"`
	Symbol       string           `json:"symbol"`
	Interval     market.Timeframe `json:"interval"`
	ChunkStart   time.Time        `json:"chunk_start"`
	ChunkEnd     time.Time        `json:"chunk_end"`
	TotalEnd     time.Time        `json:"total_end"`
	ChunkNumber  int              `json:"chunk_number"`
	TotalChunks  int              `json:"total_chunks"`
	ParallelMode bool             `json:"parallel_mode"`
}

// Fetcher downloads candle ranges chunk by chunk and upserts them into the
// store. A failed chunk is logged and skipped; sibling chunks still run.
type Fetcher struct {
	client  binance.MarketDataClient
	store   CandleStore
	bus     *events.EventBus
	log     zerolog.Logger
	workers int
}

// NewFetcher wires a fetcher. workers <= 0 selects the default of 4 for
// parallel mode.
func NewFetcher(client binance.MarketDataClient, store CandleStore, bus *events.EventBus, logger zerolog.Logger, workers int) *Fetcher {
	if workers <= 0 {
		workers = defaultFetchWorkers
	}
	return &Fetcher{
		client:  client,
		store:   store,
		bus:     bus,
		log:     logger.With().Str("component", "fetcher").Logger(),
		workers: workers,
	}
}

// planChunks splits [start, end) into BatchSize-candle jobs.
func planChunks(symbol string, interval market.Timeframe, start, end time.Time, parallel bool) ([]ChunkJob, error) {
	period, err := interval.Duration()
	if err != nil {
		return nil, err
	}
	step := time.Duration(BatchSize) * period

	jobID := uuid.New().String()
	var jobs []ChunkJob
	for t := start; t.Before(end); t = t.Add(step) {
		chunkEnd := t.Add(step)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		jobs = append(jobs, ChunkJob{
			JobID:        jobID,
			Symbol:       symbol,
			Interval:     interval,
			ChunkStart:   t,
			ChunkEnd:     chunkEnd,
			TotalEnd:     end,
			ParallelMode: parallel,
		})
	}
	for i := range jobs {
		jobs[i].ChunkNumber = i + 1
		jobs[i].TotalChunks = len(jobs)
	}
	return jobs, nil
}

// FetchRange downloads and stores all candles in [start, end). Returns the
// number of candles saved. Chunk failures do not abort sibling chunks; the
// first error is returned after all chunks have run.
func (f *Fetcher) FetchRange(ctx context.Context, symbol string, interval market.Timeframe, start, end time.Time, parallel bool) (int, error) {
	jobs, err := planChunks(symbol, interval, start, end, parallel)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	f.log.Info().
		Str("symbol", symbol).
		Str("interval", string(interval)).
		Int("chunks", len(jobs)).
		Bool("parallel", parallel).
		Time("start", start).
		Time("end", end).
		Msg("fetching candle range")

	if !parallel || len(jobs) == 1 {
		saved := 0
		var firstErr error
		for _, job := range jobs {
			n, err := f.runChunk(ctx, job)
			saved += n
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return saved, firstErr
	}

	var (
		saved    atomic.Int64
		firstErr error
		errOnce  sync.Once
		wg       sync.WaitGroup
	)
	sem := make(chan struct{}, f.workers)
	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(job ChunkJob) {
			defer wg.Done()
			defer func() { <-sem }()
			n, err := f.runChunk(ctx, job)
			saved.Add(int64(n))
			if err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}(job)
	}
	wg.Wait()
	return int(saved.Load()), firstErr
}

// runChunk fetches and upserts one chunk.
func (f *Fetcher) runChunk(ctx context.Context, job ChunkJob) (int, error) {
	candles, err := f.client.GetKlines(ctx, job.Symbol, string(job.Interval),
		job.ChunkStart.UnixMilli(), job.ChunkEnd.UnixMilli()-1, BatchSize)
	if err != nil {
		f.log.Error().Err(err).
			Str("symbol", job.Symbol).
			Int("chunk", job.ChunkNumber).
			Int("total_chunks", job.TotalChunks).
			Msg("chunk fetch failed")
		f.bus.PublishError("fetcher", "chunk fetch failed", err)
		return 0, err
	}

	saved, err := f.store.SaveCandles(ctx, job.Symbol, string(job.Interval), candles)
	if err != nil {
		f.log.Error().Err(err).
			Str("symbol", job.Symbol).
			Int("chunk", job.ChunkNumber).
			Msg("chunk save failed")
		f.bus.PublishError("fetcher", "chunk save failed", err)
		return saved, err
	}

	f.bus.PublishChunkFetched(job.Symbol, string(job.Interval), job.ChunkNumber, job.TotalChunks, saved)
	f.log.Debug().
		Str("symbol", job.Symbol).
		Int("chunk", job.ChunkNumber).
		Int("total_chunks", job.TotalChunks).
		Int("candles", saved).
		Msg("chunk stored")
	return saved, nil
}
