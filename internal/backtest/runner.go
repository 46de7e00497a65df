package backtest

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"futures-backtester/internal/market"
)

// Hooks let the caller observe a run without the engine knowing about
// persistence or transports.
type Hooks struct {
	OnProgress func(runID string, percent float64, barsProcessed int)
	OnFinished func(result *Result)
}

type runJob struct {
	cfg      Config
	strategy Strategy
	candles  []market.Candle
	hooks    Hooks
}

type runHandle struct {
	mu        sync.Mutex
	status    RunStatus
	cancelled bool
	result    *Result
}

// Runner executes backtest runs on a bounded worker pool. Pool size defaults
// to max(1, NumCPU-2) to leave headroom for the API layer.
type Runner struct {
	log     zerolog.Logger
	jobs    chan runJob
	workers int

	mu   sync.Mutex
	runs map[string]*runHandle

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRunner builds a runner. workers <= 0 selects the CPU-based default.
func NewRunner(workers int, logger zerolog.Logger) *Runner {
	if workers <= 0 {
		workers = runtime.NumCPU() - 2
		if workers < 1 {
			workers = 1
		}
	}
	return &Runner{
		log:     logger.With().Str("component", "backtest_runner").Logger(),
		jobs:    make(chan runJob, workers*4),
		workers: workers,
		runs:    make(map[string]*runHandle),
	}
}

// Start launches the worker pool. Runs submitted before Start queue up.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	r.log.Info().Int("workers", r.workers).Msg("backtest runner started")
}

// Stop cancels all workers and waits for in-flight runs to wind down.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Submit queues a run. Returns an error when the run ID is already tracked or
// the queue is full.
func (r *Runner) Submit(cfg Config, strategy Strategy, candles []market.Candle, hooks Hooks) error {
	if cfg.RunID == "" {
		return fmt.Errorf("submit: run id is required")
	}
	r.mu.Lock()
	if _, exists := r.runs[cfg.RunID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("submit: run %s already tracked", cfg.RunID)
	}
	r.runs[cfg.RunID] = &runHandle{status: StatusPending}
	r.mu.Unlock()

	select {
	case r.jobs <- runJob{cfg: cfg, strategy: strategy, candles: candles, hooks: hooks}:
		return nil
	default:
		r.mu.Lock()
		delete(r.runs, cfg.RunID)
		r.mu.Unlock()
		return fmt.Errorf("submit: run queue is full")
	}
}

// Cancel flags a run for cancellation. The engine observes the flag at its
// next yield point. Returns false for unknown runs.
func (r *Runner) Cancel(runID string) bool {
	h := r.handle(runID)
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusCompleted || h.status == StatusFailed || h.status == StatusCancelled {
		return false
	}
	h.cancelled = true
	return true
}

// Status reports the current lifecycle state of a run.
func (r *Runner) Status(runID string) (RunStatus, bool) {
	h := r.handle(runID)
	if h == nil {
		return "", false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, true
}

// Result returns the terminal result of a run, nil while it is still going.
func (r *Runner) Result(runID string) *Result {
	h := r.handle(runID)
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Forget drops a terminal run from the tracking table.
func (r *Runner) Forget(runID string) {
	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()
}

func (r *Runner) handle(runID string) *runHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[runID]
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.jobs:
			r.execute(ctx, job)
		}
	}
}

func (r *Runner) execute(ctx context.Context, job runJob) {
	h := r.handle(job.cfg.RunID)
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.cancelled {
		h.status = StatusCancelled
		h.mu.Unlock()
		return
	}
	h.status = StatusRunning
	h.mu.Unlock()

	engine := NewEngine(job.cfg, job.strategy, r.log)

	progress := func(percent float64, bars int) {
		if job.hooks.OnProgress != nil {
			job.hooks.OnProgress(job.cfg.RunID, percent, bars)
		}
	}
	cancelled := func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.cancelled
	}

	result, err := engine.Run(ctx, job.candles, progress, cancelled)
	if err != nil {
		msg := err.Error()
		if len(msg) > statusMessageMaxLen {
			msg = msg[:statusMessageMaxLen]
		}
		result = &Result{RunID: job.cfg.RunID, Status: StatusFailed, StatusMessage: msg, Config: job.cfg}
		r.log.Error().Err(err).Str("run_id", job.cfg.RunID).Msg("backtest run rejected")
	}

	h.mu.Lock()
	h.status = result.Status
	h.result = result
	h.mu.Unlock()

	if job.hooks.OnFinished != nil {
		job.hooks.OnFinished(result)
	}
}
