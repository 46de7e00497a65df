package backtest

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"futures-backtester/internal/market"
	"futures-backtester/internal/position"
	"futures-backtester/internal/simulator"
)

// ProgressFunc receives replay progress in percent.
type ProgressFunc func(percent float64, barsProcessed int)

// CancelCheck is polled between candle batches; returning true stops the run.
type CancelCheck func() bool

const (
	yieldEveryBars        = 100
	equityCurveDownsample = 60
	statusMessageMaxLen   = 100
)

type pendingSignal struct {
	signal     *Signal
	dueBar     int
	signalTime time.Time
}

// Engine replays one run. It owns all mutable run state; instances must not
// be shared across runs.
type Engine struct {
	cfg      Config
	strategy Strategy
	sim      *simulator.Simulator
	ledger   *position.Ledger
	log      zerolog.Logger

	equity     float64
	peakEquity float64
	curvePeak  float64

	// Net cash moved into the position by update_margin signals. Held out of
	// equity while the position is open and returned on full close.
	marginMoved float64

	trades []position.Trade
	curve  []EquityPoint
	events []Event

	lastFundingTime time.Time
	barsProcessed   int
	signals         int

	pending *pendingSignal

	// multi-timeframe state
	htfByWindow   map[market.Timeframe]map[int64]market.Candle
	htfPeriodSec  map[market.Timeframe]int64
	currentClosed map[market.Timeframe]market.Candle
	history       map[market.Timeframe][]market.Candle
}

// NewEngine builds an engine for a single run.
func NewEngine(cfg Config, strategy Strategy, logger zerolog.Logger) *Engine {
	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.SignalTimeframe == "" {
		cfg.SignalTimeframe = market.TF1m
	}
	if cfg.PricePathAssumption == "" {
		cfg.PricePathAssumption = PathNeutral
	}
	return &Engine{
		cfg:        cfg,
		strategy:   strategy,
		sim:        simulator.New(cfg.Simulator, rand.New(rand.NewSource(seed))),
		ledger:     position.NewLedger(),
		log:        logger.With().Str("run_id", cfg.RunID).Str("symbol", cfg.Symbol).Logger(),
		equity:     cfg.InitialCapital,
		peakEquity: cfg.InitialCapital,
		curvePeak:  cfg.InitialCapital,
	}
}

// Run replays the candle series. candles must be 1-minute bars in ascending
// order. The returned Result carries the terminal status; the error is non-nil
// only for invalid input, never for a FAILED replay.
func (e *Engine) Run(ctx context.Context, candles []market.Candle, progress ProgressFunc, cancelled CancelCheck) (*Result, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("run %s: no candles to replay", e.cfg.RunID)
	}
	if err := market.ValidateSeries(candles); err != nil {
		return nil, fmt.Errorf("run %s: %w", e.cfg.RunID, err)
	}

	startedAt := time.Now().UTC()
	e.emit(EventBacktestStarted, candles[0].OpenTime, 0, "", nil)

	if err := e.prepareTimeframes(candles); err != nil {
		return e.failedResult(startedAt, err), nil
	}
	if pc, ok := e.strategy.(PreCalculator); ok {
		pc.PreCalculate(candles)
	}

	total := len(candles)
	for i, candle := range candles {
		if i%yieldEveryBars == 0 {
			if ctx.Err() != nil || (cancelled != nil && cancelled()) {
				return e.cancelledResult(startedAt, candle.OpenTime), nil
			}
			if progress != nil {
				progress(float64(i)/float64(total)*100, i)
			}
		}

		triggerCandle, isTrigger := e.advanceTimeframes(candle)

		closedThisBar := false
		if e.ledger.HasPosition() {
			e.ledger.UpdateUnrealized(candle.Close)
			e.ledger.UpdateExtremes(candle.High, candle.Low)
			e.ledger.UpdateTrailing(candle.High, candle.Low)

			if e.checkLiquidation(candle) {
				closedThisBar = true
			} else if e.checkStops(candle) {
				closedThisBar = true
			}
		}

		if !closedThisBar {
			if err := e.runStrategy(candle, triggerCandle, isTrigger, i); err != nil {
				return e.failedResult(startedAt, err), nil
			}
		}

		e.checkFunding(candle)

		if i%equityCurveDownsample == 0 || i == total-1 {
			e.appendEquityPoint(candle)
		}
		e.barsProcessed++
	}

	last := candles[len(candles)-1]
	if e.ledger.HasPosition() {
		e.closePosition(last.Close, last.CloseTime, position.ExitEndOfData, "End of data")
	}
	if progress != nil {
		progress(100, total)
	}

	e.emit(EventBacktestCompleted, last.CloseTime, 0, "", nil)
	return e.buildResult(StatusCompleted, "", startedAt, candles), nil
}

// runStrategy handles pending-signal release, trigger-bar invocation and the
// every-bar position-management call.
func (e *Engine) runStrategy(candle, triggerCandle market.Candle, isTrigger bool, idx int) error {
	if e.pending != nil && idx >= e.pending.dueBar {
		held := e.pending
		e.pending = nil
		if err := e.dispatch(held.signal, candle, held.signalTime, candle.CloseTime); err != nil {
			return err
		}
	}

	if isTrigger {
		sig := e.strategy.OnBar(triggerCandle, idx, e.ledger.Current(), e.mtfContext())
		if sig != nil {
			e.signals++
			if e.cfg.ExecutionDelayBars > 0 {
				e.pending = &pendingSignal{signal: sig, dueBar: idx + e.cfg.ExecutionDelayBars, signalTime: candle.CloseTime}
			} else if err := e.dispatch(sig, candle, candle.CloseTime, candle.CloseTime); err != nil {
				return err
			}
		}
		return nil
	}

	// Intra-bar defense: with a position open the strategy sees every 1m
	// candle and its signals bypass the execution delay.
	if e.ledger.HasPosition() {
		sig := e.strategy.OnBar(candle, idx, e.ledger.Current(), e.mtfContext())
		if sig != nil {
			e.signals++
			if err := e.dispatch(sig, candle, candle.CloseTime, candle.CloseTime); err != nil {
				return err
			}
		}
	}
	return nil
}

// prepareTimeframes resamples the base series into every required HTF and
// indexes the results by window start.
func (e *Engine) prepareTimeframes(candles []market.Candle) error {
	required := map[market.Timeframe]bool{}
	if e.cfg.SignalTimeframe != market.TF1m {
		required[e.cfg.SignalTimeframe] = true
	}
	for _, tf := range e.cfg.ConditionTimeframes {
		if tf != market.TF1m {
			required[tf] = true
		}
	}
	if len(required) == 0 {
		return nil
	}

	e.htfByWindow = make(map[market.Timeframe]map[int64]market.Candle, len(required))
	e.htfPeriodSec = make(map[market.Timeframe]int64, len(required))
	e.currentClosed = make(map[market.Timeframe]market.Candle, len(required))
	e.history = make(map[market.Timeframe][]market.Candle, len(required))

	for tf := range required {
		minutes, err := tf.Minutes()
		if err != nil {
			return fmt.Errorf("resample %s: %w", tf, err)
		}
		e.htfPeriodSec[tf] = int64(minutes) * 60
		r, err := market.NewResampler(candles, tf)
		if err != nil {
			return fmt.Errorf("resample %s: %w", tf, err)
		}
		byWindow := make(map[int64]market.Candle)
		for _, c := range r.Resample() {
			byWindow[c.OpenTime.Unix()] = c
		}
		e.htfByWindow[tf] = byWindow
	}
	return nil
}

// advanceTimeframes moves each HTF pointer to the last fully closed window
// before the current 1m candle. Returns the candle to hand to the strategy
// and whether this bar triggers a signal evaluation.
func (e *Engine) advanceTimeframes(candle market.Candle) (market.Candle, bool) {
	if len(e.htfByWindow) == 0 {
		return candle, true
	}

	u := candle.OpenTime.Unix()
	signalAdvanced := false
	for tf, byWindow := range e.htfByWindow {
		periodSec := e.htfPeriodSec[tf]
		prevStart := (u/periodSec)*periodSec - periodSec
		closed, ok := byWindow[prevStart]
		if !ok {
			continue
		}
		cur, seen := e.currentClosed[tf]
		if seen && cur.OpenTime.Equal(closed.OpenTime) {
			continue
		}
		e.currentClosed[tf] = closed
		e.history[tf] = append(e.history[tf], closed)
		if tf == e.cfg.SignalTimeframe {
			signalAdvanced = true
			e.emit(EventHTFCandleClosed, candle.OpenTime, closed.Close, string(tf), nil)
		}
	}

	if e.cfg.SignalTimeframe == market.TF1m {
		return candle, true
	}
	if signalAdvanced {
		return e.currentClosed[e.cfg.SignalTimeframe], true
	}
	return candle, false
}

// mtfContext snapshots the HTF state. Maps and history slices are copied so a
// strategy cannot corrupt engine state.
func (e *Engine) mtfContext() *MultiTimeframeContext {
	if len(e.htfByWindow) == 0 {
		return nil
	}
	current := make(map[market.Timeframe]market.Candle, len(e.currentClosed))
	for tf, c := range e.currentClosed {
		current[tf] = c
	}
	hist := make(map[market.Timeframe][]market.Candle, len(e.history))
	for tf, list := range e.history {
		cp := make([]market.Candle, len(list))
		copy(cp, list)
		hist[tf] = cp
	}
	return &MultiTimeframeContext{CurrentCandles: current, History: hist}
}

// checkFunding charges the funding fee once per UTC 00:00/08:00/16:00 candle.
func (e *Engine) checkFunding(candle market.Candle) {
	if !e.cfg.CollectFundingFee || !e.ledger.HasPosition() {
		return
	}
	ts := candle.OpenTime.UTC()
	h := ts.Hour()
	if ts.Minute() != 0 || (h != 0 && h != 8 && h != 16) {
		return
	}
	if !e.lastFundingTime.IsZero() && ts.Equal(e.lastFundingTime) {
		return
	}
	e.lastFundingTime = ts

	p := e.ledger.Current()
	fee := p.Quantity * candle.Close * (e.cfg.FundingRateDaily / 3)
	if p.Direction == position.Short {
		fee = -fee
	}
	e.equity -= fee
	e.ledger.AccrueFunding(fee)
	e.emit(EventFundingCharged, ts, candle.Close, "", map[string]any{"fee": fee})
}

func (e *Engine) appendEquityPoint(candle market.Candle) {
	mark := e.equity
	unrealized := 0.0
	if e.ledger.HasPosition() {
		unrealized = e.ledger.Current().UnrealizedPnL
		mark += unrealized
	}
	if mark > e.curvePeak {
		e.curvePeak = mark
	}
	// Drawdown is signed: zero at a fresh peak, negative below it.
	dd := 0.0
	if e.curvePeak > 0 {
		dd = (mark - e.curvePeak) / e.curvePeak * 100
	}
	e.curve = append(e.curve, EquityPoint{
		Time:            candle.CloseTime,
		Equity:          mark,
		UnrealizedPnL:   unrealized,
		DrawdownPercent: dd,
	})
}

func (e *Engine) emit(typ EventType, ts time.Time, price float64, msg string, details map[string]any) {
	e.events = append(e.events, Event{Type: typ, Time: ts, Price: price, Message: msg, Details: details})
}

func (e *Engine) buildResult(status RunStatus, msg string, startedAt time.Time, candles []market.Candle) *Result {
	duration := candles[len(candles)-1].CloseTime.Sub(candles[0].OpenTime)
	return &Result{
		RunID:         e.cfg.RunID,
		Status:        status,
		StatusMessage: msg,
		Config:        e.cfg,
		StartedAt:     startedAt,
		FinishedAt:    time.Now().UTC(),
		FinalEquity:   e.equity,
		Trades:        e.trades,
		EquityCurve:   e.curve,
		Events:        e.events,
		Metrics:       CalculateMetrics(e.trades, e.curve, e.cfg.InitialCapital, duration.Hours()/24),
		BarsProcessed: e.barsProcessed,
		Signals:       e.signals,
	}
}

func (e *Engine) failedResult(startedAt time.Time, err error) *Result {
	msg := err.Error()
	if len(msg) > statusMessageMaxLen {
		msg = msg[:statusMessageMaxLen]
	}
	e.log.Error().Err(err).Msg("backtest run failed")
	e.emit(EventBacktestFailed, time.Now().UTC(), 0, msg, nil)
	return &Result{
		RunID:         e.cfg.RunID,
		Status:        StatusFailed,
		StatusMessage: msg,
		Config:        e.cfg,
		StartedAt:     startedAt,
		FinishedAt:    time.Now().UTC(),
		FinalEquity:   e.equity,
		Trades:        e.trades,
		EquityCurve:   e.curve,
		Events:        e.events,
		BarsProcessed: e.barsProcessed,
		Signals:       e.signals,
	}
}

// cancelledResult terminates immediately. Any open position is left open and
// the partial equity curve stays in memory only.
func (e *Engine) cancelledResult(startedAt time.Time, ts time.Time) *Result {
	e.log.Info().Int("bars", e.barsProcessed).Msg("backtest run cancelled")
	e.emit(EventBacktestCancelled, ts, 0, "", nil)
	return &Result{
		RunID:         e.cfg.RunID,
		Status:        StatusCancelled,
		Config:        e.cfg,
		StartedAt:     startedAt,
		FinishedAt:    time.Now().UTC(),
		FinalEquity:   e.equity,
		Trades:        e.trades,
		EquityCurve:   e.curve,
		Events:        e.events,
		BarsProcessed: e.barsProcessed,
		Signals:       e.signals,
	}
}
