package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"futures-backtester/internal/backtest"
	"futures-backtester/internal/cache"
	"futures-backtester/internal/database"
	"futures-backtester/internal/market"
	"futures-backtester/internal/simulator"
	"futures-backtester/internal/strategy"
)

// RunConfigRequest is the frozen configuration of a requested run.
type RunConfigRequest struct {
	Symbol              string    `json:"symbol" binding:"required"`
	Timeframe           string    `json:"timeframe"`
	StartDate           time.Time `json:"start_date" binding:"required"`
	EndDate             time.Time `json:"end_date" binding:"required"`
	InitialCapital      float64   `json:"initial_capital"`
	Leverage            int       `json:"leverage"`
	PositionSizing      string    `json:"position_sizing"`
	PositionSizeValue   float64   `json:"position_size_value"`
	MarketFillPolicy    string    `json:"market_fill_policy"`
	LimitFillPolicy     string    `json:"limit_fill_policy"`
	SlippageModel       string    `json:"slippage_model"`
	SlippageParam       float64   `json:"slippage_param"`
	CommissionModel     string    `json:"commission_model"`
	CommissionParam     float64   `json:"commission_param"`
	UseBidAskSpread     bool      `json:"use_bid_ask_spread"`
	SpreadPercent       float64   `json:"spread_percent"`
	TakerFeeRate        float64   `json:"taker_fee_rate"`
	MakerFeeRate        float64   `json:"maker_fee_rate"`
	FundingRateDaily    float64   `json:"funding_rate_daily"`
	CollectFundingFee   bool      `json:"collect_funding_fee"`
	PricePathAssumption string    `json:"price_path_assumption"`
	ConditionTimeframes []string  `json:"condition_timeframes"`
	ExecutionDelayBars  int       `json:"execution_delay_bars"`
	StopLossPercent     float64   `json:"stop_loss_percent"`
	TakeProfitPercent   float64   `json:"take_profit_percent"`
	TrailingStopPercent float64   `json:"trailing_stop_percent"`
	RandomSeed          int64     `json:"random_seed"`
}

// RunBacktestRequest starts a backtest run.
type RunBacktestRequest struct {
	StrategyID     string           `json:"strategy_id" binding:"required"`
	StrategyParams strategy.Params  `json:"strategy_params"`
	Config         RunConfigRequest `json:"config" binding:"required"`
}

const maxLeverage = 125

func (r *RunConfigRequest) validate() error {
	if !r.StartDate.Before(r.EndDate) {
		return fmt.Errorf("start_date must precede end_date")
	}
	if r.InitialCapital <= 0 {
		return fmt.Errorf("initial_capital must be positive")
	}
	if r.Leverage < 1 || r.Leverage > maxLeverage {
		return fmt.Errorf("leverage must be in [1, %d]", maxLeverage)
	}
	if r.Timeframe != "" && !market.Timeframe(r.Timeframe).Valid() {
		return fmt.Errorf("unsupported timeframe %q", r.Timeframe)
	}
	for _, tf := range r.ConditionTimeframes {
		if !market.Timeframe(tf).Valid() {
			return fmt.Errorf("unsupported condition timeframe %q", tf)
		}
	}
	return nil
}

// handleStartBacktest validates the request, persists the PENDING run and
// queues data fetch plus replay in the background. Responds 202 with the run
// descriptor.
func (s *Server) handleStartBacktest(c *gin.Context) {
	var req RunBacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Config.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	strat, err := strategy.New(req.StrategyID, req.StrategyParams)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	runID := uuid.New().String()
	cfg := s.buildEngineConfig(runID, s.userID(c), &req)

	configJSON, err := json.Marshal(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode config"})
		return
	}
	tf := req.Config.Timeframe
	if tf == "" {
		tf = string(market.TF1m)
	}
	row := &database.BacktestRunRow{
		ID:              runID,
		UserID:          s.userID(c),
		Symbol:          cfg.Symbol,
		StrategyID:      req.StrategyID,
		SignalTimeframe: tf,
		StartDate:       req.Config.StartDate,
		EndDate:         req.Config.EndDate,
		Status:          string(backtest.StatusPending),
		InitialCapital:  req.Config.InitialCapital,
		Leverage:        req.Config.Leverage,
		Config:          configJSON,
	}
	if err := s.repo.SaveBacktestRun(c.Request.Context(), row); err != nil {
		s.log.Error().Err(err).Str("run_id", runID).Msg("failed to persist run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist run"})
		return
	}

	go s.launchRun(cfg, strat, req.Config.StartDate, req.Config.EndDate)

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":  runID,
		"status":  backtest.StatusPending,
		"message": "backtest queued",
	})
}

// launchRun fetches candles and submits the replay. Runs detached from the
// request; failures are persisted on the run row.
func (s *Server) launchRun(cfg backtest.Config, strat backtest.Strategy, start, end time.Time) {
	ctx := context.Background()

	candles, err := s.data.GetHistoricalCandles(ctx, cfg.Symbol, market.TF1m, start, end)
	if err != nil {
		s.failRun(ctx, cfg.RunID, fmt.Sprintf("data fetch failed: %v", err))
		return
	}
	if len(candles) == 0 {
		s.failRun(ctx, cfg.RunID, "no candle data for requested range")
		return
	}

	hooks := backtest.Hooks{
		OnProgress: func(runID string, percent float64, bars int) {
			s.eventBus.PublishRunProgress(runID, percent, bars)
			if err := s.repo.UpdateRunProgress(ctx, runID, percent); err != nil {
				s.log.Warn().Err(err).Str("run_id", runID).Msg("progress update failed")
			}
			if s.runStore != nil {
				_ = s.runStore.PublishState(ctx, cache.RunState{
					RunID:           runID,
					Status:          string(backtest.StatusRunning),
					ProgressPercent: percent,
				})
				if s.runStore.IsCancelRequested(ctx, runID) {
					s.runner.Cancel(runID)
				}
			}
			wsHub.BroadcastToRun(runID, gin.H{
				"type":           "RUN_PROGRESS",
				"run_id":         runID,
				"percent":        percent,
				"bars_processed": bars,
			})
		},
		OnFinished: func(result *backtest.Result) {
			s.persistResult(ctx, result)
		},
	}

	if err := s.runner.Submit(cfg, strat, candles, hooks); err != nil {
		s.failRun(ctx, cfg.RunID, err.Error())
		return
	}
	if err := s.repo.UpdateRunStatus(ctx, cfg.RunID, string(backtest.StatusRunning), ""); err != nil {
		s.log.Warn().Err(err).Str("run_id", cfg.RunID).Msg("status update failed")
	}
}

// persistResult writes the terminal state. COMPLETED runs get the full result
// payload; FAILED and CANCELLED runs only update the run row, partial curves
// are not persisted.
func (s *Server) persistResult(ctx context.Context, result *backtest.Result) {
	switch result.Status {
	case backtest.StatusCompleted:
		if err := s.repo.SaveBacktestResult(ctx, result); err != nil {
			s.log.Error().Err(err).Str("run_id", result.RunID).Msg("result persistence failed")
			if err := s.repo.UpdateRunStatus(ctx, result.RunID, string(backtest.StatusFailed), "persistence failed"); err != nil {
				s.log.Error().Err(err).Str("run_id", result.RunID).Msg("status update failed")
			}
		}
	default:
		if err := s.repo.UpdateRunStatus(ctx, result.RunID, string(result.Status), result.StatusMessage); err != nil {
			s.log.Error().Err(err).Str("run_id", result.RunID).Msg("status update failed")
		}
	}

	s.eventBus.PublishRunFinished(result.RunID, string(result.Status), result.StatusMessage)
	if s.runStore != nil {
		s.runStore.Clear(ctx, result.RunID)
	}
	wsHub.BroadcastToRun(result.RunID, gin.H{
		"type":    "RUN_FINISHED",
		"run_id":  result.RunID,
		"status":  result.Status,
		"message": result.StatusMessage,
	})
	s.runner.Forget(result.RunID)
}

func (s *Server) failRun(ctx context.Context, runID, message string) {
	s.log.Error().Str("run_id", runID).Str("message", message).Msg("run failed before replay")
	if err := s.repo.UpdateRunStatus(ctx, runID, string(backtest.StatusFailed), message); err != nil {
		s.log.Error().Err(err).Str("run_id", runID).Msg("status update failed")
	}
	s.eventBus.PublishRunFinished(runID, string(backtest.StatusFailed), message)
	s.runner.Forget(runID)
}

func (s *Server) buildEngineConfig(runID, userID string, req *RunBacktestRequest) backtest.Config {
	c := req.Config
	tf := market.Timeframe(c.Timeframe)
	if c.Timeframe == "" {
		tf = market.TF1m
	}
	var conditionTFs []market.Timeframe
	for _, ctf := range c.ConditionTimeframes {
		conditionTFs = append(conditionTFs, market.Timeframe(ctf))
	}
	sizing := backtest.SizingMode(c.PositionSizing)
	if sizing == "" {
		sizing = backtest.SizingPercentEquity
	}
	sizeValue := c.PositionSizeValue
	if sizeValue == 0 && sizing == backtest.SizingPercentEquity {
		sizeValue = 100
	}

	return backtest.Config{
		RunID:             runID,
		UserID:            userID,
		Symbol:            c.Symbol,
		InitialCapital:    c.InitialCapital,
		Leverage:          c.Leverage,
		SizingMode:        sizing,
		PositionSizeValue: sizeValue,
		MakerFeeRate:      c.MakerFeeRate,
		TakerFeeRate:      c.TakerFeeRate,
		Simulator: simulator.Config{
			MarketFillPolicy: simulator.MarketFillPolicy(c.MarketFillPolicy),
			LimitFillPolicy:  simulator.LimitFillPolicy(c.LimitFillPolicy),
			SlippageModel:    simulator.SlippageModel(c.SlippageModel),
			SlippageParam:    c.SlippageParam,
			CommissionModel:  simulator.CommissionModel(c.CommissionModel),
			CommissionParam:  c.CommissionParam,
			UseBidAskSpread:  c.UseBidAskSpread,
			SpreadPercent:    c.SpreadPercent,
		},
		PricePathAssumption:        backtest.PricePathAssumption(c.PricePathAssumption),
		SignalTimeframe:            tf,
		ConditionTimeframes:        conditionTFs,
		ExecutionDelayBars:         c.ExecutionDelayBars,
		CollectFundingFee:          c.CollectFundingFee,
		FundingRateDaily:           c.FundingRateDaily,
		DefaultStopLossPercent:     c.StopLossPercent,
		DefaultTakeProfitPercent:   c.TakeProfitPercent,
		DefaultTrailingStopPercent: c.TrailingStopPercent,
		RandomSeed:                 c.RandomSeed,
	}
}

// handleListRuns returns the caller's runs, paginated.
func (s *Server) handleListRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	userID := s.userID(c)
	runs, err := s.repo.ListBacktestRuns(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := s.repo.CountBacktestRuns(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": total, "limit": limit, "offset": offset})
}

// handleGetRun returns one run with its result row when present.
func (s *Server) handleGetRun(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	result, err := s.repo.GetBacktestResult(c.Request.Context(), run.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "result": result})
}

// handleGetRunStatus is the lightweight polling endpoint. Prefers the live
// cache view, falls back to the run row.
func (s *Server) handleGetRunStatus(c *gin.Context) {
	runID := c.Param("id")

	if s.runStore != nil {
		if state, err := s.runStore.GetState(c.Request.Context(), runID); err == nil && state != nil {
			c.JSON(http.StatusOK, gin.H{
				"run_id":           runID,
				"status":           state.Status,
				"progress_percent": state.ProgressPercent,
				"message":          state.Message,
			})
			return
		}
	}

	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":           run.ID,
		"status":           run.Status,
		"progress_percent": run.ProgressPercent,
		"message":          run.StatusMessage,
	})
}

// handleGetResults serves the full result payload, COMPLETED runs only.
func (s *Server) handleGetResults(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	if run.Status != string(backtest.StatusCompleted) {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("run is %s, results require COMPLETED", run.Status)})
		return
	}
	result, err := s.repo.GetBacktestResult(c.Request.Context(), run.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if result == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "results not found"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleCancelRun flags a run for cancellation at its next yield point.
func (s *Server) handleCancelRun(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	if run.Status != string(backtest.StatusPending) && run.Status != string(backtest.StatusRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("run is already %s", run.Status)})
		return
	}

	cancelled := s.runner.Cancel(run.ID)
	if s.runStore != nil {
		if err := s.runStore.RequestCancel(c.Request.Context(), run.ID); err == nil {
			cancelled = true
		}
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "run is not cancellable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": run.ID, "status": "cancellation requested"})
}

// handleDeleteRun removes a run and all owned rows. RUNNING runs must be
// cancelled first.
func (s *Server) handleDeleteRun(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	if run.Status == string(backtest.StatusRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": "cannot delete a RUNNING run, cancel it first"})
		return
	}
	deleted, err := s.repo.DeleteBacktestRun(c.Request.Context(), run.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	s.runner.Forget(run.ID)
	c.JSON(http.StatusOK, gin.H{"run_id": run.ID, "deleted": true})
}

// handleGetTrades returns a run's trades with filters and pagination.
func (s *Server) handleGetTrades(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}

	filter := database.TradeFilter{
		Symbol:    c.Query("symbol"),
		Direction: c.Query("direction"),
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "500"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if v := c.Query("min_pnl"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filter.MinNetPnL = &f
		}
	}
	if v := c.Query("max_pnl"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filter.MaxNetPnL = &f
		}
	}

	trades, err := s.repo.GetBacktestTrades(c.Request.Context(), run.ID, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := s.repo.CountBacktestTrades(c.Request.Context(), run.ID, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "total": total})
}

// handleGetEquityCurve serves the stored equity curve JSON.
func (s *Server) handleGetEquityCurve(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	curve, err := s.repo.GetEquityCurve(c.Request.Context(), run.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if curve == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "equity curve not found"})
		return
	}
	c.Data(http.StatusOK, "application/json", curve)
}

// handleGetPositionTimeline serves position intervals rebuilt from trades.
func (s *Server) handleGetPositionTimeline(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	timeline, err := s.repo.GetPositionTimeline(c.Request.Context(), run.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"timeline": timeline})
}

// handleGetEvents serves the run's event log with filters.
func (s *Server) handleGetEvents(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	filter := database.EventFilter{
		TradeID:    c.Query("trade_id"),
		EventTypes: parseEventTypes(c),
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "1000"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	eventRows, err := s.repo.GetBacktestEvents(c.Request.Context(), run.ID, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": eventRows})
}

// parseEventTypes collects event types from repeated or comma-separated
// "types" params; the singular "type" still works.
func parseEventTypes(c *gin.Context) []string {
	raw := c.QueryArray("types")
	if t := c.Query("type"); t != "" {
		raw = append(raw, t)
	}
	var out []string
	for _, r := range raw {
		for _, t := range strings.Split(r, ",") {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

// handleExportCSV streams the run's trades as CSV.
func (s *Server) handleExportCSV(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	trades, err := s.repo.GetBacktestTrades(c.Request.Context(), run.ID, database.TradeFilter{Limit: 100000})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="backtest_%s_trades.csv"`, run.ID))

	w := csv.NewWriter(c.Writer)
	defer w.Flush()

	header := []string{
		"trade_id", "symbol", "direction", "entry_time", "entry_price",
		"exit_time", "exit_price", "quantity", "gross_pnl", "net_pnl",
		"pnl_percent", "mae", "mfe", "commission", "slippage", "funding_fee",
		"entry_reason", "exit_reason", "exit_kind",
	}
	if err := w.Write(header); err != nil {
		return
	}
	for _, t := range trades {
		row := []string{
			t.ID, t.Symbol, t.Direction,
			t.EntryTime.UTC().Format(time.RFC3339), formatFloat(t.EntryPrice),
			t.ExitTime.UTC().Format(time.RFC3339), formatFloat(t.ExitPrice),
			formatFloat(t.Quantity), formatFloat(t.GrossPnL), formatFloat(t.NetPnL),
			formatFloat(t.PnLPercent), formatFloat(t.MAE), formatFloat(t.MFE),
			formatFloat(t.Commission), formatFloat(t.Slippage), formatFloat(t.FundingFee),
			t.EntryReason, t.ExitReason, t.ExitKind,
		}
		if err := w.Write(row); err != nil {
			return
		}
	}
}

// handleListStrategies lists the registered strategy ids.
func (s *Server) handleListStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": strategy.List()})
}

// loadRun fetches the run row for the :id param, writing the error response
// on failure.
func (s *Server) loadRun(c *gin.Context) (*database.BacktestRunRow, bool) {
	runID := c.Param("id")
	if _, err := uuid.Parse(runID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return nil, false
	}
	run, err := s.repo.GetBacktestRun(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return nil, false
	}
	return run, true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
