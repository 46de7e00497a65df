package database

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"futures-backtester/internal/backtest"
)

// Column bounds. Metric columns are DECIMAL(10,4), win rate and progress are
// DECIMAL(5,2). Values are clamped on write so a pathological run still
// persists instead of failing on overflow.
var (
	maxMetric  = decimal.RequireFromString("999999.9999")
	maxPercent = decimal.RequireFromString("99.99")
)

// clampMetric maps NaN/Inf to zero and bounds the value to DECIMAL(10,4).
func clampMetric(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	d := decimal.NewFromFloat(v).Round(4)
	if d.GreaterThan(maxMetric) {
		return maxMetric
	}
	if d.LessThan(maxMetric.Neg()) {
		return maxMetric.Neg()
	}
	return d
}

// clampRate bounds a percentage to [0, 99.99] for DECIMAL(5,2) columns.
func clampRate(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return decimal.Zero
	}
	d := decimal.NewFromFloat(v).Round(2)
	if d.GreaterThan(maxPercent) {
		return maxPercent
	}
	return d
}

// SaveBacktestRun upserts a run row. If the row does not exist and the
// incoming status is not PENDING, the run was deleted while in flight and the
// save is skipped silently so late callbacks cannot resurrect it.
func (r *Repository) SaveBacktestRun(ctx context.Context, run *BacktestRunRow) error {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM backtest_runs WHERE id = $1)`, run.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check backtest run: %w", err)
	}
	if !exists && run.Status != string(backtest.StatusPending) {
		return nil
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO backtest_runs (id, user_id, symbol, strategy_id, signal_timeframe, start_date, end_date,
			status, status_message, progress_percent, initial_capital, final_equity, leverage, config,
			started_at, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			status_message = EXCLUDED.status_message,
			progress_percent = EXCLUDED.progress_percent,
			final_equity = EXCLUDED.final_equity,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			updated_at = CURRENT_TIMESTAMP`,
		run.ID, run.UserID, run.Symbol, run.StrategyID, run.SignalTimeframe, run.StartDate, run.EndDate,
		run.Status, truncateMessage(run.StatusMessage), clampRate(run.ProgressPercent),
		run.InitialCapital, run.FinalEquity, run.Leverage, run.Config,
		run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to save backtest run: %w", err)
	}
	return nil
}

// UpdateRunProgress updates the progress of an in-flight run. A missing row
// is not an error: the run may have been deleted mid-flight.
func (r *Repository) UpdateRunProgress(ctx context.Context, runID string, percent float64) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE backtest_runs
		SET progress_percent = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')`,
		runID, clampRate(percent))
	if err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	return nil
}

// UpdateRunStatus transitions a run's status and message.
func (r *Repository) UpdateRunStatus(ctx context.Context, runID, status, message string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE backtest_runs
		SET status = $2, status_message = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`,
		runID, status, truncateMessage(message))
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

// SaveBacktestResult persists the full output of a finished run: run summary,
// results row with JSON payloads, denormalised trades and the event log.
// Re-saving the same result is idempotent. Skips silently when the run row no
// longer exists.
func (r *Repository) SaveBacktestResult(ctx context.Context, res *backtest.Result) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE backtest_runs
		SET status = $2, status_message = $3, final_equity = $4, progress_percent = $5,
			started_at = $6, finished_at = $7, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`,
		res.RunID, string(res.Status), truncateMessage(res.StatusMessage), res.FinalEquity,
		clampRate(100), res.StartedAt, res.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to update run summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	metricsJSON, err := json.Marshal(res.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	curveJSON, err := json.Marshal(res.EquityCurve)
	if err != nil {
		return fmt.Errorf("failed to marshal equity curve: %w", err)
	}
	monthlyJSON, err := json.Marshal(computeMonthlyReturns(res.EquityCurve))
	if err != nil {
		return fmt.Errorf("failed to marshal monthly returns: %w", err)
	}
	drawdownsJSON, err := json.Marshal(computeDrawdowns(res.EquityCurve))
	if err != nil {
		return fmt.Errorf("failed to marshal drawdowns: %w", err)
	}

	m := res.Metrics
	_, err = tx.Exec(ctx, `
		INSERT INTO backtest_results (run_id, total_trades, winning_trades, losing_trades, win_rate,
			total_return, annual_return, cagr, total_pnl, profit_factor, payoff_ratio, expected_value,
			max_drawdown, sharpe_ratio, sortino_ratio, calmar_ratio, volatility, risk_of_ruin,
			average_exposure, total_commission, total_slippage, total_funding,
			metrics, equity_curve, monthly_returns, drawdowns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26)
		ON CONFLICT (run_id) DO UPDATE SET
			total_trades = EXCLUDED.total_trades,
			winning_trades = EXCLUDED.winning_trades,
			losing_trades = EXCLUDED.losing_trades,
			win_rate = EXCLUDED.win_rate,
			total_return = EXCLUDED.total_return,
			annual_return = EXCLUDED.annual_return,
			cagr = EXCLUDED.cagr,
			total_pnl = EXCLUDED.total_pnl,
			profit_factor = EXCLUDED.profit_factor,
			payoff_ratio = EXCLUDED.payoff_ratio,
			expected_value = EXCLUDED.expected_value,
			max_drawdown = EXCLUDED.max_drawdown,
			sharpe_ratio = EXCLUDED.sharpe_ratio,
			sortino_ratio = EXCLUDED.sortino_ratio,
			calmar_ratio = EXCLUDED.calmar_ratio,
			volatility = EXCLUDED.volatility,
			risk_of_ruin = EXCLUDED.risk_of_ruin,
			average_exposure = EXCLUDED.average_exposure,
			total_commission = EXCLUDED.total_commission,
			total_slippage = EXCLUDED.total_slippage,
			total_funding = EXCLUDED.total_funding,
			metrics = EXCLUDED.metrics,
			equity_curve = EXCLUDED.equity_curve,
			monthly_returns = EXCLUDED.monthly_returns,
			drawdowns = EXCLUDED.drawdowns`,
		res.RunID, m.TotalTrades, m.WinningTrades, m.LosingTrades, clampRate(m.WinRate),
		clampMetric(m.TotalReturn), clampMetric(m.AnnualReturn), clampMetric(m.CAGR), m.TotalPnL,
		clampMetric(m.ProfitFactor), clampMetric(m.PayoffRatio), clampMetric(m.ExpectedValue),
		clampMetric(m.MaxDrawdown), clampMetric(m.SharpeRatio), clampMetric(m.SortinoRatio),
		clampMetric(m.CalmarRatio), clampMetric(m.Volatility), clampMetric(m.RiskOfRuin),
		clampMetric(m.AverageExposurePct), m.TotalCommission, m.TotalSlippage, m.TotalFunding,
		metricsJSON, curveJSON, monthlyJSON, drawdownsJSON)
	if err != nil {
		return fmt.Errorf("failed to save backtest results: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM backtest_trades WHERE run_id = $1`, res.RunID); err != nil {
		return fmt.Errorf("failed to clear backtest trades: %w", err)
	}
	for _, t := range res.Trades {
		_, err := tx.Exec(ctx, `
			INSERT INTO backtest_trades (id, run_id, symbol, direction, signal_time, entry_time, entry_price,
				exit_time, exit_price, quantity, gross_pnl, net_pnl, pnl_percent, mae, mfe,
				commission, slippage, funding_fee, entry_reason, exit_reason, exit_kind)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
			t.ID, res.RunID, t.Symbol, string(t.Direction), nilIfZero(t.SignalTime), t.EntryTime, t.EntryPrice,
			t.ExitTime, t.ExitPrice, t.ExitQuantity, t.GrossPnL, t.NetPnL,
			clampMetric(t.PnLPercent), clampMetric(t.MAE), clampMetric(t.MFE),
			t.EntryCommission+t.ExitCommission, t.EntrySlippage+t.ExitSlippage, t.FundingFee,
			t.EntryReason, t.ExitReason, string(t.ExitKind))
		if err != nil {
			return fmt.Errorf("failed to save backtest trade %s: %w", t.ID, err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM backtest_events WHERE run_id = $1`, res.RunID); err != nil {
		return fmt.Errorf("failed to clear backtest events: %w", err)
	}
	for _, ev := range res.Events {
		var details []byte
		if len(ev.Details) > 0 {
			if details, err = json.Marshal(ev.Details); err != nil {
				return fmt.Errorf("failed to marshal event details: %w", err)
			}
		}
		var tradeID *string
		if ev.TradeID != "" {
			tradeID = &ev.TradeID
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO backtest_events (run_id, trade_id, event_type, event_time, price, message, details)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			res.RunID, tradeID, string(ev.Type), ev.Time, ev.Price, ev.Message, details)
		if err != nil {
			return fmt.Errorf("failed to save backtest event: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetBacktestRun loads a run row, nil when not found.
func (r *Repository) GetBacktestRun(ctx context.Context, runID string) (*BacktestRunRow, error) {
	var run BacktestRunRow
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, user_id, symbol, strategy_id, signal_timeframe, start_date, end_date,
			status, status_message, progress_percent, initial_capital, final_equity, leverage, config,
			created_at, updated_at, started_at, finished_at
		FROM backtest_runs WHERE id = $1`, runID).Scan(
		&run.ID, &run.UserID, &run.Symbol, &run.StrategyID, &run.SignalTimeframe,
		&run.StartDate, &run.EndDate, &run.Status, &run.StatusMessage, &run.ProgressPercent,
		&run.InitialCapital, &run.FinalEquity, &run.Leverage, &run.Config,
		&run.CreatedAt, &run.UpdatedAt, &run.StartedAt, &run.FinishedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get backtest run: %w", err)
	}
	return &run, nil
}

// ListBacktestRuns returns a user's runs newest first, without the config
// payload. Pass limit <= 0 for the default page size of 50.
func (r *Repository) ListBacktestRuns(ctx context.Context, userID string, limit, offset int) ([]BacktestRunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, user_id, symbol, strategy_id, signal_timeframe, start_date, end_date,
			status, status_message, progress_percent, initial_capital, final_equity, leverage,
			created_at, updated_at, started_at, finished_at
		FROM backtest_runs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list backtest runs: %w", err)
	}
	defer rows.Close()
	return scanRunRows(rows)
}

// ListBacktestRunsBySymbol returns runs for a symbol newest first.
func (r *Repository) ListBacktestRunsBySymbol(ctx context.Context, symbol string, limit int) ([]BacktestRunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, user_id, symbol, strategy_id, signal_timeframe, start_date, end_date,
			status, status_message, progress_percent, initial_capital, final_equity, leverage,
			created_at, updated_at, started_at, finished_at
		FROM backtest_runs
		WHERE symbol = $1
		ORDER BY created_at DESC
		LIMIT $2`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list backtest runs by symbol: %w", err)
	}
	defer rows.Close()
	return scanRunRows(rows)
}

// ListBacktestRunsByStrategy returns runs for a strategy newest first.
func (r *Repository) ListBacktestRunsByStrategy(ctx context.Context, strategyID string, limit int) ([]BacktestRunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, user_id, symbol, strategy_id, signal_timeframe, start_date, end_date,
			status, status_message, progress_percent, initial_capital, final_equity, leverage,
			created_at, updated_at, started_at, finished_at
		FROM backtest_runs
		WHERE strategy_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list backtest runs by strategy: %w", err)
	}
	defer rows.Close()
	return scanRunRows(rows)
}

// ListActiveBacktestRuns returns runs still PENDING or RUNNING.
func (r *Repository) ListActiveBacktestRuns(ctx context.Context) ([]BacktestRunRow, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, user_id, symbol, strategy_id, signal_timeframe, start_date, end_date,
			status, status_message, progress_percent, initial_capital, final_equity, leverage,
			created_at, updated_at, started_at, finished_at
		FROM backtest_runs
		WHERE status IN ('PENDING', 'RUNNING')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active backtest runs: %w", err)
	}
	defer rows.Close()
	return scanRunRows(rows)
}

// CountBacktestRuns returns the total run count for a user.
func (r *Repository) CountBacktestRuns(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM backtest_runs WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count backtest runs: %w", err)
	}
	return count, nil
}

// DeleteBacktestRun removes a run and, via cascade, its results, trades and
// events. Returns false when no row was deleted.
func (r *Repository) DeleteBacktestRun(ctx context.Context, runID string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM backtest_runs WHERE id = $1`, runID)
	if err != nil {
		return false, fmt.Errorf("failed to delete backtest run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetBacktestResult loads the results row for a run, nil when absent.
func (r *Repository) GetBacktestResult(ctx context.Context, runID string) (*BacktestResultRow, error) {
	var res BacktestResultRow
	err := r.db.Pool.QueryRow(ctx, `
		SELECT run_id, total_trades, winning_trades, losing_trades, win_rate,
			total_return, annual_return, cagr, total_pnl, profit_factor, payoff_ratio, expected_value,
			max_drawdown, sharpe_ratio, sortino_ratio, calmar_ratio, volatility, risk_of_ruin,
			average_exposure, total_commission, total_slippage, total_funding,
			metrics, equity_curve, monthly_returns, drawdowns, created_at
		FROM backtest_results WHERE run_id = $1`, runID).Scan(
		&res.RunID, &res.TotalTrades, &res.WinningTrades, &res.LosingTrades, &res.WinRate,
		&res.TotalReturn, &res.AnnualReturn, &res.CAGR, &res.TotalPnL, &res.ProfitFactor,
		&res.PayoffRatio, &res.ExpectedValue, &res.MaxDrawdown, &res.SharpeRatio, &res.SortinoRatio,
		&res.CalmarRatio, &res.Volatility, &res.RiskOfRuin, &res.AverageExposure,
		&res.TotalCommission, &res.TotalSlippage, &res.TotalFunding,
		&res.Metrics, &res.EquityCurve, &res.MonthlyReturns, &res.Drawdowns, &res.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get backtest result: %w", err)
	}
	return &res, nil
}

// GetEquityCurve returns just the stored equity curve JSON for a run.
func (r *Repository) GetEquityCurve(ctx context.Context, runID string) (json.RawMessage, error) {
	var curve json.RawMessage
	err := r.db.Pool.QueryRow(ctx,
		`SELECT equity_curve FROM backtest_results WHERE run_id = $1`, runID).Scan(&curve)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get equity curve: %w", err)
	}
	return curve, nil
}

// GetBacktestTrades returns a run's trades in exit order, filtered and paged.
func (r *Repository) GetBacktestTrades(ctx context.Context, runID string, f TradeFilter) ([]BacktestTradeRow, error) {
	query := `
		SELECT id, run_id, symbol, direction, signal_time, entry_time, entry_price,
			exit_time, exit_price, quantity, gross_pnl, net_pnl, pnl_percent, mae, mfe,
			commission, slippage, funding_fee, entry_reason, exit_reason, exit_kind
		FROM backtest_trades
		WHERE run_id = $1`
	args := []interface{}{runID}
	query, args = appendTradeFilter(query, args, f)
	query += fmt.Sprintf(" ORDER BY exit_time ASC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit, f.Offset)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query backtest trades: %w", err)
	}
	defer rows.Close()

	var trades []BacktestTradeRow
	for rows.Next() {
		var t BacktestTradeRow
		if err := rows.Scan(&t.ID, &t.RunID, &t.Symbol, &t.Direction, &t.SignalTime,
			&t.EntryTime, &t.EntryPrice, &t.ExitTime, &t.ExitPrice, &t.Quantity,
			&t.GrossPnL, &t.NetPnL, &t.PnLPercent, &t.MAE, &t.MFE,
			&t.Commission, &t.Slippage, &t.FundingFee,
			&t.EntryReason, &t.ExitReason, &t.ExitKind); err != nil {
			return nil, fmt.Errorf("failed to scan backtest trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// CountBacktestTrades counts a run's trades under the same filter.
func (r *Repository) CountBacktestTrades(ctx context.Context, runID string, f TradeFilter) (int, error) {
	query := `SELECT COUNT(*) FROM backtest_trades WHERE run_id = $1`
	args := []interface{}{runID}
	query, args = appendTradeFilter(query, args, f)

	var count int
	if err := r.db.Pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count backtest trades: %w", err)
	}
	return count, nil
}

func appendTradeFilter(query string, args []interface{}, f TradeFilter) (string, []interface{}) {
	if f.Symbol != "" {
		args = append(args, f.Symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	if f.Direction != "" {
		args = append(args, f.Direction)
		query += fmt.Sprintf(" AND direction = $%d", len(args))
	}
	if f.MinNetPnL != nil {
		args = append(args, *f.MinNetPnL)
		query += fmt.Sprintf(" AND net_pnl >= $%d", len(args))
	}
	if f.MaxNetPnL != nil {
		args = append(args, *f.MaxNetPnL)
		query += fmt.Sprintf(" AND net_pnl <= $%d", len(args))
	}
	return query, args
}

func appendEventFilter(query string, args []interface{}, f EventFilter) (string, []interface{}) {
	if f.TradeID != "" {
		args = append(args, f.TradeID)
		query += fmt.Sprintf(" AND trade_id = $%d", len(args))
	}
	if len(f.EventTypes) > 0 {
		args = append(args, f.EventTypes)
		query += fmt.Sprintf(" AND event_type = ANY($%d)", len(args))
	}
	return query, args
}

// GetBacktestEvents returns a run's event log in time order, filtered and
// paged.
func (r *Repository) GetBacktestEvents(ctx context.Context, runID string, f EventFilter) ([]BacktestEventRow, error) {
	query := `
		SELECT id, run_id, trade_id, event_type, event_time, price, message, details
		FROM backtest_events
		WHERE run_id = $1`
	query, args := appendEventFilter(query, []interface{}{runID}, f)
	query += fmt.Sprintf(" ORDER BY event_time ASC, id ASC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit, f.Offset)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query backtest events: %w", err)
	}
	defer rows.Close()

	var events []BacktestEventRow
	for rows.Next() {
		var ev BacktestEventRow
		var tradeID *string
		if err := rows.Scan(&ev.ID, &ev.RunID, &tradeID, &ev.EventType, &ev.EventTime,
			&ev.Price, &ev.Message, &ev.Details); err != nil {
			return nil, fmt.Errorf("failed to scan backtest event: %w", err)
		}
		if tradeID != nil {
			ev.TradeID = *tradeID
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// GetPositionTimeline reconstructs held-position intervals from the trade
// rows, in entry order.
func (r *Repository) GetPositionTimeline(ctx context.Context, runID string) ([]PositionTimelineEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, direction, entry_time, exit_time, entry_price, exit_price, quantity, net_pnl, exit_kind
		FROM backtest_trades
		WHERE run_id = $1
		ORDER BY entry_time ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query position timeline: %w", err)
	}
	defer rows.Close()

	var timeline []PositionTimelineEntry
	for rows.Next() {
		var e PositionTimelineEntry
		if err := rows.Scan(&e.TradeID, &e.Direction, &e.EntryTime, &e.ExitTime,
			&e.EntryPrice, &e.ExitPrice, &e.Quantity, &e.NetPnL, &e.ExitKind); err != nil {
			return nil, fmt.Errorf("failed to scan timeline entry: %w", err)
		}
		timeline = append(timeline, e)
	}
	return timeline, rows.Err()
}

func scanRunRows(rows pgx.Rows) ([]BacktestRunRow, error) {
	var runs []BacktestRunRow
	for rows.Next() {
		var run BacktestRunRow
		if err := rows.Scan(&run.ID, &run.UserID, &run.Symbol, &run.StrategyID, &run.SignalTimeframe,
			&run.StartDate, &run.EndDate, &run.Status, &run.StatusMessage, &run.ProgressPercent,
			&run.InitialCapital, &run.FinalEquity, &run.Leverage,
			&run.CreatedAt, &run.UpdatedAt, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backtest run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func nilIfZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// truncateMessage bounds status_message to its VARCHAR(100) column.
func truncateMessage(msg string) string {
	if len(msg) > 100 {
		return msg[:100]
	}
	return msg
}

// computeMonthlyReturns buckets the equity curve by calendar month.
func computeMonthlyReturns(curve []backtest.EquityPoint) []MonthlyReturn {
	if len(curve) == 0 {
		return []MonthlyReturn{}
	}
	var out []MonthlyReturn
	cur := MonthlyReturn{
		Month:       curve[0].Time.UTC().Format("2006-01"),
		StartEquity: curve[0].Equity,
		EndEquity:   curve[0].Equity,
	}
	for _, p := range curve[1:] {
		month := p.Time.UTC().Format("2006-01")
		if month != cur.Month {
			out = append(out, finishMonth(cur))
			cur = MonthlyReturn{Month: month, StartEquity: cur.EndEquity}
		}
		cur.EndEquity = p.Equity
	}
	return append(out, finishMonth(cur))
}

func finishMonth(m MonthlyReturn) MonthlyReturn {
	if m.StartEquity > 0 {
		m.ReturnPercent = (m.EndEquity - m.StartEquity) / m.StartEquity * 100
	}
	return m
}

// computeDrawdowns extracts underwater periods from the equity curve. A
// period opens when equity drops below the running peak and closes when the
// peak is regained; an unrecovered period at end of data is kept open.
func computeDrawdowns(curve []backtest.EquityPoint) []DrawdownPeriod {
	out := []DrawdownPeriod{}
	if len(curve) == 0 {
		return out
	}

	peak := curve[0].Equity
	var cur *DrawdownPeriod
	trough := 0.0
	for _, p := range curve {
		if p.Equity >= peak {
			if cur != nil {
				cur.End = p.Time
				cur.Recovered = true
				out = append(out, *cur)
				cur = nil
			}
			peak = p.Equity
			continue
		}
		if cur == nil {
			cur = &DrawdownPeriod{Start: p.Time, Trough: p.Time}
			trough = p.Equity
		}
		if p.Equity < trough {
			trough = p.Equity
			cur.Trough = p.Time
		}
		if peak > 0 {
			if depth := (peak - trough) / peak * 100; depth > cur.DepthPercent {
				cur.DepthPercent = depth
			}
		}
		cur.End = p.Time
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}
