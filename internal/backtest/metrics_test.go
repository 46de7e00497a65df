package backtest

import (
	"math"
	"testing"
	"time"

	"futures-backtester/internal/position"
)

func mkTrade(netPnL, grossPnL float64, durationMin int) position.Trade {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return position.Trade{
		NetPnL:    netPnL,
		GrossPnL:  grossPnL,
		EntryTime: t0,
		ExitTime:  t0.Add(time.Duration(durationMin) * time.Minute),
	}
}

func TestMetricsEmptyInput(t *testing.T) {
	m := CalculateMetrics(nil, nil, 10_000, 30)
	if m.TotalTrades != 0 || m.TotalReturn != 0 || m.SharpeRatio != 0 {
		t.Errorf("empty input must produce zero metrics, got %+v", m)
	}
}

func TestMetricsTradeStats(t *testing.T) {
	trades := []position.Trade{
		mkTrade(100, 110, 60),
		mkTrade(50, 55, 30),
		mkTrade(-60, -55, 90),
		mkTrade(80, 85, 60),
		mkTrade(-20, -15, 30),
		mkTrade(-30, -25, 30),
	}
	curve := []EquityPoint{
		{Equity: 10_000}, {Equity: 10_150}, {Equity: 10_090}, {Equity: 10_120},
	}
	m := CalculateMetrics(trades, curve, 10_000, 10)

	if m.TotalTrades != 6 || m.WinningTrades != 3 || m.LosingTrades != 3 {
		t.Fatalf("counts = %d/%d/%d", m.TotalTrades, m.WinningTrades, m.LosingTrades)
	}
	if m.WinRate != 50 {
		t.Errorf("win rate = %g, want 50", m.WinRate)
	}
	if m.MaxConsecutiveWins != 2 || m.MaxConsecutiveLosses != 2 {
		t.Errorf("consecutive = %d wins / %d losses, want 2/2",
			m.MaxConsecutiveWins, m.MaxConsecutiveLosses)
	}
	wantPF := (110.0 + 55 + 85) / (55.0 + 15 + 25)
	if math.Abs(m.ProfitFactor-wantPF) > 1e-9 {
		t.Errorf("profit factor = %g, want %g", m.ProfitFactor, wantPF)
	}
	if m.LargestWin != 100 || m.LargestLoss != -60 {
		t.Errorf("largest = %g/%g, want 100/-60", m.LargestWin, m.LargestLoss)
	}
	if math.Abs(m.TotalPnL-120) > 1e-9 {
		t.Errorf("total pnl = %g, want 120", m.TotalPnL)
	}
	if math.Abs(m.TotalReturn-1.2) > 1e-9 {
		t.Errorf("total return = %g, want 1.2", m.TotalReturn)
	}
}

func TestMetricsDrawdown(t *testing.T) {
	curve := []EquityPoint{
		{Equity: 10_000}, {Equity: 11_000}, {Equity: 9_900}, {Equity: 10_500}, {Equity: 10_400},
	}
	m := CalculateMetrics(nil, curve, 10_000, 5)
	want := (11_000.0 - 9_900) / 11_000 * 100
	if math.Abs(m.MaxDrawdown-want) > 1e-9 {
		t.Errorf("max drawdown = %g, want %g", m.MaxDrawdown, want)
	}
	// Points under water: 9_900, 10_500, 10_400.
	if m.MaxDrawdownDuration != 3 {
		t.Errorf("drawdown duration = %d, want 3", m.MaxDrawdownDuration)
	}
}

func TestRiskOfRuinBounds(t *testing.T) {
	if got := riskOfRuin(0, 2); got != 100 {
		t.Errorf("zero win rate: %g, want 100", got)
	}
	if got := riskOfRuin(60, 0); got != 100 {
		t.Errorf("zero payoff: %g, want 100", got)
	}
	if got := riskOfRuin(50, 1); got != 50 {
		t.Errorf("even odds: %g, want 50", got)
	}
	if got := riskOfRuin(70, 2); got < 0 || got > 100 {
		t.Errorf("risk of ruin %g outside [0, 100]", got)
	}
	if got := riskOfRuin(10, 0.5); got != 100 {
		t.Errorf("bad odds must clamp to 100, got %g", got)
	}
}

func TestMetricsCAGRAndAnnualReturn(t *testing.T) {
	curve := []EquityPoint{{Equity: 10_000}, {Equity: 12_000}}
	m := CalculateMetrics(nil, curve, 10_000, 365.25)
	if math.Abs(m.TotalReturn-20) > 1e-9 {
		t.Errorf("total return = %g, want 20", m.TotalReturn)
	}
	if math.Abs(m.AnnualReturn-20) > 1e-9 {
		t.Errorf("annual return = %g, want 20", m.AnnualReturn)
	}
	if math.Abs(m.CAGR-20) > 1e-6 {
		t.Errorf("CAGR = %g, want 20", m.CAGR)
	}
}
