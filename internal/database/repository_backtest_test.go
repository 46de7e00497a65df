package database

import (
	"math"
	"strings"
	"testing"
	"time"

	"futures-backtester/internal/backtest"
)

func TestClampMetric(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want string
	}{
		{"normal", 12.34567, "12.3457"},
		{"negative", -0.5, "-0.5"},
		{"overflow", 1e12, "999999.9999"},
		{"underflow", -1e12, "-999999.9999"},
		{"nan", math.NaN(), "0"},
		{"positive inf", math.Inf(1), "0"},
		{"negative inf", math.Inf(-1), "0"},
		{"at bound", 999999.9999, "999999.9999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clampMetric(tt.in).String(); got != tt.want {
				t.Errorf("clampMetric(%v) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestClampRate(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want string
	}{
		{"normal", 55.5, "55.5"},
		{"cap", 100, "99.99"},
		{"exact cap", 99.99, "99.99"},
		{"negative floored", -3, "0"},
		{"nan", math.NaN(), "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clampRate(tt.in).String(); got != tt.want {
				t.Errorf("clampRate(%v) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestTruncateMessage(t *testing.T) {
	long := strings.Repeat("x", 150)
	if got := truncateMessage(long); len(got) != 100 {
		t.Errorf("truncated length = %d, want 100", len(got))
	}
	if got := truncateMessage("short"); got != "short" {
		t.Errorf("short message altered: %q", got)
	}
}

func TestComputeMonthlyReturns(t *testing.T) {
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	curve := []backtest.EquityPoint{
		{Time: jan, Equity: 10000},
		{Time: jan.AddDate(0, 0, 15), Equity: 10500},
		{Time: jan.AddDate(0, 0, 30), Equity: 11000},
		{Time: feb.AddDate(0, 0, 10), Equity: 9900},
	}

	months := computeMonthlyReturns(curve)
	if len(months) != 2 {
		t.Fatalf("got %d months, want 2", len(months))
	}

	if months[0].Month != "2024-01" {
		t.Errorf("first month = %s, want 2024-01", months[0].Month)
	}
	if math.Abs(months[0].ReturnPercent-10) > 1e-9 {
		t.Errorf("jan return = %v, want 10", months[0].ReturnPercent)
	}

	// February starts from January's closing equity.
	if months[1].StartEquity != 11000 {
		t.Errorf("feb start equity = %v, want 11000", months[1].StartEquity)
	}
	if math.Abs(months[1].ReturnPercent-(9900-11000)/11000.0*100) > 1e-9 {
		t.Errorf("feb return = %v", months[1].ReturnPercent)
	}
}

func TestComputeMonthlyReturnsEmpty(t *testing.T) {
	if got := computeMonthlyReturns(nil); len(got) != 0 {
		t.Errorf("expected no months, got %d", len(got))
	}
}

func TestComputeDrawdowns(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	at := func(d int) time.Time { return base.AddDate(0, 0, d) }
	curve := []backtest.EquityPoint{
		{Time: at(0), Equity: 10000},
		{Time: at(1), Equity: 9500}, // underwater
		{Time: at(2), Equity: 9000}, // trough, 10%
		{Time: at(3), Equity: 9800},
		{Time: at(4), Equity: 10100}, // recovered
		{Time: at(5), Equity: 9900},  // second period, open at end
	}

	periods := computeDrawdowns(curve)
	if len(periods) != 2 {
		t.Fatalf("got %d periods, want 2", len(periods))
	}

	first := periods[0]
	if !first.Recovered {
		t.Error("first period should be recovered")
	}
	if !first.Trough.Equal(at(2)) {
		t.Errorf("trough = %v, want %v", first.Trough, at(2))
	}
	if math.Abs(first.DepthPercent-10) > 1e-9 {
		t.Errorf("depth = %v, want 10", first.DepthPercent)
	}

	second := periods[1]
	if second.Recovered {
		t.Error("second period should remain open")
	}
	if math.Abs(second.DepthPercent-(10100-9900)/10100.0*100) > 1e-9 {
		t.Errorf("second depth = %v", second.DepthPercent)
	}
}

func TestComputeDrawdownsMonotoneCurve(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	curve := []backtest.EquityPoint{
		{Time: base, Equity: 10000},
		{Time: base.AddDate(0, 0, 1), Equity: 10100},
		{Time: base.AddDate(0, 0, 2), Equity: 10200},
	}
	if got := computeDrawdowns(curve); len(got) != 0 {
		t.Errorf("rising curve produced %d drawdown periods", len(got))
	}
}

func TestAppendTradeFilter(t *testing.T) {
	minPnL := 5.0
	query, args := appendTradeFilter("WHERE run_id = $1", []interface{}{"run-1"}, TradeFilter{
		Direction: "LONG",
		MinNetPnL: &minPnL,
	})
	if !strings.Contains(query, "direction = $2") {
		t.Errorf("missing direction clause: %s", query)
	}
	if !strings.Contains(query, "net_pnl >= $3") {
		t.Errorf("missing pnl clause: %s", query)
	}
	if len(args) != 3 {
		t.Errorf("got %d args, want 3", len(args))
	}

	query, args = appendTradeFilter("WHERE run_id = $1", []interface{}{"run-1"}, TradeFilter{})
	if strings.Contains(query, "$2") || len(args) != 1 {
		t.Errorf("empty filter added clauses: %s (%d args)", query, len(args))
	}
}

func TestAppendEventFilter(t *testing.T) {
	query, args := appendEventFilter("WHERE run_id = $1", []interface{}{"run-1"}, EventFilter{
		TradeID:    "trade-9",
		EventTypes: []string{"SL_HIT", "TP_HIT"},
	})
	if !strings.Contains(query, "trade_id = $2") {
		t.Errorf("missing trade clause: %s", query)
	}
	if !strings.Contains(query, "event_type = ANY($3)") {
		t.Errorf("missing event type clause: %s", query)
	}
	if len(args) != 3 {
		t.Fatalf("got %d args, want 3", len(args))
	}
	types, ok := args[2].([]string)
	if !ok || len(types) != 2 {
		t.Errorf("event types arg = %#v, want the two-type list", args[2])
	}

	query, args = appendEventFilter("WHERE run_id = $1", []interface{}{"run-1"}, EventFilter{})
	if strings.Contains(query, "$2") || len(args) != 1 {
		t.Errorf("empty filter added clauses: %s (%d args)", query, len(args))
	}
}
