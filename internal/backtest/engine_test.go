package backtest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-backtester/internal/market"
	"futures-backtester/internal/position"
)

type strategyFunc func(c market.Candle, idx int, pos *position.Position, mtf *MultiTimeframeContext) *Signal

func (f strategyFunc) OnBar(c market.Candle, idx int, pos *position.Position, mtf *MultiTimeframeContext) *Signal {
	return f(c, idx, pos, mtf)
}

// scripted returns the signal registered for an index once, nil otherwise.
func scripted(signals map[int]*Signal) Strategy {
	fired := map[int]bool{}
	return strategyFunc(func(_ market.Candle, idx int, _ *position.Position, _ *MultiTimeframeContext) *Signal {
		if fired[idx] {
			return nil
		}
		fired[idx] = true
		return signals[idx]
	})
}

func minuteCandles(start time.Time, ohlc [][4]float64) []market.Candle {
	out := make([]market.Candle, len(ohlc))
	for i, v := range ohlc {
		t := start.Add(time.Duration(i) * time.Minute)
		out[i] = market.Candle{
			OpenTime: t, CloseTime: t.Add(time.Minute),
			Open: v[0], High: v[1], Low: v[2], Close: v[3], Volume: 10,
		}
	}
	return out
}

func flatCandles(start time.Time, n int, price float64) []market.Candle {
	ohlc := make([][4]float64, n)
	for i := range ohlc {
		ohlc[i] = [4]float64{price, price, price, price}
	}
	return minuteCandles(start, ohlc)
}

func runEngine(t *testing.T, cfg Config, strat Strategy, candles []market.Candle) *Result {
	t.Helper()
	if cfg.RunID == "" {
		cfg.RunID = "test-run"
	}
	if cfg.Symbol == "" {
		cfg.Symbol = "BTCUSDT"
	}
	if cfg.RandomSeed == 0 {
		cfg.RandomSeed = 1
	}
	eng := NewEngine(cfg, strat, zerolog.Nop())
	res, err := eng.Run(context.Background(), candles, nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return res
}

func hasEvent(events []Event, typ EventType) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestLongTakeProfitTouch(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := minuteCandles(start, [][4]float64{
		{100, 110, 99, 101},
		{101, 105, 100, 104},
		{104, 106, 103, 105},
	})
	cfg := Config{
		InitialCapital: 10_000, Leverage: 10,
		SizingMode: SizingPercentEquity, PositionSizeValue: 100,
		TakerFeeRate: 0.0004, MakerFeeRate: 0.0002,
	}
	strat := scripted(map[int]*Signal{
		0: {Type: SignalOpenLong},
		1: {Type: SignalUpdateLevels, TakeProfit: 105},
	})

	res := runEngine(t, cfg, strat, candles)
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", res.Status)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Direction != position.Long {
		t.Errorf("direction = %s, want LONG", tr.Direction)
	}
	if tr.EntryPrice != 101 || tr.ExitPrice != 105 {
		t.Errorf("entry/exit = %g/%g, want 101/105", tr.EntryPrice, tr.ExitPrice)
	}
	if tr.ExitKind != position.ExitTakeProfit {
		t.Errorf("exit kind = %s, want TAKE_PROFIT", tr.ExitKind)
	}
	wantGross := 4 * tr.EntryQuantity
	if math.Abs(tr.GrossPnL-wantGross) > 1e-6 {
		t.Errorf("gross = %g, want %g", tr.GrossPnL, wantGross)
	}
	costs := tr.EntryCommission + tr.ExitCommission + tr.EntrySlippage + tr.ExitSlippage + tr.FundingFee
	if math.Abs(tr.GrossPnL-costs-tr.NetPnL) > 1e-9 {
		t.Errorf("net identity violated: gross %g costs %g net %g", tr.GrossPnL, costs, tr.NetPnL)
	}
	if !hasEvent(res.Events, EventTakeProfitHit) {
		t.Error("expected TP_HIT event")
	}
	if math.Abs(res.FinalEquity-(cfg.InitialCapital+tr.NetPnL)) > 1e-6 {
		t.Errorf("final equity %g != initial + net %g", res.FinalEquity, cfg.InitialCapital+tr.NetPnL)
	}
}

func TestStopTargetConflictAssumptions(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := minuteCandles(start, [][4]float64{
		{100, 100, 100, 100},
		{99, 102.5, 97.5, 101},
	})
	base := Config{
		InitialCapital: 10_000, Leverage: 5,
		SizingMode: SizingPercentEquity, PositionSizeValue: 100,
	}
	entry := map[int]*Signal{0: {Type: SignalOpenLong, StopLoss: 98, TakeProfit: 102}}

	tests := []struct {
		name       string
		assumption PricePathAssumption
		wantExit   float64
		wantKind   position.ExitKind
		wantReason string
	}{
		{"realistic open below entry", PathRealistic, 98, position.ExitStopLoss, "Realistic assumption"},
		{"neutral", PathNeutral, 98, position.ExitStopLoss, "Neutral assumption"},
		{"optimistic", PathOptimistic, 102, position.ExitTakeProfit, "Optimistic assumption"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.PricePathAssumption = tt.assumption
			res := runEngine(t, cfg, scripted(entry), candles)
			if len(res.Trades) != 1 {
				t.Fatalf("trades = %d, want 1", len(res.Trades))
			}
			tr := res.Trades[0]
			if tr.ExitPrice != tt.wantExit {
				t.Errorf("exit = %g, want %g", tr.ExitPrice, tt.wantExit)
			}
			if tr.ExitKind != tt.wantKind {
				t.Errorf("kind = %s, want %s", tr.ExitKind, tt.wantKind)
			}
			if !containsFold(tr.ExitReason, tt.wantReason) {
				t.Errorf("reason %q must mention %q", tr.ExitReason, tt.wantReason)
			}
		})
	}
}

func TestLiquidationBeatsStopLoss(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := minuteCandles(start, [][4]float64{
		{100, 100, 100, 100},
		{100, 100.5, 99.2, 99.8},
	})
	cfg := Config{
		InitialCapital: 10_000, Leverage: 100,
		SizingMode: SizingFixedSize, PositionSizeValue: 1,
	}
	// Margin 1 at entry 100: liquidation at 100*1.005 - 1 = 99.5, above the
	// configured stop at 95.
	strat := scripted(map[int]*Signal{
		0: {Type: SignalOpenLong, Quantity: 1, StopLoss: 95},
	})

	res := runEngine(t, cfg, strat, candles)
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.ExitKind != position.ExitLiquidation {
		t.Fatalf("exit kind = %s, want LIQUIDATION", tr.ExitKind)
	}
	if math.Abs(tr.ExitPrice-99.5) > 1e-9 {
		t.Errorf("exit price = %g, want 99.5", tr.ExitPrice)
	}
	if !hasEvent(res.Events, EventLiquidation) {
		t.Error("expected LIQUIDATION event")
	}
	if res.FinalEquity >= cfg.InitialCapital {
		t.Errorf("equity %g must decrease after liquidation", res.FinalEquity)
	}
}

func TestFundingChargedOnceAtBoundary(t *testing.T) {
	// Candles from 07:58 through 08:02 crossing the UTC 08:00 boundary.
	start := time.Date(2024, 1, 2, 7, 58, 0, 0, time.UTC)
	candles := flatCandles(start, 5, 100)
	cfg := Config{
		InitialCapital: 100_000, Leverage: 1,
		SizingMode: SizingFixedSize, PositionSizeValue: 100,
		CollectFundingFee: true, FundingRateDaily: 0.0003,
	}
	strat := scripted(map[int]*Signal{0: {Type: SignalOpenLong, Quantity: 100}})

	res := runEngine(t, cfg, strat, candles)
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	// Notional 10_000, one payment of 10_000 * 0.0003/3 = 1.
	if math.Abs(tr.FundingFee-1) > 1e-9 {
		t.Errorf("funding fee = %g, want 1.0 charged exactly once", tr.FundingFee)
	}
	count := 0
	for _, ev := range res.Events {
		if ev.Type == EventFundingCharged {
			count++
		}
	}
	if count != 1 {
		t.Errorf("funding events = %d, want 1", count)
	}
}

func TestShortReceivesFunding(t *testing.T) {
	start := time.Date(2024, 1, 2, 7, 59, 0, 0, time.UTC)
	candles := flatCandles(start, 3, 100)
	cfg := Config{
		InitialCapital: 100_000, Leverage: 1,
		SizingMode: SizingFixedSize, PositionSizeValue: 100,
		CollectFundingFee: true, FundingRateDaily: 0.0003,
	}
	strat := scripted(map[int]*Signal{0: {Type: SignalOpenShort, Quantity: 100}})

	res := runEngine(t, cfg, strat, candles)
	tr := res.Trades[0]
	if math.Abs(tr.FundingFee+1) > 1e-9 {
		t.Errorf("short funding fee = %g, want -1.0 (received)", tr.FundingFee)
	}
}

func TestMultiTimeframeSignalOnHTFClose(t *testing.T) {
	// 1m candles 09:00 through 11:59 with a recognizable price ramp.
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	n := 180
	ohlc := make([][4]float64, n)
	for i := range ohlc {
		p := 100 + float64(i)*0.1
		ohlc[i] = [4]float64{p, p + 0.05, p - 0.05, p}
	}
	candles := minuteCandles(start, ohlc)

	tenOClock := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	var invocations []time.Time
	strat := strategyFunc(func(c market.Candle, _ int, pos *position.Position, mtf *MultiTimeframeContext) *Signal {
		if pos != nil {
			return nil
		}
		invocations = append(invocations, c.OpenTime)
		if c.OpenTime.Equal(tenOClock) {
			return &Signal{Type: SignalOpenLong}
		}
		return nil
	})

	cfg := Config{
		InitialCapital: 10_000, Leverage: 1,
		SizingMode: SizingPercentEquity, PositionSizeValue: 100,
		SignalTimeframe: market.TF1h,
	}
	res := runEngine(t, cfg, strat, candles)

	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	// The 10:00 HTF candle closes at 11:00; entry fills at the close of the
	// 11:00:00 1m candle.
	elevenClose := candles[120].Close
	if tr.EntryPrice != elevenClose {
		t.Errorf("entry price = %g, want close of 11:00 candle %g", tr.EntryPrice, elevenClose)
	}
	if !tr.EntryTime.Equal(candles[120].CloseTime) {
		t.Errorf("entry time = %v, want %v", tr.EntryTime, candles[120].CloseTime)
	}

	// Only closed HTF candles trigger evaluation: 09:00 (at 10:00) and 10:00
	// (at 11:00). The developing 11:00 window never reaches the strategy.
	for _, ts := range invocations {
		if ts.Minute() != 0 || ts.Hour() > 10 {
			t.Errorf("strategy saw unexpected candle at %v", ts)
		}
	}

	found := false
	for _, ev := range res.Events {
		if ev.Type == EventHTFCandleClosed && ev.Time.Equal(time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)) {
			found = true
		}
	}
	if !found {
		t.Error("expected HTF_CANDLE_CLOSED event at 11:00")
	}
}

func TestExecutionDelayFillsAtLaterClose(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := minuteCandles(start, [][4]float64{
		{100, 100, 100, 100},
		{101, 101, 101, 101},
		{102, 102, 102, 102},
		{103, 103, 103, 103},
	})
	cfg := Config{
		InitialCapital: 10_000, Leverage: 1,
		SizingMode: SizingPercentEquity, PositionSizeValue: 100,
		ExecutionDelayBars: 2,
	}
	strat := scripted(map[int]*Signal{0: {Type: SignalOpenLong}})

	res := runEngine(t, cfg, strat, candles)
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.EntryPrice != 102 {
		t.Errorf("entry = %g, want close of the delayed bar 102", tr.EntryPrice)
	}
	if tr.ExecutionDelaySeconds != 120 {
		t.Errorf("delay = %gs, want 120", tr.ExecutionDelaySeconds)
	}
}

func TestEndOfDataClosesPosition(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := flatCandles(start, 10, 50)
	cfg := Config{
		InitialCapital: 1_000, Leverage: 1,
		SizingMode: SizingPercentEquity, PositionSizeValue: 100,
	}
	strat := scripted(map[int]*Signal{0: {Type: SignalOpenLong}})

	res := runEngine(t, cfg, strat, candles)
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	if res.Trades[0].ExitKind != position.ExitEndOfData {
		t.Errorf("exit kind = %s, want END_OF_DATA", res.Trades[0].ExitKind)
	}
}

func TestCancellationLeavesPositionOpen(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := flatCandles(start, 500, 50)
	cfg := Config{
		RunID:          "cancel-run",
		InitialCapital: 1_000, Leverage: 1,
		SizingMode: SizingPercentEquity, PositionSizeValue: 100,
		RandomSeed: 1,
	}
	strat := scripted(map[int]*Signal{0: {Type: SignalOpenLong}})

	eng := NewEngine(cfg, strat, zerolog.Nop())
	calls := 0
	cancelled := func() bool {
		calls++
		return calls > 2
	}
	res, err := eng.Run(context.Background(), candles, nil, cancelled)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", res.Status)
	}
	if len(res.Trades) != 0 {
		t.Errorf("cancellation must not synthesize a closing trade, got %d", len(res.Trades))
	}
	if !hasEvent(res.Events, EventBacktestCancelled) {
		t.Error("expected BACKTEST_CANCELLED event")
	}
}

func TestFlipReversesDirection(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := flatCandles(start, 6, 100)
	cfg := Config{
		InitialCapital: 10_000, Leverage: 2,
		SizingMode: SizingPercentEquity, PositionSizeValue: 50,
	}
	strat := scripted(map[int]*Signal{
		0: {Type: SignalOpenLong},
		3: {Type: SignalFlipShort},
	})

	res := runEngine(t, cfg, strat, candles)
	if len(res.Trades) != 2 {
		t.Fatalf("trades = %d, want 2 (close + flip close at end)", len(res.Trades))
	}
	if res.Trades[0].Direction != position.Long || res.Trades[1].Direction != position.Short {
		t.Errorf("directions = %s/%s, want LONG then SHORT", res.Trades[0].Direction, res.Trades[1].Direction)
	}
}

func TestMarginTransferReturnsAtClose(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := flatCandles(start, 10, 100)
	cfg := Config{
		InitialCapital: 10_000, Leverage: 2,
		SizingMode: SizingPercentEquity, PositionSizeValue: 50,
	}
	strat := scripted(map[int]*Signal{
		0: {Type: SignalOpenLong},
		2: {Type: SignalUpdateMargin, MarginDelta: 50},
		5: {Type: SignalClosePosition},
	})

	res := runEngine(t, cfg, strat, candles)
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	if !hasEvent(res.Events, EventMarginUpdated) {
		t.Fatal("expected MARGIN_UPDATED event")
	}
	// Flat price, no fees: the transferred 50 must come back with the close.
	if math.Abs(res.FinalEquity-cfg.InitialCapital) > 1e-9 {
		t.Errorf("final equity %g, want %g (transferred margin returned)", res.FinalEquity, cfg.InitialCapital)
	}
}

func TestTrailingStopExit(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := minuteCandles(start, [][4]float64{
		{100, 100, 100, 100},
		{100, 101.5, 100, 101.5},
		{101.5, 103, 101.5, 103},
		{103, 104.5, 103, 104.5}, // trailing ratchets to 104.5*(1-2%) = 102.41
		{104.5, 104.5, 102, 102.3},
	})
	cfg := Config{
		InitialCapital: 10_000, Leverage: 1,
		SizingMode: SizingPercentEquity, PositionSizeValue: 100,
	}
	strat := scripted(map[int]*Signal{
		0: {Type: SignalOpenLong, TrailingStopPercent: 2},
	})

	res := runEngine(t, cfg, strat, candles)
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.ExitKind != position.ExitTrailingStop {
		t.Fatalf("exit kind = %s, want TRAILING_STOP", tr.ExitKind)
	}
	if math.Abs(tr.ExitPrice-102.41) > 1e-9 {
		t.Errorf("exit = %g, want trailing level 102.41", tr.ExitPrice)
	}
	if !hasEvent(res.Events, EventTrailingStopHit) {
		t.Error("expected TRAILING_STOP_HIT event")
	}
}

func TestEquityCurveInvariants(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 300
	ohlc := make([][4]float64, n)
	for i := range ohlc {
		p := 100 + 10*math.Sin(float64(i)/20)
		ohlc[i] = [4]float64{p, p + 1, p - 1, p}
	}
	candles := minuteCandles(start, ohlc)
	cfg := Config{
		InitialCapital: 10_000, Leverage: 3,
		SizingMode: SizingPercentEquity, PositionSizeValue: 50,
	}
	strat := scripted(map[int]*Signal{
		0:   {Type: SignalOpenLong},
		100: {Type: SignalClosePosition},
		150: {Type: SignalOpenShort},
	})

	res := runEngine(t, cfg, strat, candles)
	if len(res.EquityCurve) == 0 {
		t.Fatal("equity curve must not be empty")
	}
	peak := 0.0
	for i, p := range res.EquityCurve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if p.DrawdownPercent > 0 {
			t.Fatalf("point %d: drawdown %g > 0", i, p.DrawdownPercent)
		}
		want := (p.Equity - peak) / peak * 100
		if math.Abs(p.DrawdownPercent-want) > 1e-6 {
			t.Fatalf("point %d: drawdown %g, want %g", i, p.DrawdownPercent, want)
		}
	}

	var net float64
	for _, tr := range res.Trades {
		net += tr.NetPnL
	}
	if math.Abs(res.FinalEquity-(cfg.InitialCapital+net)) > 1e-6 {
		t.Errorf("final equity %g != initial + sum(net) %g", res.FinalEquity, cfg.InitialCapital+net)
	}
}

func containsFold(s, sub string) bool {
	return len(sub) == 0 || len(s) >= len(sub) && indexFold(s, sub) >= 0
}

func indexFold(s, sub string) int {
	lower := func(b byte) byte {
		if b >= 'A' && b <= 'Z' {
			return b + 32
		}
		return b
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		ok := true
		for j := 0; j < len(sub); j++ {
			if lower(s[i+j]) != lower(sub[j]) {
				ok = false
				break
			}
		}
		if ok {
			return i
		}
	}
	return -1
}
