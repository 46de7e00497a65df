package strategy

import (
	"math"
	"testing"
	"time"

	"futures-backtester/internal/backtest"
	"futures-backtester/internal/market"
	"futures-backtester/internal/position"
)

func candlesFromCloses(closes []float64) []market.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		t := start.Add(time.Duration(i) * time.Minute)
		out[i] = market.Candle{
			OpenTime:  t,
			CloseTime: t.Add(time.Minute),
			Open:      c,
			High:      c * 1.001,
			Low:       c * 0.999,
			Close:     c,
			Volume:    10,
		}
	}
	return out
}

func TestSMASeries(t *testing.T) {
	candles := candlesFromCloses([]float64{1, 2, 3, 4, 5})
	sma := SMASeries(candles, 3)

	if !math.IsNaN(sma[0]) || !math.IsNaN(sma[1]) {
		t.Error("warmup entries must be NaN")
	}
	if sma[2] != 2 || sma[3] != 3 || sma[4] != 4 {
		t.Errorf("sma = %v", sma[2:])
	}
}

func TestRSISeriesBounds(t *testing.T) {
	closes := make([]float64, 50)
	price := 100.0
	for i := range closes {
		if i%3 == 0 {
			price *= 1.01
		} else {
			price *= 0.998
		}
		closes[i] = price
	}
	rsi := RSISeries(candlesFromCloses(closes), 14)
	for i := 14; i < len(rsi); i++ {
		if rsi[i] < 0 || rsi[i] > 100 {
			t.Fatalf("rsi[%d] = %v out of bounds", i, rsi[i])
		}
	}
}

func TestRSISeriesAllGainsIs100(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	rsi := RSISeries(candlesFromCloses(closes), 14)
	if rsi[19] != 100 {
		t.Errorf("rsi on pure uptrend = %v, want 100", rsi[19])
	}
}

func TestRollingHighExcludesCurrent(t *testing.T) {
	candles := candlesFromCloses([]float64{10, 20, 15, 30, 12})
	highs := RollingHigh(candles, 3)
	// At idx 3 the window is candles 0..2, top high = 20*1.001.
	want := 20 * 1.001
	if math.Abs(highs[3]-want) > 1e-9 {
		t.Errorf("highs[3] = %v, want %v", highs[3], want)
	}
}

func TestMACrossSignals(t *testing.T) {
	// Downtrend then sharp uptrend forces a golden cross.
	closes := make([]float64, 0, 60)
	price := 100.0
	for i := 0; i < 30; i++ {
		price -= 0.5
		closes = append(closes, price)
	}
	for i := 0; i < 30; i++ {
		price += 2
		closes = append(closes, price)
	}
	candles := candlesFromCloses(closes)

	s, err := NewMACross(3, 8, 50, 100)
	if err != nil {
		t.Fatal(err)
	}
	s.PreCalculate(candles)

	var got *backtest.Signal
	for i, c := range candles {
		if sig := s.OnBar(c, i, nil, nil); sig != nil {
			got = sig
			break
		}
	}
	if got == nil {
		t.Fatal("no signal emitted")
	}
	if got.Type != backtest.SignalOpenLong && got.Type != backtest.SignalOpenShort {
		t.Errorf("unexpected signal type %s", got.Type)
	}
	if got.StopLossPercent != 50 || got.TakeProfitPercent != 100 {
		t.Errorf("ROE levels not propagated: %+v", got)
	}
}

func TestMACrossFlipsOpenPosition(t *testing.T) {
	// Uptrend then collapse forces a death cross against a long position.
	closes := make([]float64, 0, 60)
	price := 100.0
	for i := 0; i < 30; i++ {
		price += 1
		closes = append(closes, price)
	}
	for i := 0; i < 30; i++ {
		price -= 3
		closes = append(closes, price)
	}
	candles := candlesFromCloses(closes)

	s, err := NewMACross(3, 8, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	s.PreCalculate(candles)

	pos := &position.Position{Direction: position.Long}
	for i, c := range candles[30:] {
		if sig := s.OnBar(c, 30+i, pos, nil); sig != nil {
			if sig.Type != backtest.SignalFlipShort {
				t.Fatalf("signal type = %s, want %s", sig.Type, backtest.SignalFlipShort)
			}
			return
		}
	}
	t.Fatal("no flip signal during collapse")
}

func TestMACrossRejectsBadPeriods(t *testing.T) {
	if _, err := NewMACross(21, 9, 0, 0); err == nil {
		t.Error("fast >= slow must be rejected")
	}
	if _, err := NewMACross(0, 9, 0, 0); err == nil {
		t.Error("zero fast must be rejected")
	}
}

func TestRSIReversionEntriesAndExit(t *testing.T) {
	s, err := NewRSIReversion(14, 30, 70)
	if err != nil {
		t.Fatal(err)
	}

	// Force the series directly to avoid hand-tuning price paths.
	s.rsi = []float64{math.NaN(), 25, 45, 55}

	c := candlesFromCloses([]float64{100, 100, 100, 100})
	if sig := s.OnBar(c[1], 1, nil, nil); sig == nil || sig.Type != backtest.SignalOpenLong {
		t.Errorf("oversold bar: got %+v", sig)
	}
	pos := &position.Position{Direction: position.Long}
	if sig := s.OnBar(c[2], 2, pos, nil); sig != nil {
		t.Errorf("mid-band bar with long: got %+v", sig)
	}
	if sig := s.OnBar(c[3], 3, pos, nil); sig == nil || sig.Type != backtest.SignalClosePosition {
		t.Errorf("midline crossed: got %+v", sig)
	}
}

func TestBreakoutEmitsLong(t *testing.T) {
	closes := []float64{100, 100, 100, 100, 100, 110}
	candles := candlesFromCloses(closes)

	s, err := NewBreakout(4, 0, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	s.PreCalculate(candles)

	sig := s.OnBar(candles[5], 5, nil, nil)
	if sig == nil || sig.Type != backtest.SignalOpenLong {
		t.Fatalf("breakout bar: got %+v", sig)
	}
	if sig.TrailingStopPercent != 2 {
		t.Errorf("trailing percent not propagated: %+v", sig)
	}

	// With a position open the strategy stays quiet.
	if s.OnBar(candles[5], 5, &position.Position{Direction: position.Long}, nil) != nil {
		t.Error("breakout signalled with open position")
	}
}

func TestRegistryResolvesBuiltins(t *testing.T) {
	for _, id := range []string{"ma_cross", "rsi_reversion", "breakout"} {
		s, err := New(id, nil)
		if err != nil {
			t.Errorf("New(%q): %v", id, err)
			continue
		}
		if s == nil {
			t.Errorf("New(%q) returned nil strategy", id)
		}
	}
	if _, err := New("nope", nil); err == nil {
		t.Error("unknown id must error")
	}
	if len(List()) < 3 {
		t.Errorf("List() = %d entries, want >= 3", len(List()))
	}
}

func TestRegistryParamValidation(t *testing.T) {
	if _, err := New("ma_cross", Params{"fast": 50, "slow": 10}); err == nil {
		t.Error("inverted periods must be rejected")
	}
	if _, err := New("rsi_reversion", Params{"oversold": 80, "overbought": 20}); err == nil {
		t.Error("inverted levels must be rejected")
	}
}
