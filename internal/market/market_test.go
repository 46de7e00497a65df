package market

import (
	"testing"
	"time"
)

func minuteCandles(start time.Time, n int, price float64) []Candle {
	candles := make([]Candle, n)
	for i := 0; i < n; i++ {
		t := start.Add(time.Duration(i) * time.Minute)
		candles[i] = Candle{
			OpenTime:  t,
			CloseTime: t.Add(time.Minute),
			Open:      price + float64(i),
			High:      price + float64(i) + 2,
			Low:       price + float64(i) - 2,
			Close:     price + float64(i) + 1,
			Volume:    10,
		}
	}
	return candles
}

func TestCandleValidate(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		candle  Candle
		wantErr bool
	}{
		{
			name:   "valid",
			candle: Candle{OpenTime: base, CloseTime: base.Add(time.Minute), Open: 100, High: 110, Low: 99, Close: 105, Volume: 1},
		},
		{
			name:    "low above open",
			candle:  Candle{OpenTime: base, CloseTime: base.Add(time.Minute), Open: 100, High: 110, Low: 101, Close: 105, Volume: 1},
			wantErr: true,
		},
		{
			name:    "high below close",
			candle:  Candle{OpenTime: base, CloseTime: base.Add(time.Minute), Open: 100, High: 104, Low: 99, Close: 105, Volume: 1},
			wantErr: true,
		},
		{
			name:    "zero price",
			candle:  Candle{OpenTime: base, CloseTime: base.Add(time.Minute), Open: 0, High: 110, Low: 99, Close: 105, Volume: 1},
			wantErr: true,
		},
		{
			name:    "negative volume",
			candle:  Candle{OpenTime: base, CloseTime: base.Add(time.Minute), Open: 100, High: 110, Low: 99, Close: 105, Volume: -1},
			wantErr: true,
		},
		{
			name:    "open time after close time",
			candle:  Candle{OpenTime: base.Add(time.Minute), CloseTime: base, Open: 100, High: 110, Low: 99, Close: 105, Volume: 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.candle.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResampleOneMinuteIsIdentity(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	candles := minuteCandles(start, 5, 100)

	out, err := Resample(candles, TF1m)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if len(out) != len(candles) {
		t.Fatalf("expected %d candles, got %d", len(candles), len(out))
	}
	for i := range out {
		if !out[i].OpenTime.Equal(candles[i].OpenTime) {
			t.Errorf("candle %d: open time %v != %v", i, out[i].OpenTime, candles[i].OpenTime)
		}
		if out[i].Open != candles[i].Open || out[i].Close != candles[i].Close ||
			out[i].High != candles[i].High || out[i].Low != candles[i].Low ||
			out[i].Volume != candles[i].Volume {
			t.Errorf("candle %d: OHLCV changed by 1m resample", i)
		}
	}
}

func TestResampleHourly(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	candles := minuteCandles(start, 120, 100)

	out, err := Resample(candles, TF1h)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 hourly candles, got %d", len(out))
	}

	first := out[0]
	if !first.OpenTime.Equal(start) {
		t.Errorf("window start = %v, want %v", first.OpenTime, start)
	}
	if first.Open != candles[0].Open {
		t.Errorf("open = %g, want first candle's open %g", first.Open, candles[0].Open)
	}
	if first.Close != candles[59].Close {
		t.Errorf("close = %g, want last candle's close %g", first.Close, candles[59].Close)
	}
	// Highest of candles 0..59 is price+59+2, lowest is price-2.
	if first.High != 161 {
		t.Errorf("high = %g, want 161", first.High)
	}
	if first.Low != 98 {
		t.Errorf("low = %g, want 98", first.Low)
	}
	if first.Volume != 600 {
		t.Errorf("volume = %g, want 600", first.Volume)
	}
}

func TestWindowBoundaryAlignment(t *testing.T) {
	// A candle whose unix time is a multiple of the period must open a window.
	for _, tf := range []Timeframe{TF5m, TF15m, TF1h, TF4h, TF1d} {
		minutes, err := tf.Minutes()
		if err != nil {
			t.Fatalf("%s: %v", tf, err)
		}
		boundary := time.Unix(int64(minutes)*60*12345, 0).UTC()
		ws, err := tf.WindowStart(boundary)
		if err != nil {
			t.Fatalf("%s: %v", tf, err)
		}
		if !ws.Equal(boundary) {
			t.Errorf("%s: WindowStart(%v) = %v, want identity at boundary", tf, boundary, ws)
		}
	}
}

func TestNextWindowCandles(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	candles := minuteCandles(start, 180, 100) // 09:00 - 11:59

	r, err := NewResampler(candles, TF1h)
	if err != nil {
		t.Fatalf("NewResampler: %v", err)
	}

	tenAM := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	next := r.NextWindowCandles(tenAM)
	if len(next) != 60 {
		t.Fatalf("expected 60 candles in next window, got %d", len(next))
	}
	if !next[0].OpenTime.Equal(time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)) {
		t.Errorf("next window starts at %v, want 11:00", next[0].OpenTime)
	}
}

func TestDetectGaps(t *testing.T) {
	day := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	at := func(m int) time.Time { return day.Add(time.Duration(m) * time.Minute) }

	c := func(m int) Candle {
		return Candle{OpenTime: at(m), CloseTime: at(m + 1), Open: 100, High: 101, Low: 99, Close: 100, Volume: 1}
	}

	// Candles at 10:00, 10:01, 10:03 over [10:00, 10:05).
	gaps, err := DetectGaps([]Candle{c(0), c(1), c(3)}, at(0), at(5), TF1m)
	if err != nil {
		t.Fatalf("DetectGaps: %v", err)
	}
	want := []Gap{
		{Start: at(2), End: at(3)},
		{Start: at(4), End: at(5)},
	}
	if len(gaps) != len(want) {
		t.Fatalf("got %d gaps, want %d: %+v", len(gaps), len(want), gaps)
	}
	for i := range want {
		if !gaps[i].Start.Equal(want[i].Start) || !gaps[i].End.Equal(want[i].End) {
			t.Errorf("gap %d = [%v, %v), want [%v, %v)", i, gaps[i].Start, gaps[i].End, want[i].Start, want[i].End)
		}
	}
}

func TestDetectGapsEmptyInput(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	gaps, err := DetectGaps(nil, start, end, TF1m)
	if err != nil {
		t.Fatalf("DetectGaps: %v", err)
	}
	if len(gaps) != 1 || !gaps[0].Start.Equal(start) || !gaps[0].End.Equal(end) {
		t.Fatalf("expected single full-range gap, got %+v", gaps)
	}
}

func TestDetectGapsRoundTrip(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := minuteCandles(start, 60, 100)

	gaps, err := DetectGaps(candles, start, start.Add(time.Hour), TF1m)
	if err != nil {
		t.Fatalf("DetectGaps: %v", err)
	}
	if len(gaps) != 0 {
		t.Fatalf("complete series should have no gaps, got %+v", gaps)
	}
}
