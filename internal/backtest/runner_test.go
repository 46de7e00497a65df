package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-backtester/internal/position"
)

func TestRunnerExecutesSubmittedRun(t *testing.T) {
	r := NewRunner(2, zerolog.Nop())
	r.Start(context.Background())
	defer r.Stop()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := flatCandles(start, 120, 100)
	cfg := Config{
		RunID:          "runner-run",
		Symbol:         "BTCUSDT",
		InitialCapital: 1_000, Leverage: 1,
		SizingMode: SizingPercentEquity, PositionSizeValue: 100,
		RandomSeed: 1,
	}
	strat := scripted(map[int]*Signal{0: {Type: SignalOpenLong}})

	done := make(chan *Result, 1)
	err := r.Submit(cfg, strat, candles, Hooks{
		OnFinished: func(res *Result) { done <- res },
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case res := <-done:
		if res.Status != StatusCompleted {
			t.Fatalf("status = %s, want COMPLETED", res.Status)
		}
		if len(res.Trades) != 1 || res.Trades[0].ExitKind != position.ExitEndOfData {
			t.Errorf("expected one END_OF_DATA trade, got %+v", res.Trades)
		}
		if st, ok := r.Status(cfg.RunID); !ok || st != StatusCompleted {
			t.Errorf("tracked status = %s ok=%v, want COMPLETED", st, ok)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish in time")
	}
}

func TestRunnerRejectsDuplicateRunID(t *testing.T) {
	r := NewRunner(1, zerolog.Nop())
	// Not started: jobs stay queued, the second submit must still be rejected.
	defer r.Stop()

	candles := flatCandles(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 10, 100)
	cfg := Config{RunID: "dup", Symbol: "BTCUSDT", InitialCapital: 1000, RandomSeed: 1}
	strat := scripted(nil)

	if err := r.Submit(cfg, strat, candles, Hooks{}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := r.Submit(cfg, strat, candles, Hooks{}); err == nil {
		t.Fatal("duplicate run id must be rejected")
	}
}

func TestRunnerCancelBeforeStart(t *testing.T) {
	r := NewRunner(1, zerolog.Nop())
	candles := flatCandles(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 10, 100)
	cfg := Config{RunID: "pre-cancel", Symbol: "BTCUSDT", InitialCapital: 1000, RandomSeed: 1}

	if err := r.Submit(cfg, scripted(nil), candles, Hooks{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !r.Cancel(cfg.RunID) {
		t.Fatal("cancel of a pending run must succeed")
	}

	r.Start(context.Background())
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := r.Status(cfg.RunID); st == StatusCancelled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := r.Status(cfg.RunID)
	t.Fatalf("status = %s, want CANCELLED", st)
}
