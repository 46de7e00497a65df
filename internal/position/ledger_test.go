package position

import (
	"math"
	"testing"
	"time"
)

func openLong(t *testing.T, l *Ledger, qty, price, margin float64, lev int) *Position {
	t.Helper()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	pos, err := l.Open(OpenParams{
		Symbol:     "BTCUSDT",
		Direction:  Long,
		Quantity:   qty,
		FillPrice:  price,
		Leverage:   lev,
		Margin:     margin,
		SignalTime: ts,
		FillTime:   ts.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return pos
}

func TestOpenRejectsSecondPosition(t *testing.T) {
	l := NewLedger()
	openLong(t, l, 1, 100, 10, 10)
	if _, err := l.Open(OpenParams{Symbol: "BTCUSDT", Direction: Short, Quantity: 1, FillPrice: 100}); err == nil {
		t.Fatal("second open must fail while a position is held")
	}
}

func TestScaleInMovesAverageEntry(t *testing.T) {
	l := NewLedger()
	openLong(t, l, 1, 100, 10, 10)
	if err := l.ScaleIn(110, 1, 11, 0.5, 0); err != nil {
		t.Fatalf("scale in: %v", err)
	}
	p := l.Current()
	if p.Quantity != 2 {
		t.Errorf("quantity = %g, want 2", p.Quantity)
	}
	if p.AvgEntryPrice != 105 {
		t.Errorf("avg entry = %g, want 105", p.AvgEntryPrice)
	}
	if p.IsolatedMargin != 21 {
		t.Errorf("margin = %g, want 21", p.IsolatedMargin)
	}
	if p.InitialEntryPrice != 100 || p.InitialQuantity != 1 {
		t.Errorf("initial entry must be preserved, got %g @ %g", p.InitialQuantity, p.InitialEntryPrice)
	}
}

func TestPartialCloseReleasesProportionally(t *testing.T) {
	l := NewLedger()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := l.Open(OpenParams{
		Symbol: "ETHUSDT", Direction: Long, Quantity: 2, FillPrice: 100,
		Leverage: 10, Margin: 200, Commission: 4,
		SignalTime: ts, FillTime: ts,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l.AccrueFunding(1)

	trade, err := l.PartialClose(110, 1, ts.Add(time.Hour), 0.5, 0, "scale out")
	if err != nil {
		t.Fatalf("partial close: %v", err)
	}
	if trade.GrossPnL != 10 {
		t.Errorf("gross = %g, want 10", trade.GrossPnL)
	}
	// net = 10 - 2 (half entry commission) - 0.5 exit - 0.5 funding
	if math.Abs(trade.NetPnL-7) > 1e-9 {
		t.Errorf("net = %g, want 7", trade.NetPnL)
	}

	p := l.Current()
	if p.Quantity != 1 || p.IsolatedMargin != 100 {
		t.Errorf("remaining qty %g margin %g, want 1 and 100", p.Quantity, p.IsolatedMargin)
	}
	if p.EntryCommission != 2 || math.Abs(p.AccumulatedFunding-0.5) > 1e-9 {
		t.Errorf("remaining entry commission %g funding %g, want 2 and 0.5", p.EntryCommission, p.AccumulatedFunding)
	}
}

func TestCloseRealizesNetAndROE(t *testing.T) {
	l := NewLedger()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := l.Open(OpenParams{
		Symbol: "BTCUSDT", Direction: Long, Quantity: 1, FillPrice: 100,
		Leverage: 5, Margin: 20, Commission: 1,
		SignalTime: ts, FillTime: ts,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l.AccrueFunding(0.5)

	trade, err := l.Close(110, ts.Add(2*time.Hour), ExitSignal, "strategy exit", 1, 0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if trade.GrossPnL != 10 {
		t.Errorf("gross = %g, want 10", trade.GrossPnL)
	}
	if math.Abs(trade.NetPnL-7.5) > 1e-9 {
		t.Errorf("net = %g, want 7.5", trade.NetPnL)
	}
	if math.Abs(trade.PnLPercent-37.5) > 1e-9 {
		t.Errorf("pnl percent = %g, want 37.5", trade.PnLPercent)
	}
	if l.HasPosition() {
		t.Error("ledger must be flat after close")
	}
}

func TestCloseChargesSlippageBothLegs(t *testing.T) {
	l := NewLedger()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	// Fill shifted 0.5 against the order on 10 units: 5 charged as entry
	// slippage on top of the worse fill price.
	_, err := l.Open(OpenParams{
		Symbol: "BTCUSDT", Direction: Long, Quantity: 10, FillPrice: 100.5,
		Leverage: 10, Margin: 100.5, Slippage: 5,
		SignalTime: ts, FillTime: ts,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	trade, err := l.Close(100, ts.Add(time.Hour), ExitSignal, "strategy exit", 0, 2)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if math.Abs(trade.GrossPnL-(-5)) > 1e-9 {
		t.Errorf("gross = %g, want -5", trade.GrossPnL)
	}
	// net = -5 gross - 5 entry slippage - 2 exit slippage
	if math.Abs(trade.NetPnL-(-12)) > 1e-9 {
		t.Errorf("net = %g, want -12", trade.NetPnL)
	}
	costs := trade.EntryCommission + trade.EntrySlippage + trade.ExitCommission + trade.ExitSlippage + trade.FundingFee
	if math.Abs(trade.GrossPnL-costs-trade.NetPnL) > 1e-9 {
		t.Errorf("net identity violated: gross %g costs %g net %g", trade.GrossPnL, costs, trade.NetPnL)
	}
}

func TestShortPnLSign(t *testing.T) {
	l := NewLedger()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := l.Open(OpenParams{
		Symbol: "BTCUSDT", Direction: Short, Quantity: 2, FillPrice: 100,
		Leverage: 10, Margin: 20, SignalTime: ts, FillTime: ts,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	trade, err := l.Close(95, ts.Add(time.Hour), ExitSignal, "", 0, 0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if trade.GrossPnL != 10 {
		t.Errorf("short gross = %g, want 10", trade.GrossPnL)
	}
}

func TestTrailingStopRatchet(t *testing.T) {
	l := NewLedger()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := l.Open(OpenParams{
		Symbol: "BTCUSDT", Direction: Long, Quantity: 1, FillPrice: 100,
		Leverage: 10, Margin: 10, TrailingStopPercent: 2,
		SignalTime: ts, FillTime: ts,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if got := l.UpdateTrailing(100, 99); math.Abs(got-98) > 1e-9 {
		t.Errorf("stop = %g, want 98", got)
	}
	if got := l.UpdateTrailing(105, 101); math.Abs(got-102.9) > 1e-9 {
		t.Errorf("stop = %g, want 102.9", got)
	}
	// Price retreats: the stop must not loosen.
	if got := l.UpdateTrailing(103, 100); math.Abs(got-102.9) > 1e-9 {
		t.Errorf("stop = %g after retreat, want 102.9", got)
	}
}

func TestExtremesTrackedAsROE(t *testing.T) {
	l := NewLedger()
	openLong(t, l, 1, 100, 10, 10)

	l.UpdateExtremes(102, 97)
	p := l.Current()
	if math.Abs(p.MaxRunupROE-20) > 1e-9 {
		t.Errorf("MFE = %g, want 20", p.MaxRunupROE)
	}
	if math.Abs(p.MaxDrawdownROE-(-30)) > 1e-9 {
		t.Errorf("MAE = %g, want -30", p.MaxDrawdownROE)
	}

	// Only new extremes move the markers.
	l.UpdateExtremes(103, 99)
	if math.Abs(p.MaxRunupROE-30) > 1e-9 {
		t.Errorf("MFE = %g after new high, want 30", p.MaxRunupROE)
	}
	if math.Abs(p.MaxDrawdownROE-(-30)) > 1e-9 {
		t.Errorf("MAE = %g must hold at -30", p.MaxDrawdownROE)
	}
}

func TestLiquidationPrice(t *testing.T) {
	l := NewLedger()
	openLong(t, l, 1, 100, 10, 10)
	if got := l.Current().LiquidationPrice(); math.Abs(got-90.5) > 1e-9 {
		t.Errorf("long liq = %g, want 90.5", got)
	}

	s := NewLedger()
	ts := time.Now().UTC()
	_, err := s.Open(OpenParams{
		Symbol: "BTCUSDT", Direction: Short, Quantity: 1, FillPrice: 100,
		Leverage: 10, Margin: 10, SignalTime: ts, FillTime: ts,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := s.Current().LiquidationPrice(); math.Abs(got-109.5) > 1e-9 {
		t.Errorf("short liq = %g, want 109.5", got)
	}
}

func TestROELevelConversion(t *testing.T) {
	if got := StopLossFromROE(100, 10, 5, Long); got != 98 {
		t.Errorf("long SL = %g, want 98", got)
	}
	if got := TakeProfitFromROE(100, 10, 5, Long); got != 102 {
		t.Errorf("long TP = %g, want 102", got)
	}
	if got := StopLossFromROE(100, 10, 5, Short); got != 102 {
		t.Errorf("short SL = %g, want 102", got)
	}
	if got := TakeProfitFromROE(100, 10, 5, Short); got != 98 {
		t.Errorf("short TP = %g, want 98", got)
	}
}

func TestTakeProfitExitBooksMakerFee(t *testing.T) {
	l := NewLedger()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := l.Open(OpenParams{
		Symbol: "BTCUSDT", Direction: Long, Quantity: 1, FillPrice: 100,
		Leverage: 10, Margin: 10, Commission: 0.4,
		SignalTime: ts, FillTime: ts,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	trade, err := l.Close(105, ts.Add(time.Hour), ExitTakeProfit, "take profit", 0.2, 0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if math.Abs(trade.MakerFee-0.2) > 1e-9 {
		t.Errorf("maker fee = %g, want 0.2", trade.MakerFee)
	}
	if math.Abs(trade.TakerFee-0.4) > 1e-9 {
		t.Errorf("taker fee = %g, want 0.4", trade.TakerFee)
	}
}
