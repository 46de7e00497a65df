package backtest

// sizeEntry derives the entry quantity for a signal that did not specify one,
// then caps it so the position's margin requirement fits the available cash.
func sizeEntry(cfg Config, equity, price float64) float64 {
	if price <= 0 || equity <= 0 {
		return 0
	}
	lev := float64(cfg.Leverage)
	if lev < 1 {
		lev = 1
	}

	var qty float64
	switch cfg.SizingMode {
	case SizingFixedSize:
		qty = cfg.PositionSizeValue
	case SizingPercentEquity, SizingRiskAmount:
		qty = equity * (cfg.PositionSizeValue / 100) / price
	default:
		qty = equity / price
	}
	if qty <= 0 {
		return 0
	}

	if qty*price > equity {
		qty = equity / price
	}
	qty *= lev
	if qty*price/lev > equity {
		qty = equity * lev / price
	}
	return qty
}

// capQuantity keeps an explicit signal quantity inside the margin the equity
// can fund.
func capQuantity(cfg Config, qty, equity, price float64) float64 {
	if qty <= 0 || price <= 0 {
		return 0
	}
	lev := float64(cfg.Leverage)
	if lev < 1 {
		lev = 1
	}
	if qty*price/lev > equity {
		qty = equity * lev / price
	}
	return qty
}
