package simulator

import (
	"math/rand"
	"time"

	"futures-backtester/internal/market"
)

// MarketFillPolicy picks the base execution price for market orders.
type MarketFillPolicy string

const (
	MarketFillClose MarketFillPolicy = "close"
	MarketFillLow   MarketFillPolicy = "low"
	MarketFillHigh  MarketFillPolicy = "high"
)

// LimitFillPolicy decides when a touched limit level counts as filled.
type LimitFillPolicy string

const (
	LimitFillTouch       LimitFillPolicy = "touch"
	LimitFillCross       LimitFillPolicy = "cross"
	LimitFillCrossVolume LimitFillPolicy = "cross_volume"
)

// Fill-condition labels recorded on each fill.
const (
	CondTouch          = "touch"
	CondCross          = "cross"
	CondGapFavorable   = "gap_favorable"
	CondMarket         = "market"
	CondPriceImproved  = "price_improved"
)

// OrderFill is the result of a simulated execution. FilledQuantity == 0 means
// the order did not fill.
type OrderFill struct {
	FilledPrice       float64
	FilledQuantity    float64
	Commission        float64
	Slippage          float64
	FillTime          time.Time
	FillConditionsMet []string
}

// Filled reports whether the order executed.
func (f OrderFill) Filled() bool { return f.FilledQuantity > 0 }

// Config holds the fill-policy knobs frozen at run start.
type Config struct {
	MarketFillPolicy MarketFillPolicy
	LimitFillPolicy  LimitFillPolicy
	SlippageModel    SlippageModel
	SlippageParam    float64
	CommissionModel  CommissionModel
	CommissionParam  float64
	UseBidAskSpread  bool
	SpreadPercent    float64
}

// Simulator applies the configured fill policies to proposed orders.
type Simulator struct {
	cfg        Config
	slippage   *SlippageCalculator
	commission *CommissionCalculator
}

// New creates a simulator. rng seeds the randomized slippage models.
func New(cfg Config, rng *rand.Rand) *Simulator {
	if cfg.MarketFillPolicy == "" {
		cfg.MarketFillPolicy = MarketFillClose
	}
	if cfg.LimitFillPolicy == "" {
		cfg.LimitFillPolicy = LimitFillTouch
	}
	return &Simulator{
		cfg:        cfg,
		slippage:   NewSlippageCalculator(cfg.SlippageModel, cfg.SlippageParam, rng),
		commission: NewCommissionCalculator(cfg.CommissionModel, cfg.CommissionParam),
	}
}

// Commission exposes the configured fee model for exits priced outside the
// entry simulation path.
func (s *Simulator) Commission(notional float64) float64 {
	return s.commission.Calculate(notional)
}

// SimulateLongEntry fills a buy of quantity against the candle. A nil
// limitPrice means a market order at the policy's base price.
func (s *Simulator) SimulateLongEntry(quantity, currentPrice float64, candle market.Candle, ts time.Time, limitPrice *float64) OrderFill {
	if limitPrice != nil {
		return s.simulateLimit(quantity, candle, ts, *limitPrice, true)
	}
	return s.simulateMarket(quantity, currentPrice, candle, ts, true)
}

// SimulateShortEntry fills a sell of quantity against the candle.
func (s *Simulator) SimulateShortEntry(quantity, currentPrice float64, candle market.Candle, ts time.Time, limitPrice *float64) OrderFill {
	if limitPrice != nil {
		return s.simulateLimit(quantity, candle, ts, *limitPrice, false)
	}
	return s.simulateMarket(quantity, currentPrice, candle, ts, false)
}

func (s *Simulator) simulateMarket(quantity, currentPrice float64, candle market.Candle, ts time.Time, long bool) OrderFill {
	base := currentPrice
	switch s.cfg.MarketFillPolicy {
	case MarketFillLow:
		base = candle.Low
	case MarketFillHigh:
		base = candle.High
	}

	if s.cfg.UseBidAskSpread {
		half := base * s.cfg.SpreadPercent / 100 / 2
		if long {
			base += half
		} else {
			base -= half
		}
	}

	slip := s.slippage.Calculate(base)
	price := ApplySlippage(base, slip, long)
	commission := s.commission.Calculate(price * quantity)

	return OrderFill{
		FilledPrice:       price,
		FilledQuantity:    quantity,
		Commission:        commission,
		Slippage:          slip * quantity,
		FillTime:          ts,
		FillConditionsMet: []string{CondMarket},
	}
}

// simulateLimit runs the gap / touch / cross gates for a limit at level L.
func (s *Simulator) simulateLimit(quantity float64, candle market.Candle, ts time.Time, limit float64, long bool) OrderFill {
	// Gap check: the candle never reached the level from the favorable side.
	if long {
		if candle.Open > limit && candle.Low > limit {
			return OrderFill{}
		}
	} else {
		if candle.Open < limit && candle.High < limit {
			return OrderFill{}
		}
	}

	// Touch check.
	touched := (long && candle.Low <= limit) || (!long && candle.High >= limit)
	if !touched {
		return OrderFill{}
	}
	conditions := []string{CondTouch}

	// Favorable gap: the candle opened already past the level.
	gapped := (long && candle.Open <= limit) || (!long && candle.Open >= limit)

	if s.cfg.LimitFillPolicy == LimitFillCross || s.cfg.LimitFillPolicy == LimitFillCrossVolume {
		crossed := (long && candle.Open > limit && candle.Low <= limit) ||
			(!long && candle.Open < limit && candle.High >= limit)
		if !crossed && !gapped {
			return OrderFill{}
		}
		if crossed {
			conditions = append(conditions, CondCross)
		}
		if gapped {
			conditions = append(conditions, CondGapFavorable)
		}
	}

	price := limit
	if gapped && (s.cfg.LimitFillPolicy == LimitFillCross || s.cfg.LimitFillPolicy == LimitFillCrossVolume) {
		// Price improvement: open was already on the favorable side.
		price = candle.Open
		conditions = append(conditions, CondPriceImproved)
	}

	return OrderFill{
		FilledPrice:       price,
		FilledQuantity:    quantity,
		Commission:        s.commission.Calculate(price * quantity),
		Slippage:          0,
		FillTime:          ts,
		FillConditionsMet: conditions,
	}
}
