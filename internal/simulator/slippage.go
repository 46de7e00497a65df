// Package simulator converts proposed orders and a candle's OHLC into fills
// or rejections under configurable slippage, commission and fill policies.
package simulator

import (
	"math"
	"math/rand"
)

// SlippageModel selects how slippage is computed for market fills.
type SlippageModel string

const (
	SlippageNone        SlippageModel = "NONE"
	SlippageFixed       SlippageModel = "FIXED"
	SlippagePercentage  SlippageModel = "PERCENTAGE"
	SlippageVolumeBased SlippageModel = "VOLUME_BASED"
	SlippageRandom      SlippageModel = "RANDOM"
)

// SlippageCalculator produces a positive slippage magnitude; the caller applies
// the sign for the order side. Limit fills bypass it entirely.
type SlippageCalculator struct {
	model SlippageModel
	param float64 // absolute amount for FIXED, percent otherwise
	rng   *rand.Rand
}

// NewSlippageCalculator builds a calculator. rng may be nil for models that do
// not need randomness; a seeded source keeps runs reproducible.
func NewSlippageCalculator(model SlippageModel, param float64, rng *rand.Rand) *SlippageCalculator {
	return &SlippageCalculator{model: model, param: param, rng: rng}
}

// Calculate returns the slippage magnitude for an execution at price.
func (s *SlippageCalculator) Calculate(price float64) float64 {
	switch s.model {
	case SlippageFixed:
		return math.Abs(s.param)
	case SlippagePercentage:
		return math.Abs(price * s.param / 100)
	case SlippageVolumeBased:
		// Percentage model scaled by a uniform factor in [0.5, 1.5].
		factor := 1.0
		if s.rng != nil {
			factor = 0.5 + s.rng.Float64()
		}
		return math.Abs(price*s.param/100) * factor
	case SlippageRandom:
		if s.rng == nil {
			return 0
		}
		return s.rng.Float64() * math.Abs(price*s.param/100)
	default:
		return 0
	}
}

// ApplySlippage shifts price adversely for the side: LONG entries fill higher,
// SHORT entries fill lower.
func ApplySlippage(price, slippage float64, long bool) float64 {
	if long {
		return price + slippage
	}
	return price - slippage
}
