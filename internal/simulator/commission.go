package simulator

import "math"

// CommissionModel selects how the fee on a fill's notional is computed.
type CommissionModel string

const (
	CommissionNone      CommissionModel = "NONE"
	CommissionFixed     CommissionModel = "FIXED"
	CommissionFixedRate CommissionModel = "FIXED_RATE"
	CommissionTiered    CommissionModel = "TIERED"
)

// Tier boundaries for CommissionTiered, in quote-currency notional.
const (
	tieredLowNotional  = 1_000
	tieredHighNotional = 10_000
)

// CommissionCalculator computes the fee for a fill. The engine overrides the
// result with per-trade maker/taker rates before recording a trade.
type CommissionCalculator struct {
	model CommissionModel
	param float64 // flat fee for FIXED, rate percent otherwise
}

// NewCommissionCalculator builds a calculator for the configured model.
func NewCommissionCalculator(model CommissionModel, param float64) *CommissionCalculator {
	return &CommissionCalculator{model: model, param: param}
}

// Calculate returns the fee for a fill with the given notional value.
func (c *CommissionCalculator) Calculate(notional float64) float64 {
	notional = math.Abs(notional)
	switch c.model {
	case CommissionFixed:
		return c.param
	case CommissionFixedRate:
		return notional * c.param / 100
	case CommissionTiered:
		rate := c.param
		switch {
		case notional < tieredLowNotional:
			rate *= 1.5
		case notional < tieredHighNotional:
			// base rate
		default:
			rate *= 0.75
		}
		return notional * rate / 100
	default:
		return 0
	}
}

// RateFee is the maker/taker override: fee = notional * rate.
func RateFee(notional, rate float64) float64 {
	return math.Abs(notional) * rate
}
