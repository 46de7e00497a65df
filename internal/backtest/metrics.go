package backtest

import (
	"math"

	"futures-backtester/internal/position"
)

const (
	riskFreeRate    = 2.0 // annual percent
	tradingDaysYear = 252.0
)

// PerformanceMetrics summarizes a finished run.
type PerformanceMetrics struct {
	TotalTrades           int     `json:"total_trades"`
	WinningTrades         int     `json:"winning_trades"`
	LosingTrades          int     `json:"losing_trades"`
	WinRate               float64 `json:"win_rate"`
	TotalReturn           float64 `json:"total_return"`
	AnnualReturn          float64 `json:"annual_return"`
	CAGR                  float64 `json:"cagr"`
	TotalPnL              float64 `json:"total_pnl"`
	GrossProfit           float64 `json:"gross_profit"`
	GrossLoss             float64 `json:"gross_loss"`
	ProfitFactor          float64 `json:"profit_factor"`
	AverageWin            float64 `json:"average_win"`
	AverageLoss           float64 `json:"average_loss"`
	PayoffRatio           float64 `json:"payoff_ratio"`
	ExpectedValue         float64 `json:"expected_value"`
	MaxDrawdown           float64 `json:"max_drawdown"`
	MaxDrawdownDuration   int     `json:"max_drawdown_duration"`
	Volatility            float64 `json:"volatility"`
	DownsideDeviation     float64 `json:"downside_deviation"`
	SharpeRatio           float64 `json:"sharpe_ratio"`
	SortinoRatio          float64 `json:"sortino_ratio"`
	CalmarRatio           float64 `json:"calmar_ratio"`
	MaxConsecutiveWins    int     `json:"max_consecutive_wins"`
	MaxConsecutiveLosses  int     `json:"max_consecutive_losses"`
	AverageExposurePct    float64 `json:"average_exposure_percent"`
	RiskOfRuin            float64 `json:"risk_of_ruin"`
	TotalCommission       float64 `json:"total_commission"`
	TotalSlippage         float64 `json:"total_slippage"`
	TotalFunding          float64 `json:"total_funding"`
	AverageTradeDuration  float64 `json:"average_trade_duration_seconds"`
	LargestWin            float64 `json:"largest_win"`
	LargestLoss           float64 `json:"largest_loss"`
}

// CalculateMetrics derives performance metrics from trades ordered by exit
// time and the equity curve. Empty input yields a zero struct.
func CalculateMetrics(trades []position.Trade, curve []EquityPoint, initialCapital, durationDays float64) PerformanceMetrics {
	var m PerformanceMetrics
	if len(trades) == 0 && len(curve) == 0 {
		return m
	}

	finalEquity := initialCapital
	if len(curve) > 0 {
		finalEquity = curve[len(curve)-1].Equity
	}
	if initialCapital > 0 {
		m.TotalReturn = (finalEquity - initialCapital) / initialCapital * 100
	}
	if durationDays > 0 {
		m.AnnualReturn = m.TotalReturn / (durationDays / 365.25)
		years := durationDays / 365.25
		if years > 0 && initialCapital > 0 && finalEquity > 0 {
			m.CAGR = (math.Pow(finalEquity/initialCapital, 1/years) - 1) * 100
		}
	}

	m.Volatility, m.DownsideDeviation = curveDeviations(curve)
	m.MaxDrawdown, m.MaxDrawdownDuration = curveDrawdown(curve)

	if m.Volatility > 0 {
		m.SharpeRatio = (m.AnnualReturn - riskFreeRate) / m.Volatility
	}
	if m.DownsideDeviation > 0 {
		m.SortinoRatio = (m.AnnualReturn - riskFreeRate) / m.DownsideDeviation
	}
	if m.MaxDrawdown > 0 {
		m.CalmarRatio = m.AnnualReturn / m.MaxDrawdown
	}

	m.TotalTrades = len(trades)
	var consecWins, consecLosses int
	var totalDuration float64
	for _, t := range trades {
		m.TotalPnL += t.NetPnL
		m.TotalCommission += t.EntryCommission + t.ExitCommission
		m.TotalSlippage += t.EntrySlippage + t.ExitSlippage
		m.TotalFunding += t.FundingFee
		totalDuration += t.DurationSeconds()

		if t.IsWinner() {
			m.WinningTrades++
			m.GrossProfit += t.GrossPnL
			consecWins++
			consecLosses = 0
			if consecWins > m.MaxConsecutiveWins {
				m.MaxConsecutiveWins = consecWins
			}
			if t.NetPnL > m.LargestWin {
				m.LargestWin = t.NetPnL
			}
		} else {
			m.LosingTrades++
			m.GrossLoss += math.Abs(t.GrossPnL)
			consecLosses++
			consecWins = 0
			if consecLosses > m.MaxConsecutiveLosses {
				m.MaxConsecutiveLosses = consecLosses
			}
			if t.NetPnL < m.LargestLoss {
				m.LargestLoss = t.NetPnL
			}
		}
	}

	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
		m.AverageTradeDuration = totalDuration / float64(m.TotalTrades)
	}
	if m.GrossLoss > 0 {
		m.ProfitFactor = m.GrossProfit / m.GrossLoss
	}
	if m.WinningTrades > 0 {
		m.AverageWin = m.GrossProfit / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = m.GrossLoss / float64(m.LosingTrades)
	}
	if m.AverageLoss > 0 {
		m.PayoffRatio = m.AverageWin / m.AverageLoss
	}
	if m.TotalTrades > 0 {
		pWin := float64(m.WinningTrades) / float64(m.TotalTrades)
		pLoss := 1 - pWin
		m.ExpectedValue = pWin*m.AverageWin - pLoss*m.AverageLoss
	}
	if durationDays > 0 {
		m.AverageExposurePct = totalDuration / (durationDays * 86400) * 100
	}
	m.RiskOfRuin = riskOfRuin(m.WinRate, m.PayoffRatio)
	return m
}

// curveDeviations returns annualized volatility and downside deviation of
// point-to-point returns, in percent.
func curveDeviations(curve []EquityPoint) (vol, downside float64) {
	if len(curve) < 2 {
		return 0, 0
	}
	returns := make([]float64, 0, len(curve)-1)
	var negatives []float64
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		r := (curve[i].Equity - prev) / prev
		returns = append(returns, r)
		if r < 0 {
			negatives = append(negatives, r)
		}
	}
	annualize := math.Sqrt(tradingDaysYear) * 100
	return stdev(returns) * annualize, stdev(negatives) * annualize
}

// curveDrawdown returns the worst drawdown percent and the number of points
// spent under water.
func curveDrawdown(curve []EquityPoint) (maxDD float64, duration int) {
	peak := 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak == 0 {
			continue
		}
		dd := (peak - p.Equity) / peak * 100
		if dd > maxDD {
			maxDD = dd
		}
		if dd > 0 {
			duration++
		}
	}
	return maxDD, duration
}

func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// riskOfRuin is a coarse gambler's-ruin estimate from win rate and payoff.
func riskOfRuin(winRate, payoff float64) float64 {
	if winRate <= 0 || payoff <= 0 {
		return 100
	}
	if payoff == 1 {
		return 50
	}
	pWin := winRate / 100
	pLoss := 1 - pWin
	ruin := math.Pow(pLoss/pWin, payoff) * 100
	if ruin > 100 {
		return 100
	}
	return ruin
}
