package strategy

import (
	"fmt"
	"sort"
	"sync"

	"futures-backtester/internal/backtest"
)

// Params carries strategy tuning knobs from a run request. Missing keys fall
// back to the strategy's defaults.
type Params map[string]float64

// Float reads a parameter with a default.
func (p Params) Float(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Int reads an integer parameter with a default.
func (p Params) Int(key string, def int) int {
	if v, ok := p[key]; ok {
		return int(v)
	}
	return def
}

// Factory builds a strategy instance from request params.
type Factory func(params Params) (backtest.Strategy, error)

// Info describes a registered strategy for listing endpoints.
type Info struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
	infos      = map[string]Info{}
)

// Register adds a strategy factory under an id. Later registrations replace
// earlier ones.
func Register(id, description string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[id] = factory
	infos[id] = Info{ID: id, Description: description}
}

// New resolves a strategy id to a fresh instance. Instances hold per-run
// indicator state and must not be reused across runs.
func New(id string, params Params) (backtest.Strategy, error) {
	registryMu.RLock()
	factory, ok := registry[id]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", id)
	}
	return factory(params)
}

// List returns registered strategies sorted by id.
func List() []Info {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Info, 0, len(infos))
	for _, info := range infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func init() {
	Register("ma_cross", "SMA crossover, long on golden cross, flips on death cross", func(p Params) (backtest.Strategy, error) {
		return NewMACross(
			p.Int("fast", 9),
			p.Int("slow", 21),
			p.Float("stop_loss_roe", 0),
			p.Float("take_profit_roe", 0),
		)
	})
	Register("rsi_reversion", "Fades RSI extremes, exits at the midline", func(p Params) (backtest.Strategy, error) {
		return NewRSIReversion(
			p.Int("period", 14),
			p.Float("oversold", 30),
			p.Float("overbought", 70),
		)
	})
	Register("breakout", "Long on close above the rolling lookback high", func(p Params) (backtest.Strategy, error) {
		return NewBreakout(
			p.Int("lookback", 60),
			p.Float("stop_loss_roe", 0),
			p.Float("take_profit_roe", 0),
			p.Float("trailing_stop_percent", 0),
		)
	})
}
