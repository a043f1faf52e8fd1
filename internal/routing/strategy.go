// Package routing turns a set of provider quotes into a single routing
// decision. Everything here is pure: no I/O and no shared mutable state, so a
// Hub is safe to use from many goroutines.
package routing

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/swaprouter/internal/domain"
)

// Strategy is one of the fixed objective functions the hub can route by.
type Strategy string

const (
	BestPrice        Strategy = "BEST_PRICE"
	LowestSlippage   Strategy = "LOWEST_SLIPPAGE"
	HighestLiquidity Strategy = "HIGHEST_LIQUIDITY"
	FastestExecution Strategy = "FASTEST_EXECUTION"
)

// comparator reports whether cand strictly improves on best. Ties keep best, so
// the first quote encountered wins.
type comparator func(cand, best domain.Quote, rank func(provider string) int) bool

type strategyDef struct {
	name        Strategy
	description string
	better      comparator
}

// strategies is the closed strategy table, in presentation order.
var strategies = []strategyDef{
	{
		name:        BestPrice,
		description: "Maximize the output amount received",
		better: func(cand, best domain.Quote, _ func(string) int) bool {
			return cand.OutputAmount > best.OutputAmount
		},
	},
	{
		name:        LowestSlippage,
		description: "Minimize price impact",
		better: func(cand, best domain.Quote, _ func(string) int) bool {
			return cand.Slippage < best.Slippage
		},
	},
	{
		name:        HighestLiquidity,
		description: "Route to the deepest pool",
		better: func(cand, best domain.Quote, _ func(string) int) bool {
			return cand.Liquidity > best.Liquidity
		},
	},
	{
		name:        FastestExecution,
		description: "Prefer the provider with the fastest expected settlement",
		better: func(cand, best domain.Quote, rank func(string) int) bool {
			return rank(cand.Provider) > rank(best.Provider)
		},
	},
}

// StrategyInfo describes a strategy for listing endpoints.
type StrategyInfo struct {
	Name        Strategy `json:"name"`
	Description string   `json:"description"`
}

// ParseStrategy resolves user input to a known strategy. Matching ignores
// case and surrounding whitespace.
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := lookup(s); !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownStrategy, name)
	}
	return s, nil
}

// Strategies lists every supported strategy in a stable order.
func Strategies() []StrategyInfo {
	out := make([]StrategyInfo, 0, len(strategies))
	for _, s := range strategies {
		out = append(out, StrategyInfo{Name: s.name, Description: s.description})
	}
	return out
}

func lookup(s Strategy) (strategyDef, bool) {
	for _, def := range strategies {
		if def.name == s {
			return def, true
		}
	}
	return strategyDef{}, false
}
