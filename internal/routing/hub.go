package routing

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/swaprouter/internal/domain"
)

const (
	// SlippageWarnThreshold is the slippage above which a quote is flagged.
	SlippageWarnThreshold = 10.0
	// LiquidityWarnThreshold is the liquidity below which a quote is flagged.
	LiquidityWarnThreshold = 100_000.0
)

// Hub selects and analyzes routes. It holds only immutable configuration.
type Hub struct {
	speedRank       map[string]int
	defaultStrategy Strategy
}

// NewHub creates a Hub. speedRank lists providers from fastest to slowest;
// providers missing from the list rank below all listed ones.
func NewHub(speedRank []string, defaultStrategy Strategy) *Hub {
	rank := make(map[string]int, len(speedRank))
	for i, p := range speedRank {
		if _, dup := rank[p]; !dup {
			rank[p] = len(speedRank) - i
		}
	}
	if _, ok := lookup(defaultStrategy); !ok {
		defaultStrategy = BestPrice
	}
	return &Hub{speedRank: rank, defaultStrategy: defaultStrategy}
}

// DefaultStrategy returns the strategy used when a caller names none.
func (h *Hub) DefaultStrategy() Strategy {
	return h.defaultStrategy
}

// Rank returns the speed rank of provider. Unranked providers return 0.
func (h *Hub) Rank(provider string) int {
	return h.speedRank[provider]
}

// Validate splits quotes into the usable subset and a list of non-fatal
// warnings. It fails with ErrNoQuotes on empty input and with ErrNoValidRoute
// when no quote survives.
func (h *Hub) Validate(quotes []domain.Quote) ([]domain.Quote, []string, error) {
	if len(quotes) == 0 {
		return nil, nil, domain.ErrNoQuotes
	}

	valid := make([]domain.Quote, 0, len(quotes))
	var warnings []string
	for i, q := range quotes {
		if q.Provider == "" {
			warnings = append(warnings, fmt.Sprintf("quote %d: missing provider", i))
			continue
		}
		if q.OutputAmount <= 0 {
			warnings = append(warnings, fmt.Sprintf("%s: invalid output amount %g", q.Provider, q.OutputAmount))
			continue
		}
		if q.Slippage > SlippageWarnThreshold {
			warnings = append(warnings, fmt.Sprintf("%s: high slippage %.2f", q.Provider, q.Slippage))
		}
		if q.Liquidity < LiquidityWarnThreshold {
			warnings = append(warnings, fmt.Sprintf("%s: low liquidity %.0f", q.Provider, q.Liquidity))
		}
		valid = append(valid, q)
	}

	if len(valid) == 0 {
		return nil, warnings, fmt.Errorf("%w: all %d quotes invalid", domain.ErrNoValidRoute, len(quotes))
	}
	return valid, warnings, nil
}

// Select picks one quote under strategy and then narrows the choice with
// prefs. Each preference filter runs on the candidates left by the previous
// one and is skipped when it would leave nothing. Select is deterministic for
// a given input.
func (h *Hub) Select(quotes []domain.Quote, strategy Strategy, prefs domain.Preferences) (domain.Quote, error) {
	if len(quotes) == 0 {
		return domain.Quote{}, domain.ErrNoQuotesForRouting
	}
	def, ok := lookup(strategy)
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: %q", domain.ErrUnknownStrategy, strategy)
	}

	candidates := quotes
	best := h.reduce(candidates, def.better)

	filters := []func(domain.Quote) bool{}
	if len(prefs.ExcludeProviders) > 0 {
		excluded := make(map[string]bool, len(prefs.ExcludeProviders))
		for _, p := range prefs.ExcludeProviders {
			excluded[p] = true
		}
		filters = append(filters, func(q domain.Quote) bool { return !excluded[q.Provider] })
	}
	if prefs.MinLiquidity > 0 {
		filters = append(filters, func(q domain.Quote) bool { return q.Liquidity >= prefs.MinLiquidity })
	}
	if prefs.MaxSlippage > 0 {
		filters = append(filters, func(q domain.Quote) bool { return q.Slippage <= prefs.MaxSlippage })
	}

	for _, keep := range filters {
		narrowed := filter(candidates, keep)
		if len(narrowed) == 0 {
			continue
		}
		candidates = narrowed
		best = h.reduce(candidates, def.better)
	}
	return best, nil
}

// Analyze computes the winner under every strategy and market-wide
// aggregates. It returns a zero analysis for an empty slice.
func (h *Hub) Analyze(quotes []domain.Quote) domain.RouteAnalysis {
	a := domain.RouteAnalysis{QuoteCount: len(quotes)}
	if len(quotes) == 0 {
		return a
	}

	for _, def := range strategies {
		a.Winners = append(a.Winners, domain.StrategyPick{
			Strategy: string(def.name),
			Quote:    h.reduce(quotes, def.better),
		})
	}

	minPrice, maxPrice := math.Inf(1), math.Inf(-1)
	a.BestOutput, a.WorstOutput = math.Inf(-1), math.Inf(1)
	var priceSum, slippageSum float64
	for _, q := range quotes {
		minPrice = math.Min(minPrice, q.Price)
		maxPrice = math.Max(maxPrice, q.Price)
		a.BestOutput = math.Max(a.BestOutput, q.OutputAmount)
		a.WorstOutput = math.Min(a.WorstOutput, q.OutputAmount)
		priceSum += q.Price
		slippageSum += q.Slippage
		a.TotalLiquidity += q.Liquidity
	}
	n := float64(len(quotes))
	a.PriceSpread = maxPrice - minPrice
	if minPrice > 0 {
		a.SpreadPercent = a.PriceSpread / minPrice * 100
	}
	a.AveragePrice = priceSum / n
	a.AverageSlippage = slippageSum / n
	return a
}

// Route runs validate, select and analyze as one step. The strategy name is
// parsed here so callers can pass user input straight through.
func (h *Hub) Route(quotes []domain.Quote, strategyName string, prefs domain.Preferences) (domain.RouteDecision, error) {
	strategy := h.defaultStrategy
	if strategyName != "" {
		s, err := ParseStrategy(strategyName)
		if err != nil {
			return domain.RouteDecision{}, err
		}
		strategy = s
	}

	valid, warnings, err := h.Validate(quotes)
	if err != nil {
		return domain.RouteDecision{Strategy: string(strategy), Warnings: warnings}, err
	}
	selected, err := h.Select(valid, strategy, prefs)
	if err != nil {
		return domain.RouteDecision{Strategy: string(strategy), Warnings: warnings}, err
	}
	return domain.RouteDecision{
		Strategy: string(strategy),
		Selected: selected,
		Warnings: warnings,
		Analysis: h.Analyze(valid),
	}, nil
}

func (h *Hub) reduce(quotes []domain.Quote, better comparator) domain.Quote {
	best := quotes[0]
	for _, q := range quotes[1:] {
		if better(q, best, h.Rank) {
			best = q
		}
	}
	return best
}

func filter(quotes []domain.Quote, keep func(domain.Quote) bool) []domain.Quote {
	var out []domain.Quote
	for _, q := range quotes {
		if keep(q) {
			out = append(out, q)
		}
	}
	return out
}
