package domain

// StrategyPick is the winner of one strategy in an analysis.
type StrategyPick struct {
	Strategy string `json:"strategy"`
	Quote    Quote  `json:"quote"`
}

// RouteAnalysis summarizes a quote set under every supported strategy.
type RouteAnalysis struct {
	Winners         []StrategyPick `json:"winners"`
	QuoteCount      int            `json:"quote_count"`
	PriceSpread     float64        `json:"price_spread"`
	SpreadPercent   float64        `json:"spread_percent"`
	AveragePrice    float64        `json:"average_price"`
	BestOutput      float64        `json:"best_output"`
	WorstOutput     float64        `json:"worst_output"`
	AverageSlippage float64        `json:"average_slippage"`
	TotalLiquidity  float64        `json:"total_liquidity"`
}

// RouteDecision is the routing hub's answer for one order.
type RouteDecision struct {
	Strategy string        `json:"strategy"`
	Selected Quote         `json:"selected"`
	Warnings []string      `json:"warnings,omitempty"`
	Analysis RouteAnalysis `json:"analysis"`
}
