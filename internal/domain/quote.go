package domain

import "time"

// Quote is a provider's price for a pair and amount. Quotes are values and
// are never mutated once produced.
type Quote struct {
	Provider     string    `json:"provider"`
	Price        float64   `json:"price"`
	OutputAmount float64   `json:"output_amount"`
	Slippage     float64   `json:"slippage"`
	Liquidity    float64   `json:"liquidity"`
	Fee          float64   `json:"fee"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Valid reports whether the quote can take part in routing.
func (q Quote) Valid() bool {
	return q.Provider != "" && q.OutputAmount > 0
}

// QuoteRequest asks a provider for a quote.
type QuoteRequest struct {
	OrderID string  `json:"order_id"`
	Pair    string  `json:"pair"`
	Amount  float64 `json:"amount"`
}

// ExecutionRequest asks a provider to execute against its own quote.
type ExecutionRequest struct {
	OrderID   string  `json:"order_id"`
	Pair      string  `json:"pair"`
	Amount    float64 `json:"amount"`
	WalletRef string  `json:"wallet"`
	Quote     Quote   `json:"quote"`
}

// ExecutionResult is what a provider reports after executing a trade.
type ExecutionResult struct {
	Success       bool          `json:"success"`
	TxHash        string        `json:"tx_hash"`
	Provider      string        `json:"provider"`
	ExecutedPrice float64       `json:"executed_price"`
	OutputAmount  float64       `json:"output_amount"`
	ExecutionTime time.Duration `json:"execution_time_ns"`
}

// Confirmed reports whether the result carries both the success flag and a
// transaction handle.
func (r ExecutionResult) Confirmed() bool {
	return r.Success && r.TxHash != ""
}
