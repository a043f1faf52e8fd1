package domain

import (
	"fmt"
	"strings"
	"time"
)

// Stage tracks the order lifecycle.
type Stage string

const (
	StageQuoting   Stage = "QUOTING"
	StageRouting   Stage = "ROUTING"
	StageExecuting Stage = "EXECUTING"
	StageCompleted Stage = "COMPLETED"
	StageFailed    Stage = "FAILED"
)

var stageRank = map[Stage]int{
	StageQuoting:   0,
	StageRouting:   1,
	StageExecuting: 2,
	StageCompleted: 3,
	StageFailed:    3,
}

// Terminal reports whether s is COMPLETED or FAILED.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// CanAdvanceTo reports whether moving from s to next keeps the lifecycle
// monotonic. Terminal stages are absorbing. FAILED is reachable from every
// non-terminal stage.
func (s Stage) CanAdvanceTo(next Stage) bool {
	if s.Terminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	cur, ok1 := stageRank[s]
	nxt, ok2 := stageRank[next]
	return ok1 && ok2 && nxt > cur
}

// Preferences narrows the candidate quotes after the base strategy has picked
// a winner. Zero values mean "not set".
type Preferences struct {
	ExcludeProviders []string `json:"exclude_providers,omitempty"`
	MinLiquidity     float64  `json:"min_liquidity,omitempty"`
	MaxSlippage      float64  `json:"max_slippage,omitempty"`
}

// OrderRequest is the caller's trade intent as accepted by the orchestrator.
type OrderRequest struct {
	Pair        string      `json:"pair"`
	Amount      float64     `json:"amount"`
	Strategy    string      `json:"strategy"`
	Preferences Preferences `json:"preferences"`
	WalletRef   string      `json:"wallet"`
}

// Order is one in-flight trade intent owned by the orchestrator.
type Order struct {
	ID          string
	Pair        string
	InputAmount float64
	Strategy    string
	Preferences Preferences
	WalletRef   string
	Stage       Stage
	StartTime   time.Time
	// QuoteJobs maps a dispatched quote job id to its target provider.
	QuoteJobs      map[string]string
	ExecutionJobID string
	FailureCode    string
	FailureReason  string
	UpdatedAt      time.Time
}

// SplitPair splits a pair such as "ETH/USDC" into its base and quote assets.
func SplitPair(pair string) (base, quote string, err error) {
	parts := strings.Split(pair, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: pair %q must look like BASE/QUOTE", ErrValidation, pair)
	}
	base = strings.TrimSpace(parts[0])
	quote = strings.TrimSpace(parts[1])
	if base == "" || quote == "" {
		return "", "", fmt.Errorf("%w: pair %q has an empty asset", ErrValidation, pair)
	}
	if strings.EqualFold(base, quote) {
		return "", "", fmt.Errorf("%w: pair %q trades an asset against itself", ErrValidation, pair)
	}
	return strings.ToUpper(base), strings.ToUpper(quote), nil
}

// OrderSnapshot is the queryable view of an order.
type OrderSnapshot struct {
	OrderID     string           `json:"order_id"`
	Pair        string           `json:"pair"`
	Amount      float64          `json:"amount"`
	Strategy    string           `json:"strategy"`
	Preferences Preferences      `json:"preferences"`
	Stage       Stage            `json:"stage"`
	Expected    int              `json:"expected_quotes"`
	Received    int              `json:"received_quotes"`
	Quotes      []Quote          `json:"quotes"`
	Selected    *Quote           `json:"selected,omitempty"`
	Result      *ExecutionResult `json:"result,omitempty"`
	ErrorCode   string           `json:"error_code,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// OrderRecord is the durable summary of a terminal order.
type OrderRecord struct {
	OrderID        string        `json:"order_id"`
	Pair           string        `json:"pair"`
	InputAmount    float64       `json:"input_amount"`
	Strategy       string        `json:"strategy"`
	WalletRef      string        `json:"wallet"`
	Stage          Stage         `json:"stage"`
	Provider       string        `json:"provider,omitempty"`
	OutputAmount   float64       `json:"output_amount,omitempty"`
	TxHash         string        `json:"tx_hash,omitempty"`
	FailureCode    string        `json:"failure_code,omitempty"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	QuotesExpected int           `json:"quotes_expected"`
	QuotesReceived int           `json:"quotes_received"`
	ExecutionTime  time.Duration `json:"execution_time_ns"`
	CreatedAt      time.Time     `json:"created_at"`
	FinishedAt     time.Time     `json:"finished_at"`
}
