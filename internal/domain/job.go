package domain

import "time"

// JobKind distinguishes quote work from execution work.
type JobKind string

const (
	JobKindQuote   JobKind = "quote"
	JobKindExecute JobKind = "execute"
)

// RetryPolicy bounds the attempts of one job. The delay before attempt n+1 is
// Backoff * 2^(n-1), capped by the dispatcher's maximum backoff.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// JobPayload carries the provider call arguments. Quote is set only for
// execution jobs.
type JobPayload struct {
	Pair      string
	Amount    float64
	WalletRef string
	Quote     *Quote
}

// Job is a unit of dispatched work, owned by the dispatcher until it reaches
// a terminal state.
type Job struct {
	ID         string
	Kind       JobKind
	Provider   string
	OrderID    string
	Payload    JobPayload
	Attempts   int
	Policy     RetryPolicy
	EnqueuedAt time.Time
}

// JobResult is the successful output of a job. Exactly one field is set,
// matching the job kind.
type JobResult struct {
	Quote     *Quote
	Execution *ExecutionResult
}
