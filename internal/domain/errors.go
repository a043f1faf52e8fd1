package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	ErrValidation          = errors.New("validation error")
	ErrUnknownStrategy     = errors.New("unknown strategy")
	ErrNoQuotes            = errors.New("no quotes")
	ErrNoQuotesForRouting  = errors.New("no quotes for routing")
	ErrInsufficientQuotes  = errors.New("insufficient quotes")
	ErrNoValidRoute        = errors.New("no valid route")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrExecutionFailed     = errors.New("execution failed")
	ErrLookupMiss          = errors.New("job lookup miss")
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrQueueFull           = errors.New("queue full")
	ErrCapacity            = errors.New("order capacity reached")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrValidation, "VALIDATION_ERROR"},
	{ErrUnknownStrategy, "UNKNOWN_STRATEGY"},
	{ErrInsufficientQuotes, "INSUFFICIENT_QUOTES"},
	{ErrNoValidRoute, "NO_VALID_ROUTE"},
	{ErrNoQuotes, "NO_VALID_ROUTE"},
	{ErrNoQuotesForRouting, "NO_VALID_ROUTE"},
	{ErrInsufficientBalance, "INSUFFICIENT_BALANCE"},
	{ErrExecutionFailed, "EXECUTION_FAILED"},
	{ErrLookupMiss, "LOOKUP_MISS"},
	{ErrNotFound, "NOT_FOUND"},
	{ErrUnknownProvider, "UNKNOWN_PROVIDER"},
	{ErrQueueFull, "QUEUE_FULL"},
	{ErrCapacity, "CAPACITY"},
	{ErrRateLimited, "RATE_LIMITED"},
	{ErrUnauthorized, "UNAUTHORIZED"},
}

// ErrorCode maps err to a stable machine-readable code. Unclassified errors
// map to "INTERNAL".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "INTERNAL"
}
