package domain

import "time"

// EventType names an order progress event.
type EventType string

const (
	EventConnectionAck   EventType = "connection_ack"
	EventSnapshot        EventType = "snapshot"
	EventOrderCreated    EventType = "order_created"
	EventQuoteReceived   EventType = "quote_received"
	EventQuoteFailed     EventType = "quote_failed"
	EventRoutingWarnings EventType = "routing_warnings"
	EventRoutingAnalysis EventType = "routing_analysis"
	EventOrderExecuting  EventType = "order_executing"
	EventOrderCompleted  EventType = "order_completed"
	EventOrderFailed     EventType = "order_failed"
	EventStreamClosed    EventType = "stream_closed"
	EventError           EventType = "error"
)

// Terminal reports whether the event ends an order.
func (t EventType) Terminal() bool {
	return t == EventOrderCompleted || t == EventOrderFailed
}

// OrderEvent is one progress message for an order.
type OrderEvent struct {
	Type      EventType `json:"type"`
	OrderID   string    `json:"order_id"`
	Stage     Stage     `json:"stage,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// QuoteProgress is the payload of quote_received and quote_failed.
type QuoteProgress struct {
	Provider string `json:"provider"`
	Quote    *Quote `json:"quote,omitempty"`
	Error    string `json:"error,omitempty"`
	Received int    `json:"received"`
	Expected int    `json:"expected"`
}

// OrderOutcome is the payload of order_completed and order_failed.
type OrderOutcome struct {
	Provider      string           `json:"provider,omitempty"`
	Result        *ExecutionResult `json:"result,omitempty"`
	ExecutionTime time.Duration    `json:"execution_time_ns,omitempty"`
	Code          string           `json:"code,omitempty"`
	Reason        string           `json:"reason,omitempty"`
}
