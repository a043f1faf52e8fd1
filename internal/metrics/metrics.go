// Package metrics holds the Prometheus collectors shared by the orchestrator,
// the dispatcher and the routing path.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var OrdersCreated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swaprouter_orders_created_total",
		Help: "orders accepted by the orchestrator",
	}, []string{"strategy"})

var OrdersFinished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swaprouter_orders_finished_total",
		Help: "orders that reached a terminal stage",
	}, []string{"stage", "code"})

var OrdersInFlight = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "swaprouter_orders_in_flight",
		Help: "orders currently held by the orchestrator",
	})

var QuoteOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swaprouter_quote_outcomes_total",
		Help: "quote job outcomes per provider",
	}, []string{"provider", "outcome"})

var RoutingDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swaprouter_routing_decisions_total",
		Help: "routing decisions per strategy and selected provider",
	}, []string{"strategy", "provider", "trigger"})

var ExecutionLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "swaprouter_order_execution_seconds",
		Help:    "time from order creation to completion",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
	}, []string{"provider"})

var DispatchAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swaprouter_dispatch_attempts_total",
		Help: "provider call attempts made by dispatch workers",
	}, []string{"provider", "kind", "result"})

var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "swaprouter_dispatch_queue_depth",
		Help: "jobs waiting in a provider queue",
	}, []string{"provider"})

var EventsDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "swaprouter_events_dropped_total",
		Help: "order events dropped because the publisher buffer was full",
	})

var HTTPRequests = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "swaprouter_http_request_seconds",
		Help:    "HTTP request latency by route pattern and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(route string, status int, d time.Duration) {
	HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Observe(d.Seconds())
}

func init() {
	prometheus.MustRegister(
		OrdersCreated,
		OrdersFinished,
		OrdersInFlight,
		QuoteOutcomes,
		RoutingDecisions,
		ExecutionLatency,
		DispatchAttempts,
		QueueDepth,
		EventsDropped,
		HTTPRequests,
	)
}
