package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// routedTotal counts routing outcomes.
	// Labels: platform, outcome (success, policy_denied, circuit_open, delivery_failed)
	routedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaymesh",
		Subsystem: "router",
		Name:      "routed_total",
		Help:      "Routing outcomes by platform",
	}, []string{"platform", "outcome"})

	// deliveryLatency measures adapter delivery time, successful attempts only.
	// Labels: platform
	deliveryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relaymesh",
		Subsystem: "router",
		Name:      "delivery_seconds",
		Help:      "Adapter delivery latency in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"platform"})

	// deliveryRetries counts retry attempts beyond the first.
	// Labels: platform
	deliveryRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaymesh",
		Subsystem: "router",
		Name:      "delivery_retries_total",
		Help:      "Delivery retry attempts by platform",
	}, []string{"platform"})

	// breakerRejections counts calls refused fail-fast by an open breaker.
	// Labels: route_key
	breakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relaymesh",
		Subsystem: "router",
		Name:      "breaker_rejections_total",
		Help:      "Calls refused by an open circuit breaker",
	}, []string{"route_key"})
)
