package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	gwRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spendgate",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Total gateway completion requests by outcome.",
	}, []string{"outcome"}) // "success", "unauthorized", "inactive", "policy_blocked", "budget_blocked", "insufficient_credits", "no_pricing", "provider_error", "provider_unavailable", "invalid_request", "internal_error"

	gwRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "spendgate",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "End-to-end gateway request latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	gwProviderLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spendgate",
		Subsystem: "gateway",
		Name:      "provider_latency_seconds",
		Help:      "Upstream provider call latency in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"provider"})

	gwCreditsCharged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spendgate",
		Subsystem: "gateway",
		Name:      "credits_charged_total",
		Help:      "Total credits charged through the gateway by provider.",
	}, []string{"provider"})

	gwTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spendgate",
		Subsystem: "gateway",
		Name:      "tokens_total",
		Help:      "Total tokens metered through the gateway by provider and direction.",
	}, []string{"provider", "direction"}) // "input", "output"

	gwSettlementsUncharged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spendgate",
		Subsystem: "gateway",
		Name:      "settlements_uncharged_total",
		Help:      "Provider calls that settled without a charge because the balance could not cover them.",
	})

	gwSelfServiceRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spendgate",
		Subsystem: "gateway",
		Name:      "selfservice_requests_total",
		Help:      "Total self-service reads by endpoint and outcome.",
	}, []string{"endpoint", "outcome"}) // endpoint: "models", "balance", "usage", "policy"
)

func init() {
	prometheus.MustRegister(
		gwRequests,
		gwRequestDuration,
		gwProviderLatency,
		gwCreditsCharged,
		gwTokens,
		gwSettlementsUncharged,
		gwSelfServiceRequests,
	)
}
