// Package metrics exposes the gateway's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts chat requests by terminal outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Chat requests handled, labeled by outcome.",
	}, []string{"outcome"})

	// CacheHits counts response cache hits.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_cache_hits_total",
		Help: "Non-streaming requests served from the response cache.",
	})

	// RateLimited counts rejected admissions.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limited_total",
		Help: "Requests rejected by the sliding-window rate limiter.",
	})

	// UpstreamLatency observes upstream call duration in seconds.
	UpstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_upstream_latency_seconds",
		Help:    "Latency of upstream provider calls.",
		Buckets: prometheus.DefBuckets,
	})

	// UpstreamFailures counts upstream errors by kind.
	UpstreamFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_failures_total",
		Help: "Upstream call failures, labeled by kind.",
	}, []string{"kind"})
)
