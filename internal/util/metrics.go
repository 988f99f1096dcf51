package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_submitted_total",
		Help: "Total number of orders accepted by the submission endpoint",
	})

	OrdersIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_ingested_total",
		Help: "Total number of ingestion attempts by outcome",
	}, []string{"status"})

	DedupStoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dedup_store_latency_seconds",
		Help:    "Latency of dedup store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	DedupCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dedup_cache_hits_total",
		Help: "Total number of existence checks answered by the redis marker",
	})

	MalformedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "malformed_events_total",
		Help: "Total number of events that could not be decoded or validated",
	}, []string{"component"})

	WindowsEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aggregator_windows_emitted_total",
		Help: "Total number of finalized window counts published",
	})

	WindowEmissionsSuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aggregator_emissions_suppressed_total",
		Help: "Total number of closed windows not re-emitted because the ledger already held them",
	})

	LateEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aggregator_late_events_total",
		Help: "Total number of events dropped because their window had already closed",
	}, []string{"reason"})

	OpenWindows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aggregator_open_windows",
		Help: "Number of open windows per partition",
	}, []string{"partition"})

	PublishRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_retries_total",
		Help: "Total number of retried publish attempts",
	}, []string{"topic"})

	HandlerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_handler_retries_total",
		Help: "Total number of message handler retries",
	}, []string{"topic"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
