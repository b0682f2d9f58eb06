// Package metrics exposes the run's prometheus instrumentation and a
// background sampler for gauges that must be polled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DecisionsTotal counts verdicts by franchise and source
	// (rules, cache, model, fallback).
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "auction_decisions_total"},
		[]string{"franchise", "source"},
	)

	// BidsTotal counts verdicts by outcome.
	BidsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "auction_bids_total"},
		[]string{"franchise", "outcome"}, // bid | pass
	)

	// RestartsTotal counts agent restarts.
	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "auction_agent_restarts_total"},
		[]string{"franchise"},
	)

	// UnhealthyTotal counts unhealthy flags raised by the monitor.
	UnhealthyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "auction_agent_unhealthy_total"},
		[]string{"franchise"},
	)

	// InferenceErrors counts inference failures by kind
	// (timeout, unavailable, malformed).
	InferenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "auction_inference_errors_total"},
		[]string{"kind"},
	)

	// InferenceDuration tracks end-to-end inference latency, queueing
	// included.
	InferenceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "auction_inference_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})

	// QueueDepth and QueueActive mirror the inference queue stats.
	QueueDepth  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "auction_queue_depth"})
	QueueActive = prometheus.NewGauge(prometheus.GaugeOpts{Name: "auction_queue_active"})

	// PoolOccupancy is the browser pool's active lease count.
	PoolOccupancy = prometheus.NewGauge(prometheus.GaugeOpts{Name: "auction_pool_occupancy"})

	// AgentsRunning is the number of workers currently in running status.
	AgentsRunning = prometheus.NewGauge(prometheus.GaugeOpts{Name: "auction_agents_running"})

	// Process self-observation, sampled by the performance loop.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{Name: "auction_goroutines"})
	HeapAllocBytes = prometheus.NewGauge(prometheus.GaugeOpts{Name: "auction_heap_alloc_bytes"})
)

func init() {
	prometheus.MustRegister(
		DecisionsTotal, BidsTotal, RestartsTotal, UnhealthyTotal,
		InferenceErrors, InferenceDuration,
		QueueDepth, QueueActive, PoolOccupancy, AgentsRunning,
		GoroutineCount, HeapAllocBytes,
	)
}
