// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksTotal counts rebalance ticks by outcome:
	// noop, planned, resumed, skipped or error.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalancer_ticks_total",
		Help: "Rebalance ticks by outcome.",
	}, []string{"outcome"})

	// OperationsTotal counts operations reaching a terminal status.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebalancer_operations_total",
		Help: "Rebalance operations by terminal status.",
	}, []string{"status"})

	// LastSurplusUSD is the combined USD surplus observed by the last plan.
	LastSurplusUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rebalancer_last_surplus_usd",
		Help: "Combined USD surplus over both thresholds at the last plan.",
	})

	// MonitorPolls tracks how many status polls a bridge transfer needed
	// before reaching a terminal state.
	MonitorPolls = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rebalancer_monitor_polls",
		Help:    "Status polls per bridge transfer until a terminal state.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	})
)
