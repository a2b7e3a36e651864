// Package metrics exposes Prometheus instrumentation for the engine.
// The teacher has no metrics package; this one is new, grounded on
// chidi150c-coinbase's metrics.go — one package-level registry of
// vectors, registered in init, served over /metrics by whatever HTTP
// mux the caller runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ScansTotal counts scanner passes by trigger source: "immediate" for
	// a synchronous per-update scan, "debounced" for one fired after the
	// coalescing window elapses, "manual" for an externally-triggered
	// scan (TriggerScan).
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triangle_scans_total",
			Help: "Scanner passes, by trigger source (immediate|debounced|manual).",
		},
		[]string{"trigger"},
	)

	// DirtyPairsDroppedTotal counts dirty-pair notifications dropped
	// because the debounce window was already pending.
	DirtyPairsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "triangle_dirty_pairs_dropped_total",
			Help: "Dirty-pair notifications coalesced into an already-pending scan.",
		},
	)

	// OpportunitiesFoundTotal counts opportunities surfaced by a DFS
	// cycle enumeration pass, split by whether they cleared the
	// profitability gate.
	OpportunitiesFoundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triangle_opportunities_found_total",
			Help: "Opportunities enumerated by a scan, by profitability.",
		},
		[]string{"profitable"},
	)

	// BestOpportunityProfitPct is the most recent best net-profit
	// percentage observed, whether or not it was executed.
	BestOpportunityProfitPct = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "triangle_best_opportunity_profit_pct",
			Help: "Net profit percentage of the best opportunity from the most recent scan.",
		},
	)

	// TradesTotal counts completed trade attempts by terminal status.
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triangle_trades_total",
			Help: "Trade attempts by terminal status (completed|failed|partial).",
		},
		[]string{"status"},
	)

	// TradePnLUSD is a histogram of realized per-trade profit/loss in
	// USD, letting a dashboard distinguish a few large losses from many
	// small ones.
	TradePnLUSD = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "triangle_trade_pnl_usd",
			Help:    "Realized per-trade profit/loss in USD.",
			Buckets: []float64{-50, -20, -10, -5, -1, 0, 1, 5, 10, 20, 50},
		},
	)

	// CircuitBreakerTripsTotal counts circuit-breaker trips by reason
	// bucket (daily-loss|total-loss|manual), recorded by
	// guard.Guard.TripCircuitBreaker.
	CircuitBreakerTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triangle_circuit_breaker_trips_total",
			Help: "Circuit breaker trips, by reason (daily-loss|total-loss|manual).",
		},
		[]string{"reason"},
	)

	// GraphEdgesSkippedTotal mirrors graph.HealthStats: a point-in-time
	// snapshot of pairs excluded from the graph by validity gate, polled
	// after each graph.Graph.UpdateHealth call rather than incremented
	// per event. A Gauge, not a Counter, since UpdateHealth reports an
	// absolute count each time, not a delta.
	GraphEdgesSkippedTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "triangle_graph_edges_skipped",
			Help: "Graph edges currently skipped, by exclusion reason (no_price|no_book|thin_depth|stale|bad_spread).",
		},
		[]string{"reason"},
	)

	// HotPathStageDurationSeconds times each stage of hftloop.Loop's
	// hot path, labeled "scan" (graph.ScanFirst's DFS cycle enumeration)
	// and "execute" (Executor.ExecuteOpportunity, which itself covers
	// the pre-trade slippage gate and leg placement), so a regression in
	// one stage is visible independently of the other.
	HotPathStageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "triangle_hot_path_stage_duration_seconds",
			Help:    "Duration of each hot-path stage (scan|execute).",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14), // 50µs .. ~400ms
		},
		[]string{"stage"},
	)

	// ExecutionLegDurationSeconds times a single executed leg
	// round-trip (REST AddOrder through fill resolution).
	ExecutionLegDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "triangle_execution_leg_duration_seconds",
			Help:    "Duration of a single executed leg, from order placement to fill resolution.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		},
	)
)

func init() {
	prometheus.MustRegister(
		ScansTotal,
		DirtyPairsDroppedTotal,
		OpportunitiesFoundTotal,
		BestOpportunityProfitPct,
		TradesTotal,
		TradePnLUSD,
		CircuitBreakerTripsTotal,
		GraphEdgesSkippedTotal,
		HotPathStageDurationSeconds,
		ExecutionLegDurationSeconds,
	)
}
