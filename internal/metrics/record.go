package metrics

import "github.com/kraken-arb/triangle-engine/pkg/types"

// RecordTrade folds a finished trade result into the trade-outcome
// counters and PnL histogram. Safe to call from any goroutine.
func RecordTrade(result types.TradeResult) {
	status := "failed"
	switch result.Status {
	case types.StatusCompleted, types.StatusResolved:
		status = "completed"
	case types.StatusPartial:
		status = "partial"
	}
	TradesTotal.WithLabelValues(status).Inc()

	profit, _ := result.ProfitAmount.Float64()
	TradePnLUSD.Observe(profit)
}

// RecordCircuitBreakerTrip increments the trip counter under a coarse
// reason bucket so labels stay low-cardinality even though breaker
// reasons are free-text.
func RecordCircuitBreakerTrip(bucket string) {
	CircuitBreakerTripsTotal.WithLabelValues(bucket).Inc()
}
