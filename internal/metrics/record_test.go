package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/kraken-arb/triangle-engine/pkg/types"
)

func TestRecordTradeIncrementsCompletedCounter(t *testing.T) {
	before := testutil.ToFloat64(TradesTotal.WithLabelValues("completed"))

	RecordTrade(types.TradeResult{Status: types.StatusCompleted, ProfitAmount: decimal.NewFromFloat(2.5)})

	after := testutil.ToFloat64(TradesTotal.WithLabelValues("completed"))
	if after != before+1 {
		t.Errorf("completed counter = %v, want %v", after, before+1)
	}
}

func TestRecordTradePartialStatusUsesPartialBucket(t *testing.T) {
	before := testutil.ToFloat64(TradesTotal.WithLabelValues("partial"))

	RecordTrade(types.TradeResult{Status: types.StatusPartial})

	after := testutil.ToFloat64(TradesTotal.WithLabelValues("partial"))
	if after != before+1 {
		t.Errorf("partial counter = %v, want %v", after, before+1)
	}
}

func TestRecordCircuitBreakerTripIncrementsBucket(t *testing.T) {
	before := testutil.ToFloat64(CircuitBreakerTripsTotal.WithLabelValues("daily-loss"))

	RecordCircuitBreakerTrip("daily-loss")

	after := testutil.ToFloat64(CircuitBreakerTripsTotal.WithLabelValues("daily-loss"))
	if after != before+1 {
		t.Errorf("daily-loss trip counter = %v, want %v", after, before+1)
	}
}
