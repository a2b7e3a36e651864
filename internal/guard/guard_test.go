package guard

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraken-arb/triangle-engine/pkg/types"
)

func armedConfig() types.TradingConfig {
	return types.TradingConfig{
		IsEnabled:          true,
		TradeAmount:        100,
		MinProfitThreshold: 0.003,
		MaxDailyLoss:       30,
		MaxTotalLoss:       100,
		BaseCurrencies:     "USD",
		ExecutionMode:      "sequential",
	}
}

func TestCheckOpportunityRejectsWhenDisabled(t *testing.T) {
	t.Parallel()
	g := New()
	ok, reason := g.CheckOpportunity("USD"+types.PathArrow+"BTC"+types.PathArrow+"USD", 1.0)
	if ok {
		t.Fatal("expected rejection when trading is disabled")
	}
	if reason != "trading disabled" {
		t.Errorf("reason = %q", reason)
	}
}

func TestCheckOpportunityRejectsWhenCircuitBroken(t *testing.T) {
	t.Parallel()
	g := New()
	g.UpdateConfig(armedConfig())
	g.TripCircuitBreaker("test trip")

	ok, reason := g.CheckOpportunity("USD"+types.PathArrow+"BTC"+types.PathArrow+"USD", 1.0)
	if ok {
		t.Fatal("expected rejection when circuit breaker tripped")
	}
	if reason != "circuit breaker tripped" {
		t.Errorf("reason = %q", reason)
	}
}

func TestCheckOpportunityRejectsBelowThreshold(t *testing.T) {
	t.Parallel()
	g := New()
	g.UpdateConfig(armedConfig())

	ok, _ := g.CheckOpportunity("USD"+types.PathArrow+"BTC"+types.PathArrow+"USD", 0.1)
	if ok {
		t.Fatal("expected rejection below the min profit threshold")
	}
}

func TestCheckOpportunityRejectsWrongBaseCurrency(t *testing.T) {
	t.Parallel()
	g := New()
	g.UpdateConfig(armedConfig())

	ok, reason := g.CheckOpportunity("EUR"+types.PathArrow+"BTC"+types.PathArrow+"EUR", 1.0)
	if ok {
		t.Fatal("expected rejection for a path not starting in the configured base currency")
	}
	if reason != "base currency filter" {
		t.Errorf("reason = %q", reason)
	}
}

func TestCheckOpportunityAllowsALLFilter(t *testing.T) {
	t.Parallel()
	g := New()
	cfg := armedConfig()
	cfg.BaseCurrencies = "ALL"
	g.UpdateConfig(cfg)

	ok, reason := g.CheckOpportunity("EUR"+types.PathArrow+"BTC"+types.PathArrow+"EUR", 1.0)
	if !ok {
		t.Fatalf("expected ALL filter to allow any base currency, got reason=%q", reason)
	}
}

func TestCheckOpportunityPasses(t *testing.T) {
	t.Parallel()
	g := New()
	g.UpdateConfig(armedConfig())

	ok, reason := g.CheckOpportunity("USD"+types.PathArrow+"BTC"+types.PathArrow+"USD", 1.0)
	if !ok {
		t.Fatalf("expected a clean opportunity to pass, got reason=%q", reason)
	}
}

func TestTryStartExecutionIsSingleFlight(t *testing.T) {
	t.Parallel()
	g := New()

	if !g.TryStartExecution() {
		t.Fatal("first TryStartExecution should succeed")
	}
	if g.TryStartExecution() {
		t.Fatal("second concurrent TryStartExecution should fail")
	}
	g.FinishExecution()
	if !g.TryStartExecution() {
		t.Fatal("TryStartExecution should succeed again after FinishExecution")
	}
}

func TestRecordTradeTripsBreakerOnDailyLoss(t *testing.T) {
	t.Parallel()
	g := New()
	g.UpdateConfig(armedConfig())

	g.RecordTrade(types.TradeResult{
		Status:       types.StatusCompleted,
		ProfitAmount: decimal.NewFromFloat(-35),
	})

	if !g.IsCircuitBroken() {
		t.Fatal("expected the breaker to trip after exceeding max daily loss")
	}
	if g.State().BrokenReason == "" {
		t.Error("expected a non-empty broken reason")
	}
}

func TestRecordTradeDoesNotTripOnProfit(t *testing.T) {
	t.Parallel()
	g := New()
	g.UpdateConfig(armedConfig())

	g.RecordTrade(types.TradeResult{
		Status:       types.StatusCompleted,
		ProfitAmount: decimal.NewFromFloat(5),
	})

	if g.IsCircuitBroken() {
		t.Fatal("a profitable trade should never trip the breaker")
	}
}

func TestResetDailyClearsOnlyDailyTrip(t *testing.T) {
	t.Parallel()
	g := New()
	g.UpdateConfig(armedConfig())
	g.TripCircuitBreaker("daily loss limit reached: $40.00")

	g.ResetDaily()

	if g.IsCircuitBroken() {
		t.Fatal("ResetDaily should clear a daily-reasoned trip")
	}
	if g.State().DailyPnL != 0 {
		t.Errorf("DailyPnL = %v, want 0 after reset", g.State().DailyPnL)
	}
}

func TestResetDailyLeavesNonDailyTripAlone(t *testing.T) {
	t.Parallel()
	g := New()
	g.UpdateConfig(armedConfig())
	g.TripCircuitBreaker("total loss limit reached: $120.00")

	g.ResetDaily()

	if !g.IsCircuitBroken() {
		t.Fatal("ResetDaily must not clear a total-loss trip")
	}
}

// TestCheckOpportunityGateOrdering exercises every CheckOpportunity gate
// in isolation, including the daily/total loss checks that RecordTrade's
// own breaker trip normally shadows — CheckOpportunity re-checks PnL
// against the configured limits independently of isBroken, as a second
// line of defense against a state left inconsistent by a concurrent
// update.
func TestCheckOpportunityGateOrdering(t *testing.T) {
	t.Parallel()

	path := "USD" + types.PathArrow + "BTC" + types.PathArrow + "USD"

	cases := []struct {
		name       string
		setup      func(g *Guard)
		netProfit  float64
		wantOK     bool
		wantReason string
	}{
		{
			name:       "disabled guard rejects before any other gate",
			setup:      func(g *Guard) {},
			netProfit:  1.0,
			wantOK:     false,
			wantReason: "trading disabled",
		},
		{
			name: "daily loss at the limit rejects even though breaker never tripped",
			setup: func(g *Guard) {
				g.UpdateConfig(armedConfig())
				g.stateMu.Lock()
				g.state.DailyPnL = -30
				g.stateMu.Unlock()
			},
			netProfit:  1.0,
			wantOK:     false,
			wantReason: "daily loss limit: $30.00 >= $30.00",
		},
		{
			name: "total loss at the limit rejects independently of daily PnL",
			setup: func(g *Guard) {
				g.UpdateConfig(armedConfig())
				g.stateMu.Lock()
				g.state.TotalPnL = -100
				g.stateMu.Unlock()
			},
			netProfit:  1.0,
			wantOK:     false,
			wantReason: "total loss limit: $100.00 >= $100.00",
		},
		{
			name: "PnL within both limits clears the gate",
			setup: func(g *Guard) {
				g.UpdateConfig(armedConfig())
				g.stateMu.Lock()
				g.state.DailyPnL = -10
				g.state.TotalPnL = -40
				g.stateMu.Unlock()
			},
			netProfit:  1.0,
			wantOK:     true,
			wantReason: "",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			g := New()
			tc.setup(g)

			ok, reason := g.CheckOpportunity(path, tc.netProfit)

			require.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.wantReason, reason)
		})
	}
}
