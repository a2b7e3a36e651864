// Package guard implements the Trading Guard: the single gate every
// auto-executed opportunity must clear before an order goes out, plus
// the circuit breaker that halts trading once loss limits are breached.
//
// Guard deliberately knows nothing about how a trade is executed — it
// only decides whether one may start, tracks whether one is in flight,
// and records the outcome. The execution engine that actually places
// orders is wired in by the caller (see cmd/triangle-engine), composed
// with Guard to satisfy scanner.AutoExecutor.
package guard

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kraken-arb/triangle-engine/internal/metrics"
	"github.com/kraken-arb/triangle-engine/pkg/types"
)

// CircuitBreakerState is the guard's point-in-time snapshot, mirrored
// to the durable store alongside TradingConfig.
type CircuitBreakerState struct {
	IsBroken     bool
	BrokenReason string
	DailyPnL     float64
	TotalPnL     float64
	DailyTrades  uint64
	TotalTrades  uint64
	IsExecuting  bool
}

// CheckResult is the outcome of a CheckOpportunity gate evaluation.
type CheckResult struct {
	CanTrade bool
	Reason   string
}

// Stats is a point-in-time counter snapshot for observability.
type Stats struct {
	TradesExecuted        uint64
	TradesSuccessful       uint64
	OpportunitiesSeen      uint64
	OpportunitiesExecuted uint64
	DailyPnL              float64
	TotalPnL              float64
}

// Guard holds the durable trading config plus the circuit-breaker state
// and fast atomic flags mirroring it for lock-free checks on the hot
// path.
type Guard struct {
	configMu sync.RWMutex
	config   types.TradingConfig

	stateMu sync.RWMutex
	state   CircuitBreakerState

	enabled     atomic.Bool
	isBroken    atomic.Bool
	isExecuting atomic.Bool

	tradesExecuted        atomic.Uint64
	tradesSuccessful       atomic.Uint64
	opportunitiesSeen      atomic.Uint64
	opportunitiesExecuted atomic.Uint64

	lastDailyReset time.Time
}

// New returns a guard with trading disabled and zeroed counters. Per
// spec, there is no implicit default TradingConfig — UpdateConfig must
// be called with a config that passes RequiredFieldsSet before arming
// is possible.
func New() *Guard {
	return &Guard{lastDailyReset: time.Now()}
}

// UpdateConfig replaces the trading config wholesale and arms the fast
// atomic check only if cfg.IsEnabled is set and cfg.RequiredFieldsSet().
func (g *Guard) UpdateConfig(cfg types.TradingConfig) {
	g.enabled.Store(cfg.IsEnabled && cfg.RequiredFieldsSet())
	g.configMu.Lock()
	g.config = cfg
	g.configMu.Unlock()
}

// Config returns a copy of the current trading config.
func (g *Guard) Config() types.TradingConfig {
	g.configMu.RLock()
	defer g.configMu.RUnlock()
	return g.config
}

// Enable arms trading; it is a no-op while the current config does not
// satisfy RequiredFieldsSet.
func (g *Guard) Enable() {
	g.configMu.Lock()
	defer g.configMu.Unlock()
	if !g.config.RequiredFieldsSet() {
		return
	}
	g.config.IsEnabled = true
	g.enabled.Store(true)
}

// Disable disarms trading.
func (g *Guard) Disable() {
	g.enabled.Store(false)
	g.configMu.Lock()
	g.config.IsEnabled = false
	g.configMu.Unlock()
}

// IsEnabled reports whether trading is armed.
func (g *Guard) IsEnabled() bool {
	return g.enabled.Load()
}

// TripCircuitBreaker halts trading unconditionally until ResetCircuitBreaker.
func (g *Guard) TripCircuitBreaker(reason string) {
	g.isBroken.Store(true)
	g.stateMu.Lock()
	g.state.IsBroken = true
	g.state.BrokenReason = reason
	g.stateMu.Unlock()
	metrics.RecordCircuitBreakerTrip(tripReasonBucket(reason))
}

// tripReasonBucket reduces a free-form trip reason to the fixed label set
// metrics.CircuitBreakerTripsTotal reports under.
func tripReasonBucket(reason string) string {
	switch {
	case strings.HasPrefix(reason, "daily loss"):
		return "daily-loss"
	case strings.HasPrefix(reason, "total loss"):
		return "total-loss"
	default:
		return "manual"
	}
}

// ResetCircuitBreaker clears a trip unconditionally, regardless of cause.
func (g *Guard) ResetCircuitBreaker() {
	g.isBroken.Store(false)
	g.stateMu.Lock()
	g.state.IsBroken = false
	g.state.BrokenReason = ""
	g.stateMu.Unlock()
}

// IsCircuitBroken reports whether the breaker is currently tripped.
func (g *Guard) IsCircuitBroken() bool {
	return g.isBroken.Load()
}

// State returns a copy of the current circuit-breaker state.
func (g *Guard) State() CircuitBreakerState {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.state
}

// TryStartExecution claims the single execution slot in sequential mode,
// returning false if one is already in flight. Non-sequential modes are
// not in scope (spec: sequential is the only execution mode), so this
// always enforces single-flight.
func (g *Guard) TryStartExecution() bool {
	if !g.isExecuting.CompareAndSwap(false, true) {
		return false
	}
	g.stateMu.Lock()
	g.state.IsExecuting = true
	g.stateMu.Unlock()
	return true
}

// FinishExecution releases the execution slot. Callers must defer this
// immediately after a successful TryStartExecution.
func (g *Guard) FinishExecution() {
	g.isExecuting.Store(false)
	g.stateMu.Lock()
	g.state.IsExecuting = false
	g.stateMu.Unlock()
}

// CheckOpportunity evaluates every gate an opportunity must clear before
// auto-execution, in the exact order the Rust guard checks them: armed,
// breaker, single-flight, profit threshold, base-currency filter, daily
// loss limit, total loss limit.
func (g *Guard) CheckOpportunity(path string, netProfitPct float64) (bool, string) {
	if !g.enabled.Load() {
		return false, "trading disabled"
	}
	if g.isBroken.Load() {
		return false, "circuit breaker tripped"
	}

	cfg := g.Config()
	state := g.State()

	if state.IsExecuting {
		return false, "trade already executing"
	}

	threshold := cfg.MinProfitThreshold * 100.0
	if netProfitPct < threshold {
		return false, fmt.Sprintf("below threshold: %.3f%% < %.3f%%", netProfitPct, threshold)
	}

	if !checkBaseCurrency(path, cfg.BaseCurrencies) {
		return false, "base currency filter"
	}

	if state.DailyPnL < 0 && -state.DailyPnL >= cfg.MaxDailyLoss {
		return false, fmt.Sprintf("daily loss limit: $%.2f >= $%.2f", -state.DailyPnL, cfg.MaxDailyLoss)
	}
	if state.TotalPnL < 0 && -state.TotalPnL >= cfg.MaxTotalLoss {
		return false, fmt.Sprintf("total loss limit: $%.2f >= $%.2f", -state.TotalPnL, cfg.MaxTotalLoss)
	}

	return true, ""
}

// checkBaseCurrency reports whether path's starting currency matches
// filter ("ALL", a single symbol, or a comma-separated list).
func checkBaseCurrency(path, filter string) bool {
	if filter == "ALL" {
		return true
	}

	start := path
	if idx := strings.Index(path, types.PathArrow); idx >= 0 {
		start = path[:idx]
	} else if idx := strings.Index(path, "→"); idx >= 0 {
		start = path[:idx]
	} else if fields := strings.Fields(path); len(fields) > 0 {
		start = fields[0]
	}
	start = strings.TrimSpace(start)

	if strings.Contains(filter, ",") {
		for _, c := range strings.Split(filter, ",") {
			if strings.TrimSpace(c) == start {
				return true
			}
		}
		return false
	}
	return strings.TrimSpace(filter) == start
}

// RecordTrade folds a completed trade's P&L into the daily/total
// counters and trips the circuit breaker if either loss limit is now
// breached.
func (g *Guard) RecordTrade(result types.TradeResult) {
	cfg := g.Config()
	profit, _ := result.ProfitAmount.Float64()

	g.stateMu.Lock()
	g.state.DailyTrades++
	g.state.TotalTrades++
	g.state.DailyPnL += profit
	g.state.TotalPnL += profit
	dailyPnL, totalPnL := g.state.DailyPnL, g.state.TotalPnL
	g.stateMu.Unlock()

	g.tradesExecuted.Add(1)
	if result.Status == types.StatusCompleted {
		g.tradesSuccessful.Add(1)
	}
	g.opportunitiesExecuted.Add(1)

	if dailyPnL < 0 && -dailyPnL >= cfg.MaxDailyLoss {
		g.TripCircuitBreaker(fmt.Sprintf("daily loss limit reached: $%.2f", -dailyPnL))
	} else if totalPnL < 0 && -totalPnL >= cfg.MaxTotalLoss {
		g.TripCircuitBreaker(fmt.Sprintf("total loss limit reached: $%.2f", -totalPnL))
	}
}

// RecordOpportunitySeen increments the opportunities-observed counter,
// independent of whether it was ever eligible to execute.
func (g *Guard) RecordOpportunitySeen() {
	g.opportunitiesSeen.Add(1)
}

// Stats returns a point-in-time snapshot of guard counters.
func (g *Guard) Stats() Stats {
	state := g.State()
	return Stats{
		TradesExecuted:        g.tradesExecuted.Load(),
		TradesSuccessful:       g.tradesSuccessful.Load(),
		OpportunitiesSeen:      g.opportunitiesSeen.Load(),
		OpportunitiesExecuted: g.opportunitiesExecuted.Load(),
		DailyPnL:              state.DailyPnL,
		TotalPnL:              state.TotalPnL,
	}
}

// ResetDaily zeroes the daily counters and, if the breaker was tripped
// for a daily-loss reason specifically, clears it — a total-loss trip
// survives a daily reset.
func (g *Guard) ResetDaily() {
	g.stateMu.Lock()
	g.state.DailyPnL = 0
	g.state.DailyTrades = 0
	wasDailyBreak := g.state.IsBroken && strings.Contains(strings.ToLower(g.state.BrokenReason), "daily")
	if wasDailyBreak {
		g.state.IsBroken = false
		g.state.BrokenReason = ""
	}
	g.stateMu.Unlock()

	g.lastDailyReset = time.Now()
	if wasDailyBreak {
		g.isBroken.Store(false)
	}
}
