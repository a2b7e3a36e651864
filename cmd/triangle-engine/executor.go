package main

import (
	"context"
	"errors"

	"github.com/kraken-arb/triangle-engine/internal/exchange"
	"github.com/kraken-arb/triangle-engine/internal/guard"
	"github.com/kraken-arb/triangle-engine/internal/metrics"
	"github.com/kraken-arb/triangle-engine/pkg/types"
)

var (
	errOpportunityRejected = errors.New("guard rejected opportunity")
	errExecutionInFlight   = errors.New("execution already in flight")
)

// guardedExecutor composes the trading guard with the execution engine
// so a single value satisfies both scanner.AutoExecutor and
// hftloop.Executor. Neither the scanner's event-driven path nor the
// HFT loop's hot path know about the guard directly — they call
// Execute/ExecuteOpportunity and the guard's single-flight
// CompareAndSwap keeps the two callers from ever double-executing the
// same opportunity concurrently.
type guardedExecutor struct {
	guard  *guard.Guard
	engine *exchange.Engine
}

func newGuardedExecutor(g *guard.Guard, e *exchange.Engine) *guardedExecutor {
	return &guardedExecutor{guard: g, engine: e}
}

func (g *guardedExecutor) IsEnabled() bool             { return g.guard.IsEnabled() }
func (g *guardedExecutor) Config() types.TradingConfig { return g.guard.Config() }

func (g *guardedExecutor) RecordTrade(result types.TradeResult) { g.guard.RecordTrade(result) }

func (g *guardedExecutor) CheckOpportunity(path string, netProfitPct float64) (bool, string) {
	return g.guard.CheckOpportunity(path, netProfitPct)
}

func (g *guardedExecutor) TryStartExecution() bool { return g.guard.TryStartExecution() }
func (g *guardedExecutor) FinishExecution()        { g.guard.FinishExecution() }

// Execute satisfies scanner.AutoExecutor: the scanner has already
// called CheckOpportunity/TryStartExecution itself, so this only
// places the trade and lets the caller record/finish.
func (g *guardedExecutor) Execute(ctx context.Context, opp types.Opportunity, tradeAmount float64) (types.TradeResult, error) {
	result, err := g.engine.ExecuteOpportunity(ctx, opp, tradeAmount)
	if err == nil {
		metrics.RecordTrade(result)
	}
	return result, err
}

// ExecuteOpportunity satisfies hftloop.Executor. The hot path has no
// guard logic of its own, so this method folds the full
// check/single-flight/execute/record sequence in here. A rejected
// check or a lost single-flight race returns an error (not a
// StatusFailed result) so the hot path's err != nil branch handles it
// without the cold path mistaking a skipped attempt for an executed
// one.
func (g *guardedExecutor) ExecuteOpportunity(ctx context.Context, opp types.Opportunity, tradeAmount float64) (types.TradeResult, error) {
	if ok, _ := g.guard.CheckOpportunity(opp.Path, opp.NetProfitPct); !ok {
		return types.TradeResult{}, errOpportunityRejected
	}
	if !g.guard.TryStartExecution() {
		return types.TradeResult{}, errExecutionInFlight
	}
	defer g.guard.FinishExecution()

	result, err := g.engine.ExecuteOpportunity(ctx, opp, tradeAmount)
	if err == nil {
		g.guard.RecordTrade(result)
		metrics.RecordTrade(result)
	}
	return result, err
}
