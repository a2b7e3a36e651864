// Triangle Engine — a high-frequency triangular-arbitrage bot for
// Kraken spot markets.
//
// Architecture:
//
//	main.go                 — entry point: loads config, wires every component, waits for SIGINT/SIGTERM
//	internal/exchange       — REST client, auth, WebSocket feeds, the sequential leg-chaining executor
//	internal/book           — local order-book mirror fed by WebSocket snapshots + increments
//	internal/graph          — persistent currency graph + DFS cycle enumeration
//	internal/ingest         — wires the public feed into the book cache and graph
//	internal/scanner        — event-driven dispatcher: debounced/immediate/disabled trigger modes
//	internal/hftloop        — unified hot/cold-path scan-then-execute state machine
//	internal/guard          — trading guard: arming, single-flight, circuit breaker, loss limits
//	internal/slippage       — depth-walk slippage estimation, gating the executor before the first leg is placed
//	internal/store          — JSON file persistence for config/state/trades/opportunities
//	internal/metrics        — Prometheus counters/gauges/histograms
//	internal/dashboard      — downstream push contract for an (out of scope) external dashboard
//	executor.go             — composes guard + exchange.Engine into both scanner.AutoExecutor and hftloop.Executor
//
// How it makes money:
//
//	The engine maintains a persistent graph of every tradeable currency
//	pair and continuously enumerates cycles that return to a base
//	currency (e.g. USD → BTC → ETH → USD) looking for a net profit after
//	fees and estimated slippage. When one clears the configured
//	threshold, the HFT loop or the event dispatcher's auto-executor
//	fires a sequential chain of taker orders along the cycle; the guard
//	gates every execution against arming state, a single-flight lock,
//	and daily/total loss budgets.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kraken-arb/triangle-engine/internal/book"
	"github.com/kraken-arb/triangle-engine/internal/config"
	"github.com/kraken-arb/triangle-engine/internal/dashboard"
	"github.com/kraken-arb/triangle-engine/internal/exchange"
	"github.com/kraken-arb/triangle-engine/internal/graph"
	"github.com/kraken-arb/triangle-engine/internal/guard"
	"github.com/kraken-arb/triangle-engine/internal/hftloop"
	"github.com/kraken-arb/triangle-engine/internal/ingest"
	"github.com/kraken-arb/triangle-engine/internal/metrics"
	"github.com/kraken-arb/triangle-engine/internal/scanner"
	"github.com/kraken-arb/triangle-engine/internal/slippage"
	"github.com/kraken-arb/triangle-engine/internal/store"
	"github.com/kraken-arb/triangle-engine/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KRAKEN_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	sink, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	cache := book.NewCache()
	for _, p := range cfg.Pairs {
		cache.RegisterPair(types.PairInfo{
			Base: types.Currency(p.Base), Quote: types.Currency(p.Quote),
			KrakenID: p.KrakenID, WSName: p.WSName,
			MinOrderSize: p.MinOrderSize, MinOrderCost: p.MinOrderCost,
		})
	}
	logger.Info("registered pairs", "count", len(cfg.Pairs))

	g := graph.New()
	g.Initialize(cache)

	var auth *exchange.Auth
	if cfg.Auth.APIKey != "" && cfg.Auth.APISecret != "" {
		auth, err = exchange.NewAuth(cfg.Auth.APIKey, cfg.Auth.APISecret)
		if err != nil {
			logger.Error("failed to construct auth", "error", err)
			os.Exit(1)
		}
	} else {
		auth = exchange.NewPublicOnly()
	}

	restClient := exchange.NewClient(cfg.Exchange.RESTBaseURL, auth, cfg.DryRun, logger)
	engine := exchange.NewEngine(restClient, cache, cfg.Fee.Rate)
	engine.SetSlippageCalculator(slippage.New(cache,
		cfg.Slippage.StalenessWarnMS, cfg.Slippage.StalenessBufferMS, cfg.Slippage.StalenessRejectMS))

	tg := guard.New()
	tg.UpdateConfig(loadOrSeedTradingConfig(sink, cfg, logger))

	exec := newGuardedExecutor(tg, engine)

	dispatcher := scanner.New(g, graph.ScanConfig{FeeRate: cfg.Fee.Rate, MinProfitThreshold: cfg.Graph.MinProfitThreshold})
	dispatcher.SetAutoExecutor(exec)
	dispatcher.SetBaseCurrencies(parseCurrencies(cfg.Scanner.BaseCurrencies))
	switch cfg.Scanner.TriggerMode {
	case "immediate":
		dispatcher.SetTriggerMode(scanner.Immediate, 0)
	case "disabled":
		dispatcher.SetTriggerMode(scanner.Disabled, 0)
	default:
		dispatcher.SetTriggerMode(scanner.Debounced, cfg.Scanner.DebounceWindow)
	}

	loop := hftloop.New(g, exec, sink, hftloop.Config{
		MinProfitThreshold: cfg.HFTLoop.MinProfitThreshold,
		TradeAmount:        cfg.HFTLoop.TradeAmountUSD,
		MaxDailyLoss:       cfg.HFTLoop.MaxDailyLoss,
		MaxTotalLoss:       cfg.HFTLoop.MaxTotalLoss,
		BaseCurrencies:     parseCurrencies(cfg.Scanner.BaseCurrencies),
	})

	publicFeed := exchange.NewPublicFeed(logger, 4096)
	notifier := fanoutNotifier{dispatcher: dispatcher, loop: loop}
	ing := ingest.New(publicFeed, cache, g, notifier, logger)

	var broadcaster dashboard.Broadcaster = dashboard.NopBroadcaster{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.RunJanitor(ctx)
	go func() {
		if err := publicFeed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("public feed stopped", "error", err)
		}
	}()
	go func() {
		if err := ing.SubscribeAll(ctx); err != nil {
			logger.Error("subscribe failed", "error", err)
		}
	}()
	go func() {
		if err := ing.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("ingest loop stopped", "error", err)
		}
	}()
	go drainOpportunities(ctx, dispatcher, sink, logger)
	go loop.Run(ctx)

	if auth.IsConfigured() {
		privateFeed := exchange.NewPrivateFeed(auth, logger)
		go func() {
			if err := privateFeed.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("private feed stopped", "error", err)
			}
		}()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case fill, ok := <-privateFeed.Executions():
					if !ok {
						return
					}
					engine.ResolveFill(fill.ClientID, exchange.OrderStatus{
						Status: fill.Status, VolExec: fill.VolExec, Price: fill.Price, Fee: fill.Fee,
					})
				}
			}
		}()
	} else {
		logger.Warn("no API credentials configured — running public-data-only, no fills will resolve")
	}

	if cfg.Metrics.Enabled {
		go startMetricsServer(cfg.Metrics.Port, logger)
	}

	go runDashboardTicker(ctx, cache, g, dispatcher, loop, tg, broadcaster)

	logger.Info("triangle engine started",
		"pairs", len(cfg.Pairs),
		"trigger_mode", cfg.Scanner.TriggerMode,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	loop.Stop()
}

// fanoutNotifier drives both the scanner's event-dispatch path and the
// HFT loop's hot-path wakeup off the same ingest pipeline — the two
// components are independent consumers of the same order-book events,
// and the guard's single-flight lock keeps them from ever racing to
// execute the same opportunity twice.
type fanoutNotifier struct {
	dispatcher *scanner.Dispatcher
	loop       *hftloop.Loop
}

func (n fanoutNotifier) OnOrderBookUpdate(pair string) {
	n.dispatcher.OnOrderBookUpdate(pair)
	n.loop.NotifyOrderBookUpdate(pair)
}

// drainOpportunities persists and records every opportunity the
// dispatcher surfaces. The dispatcher drops opportunities instead of
// blocking once its Opportunities channel is full, so any that arrive
// while this loop is behind are lost.
func drainOpportunities(ctx context.Context, d *scanner.Dispatcher, sink *store.FileSink, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case opp, ok := <-d.Opportunities():
			if !ok {
				return
			}
			profitable := "false"
			if opp.IsProfitable {
				profitable = "true"
			}
			metrics.OpportunitiesFoundTotal.WithLabelValues(profitable).Inc()
			metrics.BestOpportunityProfitPct.Set(opp.NetProfitPct)
			if err := sink.SaveOpportunity(opp); err != nil {
				logger.Error("failed to save opportunity", "error", err)
			}
		}
	}
}

// loadOrSeedTradingConfig loads the durable trading config, seeding it
// from the static YAML config on first run. Per spec there is no
// implicit default: if neither the store nor the YAML config supplies
// a complete set of arming fields, the guard simply starts disarmed.
func loadOrSeedTradingConfig(sink *store.FileSink, cfg *config.Config, logger *slog.Logger) types.TradingConfig {
	stored, err := sink.GetConfig()
	if err != nil {
		logger.Error("failed to load trading config, starting disarmed", "error", err)
		return types.TradingConfig{}
	}
	if stored != nil {
		return *stored
	}

	seeded := types.TradingConfig{
		TradeAmount:        cfg.HFTLoop.TradeAmountUSD,
		MinProfitThreshold: cfg.HFTLoop.MinProfitThreshold,
		MaxDailyLoss:       cfg.HFTLoop.MaxDailyLoss,
		MaxTotalLoss:       cfg.HFTLoop.MaxTotalLoss,
		BaseCurrencies:     joinCurrencies(cfg.Scanner.BaseCurrencies),
		ExecutionMode:      "sequential",
	}
	if err := sink.UpdateConfig(seeded); err != nil {
		logger.Error("failed to seed trading config", "error", err)
	}
	return seeded
}

func joinCurrencies(currencies []string) string {
	if len(currencies) == 0 {
		return "ALL"
	}
	out := currencies[0]
	for _, c := range currencies[1:] {
		out += "," + c
	}
	return out
}

func parseCurrencies(raw []string) []types.Currency {
	out := make([]types.Currency, 0, len(raw))
	for _, c := range raw {
		out = append(out, types.Currency(c))
	}
	return out
}

func startMetricsServer(port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.Info("metrics server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// runDashboardTicker pushes a Snapshot once a second. Per spec, the
// dashboard's own HTTP/WS transport is out of scope — this only drives
// whatever Broadcaster the caller wired in (NopBroadcaster by default).
func runDashboardTicker(ctx context.Context, cache *book.Cache, g *graph.Graph, d *scanner.Dispatcher, loop *hftloop.Loop, tg *guard.Guard, b dashboard.Broadcaster) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := tg.Stats()
			gcfg := tg.Config()
			opps, _ := d.CachedOpportunities()

			health := g.UpdateHealth(cache)
			metrics.GraphEdgesSkippedTotal.WithLabelValues("no_price").Set(float64(health.SkippedNoPrice))
			metrics.GraphEdgesSkippedTotal.WithLabelValues("no_book").Set(float64(health.SkippedNoBook))
			metrics.GraphEdgesSkippedTotal.WithLabelValues("thin_depth").Set(float64(health.SkippedThinDepth))
			metrics.GraphEdgesSkippedTotal.WithLabelValues("stale").Set(float64(health.SkippedStale))
			metrics.GraphEdgesSkippedTotal.WithLabelValues("bad_spread").Set(float64(health.SkippedBadSpread))

			recent := make([]dashboard.OpportunitySummary, 0, 10)
			for i := len(opps) - 1; i >= 0 && len(recent) < 10; i-- {
				recent = append(recent, dashboard.OpportunitySummary{
					Path: opps[i].Path, NetProfitPct: opps[i].NetProfitPct, DetectedAt: opps[i].DetectedAt,
				})
			}

			best := 0.0
			for _, o := range opps {
				if o.NetProfitPct > best {
					best = o.NetProfitPct
				}
			}

			b.Push(dashboard.Snapshot{
				Timestamp:            time.Now(),
				IsRunning:            loop.IsRunning(),
				PairsMonitored:       len(cache.GetAllPairs()),
				TradingEnabled:       tg.IsEnabled(),
				AutoExecutionEnabled: gcfg.IsEnabled,
				IsCircuitBroken:      tg.IsCircuitBroken(),
				OpportunitiesFound:   stats.OpportunitiesSeen,
				BestProfitPct:        best,
				RecentOpportunities:  recent,
				DailyPnL:             stats.DailyPnL,
				TotalPnL:             stats.TotalPnL,
			})
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
