// Package ingest wires the public WebSocket feed into the order-book
// cache and currency graph: every parsed book update is applied to the
// cache, folded into the graph's validity gates, and — if the pair's
// graph edges actually changed — forwarded to the scanner as a dirty
// pair.
package ingest

import (
	"context"
	"log/slog"

	"github.com/kraken-arb/triangle-engine/internal/book"
	"github.com/kraken-arb/triangle-engine/internal/exchange"
	"github.com/kraken-arb/triangle-engine/internal/graph"
)

// Notifier is the subset of the scanner's dispatcher that ingest needs,
// kept narrow so this package never imports internal/scanner directly.
type Notifier interface {
	OnOrderBookUpdate(pair string)
}

// Feed is the subset of *exchange.PublicFeed that ingest depends on,
// kept as a local interface so tests can substitute a fake feed without
// a live WebSocket connection.
type Feed interface {
	Updates() <-chan exchange.BookUpdate
	Subscribe(ctx context.Context, pairs []string) error
}

// Ingest consumes a PublicFeed's book updates and applies them to the
// cache and graph.
type Ingest struct {
	feed     Feed
	cache    *book.Cache
	graph    *graph.Graph
	notifier Notifier
	logger   *slog.Logger
}

// New wires a feed to the cache/graph/scanner triple. notifier may be
// nil if the caller only wants ingest to keep the cache and graph
// current without driving the event-driven scanner (e.g. in a polling
// deployment).
func New(feed Feed, cache *book.Cache, g *graph.Graph, notifier Notifier, logger *slog.Logger) *Ingest {
	return &Ingest{feed: feed, cache: cache, graph: g, notifier: notifier, logger: logger.With("component", "ingest")}
}

// Run drains book updates until ctx is cancelled or the update channel
// is closed. It does not subscribe: SubscribeAll and the WS connection's
// own Run loop are expected to be started by the caller beforehand —
// Run only drains the update channel, so it can be started in whichever
// order suits the caller's startup sequence.
func (in *Ingest) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-in.feed.Updates():
			if !ok {
				return nil
			}
			in.applyUpdate(update)
		}
	}
}

// SubscribeAll subscribes the feed to every pair currently registered
// in the cache's pair registry.
func (in *Ingest) SubscribeAll(ctx context.Context) error {
	pairs := in.cache.GetAllPairs()
	wsNames := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if info, ok := in.cache.GetPairInfo(p); ok {
			wsNames = append(wsNames, info.WSName)
		}
	}
	return in.feed.Subscribe(ctx, wsNames)
}

func (in *Ingest) applyUpdate(update exchange.BookUpdate) {
	if update.IsSnapshot {
		in.cache.ApplySnapshot(update.Pair, update.Bids, update.Asks, update.Sequence)
	} else {
		in.cache.ApplyIncrement(update.Pair, update.Bids, update.Asks, update.Sequence)
	}

	dirty := in.graph.UpdatePair(in.cache, update.Pair)
	if dirty && in.notifier != nil {
		in.notifier.OnOrderBookUpdate(update.Pair)
	}
}
