package ingest

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/kraken-arb/triangle-engine/internal/book"
	"github.com/kraken-arb/triangle-engine/internal/exchange"
	"github.com/kraken-arb/triangle-engine/internal/graph"
	"github.com/kraken-arb/triangle-engine/pkg/types"
)

type fakeFeed struct {
	updates    chan exchange.BookUpdate
	subscribed []string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{updates: make(chan exchange.BookUpdate, 16)}
}

func (f *fakeFeed) Updates() <-chan exchange.BookUpdate { return f.updates }

func (f *fakeFeed) Subscribe(ctx context.Context, pairs []string) error {
	f.subscribed = append(f.subscribed, pairs...)
	return nil
}

type fakeNotifier struct {
	notified []string
}

func (n *fakeNotifier) OnOrderBookUpdate(pair string) {
	n.notified = append(n.notified, pair)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestApplyUpdateFeedsCacheAndGraph(t *testing.T) {
	t.Parallel()
	c := book.NewCache()
	c.RegisterPair(types.PairInfo{Base: "BTC", Quote: "USD", WSName: "BTC/USD"})
	g := graph.New()
	g.Initialize(c)

	notifier := &fakeNotifier{}
	in := New(newFakeFeed(), c, g, notifier, testLogger())

	in.applyUpdate(exchange.BookUpdate{
		Pair:       "BTC/USD",
		Bids:       []types.OrderBookLevel{{Price: 100, Qty: 1}, {Price: 99, Qty: 1}, {Price: 98, Qty: 1}},
		Asks:       []types.OrderBookLevel{{Price: 101, Qty: 1}, {Price: 102, Qty: 1}, {Price: 103, Qty: 1}},
		Sequence:   1,
		IsSnapshot: true,
	})

	ob, ok := c.GetOrderBook("BTC/USD")
	if !ok {
		t.Fatal("expected the cache to hold an order book after a snapshot update")
	}
	if bid, _ := ob.BestBid(); bid != 100 {
		t.Errorf("best bid = %v, want 100", bid)
	}
	if len(notifier.notified) != 1 || notifier.notified[0] != "BTC/USD" {
		t.Errorf("notifier.notified = %v, want [BTC/USD]", notifier.notified)
	}
}

func TestRunDrainsUntilContextCancelled(t *testing.T) {
	t.Parallel()
	c := book.NewCache()
	c.RegisterPair(types.PairInfo{Base: "BTC", Quote: "USD", WSName: "BTC/USD"})
	g := graph.New()
	g.Initialize(c)

	feed := newFakeFeed()
	in := New(feed, c, g, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	feed.updates <- exchange.BookUpdate{
		Pair:       "BTC/USD",
		Bids:       []types.OrderBookLevel{{Price: 100, Qty: 1}},
		Asks:       []types.OrderBookLevel{{Price: 101, Qty: 1}},
		Sequence:   1,
		IsSnapshot: true,
	}

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if _, ok := c.GetOrderBook("BTC/USD"); !ok {
		t.Fatal("expected the queued update to have been applied before cancellation")
	}
}

func TestSubscribeAllUsesRegisteredWSNames(t *testing.T) {
	t.Parallel()
	c := book.NewCache()
	c.RegisterPair(types.PairInfo{Base: "BTC", Quote: "USD", WSName: "BTC/USD"})
	c.RegisterPair(types.PairInfo{Base: "ETH", Quote: "USD", WSName: "ETH/USD"})
	g := graph.New()
	g.Initialize(c)

	feed := newFakeFeed()
	in := New(feed, c, g, nil, testLogger())

	if err := in.SubscribeAll(context.Background()); err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}
	if len(feed.subscribed) != 2 {
		t.Fatalf("expected 2 subscribed ws names, got %d: %v", len(feed.subscribed), feed.subscribed)
	}
}
