package slippage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraken-arb/triangle-engine/internal/book"
	"github.com/kraken-arb/triangle-engine/pkg/types"
)

func laddered3x10() types.OrderBook {
	return types.OrderBook{
		Pair: "ETH/USD",
		Asks: []types.OrderBookLevel{
			{Price: 100, Qty: 10},
			{Price: 110, Qty: 10},
			{Price: 120, Qty: 10},
		},
		LastUpdate: time.Now(),
	}
}

func btcBook() types.OrderBook {
	return types.OrderBook{
		Pair: "BTC/USD",
		Asks: []types.OrderBookLevel{
			{Price: 100000, Qty: 0.1},
			{Price: 100100, Qty: 0.1},
			{Price: 100200, Qty: 0.1},
		},
		Bids:       []types.OrderBookLevel{{Price: 99900, Qty: 0.1}},
		LastUpdate: time.Now(),
	}
}

func TestCalculateSingleFillsFromFirstLevel(t *testing.T) {
	t.Parallel()
	c := New(book.NewCache(), 500, 1000, 2000)

	leg := c.CalculateSingle(btcBook(), types.Buy, 5000)
	if !leg.CanFill {
		t.Fatal("expected the leg to fill")
	}
	if leg.DepthUsed != 1 {
		t.Errorf("depth used = %d, want 1", leg.DepthUsed)
	}
	if leg.SlippagePct > 0.01 {
		t.Errorf("slippage = %v, want ~0 for a fill entirely in the first level", leg.SlippagePct)
	}
}

func TestCalculateSingleWalksMultipleLevels(t *testing.T) {
	t.Parallel()
	c := New(book.NewCache(), 500, 1000, 2000)

	leg := c.CalculateSingle(btcBook(), types.Buy, 15000)
	if !leg.CanFill {
		t.Fatal("expected the leg to fill")
	}
	if leg.DepthUsed != 2 {
		t.Errorf("depth used = %d, want 2", leg.DepthUsed)
	}
	if leg.SlippagePct <= 0 {
		t.Error("expected positive slippage once depth beyond level 1 is needed")
	}
}

func TestCalculateSingleRejectsInsufficientLiquidity(t *testing.T) {
	t.Parallel()
	c := New(book.NewCache(), 500, 1000, 2000)

	leg := c.CalculateSingle(btcBook(), types.Buy, 1_000_000)
	if leg.CanFill {
		t.Fatal("expected a fill rejection when demand exceeds total depth")
	}
	if leg.Reason == "" {
		t.Error("expected a reason for the rejection")
	}
}

func TestCalculateSingleEmptyBook(t *testing.T) {
	t.Parallel()
	c := New(book.NewCache(), 500, 1000, 2000)

	leg := c.CalculateSingle(types.OrderBook{Pair: "ETH/USD"}, types.Sell, 100)
	if leg.CanFill {
		t.Fatal("expected no fill against an empty book")
	}
}

func TestCalculateSingleDepthProgression(t *testing.T) {
	t.Parallel()
	c := New(book.NewCache(), 500, 1000, 2000)

	cases := []struct {
		name          string
		tradeAmount   float64
		wantCanFill   bool
		wantDepthUsed int
		wantActual    float64
		wantSlippage  float64
	}{
		{
			name:          "fills entirely inside the first level",
			tradeAmount:   500,
			wantCanFill:   true,
			wantDepthUsed: 1,
			wantActual:    100,
			wantSlippage:  0,
		},
		{
			name:          "spills into the second level",
			tradeAmount:   1500,
			wantCanFill:   true,
			wantDepthUsed: 2,
			wantActual:    103.125,
			wantSlippage:  3.125,
		},
		{
			name:          "consumes all three levels",
			tradeAmount:   3000,
			wantCanFill:   true,
			wantDepthUsed: 3,
			wantActual:    1200.0 / 11.0,
			wantSlippage:  100.0 / 11.0,
		},
		{
			name:          "exceeds total book depth",
			tradeAmount:   5000,
			wantCanFill:   false,
			wantDepthUsed: 3,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			leg := c.CalculateSingle(laddered3x10(), types.Buy, tc.tradeAmount)

			require.Equal(t, tc.wantCanFill, leg.CanFill)
			assert.Equal(t, tc.wantDepthUsed, leg.DepthUsed)
			if tc.wantCanFill {
				assert.InDelta(t, tc.wantActual, leg.ActualPrice, 1e-9)
				assert.InDelta(t, tc.wantSlippage, leg.SlippagePct, 1e-9)
			} else {
				assert.NotEmpty(t, leg.Reason)
			}
		})
	}
}

func TestCalculatePathRejectsShortPath(t *testing.T) {
	t.Parallel()
	c := New(book.NewCache(), 500, 1000, 2000)

	result := c.CalculatePath("USD → BTC", 100)
	if result.CanExecute {
		t.Fatal("expected rejection for a path with fewer than 3 currencies")
	}
}

func TestCalculatePathChainsThroughTriangle(t *testing.T) {
	t.Parallel()
	c := book.NewCache()
	c.RegisterPair(types.PairInfo{Base: "BTC", Quote: "USD", KrakenID: "XXBTZUSD", WSName: "BTC/USD"})
	c.RegisterPair(types.PairInfo{Base: "ETH", Quote: "USD", KrakenID: "XETHZUSD", WSName: "ETH/USD"})
	c.RegisterPair(types.PairInfo{Base: "ETH", Quote: "BTC", KrakenID: "XETHXXBT", WSName: "ETH/BTC"})

	c.ApplySnapshot("BTC/USD", []types.OrderBookLevel{{Price: 50000, Qty: 2}}, []types.OrderBookLevel{{Price: 50010, Qty: 2}}, 1)
	c.ApplySnapshot("ETH/USD", []types.OrderBookLevel{{Price: 3000, Qty: 20}}, []types.OrderBookLevel{{Price: 3001, Qty: 20}}, 1)
	c.ApplySnapshot("ETH/BTC", []types.OrderBookLevel{{Price: 0.06, Qty: 20}}, []types.OrderBookLevel{{Price: 0.0601, Qty: 20}}, 1)

	calc := New(c, 500, 1000, 2000)
	result := calc.CalculatePath("USD → BTC → ETH → USD", 1000)

	if !result.CanExecute {
		t.Fatalf("expected the path to execute cleanly, got reason=%q", result.Reason)
	}
	if len(result.Legs) != 3 {
		t.Fatalf("expected 3 legs, got %d", len(result.Legs))
	}
}

func TestCalculatePathRejectsStaleBook(t *testing.T) {
	t.Parallel()
	c := book.NewCache()
	c.RegisterPair(types.PairInfo{Base: "BTC", Quote: "USD", KrakenID: "XXBTZUSD", WSName: "BTC/USD"})
	c.RegisterPair(types.PairInfo{Base: "ETH", Quote: "USD", KrakenID: "XETHZUSD", WSName: "ETH/USD"})
	c.RegisterPair(types.PairInfo{Base: "ETH", Quote: "BTC", KrakenID: "XETHXXBT", WSName: "ETH/BTC"})

	c.ApplySnapshot("BTC/USD", []types.OrderBookLevel{{Price: 50000, Qty: 2}}, []types.OrderBookLevel{{Price: 50010, Qty: 2}}, 1)
	c.ApplySnapshot("ETH/USD", []types.OrderBookLevel{{Price: 3000, Qty: 20}}, []types.OrderBookLevel{{Price: 3001, Qty: 20}}, 1)
	c.ApplySnapshot("ETH/BTC", []types.OrderBookLevel{{Price: 0.06, Qty: 20}}, []types.OrderBookLevel{{Price: 0.0601, Qty: 20}}, 1)

	calc := New(c, 500, 1000, 0)
	result := calc.CalculatePath("USD → BTC → ETH → USD", 1000)

	if result.CanExecute {
		t.Fatal("expected rejection when the reject threshold is 0ms")
	}
}
