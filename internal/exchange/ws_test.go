package exchange

import (
	"context"
	"log/slog"
	"os"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPublicFeedDispatchSnapshot(t *testing.T) {
	t.Parallel()
	f := NewPublicFeed(testLogger(), 8)

	msg := []byte(`{"channel":"book","type":"snapshot","data":[{"symbol":"BTC/USD","bids":[{"price":50000,"qty":1}],"asks":[{"price":50010,"qty":1}],"checksum":42}]}`)
	f.dispatch(msg)

	select {
	case update := <-f.bookCh:
		if update.Pair != "BTC/USD" || !update.IsSnapshot {
			t.Errorf("update = %+v, want snapshot for BTC/USD", update)
		}
		if len(update.Bids) != 1 || update.Bids[0].Price != 50000 {
			t.Errorf("unexpected bids: %+v", update.Bids)
		}
	default:
		t.Fatal("dispatch did not deliver a book update")
	}
}

func TestPublicFeedDispatchIgnoresOtherChannels(t *testing.T) {
	t.Parallel()
	f := NewPublicFeed(testLogger(), 8)

	f.dispatch([]byte(`{"channel":"heartbeat"}`))

	select {
	case update := <-f.bookCh:
		t.Fatalf("expected no update for a non-book channel, got %+v", update)
	default:
	}
}

func TestPublicFeedDispatchDropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	f := NewPublicFeed(testLogger(), 1)

	first := []byte(`{"channel":"book","type":"update","data":[{"symbol":"BTC/USD","bids":[{"price":1,"qty":1}]}]}`)
	second := []byte(`{"channel":"book","type":"update","data":[{"symbol":"ETH/USD","bids":[{"price":2,"qty":1}]}]}`)

	f.dispatch(first)
	f.dispatch(second)

	update := <-f.bookCh
	if update.Pair != "ETH/USD" {
		t.Errorf("expected the newest update to survive, got pair=%s", update.Pair)
	}
}

func TestPrivateFeedDispatchExecution(t *testing.T) {
	t.Parallel()
	f := NewPrivateFeed(NewPublicOnly(), testLogger())

	msg := []byte(`{"channel":"executions","data":[{"order_id":"OABC-123","order_userref":"req_5","exec_type":"filled","last_qty":0.5,"last_price":3000,"fees":[{"qty":1.5}]}]}`)
	f.dispatch(msg)

	select {
	case exec := <-f.execCh:
		if exec.ClientID != "req_5" || exec.Status != "filled" {
			t.Errorf("exec = %+v", exec)
		}
		if exec.Fee != 1.5 {
			t.Errorf("fee = %v, want 1.5", exec.Fee)
		}
	default:
		t.Fatal("dispatch did not deliver an execution")
	}
}

func TestPublicFeedSubscribeWithoutConnectionFails(t *testing.T) {
	t.Parallel()
	f := NewPublicFeed(testLogger(), 8)
	if err := f.Subscribe(context.Background(), []string{"BTC/USD"}); err == nil {
		t.Fatal("expected Subscribe to fail when not connected")
	}
}
