package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rawblock/chain-indexer/pkg/models"
)

func TestPublishFiltersByChannel(t *testing.T) {
	e := NewEventSource(nil, "", time.Second, nil)
	blocksSub := e.subscribe([]string{ChannelBlocks})
	txSub := e.subscribe([]string{ChannelTransactions})
	defer e.unsubscribe(blocksSub)
	defer e.unsubscribe(txSub)

	e.publish(ChannelBlocks, "newblock", 42)

	if len(blocksSub.queue) != 1 {
		t.Errorf("blocks subscriber got %d events, want 1", len(blocksSub.queue))
	}
	if len(txSub.queue) != 0 {
		t.Errorf("transactions subscriber got %d events, want 0", len(txSub.queue))
	}

	var env envelope
	if err := json.Unmarshal(<-blocksSub.queue, &env); err != nil {
		t.Fatalf("bad envelope: %v", err)
	}
	if env.Event != "newblock" || env.Channel != ChannelBlocks {
		t.Errorf("envelope = %+v", env)
	}
}

func TestPublishDropsOldestOnOverflow(t *testing.T) {
	e := NewEventSource(nil, "", time.Second, nil)
	sub := e.subscribe([]string{ChannelTransactions})
	defer e.unsubscribe(sub)

	// Overfill by three; the subscriber must keep the newest events and
	// lose exactly the three oldest.
	for i := 0; i < subscriberQueueCap+3; i++ {
		e.publish(ChannelTransactions, "newtx", i)
	}

	if len(sub.queue) != subscriberQueueCap {
		t.Fatalf("queue length %d, want %d", len(sub.queue), subscriberQueueCap)
	}
	var env envelope
	if err := json.Unmarshal(<-sub.queue, &env); err != nil {
		t.Fatalf("bad envelope: %v", err)
	}
	if env.Data.(float64) != 3 {
		t.Errorf("oldest surviving event = %v, want 3", env.Data)
	}
}

func TestBlockBurstPublishesEveryBlock(t *testing.T) {
	// Two blocks landing within one poll interval must yield two
	// newblock events in chain order, not just the tip.
	e := NewEventSource(nil, "", time.Second, nil)
	sub := e.subscribe([]string{ChannelBlocks})
	defer e.unsubscribe(sub)
	e.lastHeight = 100

	h1, h2 := int64(101), int64(102)
	e.publishNewBlocks(newRenderCtx("", ""), []*models.Block{
		{Hash: make([]byte, 32), Height: &h1, Timestamp: time.Unix(1, 0)},
		{Hash: make([]byte, 32), Height: &h2, Timestamp: time.Unix(2, 0)},
	})

	if len(sub.queue) != 2 {
		t.Fatalf("subscriber got %d events, want one per block", len(sub.queue))
	}
	for _, want := range []float64{101, 102} {
		var env envelope
		if err := json.Unmarshal(<-sub.queue, &env); err != nil {
			t.Fatalf("bad envelope: %v", err)
		}
		if env.Event != "newblock" {
			t.Errorf("event = %q, want newblock", env.Event)
		}
		if got := env.Data.(map[string]any)["height"].(float64); got != want {
			t.Errorf("published height %v, want %v", got, want)
		}
	}
	if e.lastHeight != 102 {
		t.Errorf("lastHeight = %d, want 102", e.lastHeight)
	}
	if !e.mempoolDirty {
		t.Error("a published block must mark the mempool snapshot dirty")
	}
}

func TestTransactionBurstPublishesEveryTransaction(t *testing.T) {
	e := NewEventSource(nil, "", time.Second, nil)
	sub := e.subscribe([]string{ChannelTransactions})
	defer e.unsubscribe(sub)
	e.lastTxID = 6

	e.publishNewTransactions(newRenderCtx("", ""), []*models.Transaction{
		{ID: 7, TxID: make([]byte, 32)},
		{ID: 8, TxID: make([]byte, 32)},
	})

	if len(sub.queue) != 2 {
		t.Fatalf("subscriber got %d events, want one per transaction", len(sub.queue))
	}
	if e.lastTxID != 8 {
		t.Errorf("lastTxID = %d, want 8", e.lastTxID)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := NewEventSource(nil, "", time.Second, nil)
	sub := e.subscribe([]string{ChannelMempool})
	e.unsubscribe(sub)

	e.publish(ChannelMempool, "mempoolupdate", nil)
	if len(sub.queue) != 0 {
		t.Errorf("unsubscribed queue received %d events", len(sub.queue))
	}
}
