package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rawblock/chain-indexer/internal/store"
	"github.com/rawblock/chain-indexer/pkg/models"
)

// Event channels.
const (
	ChannelBlocks       = "blocks"
	ChannelTransactions = "transactions"
	ChannelMempool      = "mempool"
	ChannelKeepalive    = "keepalive"
)

const (
	keepaliveInterval = 20 * time.Second
	// subscriberQueueCap bounds each subscriber; on overflow the oldest
	// event is dropped so a stalled client never stalls the poller.
	subscriberQueueCap = 64

	mempoolSnapshotLimit = 100
	// sampleBatchLimit caps how many backlog entities one poll fetches;
	// the high-water marks only advance past what was published, so a
	// larger burst carries over to the next poll instead of being lost.
	sampleBatchLimit = 100
)

// envelope is the wire shape of every event.
type envelope struct {
	Event   string `json:"event"`
	Data    any    `json:"data"`
	Channel string `json:"channel"`
}

type subscriber struct {
	id       uuid.UUID
	channels map[string]bool
	queue    chan []byte
}

// EventSource samples the store for new blocks and transactions and
// fans the resulting events out to SSE subscribers (and the websocket
// hub, which mirrors every event).
type EventSource struct {
	store    *store.Store
	endpoint string
	interval time.Duration
	hub      *Hub

	mu          sync.Mutex
	subscribers map[uuid.UUID]*subscriber

	lastHeight   int64
	lastTxID     int64
	mempoolDirty bool
}

func NewEventSource(s *store.Store, endpoint string, pollInterval time.Duration, hub *Hub) *EventSource {
	return &EventSource{
		store:       s,
		endpoint:    endpoint,
		interval:    pollInterval,
		hub:         hub,
		subscribers: make(map[uuid.UUID]*subscriber),
		lastHeight:  -1,
	}
}

// Run polls until the context is cancelled. The first sample only
// primes the high-water marks so a restart does not replay history.
func (e *EventSource) Run(ctx context.Context) {
	primed := false
	poll := time.NewTicker(e.interval)
	keepalive := time.NewTicker(keepaliveInterval)
	defer poll.Stop()
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			e.publish(ChannelKeepalive, "keepalive", time.Now().Unix())
		case <-poll.C:
			if err := e.sample(ctx, primed); err != nil {
				log.Printf("[Events] Sample failed: %v", err)
				continue
			}
			primed = true
		}
	}
}

func (e *EventSource) sample(ctx context.Context, publish bool) error {
	rc := newRenderCtx(e.endpoint, "")

	chaintip, err := e.store.Chaintip(ctx)
	if err != nil {
		return err
	}
	if chaintip != nil && chaintip.Height != nil && *chaintip.Height > e.lastHeight {
		if publish {
			// Several blocks can land within one poll interval; each one
			// gets its own event, in chain order.
			blocks, err := e.store.Blocks(ctx, e.lastHeight+1, sampleBatchLimit, 0)
			if err != nil {
				return err
			}
			e.publishNewBlocks(rc, blocks)
		} else {
			e.lastHeight = *chaintip.Height
		}
	}

	latestID, err := e.store.LatestTransactionID(ctx)
	if err != nil {
		return err
	}
	if latestID > e.lastTxID {
		if publish {
			txs, err := e.store.TransactionsAfter(ctx, e.lastTxID, sampleBatchLimit)
			if err != nil {
				return err
			}
			e.publishNewTransactions(rc, txs)
		} else {
			e.lastTxID = latestID
		}
	}

	if publish && e.mempoolDirty {
		mempool, err := e.store.LatestTransactions(ctx, 0, mempoolSnapshotLimit, nil, true)
		if err != nil {
			return err
		}
		views := make([]gin.H, 0, len(mempool))
		for _, t := range mempool {
			views = append(views, rc.transactionView(t))
		}
		e.publish(ChannelMempool, "mempoolupdate", views)
		e.mempoolDirty = false
	}
	return nil
}

// publishNewBlocks emits one newblock per block in ascending order and
// advances the high-water mark to the highest published height.
func (e *EventSource) publishNewBlocks(rc *renderCtx, blocks []*models.Block) {
	for _, b := range blocks {
		e.publish(ChannelBlocks, "newblock", rc.blockView(b, nil))
		if b.Height != nil && *b.Height > e.lastHeight {
			e.lastHeight = *b.Height
		}
	}
	if len(blocks) > 0 {
		e.mempoolDirty = true
	}
}

// publishNewTransactions emits one newtx per transaction in internal-id
// order and advances the high-water mark past the published set.
func (e *EventSource) publishNewTransactions(rc *renderCtx, txs []*models.Transaction) {
	for _, t := range txs {
		e.publish(ChannelTransactions, "newtx", rc.transactionView(t))
		if t.ID > e.lastTxID {
			e.lastTxID = t.ID
		}
	}
	if len(txs) > 0 {
		e.mempoolDirty = true
	}
}

func (e *EventSource) publish(channel, event string, data any) {
	payload, err := json.Marshal(envelope{Event: event, Data: data, Channel: channel})
	if err != nil {
		log.Printf("[Events] Marshal failed: %v", err)
		return
	}
	if e.hub != nil {
		e.hub.Broadcast(payload)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subscribers {
		if !sub.channels[channel] {
			continue
		}
		for {
			select {
			case sub.queue <- payload:
			default:
				// Full queue: drop the oldest event and retry.
				select {
				case <-sub.queue:
				default:
				}
				continue
			}
			break
		}
	}
}

func (e *EventSource) subscribe(channels []string) *subscriber {
	sub := &subscriber{
		id:       uuid.New(),
		channels: make(map[string]bool, len(channels)),
		queue:    make(chan []byte, subscriberQueueCap),
	}
	for _, ch := range channels {
		sub.channels[strings.TrimSpace(ch)] = true
	}
	e.mu.Lock()
	e.subscribers[sub.id] = sub
	count := len(e.subscribers)
	e.mu.Unlock()
	log.Printf("[Events] Subscriber %s connected (%d total)", sub.id, count)
	return sub
}

func (e *EventSource) unsubscribe(sub *subscriber) {
	e.mu.Lock()
	delete(e.subscribers, sub.id)
	count := len(e.subscribers)
	e.mu.Unlock()
	log.Printf("[Events] Subscriber %s disconnected (%d total)", sub.id, count)
}

// handleEventsSubscribe streams events over SSE. Channels are chosen
// with ?channels=a,b; keepalive is always included so proxies do not
// time the stream out.
func (h *APIHandler) handleEventsSubscribe(c *gin.Context) {
	channels := strings.Split(c.DefaultQuery("channels", ChannelBlocks), ",")
	channels = append(channels, ChannelKeepalive)
	sub := h.events.subscribe(channels)
	defer h.events.unsubscribe(sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case payload, ok := <-sub.queue:
			if !ok {
				return false
			}
			if _, err := w.Write(append(append([]byte("data: "), payload...), '\n', '\n')); err != nil {
				return false
			}
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
