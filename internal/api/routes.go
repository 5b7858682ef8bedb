package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/chain-indexer/internal/config"
	"github.com/rawblock/chain-indexer/internal/store"
)

type APIHandler struct {
	store    *store.Store
	events   *EventSource
	wsHub    *Hub
	endpoint string
}

func SetupRouter(cfg config.Config, s *store.Store, events *EventSource, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://example.net,https://www.example.net
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := cfg.AllowedOrigins
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	// The API is public and unauthenticated; the per-IP limiter is its
	// only abuse control. The SSE and websocket endpoints are exempt
	// since they hold one long-lived request.
	limiter := NewRateLimiter(600, 100)

	handler := &APIHandler{store: s, events: events, wsHub: wsHub, endpoint: cfg.APIEndpoint}

	blocks := r.Group("/blocks", limiter.Middleware())
	{
		blocks.GET("/", handler.handleBlocks)
		blocks.GET("/:id/", handler.handleBlock)
		blocks.GET("/:id/miner/", handler.handleBlockMiner)
		blocks.GET("/:id/transactions/", handler.handleBlockTransactions)
	}

	transactions := r.Group("/transactions", limiter.Middleware())
	{
		transactions.GET("/", handler.handleTransactions)
		transactions.GET("/:txid/", handler.handleTransaction)
		transactions.GET("/:txid/inputs/", handler.handleTransactionInputs)
		transactions.GET("/:txid/inputs/:index/", handler.handleTransactionInput)
		transactions.GET("/:txid/outputs/", handler.handleTransactionOutputs)
		transactions.GET("/:txid/outputs/:index/", handler.handleTransactionOutput)
		transactions.GET("/:txid/mutations/", handler.handleTransactionMutations)
	}

	address := r.Group("/address", limiter.Middleware())
	{
		address.GET("/:address/", handler.handleAddress)
		address.GET("/:address/balance/", handler.handleAddressBalance)
		address.GET("/:address/pending/", handler.handleAddressPending)
		address.GET("/:address/mutations/", handler.handleAddressMutations)
	}

	r.GET("/networkstats/", limiter.Middleware(), handler.handleNetworkStats)
	r.GET("/poolstats/", limiter.Middleware(), handler.handlePoolStats)
	r.GET("/richlist/", limiter.Middleware(), handler.handleRichlist)
	r.GET("/coins/", limiter.Middleware(), handler.handleCoins)
	r.GET("/search/:query/", limiter.Middleware(), handler.handleSearch)

	feed := r.Group("/events")
	{
		feed.GET("/subscribe", handler.handleEventsSubscribe)
		feed.GET("/ws", wsHub.Subscribe)
	}

	return r
}

func (h *APIHandler) render(c *gin.Context) *renderCtx {
	return newRenderCtx(h.endpoint, c.Query("expand"))
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}
