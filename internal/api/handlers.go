package api

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gin-gonic/gin"

	"github.com/rawblock/chain-indexer/pkg/models"
)

func (h *APIHandler) handleBlocks(c *gin.Context) {
	rc := h.render(c)
	p := parsePage(c)

	lo := p.start
	if p.backwards {
		chaintip, err := h.store.Chaintip(c.Request.Context())
		if err != nil || chaintip == nil || chaintip.Height == nil {
			c.JSON(http.StatusOK, []gin.H{})
			return
		}
		lo = *chaintip.Height + p.start + 1
		if lo < 0 {
			lo = 0
		}
	}

	blocks, err := h.store.Blocks(c.Request.Context(), lo, p.limit, p.interval)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]gin.H, 0, len(blocks))
	for _, b := range blocks {
		views = append(views, rc.blockView(b, nil))
	}
	c.JSON(http.StatusOK, views)
}

// lookupBlock resolves the :id path segment: decimal height or 64-hex
// block hash.
func (h *APIHandler) lookupBlock(c *gin.Context) *models.Block {
	id := c.Param("id")
	if height, err := strconv.ParseInt(id, 10, 64); err == nil {
		block, err := h.store.BlockByHeight(c.Request.Context(), height)
		if err == nil && block != nil {
			return block
		}
		return nil
	}
	if raw, err := hex.DecodeString(id); err == nil && len(raw) == 32 {
		block, err := h.store.BlockByHash(c.Request.Context(), raw)
		if err == nil {
			return block
		}
	}
	return nil
}

func (h *APIHandler) handleBlock(c *gin.Context) {
	rc := h.render(c)
	block := h.lookupBlock(c)
	if block == nil {
		notFound(c)
		return
	}
	var miner *models.Pool
	if rc.expands("miner") && block.MinerID != nil {
		miner, _ = h.store.PoolByID(c.Request.Context(), *block.MinerID)
	}
	c.JSON(http.StatusOK, rc.blockView(block, miner))
}

func (h *APIHandler) handleBlockMiner(c *gin.Context) {
	rc := h.render(c)
	block := h.lookupBlock(c)
	if block == nil || block.MinerID == nil {
		notFound(c)
		return
	}
	pool, err := h.store.PoolByID(c.Request.Context(), *block.MinerID)
	if err != nil || pool == nil {
		notFound(c)
		return
	}
	c.JSON(http.StatusOK, rc.poolView(pool))
}

func (h *APIHandler) handleBlockTransactions(c *gin.Context) {
	rc := h.render(c)
	block := h.lookupBlock(c)
	if block == nil {
		notFound(c)
		return
	}
	p := parsePage(c)
	if p.start < 0 {
		c.JSON(http.StatusOK, []gin.H{})
		return
	}
	txs, err := h.store.BlockTransactions(c.Request.Context(), block.ID, p.start, p.limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]gin.H, 0, len(txs))
	for _, t := range txs {
		views = append(views, rc.transactionView(t))
	}
	c.JSON(http.StatusOK, views)
}

func (h *APIHandler) handleTransactions(c *gin.Context) {
	rc := h.render(c)
	p := parsePage(c)
	if p.start < 0 {
		c.JSON(http.StatusOK, []gin.H{})
		return
	}
	mempool := c.Query("mempool") == "true"
	txs, err := h.store.LatestTransactions(c.Request.Context(), p.start, p.limit, confirmedFilter(c), mempool)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]gin.H, 0, len(txs))
	for _, t := range txs {
		views = append(views, rc.transactionView(t))
	}
	c.JSON(http.StatusOK, views)
}

func (h *APIHandler) lookupTransaction(c *gin.Context) *models.Transaction {
	txid := c.Param("txid")
	if len(txid) != 64 {
		return nil
	}
	tx, err := h.store.TransactionJoined(c.Request.Context(), txid)
	if err != nil {
		return nil
	}
	return tx
}

func (h *APIHandler) handleTransaction(c *gin.Context) {
	tx := h.lookupTransaction(c)
	if tx == nil {
		notFound(c)
		return
	}
	c.JSON(http.StatusOK, h.render(c).transactionView(tx))
}

func (h *APIHandler) handleTransactionInputs(c *gin.Context) {
	rc := h.render(c)
	tx := h.lookupTransaction(c)
	if tx == nil {
		notFound(c)
		return
	}
	inputs, err := h.store.TransactionInputs(c.Request.Context(), tx.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]gin.H, 0, len(inputs))
	for _, d := range inputs {
		views = append(views, rc.inputView(d))
	}
	c.JSON(http.StatusOK, views)
}

func (h *APIHandler) handleTransactionInput(c *gin.Context) {
	rc := h.render(c)
	tx := h.lookupTransaction(c)
	if tx == nil {
		notFound(c)
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		notFound(c)
		return
	}
	inputs, err := h.store.TransactionInputs(c.Request.Context(), tx.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, d := range inputs {
		if d.Index == index {
			c.JSON(http.StatusOK, rc.inputView(d))
			return
		}
	}
	notFound(c)
}

func (h *APIHandler) handleTransactionOutputs(c *gin.Context) {
	rc := h.render(c)
	tx := h.lookupTransaction(c)
	if tx == nil {
		notFound(c)
		return
	}
	outputs, err := h.store.TransactionOutputs(c.Request.Context(), tx.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]gin.H, 0, len(outputs))
	for _, d := range outputs {
		views = append(views, rc.outputView(tx.TxIDHex(), d))
	}
	c.JSON(http.StatusOK, views)
}

func (h *APIHandler) handleTransactionOutput(c *gin.Context) {
	rc := h.render(c)
	tx := h.lookupTransaction(c)
	if tx == nil {
		notFound(c)
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		notFound(c)
		return
	}
	outputs, err := h.store.TransactionOutputs(c.Request.Context(), tx.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, d := range outputs {
		if d.Index == index {
			c.JSON(http.StatusOK, rc.outputView(tx.TxIDHex(), d))
			return
		}
	}
	notFound(c)
}

func (h *APIHandler) handleTransactionMutations(c *gin.Context) {
	rc := h.render(c)
	tx := h.lookupTransaction(c)
	if tx == nil {
		notFound(c)
		return
	}
	mutations, err := h.store.TransactionMutations(c.Request.Context(), tx.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]gin.H, 0, len(mutations))
	for _, d := range mutations {
		views = append(views, rc.mutationView(d))
	}
	c.JSON(http.StatusOK, views)
}

func (h *APIHandler) lookupAddress(c *gin.Context) *models.Address {
	addr, err := h.store.AddressByString(c.Request.Context(), c.Param("address"))
	if err != nil {
		return nil
	}
	return addr
}

func (h *APIHandler) handleAddress(c *gin.Context) {
	addr := h.lookupAddress(c)
	if addr == nil {
		notFound(c)
		return
	}
	c.JSON(http.StatusOK, h.render(c).addressView(addr))
}

func (h *APIHandler) handleAddressBalance(c *gin.Context) {
	addr := h.lookupAddress(c)
	if addr == nil {
		notFound(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": coinPtr(addr.Balance), "dirty": addr.BalanceDirty != 0})
}

func (h *APIHandler) handleAddressPending(c *gin.Context) {
	addr := h.lookupAddress(c)
	if addr == nil {
		notFound(c)
		return
	}
	pending, err := h.store.AddressPending(c.Request.Context(), addr.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": coin(pending)})
}

func (h *APIHandler) handleAddressMutations(c *gin.Context) {
	rc := h.render(c)
	addr := h.lookupAddress(c)
	if addr == nil {
		notFound(c)
		return
	}
	p := parsePage(c)
	if p.start < 0 {
		c.JSON(http.StatusOK, []gin.H{})
		return
	}
	mutations, err := h.store.AddressMutations(c.Request.Context(), addr.ID, p.start, p.limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]gin.H, 0, len(mutations))
	for _, d := range mutations {
		views = append(views, rc.mutationView(d))
	}
	c.JSON(http.StatusOK, views)
}

func sinceParam(c *gin.Context) time.Time {
	if raw := c.Query("since"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.Unix(v, 0).UTC()
		}
	}
	return time.Unix(0, 0).UTC()
}

func (h *APIHandler) handleNetworkStats(c *gin.Context) {
	ctx := c.Request.Context()
	if c.Query("since") == "" {
		// Whole-chain totals come from the counter cache.
		blocks, err := h.store.CounterValue(ctx, models.CounterTotalBlocks)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		txs, err := h.store.CounterValue(ctx, models.CounterTotalTransactions)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"blocks": blocks, "transactions": txs})
		return
	}
	stats, err := h.store.NetworkStatsSince(ctx, sinceParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": stats.Blocks, "transactions": stats.Transactions})
}

func (h *APIHandler) handlePoolStats(c *gin.Context) {
	rc := h.render(c)
	stats, err := h.store.PoolStats(c.Request.Context(), sinceParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]gin.H, 0, len(stats))
	for _, st := range stats {
		view := rc.poolView(&st.Pool)
		view["blocksmined"] = st.BlocksMined
		views = append(views, view)
	}
	c.JSON(http.StatusOK, views)
}

func (h *APIHandler) handleRichlist(c *gin.Context) {
	rc := h.render(c)
	p := parsePage(c)
	if p.start < 0 {
		c.JSON(http.StatusOK, []gin.H{})
		return
	}
	addresses, err := h.store.Richlist(c.Request.Context(), p.start, p.limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]gin.H, 0, len(addresses))
	for i, a := range addresses {
		view := rc.addressView(a)
		view["rank"] = p.start + int64(i) + 1
		views = append(views, view)
	}
	c.JSON(http.StatusOK, views)
}

func (h *APIHandler) handleCoins(c *gin.Context) {
	ctx := c.Request.Context()
	released, err := h.store.CounterValue(ctx, models.CounterTotalCoinsReleased)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := h.store.SumAddressBalances(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"released":  coin(released),
		"addressed": coin(total),
	})
}

// handleSearch classifies an opaque id string and redirects to the
// entity it names: height, block hash, txid, or address.
func (h *APIHandler) handleSearch(c *gin.Context) {
	query := c.Param("query")
	ctx := c.Request.Context()

	if height, err := strconv.ParseInt(query, 10, 64); err == nil {
		if block, err := h.store.BlockByHeight(ctx, height); err == nil && block != nil {
			c.Redirect(http.StatusFound, h.endpoint+"/blocks/"+query+"/")
			return
		}
		notFound(c)
		return
	}

	if raw, err := hex.DecodeString(query); err == nil && len(raw) == 32 {
		// 64-hex is ambiguous: block hash first, then txid.
		if block, err := h.store.BlockByHash(ctx, raw); err == nil && block != nil {
			c.Redirect(http.StatusFound, h.endpoint+"/blocks/"+query+"/")
			return
		}
		if tx, err := h.store.TransactionByTxID(ctx, query); err == nil && tx != nil {
			c.Redirect(http.StatusFound, h.endpoint+"/transactions/"+query+"/")
			return
		}
		notFound(c)
		return
	}

	if _, err := btcutil.DecodeAddress(query, &chaincfg.MainNetParams); err == nil {
		if addr, err := h.store.AddressByString(ctx, query); err == nil && addr != nil {
			c.Redirect(http.StatusFound, h.endpoint+"/address/"+query+"/")
			return
		}
	}
	notFound(c)
}
