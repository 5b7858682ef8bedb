package api

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/chain-indexer/internal/store"
	"github.com/rawblock/chain-indexer/pkg/models"
)

// Views render entities into their public JSON shape: bytes as
// lowercase hex, times as Unix seconds, amounts as coin-unit floats.
// Only whitelisted fields ship. Nested entities appear as {href}
// reference objects unless the caller opted into expansion.

// renderCtx carries the href prefix and the expansion set of one
// request.
type renderCtx struct {
	endpoint string
	expand   map[string]bool
	all      bool
}

func newRenderCtx(endpoint, expandParam string) *renderCtx {
	rc := &renderCtx{endpoint: endpoint, expand: map[string]bool{}}
	for _, key := range strings.Split(expandParam, ",") {
		key = strings.TrimSpace(key)
		if key == "*" {
			rc.all = true
		} else if key != "" {
			rc.expand[key] = true
		}
	}
	return rc
}

func (rc *renderCtx) expands(key string) bool {
	return rc.all || rc.expand[key]
}

func (rc *renderCtx) href(parts ...string) gin.H {
	return gin.H{"href": rc.endpoint + "/" + strings.Join(parts, "/") + "/"}
}

func unix(t time.Time) int64 {
	return t.Unix()
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func coin(v models.Satoshi) float64 {
	return models.CoinFromSatoshi(v)
}

func coinPtr(v *models.Satoshi) any {
	if v == nil {
		return nil
	}
	return models.CoinFromSatoshi(*v)
}

func (rc *renderCtx) blockView(b *models.Block, miner *models.Pool) gin.H {
	view := gin.H{
		"hash":       b.HashHex(),
		"height":     b.Height,
		"size":       b.Size,
		"timestamp":  unix(b.Timestamp),
		"firstseen":  unixPtr(b.FirstSeen),
		"relayedby":  b.RelayedBy,
		"difficulty": b.Difficulty,
		"totalfee":   coinPtr(b.TotalFee),
		"href":       rc.href("blocks", b.HashHex())["href"],
	}
	switch {
	case b.MinerID == nil:
		view["miner"] = nil
	case rc.expands("miner") && miner != nil:
		view["miner"] = rc.poolView(miner)
	default:
		view["miner"] = rc.href("blocks", b.HashHex(), "miner")
	}
	view["transactions"] = rc.href("blocks", b.HashHex(), "transactions")
	return view
}

func (rc *renderCtx) transactionView(t *models.Transaction) gin.H {
	view := gin.H{
		"txid":        t.TxIDHex(),
		"size":        t.Size,
		"fee":         coin(t.Fee),
		"totalvalue":  coin(t.TotalValue),
		"firstseen":   unixPtr(t.FirstSeen),
		"relayedby":   t.RelayedBy,
		"confirmed":   t.Confirmed(),
		"timestamp":   unixPtr(t.Time()),
		"coinbase":    t.Coinbase,
		"doublespent": t.DoubleSpends != nil,
		"href":        rc.href("transactions", t.TxIDHex())["href"],
	}
	if t.BlockHeight != nil {
		if rc.expands("block") {
			view["block"] = gin.H{
				"height":    t.BlockHeight,
				"timestamp": unixPtr(t.BlockTime),
				"href":      rc.href("blocks", strconv.FormatInt(*t.BlockHeight, 10))["href"],
			}
		} else {
			view["block"] = rc.href("blocks", strconv.FormatInt(*t.BlockHeight, 10))
		}
	} else {
		view["block"] = nil
	}
	view["inputs"] = rc.href("transactions", t.TxIDHex(), "inputs")
	view["outputs"] = rc.href("transactions", t.TxIDHex(), "outputs")
	view["mutations"] = rc.href("transactions", t.TxIDHex(), "mutations")
	return view
}

func (rc *renderCtx) addressView(a *models.Address) gin.H {
	view := gin.H{
		"type":    string(a.Type),
		"address": a.Address,
		"raw":     a.Raw,
		"balance": coinPtr(a.Balance),
		"dirty":   a.BalanceDirty != 0,
	}
	if a.Address != nil {
		view["href"] = rc.href("address", *a.Address)["href"]
		view["mutations"] = rc.href("address", *a.Address, "mutations")
		view["pending"] = rc.href("address", *a.Address, "pending")
	}
	return view
}

func (rc *renderCtx) inputView(d *store.InputDetail) gin.H {
	view := gin.H{
		"index":    d.Index,
		"coinbase": d.InputID == nil,
		"amount":   coinPtr(d.Amount),
		"address":  d.Address,
	}
	if d.SourceTxID != nil && d.SourceIndex != nil {
		srcTxID := hex.EncodeToString(d.SourceTxID)
		view["spends"] = rc.href("transactions", srcTxID, "outputs", strconv.Itoa(*d.SourceIndex))
	} else {
		view["spends"] = nil
	}
	return view
}

func (rc *renderCtx) outputView(txidHex string, d *store.OutputDetail) gin.H {
	view := gin.H{
		"index":   d.Index,
		"type":    string(d.Type),
		"address": d.Address,
		"amount":  coin(d.Amount),
		"spent":   d.SpentByID != nil,
		"href":    rc.href("transactions", txidHex, "outputs", strconv.Itoa(d.Index))["href"],
	}
	if d.SpentByTxID != nil {
		view["spentby"] = rc.href("transactions", hex.EncodeToString(d.SpentByTxID))
	} else {
		view["spentby"] = nil
	}
	return view
}

func (rc *renderCtx) mutationView(d *store.MutationDetail) gin.H {
	view := gin.H{
		"amount":    coin(d.Amount),
		"address":   d.Address,
		"confirmed": d.Confirmed,
		"timestamp": unixPtr(d.Time),
	}
	txidHex := hex.EncodeToString(d.TxID)
	if rc.expands("transaction") {
		view["transaction"] = gin.H{
			"txid": txidHex,
			"href": rc.href("transactions", txidHex)["href"],
		}
	} else {
		view["transaction"] = rc.href("transactions", txidHex)
	}
	return view
}

func (rc *renderCtx) poolView(p *models.Pool) gin.H {
	return gin.H{
		"name":       p.Name,
		"solo":       p.Solo,
		"website":    p.Website,
		"graphcolor": p.GraphColor,
	}
}
