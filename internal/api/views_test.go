package api

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/chain-indexer/pkg/models"
)

func mustTxID(t *testing.T, s string) []byte {
	t.Helper()
	raw, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad txid fixture: %v", err)
	}
	return raw
}

func TestRenderCtxExpansion(t *testing.T) {
	rc := newRenderCtx("https://api.example.net", "block, miner")
	if !rc.expands("block") || !rc.expands("miner") {
		t.Errorf("listed keys not expanded")
	}
	if rc.expands("transaction") {
		t.Errorf("unlisted key expanded")
	}

	rc = newRenderCtx("", "*")
	if !rc.expands("anything") {
		t.Errorf("wildcard did not expand")
	}
}

func TestHrefPrefix(t *testing.T) {
	rc := newRenderCtx("https://api.example.net", "")
	ref := rc.href("blocks", "42")
	if ref["href"] != "https://api.example.net/blocks/42/" {
		t.Errorf("href = %v", ref["href"])
	}
}

func TestTransactionViewReflinkVsExpand(t *testing.T) {
	height := int64(842092)
	blockTime := time.Unix(1715000000, 0)
	tx := &models.Transaction{
		TxID:        mustTxID(t, "aabbccdd00112233445566778899aabbccddeeff00112233445566778899aabb"),
		Fee:         100000,
		TotalValue:  5000000000,
		BlockHeight: &height,
		BlockTime:   &blockTime,
	}

	// Without expansion the block ships as a bare reference object.
	view := newRenderCtx("", "").transactionView(tx)
	block, ok := view["block"].(gin.H)
	if !ok {
		t.Fatalf("block view missing: %v", view["block"])
	}
	if _, hasHeight := block["height"]; hasHeight {
		t.Errorf("unexpanded block leaked fields: %v", block)
	}
	if block["href"] == nil {
		t.Errorf("unexpanded block has no href")
	}

	// With expand=block the height and timestamp are inlined.
	view = newRenderCtx("", "block").transactionView(tx)
	block = view["block"].(gin.H)
	if block["height"] == nil || block["timestamp"] == nil {
		t.Errorf("expanded block missing fields: %v", block)
	}

	// Amounts ship in coin units.
	if view["fee"] != 0.001 {
		t.Errorf("fee = %v, want 0.001", view["fee"])
	}
	if view["totalvalue"] != 50.0 {
		t.Errorf("totalvalue = %v, want 50.0", view["totalvalue"])
	}
}

func TestTransactionViewUnconfirmed(t *testing.T) {
	seen := time.Unix(1715000000, 0)
	tx := &models.Transaction{
		TxID:      mustTxID(t, "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"),
		FirstSeen: &seen,
	}
	view := newRenderCtx("", "").transactionView(tx)
	if view["confirmed"] != false {
		t.Errorf("confirmed = %v, want false", view["confirmed"])
	}
	if view["block"] != nil {
		t.Errorf("unconfirmed tx carries block %v", view["block"])
	}
	if view["timestamp"] != int64(1715000000) {
		t.Errorf("timestamp = %v, want firstseen seconds", view["timestamp"])
	}
}

func TestBlockViewHashAndTimes(t *testing.T) {
	height := int64(1)
	b := &models.Block{
		Hash:      mustTxID(t, "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"),
		Height:    &height,
		Timestamp: time.Unix(1231006505, 0),
	}
	view := newRenderCtx("", "").blockView(b, nil)
	if view["hash"] != "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f" {
		t.Errorf("hash = %v", view["hash"])
	}
	if view["timestamp"] != int64(1231006505) {
		t.Errorf("timestamp = %v, want unix seconds", view["timestamp"])
	}
	if view["miner"] != nil {
		t.Errorf("minerless block carries miner %v", view["miner"])
	}
}
