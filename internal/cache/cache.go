// Package cache holds the writer-local lookup tiers that keep the
// transaction import path off the database for hot keys. The tiers are
// never consulted by the read façade.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Capacities match the sizing the indexer has always run with.
const (
	AddressCacheSize = 16384
	TxIDCacheSize    = 131072
	UTXOCacheSize    = 262144

	MempoolSeenSize = 4096
	MempoolSeenTTL  = 600 * time.Second
)

// CachedAddress is the slice of an address row the import path needs.
type CachedAddress struct {
	ID      int64
	Type    string
	Address *string
	Raw     *string
}

// UTXOEntry is a spendable output known to exist; consumed entries must
// be removed so a UTXO can never be resolved twice from cache.
type UTXOEntry struct {
	TxInternalID   int64
	UTXOInternalID int64
	Amount         int64
}

// Tiers bundles the three import caches. The UTXO tier is optional.
type Tiers struct {
	addresses *lru.Cache[string, CachedAddress]
	txids     *lru.Cache[string, int64]
	utxos     *lru.Cache[string, UTXOEntry] // nil when disabled
}

// NewTiers sets up the caches. utxoCache=false disables the third tier,
// in which case input resolution falls through to the txid tier and the
// slow path only.
func NewTiers(utxoCache bool) *Tiers {
	addresses, _ := lru.New[string, CachedAddress](AddressCacheSize)
	txids, _ := lru.New[string, int64](TxIDCacheSize)

	t := &Tiers{addresses: addresses, txids: txids}
	if utxoCache {
		t.utxos, _ = lru.New[string, UTXOEntry](UTXOCacheSize)
	}
	return t
}

// Address looks up an address row by its string form.
func (t *Tiers) Address(address string) (CachedAddress, bool) {
	return t.addresses.Get(address)
}

// PutAddress records a resolved address. Rows without an address string
// are never cached.
func (t *Tiers) PutAddress(address string, entry CachedAddress) {
	t.addresses.Add(address, entry)
}

// AddressLen reports the current address tier population.
func (t *Tiers) AddressLen() int {
	return t.addresses.Len()
}

// TxID resolves a txid (binary, as string key) to its internal id.
func (t *Tiers) TxID(txid string) (int64, bool) {
	return t.txids.Get(txid)
}

// PutTxID records txid → internal id.
func (t *Tiers) PutTxID(txid string, internalID int64) {
	t.txids.Add(txid, internalID)
}

// TxIDLen reports the current txid tier population.
func (t *Tiers) TxIDLen() int {
	return t.txids.Len()
}

// UTXOEnabled reports whether the third tier is active.
func (t *Tiers) UTXOEnabled() bool {
	return t.utxos != nil
}

// ConsumeUTXO resolves a "txidhex_vout" key and removes the entry on
// hit. A UTXO is spent at most once, so consuming it from cache is both
// the size control and the double-resolution guard.
func (t *Tiers) ConsumeUTXO(key string) (UTXOEntry, bool) {
	if t.utxos == nil {
		return UTXOEntry{}, false
	}
	entry, ok := t.utxos.Get(key)
	if ok {
		t.utxos.Remove(key)
	}
	return entry, ok
}

// PutUTXO records a freshly created output. RAW-typed outputs are never
// cached (callers enforce this).
func (t *Tiers) PutUTXO(key string, entry UTXOEntry) {
	if t.utxos == nil {
		return
	}
	t.utxos.Add(key, entry)
}

// UTXOLen reports the current UTXO tier population (0 when disabled).
func (t *Tiers) UTXOLen() int {
	if t.utxos == nil {
		return 0
	}
	return t.utxos.Len()
}

// MempoolSeen is the short-TTL set of txids already picked up from the
// node's mempool during this run.
type MempoolSeen struct {
	set *expirable.LRU[string, struct{}]
}

// NewMempoolSeen builds the seen-set with its standard TTL and size.
func NewMempoolSeen() *MempoolSeen {
	return &MempoolSeen{set: expirable.NewLRU[string, struct{}](MempoolSeenSize, nil, MempoolSeenTTL)}
}

// Contains reports whether the txid was seen within the TTL window.
func (m *MempoolSeen) Contains(txid string) bool {
	_, ok := m.set.Get(txid)
	return ok
}

// Add marks a txid as seen.
func (m *MempoolSeen) Add(txid string) {
	m.set.Add(txid, struct{}{})
}
