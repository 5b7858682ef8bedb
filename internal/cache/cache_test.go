package cache

import (
	"testing"
)

func TestConsumeUTXORemovesOnHit(t *testing.T) {
	tiers := NewTiers(true)
	tiers.PutUTXO("ab_0", UTXOEntry{TxInternalID: 1, UTXOInternalID: 7, Amount: 5000})

	entry, ok := tiers.ConsumeUTXO("ab_0")
	if !ok || entry.UTXOInternalID != 7 {
		t.Fatalf("first consume: got %v/%v, want hit with id 7", entry, ok)
	}

	// A UTXO is spent at most once: the second lookup must miss.
	if _, ok := tiers.ConsumeUTXO("ab_0"); ok {
		t.Errorf("second consume of the same UTXO hit the cache")
	}
	if tiers.UTXOLen() != 0 {
		t.Errorf("consumed entry still counted: len=%d", tiers.UTXOLen())
	}
}

func TestUTXOTierDisabled(t *testing.T) {
	tiers := NewTiers(false)
	if tiers.UTXOEnabled() {
		t.Fatalf("UTXO tier reported enabled")
	}
	// Puts and lookups are no-ops, not panics.
	tiers.PutUTXO("ab_0", UTXOEntry{})
	if _, ok := tiers.ConsumeUTXO("ab_0"); ok {
		t.Errorf("disabled tier produced a hit")
	}
	if tiers.UTXOLen() != 0 {
		t.Errorf("disabled tier reported len %d", tiers.UTXOLen())
	}
}

func TestTxIDAndAddressTiers(t *testing.T) {
	tiers := NewTiers(false)

	tiers.PutTxID("rawtxid", 42)
	if id, ok := tiers.TxID("rawtxid"); !ok || id != 42 {
		t.Errorf("txid tier: got %d/%v, want 42/true", id, ok)
	}
	if _, ok := tiers.TxID("other"); ok {
		t.Errorf("txid tier hit on unknown key")
	}

	addr := "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"
	tiers.PutAddress(addr, CachedAddress{ID: 9, Type: "base58", Address: &addr})
	cached, ok := tiers.Address(addr)
	if !ok || cached.ID != 9 {
		t.Errorf("address tier: got %v/%v, want id 9", cached, ok)
	}
}

func TestMempoolSeen(t *testing.T) {
	seen := NewMempoolSeen()
	if seen.Contains("tx1") {
		t.Fatalf("fresh seen-set contains tx1")
	}
	seen.Add("tx1")
	if !seen.Contains("tx1") {
		t.Errorf("seen-set lost tx1 immediately after Add")
	}
}
