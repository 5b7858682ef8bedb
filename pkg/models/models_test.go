package models

import (
	"testing"
	"time"
)

func TestAddressTypeInternalIDRoundTrip(t *testing.T) {
	// The stored integer mapping is a schema artefact; it must survive a
	// round trip exactly, including RAW's -1.
	for _, typ := range []AddressType{AddressBase58, AddressBech32, AddressData, AddressRaw} {
		got := ResolveAddressType(typ.InternalID())
		if got != typ {
			t.Errorf("ResolveAddressType(%d) = %s, want %s", typ.InternalID(), got, typ)
		}
	}
	if AddressRaw.InternalID() != -1 {
		t.Errorf("RAW address type must map to -1, got %d", AddressRaw.InternalID())
	}
	if ResolveAddressType(99) != AddressRaw {
		t.Errorf("Unknown internal ids must resolve to RAW")
	}
}

func TestOutputTypeInternalIDRoundTrip(t *testing.T) {
	for _, typ := range []OutputType{OutputP2PK, OutputP2PKH, OutputP2SH, OutputP2WPKH, OutputP2WSH, OutputRaw} {
		got := ResolveOutputType(typ.InternalID())
		if got != typ {
			t.Errorf("ResolveOutputType(%d) = %s, want %s", typ.InternalID(), got, typ)
		}
	}
	if OutputRaw.InternalID() != -1 {
		t.Errorf("RAW output type must map to -1, got %d", OutputRaw.InternalID())
	}
}

func TestOutputTypeFromRPC(t *testing.T) {
	cases := map[string]OutputType{
		"pubkey":                OutputP2PK,
		"pubkeyhash":            OutputP2PKH,
		"scripthash":            OutputP2SH,
		"witness_v0_keyhash":    OutputP2WPKH,
		"witness_v0_scripthash": OutputP2WSH,
		"nulldata":              OutputRaw,
		"multisig":              OutputRaw,
		"nonstandard":           OutputRaw,
		"something_new":         OutputRaw,
	}
	for rpc, want := range cases {
		if got := OutputTypeFromRPC(rpc); got != want {
			t.Errorf("OutputTypeFromRPC(%q) = %s, want %s", rpc, got, want)
		}
	}
}

func TestClassifyAddress(t *testing.T) {
	// Legacy base58 addresses are 34 characters or fewer; bech32 is
	// always longer.
	if got := ClassifyAddress("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"); got != AddressBase58 {
		t.Errorf("34-char address classified as %s, want base58", got)
	}
	if got := ClassifyAddress("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"); got != AddressBech32 {
		t.Errorf("42-char address classified as %s, want bech32", got)
	}
}

func TestSatoshiConversion(t *testing.T) {
	// 49.9 coins is not exactly representable in binary; the conversion
	// must round, not truncate.
	if got := SatoshiFromCoin(49.9); got != 4990000000 {
		t.Errorf("SatoshiFromCoin(49.9) = %d, want 4990000000", got)
	}
	if got := SatoshiFromCoin(0.00000001); got != 1 {
		t.Errorf("SatoshiFromCoin(1e-8) = %d, want 1", got)
	}
	if got := CoinFromSatoshi(4990000000); got != 49.9 {
		t.Errorf("CoinFromSatoshi(4990000000) = %v, want 49.9", got)
	}
}

func TestTransactionTimePrefersFirstSeen(t *testing.T) {
	seen := time.Unix(1000, 0)
	blockTime := time.Unix(2000, 0)
	tx := Transaction{FirstSeen: &seen, BlockTime: &blockTime}
	if got := tx.Time(); got == nil || !got.Equal(seen) {
		t.Errorf("Time() = %v, want firstseen %v", got, seen)
	}

	tx = Transaction{BlockTime: &blockTime}
	if got := tx.Time(); got == nil || !got.Equal(blockTime) {
		t.Errorf("Time() = %v, want block time %v", got, blockTime)
	}

	tx = Transaction{}
	if tx.Time() != nil {
		t.Errorf("Time() of an unobserved unconfirmed tx must be nil")
	}
}

func TestBlockTimePrefersFirstSeen(t *testing.T) {
	seen := time.Unix(1000, 0)
	b := Block{Timestamp: time.Unix(2000, 0), FirstSeen: &seen}
	if !b.Time().Equal(seen) {
		t.Errorf("Block.Time() = %v, want firstseen %v", b.Time(), seen)
	}
	b.FirstSeen = nil
	if !b.Time().Equal(b.Timestamp) {
		t.Errorf("Block.Time() = %v, want timestamp %v", b.Time(), b.Timestamp)
	}
}
