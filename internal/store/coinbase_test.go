package store

import (
	"testing"
)

func TestParseCoinbaseSignature(t *testing.T) {
	// A short script is a solo miner: no pool tag, solo flag set.
	sig, solo := ParseCoinbaseSignature([]byte{0x03, 0x4a, 0x5b, 0x6c})
	if sig != nil || !solo {
		t.Errorf("short coinbase: got sig=%v solo=%v, want nil/true", sig, solo)
	}

	// A tagged script carries the pool name between the final slashes.
	raw := append([]byte{0x03, 0x4a, 0x5b, 0x6c, 0x00, 0x00, 0x00, 0x00, 0x00}, []byte("mined by /SlushPool/")...)
	sig, solo = ParseCoinbaseSignature(raw)
	if solo {
		t.Errorf("tagged coinbase flagged solo")
	}
	if sig == nil || *sig != "/SlushPool/" {
		t.Errorf("tagged coinbase: got %v, want /SlushPool/", sig)
	}

	// No trailing slash means no recognizable tag.
	raw = append([]byte{0x03, 0x4a, 0x5b, 0x6c, 0x00, 0x00, 0x00, 0x00, 0x00}, []byte("/SlushPool")...)
	sig, solo = ParseCoinbaseSignature(raw)
	if sig != nil || solo {
		t.Errorf("untagged coinbase: got sig=%v solo=%v, want nil/false", sig, solo)
	}

	// Unprintable bytes between the slashes are not a tag.
	raw = append([]byte{0x03, 0x4a, 0x5b, 0x6c, 0x00, 0x00, 0x00, 0x00, 0x00}, '/', 0x01, 0x02, '/')
	sig, _ = ParseCoinbaseSignature(raw)
	if sig != nil {
		t.Errorf("binary tag accepted: %v", *sig)
	}
}

func TestMainCoinbaseOutput(t *testing.T) {
	// One output holding >95% of the coinbase value is the main payout.
	outputs := []CoinbaseOutput{
		{N: 0, Address: "A", Amount: 9600},
		{N: 1, Address: "B", Amount: 400},
	}
	best := mainCoinbaseOutput(outputs)
	if best == nil || best.N != 0 {
		t.Fatalf("main output = %v, want output 0", best)
	}

	// An even split has no main output and no attributable payout.
	outputs = []CoinbaseOutput{
		{N: 0, Address: "A", Amount: 5000},
		{N: 1, Address: "B", Amount: 5000},
	}
	if mainCoinbaseOutput(outputs) != nil {
		t.Errorf("even split must have no main output")
	}

	if mainCoinbaseOutput(nil) != nil {
		t.Errorf("empty output set must have no main output")
	}
}

func TestCoinbaseDeclaredHeight(t *testing.T) {
	// Height 842092 = 0x0cd96c, pushed little-endian with a 3-byte push.
	height, ok := coinbaseDeclaredHeight([]byte{0x03, 0x6c, 0xd9, 0x0c, 0xff, 0xff})
	if !ok || height != 842092 {
		t.Errorf("declared height = %d/%v, want 842092/true", height, ok)
	}

	if _, ok := coinbaseDeclaredHeight([]byte{0x03}); ok {
		t.Errorf("truncated push accepted")
	}
	if _, ok := coinbaseDeclaredHeight(nil); ok {
		t.Errorf("empty script accepted")
	}
}

func TestBlockTxSinkOnlyForFirstTransaction(t *testing.T) {
	// The coinbase is always the block's first transaction. Every later
	// position gets a nil sink so an already-imported transaction is
	// never refetched from the node just to look for coinbase data.
	sink := make(map[string]CoinbaseData)
	if blockTxSink(0, sink) == nil {
		t.Errorf("first transaction must receive the coinbase sink")
	}
	for _, pos := range []int{1, 2, 500} {
		if blockTxSink(pos, sink) != nil {
			t.Errorf("position %d received a sink, want nil", pos)
		}
	}
}

func TestCoinbaseSignatureTakesLastTagPair(t *testing.T) {
	// Multiple slash-delimited fields: the tag is the final pair.
	raw := append([]byte{0x03, 0x4a, 0x5b, 0x6c, 0x00, 0x00, 0x00, 0x00, 0x00}, []byte("/P2SH/Extra/F2Pool/")...)
	sig, solo := ParseCoinbaseSignature(raw)
	if solo {
		t.Errorf("tagged coinbase flagged solo")
	}
	if sig == nil || *sig != "/F2Pool/" {
		t.Errorf("got %v, want /F2Pool/", sig)
	}
}
