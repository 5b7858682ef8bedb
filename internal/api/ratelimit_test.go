package api

import (
	"testing"
	"time"
)

func TestTokenBucketSpendsAndRefills(t *testing.T) {
	now := time.Now()
	b := &tokenBucket{tokens: 2, filled: now}

	// Burst capacity of two: two immediate takes succeed, the third is
	// refused with a wait of one full token interval.
	if ok, _ := b.take(now, 1, 2); !ok {
		t.Fatal("first take refused on a full bucket")
	}
	if ok, _ := b.take(now, 1, 2); !ok {
		t.Fatal("second take refused within burst")
	}
	ok, wait := b.take(now, 1, 2)
	if ok {
		t.Fatal("empty bucket granted a token")
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("wait = %v, want (0, 1s]", wait)
	}

	// One second at one token per second restores exactly one take.
	if ok, _ := b.take(now.Add(time.Second), 1, 2); !ok {
		t.Error("refilled bucket refused a take")
	}
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	rl := NewRateLimiter(60, 1)

	if ok, _ := rl.take("10.0.0.1"); !ok {
		t.Fatal("fresh client refused")
	}
	if ok, _ := rl.take("10.0.0.1"); ok {
		t.Error("exhausted client was not limited")
	}
	// A different address draws from its own bucket.
	if ok, _ := rl.take("10.0.0.2"); !ok {
		t.Error("second client shares the first client's bucket")
	}
}
