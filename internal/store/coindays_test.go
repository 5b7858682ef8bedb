package store

import (
	"math"
	"testing"
	"time"

	"github.com/rawblock/chain-indexer/pkg/models"
)

func TestComputeCoinDays(t *testing.T) {
	txTime := time.Unix(86400*10, 0)

	// One coin held for exactly two days destroys two coin-days.
	amounts := []models.Satoshi{100000000}
	sources := []time.Time{time.Unix(86400*8, 0)}
	got := ComputeCoinDays(txTime, amounts, sources)
	if math.Abs(got-2.0) > 1e-9 {
		t.Errorf("ComputeCoinDays = %v, want 2.0", got)
	}

	// Half a coin for four days adds another two.
	amounts = append(amounts, 50000000)
	sources = append(sources, time.Unix(86400*6, 0))
	got = ComputeCoinDays(txTime, amounts, sources)
	if math.Abs(got-4.0) > 1e-9 {
		t.Errorf("ComputeCoinDays = %v, want 4.0", got)
	}
}

func TestComputeCoinDaysClampsYoungInputs(t *testing.T) {
	// An input "created" after the spending transaction (clock skew
	// between blocks) contributes zero, never a negative value.
	txTime := time.Unix(86400, 0)
	got := ComputeCoinDays(txTime,
		[]models.Satoshi{100000000},
		[]time.Time{time.Unix(86400*2, 0)})
	if got != 0 {
		t.Errorf("future-dated input contributed %v coin-days, want 0", got)
	}
}

func TestComputeCoinDaysEmpty(t *testing.T) {
	if got := ComputeCoinDays(time.Unix(0, 0), nil, nil); got != 0 {
		t.Errorf("coinbase-style empty input set = %v, want 0", got)
	}
}
