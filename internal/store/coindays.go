package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rawblock/chain-indexer/pkg/models"
)

// CoinDaysBatchSize bounds the work of one accumulator pass.
const CoinDaysBatchSize = 50

const secondsPerDay = 86400

// ComputeCoinDays derives the metric from a spending time and the
// spent inputs' (amount, creation time) pairs. Inputs younger than the
// transaction contribute zero, never negatively.
func ComputeCoinDays(txTime time.Time, amounts []models.Satoshi, sourceTimes []time.Time) float64 {
	var coindays float64
	for i, amount := range amounts {
		age := txTime.Sub(sourceTimes[i]).Seconds()
		if age <= 0 {
			continue
		}
		coindays += models.CoinFromSatoshi(amount) * age / secondsPerDay
	}
	return coindays
}

type cddCandidate struct {
	txID      int64
	blockID   int64
	firstSeen *time.Time
	blockTime time.Time
}

// UpdateCoinDaysDestroyed processes one batch of confirmed non-coinbase
// transactions that have no metric row yet, in chain order starting at
// the cursor block. Returns the number of rows written and the block id
// to resume from; the caller owns the commit.
func (s *Store) UpdateCoinDaysDestroyed(ctx context.Context, cursorBlockID int64) (int, int64, error) {
	rows, err := s.query(ctx, `
		SELECT t.id, b.id, t.firstseen, b.timestamp
		FROM transaction t
		JOIN blocktx bt ON bt.id = t.confirmation
		JOIN block b ON b.id = bt.block
		WHERE b.id >= $1
		  AND NOT EXISTS (SELECT 1 FROM coinbase c WHERE c.transaction = t.id)
		  AND NOT EXISTS (SELECT 1 FROM cdd d WHERE d.transaction = t.id)
		ORDER BY b.id, t.id
		LIMIT $2`, cursorBlockID, CoinDaysBatchSize)
	if err != nil {
		return 0, cursorBlockID, err
	}
	var candidates []cddCandidate
	for rows.Next() {
		var c cddCandidate
		if err := rows.Scan(&c.txID, &c.blockID, &c.firstSeen, &c.blockTime); err != nil {
			rows.Close()
			return 0, cursorBlockID, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, cursorBlockID, err
	}
	if len(candidates) == 0 {
		return 0, cursorBlockID, nil
	}

	if err := s.begin(ctx); err != nil {
		return 0, cursorBlockID, err
	}
	batch := &pgx.Batch{}
	cursor := cursorBlockID
	for _, c := range candidates {
		txTime := c.blockTime
		if c.firstSeen != nil {
			txTime = *c.firstSeen
		}
		amounts, sourceTimes, err := s.inputAgePairs(ctx, c.txID)
		if err != nil {
			return 0, cursorBlockID, err
		}
		batch.Queue(`
			INSERT INTO cdd (transaction, coindays, timestamp) VALUES ($1, $2, $3)
			ON CONFLICT (transaction) DO NOTHING`,
			c.txID, ComputeCoinDays(txTime, amounts, sourceTimes), txTime)
		if c.blockID > cursor {
			cursor = c.blockID
		}
	}
	results := s.q().SendBatch(ctx, batch)
	defer results.Close()
	for range candidates {
		if _, err := results.Exec(); err != nil {
			return 0, cursorBlockID, err
		}
	}
	return len(candidates), cursor, nil
}

// inputAgePairs fetches the (amount, source block timestamp) pairs of a
// transaction's inputs. Sources are confirmed by construction since the
// spending transaction is.
func (s *Store) inputAgePairs(ctx context.Context, txInternalID int64) ([]models.Satoshi, []time.Time, error) {
	rows, err := s.query(ctx, `
		SELECT o.amount, sb.timestamp
		FROM txin i
		JOIN txout o ON o.id = i.input
		JOIN transaction st ON st.id = o.transaction
		JOIN blocktx sbt ON sbt.id = st.confirmation
		JOIN block sb ON sb.id = sbt.block
		WHERE i.transaction = $1`, txInternalID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var amounts []models.Satoshi
	var times []time.Time
	for rows.Next() {
		var amount models.Satoshi
		var ts time.Time
		if err := rows.Scan(&amount, &ts); err != nil {
			return nil, nil, err
		}
		amounts = append(amounts, amount)
		times = append(times, ts)
	}
	return amounts, times, rows.Err()
}
