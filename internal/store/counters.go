package store

import (
	"context"
	"fmt"
	"log"

	"github.com/rawblock/chain-indexer/pkg/models"
)

// counterAdd applies a delta to a cached aggregate inside the current
// unit. The validity flag is untouched: an invalid counter stays
// invalid until the next read recomputes it.
func (s *Store) counterAdd(ctx context.Context, id string, delta int64) error {
	if delta == 0 {
		return nil
	}
	_, err := s.exec(ctx,
		`UPDATE cachedvalue SET value = value + $1 WHERE id = $2`, delta, id)
	return err
}

// InvalidateCounters marks every cached aggregate stale. Called when
// blocks are orphaned or re-heighted, where per-row deltas would be
// error-prone to reconstruct.
func (s *Store) InvalidateCounters(ctx context.Context) error {
	_, err := s.exec(ctx, `UPDATE cachedvalue SET valid = FALSE`)
	return err
}

// counterQueries recomputes an aggregate from scratch. Coinbase
// transactions are excluded from the transaction count; orphaned blocks
// (NULL height) are excluded everywhere.
var counterQueries = map[string]string{
	models.CounterTotalTransactions: `
		SELECT COUNT(*) FROM transaction t
		WHERE t.confirmation IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM coinbase c WHERE c.transaction = t.id)`,
	models.CounterTotalBlocks: `
		SELECT COUNT(*) FROM block WHERE height IS NOT NULL`,
	models.CounterTotalFees: `
		SELECT COALESCE(SUM(totalfee), 0) FROM block WHERE height IS NOT NULL`,
	models.CounterTotalCoinsReleased: `
		SELECT COALESCE(SUM(c.newcoins), 0) FROM coinbase c
		JOIN block b ON b.id = c.block WHERE b.height IS NOT NULL`,
}

// CounterValue returns a cached aggregate, recomputing and revalidating
// it first when stale. Recomputation runs in autocommit mode so readers
// never join the writer unit.
func (s *Store) CounterValue(ctx context.Context, id string) (int64, error) {
	var value int64
	var valid bool
	err := s.pool.QueryRow(ctx,
		`SELECT value, valid FROM cachedvalue WHERE id = $1`, id).Scan(&value, &valid)
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w", id, err)
	}
	if valid {
		return value, nil
	}

	query, ok := counterQueries[id]
	if !ok {
		return 0, fmt.Errorf("counter %s: no recompute query", id)
	}
	if err := s.pool.QueryRow(ctx, query).Scan(&value); err != nil {
		return 0, fmt.Errorf("counter %s: recompute: %w", id, err)
	}
	log.Printf("Recomputed counter %s = %d", id, value)
	_, err = s.pool.Exec(ctx,
		`UPDATE cachedvalue SET value = $1, valid = TRUE WHERE id = $2`, value, id)
	if err != nil {
		return 0, err
	}
	return value, nil
}
