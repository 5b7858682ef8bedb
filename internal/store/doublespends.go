package store

import (
	"context"
	"log"

	"github.com/jackc/pgx/v5"
)

// coinbaseDeclaredHeight extracts the block height a coinbase script
// claims to be for: the script's first push is the little-endian
// height. Returns false when the script is too short or malformed.
func coinbaseDeclaredHeight(raw []byte) (int64, bool) {
	if len(raw) < 2 {
		return 0, false
	}
	n := int(raw[0])
	if n < 1 || n > 8 || len(raw) < 1+n {
		return 0, false
	}
	var height int64
	for i := n - 1; i >= 0; i-- {
		height = height<<8 | int64(raw[1+i])
	}
	if height < 0 {
		return 0, false
	}
	return height, true
}

// MarkOrphanedCoinbaseDoubleSpends is the first double-spend pass: an
// unconfirmed transaction that carries a coinbase script claiming a
// height at or below the tip lost a block race, and its subsidy is
// superseded by the tip's coinbase. Commits its own unit; reports
// whether anything changed.
func (s *Store) MarkOrphanedCoinbaseDoubleSpends(ctx context.Context) (bool, error) {
	chaintip, err := s.Chaintip(ctx)
	if err != nil || chaintip == nil || chaintip.Height == nil {
		return false, err
	}
	var tipCoinbaseTx int64
	err = s.queryRow(ctx,
		`SELECT transaction FROM coinbase WHERE block = $1`, chaintip.ID).Scan(&tipCoinbaseTx)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	rows, err := s.query(ctx, `
		SELECT t.id, c.raw FROM transaction t
		JOIN coinbase c ON c.transaction = t.id
		WHERE t.confirmation IS NULL AND t.doublespends IS NULL AND t.id <> $1`,
		tipCoinbaseTx)
	if err != nil {
		return false, err
	}
	var superseded []int64
	for rows.Next() {
		var id int64
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return false, err
		}
		if height, ok := coinbaseDeclaredHeight(raw); ok && height <= *chaintip.Height {
			superseded = append(superseded, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}
	if len(superseded) == 0 {
		return false, nil
	}

	if err := s.begin(ctx); err != nil {
		return false, err
	}
	for _, id := range superseded {
		log.Printf("Doublespend cb tx %d superseded by tx %d", id, tipCoinbaseTx)
		if _, err := s.exec(ctx,
			`UPDATE transaction SET doublespends = $1 WHERE id = $2`, tipCoinbaseTx, id); err != nil {
			return false, err
		}
	}
	return true, s.Commit(ctx)
}

// PropagateDoubleSpends is the second pass: an unconfirmed transaction
// spending an output of a transaction already marked double-spent is
// itself unredeemable. Commits its own unit; reports whether anything
// changed.
func (s *Store) PropagateDoubleSpends(ctx context.Context) (bool, error) {
	if err := s.begin(ctx); err != nil {
		return false, err
	}
	tag, err := s.exec(ctx, `
		UPDATE transaction t SET doublespends = sub.parent FROM (
			SELECT i.transaction AS child, MIN(po.transaction) AS parent
			FROM txin i
			JOIN txout po ON po.id = i.input
			JOIN transaction pt ON pt.id = po.transaction
			WHERE pt.doublespends IS NOT NULL
			GROUP BY i.transaction
		) sub
		WHERE t.id = sub.child AND t.confirmation IS NULL AND t.doublespends IS NULL`)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		s.ResetSession(ctx)
		return false, nil
	}
	log.Printf("Doublespend propagated to %d descendant txs", tag.RowsAffected())
	return true, s.Commit(ctx)
}
