package store

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rawblock/chain-indexer/pkg/models"
)

// Read model for the query façade. Everything here runs in autocommit
// mode against the pool; the façade never joins the writer unit.

// Blocks returns on-chain blocks ascending from lo, optionally thinned
// to heights divisible by interval.
func (s *Store) Blocks(ctx context.Context, lo int64, limit int, interval int64) ([]*models.Block, error) {
	query := `SELECT ` + blockColumns + ` FROM block WHERE height >= $1`
	args := []any{lo}
	if interval > 1 {
		query += ` AND height % $2 = 0`
		args = append(args, interval)
	}
	query += ` ORDER BY height LIMIT ` + itoa(limit)
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Block
	for rows.Next() {
		var b models.Block
		if err := rows.Scan(&b.ID, &b.Hash, &b.Height, &b.Size, &b.Timestamp, &b.Difficulty,
			&b.FirstSeen, &b.RelayedBy, &b.TotalFee, &b.MinerID); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func itoa(limit int) string {
	if limit < 0 {
		limit = 0
	}
	return strconv.Itoa(limit)
}

// BlockByID returns a block by internal id, or nil.
func (s *Store) BlockByID(ctx context.Context, id int64) (*models.Block, error) {
	return scanBlock(s.queryRow(ctx,
		`SELECT `+blockColumns+` FROM block WHERE id = $1`, id))
}

const joinedTxColumns = `t.id, t.txid, t.size, t.fee, t.totalvalue, t.firstseen, t.relayedby, t.confirmation, t.doublespends, bt.block, b.height, b.timestamp, (cb.transaction IS NOT NULL)`

const joinedTxFrom = `
	FROM transaction t
	LEFT JOIN blocktx bt ON bt.id = t.confirmation
	LEFT JOIN block b ON b.id = bt.block
	LEFT JOIN coinbase cb ON cb.transaction = t.id`

func scanJoinedTx(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.TxID, &t.Size, &t.Fee, &t.TotalValue,
		&t.FirstSeen, &t.RelayedBy, &t.ConfirmationID, &t.DoubleSpends,
		&t.BlockID, &t.BlockHeight, &t.BlockTime, &t.Coinbase)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TransactionJoined returns a transaction with its confirmation context
// (block, height, time, coinbase flag), or nil.
func (s *Store) TransactionJoined(ctx context.Context, txid string) (*models.Transaction, error) {
	raw, err := txidBytes(txid)
	if err != nil {
		return nil, err
	}
	return scanJoinedTx(s.queryRow(ctx,
		`SELECT `+joinedTxColumns+joinedTxFrom+` WHERE t.txid = $1`, raw))
}

// LatestTransactions lists transactions by descending internal id.
// confirmed=nil means both; the mempool flavour additionally excludes
// known double-spends.
func (s *Store) LatestTransactions(ctx context.Context, start int64, limit int, confirmed *bool, mempool bool) ([]*models.Transaction, error) {
	query := `SELECT ` + joinedTxColumns + joinedTxFrom + ` WHERE TRUE`
	args := []any{}
	if start > 0 {
		args = append(args, start)
		query += ` AND t.id <= $1`
	}
	if confirmed != nil {
		if *confirmed {
			query += ` AND t.confirmation IS NOT NULL`
		} else {
			query += ` AND t.confirmation IS NULL`
		}
	}
	if mempool {
		query += ` AND t.confirmation IS NULL AND t.doublespends IS NULL`
	}
	query += ` ORDER BY t.id DESC LIMIT ` + itoa(limit)
	return s.collectJoinedTxs(ctx, query, args...)
}

// BlockTransactions lists a block's transactions in block order.
func (s *Store) BlockTransactions(ctx context.Context, blockID int64, start int64, limit int) ([]*models.Transaction, error) {
	query := `SELECT ` + joinedTxColumns + `
		FROM blocktx pos
		JOIN transaction t ON t.id = pos.transaction
		LEFT JOIN blocktx bt ON bt.id = t.confirmation
		LEFT JOIN block b ON b.id = bt.block
		LEFT JOIN coinbase cb ON cb.transaction = t.id
		WHERE pos.block = $1
		ORDER BY pos.id
		OFFSET $2 LIMIT ` + itoa(limit)
	return s.collectJoinedTxs(ctx, query, blockID, start)
}

func (s *Store) collectJoinedTxs(ctx context.Context, query string, args ...any) ([]*models.Transaction, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.TxID, &t.Size, &t.Fee, &t.TotalValue,
			&t.FirstSeen, &t.RelayedBy, &t.ConfirmationID, &t.DoubleSpends,
			&t.BlockID, &t.BlockHeight, &t.BlockTime, &t.Coinbase); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// InputDetail is an input row joined with its source output.
type InputDetail struct {
	models.TransactionInput
	SourceTxID  []byte
	SourceIndex *int
	Amount      *models.Satoshi
	Address     *string
}

// TransactionInputs lists a transaction's inputs in index order.
func (s *Store) TransactionInputs(ctx context.Context, txInternalID int64) ([]*InputDetail, error) {
	rows, err := s.query(ctx, `
		SELECT i.id, i.transaction, i.index, i.input,
		       st.txid, o.index, o.amount, a.address
		FROM txin i
		LEFT JOIN txout o ON o.id = i.input
		LEFT JOIN transaction st ON st.id = o.transaction
		LEFT JOIN address a ON a.id = o.address
		WHERE i.transaction = $1
		ORDER BY i.index`, txInternalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*InputDetail
	for rows.Next() {
		var d InputDetail
		if err := rows.Scan(&d.ID, &d.TransactionID, &d.Index, &d.InputID,
			&d.SourceTxID, &d.SourceIndex, &d.Amount, &d.Address); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// OutputDetail is an output row joined with its address and spender.
type OutputDetail struct {
	models.TransactionOutput
	Address     *string
	SpentByTxID []byte
}

// TransactionOutputs lists a transaction's outputs in index order.
func (s *Store) TransactionOutputs(ctx context.Context, txInternalID int64) ([]*OutputDetail, error) {
	rows, err := s.query(ctx, `
		SELECT o.id, o.transaction, o.index, o.type, o.address, o.amount, o.spentby,
		       a.address, spt.txid
		FROM txout o
		LEFT JOIN address a ON a.id = o.address
		LEFT JOIN txin sp ON sp.id = o.spentby
		LEFT JOIN transaction spt ON spt.id = sp.transaction
		WHERE o.transaction = $1
		ORDER BY o.index`, txInternalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*OutputDetail
	for rows.Next() {
		var d OutputDetail
		var typeID int
		if err := rows.Scan(&d.ID, &d.TransactionID, &d.Index, &typeID, &d.AddressID,
			&d.Amount, &d.SpentByID, &d.Address, &d.SpentByTxID); err != nil {
			return nil, err
		}
		d.Type = models.ResolveOutputType(typeID)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// MutationDetail is a mutation joined with its transaction context.
type MutationDetail struct {
	models.Mutation
	TxID      []byte
	Address   *string
	Confirmed bool
	Time      *time.Time
}

// TransactionMutations lists a transaction's per-address net effects.
func (s *Store) TransactionMutations(ctx context.Context, txInternalID int64) ([]*MutationDetail, error) {
	return s.collectMutations(ctx, `
		SELECT m.id, m.transaction, m.address, m.amount, t.txid, a.address,
		       t.confirmation IS NOT NULL, COALESCE(t.firstseen, b.timestamp)
		FROM mutation m
		JOIN transaction t ON t.id = m.transaction
		JOIN address a ON a.id = m.address
		LEFT JOIN blocktx bt ON bt.id = t.confirmation
		LEFT JOIN block b ON b.id = bt.block
		WHERE m.transaction = $1
		ORDER BY m.id`, txInternalID)
}

// AddressMutations pages through an address's mutation history, newest
// first.
func (s *Store) AddressMutations(ctx context.Context, addressID int64, start int64, limit int) ([]*MutationDetail, error) {
	return s.collectMutations(ctx, `
		SELECT m.id, m.transaction, m.address, m.amount, t.txid, a.address,
		       t.confirmation IS NOT NULL, COALESCE(t.firstseen, b.timestamp)
		FROM mutation m
		JOIN transaction t ON t.id = m.transaction
		JOIN address a ON a.id = m.address
		LEFT JOIN blocktx bt ON bt.id = t.confirmation
		LEFT JOIN block b ON b.id = bt.block
		WHERE m.address = $1
		ORDER BY m.id DESC
		OFFSET $2 LIMIT `+itoa(limit), addressID, start)
}

func (s *Store) collectMutations(ctx context.Context, query string, args ...any) ([]*MutationDetail, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*MutationDetail
	for rows.Next() {
		var d MutationDetail
		if err := rows.Scan(&d.ID, &d.TransactionID, &d.AddressID, &d.Amount,
			&d.TxID, &d.Address, &d.Confirmed, &d.Time); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// AddressPending sums the unconfirmed (and not double-spent) mutations
// of an address.
func (s *Store) AddressPending(ctx context.Context, addressID int64) (models.Satoshi, error) {
	var pending models.Satoshi
	err := s.queryRow(ctx, `
		SELECT COALESCE(SUM(m.amount), 0) FROM mutation m
		JOIN transaction t ON t.id = m.transaction
		WHERE m.address = $1 AND t.confirmation IS NULL AND t.doublespends IS NULL`,
		addressID).Scan(&pending)
	return pending, err
}

// Richlist returns the highest-balance addresses.
func (s *Store) Richlist(ctx context.Context, start int64, limit int) ([]*models.Address, error) {
	rows, err := s.query(ctx, `
		SELECT `+addressColumns+` FROM address
		WHERE balance IS NOT NULL
		ORDER BY balance DESC
		OFFSET $1 LIMIT `+itoa(limit), start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Address
	for rows.Next() {
		var a models.Address
		var typeID int
		if err := rows.Scan(&a.ID, &typeID, &a.Address, &a.Raw, &a.Balance, &a.BalanceDirty); err != nil {
			return nil, err
		}
		a.Type = models.ResolveAddressType(typeID)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// SumAddressBalances totals every reconciled address balance.
func (s *Store) SumAddressBalances(ctx context.Context) (models.Satoshi, error) {
	var total models.Satoshi
	err := s.queryRow(ctx,
		`SELECT COALESCE(SUM(balance), 0) FROM address WHERE balance IS NOT NULL`).Scan(&total)
	return total, err
}

// PoolByID returns a mining pool row, or nil.
func (s *Store) PoolByID(ctx context.Context, id int64) (*models.Pool, error) {
	var p models.Pool
	var solo int
	err := s.queryRow(ctx, `
		SELECT id, "group", name, solo, website, graphcolor FROM pool WHERE id = $1`, id).
		Scan(&p.ID, &p.GroupID, &p.Name, &solo, &p.Website, &p.GraphColor)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Solo = solo != 0
	return &p, nil
}

// PoolStat is one pool's share of recent blocks.
type PoolStat struct {
	Pool          models.Pool
	BlocksMined   int64
	LatestBlockID *int64
}

// PoolStats aggregates blocks mined per pool since a moment.
func (s *Store) PoolStats(ctx context.Context, since time.Time) ([]*PoolStat, error) {
	rows, err := s.query(ctx, `
		SELECT p.id, p."group", p.name, p.solo, p.website, p.graphcolor,
		       COUNT(b.id), MAX(b.id)
		FROM pool p
		JOIN block b ON b.miner = p.id
		WHERE b.height IS NOT NULL AND b.timestamp >= $1
		GROUP BY p.id
		ORDER BY COUNT(b.id) DESC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PoolStat
	for rows.Next() {
		var st PoolStat
		var solo int
		if err := rows.Scan(&st.Pool.ID, &st.Pool.GroupID, &st.Pool.Name, &solo,
			&st.Pool.Website, &st.Pool.GraphColor, &st.BlocksMined, &st.LatestBlockID); err != nil {
			return nil, err
		}
		st.Pool.Solo = solo != 0
		out = append(out, &st)
	}
	return out, rows.Err()
}

// NetworkStats are the chain-activity counts since a moment.
type NetworkStats struct {
	Blocks       int64
	Transactions int64
}

// NetworkStatsSince counts on-chain blocks and their confirmed
// non-coinbase transactions newer than a moment.
func (s *Store) NetworkStatsSince(ctx context.Context, since time.Time) (*NetworkStats, error) {
	var st NetworkStats
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM block WHERE height IS NOT NULL AND timestamp >= $1`,
		since).Scan(&st.Blocks)
	if err != nil {
		return nil, err
	}
	err = s.queryRow(ctx, `
		SELECT COUNT(*) FROM transaction t
		JOIN blocktx bt ON bt.id = t.confirmation
		JOIN block b ON b.id = bt.block
		WHERE b.height IS NOT NULL AND b.timestamp >= $1
		  AND NOT EXISTS (SELECT 1 FROM coinbase c WHERE c.transaction = t.id)`,
		since).Scan(&st.Transactions)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// LatestTransactionID is the highest internal transaction id, 0 when
// empty. Used by the event poller to detect new transactions.
func (s *Store) LatestTransactionID(ctx context.Context) (int64, error) {
	var id int64
	err := s.queryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM transaction`).Scan(&id)
	return id, err
}

// TransactionsAfter lists transactions with internal id above afterID,
// ascending, capped at limit. This is the event poller's catch-up query.
func (s *Store) TransactionsAfter(ctx context.Context, afterID int64, limit int) ([]*models.Transaction, error) {
	query := `SELECT ` + joinedTxColumns + joinedTxFrom +
		` WHERE t.id > $1 ORDER BY t.id LIMIT ` + itoa(limit)
	return s.collectJoinedTxs(ctx, query, afterID)
}
