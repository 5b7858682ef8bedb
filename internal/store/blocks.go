package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/jackc/pgx/v5"

	"github.com/rawblock/chain-indexer/pkg/models"
)

const blockColumns = `id, hash, height, size, timestamp, difficulty, firstseen, relayedby, totalfee, miner`

func scanBlock(row pgx.Row) (*models.Block, error) {
	var b models.Block
	err := row.Scan(&b.ID, &b.Hash, &b.Height, &b.Size, &b.Timestamp, &b.Difficulty,
		&b.FirstSeen, &b.RelayedBy, &b.TotalFee, &b.MinerID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Chaintip returns the highest on-chain block, or nil when the store is
// empty. Within an open writer unit the result is memoized; readers in
// autocommit mode always get a fresh row.
func (s *Store) Chaintip(ctx context.Context) (*models.Block, error) {
	if s.wtx != nil && s.chaintip != nil {
		return s.chaintip, nil
	}
	block, err := scanBlock(s.queryRow(ctx,
		`SELECT `+blockColumns+` FROM block WHERE height IS NOT NULL ORDER BY height DESC LIMIT 1`))
	if err != nil {
		return nil, err
	}
	if s.wtx != nil {
		s.chaintip = block
	}
	return block, nil
}

// BlockByHeight returns the on-chain block at a height, or nil.
func (s *Store) BlockByHeight(ctx context.Context, height int64) (*models.Block, error) {
	return scanBlock(s.queryRow(ctx,
		`SELECT `+blockColumns+` FROM block WHERE height = $1`, height))
}

// BlockByHash returns the block with the given hash regardless of
// chain membership, or nil.
func (s *Store) BlockByHash(ctx context.Context, hash []byte) (*models.Block, error) {
	return scanBlock(s.queryRow(ctx,
		`SELECT `+blockColumns+` FROM block WHERE hash = $1`, hash))
}

// BlockCount counts on-chain blocks.
func (s *Store) BlockCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM block WHERE height IS NOT NULL`).Scan(&count)
	return count, err
}

// BlockCountInRange counts on-chain blocks with lo <= height < hi.
func (s *Store) BlockCountInRange(ctx context.Context, lo, hi int64) (int64, error) {
	var count int64
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM block WHERE height >= $1 AND height < $2`, lo, hi).Scan(&count)
	return count, err
}

// TxResolver fetches a fully decoded transaction from the node.
type TxResolver func(txid string) (*btcjson.TxRawResult, error)

// CoinbaseOutput is one positive-valued single-address coinbase output
// captured during block import for miner attribution.
type CoinbaseOutput struct {
	N       int
	Address string
	Amount  models.Satoshi
}

// CoinbaseData is the side channel filled by transaction import when it
// encounters a coinbase: the raw coinbase script plus the payout
// outputs keyed by txid.
type CoinbaseData struct {
	Raw     []byte
	Outputs []CoinbaseOutput
}

// blockTxSink hands the coinbase side channel to the first listed
// transaction only. Positions past 0 can never be the coinbase, and a
// nil sink lets already-known transactions skip the node body fetch.
func blockTxSink(position int, sink map[string]CoinbaseData) map[string]CoinbaseData {
	if position == 0 {
		return sink
	}
	return nil
}

// ImportBlockInfo ingests one node-reported block: resolves and imports
// every transaction it lists, upserts the Block row, confirms the
// transactions in node order, sets totalfee and coinbase info, and
// applies the aggregate counter deltas. The caller owns the commit.
func (s *Store) ImportBlockInfo(ctx context.Context, blockinfo *btcjson.GetBlockVerboseResult, resolver TxResolver) (*models.Block, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}

	txids := blockinfo.Tx
	if blockinfo.Height == 0 {
		// Genesis workaround: the genesis coinbase is not spendable and
		// most nodes refuse to serve it.
		txids = nil
	}

	log.Printf("Adding  blk %s", blockinfo.Hash)

	coinbaseSink := make(map[string]CoinbaseData)
	for i, txid := range txids {
		if _, err := s.CheckNeedImportTransaction(ctx, txid, resolver, blockTxSink(i, coinbaseSink)); err != nil {
			return nil, err
		}
	}

	blockhash, err := hex.DecodeString(blockinfo.Hash)
	if err != nil {
		return nil, fmt.Errorf("invalid block hash %q: %w", blockinfo.Hash, err)
	}

	existing, err := s.BlockByHash(ctx, blockhash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// A previously orphaned block re-entered the chain: only the
		// height changes. Counter totals cannot be fixed up
		// incrementally here, so they are invalidated wholesale.
		if _, err := s.exec(ctx, `UPDATE block SET height = $1 WHERE id = $2`, blockinfo.Height, existing.ID); err != nil {
			return nil, err
		}
		if err := s.InvalidateCounters(ctx); err != nil {
			return nil, err
		}
		s.chaintip = nil
		height := blockinfo.Height
		existing.Height = &height
		log.Printf("Update  blk %s (height %d)", blockinfo.Hash, height)
		return existing, nil
	}

	block := &models.Block{
		Hash:       blockhash,
		Size:       int64(blockinfo.Size),
		Timestamp:  time.Unix(blockinfo.Time, 0).UTC(),
		Difficulty: blockinfo.Difficulty,
	}
	height := blockinfo.Height
	block.Height = &height

	err = s.queryRow(ctx,
		`INSERT INTO block (hash, height, size, timestamp, difficulty) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		block.Hash, block.Height, block.Size, block.Timestamp, block.Difficulty).Scan(&block.ID)
	if err != nil {
		return nil, fmt.Errorf("insert block %s: %w", blockinfo.Hash, err)
	}

	for _, txid := range txids {
		if err := s.ConfirmTransaction(ctx, txid, block.ID, resolver); err != nil {
			return nil, err
		}
	}

	// The coinbase carries fee 0, so the plain sum equals the sum over
	// non-coinbase transactions.
	var totalfee models.Satoshi
	err = s.queryRow(ctx, `
		UPDATE block SET totalfee = (
			SELECT COALESCE(SUM(t.fee), 0)
			FROM transaction t JOIN blocktx bt ON bt.transaction = t.id
			WHERE bt.block = $1
		) WHERE id = $1 RETURNING totalfee`, block.ID).Scan(&totalfee)
	if err != nil {
		return nil, err
	}
	block.TotalFee = &totalfee

	var newcoins models.Satoshi
	if len(coinbaseSink) > 0 {
		for txid, data := range coinbaseSink {
			log.Printf("Adding  cb  %s", txid)
			newcoins, err = s.AddCoinbaseData(ctx, block, txid, data)
			if err != nil {
				return nil, err
			}
		}
	}

	nonCoinbase := int64(len(txids))
	if len(coinbaseSink) > 0 {
		nonCoinbase--
	}
	deltas := map[string]int64{
		models.CounterTotalBlocks:        1,
		models.CounterTotalFees:          totalfee,
		models.CounterTotalTransactions:  nonCoinbase,
		models.CounterTotalCoinsReleased: newcoins,
	}
	for id, delta := range deltas {
		if err := s.counterAdd(ctx, id, delta); err != nil {
			return nil, err
		}
	}

	s.chaintip = nil
	log.Printf("Added   blk %s (height %d)", blockinfo.Hash, height)
	return block, nil
}

// OrphanBlocksFrom NULLs heights from the chain tip down to firstHeight
// and unconfirms every affected transaction. Each block is an
// all-or-nothing commit.
func (s *Store) OrphanBlocksFrom(ctx context.Context, firstHeight int64) error {
	chaintip, err := s.Chaintip(ctx)
	if err != nil {
		return err
	}
	if chaintip == nil || chaintip.Height == nil {
		return nil
	}
	for height := *chaintip.Height; height >= firstHeight; height-- {
		if err := s.orphanBlock(ctx, height); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) orphanBlock(ctx context.Context, height int64) error {
	block, err := s.BlockByHeight(ctx, height)
	if err != nil || block == nil {
		return err
	}
	if err := s.begin(ctx); err != nil {
		return err
	}

	log.Printf("Orphan  blk %s (height %d)", block.HashHex(), height)

	rows, err := s.query(ctx, `SELECT transaction FROM blocktx WHERE block = $1`, block.ID)
	if err != nil {
		return err
	}
	txIDs, err := collectInt64(rows)
	if err != nil {
		return err
	}
	for _, txID := range txIDs {
		if err := s.unconfirmTransactionByID(ctx, txID); err != nil {
			return err
		}
	}

	if _, err := s.exec(ctx, `UPDATE block SET height = NULL WHERE id = $1`, block.ID); err != nil {
		return err
	}
	// A reorg cannot be fixed up incrementally in the aggregate
	// counters; they are recomputed on next read.
	if err := s.InvalidateCounters(ctx); err != nil {
		return err
	}
	s.chaintip = nil
	return s.Commit(ctx)
}

func collectInt64(rows pgx.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// RemoveBlocksWithoutCoinbase deletes on-chain blocks that are missing
// their CoinbaseInfo row, which can occur when the process aborted
// mid-commit. Their transactions are unconfirmed first so they can
// reconfirm on re-import. Genesis carries no coinbase by design.
func (s *Store) RemoveBlocksWithoutCoinbase(ctx context.Context) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	rows, err := s.query(ctx, `
		SELECT b.id FROM block b
		LEFT JOIN coinbase cb ON cb.block = b.id
		WHERE b.height IS NOT NULL AND b.height > 0 AND cb.block IS NULL`)
	if err != nil {
		return err
	}
	blockIDs, err := collectInt64(rows)
	if err != nil {
		return err
	}
	for _, blockID := range blockIDs {
		txRows, err := s.query(ctx, `SELECT transaction FROM blocktx WHERE block = $1`, blockID)
		if err != nil {
			return err
		}
		txIDs, err := collectInt64(txRows)
		if err != nil {
			return err
		}
		for _, txID := range txIDs {
			if err := s.unconfirmTransactionByID(ctx, txID); err != nil {
				return err
			}
		}
		if _, err := s.exec(ctx, `DELETE FROM blocktx WHERE block = $1`, blockID); err != nil {
			return err
		}
		if _, err := s.exec(ctx, `DELETE FROM block WHERE id = $1`, blockID); err != nil {
			return err
		}
		log.Printf("Remove  blk #%d (no coinbase info)", blockID)
	}
	if len(blockIDs) > 0 {
		if err := s.InvalidateCounters(ctx); err != nil {
			return err
		}
	}
	return nil
}

// VerifyConfirmedTransactionsState re-runs confirmation for every
// transaction referenced from an on-chain block that is not itself
// marked confirmed.
func (s *Store) VerifyConfirmedTransactionsState(ctx context.Context) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	rows, err := s.query(ctx, `
		SELECT t.txid, bt.block FROM transaction t
		JOIN blocktx bt ON bt.transaction = t.id
		JOIN block b ON b.id = bt.block
		WHERE b.height IS NOT NULL AND t.confirmation IS NULL`)
	if err != nil {
		return err
	}
	type pending struct {
		txid    []byte
		blockID int64
	}
	var work []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.txid, &p.blockID); err != nil {
			rows.Close()
			return err
		}
		work = append(work, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, p := range work {
		if err := s.ConfirmTransaction(ctx, hex.EncodeToString(p.txid), p.blockID, nil); err != nil {
			return err
		}
	}
	return nil
}

// VerifyUnconfirmedTransactionsState unconfirms every transaction whose
// confirmation points at a block that is no longer on-chain.
func (s *Store) VerifyUnconfirmedTransactionsState(ctx context.Context) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	rows, err := s.query(ctx, `
		SELECT t.id FROM transaction t
		JOIN blocktx bt ON bt.id = t.confirmation
		JOIN block b ON b.id = bt.block
		WHERE b.height IS NULL`)
	if err != nil {
		return err
	}
	txIDs, err := collectInt64(rows)
	if err != nil {
		return err
	}
	for _, txID := range txIDs {
		if err := s.unconfirmTransactionByID(ctx, txID); err != nil {
			return err
		}
	}
	return nil
}

// AddCoinbaseData stores the CoinbaseInfo for a freshly imported block
// and attributes the miner. Returns the minted subsidy.
func (s *Store) AddCoinbaseData(ctx context.Context, block *models.Block, txid string, data CoinbaseData) (models.Satoshi, error) {
	txInternalID, err := s.TransactionInternalID(ctx, txid)
	if err != nil {
		return 0, err
	}
	if txInternalID == 0 {
		return 0, fmt.Errorf("coinbase transaction %s not imported", txid)
	}

	signature, solo := ParseCoinbaseSignature(data.Raw)

	var mainOutputID *int64
	if best := mainCoinbaseOutput(data.Outputs); best != nil {
		var id int64
		err := s.queryRow(ctx,
			`SELECT id FROM txout WHERE transaction = $1 AND index = $2`,
			txInternalID, best.N).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("coinbase main output lookup: %w", err)
		}
		mainOutputID = &id
	}

	var totalfee models.Satoshi
	if block.TotalFee != nil {
		totalfee = *block.TotalFee
	}
	var txTotalValue models.Satoshi
	if err := s.queryRow(ctx, `SELECT totalvalue FROM transaction WHERE id = $1`, txInternalID).Scan(&txTotalValue); err != nil {
		return 0, err
	}
	newcoins := txTotalValue - totalfee

	_, err = s.exec(ctx, `
		INSERT INTO coinbase (block, transaction, raw, signature, mainoutput, newcoins)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (block) DO NOTHING`,
		block.ID, txInternalID, data.Raw, signature, mainOutputID, newcoins)
	if err != nil {
		return 0, err
	}

	// The coinbase is never seen in the mempool, so it inherits the
	// block's relay metadata when the block was observed live.
	if block.FirstSeen != nil || block.RelayedBy != nil {
		_, err = s.exec(ctx, `
			UPDATE transaction
			SET firstseen = COALESCE(firstseen, $1), relayedby = COALESCE(relayedby, $2)
			WHERE id = $3`, block.FirstSeen, block.RelayedBy, txInternalID)
		if err != nil {
			return 0, err
		}
	}

	if err := s.findAndSetMiner(ctx, block, signature, mainOutputID, solo); err != nil {
		return 0, err
	}
	return newcoins, nil
}

// ParseCoinbaseSignature extracts the pool tag between the final /…/
// delimiters of a coinbase script. Scripts of 8 bytes or fewer are solo
// mined and carry no tag.
func ParseCoinbaseSignature(raw []byte) (signature *string, solo bool) {
	if len(raw) <= 8 {
		return nil, true
	}
	if len(raw) < 2 || raw[len(raw)-1] != '/' {
		return nil, false
	}
	body := raw[:len(raw)-1]
	idx := strings.LastIndexByte(string(body), '/')
	if idx < 0 {
		return nil, false
	}
	tag := string(body[idx+1:])
	if !isPrintable(tag) {
		return nil, false
	}
	sig := "/" + tag + "/"
	return &sig, false
}

func isPrintable(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0xfffd {
			return false
		}
	}
	return true
}

// mainCoinbaseOutput returns the single output carrying more than 95 %
// of the total coinbase value, if any. The threshold is an empirical
// attribution policy, not a consensus rule.
func mainCoinbaseOutput(outputs []CoinbaseOutput) *CoinbaseOutput {
	var total models.Satoshi
	for _, o := range outputs {
		total += o.Amount
	}
	for i := range outputs {
		if outputs[i].Amount > total*95/100 {
			return &outputs[i]
		}
	}
	return nil
}

// findAndSetMiner attributes the block's miner: known coinbase
// signature first, then known payout address, then a synthesised pool
// remembered against the payout address.
func (s *Store) findAndSetMiner(ctx context.Context, block *models.Block, signature *string, mainOutputID *int64, solo bool) error {
	if !solo && signature != nil {
		var poolID int64
		err := s.queryRow(ctx,
			`SELECT pool FROM poolsignature WHERE signature = $1`, *signature).Scan(&poolID)
		if err == nil {
			_, err = s.exec(ctx, `UPDATE block SET miner = $1 WHERE id = $2`, poolID, block.ID)
			return err
		}
		if err != pgx.ErrNoRows {
			return err
		}
	}

	if mainOutputID == nil {
		return nil
	}
	var addressID *int64
	var addressStr *string
	err := s.queryRow(ctx, `
		SELECT a.id, a.address FROM txout o
		JOIN address a ON a.id = o.address
		WHERE o.id = $1`, *mainOutputID).Scan(&addressID, &addressStr)
	if err == pgx.ErrNoRows || addressID == nil {
		return nil
	}
	if err != nil {
		return err
	}

	var poolID int64
	err = s.queryRow(ctx, `SELECT pool FROM pooladdress WHERE address = $1`, *addressID).Scan(&poolID)
	if err == nil {
		_, err = s.exec(ctx, `UPDATE block SET miner = $1 WHERE id = $2`, poolID, block.ID)
		return err
	}
	if err != pgx.ErrNoRows {
		return err
	}

	name := "(Unknown Pool)"
	if addressStr != nil {
		if solo {
			name = *addressStr + " (Solo miner)"
		} else {
			name = *addressStr + " (Unknown Pool)"
		}
	}
	var groupID *int64
	if solo {
		g := int64(models.SoloPoolGroupID)
		groupID = &g
	}
	soloFlag := 0
	if solo {
		soloFlag = 1
	}
	var newPoolID int64
	err = s.queryRow(ctx, `
		INSERT INTO pool ("group", name, solo) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET solo = EXCLUDED.solo
		RETURNING id`, groupID, name, soloFlag).Scan(&newPoolID)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO pooladdress (address, pool) VALUES ($1, $2)
		ON CONFLICT (address) DO NOTHING`, *addressID, newPoolID)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `UPDATE block SET miner = $1 WHERE id = $2`, newPoolID, block.ID)
	return err
}
