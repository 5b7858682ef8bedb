package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/jackc/pgx/v5"

	"github.com/rawblock/chain-indexer/internal/cache"
	"github.com/rawblock/chain-indexer/pkg/models"
)

const txColumns = `id, txid, size, fee, totalvalue, firstseen, relayedby, confirmation, doublespends`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.TxID, &t.Size, &t.Fee, &t.TotalValue,
		&t.FirstSeen, &t.RelayedBy, &t.ConfirmationID, &t.DoubleSpends)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TransactionByTxID returns the transaction with the given txid, or
// nil. Accepts hex or raw bytes.
func (s *Store) TransactionByTxID(ctx context.Context, txid string) (*models.Transaction, error) {
	raw, err := txidBytes(txid)
	if err != nil {
		return nil, err
	}
	return scanTransaction(s.queryRow(ctx,
		`SELECT `+txColumns+` FROM transaction WHERE txid = $1`, raw))
}

func txidBytes(txid string) ([]byte, error) {
	if len(txid) == 64 {
		return hex.DecodeString(txid)
	}
	if len(txid) == 32 {
		return []byte(txid), nil
	}
	return nil, fmt.Errorf("invalid txid %q", txid)
}

// TransactionInternalID resolves a txid to its internal id via the txid
// cache, falling back to the database. Returns 0 when unknown.
func (s *Store) TransactionInternalID(ctx context.Context, txid string) (int64, error) {
	raw, err := txidBytes(txid)
	if err != nil {
		return 0, err
	}
	if id, ok := s.tiers.TxID(string(raw)); ok {
		return id, nil
	}
	var id int64
	err = s.queryRow(ctx, `SELECT id FROM transaction WHERE txid = $1`, raw).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s.tiers.PutTxID(string(raw), id)
	return id, nil
}

// CheckNeedImportTransaction is the idempotent entry point for both
// mempool and block ingestion: it returns the internal id of the
// transaction, importing it first when unknown. When a coinbase sink is
// passed, the transaction body is fetched even for known transactions
// so the sink can be populated for block-level coinbase handling.
func (s *Store) CheckNeedImportTransaction(ctx context.Context, txid string, resolver TxResolver, sink map[string]CoinbaseData) (int64, error) {
	id, err := s.TransactionInternalID(ctx, txid)
	if err != nil {
		return 0, err
	}
	if id != 0 && sink == nil {
		return id, nil
	}
	if resolver == nil {
		if id != 0 {
			return id, nil
		}
		return 0, fmt.Errorf("transaction %s unknown and no resolver given", txid)
	}

	txinfo, err := resolver(txid)
	if err != nil {
		return 0, err
	}
	captureCoinbase(txinfo, sink)

	if id != 0 {
		return id, nil
	}
	tx, err := s.ImportTransaction(ctx, txinfo)
	if err != nil {
		return 0, err
	}
	return tx.ID, nil
}

// captureCoinbase records the raw coinbase script and the
// positive-valued single-address outputs in the sink, keyed by txid.
func captureCoinbase(txinfo *btcjson.TxRawResult, sink map[string]CoinbaseData) {
	if sink == nil {
		return
	}
	var coinbaseHex string
	for _, vin := range txinfo.Vin {
		if vin.IsCoinBase() {
			coinbaseHex = vin.Coinbase
			break
		}
	}
	if coinbaseHex == "" {
		return
	}
	raw, err := hex.DecodeString(coinbaseHex)
	if err != nil {
		raw = []byte(coinbaseHex)
	}
	var outputs []CoinbaseOutput
	for _, vout := range txinfo.Vout {
		addr, ok := scriptAddress(&vout.ScriptPubKey)
		if !ok || vout.Value <= 0 {
			continue
		}
		outputs = append(outputs, CoinbaseOutput{
			N:       int(vout.N),
			Address: addr,
			Amount:  models.SatoshiFromCoin(vout.Value),
		})
	}
	sink[txinfo.Txid] = CoinbaseData{Raw: raw, Outputs: outputs}
}

// scriptAddress extracts the single destination address of a
// scriptPubKey, handling both the legacy addresses array and the modern
// singular field.
func scriptAddress(script *btcjson.ScriptPubKeyResult) (string, bool) {
	if len(script.Addresses) == 1 {
		return script.Addresses[0], true
	}
	if len(script.Addresses) == 0 && script.Address != "" {
		return script.Address, true
	}
	return "", false
}

type inputRef struct {
	txidHex string
	txidKey string // raw txid bytes as map key
	vout    uint32
	txoKey  string // "<txid hex>_<vout>"
}

type resolvedUTXO struct {
	id     int64
	amount models.Satoshi
}

// ImportTransaction inserts a transaction shell, resolves its inputs
// through the cache waterfall, persists inputs/outputs/mutations and
// finalizes the totals. The caller owns the commit.
func (s *Store) ImportTransaction(ctx context.Context, txinfo *btcjson.TxRawResult) (*models.Transaction, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}

	var regular []inputRef
	isCoinbase := false
	for _, vin := range txinfo.Vin {
		if vin.IsCoinBase() {
			isCoinbase = true
			continue
		}
		raw, err := hex.DecodeString(vin.Txid)
		if err != nil {
			return nil, fmt.Errorf("invalid input txid %q: %w", vin.Txid, err)
		}
		regular = append(regular, inputRef{
			txidHex: vin.Txid,
			txidKey: string(raw),
			vout:    vin.Vout,
			txoKey:  vin.Txid + "_" + strconv.FormatUint(uint64(vin.Vout), 10),
		})
	}

	if isCoinbase {
		log.Printf("Adding  tx  %s (coinbase, %d outputs)", txinfo.Txid, len(txinfo.Vout))
	} else {
		log.Printf("Adding  tx  %s (%d inputs, %d outputs)", txinfo.Txid, len(regular), len(txinfo.Vout))
	}

	txidRaw, err := hex.DecodeString(txinfo.Txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %q: %w", txinfo.Txid, err)
	}

	tx := &models.Transaction{TxID: txidRaw, Size: int64(txinfo.Size), Fee: -1, TotalValue: -1}
	err = s.queryRow(ctx, `
		INSERT INTO transaction (txid, size, fee, totalvalue)
		VALUES ($1, $2, -1, -1) RETURNING id`, txidRaw, tx.Size).Scan(&tx.ID)
	if err != nil {
		return nil, fmt.Errorf("insert transaction %s: %w", txinfo.Txid, err)
	}
	s.tiers.PutTxID(string(txidRaw), tx.ID)

	var totalIn models.Satoshi
	utxoCacheHits, txidCacheHits := 0, 0

	if len(regular) > 0 {
		resolved, misses := s.lookupInputsFromUTXOCache(regular)
		utxoCacheHits = len(resolved)

		viaTxIDCache, misses, err := s.lookupInputsUsingTxIDCache(ctx, misses)
		if err != nil {
			return nil, err
		}
		txidCacheHits = len(viaTxIDCache)

		slow, err := s.lookupInputsSlow(ctx, misses)
		if err != nil {
			return nil, err
		}
		for k, v := range viaTxIDCache {
			resolved[k] = v
		}
		for k, v := range slow {
			resolved[k] = v
		}

		totalIn, err = s.insertInputs(ctx, txinfo.Txid, tx.ID, regular, resolved)
		if err != nil {
			return nil, err
		}
	} else if isCoinbase {
		// The coinbase has exactly one input row with no source UTXO.
		if _, err := s.exec(ctx,
			`INSERT INTO txin (transaction, index, input) VALUES ($1, 0, NULL)`, tx.ID); err != nil {
			return nil, err
		}
	}

	totalOut, err := s.insertOutputs(ctx, txinfo, tx.ID)
	if err != nil {
		return nil, err
	}

	if isCoinbase {
		tx.TotalValue, tx.Fee = totalOut, 0
	} else {
		tx.TotalValue, tx.Fee = totalIn, totalIn-totalOut
	}
	if _, err := s.exec(ctx,
		`UPDATE transaction SET totalvalue = $1, fee = $2 WHERE id = $3`,
		tx.TotalValue, tx.Fee, tx.ID); err != nil {
		return nil, err
	}

	if err := s.AddTxMutations(ctx, tx.ID); err != nil {
		return nil, err
	}

	if s.tiers.UTXOEnabled() {
		log.Printf("Added   tx  %s (utxo cache: %d, hit %d/%d, txid cache: %d, address cache: %d)",
			txinfo.Txid, s.tiers.UTXOLen(), utxoCacheHits, len(regular), s.tiers.TxIDLen(), s.tiers.AddressLen())
	} else {
		log.Printf("Added   tx  %s (txid cache: %d, hit %d/%d, address cache: %d)",
			txinfo.Txid, s.tiers.TxIDLen(), txidCacheHits, len(regular), s.tiers.AddressLen())
	}
	return tx, nil
}

// lookupInputsFromUTXOCache is phase 1 of the waterfall. Hits are
// consumed: the cache entry is removed so the same UTXO can never be
// resolved from cache twice.
func (s *Store) lookupInputsFromUTXOCache(inputs []inputRef) (map[string]resolvedUTXO, []inputRef) {
	resolved := make(map[string]resolvedUTXO)
	if !s.tiers.UTXOEnabled() {
		return resolved, inputs
	}
	var misses []inputRef
	for _, inp := range inputs {
		if entry, ok := s.tiers.ConsumeUTXO(inp.txoKey); ok {
			resolved[inp.txoKey] = resolvedUTXO{id: entry.UTXOInternalID, amount: entry.Amount}
		} else {
			misses = append(misses, inp)
		}
	}
	return resolved, misses
}

// lookupInputsUsingTxIDCache is phase 2: inputs whose source txid is in
// the txid cache are fetched with one batched query keyed on
// (transaction internal id, vout) pairs.
func (s *Store) lookupInputsUsingTxIDCache(ctx context.Context, inputs []inputRef) (map[string]resolvedUTXO, []inputRef, error) {
	resolved := make(map[string]resolvedUTXO)
	var hits []inputRef
	var misses []inputRef
	internalIDs := make(map[string]int64)
	for _, inp := range inputs {
		if id, ok := s.tiers.TxID(inp.txidKey); ok {
			hits = append(hits, inp)
			internalIDs[inp.txidKey] = id
		} else {
			misses = append(misses, inp)
		}
	}
	if len(hits) == 0 {
		return resolved, misses, nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(hits)*2)
	for i, inp := range hits {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d::bigint, $%d::int)", len(args)+1, len(args)+2)
		args = append(args, internalIDs[inp.txidKey], int64(inp.vout))
	}
	rows, err := s.query(ctx,
		`SELECT transaction, index, id, amount FROM txout WHERE (transaction, index) IN (`+sb.String()+`)`,
		args...)
	if err != nil {
		return nil, nil, err
	}
	byPair := make(map[string]resolvedUTXO)
	for rows.Next() {
		var txID, id, amount int64
		var index int
		if err := rows.Scan(&txID, &index, &id, &amount); err != nil {
			rows.Close()
			return nil, nil, err
		}
		byPair[strconv.FormatInt(txID, 10)+"_"+strconv.Itoa(index)] = resolvedUTXO{id: id, amount: amount}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	for _, inp := range hits {
		pair := strconv.FormatInt(internalIDs[inp.txidKey], 10) + "_" + strconv.FormatUint(uint64(inp.vout), 10)
		if utxo, ok := byPair[pair]; ok {
			resolved[inp.txoKey] = utxo
		} else {
			misses = append(misses, inp)
		}
	}
	return resolved, misses, nil
}

// lookupInputsSlow is phase 3: one batched query joining transaction on
// (txid, vout) pairs for everything the caches could not resolve.
func (s *Store) lookupInputsSlow(ctx context.Context, inputs []inputRef) (map[string]resolvedUTXO, error) {
	resolved := make(map[string]resolvedUTXO)
	if len(inputs) == 0 {
		return resolved, nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(inputs)*2)
	for i, inp := range inputs {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d::bytea, $%d::int)", len(args)+1, len(args)+2)
		args = append(args, []byte(inp.txidKey), int64(inp.vout))
	}
	rows, err := s.query(ctx, `
		SELECT t.txid, o.index, o.id, o.amount
		FROM txout o JOIN transaction t ON t.id = o.transaction
		WHERE (t.txid, o.index) IN (`+sb.String()+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var txid []byte
		var index int
		var id, amount int64
		if err := rows.Scan(&txid, &index, &id, &amount); err != nil {
			return nil, err
		}
		resolved[hex.EncodeToString(txid)+"_"+strconv.Itoa(index)] = resolvedUTXO{id: id, amount: amount}
	}
	return resolved, rows.Err()
}

// insertInputs bulk-inserts the input rows. An input whose UTXO is
// still unresolved after all three phases is a fatal import error: the
// unit aborts uncommitted rather than recording a broken spend graph.
func (s *Store) insertInputs(ctx context.Context, txid string, txInternalID int64, inputs []inputRef, resolved map[string]resolvedUTXO) (models.Satoshi, error) {
	var total models.Satoshi
	batch := &pgx.Batch{}
	for index, inp := range inputs {
		utxo, ok := resolved[inp.txoKey]
		if !ok {
			return 0, fmt.Errorf("tx %s: input %s not found after full UTXO lookup", txid, inp.txoKey)
		}
		batch.Queue(`INSERT INTO txin (transaction, index, input) VALUES ($1, $2, $3)`,
			txInternalID, index, utxo.id)
		total += utxo.amount
	}
	results := s.q().SendBatch(ctx, batch)
	defer results.Close()
	for range inputs {
		if _, err := results.Exec(); err != nil {
			return 0, fmt.Errorf("tx %s: insert inputs: %w", txid, err)
		}
	}
	return total, nil
}

// insertOutputs creates the output rows, resolving (and de-duplicating)
// their addresses first, then feeds the new non-RAW outputs into the
// UTXO cache.
func (s *Store) insertOutputs(ctx context.Context, txinfo *btcjson.TxRawResult, txInternalID int64) (models.Satoshi, error) {
	var total models.Satoshi

	// Addresses repeated across outputs of the same transaction must
	// map to a single row, so resolution happens before the inserts.
	addressIDs := make([]*int64, len(txinfo.Vout))
	seen := make(map[string]*int64)
	for i := range txinfo.Vout {
		script := &txinfo.Vout[i].ScriptPubKey
		key := addressKey(script)
		if id, ok := seen[key]; ok {
			addressIDs[i] = id
			continue
		}
		addr, err := s.GetOrCreateOutputAddress(ctx, script)
		if err != nil {
			return 0, err
		}
		addressIDs[i] = &addr.ID
		seen[key] = &addr.ID
	}

	batch := &pgx.Batch{}
	types := make([]models.OutputType, len(txinfo.Vout))
	amounts := make([]models.Satoshi, len(txinfo.Vout))
	for i, vout := range txinfo.Vout {
		types[i] = models.OutputTypeFromRPC(vout.ScriptPubKey.Type)
		amounts[i] = models.SatoshiFromCoin(vout.Value)
		total += amounts[i]
		batch.Queue(`
			INSERT INTO txout (transaction, index, type, address, amount)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			txInternalID, int(vout.N), types[i].InternalID(), addressIDs[i], amounts[i])
	}
	results := s.q().SendBatch(ctx, batch)
	outputIDs := make([]int64, len(txinfo.Vout))
	for i := range txinfo.Vout {
		if err := results.QueryRow().Scan(&outputIDs[i]); err != nil {
			results.Close()
			return 0, fmt.Errorf("tx %s: insert outputs: %w", txinfo.Txid, err)
		}
	}
	if err := results.Close(); err != nil {
		return 0, err
	}

	if s.tiers.UTXOEnabled() {
		for i, vout := range txinfo.Vout {
			if types[i] == models.OutputRaw {
				continue
			}
			key := txinfo.Txid + "_" + strconv.FormatUint(uint64(vout.N), 10)
			s.tiers.PutUTXO(key, cache.UTXOEntry{
				TxInternalID:   txInternalID,
				UTXOInternalID: outputIDs[i],
				Amount:         amounts[i],
			})
		}
	}
	return total, nil
}

func addressKey(script *btcjson.ScriptPubKeyResult) string {
	if addr, ok := scriptAddress(script); ok {
		return "addr:" + addr
	}
	return "raw:" + script.Asm
}

// AddTxMutations computes the per-address net Mutation rows for one
// transaction in a single statement: outputs count positively, spent
// source outputs negatively, grouped by address.
func (s *Store) AddTxMutations(ctx context.Context, txInternalID int64) error {
	_, err := s.exec(ctx, `
		INSERT INTO mutation (transaction, address, amount)
		SELECT $1, m.address, SUM(m.amount) FROM (
			SELECT o.address AS address, o.amount AS amount
			FROM txout o WHERE o.transaction = $1 AND o.address IS NOT NULL
			UNION ALL
			SELECT po.address, -po.amount
			FROM txin i JOIN txout po ON po.id = i.input
			WHERE i.transaction = $1 AND po.address IS NOT NULL
		) m GROUP BY m.address
		ON CONFLICT (transaction, address) DO NOTHING`, txInternalID)
	return err
}

// MarkTransactionSeen stamps the first mempool observation time. Only
// the first sighting counts; transactions that enter through block
// ingestion keep a NULL firstseen and fall back to the block timestamp.
func (s *Store) MarkTransactionSeen(ctx context.Context, txInternalID int64) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	_, err := s.exec(ctx,
		`UPDATE transaction SET firstseen = NOW() WHERE id = $1 AND firstseen IS NULL`, txInternalID)
	return err
}

// ConfirmTransaction links a transaction to a block: the idempotent
// blocktx row, the confirmation pointer, the spent-links on every input
// UTXO, and the dirty flags on every touched address, atomically within
// the current unit.
func (s *Store) ConfirmTransaction(ctx context.Context, txid string, blockInternalID int64, resolver TxResolver) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	log.Printf("Confirm tx  %s", txid)

	txInternalID, err := s.TransactionInternalID(ctx, txid)
	if err != nil {
		return err
	}
	if txInternalID == 0 {
		if resolver == nil {
			return fmt.Errorf("confirm: transaction %s unknown and no resolver given", txid)
		}
		txinfo, err := resolver(txid)
		if err != nil {
			return err
		}
		tx, err := s.ImportTransaction(ctx, txinfo)
		if err != nil {
			return err
		}
		txInternalID = tx.ID
	}

	var blockrefID int64
	err = s.queryRow(ctx, `
		INSERT INTO blocktx (block, transaction) VALUES ($1, $2)
		ON CONFLICT (block, transaction) DO UPDATE SET block = EXCLUDED.block
		RETURNING id`, blockInternalID, txInternalID).Scan(&blockrefID)
	if err != nil {
		return err
	}

	if _, err := s.exec(ctx,
		`UPDATE transaction SET confirmation = $1 WHERE id = $2`, blockrefID, txInternalID); err != nil {
		return err
	}
	if _, err := s.exec(ctx, `
		UPDATE txout SET spentby = txin.id FROM txin
		WHERE txin.input = txout.id AND txin.transaction = $1`, txInternalID); err != nil {
		return err
	}
	return s.flagTxAddressesDirty(ctx, txInternalID)
}

// UnconfirmTransaction detaches a transaction from its block: the
// confirmation pointer and every spent-link are cleared and the touched
// addresses flagged dirty. Nothing is deleted.
func (s *Store) UnconfirmTransaction(ctx context.Context, txid string) error {
	txInternalID, err := s.TransactionInternalID(ctx, txid)
	if err != nil {
		return err
	}
	if txInternalID == 0 {
		return nil
	}
	return s.unconfirmTransactionByID(ctx, txInternalID)
}

func (s *Store) unconfirmTransactionByID(ctx context.Context, txInternalID int64) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	if _, err := s.exec(ctx,
		`UPDATE transaction SET confirmation = NULL WHERE id = $1`, txInternalID); err != nil {
		return err
	}
	if _, err := s.exec(ctx, `
		UPDATE txout SET spentby = NULL
		WHERE id IN (SELECT input FROM txin WHERE transaction = $1 AND input IS NOT NULL)`, txInternalID); err != nil {
		return err
	}
	return s.flagTxAddressesDirty(ctx, txInternalID)
}

func (s *Store) flagTxAddressesDirty(ctx context.Context, txInternalID int64) error {
	if _, err := s.exec(ctx, `
		UPDATE address SET balance_dirty = 1
		WHERE id IN (SELECT address FROM txout WHERE transaction = $1 AND address IS NOT NULL)`, txInternalID); err != nil {
		return err
	}
	_, err := s.exec(ctx, `
		UPDATE address SET balance_dirty = 1
		WHERE id IN (
			SELECT po.address FROM txin i
			JOIN txout po ON po.id = i.input
			WHERE i.transaction = $1 AND po.address IS NOT NULL
		)`, txInternalID)
	return err
}
