package store

import (
	"context"
	"log"

	"github.com/jackc/pgx/v5"

	"github.com/rawblock/chain-indexer/pkg/models"
)

// ScriptResolver turns an address string into its scriptPubKey
// disassembly, via the node's validateaddress + decodescript.
type ScriptResolver func(address string) (string, error)

// Migrator back-fills derived columns that older database generations
// lack, one row per step so the scheduler can bound the time spent.
// Phases run in order; a finished phase is never revisited within a
// run. Cursors only advance, so rows that legitimately stay unfilled
// (a transaction with only RAW outputs has no mutations) are not
// rescanned forever.
type Migrator struct {
	s       *Store
	scripts ScriptResolver

	phase  int
	cursor int64
}

const (
	migrateMutations = iota
	migrateAddressScript
	migrateBlockTotalFee
	migrateCoinbaseNewCoins
	migrateDone
)

var migratePhaseNames = []string{
	"mutations", "address_script", "block_totalfee", "coinbase_newcoins", "done",
}

func NewMigrator(s *Store, scripts ScriptResolver) *Migrator {
	return &Migrator{s: s, scripts: scripts}
}

// Step performs one unit of back-fill work and commits it. Returns
// false when every phase is exhausted.
func (m *Migrator) Step(ctx context.Context) (bool, error) {
	for m.phase < migrateDone {
		did, err := m.step(ctx)
		if err != nil {
			return false, err
		}
		if did {
			return true, nil
		}
		log.Printf("Migrate phase %s done, next %s",
			migratePhaseNames[m.phase], migratePhaseNames[m.phase+1])
		m.phase++
		m.cursor = 0
	}
	return false, nil
}

func (m *Migrator) step(ctx context.Context) (bool, error) {
	switch m.phase {
	case migrateMutations:
		return m.stepMutations(ctx)
	case migrateAddressScript:
		return m.stepAddressScript(ctx)
	case migrateBlockTotalFee:
		return m.stepBlockTotalFee(ctx)
	case migrateCoinbaseNewCoins:
		return m.stepCoinbaseNewCoins(ctx)
	}
	return false, nil
}

// stepMutations creates Mutation rows for one transaction imported
// before mutations existed.
func (m *Migrator) stepMutations(ctx context.Context) (bool, error) {
	var txID int64
	err := m.s.queryRow(ctx, `
		SELECT t.id FROM transaction t
		WHERE t.id > $1
		  AND NOT EXISTS (SELECT 1 FROM mutation mu WHERE mu.transaction = t.id)
		  AND (
			EXISTS (SELECT 1 FROM txout o WHERE o.transaction = t.id AND o.address IS NOT NULL)
			OR EXISTS (
				SELECT 1 FROM txin i JOIN txout po ON po.id = i.input
				WHERE i.transaction = t.id AND po.address IS NOT NULL)
		  )
		ORDER BY t.id LIMIT 1`, m.cursor).Scan(&txID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	log.Printf("Migrate mutations tx %d", txID)
	if err := m.s.AddTxMutations(ctx, txID); err != nil {
		return false, err
	}
	m.cursor = txID
	return true, m.s.Commit(ctx)
}

// stepAddressScript fills the raw script for one decoded address that
// predates the raw column, asking the node what its script looks like.
func (m *Migrator) stepAddressScript(ctx context.Context) (bool, error) {
	if m.scripts == nil {
		return false, nil
	}
	var id int64
	var address string
	err := m.s.queryRow(ctx, `
		SELECT id, address FROM address
		WHERE id > $1 AND raw IS NULL AND address IS NOT NULL AND type IN ($2, $3)
		ORDER BY id LIMIT 1`,
		m.cursor, models.AddressBase58.InternalID(), models.AddressBech32.InternalID()).
		Scan(&id, &address)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	script, err := m.scripts(address)
	if err != nil {
		return false, err
	}
	log.Printf("Migrate address_script %s", address)
	if _, err := m.s.exec(ctx,
		`UPDATE address SET raw = $1 WHERE id = $2`, script, id); err != nil {
		return false, err
	}
	m.cursor = id
	return true, m.s.Commit(ctx)
}

// stepBlockTotalFee sums transaction fees into one block that has no
// totalfee yet.
func (m *Migrator) stepBlockTotalFee(ctx context.Context) (bool, error) {
	var blockID int64
	err := m.s.queryRow(ctx, `
		SELECT id FROM block WHERE id > $1 AND totalfee IS NULL
		ORDER BY id LIMIT 1`, m.cursor).Scan(&blockID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	log.Printf("Migrate block_totalfee block %d", blockID)
	if _, err := m.s.exec(ctx, `
		UPDATE block SET totalfee = (
			SELECT COALESCE(SUM(t.fee), 0)
			FROM transaction t JOIN blocktx bt ON bt.transaction = t.id
			WHERE bt.block = $1
		) WHERE id = $1`, blockID); err != nil {
		return false, err
	}
	m.cursor = blockID
	return true, m.s.Commit(ctx)
}

// stepCoinbaseNewCoins derives the subsidy for one coinbase row that
// has none: the coinbase's total value minus the block's fees.
func (m *Migrator) stepCoinbaseNewCoins(ctx context.Context) (bool, error) {
	var blockID int64
	err := m.s.queryRow(ctx, `
		SELECT c.block FROM coinbase c
		JOIN block b ON b.id = c.block
		WHERE c.block > $1 AND c.newcoins IS NULL AND b.totalfee IS NOT NULL
		ORDER BY c.block LIMIT 1`, m.cursor).Scan(&blockID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	log.Printf("Migrate coinbase_newcoins block %d", blockID)
	if _, err := m.s.exec(ctx, `
		UPDATE coinbase c SET newcoins = t.totalvalue - b.totalfee
		FROM transaction t, block b
		WHERE c.block = $1 AND t.id = c.transaction AND b.id = c.block`, blockID); err != nil {
		return false, err
	}
	m.cursor = blockID
	return true, m.s.Commit(ctx)
}
