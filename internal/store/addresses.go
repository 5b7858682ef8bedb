package store

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/jackc/pgx/v5"

	"github.com/rawblock/chain-indexer/internal/cache"
	"github.com/rawblock/chain-indexer/pkg/models"
)

// balanceDeferThreshold is the UTXO count above which an address is too
// expensive to reconcile inline and gets deferred to the slow pass.
const balanceDeferThreshold = 5000

const addressColumns = `id, type, address, raw, balance, balance_dirty`

func scanAddress(row pgx.Row) (*models.Address, error) {
	var a models.Address
	var typeID int
	err := row.Scan(&a.ID, &typeID, &a.Address, &a.Raw, &a.Balance, &a.BalanceDirty)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Type = models.ResolveAddressType(typeID)
	return &a, nil
}

// AddressByString returns the address row for its string form, or nil.
func (s *Store) AddressByString(ctx context.Context, address string) (*models.Address, error) {
	return scanAddress(s.queryRow(ctx,
		`SELECT `+addressColumns+` FROM address WHERE address = $1`, address))
}

// GetOrCreateOutputAddress resolves the destination of a scriptPubKey
// to an address row, creating it when new. Single-address scripts are
// classified by length; scripts without one become DATA (a lone
// OP_RETURN payload) or RAW (the full disassembly). Rows without an
// address string are never cached.
func (s *Store) GetOrCreateOutputAddress(ctx context.Context, script *btcjson.ScriptPubKeyResult) (cache.CachedAddress, error) {
	if addr, ok := scriptAddress(script); ok {
		if cached, ok := s.tiers.Address(addr); ok {
			return cached, nil
		}
		typ := models.ClassifyAddress(addr)
		entry, err := s.getOrCreateAddress(ctx, typ, &addr, nil)
		if err != nil {
			return cache.CachedAddress{}, err
		}
		s.tiers.PutAddress(addr, entry)
		return entry, nil
	}

	typ, raw := models.AddressData, ""
	if payload, ok := strings.CutPrefix(script.Asm, "OP_RETURN "); ok && !strings.ContainsRune(payload, ' ') {
		raw = payload
	} else {
		typ, raw = models.AddressRaw, script.Asm
	}
	return s.getOrCreateAddress(ctx, typ, nil, &raw)
}

func (s *Store) getOrCreateAddress(ctx context.Context, typ models.AddressType, address, raw *string) (cache.CachedAddress, error) {
	if err := s.begin(ctx); err != nil {
		return cache.CachedAddress{}, err
	}
	var id int64
	var err error
	if address != nil {
		err = s.queryRow(ctx, `SELECT id FROM address WHERE address = $1`, *address).Scan(&id)
	} else {
		err = s.queryRow(ctx,
			`SELECT id FROM address WHERE address IS NULL AND type = $1 AND raw = $2`,
			typ.InternalID(), *raw).Scan(&id)
	}
	if err == pgx.ErrNoRows {
		err = s.queryRow(ctx, `
			INSERT INTO address (type, address, raw) VALUES ($1, $2, $3)
			RETURNING id`, typ.InternalID(), address, raw).Scan(&id)
	}
	if err != nil {
		return cache.CachedAddress{}, fmt.Errorf("get or create address: %w", err)
	}
	return cache.CachedAddress{ID: id, Type: string(typ), Address: address, Raw: raw}, nil
}

// NextDirtyAddress returns one address in the given dirty state, or nil
// when the backlog is empty. Random selection spreads concurrent
// reconcilers over the backlog instead of contending on one row.
func (s *Store) NextDirtyAddress(ctx context.Context, mode int, random bool) (*models.Address, error) {
	order := ""
	if random {
		order = " ORDER BY random()"
	}
	return scanAddress(s.queryRow(ctx,
		`SELECT `+addressColumns+` FROM address WHERE balance_dirty = $1`+order+` LIMIT 1`, mode))
}

// UpdateAddressBalance reconciles one dirty address inline: count the
// unspent confirmed outputs first, and defer to the slow pass when the
// address is too large to sum inside the writer unit.
func (s *Store) UpdateAddressBalance(ctx context.Context, addr *models.Address) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	var count int64
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM txout o
		JOIN transaction t ON t.id = o.transaction
		WHERE o.address = $1 AND o.spentby IS NULL AND t.confirmation IS NOT NULL`,
		addr.ID).Scan(&count)
	if err != nil {
		return err
	}
	if count > balanceDeferThreshold {
		log.Printf("Defer   bal %s (%d utxos)", addr.Label(), count)
		_, err := s.exec(ctx,
			`UPDATE address SET balance_dirty = $1 WHERE id = $2`,
			models.BalanceDirtyLarge, addr.ID)
		return err
	}

	var balance models.Satoshi
	err = s.queryRow(ctx, `
		SELECT COALESCE(SUM(o.amount), 0) FROM txout o
		JOIN transaction t ON t.id = o.transaction
		WHERE o.address = $1 AND o.spentby IS NULL AND t.confirmation IS NOT NULL`,
		addr.ID).Scan(&balance)
	if err != nil {
		return err
	}
	log.Printf("Update  bal %s = %d", addr.Label(), balance)
	_, err = s.exec(ctx,
		`UPDATE address SET balance = $1, balance_dirty = $2 WHERE id = $3`,
		balance, models.BalanceClean, addr.ID)
	return err
}

// UpdateAddressBalanceSlow reconciles one deferred-large address. The
// expensive sum runs in autocommit mode, outside any writer unit, and
// the write-back is optimistic: it only lands if nothing re-dirtied the
// address while the sum was running.
func (s *Store) UpdateAddressBalanceSlow(ctx context.Context, addr *models.Address) error {
	log.Printf("Update  bal %s (slow)", addr.Label())
	if _, err := s.pool.Exec(ctx,
		`UPDATE address SET balance_dirty = $1 WHERE id = $2`,
		models.BalanceUpdateInFlight, addr.ID); err != nil {
		return err
	}

	var balance models.Satoshi
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(o.amount), 0) FROM txout o
		JOIN transaction t ON t.id = o.transaction
		WHERE o.address = $1 AND o.spentby IS NULL AND t.confirmation IS NOT NULL`,
		addr.ID).Scan(&balance)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE address SET balance = $1, balance_dirty = $2
		WHERE id = $3 AND balance_dirty = $4`,
		balance, models.BalanceClean, addr.ID, models.BalanceUpdateInFlight)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		log.Printf("Abort   bal %s (re-dirtied during slow update)", addr.Label())
	}
	return nil
}

// ResetInFlightBalances requeues slow updates that were interrupted by
// a previous shutdown. Called once at engine startup.
func (s *Store) ResetInFlightBalances(ctx context.Context) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE address SET balance_dirty = $1 WHERE balance_dirty = $2`,
		models.BalanceDirtyLarge, models.BalanceUpdateInFlight)
	if err != nil {
		return err
	}
	if n := tag.RowsAffected(); n > 0 {
		log.Printf("[Engine] Requeued %d interrupted balance updates", n)
	}
	return nil
}
