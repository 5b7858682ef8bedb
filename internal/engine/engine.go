// Package engine is the single-writer indexing loop: block sync with
// reorg handling, mempool tracking, and the background reconcilers, all
// multiplexed cooperatively over one store session.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rawblock/chain-indexer/internal/cache"
	"github.com/rawblock/chain-indexer/internal/daemon"
	"github.com/rawblock/chain-indexer/internal/store"
)

// commitInterval paces commits during bulk sync so restarts lose at
// most a few seconds of imported blocks.
const commitInterval = 3 * time.Second

type Engine struct {
	daemon   *daemon.Client
	store    *store.Store
	seen     *cache.MempoolSeen
	migrator *store.Migrator

	cddCursor int64

	// Double-spend scanning only pays off once per chain advance; the
	// scan is skipped while these two match.
	lastSyncedHash  string
	lastScannedHash string
}

func New(d *daemon.Client, s *store.Store) *Engine {
	return &Engine{
		daemon:   d,
		store:    s,
		seen:     cache.NewMempoolSeen(),
		migrator: store.NewMigrator(s, d.AddressScript),
	}
}

// VerifyState repairs whatever a mid-commit abort may have left behind
// before any new writes happen.
func (e *Engine) VerifyState(ctx context.Context) error {
	log.Println("[Engine] Verifying database state")
	if err := e.store.ResetInFlightBalances(ctx); err != nil {
		return err
	}
	if err := e.store.RemoveBlocksWithoutCoinbase(ctx); err != nil {
		return err
	}
	if err := e.store.VerifyConfirmedTransactionsState(ctx); err != nil {
		return err
	}
	if err := e.store.VerifyUnconfirmedTransactionsState(ctx); err != nil {
		return err
	}
	return e.store.Commit(ctx)
}

// findCommonAncestor walks downwards from min(store tip, node tip)
// until the stored hash matches the node's hash for that height.
// Returns -1 for an empty store.
func (e *Engine) findCommonAncestor(ctx context.Context, nodeHeight int64) (int64, error) {
	chaintip, err := e.store.Chaintip(ctx)
	if err != nil {
		return -1, err
	}
	if chaintip == nil || chaintip.Height == nil {
		return -1, nil
	}
	start := *chaintip.Height
	if nodeHeight < start {
		start = nodeHeight
	}
	for height := start; height >= 0; height-- {
		nodeHash, err := e.daemon.BlockHash(height)
		if err != nil {
			return -1, err
		}
		block, err := e.store.BlockByHeight(ctx, height)
		if err != nil {
			return -1, err
		}
		if block == nil {
			continue
		}
		if block.HashHex() == nodeHash {
			return height, nil
		}
		log.Printf("[Engine] Divergence at height %d (store %s, node %s)",
			height, block.HashHex(), nodeHash)
	}
	return -1, nil
}

// SyncBlocks brings the store up to the node's tip. Reorgs are handled
// by orphaning back to the common ancestor first. Reports whether any
// block moved.
func (e *Engine) SyncBlocks(ctx context.Context, initial bool) (bool, error) {
	nodeHeight, err := e.daemon.CurrentHeight()
	if err != nil {
		return false, err
	}

	ancestor, err := e.findCommonAncestor(ctx, nodeHeight)
	if err != nil {
		return false, err
	}
	chaintip, err := e.store.Chaintip(ctx)
	if err != nil {
		return false, err
	}
	orphaned := false
	if chaintip != nil && chaintip.Height != nil && ancestor < *chaintip.Height {
		if err := e.store.OrphanBlocksFrom(ctx, ancestor+1); err != nil {
			return false, err
		}
		orphaned = true
	}

	first := ancestor + 1
	if initial {
		// A crash during a previous run can leave holes below the tip;
		// re-import from the lowest missing height.
		gap, err := e.firstMissingHeight(ctx, ancestor)
		if err != nil {
			return false, err
		}
		if gap < first {
			log.Printf("[Engine] Gap in stored chain at height %d, rescanning", gap)
			first = gap
		}
	}
	if first > nodeHeight {
		return orphaned, nil
	}
	if initial {
		count, err := e.store.BlockCount(ctx)
		if err != nil {
			return false, err
		}
		log.Printf("[Engine] Syncing blocks %d..%d (%d stored)", first, nodeHeight, count)
	}

	lastCommit := time.Now()
	for height := first; height <= nodeHeight; height++ {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		if err := e.importBlockHeight(ctx, height); err != nil {
			return false, err
		}
		if time.Since(lastCommit) >= commitInterval {
			log.Println("Commit")
			if err := e.store.Commit(ctx); err != nil {
				return false, err
			}
			lastCommit = time.Now()
		}
	}
	if err := e.store.Commit(ctx); err != nil {
		return false, err
	}

	if hash, err := e.daemon.BlockHash(nodeHeight); err == nil {
		e.lastSyncedHash = hash
	}
	return true, nil
}

// firstMissingHeight finds the lowest height up to tip with no stored
// block. Complete 1000-block windows are skipped with a single count.
func (e *Engine) firstMissingHeight(ctx context.Context, tip int64) (int64, error) {
	const window = 1000
	for lo := int64(0); lo <= tip; lo += window {
		hi := lo + window
		if hi > tip+1 {
			hi = tip + 1
		}
		count, err := e.store.BlockCountInRange(ctx, lo, hi)
		if err != nil {
			return 0, err
		}
		if count == hi-lo {
			continue
		}
		for height := lo; height < hi; height++ {
			block, err := e.store.BlockByHeight(ctx, height)
			if err != nil {
				return 0, err
			}
			if block == nil {
				return height, nil
			}
		}
	}
	return tip + 1, nil
}

// importBlockHeight ingests one block, enforcing chain continuity on
// both sides: a previousblockhash mismatch is fatal, a nextblockhash
// disagreement orphans the stored successor first.
func (e *Engine) importBlockHeight(ctx context.Context, height int64) error {
	hash, err := e.daemon.BlockHash(height)
	if err != nil {
		return err
	}
	blockinfo, err := e.daemon.Block(hash)
	if err != nil {
		return err
	}

	if height > 0 {
		previous, err := e.store.BlockByHeight(ctx, height-1)
		if err != nil {
			return err
		}
		if previous != nil && blockinfo.PreviousHash != previous.HashHex() {
			return fmt.Errorf("chain error: block %s at height %d expects parent %s, store has %s",
				hash, height, blockinfo.PreviousHash, previous.HashHex())
		}
	}
	if blockinfo.NextHash != "" {
		successor, err := e.store.BlockByHeight(ctx, height+1)
		if err != nil {
			return err
		}
		if successor != nil && successor.HashHex() != blockinfo.NextHash {
			if err := e.store.OrphanBlocksFrom(ctx, height+1); err != nil {
				return err
			}
		}
	}

	_, err = e.store.ImportBlockInfo(ctx, blockinfo, e.daemon.Transaction)
	return err
}

// QueryMempool imports node-mempool transactions not observed within
// the seen-set TTL. Reports whether any import happened.
func (e *Engine) QueryMempool(ctx context.Context) (bool, error) {
	txids, err := e.daemon.RawMempool()
	if err != nil {
		return false, err
	}
	did := false
	for _, txid := range txids {
		if e.seen.Contains(txid) {
			continue
		}
		id, err := e.store.CheckNeedImportTransaction(ctx, txid, e.daemon.Transaction, nil)
		if err != nil {
			return did, err
		}
		if err := e.store.MarkTransactionSeen(ctx, id); err != nil {
			return did, err
		}
		e.seen.Add(txid)
		did = true
	}
	if did {
		if err := e.store.Commit(ctx); err != nil {
			return false, err
		}
	}
	return did, nil
}

// CheckMempoolForDoubleSpends runs the two marking passes, but only
// when the chain advanced since the last scan.
func (e *Engine) CheckMempoolForDoubleSpends(ctx context.Context) (bool, error) {
	if e.lastSyncedHash == "" || e.lastSyncedHash == e.lastScannedHash {
		return false, nil
	}
	marked, err := e.store.MarkOrphanedCoinbaseDoubleSpends(ctx)
	if err != nil {
		return false, err
	}
	propagated, err := e.store.PropagateDoubleSpends(ctx)
	if err != nil {
		return false, err
	}
	e.lastScannedHash = e.lastSyncedHash
	return marked || propagated, nil
}

// UpdateSingleBalance reconciles one dirty address: the fast backlog
// first (picked at random to spread hot spots), then one deferred-large
// address via the slow path.
func (e *Engine) UpdateSingleBalance(ctx context.Context) (bool, error) {
	addr, err := e.store.NextDirtyAddress(ctx, 1, true)
	if err != nil {
		return false, err
	}
	if addr != nil {
		if err := e.store.UpdateAddressBalance(ctx, addr); err != nil {
			return false, err
		}
		return true, e.store.Commit(ctx)
	}

	addr, err = e.store.NextDirtyAddress(ctx, 2, false)
	if err != nil || addr == nil {
		return false, err
	}
	return true, e.store.UpdateAddressBalanceSlow(ctx, addr)
}

// UpdateCoinDaysDestroyed advances the accumulator by one batch.
func (e *Engine) UpdateCoinDaysDestroyed(ctx context.Context) (bool, error) {
	n, cursor, err := e.store.UpdateCoinDaysDestroyed(ctx, e.cddCursor)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	e.cddCursor = cursor
	return true, e.store.Commit(ctx)
}

// MigrateOldData advances the back-fill runner by one unit.
func (e *Engine) MigrateOldData(ctx context.Context) (bool, error) {
	return e.migrator.Step(ctx)
}
