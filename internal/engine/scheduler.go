package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/rawblock/chain-indexer/internal/pidfile"
)

const (
	// softDeadline bounds each background reconciler per live pass.
	softDeadline = 3 * time.Second
	// idleSleep is the pause when a full pass produced no work.
	idleSleep = time.Second
)

// doUntilDeadline invokes a bounded-work operation at least once, and
// keeps invoking it while it reports work until the soft deadline.
func doUntilDeadline(ctx context.Context, deadline time.Duration, op func(context.Context) (bool, error)) (bool, error) {
	start := time.Now()
	didAny := false
	for {
		did, err := op(ctx)
		if err != nil {
			return didAny, err
		}
		didAny = didAny || did
		if !did || time.Since(start) >= deadline {
			return didAny, nil
		}
		if err := ctx.Err(); err != nil {
			return didAny, err
		}
	}
}

// Run drives the writer through its three states and then loops live
// until the context is cancelled. Any other error is returned for the
// supervisor to restart us.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.daemon.Uptime(); err != nil {
		return err
	}

	// Verifying
	if err := e.VerifyState(ctx); err != nil {
		return err
	}

	// InitialSync
	if _, err := e.SyncBlocks(ctx, true); err != nil {
		return err
	}
	log.Println("[Engine] Initial sync complete")

	if err := pidfile.Write("chain-indexer"); err != nil {
		log.Printf("[Engine] Cannot write pidfile: %v", err)
	}

	// Live
	for {
		if err := ctx.Err(); err != nil {
			return e.shutdown(err)
		}
		e.store.ResetSession(ctx)

		did := false
		steps := []func(context.Context) (bool, error){
			e.QueryMempool,
			func(ctx context.Context) (bool, error) { return e.SyncBlocks(ctx, false) },
			e.CheckMempoolForDoubleSpends,
		}
		for _, step := range steps {
			stepDid, err := step(ctx)
			did = did || stepDid
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return e.shutdown(err)
				}
				return err
			}
		}

		reconcilers := []func(context.Context) (bool, error){
			e.UpdateSingleBalance,
			e.UpdateCoinDaysDestroyed,
			e.MigrateOldData,
		}
		for _, op := range reconcilers {
			opDid, err := doUntilDeadline(ctx, softDeadline, op)
			did = did || opDid
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return e.shutdown(err)
				}
				return err
			}
		}

		if !did {
			log.Println("Synced")
			select {
			case <-ctx.Done():
				return e.shutdown(ctx.Err())
			case <-time.After(idleSleep):
			}
		}
	}
}

// shutdown rolls back any open unit; interrupt is a clean exit.
func (e *Engine) shutdown(err error) error {
	e.store.ResetSession(context.Background())
	if errors.Is(err, context.Canceled) {
		log.Println("[Engine] Interrupted, shutting down")
		return nil
	}
	return err
}
