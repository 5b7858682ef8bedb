// Package store is the persistence layer: typed entity access over
// Postgres, grouped into transactional units. The indexer engine runs
// at most one writer session at a time; the read façade opens
// independent short-lived reads against the same pool.
package store

import (
	"context"
	_ "embed"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/chain-indexer/internal/cache"
	"github.com/rawblock/chain-indexer/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init
// works without shipping the .sql file alongside the binary.
//
//go:embed schema.sql
var schemaSQL string

type Store struct {
	pool     *pgxpool.Pool
	tiers    *cache.Tiers
	debugSQL bool

	// wtx is the writer's open transactional unit. All engine write
	// operations accumulate here until Commit; a unit that fails is
	// rolled back wholesale so no partial state leaks.
	wtx pgx.Tx

	// chaintip memoizes the highest on-chain block for the current
	// unit; invalidated on commit, reset and orphaning.
	chaintip *models.Block
}

// Connect initializes the connection pool and verifies it with a ping.
func Connect(ctx context.Context, connStr string, tiers *cache.Tiers, debugSQL bool) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	log.Println("[Store] Connected to PostgreSQL")
	return &Store{pool: pool, tiers: tiers, debugSQL: debugSQL}, nil
}

// InitSchema executes the embedded DDL. All statements are idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	log.Println("[Store] Schema initialized")
	return nil
}

// Close gracefully closes the connection pool.
func (s *Store) Close() {
	s.ResetSession(context.Background())
	if s.pool != nil {
		s.pool.Close()
	}
}

// Tiers exposes the writer-local caches to the engine.
func (s *Store) Tiers() *cache.Tiers {
	return s.tiers
}

// querier is satisfied by both pgxpool.Pool and pgx.Tx, letting every
// statement run inside the writer unit when one is open and in
// autocommit mode otherwise.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func (s *Store) q() querier {
	if s.wtx != nil {
		return s.wtx
	}
	return s.pool
}

// begin opens the writer unit if none is open yet.
func (s *Store) begin(ctx context.Context) error {
	if s.wtx != nil {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	s.wtx = tx
	return nil
}

// Commit makes the current unit durable. A commit with no open unit is
// a no-op so bounded-work operations can commit unconditionally.
func (s *Store) Commit(ctx context.Context) error {
	if s.wtx == nil {
		return nil
	}
	err := s.wtx.Commit(ctx)
	s.wtx = nil
	s.chaintip = nil
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ResetSession drops any in-progress unit and stale memoized state.
// Callers must retry the entire logical step afterwards.
func (s *Store) ResetSession(ctx context.Context) {
	if s.wtx != nil {
		_ = s.wtx.Rollback(ctx)
		s.wtx = nil
	}
	s.chaintip = nil
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if s.debugSQL {
		log.Printf("[SQL] %s %v", sql, args)
	}
	return s.q().Exec(ctx, sql, args...)
}

func (s *Store) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if s.debugSQL {
		log.Printf("[SQL] %s %v", sql, args)
	}
	return s.q().Query(ctx, sql, args...)
}

func (s *Store) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if s.debugSQL {
		log.Printf("[SQL] %s %v", sql, args)
	}
	return s.q().QueryRow(ctx, sql, args...)
}
