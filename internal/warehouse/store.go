package warehouse

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the warehouse access layer. All fact, snapshot, mapping, ground
// truth and run-log SQL lives here; services above it never see SQL.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for transaction scoping by the merger.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// BeginTx opens a transaction with default options.
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return s.pool.BeginTx(ctx, pgx.TxOptions{})
}
