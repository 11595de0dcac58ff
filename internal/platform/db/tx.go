package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// storeLockSQL serializes writers of one logical store until the surrounding
// transaction ends. The API and the worker both write through it.
const storeLockSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

// WithStoreTx runs fn in a read-committed transaction that holds the write
// lock of the named logical store. fn must not commit or roll back tx.
func WithStoreTx(ctx context.Context, pool *pgxpool.Pool, storeName string, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx for %s: %w", storeName, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, storeLockSQL, storeName); err != nil {
		return fmt.Errorf("platform/db: lock %s: %w", storeName, err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit %s: %w", storeName, err)
	}
	return nil
}
