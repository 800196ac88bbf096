package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hcp/hcp/internal/platform/apperr"
)

const DBTxKey contextKey = "db_tx"

var errNoConnection = errors.New("no database connection in context")

// TxRunner runs fn inside a single database transaction. The transaction is
// carried in the context handed to fn; repositories pick it up via
// TxFromContext.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// PoolTxRunner begins transactions on the request connection when the tenant
// middleware acquired one, otherwise on the pool.
type PoolTxRunner struct {
	pool *pgxpool.Pool
}

func NewTxRunner(pool *pgxpool.Pool) *PoolTxRunner {
	return &PoolTxRunner{pool: pool}
}

// InTx joins an enclosing transaction if ctx already carries one. Failures to
// begin, scope or commit the transaction are storage errors; errors returned
// by fn pass through unchanged.
func (r *PoolTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	var b beginner
	if c := ConnFromContext(ctx); c != nil {
		b = c
	} else if r.pool != nil {
		b = r.pool
	} else {
		return apperr.Storage(errNoConnection, "begin transaction")
	}

	tx, err := b.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return apperr.Storage(err, "begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := applyTenantSettings(ctx, tx); err != nil {
		return apperr.Storage(err, "set tenant scope")
	}
	if err := fn(WithTxContext(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Storage(err, "commit transaction")
	}
	return nil
}

func WithTxContext(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, DBTxKey, tx)
}

// TxFromContext returns the transaction carried by ctx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// applyTenantSettings scopes row-level security to the transaction.
func applyTenantSettings(ctx context.Context, tx pgx.Tx) error {
	tenant := TenantFromContext(ctx)
	if tenant == "" {
		return nil
	}
	_, err := tx.Exec(ctx,
		`SELECT set_config('app.current_tenant', $1, true), set_config('app.current_facility', $2, true)`,
		tenant, FacilityFromContext(ctx))
	return err
}
