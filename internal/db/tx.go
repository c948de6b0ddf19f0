package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrSerialization means a serializable transaction lost to a concurrent one.
	ErrSerialization = errors.New("serialization failure")
	// ErrExclusion means an exclusion constraint (overlapping appointments) fired.
	ErrExclusion = errors.New("exclusion constraint violation")
	ErrUnique    = errors.New("unique constraint violation")
)

// DBTX is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	Serializable = pgx.TxOptions{IsoLevel: pgx.Serializable}
	ReadSnapshot = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	// RowLocked is for flows that take SELECT ... FOR UPDATE before writing.
	// Each statement sees the latest committed rows, so a caller that waited
	// on the lock reads what the previous holder wrote.
	RowLocked = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}
)

// InTenantTx runs fn in a transaction whose search_path points at the
// tenant schema found on ctx. The transaction commits when fn returns nil.
func InTenantTx(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, fn func(tx pgx.Tx) error) error {
	tenant := TenantFromContext(ctx)
	if !ValidTenant(tenant) {
		return ErrInvalidTenant
	}

	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT set_config('search_path', $1, true)`, searchPath(tenant)); err != nil {
		return fmt.Errorf("set tenant search_path: %w", err)
	}

	if err := fn(tx); err != nil {
		return classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// searchPath quotes the schema so mixed-case tenants resolve to the schema
// MigrateTenant created instead of its lower-cased fold.
func searchPath(tenantID string) string {
	return pgx.Identifier{SchemaFor(tenantID)}.Sanitize() + ", public"
}

// RetrySerialization runs fn and, when it loses a serialization race or a
// deadlock, runs it once more. fn must be a complete transaction so the
// first attempt left nothing behind.
func RetrySerialization(fn func() error) error {
	err := fn()
	if errors.Is(err, ErrSerialization) {
		err = fn()
	}
	return err
}

// classify tags Postgres errors the services care about while keeping the
// original error in the chain.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return errors.Join(ErrSerialization, err)
	case "23P01":
		return errors.Join(ErrExclusion, err)
	case "23505":
		return errors.Join(ErrUnique, err)
	}
	return err
}
