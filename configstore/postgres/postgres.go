// Package postgres implements configstore.Store backed by PostgreSQL.
//
// Entries live in a single configurations table keyed by name, the same
// key space the BBolt and in-memory backends use.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/tunnelca/configstore"
)

const upsertSQL = `INSERT INTO configurations (key, value)
	 VALUES ($1, $2)
	 ON CONFLICT (key)
	 DO UPDATE SET value = $2, updated_at = now()`

// Store implements configstore.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ configstore.Store = (*Store)(nil)

// New returns a Store backed by the given pgx connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewFromDSN creates a connection pool from a DSN string, ensures the schema
// exists, and returns a new Store.
func NewFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return New(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Get(key string) (string, error) {
	return getValue(context.Background(), s.pool, key)
}

func (s *Store) Set(key, value string) error {
	_, err := s.pool.Exec(context.Background(), upsertSQL, key, value)
	return err
}

func (s *Store) Keys() ([]string, error) {
	rows, err := s.pool.Query(context.Background(), `SELECT key FROM configurations ORDER BY key COLLATE "C"`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Batch runs fn in a SERIALIZABLE transaction so a check-then-write inside
// fn cannot interleave with another batch. The losing side of such a race
// gets configstore.ErrConflict.
func (s *Store) Batch(fn func(tx configstore.Tx) error) error {
	ctx := context.Background()
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{tx: pgTx}); err != nil {
		return conflictError(err)
	}
	return conflictError(pgTx.Commit(ctx))
}

// ---------------------------------------------------------------------------
// Tx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	tx pgx.Tx
}

var _ configstore.Tx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Get(key string) (string, error) {
	return getValue(context.Background(), btx.tx, key)
}

func (btx *pgBatchTx) Set(key, value string) error {
	_, err := btx.tx.Exec(context.Background(), upsertSQL, key, value)
	return err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// conflictError marks serialization failures and unique violations, the two
// ways PostgreSQL aborts a batch that raced another.
func conflictError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "23505": // serialization_failure, unique_violation
			return fmt.Errorf("%w: %w", configstore.ErrConflict, err)
		}
	}
	return err
}

func getValue(ctx context.Context, q querier, key string) (string, error) {
	var value string
	err := q.QueryRow(ctx, `SELECT value FROM configurations WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", key, configstore.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
