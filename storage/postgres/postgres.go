// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (bucket, record_id) that
// mirrors the key space used by the BBolt and in-memory backends. Envelope
// fields are stored as individual columns to leverage native BYTEA storage
// for nonce and ciphertext data. The schema is managed by goose migrations
// embedded in the binary.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/hablas/sessiongate/storage"
	"github.com/hablas/sessiongate/storage/postgres/migrations"
)

// batchLockKey is the advisory lock taken by every Batch so that
// read-modify-write batches are serialised the same way BBolt serialises
// writers.
const batchLockKey int64 = 0x5e55_1065

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, applies
// the schema migrations, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return NewRepository(pool), nil
}

// Migrate applies the embedded goose migrations using the pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// Repository interface implementation
// ---------------------------------------------------------------------------

func (s *Store) Put(ctx context.Context, bucket, id string, envelope *storage.Envelope) error {
	return putRecord(ctx, s.pool, bucket, id, envelope)
}

func (s *Store) Get(ctx context.Context, bucket, id string) (*storage.Envelope, error) {
	return getRecord(ctx, s.pool, bucket, id)
}

func (s *Store) Delete(ctx context.Context, bucket, id string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM records WHERE bucket = $1 AND record_id = $2`, bucket, id)
	return err
}

func (s *Store) List(ctx context.Context, bucket string) ([]string, error) {
	return listRecords(ctx, s.pool, bucket)
}

func (s *Store) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if _, err := pgTx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, batchLockKey); err != nil {
		return fmt.Errorf("acquiring batch lock: %w", err)
	}
	if err := fn(&pgBatchTx{ctx: ctx, tx: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

// ---------------------------------------------------------------------------
// BatchTx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	ctx context.Context
	tx  pgx.Tx
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Get(bucket, id string) (*storage.Envelope, error) {
	return getRecord(btx.ctx, btx.tx, bucket, id)
}

func (btx *pgBatchTx) Put(bucket, id string, envelope *storage.Envelope) error {
	return putRecord(btx.ctx, btx.tx, bucket, id, envelope)
}

func (btx *pgBatchTx) Delete(bucket, id string) error {
	_, err := btx.tx.Exec(btx.ctx,
		`DELETE FROM records WHERE bucket = $1 AND record_id = $2`, bucket, id)
	return err
}

func (btx *pgBatchTx) List(bucket string) ([]string, error) {
	return listRecords(btx.ctx, btx.tx, bucket)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func putRecord(ctx context.Context, q querier, bucket, id string, envelope *storage.Envelope) error {
	_, err := q.Exec(ctx,
		`INSERT INTO records (bucket, record_id, ver, scheme, nonce, ciphertext)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (bucket, record_id)
		 DO UPDATE SET ver = $3, scheme = $4, nonce = $5, ciphertext = $6, updated_at = now()`,
		bucket, id, envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext)
	return err
}

func getRecord(ctx context.Context, q querier, bucket, id string) (*storage.Envelope, error) {
	var env storage.Envelope
	err := q.QueryRow(ctx,
		`SELECT ver, scheme, nonce, ciphertext FROM records WHERE bucket = $1 AND record_id = $2`,
		bucket, id).Scan(&env.Ver, &env.Scheme, &env.Nonce, &env.Ciphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func listRecords(ctx context.Context, q querier, bucket string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT record_id FROM records WHERE bucket = $1 ORDER BY record_id`, bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
