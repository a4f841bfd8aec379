package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/marketflow/fulfillment/internal/inventory/domain"
	"github.com/marketflow/fulfillment/pkg/outbox"
)

const schema = `CREATE TABLE IF NOT EXISTS positions (
	id TEXT PRIMARY KEY,
	amount NUMERIC NOT NULL CHECK (amount >= 0),
	min_amount NUMERIC NOT NULL DEFAULT 0,
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPool opens a pgx pool with the shopspring decimal codec
// registered, so NUMERIC columns scan straight into decimal.Decimal.
func NewPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return err
}

func (r *Repository) GetSnapshot(ctx context.Context, positionID string) (*domain.PositionSnapshot, error) {
	var snap domain.PositionSnapshot
	err := r.pool.QueryRow(ctx, `SELECT amount, min_amount, version FROM positions WHERE id=$1`, positionID).
		Scan(&snap.Amount, &snap.MinAmount, &snap.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	return &snap, nil
}

// ConditionalApply is the single synchronization point between
// concurrent writers: one UPDATE guarded on both the version token and
// the non-negative amount invariant. The amount guard holds even if a
// caller skipped validation.
func (r *Repository) ConditionalApply(ctx context.Context, positionID string, delta decimal.Decimal, expectedVersion int64) (int64, error) {
	var newVersion int64
	err := r.pool.QueryRow(ctx, `
		UPDATE positions
		SET amount = amount + $2, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $3 AND amount + $2 >= 0
		RETURNING version`,
		positionID, delta, expectedVersion,
	).Scan(&newVersion)
	if err == nil {
		return newVersion, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("conditional apply: %w", err)
	}

	// Zero rows: distinguish a stale version from a missing row or an
	// apply that would drive the amount negative.
	var version int64
	err = r.pool.QueryRow(ctx, `SELECT version FROM positions WHERE id=$1`, positionID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrPositionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("conditional apply recheck: %w", err)
	}
	if version != expectedVersion {
		return 0, domain.ErrVersionConflict
	}
	return 0, domain.ErrInsufficientStock
}

// Get serves display reads; it takes no part in fulfillment.
func (r *Repository) Get(ctx context.Context, positionID string) (domain.Position, error) {
	var p domain.Position
	err := r.pool.QueryRow(ctx, `SELECT id, amount, min_amount, version FROM positions WHERE id=$1`, positionID).
		Scan(&p.ID, &p.Amount, &p.MinAmount, &p.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrPositionNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("query position: %w", err)
	}
	return p, nil
}

// Save upserts a position outside the fulfillment path (seeding,
// catalog CRUD).
func (r *Repository) Save(ctx context.Context, p domain.Position) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO positions (id, amount, min_amount, version)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET amount=$2, min_amount=$3, version=$4, updated_at=now()`,
		p.ID, p.Amount, p.MinAmount, p.Version)
	return err
}

// EnqueueProcessed writes the terminal outcome to the outbox; the
// relay pushes it to transactions.processed.
func (r *Repository) EnqueueProcessed(ctx context.Context, transactionID string, payload []byte, headers map[string]string, traceparent string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := outbox.Insert(ctx, tx, "transaction", transactionID, "TransactionProcessed", payload, headers, traceparent); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
