package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketflow/fulfillment/internal/transaction/domain"
	"github.com/marketflow/fulfillment/pkg/outbox"
)

const schema = `CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS order_lines (
	transaction_id TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
	line_no INT NOT NULL,
	position_id TEXT NOT NULL,
	amount NUMERIC NOT NULL,
	position_version BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (transaction_id, line_no)
);
CREATE INDEX IF NOT EXISTS transactions_status_idx ON transactions (status, created_at)`

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

func (r *Repository) CreateWithOutbox(ctx context.Context, t domain.UserTransaction, payload []byte, headers map[string]string, traceparent string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `INSERT INTO transactions (id, user_id, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)`,
		t.ID, t.UserID, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	// A batch may carry several lines for the same position, so lines
	// are keyed by their index within the transaction.
	batch := &pgx.Batch{}
	for i, line := range t.Lines {
		batch.Queue(`INSERT INTO order_lines (transaction_id, line_no, position_id, amount, position_version)
			VALUES ($1,$2,$3,$4,$5)`,
			t.ID, i, line.PositionID, line.Amount, line.PositionVersion)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order lines: %w", err)
	}

	if err := outbox.Insert(ctx, tx, "transaction", t.ID, "TransactionPlaced", payload, headers, traceparent); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *Repository) Get(ctx context.Context, id string) (domain.UserTransaction, error) {
	var t domain.UserTransaction
	err := r.pool.QueryRow(ctx, `SELECT id, user_id, status, created_at, updated_at FROM transactions WHERE id=$1`, id).
		Scan(&t.ID, &t.UserID, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UserTransaction{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.UserTransaction{}, fmt.Errorf("query transaction: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT position_id, amount, position_version FROM order_lines WHERE transaction_id=$1 ORDER BY line_no`, id)
	if err != nil {
		return domain.UserTransaction{}, fmt.Errorf("query order lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.PositionID, &line.Amount, &line.PositionVersion); err != nil {
			return domain.UserTransaction{}, err
		}
		t.Lines = append(t.Lines, line)
	}
	return t, rows.Err()
}

// Transition is the single allowed state change after creation: the
// WHERE clause makes terminal states final and duplicate deliveries
// no-ops.
func (r *Repository) Transition(ctx context.Context, id string, status domain.Status) (bool, error) {
	ct, err := r.pool.Exec(ctx, `UPDATE transactions SET status=$2, updated_at=now()
		WHERE id=$1 AND status=$3`,
		id, status, domain.StatusInProgress)
	if err != nil {
		return false, fmt.Errorf("transition transaction: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// RequeueStuck flips placed events of long-running IN_PROGRESS
// transactions back to pending so the relay publishes them again.
// Dispatched rows are included: a transaction can be stuck because the
// broker lost the message after the outbox marked it sent.
func (r *Repository) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	ct, err := r.pool.Exec(ctx, `
		UPDATE outbox o
		SET status='pending', relay_id=NULL, lease_until=NULL
		FROM transactions t
		WHERE o.aggregate_id = t.id
		  AND o.type = 'TransactionPlaced'
		  AND t.status = $1
		  AND t.created_at < now() - $2::interval
		  AND (o.status IN ('sent','failed')
		       OR (o.status = 'in_progress' AND o.lease_until < now()))`,
		domain.StatusInProgress, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("requeue stuck transactions: %w", err)
	}
	return int(ct.RowsAffected()), nil
}
