package application

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/marketflow/fulfillment/internal/inventory/domain"
	"github.com/marketflow/fulfillment/pkg/contracts"
)

// PositionStore is the only mutable shared resource in the protocol.
// ConditionalApply must be a single atomic conditional write: add
// delta to the amount and bump the version, only while the stored
// version equals expectedVersion and the resulting amount stays
// non-negative. It returns the new version, or
// domain.ErrVersionConflict / domain.ErrPositionNotFound /
// domain.ErrInsufficientStock.
type PositionStore interface {
	GetSnapshot(ctx context.Context, positionID string) (*domain.PositionSnapshot, error)
	ConditionalApply(ctx context.Context, positionID string, delta decimal.Decimal, expectedVersion int64) (int64, error)
}

// OutcomeCache remembers terminal outcomes per transaction id so a
// redelivered placed transaction is answered without touching stock.
type OutcomeCache interface {
	Outcome(ctx context.Context, transactionID string) (*contracts.ProcessedTransaction, error)
	Record(ctx context.Context, outcome contracts.ProcessedTransaction) error
}
