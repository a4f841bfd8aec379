package application

import (
	"context"
	"time"

	"github.com/marketflow/fulfillment/internal/transaction/domain"
)

// Ledger is the durable record of transactions. CreateWithOutbox must
// persist the transaction and queue the placed event in one storage
// transaction, so the event cannot be lost between the ledger write
// and the publish.
type Ledger interface {
	CreateWithOutbox(ctx context.Context, t domain.UserTransaction, payload []byte, headers map[string]string, traceparent string) error
	Get(ctx context.Context, id string) (domain.UserTransaction, error)
	// Transition moves an IN_PROGRESS transaction to a terminal status.
	// Returns false when the transaction was already terminal.
	Transition(ctx context.Context, id string, status domain.Status) (bool, error)
	// RequeueStuck re-marks placed events of transactions stuck
	// IN_PROGRESS longer than olderThan so the relay publishes them
	// again. Returns the number of requeued events.
	RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error)
}

// UserDirectory is the identity collaborator; only existence is
// checked before accepting a submission.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}
