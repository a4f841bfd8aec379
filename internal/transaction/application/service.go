package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/marketflow/fulfillment/internal/transaction/domain"
	"github.com/marketflow/fulfillment/pkg/contracts"
)

const (
	defaultStuckAfter    = time.Minute
	defaultSweepInterval = 30 * time.Second
)

// Orchestrator creates transactions, publishes them for fulfillment
// and applies terminal outcomes to the ledger. Submission is
// asynchronous: the caller gets a transaction id back immediately and
// the status converges via transactions.processed.
type Orchestrator struct {
	log    *slog.Logger
	ledger Ledger
	users  UserDirectory

	stuckAfter    time.Duration
	sweepInterval time.Duration
}

func NewOrchestrator(log *slog.Logger, ledger Ledger, users UserDirectory) *Orchestrator {
	return &Orchestrator{
		log:           log,
		ledger:        ledger,
		users:         users,
		stuckAfter:    defaultStuckAfter,
		sweepInterval: defaultSweepInterval,
	}
}

func (o *Orchestrator) Submit(ctx context.Context, userID string, lines []domain.OrderLine, headers map[string]string, traceparent string) (string, error) {
	if len(lines) == 0 {
		return "", domain.ErrNoOrderLines
	}
	for _, l := range lines {
		if !l.Amount.IsPositive() {
			return "", domain.ErrNonPositiveAmount
		}
	}

	ok, err := o.users.Exists(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("user lookup: %w", err)
	}
	if !ok {
		return "", domain.ErrUnknownUser
	}

	t := domain.New(uuid.NewString(), userID, lines)

	placed := contracts.PlacedTransaction{
		TransactionID: t.ID,
		UserID:        t.UserID,
		OrderLines:    make([]contracts.OrderLine, 0, len(lines)),
	}
	for _, l := range lines {
		placed.OrderLines = append(placed.OrderLines, contracts.OrderLine{
			PositionID:      l.PositionID,
			Amount:          l.Amount,
			PositionVersion: l.PositionVersion,
		})
	}
	payload, err := json.Marshal(placed)
	if err != nil {
		return "", err
	}

	if err := o.ledger.CreateWithOutbox(ctx, t, payload, headers, traceparent); err != nil {
		return "", err
	}
	o.log.Info("transaction submitted", "transaction_id", t.ID, "user_id", userID, "lines", len(lines))
	return t.ID, nil
}

func (o *Orchestrator) Get(ctx context.Context, id string) (domain.UserTransaction, error) {
	return o.ledger.Get(ctx, id)
}

// OnProcessed applies a terminal outcome. Idempotent: a duplicate
// delivery finds the transaction already terminal and is a no-op.
func (o *Orchestrator) OnProcessed(ctx context.Context, processed contracts.ProcessedTransaction) error {
	var status domain.Status
	switch processed.Status {
	case contracts.StatusSuccess:
		status = domain.StatusSuccess
	case contracts.StatusRejected:
		status = domain.StatusRejected
	default:
		o.log.Error("processed transaction with unknown status dropped",
			"transaction_id", processed.TransactionID, "status", processed.Status)
		return nil
	}

	applied, err := o.ledger.Transition(ctx, processed.TransactionID, status)
	if err != nil {
		return err
	}
	if !applied {
		o.log.Info("duplicate processed transaction skipped",
			"transaction_id", processed.TransactionID, "status", status)
		return nil
	}
	o.log.Info("transaction completed", "transaction_id", processed.TransactionID, "status", status)
	return nil
}

// RunSweep periodically re-publishes placed events of transactions
// stuck IN_PROGRESS, covering the window where a publish was lost
// after the ledger write.
func (o *Orchestrator) RunSweep(ctx context.Context) error {
	t := time.NewTicker(o.sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			o.log.Info("reconciliation sweep stopping")
			return nil
		case <-t.C:
			n, err := o.ledger.RequeueStuck(ctx, o.stuckAfter)
			if err != nil {
				o.log.Error("reconciliation sweep failed", "err", err)
				continue
			}
			if n > 0 {
				o.log.Warn("requeued stuck transactions", "count", n)
			}
		}
	}
}
