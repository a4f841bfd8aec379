package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marketflow/fulfillment/internal/inventory/domain"
	"github.com/marketflow/fulfillment/pkg/contracts"
)

// Coordinator runs one placed transaction through
// validate -> apply -> (compensate) and produces the terminal outcome.
// All lines are validated against a consistent set of snapshots before
// any stock is touched; if any line fails validation the whole batch
// is rejected with zero mutations. A line that fails during apply
// triggers compensation of every line committed before it, in reverse
// commit order.
type Coordinator struct {
	log      *slog.Logger
	store    PositionStore
	engine   *Engine
	outcomes OutcomeCache
}

func NewCoordinator(log *slog.Logger, store PositionStore, engine *Engine, outcomes OutcomeCache) *Coordinator {
	return &Coordinator{log: log, store: store, engine: engine, outcomes: outcomes}
}

type appliedLine struct {
	line    contracts.OrderLine
	version int64
}

// Process is idempotent per transaction id: a redelivery of an already
// completed transaction returns the cached outcome without touching
// the position store. A non-nil error means the transaction could not
// be brought to a terminal state and the inbound message should be
// redelivered.
func (c *Coordinator) Process(ctx context.Context, placed contracts.PlacedTransaction) (contracts.ProcessedTransaction, error) {
	cached, err := c.outcomes.Outcome(ctx, placed.TransactionID)
	if err != nil {
		return contracts.ProcessedTransaction{}, fmt.Errorf("outcome lookup: %w", err)
	}
	if cached != nil {
		c.log.Info("duplicate placed transaction, re-emitting cached outcome",
			"transaction_id", placed.TransactionID, "status", cached.Status)
		return *cached, nil
	}

	snaps, err := c.snapshot(ctx, placed.OrderLines)
	if err != nil {
		return contracts.ProcessedTransaction{}, err
	}

	outcome := contracts.ProcessedTransaction{
		TransactionID: placed.TransactionID,
		Status:        contracts.StatusSuccess,
		OrderLines:    placed.OrderLines,
	}

	if !c.validateAll(placed, snaps) {
		outcome.Status = contracts.StatusRejected
	} else if lines, ok := c.applyAll(ctx, placed, snaps); ok {
		outcome.OrderLines = lines
	} else {
		outcome.Status = contracts.StatusRejected
	}

	if err := c.outcomes.Record(ctx, outcome); err != nil {
		// The outcome still goes out; the worst case is one redundant
		// validation pass on a redelivery racing this record.
		c.log.Warn("recording outcome failed", "transaction_id", placed.TransactionID, "err", err)
	}
	return outcome, nil
}

func (c *Coordinator) snapshot(ctx context.Context, lines []contracts.OrderLine) (map[string]*domain.PositionSnapshot, error) {
	snaps := make(map[string]*domain.PositionSnapshot, len(lines))
	for _, line := range lines {
		if _, ok := snaps[line.PositionID]; ok {
			continue
		}
		snap, err := c.store.GetSnapshot(ctx, line.PositionID)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", line.PositionID, err)
		}
		snaps[line.PositionID] = snap
	}
	return snaps, nil
}

func (c *Coordinator) validateAll(placed contracts.PlacedTransaction, snaps map[string]*domain.PositionSnapshot) bool {
	ok := true
	for _, line := range placed.OrderLines {
		if d := domain.Validate(line.Amount, snaps[line.PositionID]); !d.Accepted {
			c.log.Info("order line rejected",
				"transaction_id", placed.TransactionID,
				"position_id", line.PositionID,
				"amount", line.Amount,
				"reason", d.Reason)
			ok = false
		}
	}
	return ok
}

func (c *Coordinator) applyAll(ctx context.Context, placed contracts.PlacedTransaction, snaps map[string]*domain.PositionSnapshot) ([]contracts.OrderLine, bool) {
	// Two lines of one batch may hit the same position; each apply
	// starts from the latest version this batch has observed for it.
	versions := make(map[string]int64, len(snaps))
	for id, snap := range snaps {
		versions[id] = snap.Version
	}

	committed := make([]appliedLine, 0, len(placed.OrderLines))
	result := make([]contracts.OrderLine, 0, len(placed.OrderLines))
	for _, line := range placed.OrderLines {
		newVersion, err := c.engine.Apply(ctx, line.PositionID, line.Amount, versions[line.PositionID])
		if err != nil {
			c.log.Info("order line apply failed",
				"transaction_id", placed.TransactionID,
				"position_id", line.PositionID,
				"amount", line.Amount,
				"err", err)
			c.compensate(ctx, placed.TransactionID, committed)
			return nil, false
		}
		versions[line.PositionID] = newVersion
		committed = append(committed, appliedLine{line: line, version: newVersion})
		line.PositionVersion = newVersion
		result = append(result, line)
	}
	return result, true
}

// compensate restores committed decrements in reverse commit order. A
// compensation that itself exhausts retries leaves inventory
// under-counted; that is logged with full line detail for manual
// reconciliation and never blocks the terminal outcome.
func (c *Coordinator) compensate(ctx context.Context, transactionID string, committed []appliedLine) {
	for i := len(committed) - 1; i >= 0; i-- {
		l := committed[i]
		if _, err := c.engine.Revert(ctx, l.line.PositionID, l.line.Amount, l.version); err != nil {
			c.log.Error("inventory inconsistency: compensation failed",
				"transaction_id", transactionID,
				"position_id", l.line.PositionID,
				"amount", l.line.Amount,
				"committed_version", l.version,
				"err", err)
		}
	}
}
