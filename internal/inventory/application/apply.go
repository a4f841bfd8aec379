package application

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketflow/fulfillment/internal/inventory/domain"
)

const (
	defaultMaxAttempts  = 3
	defaultBackoffMin   = 5 * time.Millisecond
	defaultBackoffMax   = 50 * time.Millisecond
	defaultApplyTimeout = 2 * time.Second
)

// Engine commits single-line stock changes through the store's
// conditional write, retrying version conflicts a bounded number of
// times. A store call that exceeds its per-attempt timeout counts as a
// retryable failure like a conflict does.
type Engine struct {
	log   *slog.Logger
	store PositionStore

	maxAttempts  int
	backoffMin   time.Duration
	backoffMax   time.Duration
	applyTimeout time.Duration
}

func NewEngine(log *slog.Logger, store PositionStore) *Engine {
	return &Engine{
		log:          log,
		store:        store,
		maxAttempts:  defaultMaxAttempts,
		backoffMin:   defaultBackoffMin,
		backoffMax:   defaultBackoffMax,
		applyTimeout: defaultApplyTimeout,
	}
}

// Apply decrements a position by the requested amount, starting from
// the version the line was validated against. After each conflict the
// current snapshot is re-fetched and re-validated before the next
// attempt, so a line whose stock has meanwhile run out fails with a
// validation error instead of burning the remaining attempts.
func (e *Engine) Apply(ctx context.Context, positionID string, requested decimal.Decimal, expectedVersion int64) (int64, error) {
	return e.run(ctx, positionID, requested.Neg(), expectedVersion, true)
}

// Revert restores a previously committed decrement, starting from the
// version that commit returned. No validation on retry: putting stock
// back cannot violate the amount invariants.
func (e *Engine) Revert(ctx context.Context, positionID string, amount decimal.Decimal, expectedVersion int64) (int64, error) {
	return e.run(ctx, positionID, amount, expectedVersion, false)
}

func (e *Engine) run(ctx context.Context, positionID string, delta decimal.Decimal, version int64, revalidate bool) (int64, error) {
	for attempt := 1; ; attempt++ {
		applyCtx, cancel := context.WithTimeout(ctx, e.applyTimeout)
		newVersion, err := e.store.ConditionalApply(applyCtx, positionID, delta, version)
		cancel()
		if err == nil {
			return newVersion, nil
		}
		if !retryable(err) {
			return 0, err
		}
		if attempt >= e.maxAttempts {
			e.log.Warn("conditional apply exhausted retries",
				"position_id", positionID, "attempts", attempt, "err", err)
			return 0, domain.ErrVersionConflict
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(e.jitter()):
		}

		snap, err := e.store.GetSnapshot(ctx, positionID)
		if err != nil {
			continue
		}
		if snap == nil {
			return 0, domain.ErrPositionNotFound
		}
		if revalidate {
			if d := domain.Validate(delta.Neg(), snap); !d.Accepted {
				return 0, reasonError(d.Reason)
			}
		}
		version = snap.Version
	}
}

func (e *Engine) jitter() time.Duration {
	return e.backoffMin + rand.N(e.backoffMax-e.backoffMin)
}

func retryable(err error) bool {
	return errors.Is(err, domain.ErrVersionConflict) ||
		errors.Is(err, context.DeadlineExceeded)
}

func reasonError(reason domain.RejectReason) error {
	switch reason {
	case domain.ReasonInsufficientStock:
		return domain.ErrInsufficientStock
	case domain.ReasonBelowMinimumAmount:
		return domain.ErrBelowMinimumAmount
	default:
		return domain.ErrPositionNotFound
	}
}
