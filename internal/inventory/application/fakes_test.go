package application

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/marketflow/fulfillment/internal/inventory/domain"
	"github.com/marketflow/fulfillment/pkg/contracts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(store PositionStore) *Engine {
	e := NewEngine(testLogger(), store)
	e.backoffMin = 0
	e.backoffMax = 1
	return e
}

// fakeStore is a mutex-guarded in-memory position store with real
// compare-and-swap semantics, plus per-position forced conflicts for
// exercising the retry path.
type fakeStore struct {
	mu        sync.Mutex
	positions map[string]*domain.Position

	forcedConflicts map[string]int // -1 means always conflict
	snapshotCalls   int
	applyCalls      int
}

func newFakeStore(positions ...domain.Position) *fakeStore {
	s := &fakeStore{
		positions:       make(map[string]*domain.Position),
		forcedConflicts: make(map[string]int),
	}
	for _, p := range positions {
		cp := p
		s.positions[p.ID] = &cp
	}
	return s
}

func position(id string, amount, minAmount int64) domain.Position {
	return domain.Position{
		ID:        id,
		Amount:    decimal.NewFromInt(amount),
		MinAmount: decimal.NewFromInt(minAmount),
	}
}

func (s *fakeStore) GetSnapshot(_ context.Context, positionID string) (*domain.PositionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotCalls++
	p, ok := s.positions[positionID]
	if !ok {
		return nil, nil
	}
	return &domain.PositionSnapshot{Amount: p.Amount, MinAmount: p.MinAmount, Version: p.Version}, nil
}

func (s *fakeStore) ConditionalApply(_ context.Context, positionID string, delta decimal.Decimal, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyCalls++

	if n, ok := s.forcedConflicts[positionID]; ok && n != 0 {
		if n > 0 {
			s.forcedConflicts[positionID] = n - 1
		}
		return 0, domain.ErrVersionConflict
	}

	p, ok := s.positions[positionID]
	if !ok {
		return 0, domain.ErrPositionNotFound
	}
	if p.Version != expectedVersion {
		return 0, domain.ErrVersionConflict
	}
	next := p.Amount.Add(delta)
	if next.IsNegative() {
		return 0, domain.ErrInsufficientStock
	}
	p.Amount = next
	p.Version++
	return p.Version, nil
}

func (s *fakeStore) amount(positionID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[positionID].Amount
}

func (s *fakeStore) version(positionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[positionID].Version
}

func (s *fakeStore) calls() (snapshots, applies int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotCalls, s.applyCalls
}

type fakeOutcomeCache struct {
	mu       sync.Mutex
	outcomes map[string]contracts.ProcessedTransaction
}

func newFakeOutcomeCache() *fakeOutcomeCache {
	return &fakeOutcomeCache{outcomes: make(map[string]contracts.ProcessedTransaction)}
}

func (c *fakeOutcomeCache) Outcome(_ context.Context, transactionID string) (*contracts.ProcessedTransaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.outcomes[transactionID]
	if !ok {
		return nil, nil
	}
	return &out, nil
}

func (c *fakeOutcomeCache) Record(_ context.Context, outcome contracts.ProcessedTransaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[outcome.TransactionID] = outcome
	return nil
}
