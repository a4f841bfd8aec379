package application

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/marketflow/fulfillment/internal/inventory/domain"
)

func TestApply_Commits(t *testing.T) {
	store := newFakeStore(position("p1", 150, 5))
	engine := testEngine(store)

	version, err := engine.Apply(context.Background(), "p1", decimal.NewFromInt(6), 0)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
	if got := store.amount("p1"); !got.Equal(decimal.NewFromInt(144)) {
		t.Errorf("amount = %s, want 144", got)
	}
}

func TestApply_RetriesAfterConflict(t *testing.T) {
	store := newFakeStore(position("p1", 150, 5))
	store.forcedConflicts["p1"] = 1
	engine := testEngine(store)

	version, err := engine.Apply(context.Background(), "p1", decimal.NewFromInt(6), 0)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
}

func TestApply_ExhaustsRetries(t *testing.T) {
	store := newFakeStore(position("p1", 150, 5))
	store.forcedConflicts["p1"] = -1
	engine := testEngine(store)

	_, err := engine.Apply(context.Background(), "p1", decimal.NewFromInt(6), 0)
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
	_, applies := store.calls()
	if applies != 3 {
		t.Errorf("apply attempts = %d, want 3", applies)
	}
}

func TestApply_RevalidationFailsAfterConflict(t *testing.T) {
	// Stock runs out between the first conflict and the retry: the
	// line must fail with a validation error, not burn all attempts.
	store := newFakeStore(position("p1", 3, 0))
	store.forcedConflicts["p1"] = 1
	engine := testEngine(store)

	_, err := engine.Apply(context.Background(), "p1", decimal.NewFromInt(6), 0)
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}
	_, applies := store.calls()
	if applies != 1 {
		t.Errorf("apply attempts = %d, want 1", applies)
	}
}

func TestApply_PositionNotFound(t *testing.T) {
	store := newFakeStore()
	engine := testEngine(store)

	_, err := engine.Apply(context.Background(), "nope", decimal.NewFromInt(6), 0)
	if !errors.Is(err, domain.ErrPositionNotFound) {
		t.Fatalf("err = %v, want ErrPositionNotFound", err)
	}
}

func TestApply_StorageGuardRejectsNegative(t *testing.T) {
	// Version matches but the decrement would go negative: the store
	// guard fires independently of validation.
	store := newFakeStore(position("p1", 3, 0))
	engine := testEngine(store)

	_, err := engine.Apply(context.Background(), "p1", decimal.NewFromInt(6), 0)
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}
	if got := store.amount("p1"); !got.Equal(decimal.NewFromInt(3)) {
		t.Errorf("amount = %s, want unchanged 3", got)
	}
}

func TestRevert_RestoresStock(t *testing.T) {
	store := newFakeStore(position("p1", 150, 5))
	engine := testEngine(store)

	version, err := engine.Apply(context.Background(), "p1", decimal.NewFromInt(6), 0)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := engine.Revert(context.Background(), "p1", decimal.NewFromInt(6), version); err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	if got := store.amount("p1"); !got.Equal(decimal.NewFromInt(150)) {
		t.Errorf("amount = %s, want 150", got)
	}
	if got := store.version("p1"); got != 2 {
		t.Errorf("version = %d, want 2", got)
	}
}

func TestRevert_RetriesWithoutValidation(t *testing.T) {
	// A revert on a near-empty position must not be blocked by the
	// validation rules; only the version needs to converge.
	store := newFakeStore(position("p1", 0, 10))
	store.forcedConflicts["p1"] = 1
	engine := testEngine(store)

	if _, err := engine.Revert(context.Background(), "p1", decimal.NewFromInt(6), 0); err != nil {
		t.Fatalf("revert failed: %v", err)
	}
	if got := store.amount("p1"); !got.Equal(decimal.NewFromInt(6)) {
		t.Errorf("amount = %s, want 6", got)
	}
}
