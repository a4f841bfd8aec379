// Package idempotency caches terminal fulfillment outcomes in Redis so
// redelivered placed transactions are answered from the cache instead
// of touching inventory again.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketflow/fulfillment/pkg/contracts"
)

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func key(transactionID string) string {
	return fmt.Sprintf("processed:%s", transactionID)
}

// Outcome returns the cached terminal outcome for a transaction, or
// nil when the transaction has not been processed within the TTL.
func (s *Store) Outcome(ctx context.Context, transactionID string) (*contracts.ProcessedTransaction, error) {
	raw, err := s.rdb.Get(ctx, key(transactionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out contracts.ProcessedTransaction
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode cached outcome: %w", err)
	}
	return &out, nil
}

func (s *Store) Record(ctx context.Context, outcome contracts.ProcessedTransaction) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key(outcome.TransactionID), raw, s.ttl).Err()
}
