package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeProducer struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (p *fakeProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *fakeProducer) messages() []kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.Message(nil), p.msgs...)
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatch_BuildsMessage(t *testing.T) {
	producer := &fakeProducer{}
	d := NewDispatcher(testLog(), producer, "transactions.processed")

	ev := Event{
		ID:          7,
		AggregateID: "t1",
		Type:        "TransactionProcessed",
		Payload:     []byte(`{"transactionId":"t1"}`),
		Headers:     map[string]string{"source": "inventory-service"},
		Traceparent: "00-abc-def-01",
	}
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	msgs := producer.messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Topic != "transactions.processed" || string(msg.Key) != "t1" {
		t.Errorf("topic/key = %s/%s", msg.Topic, msg.Key)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event_type"] != "TransactionProcessed" {
		t.Errorf("event_type header = %q", headers["event_type"])
	}
	if headers["traceparent"] != "00-abc-def-01" {
		t.Errorf("traceparent header = %q", headers["traceparent"])
	}
	if headers["source"] != "inventory-service" {
		t.Errorf("source header = %q", headers["source"])
	}
}

type fakeRelayStore struct {
	mu      sync.Mutex
	pending []Event
	sent    []int64
	failed  map[int64]string
}

func (s *fakeRelayStore) LockBatch(_ context.Context, _ string, batchSize int, _ time.Duration) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	n := min(batchSize, len(s.pending))
	batch := s.pending[:n]
	s.pending = s.pending[n:]
	return batch, nil
}

func (s *fakeRelayStore) MarkSent(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ids...)
	return nil
}

func (s *fakeRelayStore) MarkFailed(_ context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = map[int64]string{}
	}
	s.failed[id] = errMsg
	return nil
}


func TestRelay_DispatchesAndMarksSent(t *testing.T) {
	producer := &fakeProducer{}
	store := &fakeRelayStore{pending: []Event{
		{ID: 1, AggregateID: "t1", Type: "TransactionPlaced", Payload: []byte(`{}`)},
		{ID: 2, AggregateID: "t2", Type: "TransactionPlaced", Payload: []byte(`{}`)},
	}}

	relay := NewRelay(testLog(), store, NewDispatcher(testLog(), producer, "transactions.placed"), "test-relay")
	relay.interval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := relay.Run(ctx); err != nil {
		t.Fatalf("relay returned error: %v", err)
	}

	if got := len(producer.messages()); got != 2 {
		t.Fatalf("dispatched = %d, want 2", got)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.sent) != 2 {
		t.Errorf("marked sent = %v, want ids 1 and 2", store.sent)
	}
}

func TestRelay_MarksFailedOnProducerError(t *testing.T) {
	producer := &fakeProducer{err: errors.New("broker down")}
	store := &fakeRelayStore{pending: []Event{{ID: 1, AggregateID: "t1", Payload: []byte(`{}`)}}}

	relay := NewRelay(testLog(), store, NewDispatcher(testLog(), producer, "transactions.placed"), "test-relay")
	relay.interval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = relay.Run(ctx)

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.failed[1] == "" {
		t.Error("event not marked failed")
	}
	if len(store.sent) != 0 {
		t.Errorf("sent = %v, want none", store.sent)
	}
}
