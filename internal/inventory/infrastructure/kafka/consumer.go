package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/marketflow/fulfillment/internal/inventory/application"
	"github.com/marketflow/fulfillment/pkg/contracts"
	"github.com/marketflow/fulfillment/pkg/tracing"
)

// OutcomeEnqueuer persists the terminal outcome for the relay to
// publish on transactions.processed.
type OutcomeEnqueuer interface {
	EnqueueProcessed(ctx context.Context, transactionID string, payload []byte, headers map[string]string, traceparent string) error
}

// Consumer drives the coordinator from transactions.placed. An offset
// is committed only after the outcome has been enqueued, so a crash in
// between results in a redelivery that the coordinator's outcome cache
// absorbs.
type Consumer struct {
	log         *slog.Logger
	reader      *kafka.Reader
	coordinator *application.Coordinator
	outcomes    OutcomeEnqueuer
	tracer      trace.Tracer
}

func NewConsumer(log *slog.Logger, brokers []string, topic, group string, coordinator *application.Coordinator, outcomes OutcomeEnqueuer) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
	return &Consumer{
		log:         log,
		reader:      r,
		coordinator: coordinator,
		outcomes:    outcomes,
		tracer:      otel.Tracer("fulfillment-consumer"),
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
		msgCtx, span := c.tracer.Start(msgCtx, "ProcessPlacedTransaction")

		var placed contracts.PlacedTransaction
		if err := json.Unmarshal(msg.Value, &placed); err != nil {
			c.log.Error("unmarshal placed transaction failed", "err", err)
			span.End()
			_ = c.reader.CommitMessages(ctx, msg)
			continue
		}

		outcome, err := c.coordinator.Process(msgCtx, placed)
		if err != nil {
			c.log.Error("processing failed, leaving message for redelivery",
				"transaction_id", placed.TransactionID, "err", err)
			span.End()
			continue
		}

		payload, err := json.Marshal(outcome)
		if err != nil {
			c.log.Error("marshal outcome failed", "transaction_id", placed.TransactionID, "err", err)
			span.End()
			continue
		}

		headers := map[string]string{"source": "inventory-service"}
		if err := c.outcomes.EnqueueProcessed(msgCtx, outcome.TransactionID, payload, headers, tracing.Traceparent(msgCtx)); err != nil {
			c.log.Error("enqueue outcome failed, leaving message for redelivery",
				"transaction_id", placed.TransactionID, "err", err)
			span.End()
			continue
		}

		c.log.Info("placed transaction processed",
			"transaction_id", placed.TransactionID, "status", outcome.Status)
		span.End()
		_ = c.reader.CommitMessages(ctx, msg)
	}
}
