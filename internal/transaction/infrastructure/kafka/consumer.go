package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/marketflow/fulfillment/internal/transaction/application"
	"github.com/marketflow/fulfillment/pkg/contracts"
	"github.com/marketflow/fulfillment/pkg/tracing"
)

// Consumer applies terminal outcomes from transactions.processed to
// the ledger. Redeliveries are safe because the ledger transition is
// conditional on the transaction still being IN_PROGRESS.
type Consumer struct {
	log    *slog.Logger
	reader *kafka.Reader
	svc    *application.Orchestrator
	tracer trace.Tracer
}

func NewConsumer(log *slog.Logger, brokers []string, topic, group string, svc *application.Orchestrator) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
	return &Consumer{
		log:    log,
		reader: r,
		svc:    svc,
		tracer: otel.Tracer("transaction-consumer"),
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
		msgCtx, span := c.tracer.Start(msgCtx, "ConsumeProcessedTransaction")

		var processed contracts.ProcessedTransaction
		if err := json.Unmarshal(msg.Value, &processed); err != nil {
			c.log.Error("unmarshal processed transaction failed", "err", err)
			span.End()
			_ = c.reader.CommitMessages(ctx, msg)
			continue
		}

		if err := c.svc.OnProcessed(msgCtx, processed); err != nil {
			c.log.Error("applying outcome failed, leaving message for redelivery",
				"transaction_id", processed.TransactionID, "err", err)
			span.End()
			continue
		}
		span.End()
		_ = c.reader.CommitMessages(ctx, msg)
	}
}
