// Package contracts holds the wire entities exchanged between the
// transaction service and the inventory service. Both sides marshal
// them as JSON; the transaction id is the partition key and the
// idempotency key on every topic.
package contracts

import "github.com/shopspring/decimal"

const (
	TopicTransactionsPlaced    = "transactions.placed"
	TopicTransactionsProcessed = "transactions.processed"

	EventTransactionPlaced    = "TransactionPlaced"
	EventTransactionProcessed = "TransactionProcessed"
)

type Status string

const (
	StatusSuccess  Status = "SUCCESS"
	StatusRejected Status = "REJECTED"
)

type OrderLine struct {
	PositionID      string          `json:"positionId"`
	Amount          decimal.Decimal `json:"amount"`
	PositionVersion int64           `json:"positionVersion"`
}

// PlacedTransaction is published once per submitted transaction on
// transactions.placed. Delivery is at-least-once; consumers dedupe on
// TransactionID.
type PlacedTransaction struct {
	TransactionID string      `json:"transactionId"`
	UserID        string      `json:"userId"`
	OrderLines    []OrderLine `json:"orderLine"`
}

// ProcessedTransaction is the terminal outcome published on
// transactions.processed. On SUCCESS each line carries the position
// version its decrement committed at.
type ProcessedTransaction struct {
	TransactionID string      `json:"transactionId"`
	Status        Status      `json:"status"`
	OrderLines    []OrderLine `json:"orderLine"`
}
