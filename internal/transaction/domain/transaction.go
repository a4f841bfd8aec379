package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusRejected   Status = "REJECTED"
)

// Terminal statuses are final; a transaction transitions out of
// IN_PROGRESS exactly once.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusRejected
}

// OrderLine is one requested stock decrement. PositionVersion is the
// version the line was validated against; immutable once placed.
type OrderLine struct {
	PositionID      string
	Amount          decimal.Decimal
	PositionVersion int64
}

// UserTransaction is the ledger record of intent. It exclusively owns
// its order lines.
type UserTransaction struct {
	ID        string
	UserID    string
	Status    Status
	Lines     []OrderLine
	CreatedAt time.Time
	UpdatedAt time.Time
}

func New(id, userID string, lines []OrderLine) UserTransaction {
	now := time.Now().UTC()
	return UserTransaction{
		ID:        id,
		UserID:    userID,
		Status:    StatusInProgress,
		Lines:     lines,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
