package domain

import "github.com/shopspring/decimal"

// Position is a stock record. Amount never goes negative; every
// mutation bumps Version, which is the compare-and-swap token for the
// apply path. Callers treat Version as opaque.
type Position struct {
	ID        string
	Amount    decimal.Decimal
	MinAmount decimal.Decimal
	Version   int64
}

// PositionSnapshot is the read-side view a batch is validated against.
type PositionSnapshot struct {
	Amount    decimal.Decimal
	MinAmount decimal.Decimal
	Version   int64
}

type RejectReason string

const (
	ReasonInsufficientStock  RejectReason = "insufficient_stock"
	ReasonBelowMinimumAmount RejectReason = "below_minimum_amount"
	ReasonPositionNotFound   RejectReason = "position_not_found"
)

type Decision struct {
	Accepted bool
	Reason   RejectReason
}

func Accept() Decision {
	return Decision{Accepted: true}
}

func Reject(reason RejectReason) Decision {
	return Decision{Reason: reason}
}

// Validate decides whether a single order line can be applied against
// the given snapshot. Pure; a nil snapshot means the position does not
// exist.
func Validate(requested decimal.Decimal, snap *PositionSnapshot) Decision {
	if snap == nil {
		return Reject(ReasonPositionNotFound)
	}
	if snap.Amount.LessThan(requested) {
		return Reject(ReasonInsufficientStock)
	}
	if requested.LessThan(snap.MinAmount) {
		return Reject(ReasonBelowMinimumAmount)
	}
	return Accept()
}
