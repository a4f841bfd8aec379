package domain

import "errors"

var (
	ErrUnknownUser       = errors.New("unknown user")
	ErrNoOrderLines      = errors.New("transaction has no order lines")
	ErrNonPositiveAmount = errors.New("order line amount must be positive")
	ErrNotFound          = errors.New("transaction not found")
)
