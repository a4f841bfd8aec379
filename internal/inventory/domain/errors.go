package domain

import "errors"

var (
	// ErrVersionConflict means the stored version no longer matches the
	// one a conditional apply was issued with.
	ErrVersionConflict = errors.New("position version conflict")

	ErrPositionNotFound = errors.New("position not found")

	// ErrInsufficientStock is raised by the storage guard when an apply
	// would drive the amount negative, and by re-validation after a
	// conflict.
	ErrInsufficientStock = errors.New("insufficient stock")

	ErrBelowMinimumAmount = errors.New("amount below position minimum")
)
