package credit

import "errors"

var (
	// ErrEntryNotFound is returned when no ledger row carries the payment id
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrInvalidAmount is returned when amount is not a positive finite number
	ErrInvalidAmount = errors.New("invalid amount: must be greater than 0")

	// ErrInvalidMetadata is returned when an allocation variant is malformed
	ErrInvalidMetadata = errors.New("invalid ledger metadata")

	ErrInternal = errors.New("internal error")
)
