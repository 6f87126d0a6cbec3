package allocation

import "errors"

var (
	ErrInvalidAmount        = errors.New("requested amount must be a positive finite number")
	ErrAmountUndeterminable = errors.New("paid amount cannot be determined")
	ErrUnderpaid            = errors.New("paid amount below required amount")
	ErrUserNotFound         = errors.New("user not found")
	ErrUserInactive         = errors.New("user is not active")
	ErrCreditOutOfRange     = errors.New("credit amount out of range")
	ErrStatusNotFinished    = errors.New("payment status is not finished")
	ErrCryptoUnderpaid      = errors.New("crypto amount paid below amount due")
	ErrPayCurrencyMismatch  = errors.New("pay currency differs from reservation")
	ErrReservationNotFound  = errors.New("ledger reservation not found for payment")
	ErrOwnershipMismatch    = errors.New("payment belongs to another user")
	ErrReasonRequired       = errors.New("manual allocation requires a reason")
	ErrInternal             = errors.New("allocation failed")
)

// errAlreadyAllocated aborts the transaction when the row turns out to be completed.
var errAlreadyAllocated = errors.New("already allocated")
