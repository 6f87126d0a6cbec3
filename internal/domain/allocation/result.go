package allocation

import (
	"errors"

	"github.com/google/uuid"
)

// Reason is a machine-readable failure code carried in Result.
type Reason string

const (
	ReasonInvalidAmount        Reason = "invalid_amount"
	ReasonAmountUndeterminable Reason = "amount_undeterminable"
	ReasonUnderpaid            Reason = "below_required_amount"
	ReasonUserNotFound         Reason = "user_not_found"
	ReasonUserInactive         Reason = "user_inactive"
	ReasonCreditOutOfRange     Reason = "credit_out_of_range"
	ReasonStatusNotFinished    Reason = "status_not_finished"
	ReasonCryptoUnderpaid      Reason = "crypto_underpaid"
	ReasonCurrencyMismatch     Reason = "pay_currency_mismatch"
	ReasonReservationNotFound  Reason = "reservation_not_found"
	ReasonOwnershipMismatch    Reason = "ownership_mismatch"
	ReasonMissingReason        Reason = "reason_required"
	ReasonInternal             Reason = "internal_error"
)

var reasonByErr = map[error]Reason{
	ErrInvalidAmount:        ReasonInvalidAmount,
	ErrAmountUndeterminable: ReasonAmountUndeterminable,
	ErrUnderpaid:            ReasonUnderpaid,
	ErrUserNotFound:         ReasonUserNotFound,
	ErrUserInactive:         ReasonUserInactive,
	ErrCreditOutOfRange:     ReasonCreditOutOfRange,
	ErrStatusNotFinished:    ReasonStatusNotFinished,
	ErrCryptoUnderpaid:      ReasonCryptoUnderpaid,
	ErrPayCurrencyMismatch:  ReasonCurrencyMismatch,
	ErrReservationNotFound:  ReasonReservationNotFound,
	ErrOwnershipMismatch:    ReasonOwnershipMismatch,
	ErrReasonRequired:       ReasonMissingReason,
}

func reasonFor(err error) Reason {
	for target, reason := range reasonByErr {
		if errors.Is(err, target) {
			return reason
		}
	}
	return ReasonInternal
}

// Result is returned by every allocation call; callers never get a panic
// or a bare error from the engine.
type Result struct {
	Success       bool      `json:"success"`
	Duplicate     bool      `json:"duplicate"`
	CreditAmount  float64   `json:"credit_amount"`
	TransactionID uuid.UUID `json:"transaction_id"`
	BalanceAfter  float64   `json:"balance_after"`
	Reason        Reason    `json:"reason,omitempty"`
	Error         string    `json:"error,omitempty"`
	Err           error     `json:"-"`
}

func failed(err error) Result {
	return Result{
		Reason: reasonFor(err),
		Error:  err.Error(),
		Err:    err,
	}
}

// marker is the short-lived dedupe record kept in the cache.
type marker struct {
	UserID        uuid.UUID `json:"userId"`
	TransactionID uuid.UUID `json:"transactionId"`
	CreditAmount  float64   `json:"creditAmount"`
	BalanceAfter  float64   `json:"balanceAfter"`
}

func (m marker) result() Result {
	return Result{
		Success:       true,
		Duplicate:     true,
		CreditAmount:  m.CreditAmount,
		TransactionID: m.TransactionID,
		BalanceAfter:  m.BalanceAfter,
	}
}
