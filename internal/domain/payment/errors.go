package payment

import "errors"

var (
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrDuplicatePayment = errors.New("payment already exists for provider id")
	ErrInvalidInput     = errors.New("invalid payment input")
)
