package service

import "errors"

var (
	ErrValidation                = errors.New("validation failed")
	ErrReservationFailed         = errors.New("reservation failed")
	ErrPaymentVerificationFailed = errors.New("payment verification failed")
	ErrNotOwner                  = errors.New("booking belongs to another user")
	ErrRateLimited               = errors.New("too many booking attempts")
	ErrItemNotFound              = errors.New("service item not found")
	ErrGatewayDisabled           = errors.New("online payments are not configured")
)
