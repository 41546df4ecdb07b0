package api

import (
	"errors"
	"net/http"

	"inkslot/internal/database"
	"inkslot/internal/payment"
	"inkslot/internal/service"

	"google.golang.org/grpc/codes"
)

// httpStatus maps service and store errors onto response codes. Anything
// unrecognized is a 500.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, database.ErrInvalidWindow),
		errors.Is(err, payment.ErrInvalidSignature),
		errors.Is(err, payment.ErrMissingOrderID):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrPaymentVerificationFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, service.ErrNotOwner),
		errors.Is(err, database.ErrNotAssignee):
		return http.StatusForbidden
	case errors.Is(err, database.ErrSlotNotFound),
		errors.Is(err, database.ErrBookingNotFound),
		errors.Is(err, database.ErrTaskNotFound),
		errors.Is(err, database.ErrIntentNotFound),
		errors.Is(err, service.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, database.ErrSlotFull),
		errors.Is(err, database.ErrInvalidTransition),
		errors.Is(err, database.ErrSlotInUse),
		errors.Is(err, database.ErrAlreadyClaimed),
		errors.Is(err, database.ErrOverlap),
		errors.Is(err, database.ErrCapacityBelowUsage),
		errors.Is(err, database.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrReservationFailed),
		errors.Is(err, service.ErrGatewayDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func grpcCode(err error) codes.Code {
	switch httpStatus(err) {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.FailedPrecondition
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
