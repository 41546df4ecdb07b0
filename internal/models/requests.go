package models

import (
	"fmt"
	"strings"
)

// Decision is an admin verdict on a pending booking.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

func ParseDecision(raw string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(raw))); d {
	case DecisionAccept, DecisionReject:
		return d, nil
	default:
		return "", fmt.Errorf("unknown decision %q", raw)
	}
}

type CreateBookingRequest struct {
	SlotID        int64
	UserID        string
	ServiceItemID string
	PaymentMethod PaymentMethod
}

// BookingResult is returned from booking creation. PaymentIntent is set for
// online bookings when the gateway call succeeded.
type BookingResult struct {
	Booking       *Booking       `json:"booking"`
	PaymentIntent *PaymentIntent `json:"payment_intent,omitempty"`
}

type VerifyPaymentRequest struct {
	BookingID      int64
	GatewayOrderID string
	Signature      string
}
