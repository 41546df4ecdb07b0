package models

import "time"

// IntentStatus is the last status the engine knows for a gateway payment intent.
type IntentStatus string

const (
	IntentCreated    IntentStatus = "created"
	IntentSucceeded  IntentStatus = "succeeded"
	IntentFailed     IntentStatus = "failed"
	IntentProcessing IntentStatus = "processing"
	IntentCanceled   IntentStatus = "canceled"
	IntentUnverified IntentStatus = "unverified"
)

// Open reports whether the payer can still complete the intent.
func (s IntentStatus) Open() bool {
	switch s {
	case IntentCreated, IntentProcessing, IntentUnverified:
		return true
	}
	return false
}

// PaymentIntent links a gateway order to a booking.
type PaymentIntent struct {
	GatewayOrderID string       `json:"gateway_order_id"`
	BookingID      int64        `json:"booking_id"`
	Amount         int64        `json:"amount"`
	Currency       string       `json:"currency"`
	ClientToken    string       `json:"client_token,omitempty"`
	LastStatus     IntentStatus `json:"last_status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// SignaturePayload is what the client reports after completing a payment.
type SignaturePayload struct {
	GatewayOrderID string `json:"gateway_order_id"`
	Signature      string `json:"gateway_signature"`
}

// IntentLookup is the gateway's server-side view of an intent.
type IntentLookup struct {
	IntentID   string
	Status     IntentStatus
	Amount     int64
	Currency   string
	BookingRef string
}

// GatewayEvent is a verified webhook notification.
type GatewayEvent struct {
	ID         string
	Type       string
	IntentID   string
	BookingRef string
	Succeeded  bool
}

// VerificationRecord caches the outcome of a verification attempt.
type VerificationRecord struct {
	BookingID  int64     `json:"booking_id"`
	OrderID    string    `json:"order_id"`
	Verified   bool      `json:"verified"`
	VerifiedAt time.Time `json:"verified_at"`
}
