package models

import (
	"fmt"
	"strings"
	"time"
)

type BookingStatus string

const (
	StatusPendingVerification BookingStatus = "pending_verification"
	StatusPaymentPending      BookingStatus = "payment_pending"
	StatusConfirmed           BookingStatus = "confirmed"
	StatusCancelled           BookingStatus = "cancelled"
)

// ActiveStatuses are the statuses in which a booking holds one unit of slot capacity.
var ActiveStatuses = []BookingStatus{StatusPendingVerification, StatusPaymentPending, StatusConfirmed}

func (s BookingStatus) Valid() bool {
	switch s {
	case StatusPendingVerification, StatusPaymentPending, StatusConfirmed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether a booking in status s occupies capacity.
func (s BookingStatus) Active() bool {
	return s == StatusPendingVerification || s == StatusPaymentPending || s == StatusConfirmed
}

func ParseBookingStatus(raw string) (BookingStatus, error) {
	s := BookingStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown booking status %q", raw)
	}
	return s, nil
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFailed   PaymentStatus = "failed"
)

type PaymentMethod string

const (
	PaymentOnline       PaymentMethod = "online"
	PaymentAtCounter    PaymentMethod = "pay_at_counter"
	paymentAtCounterAlt               = "pay-at-counter"
)

func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(PaymentOnline):
		return PaymentOnline, nil
	case string(PaymentAtCounter), paymentAtCounterAlt:
		return PaymentAtCounter, nil
	default:
		return "", fmt.Errorf("unknown payment method %q", raw)
	}
}

// InitialStatus is the status a new booking starts in for the given payment method.
func (m PaymentMethod) InitialStatus() BookingStatus {
	if m == PaymentOnline {
		return StatusPaymentPending
	}
	return StatusPendingVerification
}

type CancelReason string

const (
	CancelNone           CancelReason = ""
	CancelByUser         CancelReason = "user"
	CancelAdminReject    CancelReason = "admin_reject"
	CancelPaymentExpired CancelReason = "payment_expired"
	CancelSlotDeleted    CancelReason = "slot_deleted"
)

type Booking struct {
	ID              int64         `json:"id"`
	SlotID          int64         `json:"slot_id"`
	UserID          string        `json:"user_id"`
	ServiceItemID   string        `json:"service_item_id"`
	FinalPrice      int64         `json:"final_price"`
	Currency        string        `json:"currency"`
	PaymentMethod   PaymentMethod `json:"payment_method"`
	Status          BookingStatus `json:"status"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	CancelReason    CancelReason  `json:"cancel_reason,omitempty"`
	PaymentIntentID *string       `json:"payment_intent_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	Version         int64         `json:"version"`
}

// BookingFilter narrows booking listings. Zero values mean "any".
type BookingFilter struct {
	Status BookingStatus
	UserID string
	SlotID int64
	Limit  int
}

// Action is a named event that moves a booking between statuses.
type Action string

const (
	ActionVerifyPayment Action = "verify_payment"
	ActionRecordPayment Action = "record_payment"
	ActionPaymentFailed Action = "payment_failed"
	ActionAccept        Action = "accept"
	ActionReject        Action = "reject"
	ActionUserCancel    Action = "user_cancel"
	ActionLateCancel    Action = "late_cancel"
	ActionExpire        Action = "expire"
	ActionSlotDeleted   Action = "slot_deleted"
)

// Transition describes one edge of the booking state machine.
// An empty PaymentStatus leaves the payment status untouched.
type Transition struct {
	Action        Action
	From          []BookingStatus
	To            BookingStatus
	PaymentStatus PaymentStatus
	CancelReason  CancelReason
}

// Allows reports whether the transition may start from status s.
func (t Transition) Allows(s BookingStatus) bool {
	for _, from := range t.From {
		if from == s {
			return true
		}
	}
	return false
}

// Releases reports whether applying the transition gives back a unit of capacity.
func (t Transition) Releases() bool {
	return t.To == StatusCancelled
}

var transitions = map[Action]Transition{
	ActionVerifyPayment: {
		From:          []BookingStatus{StatusPaymentPending},
		To:            StatusConfirmed,
		PaymentStatus: PaymentPaid,
	},
	// payment arriving after an admin override accept
	ActionRecordPayment: {
		From:          []BookingStatus{StatusConfirmed},
		To:            StatusConfirmed,
		PaymentStatus: PaymentPaid,
	},
	ActionPaymentFailed: {
		From:          []BookingStatus{StatusPaymentPending},
		To:            StatusPaymentPending,
		PaymentStatus: PaymentFailed,
	},
	ActionAccept: {
		From: []BookingStatus{StatusPendingVerification, StatusPaymentPending},
		To:   StatusConfirmed,
	},
	ActionReject: {
		From:         []BookingStatus{StatusPendingVerification, StatusPaymentPending},
		To:           StatusCancelled,
		CancelReason: CancelAdminReject,
	},
	ActionUserCancel: {
		From:         []BookingStatus{StatusPendingVerification, StatusPaymentPending},
		To:           StatusCancelled,
		CancelReason: CancelByUser,
	},
	ActionLateCancel: {
		From:         []BookingStatus{StatusConfirmed},
		To:           StatusCancelled,
		CancelReason: CancelByUser,
	},
	ActionExpire: {
		From:          []BookingStatus{StatusPaymentPending},
		To:            StatusCancelled,
		PaymentStatus: PaymentFailed,
		CancelReason:  CancelPaymentExpired,
	},
	ActionSlotDeleted: {
		From:         ActiveStatuses,
		To:           StatusCancelled,
		CancelReason: CancelSlotDeleted,
	},
}

// TransitionFor returns the transition registered for action.
func TransitionFor(action Action) (Transition, bool) {
	t, ok := transitions[action]
	if !ok {
		return Transition{}, false
	}
	t.Action = action
	return t, true
}

// CanTransition reports whether action is permitted from status s.
func CanTransition(action Action, s BookingStatus) bool {
	t, ok := TransitionFor(action)
	return ok && t.Allows(s)
}
