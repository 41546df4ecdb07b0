package database

import "errors"

var (
	ErrSlotNotFound           = errors.New("slot not found")
	ErrSlotFull               = errors.New("slot is full")
	ErrSlotInUse              = errors.New("slot has active bookings")
	ErrInvalidWindow          = errors.New("invalid slot window")
	ErrOverlap                = errors.New("identical slot window already exists")
	ErrCapacityBelowUsage     = errors.New("capacity below current bookings")
	ErrBookingNotFound        = errors.New("booking not found")
	ErrInvalidTransition      = errors.New("invalid booking transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrIntentNotFound         = errors.New("payment intent not found")
	ErrTaskNotFound           = errors.New("task not found")
	ErrAlreadyClaimed         = errors.New("task already claimed")
	ErrNotAssignee            = errors.New("task is assigned to someone else")
)
