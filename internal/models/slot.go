package models

import (
	"fmt"
	"time"
)

// ServiceType is the kind of appointment a slot can be booked for.
type ServiceType string

const (
	ServiceTattoo       ServiceType = "tattoo"
	ServicePiercing     ServiceType = "piercing"
	ServiceClassSession ServiceType = "class-session"
	ServiceEvent        ServiceType = "event"
)

// Valid reports whether t is one of the known service types.
func (t ServiceType) Valid() bool {
	switch t {
	case ServiceTattoo, ServicePiercing, ServiceClassSession, ServiceEvent:
		return true
	default:
		return false
	}
}

// ParseServiceType normalizes user input into a ServiceType.
func ParseServiceType(raw string) (ServiceType, error) {
	t := ServiceType(raw)
	if !t.Valid() {
		return "", fmt.Errorf("unknown service type %q", raw)
	}
	return t, nil
}

// Slot is a bookable time window with finite capacity.
// IsAvailable mirrors CurrentBookings < MaxBookings and is only ever written
// by the same statement that changes the counter.
type Slot struct {
	ID              int64       `json:"id"`
	ServiceType     ServiceType `json:"service_type"`
	Date            string      `json:"date"`
	StartsAt        time.Time   `json:"starts_at"`
	EndsAt          time.Time   `json:"ends_at"`
	MaxBookings     int         `json:"max_bookings"`
	CurrentBookings int         `json:"current_bookings"`
	IsAvailable     bool        `json:"is_available"`
	Version         int64       `json:"version"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Remaining returns the number of free units.
func (s *Slot) Remaining() int {
	if s.CurrentBookings >= s.MaxBookings {
		return 0
	}
	return s.MaxBookings - s.CurrentBookings
}

// SlotWindow describes a slot before it is persisted.
type SlotWindow struct {
	ServiceType ServiceType
	StartsAt    time.Time
	EndsAt      time.Time
}

// Validate checks the window is well-formed.
func (w SlotWindow) Validate() error {
	if !w.ServiceType.Valid() {
		return fmt.Errorf("unknown service type %q", w.ServiceType)
	}
	if w.StartsAt.IsZero() || w.EndsAt.IsZero() {
		return fmt.Errorf("start and end are required")
	}
	if !w.EndsAt.After(w.StartsAt) {
		return fmt.Errorf("end %s must be after start %s", w.EndsAt.Format(time.RFC3339), w.StartsAt.Format(time.RFC3339))
	}
	return nil
}

// SlotFilter narrows slot listings. Zero values mean "any".
type SlotFilter struct {
	Date          string
	ServiceType   ServiceType
	OnlyAvailable bool
	Limit         int
}

// GenerateSlotsRequest splits one day into equal windows.
type GenerateSlotsRequest struct {
	ServiceType ServiceType
	Date        time.Time
	DayStart    string
	DayEnd      string
	Duration    time.Duration
	MaxBookings int
}

// GenerateSlotsResult reports a bulk generation run.
type GenerateSlotsResult struct {
	Created []*Slot `json:"created"`
	Skipped int     `json:"skipped"`
}
