package models

// CapacityDrift is a slot whose counter disagrees with its active bookings.
type CapacityDrift struct {
	SlotID          int64 `json:"slot_id"`
	CurrentBookings int   `json:"current_bookings"`
	ActiveBookings  int   `json:"active_bookings"`
	MaxBookings     int   `json:"max_bookings"`
}

// ConsistencyReport is the result of a counter check run.
type ConsistencyReport struct {
	Checked  int             `json:"checked"`
	Drifts   []CapacityDrift `json:"drifts"`
	Repaired int             `json:"repaired"`
}

// SweepResult summarizes one payment TTL sweep.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Expired   int `json:"expired"`
	Confirmed int `json:"confirmed"`
	Errors    int `json:"errors"`
}
