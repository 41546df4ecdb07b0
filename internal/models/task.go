package models

import "time"

// StaffTask is an internal work item that exactly one staff member may claim.
type StaffTask struct {
	ID         int64      `json:"id"`
	Title      string     `json:"title"`
	AssignedTo *string    `json:"assigned_to,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
}

// Claimed reports whether somebody holds the task.
func (t *StaffTask) Claimed() bool {
	return t.AssignedTo != nil && *t.AssignedTo != ""
}
