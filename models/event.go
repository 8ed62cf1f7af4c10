package models

import (
	"time"
)

type Event struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	MaxQuantity int       `db:"max_quantity" json:"max_quantity"`
	IssuedCount int       `db:"issued_count" json:"issued_count"`
	EditingBy   string    `db:"editing_by" json:"editing_by,omitempty"`
	EditLockAt  time.Time `db:"-" json:"edit_lock_at,omitempty"`
	CreatedAt   time.Time `db:"-" json:"created_at"`
	UpdatedAt   time.Time `db:"-" json:"updated_at"`
}

// LeaseActive reports whether the event is held by someone at instant now.
// An expired lease is indistinguishable from no lease.
func (e Event) LeaseActive(now time.Time) bool {
	return e.EditingBy != "" && e.EditLockAt.After(now)
}

// HeldBy reports whether userID holds an unexpired lease at instant now.
func (e Event) HeldBy(userID string, now time.Time) bool {
	return e.LeaseActive(now) && e.EditingBy == userID
}

// Remaining is the number of vouchers that can still be issued.
func (e Event) Remaining() int {
	if e.IssuedCount >= e.MaxQuantity {
		return 0
	}
	return e.MaxQuantity - e.IssuedCount
}

type LeaseStatus string

const (
	LeaseGranted     LeaseStatus = "granted"
	LeaseAlreadyHeld LeaseStatus = "already_held"
	LeaseRenewed     LeaseStatus = "renewed"
	LeaseReleased    LeaseStatus = "released"
)

// Lease is the outcome of a successful lease operation.
type Lease struct {
	EventID   string      `json:"event_id"`
	HolderID  string      `json:"holder_id,omitempty"`
	LockUntil time.Time   `json:"lock_until,omitempty"`
	Status    LeaseStatus `json:"status"`
}
