package model

import "time"

// ReservationStatus is the lifecycle state of a hold.
type ReservationStatus string

const (
	// StatusPending is a temporary hold with a server-enforced expiry.
	StatusPending ReservationStatus = "pending"
	// StatusConfirmed marks a hold whose payment completed.
	StatusConfirmed ReservationStatus = "confirmed"
	// StatusCancelled marks a hold released explicitly or by timeout.
	StatusCancelled ReservationStatus = "cancelled"
	// StatusReleased is accepted from the live channel as an alias of cancelled.
	StatusReleased ReservationStatus = "released"
)

// Active reports whether the status still blocks the seat for other sessions.
func (s ReservationStatus) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Reservation is a time-bounded claim on one seat for one showtime by one
// session.  The Reservation Store owns it; clients only read it and request
// transitions.
//
// Fields:
//
//	SeatID     – seat being held.
//	ShowtimeID – showtime for which the seat is held.
//	SessionID  – opaque owner session.
//	Status     – pending, confirmed or cancelled.
//	ExpiresAt  – when a pending hold stops being valid (server clock).
type Reservation struct {
	SeatID     uint64            `json:"seat_id"`               // seat_reservations.seat_id
	ShowtimeID uint64            `json:"showtime_id,omitempty"` // seat_reservations.showtime_id
	SessionID  string            `json:"session_id"`            // seat_reservations.session_id
	Status     ReservationStatus `json:"status"`                // seat_reservations.status
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`  // seat_reservations.expires_at (nullable once confirmed)
}

// HoldResult reports the outcome of a hold request for a single seat.  OK is
// false when the store rejected the seat; Reason then carries a short
// machine-readable code such as "already_held" or "unavailable".
type HoldResult struct {
	SeatID    uint64     `json:"seat_id"`
	OK        bool       `json:"ok"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Hold rejection reasons returned by the store.
const (
	ReasonAlreadyHeld = "already_held"
	ReasonUnavailable = "unavailable"
	ReasonNotFound    = "not_found"
)
