package model

import "time"

// LiveEventType names a message variant on the live seat channel.
type LiveEventType string

const (
	EventInitialData   LiveEventType = "initial_data"
	EventSeatsReserved LiveEventType = "seats_reserved"
	EventSeatsReleased LiveEventType = "seats_released"
	EventSeatUpdate    LiveEventType = "seat_update"
	EventPing          LiveEventType = "ping"
	EventPong          LiveEventType = "pong"
	EventError         LiveEventType = "error"
)

// Release reasons carried by seats_released.
const (
	ReleaseCancelled = "cancelled"
	ReleaseExpired   = "expired"
)

// LiveMessage is the JSON envelope exchanged over the live seat channel.
// Only the fields relevant to Type are populated; the rest are omitted on
// the wire.
//
//	initial_data   – ReservedSeats
//	seats_reserved – SeatIDs, SessionID
//	seats_released – SeatIDs, SessionID (owner, when known), Reason
//	seat_update    – SeatID, Status, SessionID
//	error          – Message
type LiveMessage struct {
	Type          LiveEventType     `json:"type"`
	ShowtimeID    uint64            `json:"showtime_id,omitempty"`
	ReservedSeats []Reservation     `json:"reserved_seats,omitempty"`
	SeatIDs       []uint64          `json:"seat_ids,omitempty"`
	SeatID        uint64            `json:"seat_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Status        ReservationStatus `json:"status,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	Message       string            `json:"message,omitempty"`
}
