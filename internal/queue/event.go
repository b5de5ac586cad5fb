// Package queue defines message payloads exchanged over the message broker.
package queue

import "time"

// Queue names.  Every hold transition goes to ActivityQueue; confirmations
// are additionally routed to ConfirmedQueue for downstream fulfilment.
const (
	ActivityQueue  = "seat.activity"
	ConfirmedQueue = "booking.confirmed"
)

// ActivityKind describes what happened to a set of seats.
type ActivityKind string

const (
	ActivityReserved  ActivityKind = "reserved"
	ActivityReleased  ActivityKind = "released"
	ActivityExpired   ActivityKind = "expired"
	ActivityConfirmed ActivityKind = "confirmed"
)

// SeatActivityEvent is published after a hold transition commits.  It
// carries enough for auditing and analytics without querying the store.
type SeatActivityEvent struct {
	Kind       ActivityKind `json:"kind"`
	ShowtimeID uint64       `json:"showtime_id"`
	SessionID  string       `json:"session_id,omitempty"`
	SeatIDs    []uint64     `json:"seat_ids"`
	Reason     string       `json:"reason,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// RoutingKey returns the queue an event belongs on.
func (e SeatActivityEvent) RoutingKey() string {
	if e.Kind == ActivityConfirmed {
		return ConfirmedQueue
	}
	return ActivityQueue
}
