package livechannel

import (
	"time"

	"github.com/iliyamo/cinema-seat-live/internal/model"
)

// Status is the connection state observed by the UI.
type Status int

const (
	// StatusIdle means Connect has not been called, or Disconnect was.
	StatusIdle Status = iota
	// StatusConnecting means a dial is in flight.
	StatusConnecting
	// StatusConnected means the socket is open.
	StatusConnected
	// StatusReconnecting means the socket closed and a retry is scheduled.
	StatusReconnecting
	// StatusGaveUp means the retry budget is spent; live updates are
	// unavailable until Connect is called again.
	StatusGaveUp
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusGaveUp:
		return "gave_up"
	}
	return "unknown"
}

// Event is one of the variants delivered to a Listener: InitialData,
// SeatsReserved, SeatsReleased, SeatUpdated, Pong, ServerError or
// StatusChanged.
type Event interface {
	event()
}

// InitialData replaces the whole reserved-seat list.
type InitialData struct {
	Reservations []model.Reservation
}

// SeatsReserved reports new pending holds owned by SessionID.
type SeatsReserved struct {
	SeatIDs   []uint64
	SessionID string
	ExpiresAt *time.Time
}

// SeatsReleased reports holds that are gone.  SessionID names the former
// owner when the server knows it; Reason is "cancelled" or "expired".
type SeatsReleased struct {
	SeatIDs   []uint64
	SessionID string
	Reason    string
}

// SeatUpdated is a single seat status change.
type SeatUpdated struct {
	SeatID    uint64
	Status    model.ReservationStatus
	SessionID string
}

// Pong acknowledges a heartbeat.
type Pong struct{}

// ServerError carries an error frame from the server.
type ServerError struct {
	Message string
}

// StatusChanged reports a connection state transition.  Attempt is the
// number of consecutive failed connections so far and RetryIn the delay
// before the next attempt when Status is StatusReconnecting.
type StatusChanged struct {
	Status  Status
	Attempt int
	RetryIn time.Duration
}

func (InitialData) event()   {}
func (SeatsReserved) event() {}
func (SeatsReleased) event() {}
func (SeatUpdated) event()   {}
func (Pong) event()          {}
func (ServerError) event()   {}
func (StatusChanged) event() {}

// Listener receives channel events.  Calls are made one at a time and
// without the channel's state lock held, so a listener may call Status or
// Reserved.  It must not call Connect or Disconnect.  Events of a
// connection that was torn down are dropped, not delivered late.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// OnEvent implements Listener.
func (f ListenerFunc) OnEvent(e Event) { f(e) }
