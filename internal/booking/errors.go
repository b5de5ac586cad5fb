package booking

import (
	"errors"

	"github.com/iliyamo/cinema-seat-live/internal/model"
)

var (
	// ErrSeatTaken means another session holds the seat.
	ErrSeatTaken = errors.New("seat no longer available")
	// ErrSeatUnavailable means the seat cannot be booked at all.
	ErrSeatUnavailable = errors.New("seat unavailable")
	// ErrUnknownSeat means no inventory seat answers to the code.
	ErrUnknownSeat = errors.New("unknown seat")
	// ErrInFlight means a request for the seat is still running.
	ErrInFlight = errors.New("request already in progress")
	// ErrNothingSelected means checkout was asked for with no seats.
	ErrNothingSelected = errors.New("no seats selected")
	// ErrSeatPaid means the viewer's reservation on the seat is confirmed;
	// the store only cancels pending holds.
	ErrSeatPaid = errors.New("seat already paid for")
	// ErrIncompleteHold means some selected seats could not be held, so
	// payment was not started.
	ErrIncompleteHold = errors.New("not every selected seat could be held")
)

// rejection maps a store rejection reason to an error.
func rejection(reason string) error {
	switch reason {
	case model.ReasonAlreadyHeld:
		return ErrSeatTaken
	default:
		return ErrSeatUnavailable
	}
}
