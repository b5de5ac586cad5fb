package live

import (
	"context"
	"time"

	"github.com/iliyamo/cinema-seat-live/internal/model"
)

// Publisher announces seat changes for a showtime to every watcher.
// Handlers and the expiry sweeper publish only after the change has been
// committed to the store.
type Publisher interface {
	Publish(ctx context.Context, showtimeID uint64, msg model.LiveMessage) error
}

// LocalFanout delivers straight to the in-process hub.  It is used when
// Redis is not configured and the server runs as a single instance.
type LocalFanout struct {
	Hub *Hub
}

// Publish implements Publisher.
func (f LocalFanout) Publish(_ context.Context, showtimeID uint64, msg model.LiveMessage) error {
	f.Hub.Deliver(showtimeID, msg)
	return nil
}

// Reserved builds the seats_reserved event for holds just created by
// sessionID.  expiresAt may be nil.
func Reserved(sessionID string, seatIDs []uint64, expiresAt *time.Time) model.LiveMessage {
	return model.LiveMessage{Type: model.EventSeatsReserved, SessionID: sessionID, SeatIDs: seatIDs, ExpiresAt: expiresAt}
}

// Released builds the seats_released event.  owner may be empty when the
// releases span several sessions.
func Released(owner string, seatIDs []uint64, reason string) model.LiveMessage {
	return model.LiveMessage{Type: model.EventSeatsReleased, SessionID: owner, SeatIDs: seatIDs, Reason: reason}
}

// Confirmed builds the seat_update event sent when a hold becomes a sale.
func Confirmed(sessionID string, seatID uint64) model.LiveMessage {
	return model.LiveMessage{Type: model.EventSeatUpdate, SessionID: sessionID, SeatID: seatID, Status: model.StatusConfirmed}
}

// PublishReleases groups released holds by owner and publishes one
// seats_released event per (showtime, owner).
func PublishReleases(ctx context.Context, p Publisher, released []model.Reservation, reason string) error {
	type key struct {
		showtime uint64
		owner    string
	}
	grouped := map[key][]uint64{}
	var order []key
	for _, r := range released {
		k := key{r.ShowtimeID, r.SessionID}
		if _, ok := grouped[k]; !ok {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], r.SeatID)
	}
	var firstErr error
	for _, k := range order {
		if err := p.Publish(ctx, k.showtime, Released(k.owner, grouped[k], reason)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
