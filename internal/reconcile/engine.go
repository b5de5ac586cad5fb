// Package reconcile derives the Merged Seat View: one display state per
// seat computed from the inventory, the gateway's reservation list, the
// live channel's reserved-seat list and the viewer's own local intent.
// Everything here is a pure function of its inputs.
package reconcile

import (
	"time"

	"github.com/iliyamo/cinema-seat-live/internal/model"
)

// View is the display state of one seat for one viewer.
type View string

const (
	Unavailable      View = "unavailable"
	OccupiedByOthers View = "occupied_by_others"
	HeldByMe         View = "held_by_me"
	Selected         View = "selected"
	Free             View = "free"
)

// Source records which input decided a seat's view.
type Source string

const (
	SourceInventory Source = "inventory"
	SourceLive      Source = "live"
	SourceGateway   Source = "gateway"
	SourceLocal     Source = "local"
)

// Inputs is everything the merge looks at.
//
// Gateway and Live are reservation lists as last reported by each source.
// Selected holds seat codes the viewer picked without a server hold.
// OwnHolds are seat ids whose hold the gateway acknowledged for the viewer
// after the last gateway list was fetched.  Released are seat ids whose
// cancellation the gateway acknowledged; the viewer's own stale entries for
// them are ignored until the sources catch up.
type Inputs struct {
	SessionID string
	Seats     []model.Seat
	Gateway   []model.Reservation
	Live      []model.Reservation
	Selected  map[string]bool
	OwnHolds  map[uint64]bool
	Released  map[uint64]bool
}

// SeatView is the merged state of one seat.  Status is the status of the
// reservation that decided an occupied or held view; it is empty for free,
// selected and unavailable seats.
type SeatView struct {
	Seat      model.Seat
	View      View
	Source    Source
	Owner     string
	Status    model.ReservationStatus
	ExpiresAt *time.Time
}

// Result indexes the merged views by seat id and by every code a seat
// answers to.
type Result struct {
	order  []uint64
	bySeat map[uint64]SeatView
	byCode map[string]uint64
}

// Merge computes the view of every inventory seat.  Per seat, the first
// matching rule wins:
//
//  1. inventory is_available=false: unavailable
//  2. a live-channel entry: held_by_me or occupied_by_others by owner
//  3. an acknowledged own hold, else an active gateway entry, by owner
//  4. a locally selected code: selected
//  5. free
//
// Reservations naming a seat id absent from the inventory are skipped.
func Merge(in Inputs) Result {
	live := index(in.Live, in, false)
	gw := index(in.Gateway, in, true)

	res := Result{
		order:  make([]uint64, 0, len(in.Seats)),
		bySeat: make(map[uint64]SeatView, len(in.Seats)),
		byCode: make(map[string]uint64, len(in.Seats)),
	}
	for _, seat := range in.Seats {
		if _, dup := res.bySeat[seat.ID]; !dup {
			res.order = append(res.order, seat.ID)
		}
		res.bySeat[seat.ID] = mergeSeat(in, seat, live, gw)
		for _, code := range seat.Codes() {
			res.byCode[code] = seat.ID
		}
	}
	return res
}

func mergeSeat(in Inputs, seat model.Seat, live, gw map[uint64]model.Reservation) SeatView {
	v := SeatView{Seat: seat}
	if !seat.IsAvailable {
		v.View, v.Source = Unavailable, SourceInventory
		return v
	}
	if r, ok := live[seat.ID]; ok {
		return owned(v, in.SessionID, r, SourceLive)
	}
	if in.OwnHolds[seat.ID] {
		v.View, v.Source, v.Owner, v.Status = HeldByMe, SourceLocal, in.SessionID, model.StatusPending
		if r, ok := gw[seat.ID]; ok && r.SessionID == in.SessionID {
			v.ExpiresAt = r.ExpiresAt
		}
		return v
	}
	if r, ok := gw[seat.ID]; ok {
		return owned(v, in.SessionID, r, SourceGateway)
	}
	for _, code := range seat.Codes() {
		if in.Selected[code] {
			v.View, v.Source = Selected, SourceLocal
			return v
		}
	}
	v.View = Free
	return v
}

func owned(v SeatView, me string, r model.Reservation, src Source) SeatView {
	v.Source, v.Owner, v.Status, v.ExpiresAt = src, r.SessionID, r.Status, r.ExpiresAt
	if r.SessionID == me {
		v.View = HeldByMe
	} else {
		v.View = OccupiedByOthers
	}
	return v
}

// index keys reservations by seat id.  Entries for seats the viewer just
// released are dropped when they name the viewer; gateway entries must be
// pending or confirmed.  When one seat has several entries the viewer's own
// wins, so a seat never shows as taken by others because of a duplicate.
func index(list []model.Reservation, in Inputs, activeOnly bool) map[uint64]model.Reservation {
	out := make(map[uint64]model.Reservation, len(list))
	for _, r := range list {
		if activeOnly && !r.Status.Active() {
			continue
		}
		if r.SessionID == in.SessionID && in.Released[r.SeatID] {
			continue
		}
		if prev, ok := out[r.SeatID]; ok && prev.SessionID == in.SessionID {
			continue
		}
		out[r.SeatID] = r
	}
	return out
}

// ByCode returns the view of the seat addressed by code.  Either half of a
// couple seat resolves to the couple seat.
func (r Result) ByCode(code string) (SeatView, bool) {
	id, ok := r.byCode[code]
	if !ok {
		return SeatView{}, false
	}
	return r.bySeat[id], true
}

// BySeat returns the view of seat id.
func (r Result) BySeat(id uint64) (SeatView, bool) {
	v, ok := r.bySeat[id]
	return v, ok
}

// Seats returns every view in inventory order.
func (r Result) Seats() []SeatView {
	out := make([]SeatView, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.bySeat[id])
	}
	return out
}

// Count returns how many seats are in view v.
func (r Result) Count(v View) int {
	n := 0
	for _, sv := range r.bySeat {
		if sv.View == v {
			n++
		}
	}
	return n
}
