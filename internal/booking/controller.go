// Package booking turns seat clicks into hold requests.  A Controller owns
// one viewer's booking session for one showtime: it keeps the local intent
// (selected seats, acknowledged holds and releases), feeds it with the
// gateway list and the live channel into the reconciliation engine, and
// hands the held seats to payment.
package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iliyamo/cinema-seat-live/internal/gateway"
	"github.com/iliyamo/cinema-seat-live/internal/livechannel"
	"github.com/iliyamo/cinema-seat-live/internal/logging"
	"github.com/iliyamo/cinema-seat-live/internal/model"
	"github.com/iliyamo/cinema-seat-live/internal/reconcile"
)

// Gateway is the reservation gateway as seen by the controller.
// *gateway.Client implements it.
type Gateway interface {
	ListSeats(ctx context.Context, roomID uint64) ([]model.Seat, error)
	ListReservedSeats(ctx context.Context, showtimeID uint64) ([]model.Reservation, error)
	CreateReservations(ctx context.Context, showtimeID uint64, seatIDs []uint64) ([]model.HoldResult, error)
	CancelReservations(ctx context.Context, showtimeID uint64, seatIDs []uint64) ([]uint64, error)
}

// LiveChannel is the live seat channel as seen by the controller.
// *livechannel.Channel implements it.
type LiveChannel interface {
	Connect(showtimeID uint64, sessionID string)
	Disconnect()
	Status() livechannel.Status
	Reserved() []model.Reservation
}

// Handoff is what payment receives: who is paying and for which seats.
type Handoff struct {
	SessionID  string
	ShowtimeID uint64
	Seats      []model.Seat
}

// PaymentHandoff starts payment for held seats.  Payment state is not
// tracked here.
type PaymentHandoff interface {
	StartPayment(ctx context.Context, h Handoff) error
}

// Config identifies the booking session and tunes the controller.
//
// BatchMode makes a click on a free seat select it locally; HoldSelected
// or Checkout then holds the whole selection in one request.  Without it a
// click holds the seat immediately.  PollInterval is how often the gateway
// list is refetched while the live channel has given up.  ExpiryWarning,
// when positive, emits NoticeExpiringSoon that long before a hold expires.
type Config struct {
	SessionID     string
	ShowtimeID    uint64
	RoomID        uint64
	BatchMode     bool
	PollInterval  time.Duration
	ExpiryWarning time.Duration
	TickInterval  time.Duration
	Now           func() time.Time
	OnNotice      func(Notice)
	OnChange      func()
}

// BatchResult reports a multi-seat hold.  Rejected maps seat codes to
// ErrSeatTaken or ErrSeatUnavailable.
type BatchResult struct {
	Held     []string
	Rejected map[string]error
}

// Controller is safe for concurrent use.  Gateway calls run without the
// lock held; their completions re-read current state rather than trusting
// what was true when the request started.
type Controller struct {
	cfg  Config
	gw   Gateway
	live LiveChannel
	pay  PaymentHandoff
	log  zerolog.Logger

	mu        sync.Mutex
	seats     []model.Seat
	gwList    []model.Reservation
	selected  map[string]bool
	own       map[uint64]uint64 // seat id -> epoch the hold was acknowledged
	released  map[uint64]uint64 // seat id -> epoch the cancel was acknowledged
	holdAck   map[uint64]uint64 // seat id -> epoch of the latest hold ack
	cancelAck map[uint64]uint64 // seat id -> epoch of a cancel whose live frame is outstanding
	inFlight  map[uint64]bool
	warned    map[uint64]bool
	lastHeld  map[uint64]model.Seat
	epoch     uint64
	lastPoll  time.Time
	gaveUp    bool
	refetch   bool
	stop      context.CancelFunc
	done      chan struct{}
}

// New returns a Controller.  live may be nil, in which case the view is
// driven by the gateway alone.
func New(cfg Config, gw Gateway, live LiveChannel, pay PaymentHandoff) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		cfg:       cfg,
		gw:        gw,
		live:      live,
		pay:       pay,
		log:       logging.Component("booking").With().Str("session_id", cfg.SessionID).Logger(),
		selected:  map[string]bool{},
		own:       map[uint64]uint64{},
		released:  map[uint64]uint64{},
		holdAck:   map[uint64]uint64{},
		cancelAck: map[uint64]uint64{},
		inFlight:  map[uint64]bool{},
		warned:    map[uint64]bool{},
		lastHeld:  map[uint64]model.Seat{},
	}
}

// Start loads the inventory and the current holds, opens the live channel
// and starts the background loop for expiry warnings and poll fallback.
func (c *Controller) Start(ctx context.Context) error {
	seats, err := c.gw.ListSeats(ctx, c.cfg.RoomID)
	if err != nil {
		return fmt.Errorf("load seats: %w", err)
	}
	c.mu.Lock()
	c.seats = seats
	c.mu.Unlock()
	if err := c.Refresh(ctx); err != nil {
		return err
	}
	if c.live != nil {
		c.live.Connect(c.cfg.ShowtimeID, c.cfg.SessionID)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.stop = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()
	go c.loop(loopCtx, done)
	return nil
}

// Stop closes the live channel and ends the background loop.  Holds are
// left for the server to expire.
func (c *Controller) Stop() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()
	if c.live != nil {
		c.live.Disconnect()
	}
	if stop != nil {
		stop()
		<-done
	}
}

// Connected reports whether live updates are flowing.
func (c *Controller) Connected() bool {
	return c.live != nil && c.live.Status() == livechannel.StatusConnected
}

// View returns the merged view of every seat.
func (c *Controller) View() reconcile.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mergeLocked()
}

// Status returns the merged view of the seat addressed by code.  Codes that
// match no seat report unavailable.
func (c *Controller) Status(code string) reconcile.View {
	sv, ok := c.View().ByCode(code)
	if !ok {
		return reconcile.Unavailable
	}
	return sv.View
}

// Toggle applies a click on seat code:
//
//   - free: hold it (or select it in batch mode)
//   - selected: deselect it locally
//   - held_by_me: release the hold, unless it is already paid for
//   - occupied_by_others, unavailable: reject without any request
func (c *Controller) Toggle(ctx context.Context, code string) error {
	c.mu.Lock()
	sv, ok := c.mergeLocked().ByCode(code)
	if !ok {
		c.mu.Unlock()
		return ErrUnknownSeat
	}
	if c.inFlight[sv.Seat.ID] {
		c.mu.Unlock()
		return ErrInFlight
	}
	switch sv.View {
	case reconcile.Unavailable:
		c.mu.Unlock()
		return ErrSeatUnavailable
	case reconcile.OccupiedByOthers:
		c.mu.Unlock()
		return ErrSeatTaken
	case reconcile.Selected:
		c.deselectLocked(sv.Seat)
		c.mu.Unlock()
		c.changed()
		return nil
	case reconcile.HeldByMe:
		c.mu.Unlock()
		if sv.Status == model.StatusConfirmed {
			return ErrSeatPaid
		}
		return c.release(ctx, []model.Seat{sv.Seat})
	default:
		if c.cfg.BatchMode {
			c.selected[sv.Seat.Code] = true
			c.mu.Unlock()
			c.changed()
			return nil
		}
		c.mu.Unlock()
		res, err := c.hold(ctx, []model.Seat{sv.Seat})
		if err != nil {
			return err
		}
		if rejected, ok := res.Rejected[sv.Seat.Code]; ok {
			return fmt.Errorf("%s: %w", sv.Seat.Code, rejected)
		}
		return nil
	}
}

// HoldSelected holds every selected seat in one request.  Seats the store
// rejects are deselected and reported; the rest stay held.
func (c *Controller) HoldSelected(ctx context.Context) (BatchResult, error) {
	c.mu.Lock()
	merged := c.mergeLocked()
	res := BatchResult{Rejected: map[string]error{}}
	var want []model.Seat
	for _, sv := range merged.Seats() {
		if !c.selectedLocked(sv.Seat) {
			continue
		}
		switch sv.View {
		case reconcile.Selected:
			if c.inFlight[sv.Seat.ID] {
				continue
			}
			want = append(want, sv.Seat)
		case reconcile.HeldByMe:
			c.deselectLocked(sv.Seat)
			res.Held = append(res.Held, sv.Seat.Code)
		case reconcile.OccupiedByOthers:
			c.deselectLocked(sv.Seat)
			res.Rejected[sv.Seat.Code] = ErrSeatTaken
		case reconcile.Unavailable:
			c.deselectLocked(sv.Seat)
			res.Rejected[sv.Seat.Code] = ErrSeatUnavailable
		}
	}
	c.mu.Unlock()

	if len(want) == 0 {
		if len(res.Held) == 0 && len(res.Rejected) == 0 {
			return res, ErrNothingSelected
		}
		c.changed()
		return res, nil
	}
	got, err := c.hold(ctx, want)
	res.Held = append(res.Held, got.Held...)
	for code, e := range got.Rejected {
		res.Rejected[code] = e
	}
	return res, err
}

// Checkout holds whatever is still only selected and, when every seat is
// held, hands the viewer's unpaid holds to payment.  Seats already
// confirmed are not paid for twice.
func (c *Controller) Checkout(ctx context.Context) (BatchResult, error) {
	res, err := c.HoldSelected(ctx)
	if err != nil && !errors.Is(err, ErrNothingSelected) {
		return res, err
	}
	if len(res.Rejected) > 0 {
		return res, ErrIncompleteHold
	}

	c.mu.Lock()
	var held []model.Seat
	for _, sv := range c.mergeLocked().Seats() {
		if sv.View == reconcile.HeldByMe && sv.Status != model.StatusConfirmed {
			held = append(held, sv.Seat)
		}
	}
	c.mu.Unlock()
	if len(held) == 0 {
		return res, ErrNothingSelected
	}
	if c.pay == nil {
		return res, errors.New("no payment handoff configured")
	}
	if err := c.pay.StartPayment(ctx, Handoff{SessionID: c.cfg.SessionID, ShowtimeID: c.cfg.ShowtimeID, Seats: held}); err != nil {
		return res, fmt.Errorf("start payment: %w", err)
	}
	return res, nil
}

// Release cancels the viewer's hold on code.  Releasing a seat that is no
// longer held succeeds; a paid seat cannot be released.
func (c *Controller) Release(ctx context.Context, code string) error {
	c.mu.Lock()
	sv, ok := c.mergeLocked().ByCode(code)
	c.mu.Unlock()
	if !ok {
		return ErrUnknownSeat
	}
	if sv.View == reconcile.HeldByMe && sv.Status == model.StatusConfirmed {
		return ErrSeatPaid
	}
	return c.release(ctx, []model.Seat{sv.Seat})
}

// Refresh refetches the gateway's reservation list.  Local acknowledgements
// older than the fetch are dropped because the list now covers them.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	startEpoch := c.epoch
	c.refetch = false
	c.mu.Unlock()

	list, err := c.gw.ListReservedSeats(ctx, c.cfg.ShowtimeID)
	if err != nil {
		return fmt.Errorf("refresh reservations: %w", err)
	}

	c.mu.Lock()
	c.gwList = list
	c.lastPoll = c.cfg.Now()
	for id, ep := range c.own {
		if ep <= startEpoch {
			delete(c.own, id)
		}
	}
	liveOwn := c.liveOwnLocked()
	for id, ep := range c.released {
		if ep <= startEpoch && !liveOwn[id] {
			delete(c.released, id)
		}
	}
	notices := c.settleLocked()
	c.mu.Unlock()

	c.publish(notices)
	c.changed()
	return nil
}

// OnEvent implements livechannel.Listener.
func (c *Controller) OnEvent(e livechannel.Event) {
	var notices []Notice
	c.mu.Lock()
	switch ev := e.(type) {
	case livechannel.InitialData:
		// a fresh snapshot replaces any frame still in flight
		c.cancelAck = map[uint64]uint64{}
		c.pruneReleasedLocked()
	case livechannel.SeatsReleased:
		c.releasedLocked(ev.SeatIDs, ev.SessionID)
	case livechannel.SeatUpdated:
		if ev.Status == model.StatusCancelled || ev.Status == model.StatusReleased {
			c.releasedLocked([]uint64{ev.SeatID}, ev.SessionID)
		}
	case livechannel.StatusChanged:
		switch ev.Status {
		case livechannel.StatusGaveUp:
			if !c.gaveUp {
				c.gaveUp = true
				notices = append(notices, Notice{Kind: NoticeLiveUnavailable})
			}
		case livechannel.StatusConnected:
			if c.gaveUp {
				c.gaveUp = false
				notices = append(notices, Notice{Kind: NoticeLiveRestored})
			}
		}
	}
	notices = append(notices, c.settleLocked()...)
	c.mu.Unlock()

	c.publish(notices)
	c.changed()
}

// hold creates holds for seats and folds the outcome into local state.
func (c *Controller) hold(ctx context.Context, seats []model.Seat) (BatchResult, error) {
	res := BatchResult{Rejected: map[string]error{}}
	ids := c.begin(seats)
	if len(ids) == 0 {
		return res, ErrInFlight
	}

	results, err := c.gw.CreateReservations(ctx, c.cfg.ShowtimeID, ids)

	c.mu.Lock()
	c.endLocked(ids)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, gateway.ErrUnknownOutcome) {
			c.log.Warn().Err(err).Msg("hold outcome unknown; refetching")
			if rerr := c.Refresh(ctx); rerr != nil {
				c.log.Warn().Err(rerr).Msg("refetch after unknown outcome failed")
			}
		}
		return res, fmt.Errorf("hold seats: %w", err)
	}

	byID := make(map[uint64]model.Seat, len(seats))
	for _, s := range seats {
		byID[s.ID] = s
	}
	var notices []Notice
	c.epoch++
	for _, r := range results {
		s, ok := byID[r.SeatID]
		if !ok {
			continue
		}
		c.deselectLocked(s)
		if r.OK {
			c.own[s.ID] = c.epoch
			c.holdAck[s.ID] = c.epoch
			delete(c.released, s.ID)
			delete(c.warned, s.ID)
			res.Held = append(res.Held, s.Code)
			continue
		}
		rej := rejection(r.Reason)
		res.Rejected[s.Code] = rej
		notices = append(notices, Notice{Kind: NoticeSeatRejected, SeatCode: s.Code, Err: rej})
	}
	notices = append(notices, c.settleLocked()...)
	c.mu.Unlock()

	sort.Strings(res.Held)
	c.publish(notices)
	if len(res.Rejected) > 0 {
		// learn who took the rejected seats
		if err := c.Refresh(ctx); err != nil {
			c.log.Warn().Err(err).Msg("refetch after rejection failed")
		}
		return res, nil
	}
	c.changed()
	return res, nil
}

// release cancels holds.  Every requested seat counts as released on
// success, whether or not the store still had it.
func (c *Controller) release(ctx context.Context, seats []model.Seat) error {
	ids := c.begin(seats)
	if len(ids) == 0 {
		return ErrInFlight
	}

	cancelled, err := c.gw.CancelReservations(ctx, c.cfg.ShowtimeID, ids)

	c.mu.Lock()
	c.endLocked(ids)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, gateway.ErrUnknownOutcome) {
			if rerr := c.Refresh(ctx); rerr != nil {
				c.log.Warn().Err(rerr).Msg("refetch after unknown outcome failed")
			}
		}
		return fmt.Errorf("release seats: %w", err)
	}
	c.epoch++
	gone := make(map[uint64]bool, len(cancelled))
	for _, id := range cancelled {
		gone[id] = true
	}
	var done []uint64
	kept := false
	for _, id := range ids {
		if !gone[id] {
			// the store had nothing pending to cancel; if we thought it was
			// ours, it was confirmed or expired meanwhile
			if _, was := c.lastHeld[id]; was {
				kept = true
			}
			continue
		}
		delete(c.own, id)
		delete(c.warned, id)
		c.released[id] = c.epoch
		c.cancelAck[id] = c.epoch
		done = append(done, id)
	}
	c.dropListedLocked(done, c.cfg.SessionID)
	notices := c.settleLocked()
	c.mu.Unlock()

	c.publish(notices)
	if kept {
		if err := c.Refresh(ctx); err != nil {
			c.log.Warn().Err(err).Msg("refetch after partial release failed")
		}
		return nil
	}
	c.changed()
	return nil
}

// releasedLocked applies a live release of ids.  A release naming the
// viewer that answers a cancel acknowledged before the viewer's latest hold
// on the seat is late: the newer hold stands and the gateway list is
// refetched on the next tick instead.
func (c *Controller) releasedLocked(ids []uint64, owner string) {
	var gone []uint64
	for _, id := range ids {
		if c.lateReleaseLocked(id, owner) {
			c.refetch = true
			continue
		}
		delete(c.own, id)
		delete(c.released, id)
		gone = append(gone, id)
	}
	c.dropListedLocked(gone, "")
}

func (c *Controller) lateReleaseLocked(id uint64, owner string) bool {
	if owner != "" && owner != c.cfg.SessionID {
		return false
	}
	at, ok := c.cancelAck[id]
	if !ok {
		return false
	}
	delete(c.cancelAck, id)
	return c.holdAck[id] > at
}

// begin marks seats in flight and returns their ids, skipping seats
// that already have a request running.
func (c *Controller) begin(seats []model.Seat) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(seats))
	for _, s := range seats {
		if c.inFlight[s.ID] {
			continue
		}
		c.inFlight[s.ID] = true
		ids = append(ids, s.ID)
	}
	return ids
}

func (c *Controller) endLocked(ids []uint64) {
	for _, id := range ids {
		delete(c.inFlight, id)
	}
}

func (c *Controller) selectedLocked(s model.Seat) bool {
	for _, code := range s.Codes() {
		if c.selected[code] {
			return true
		}
	}
	return false
}

func (c *Controller) deselectLocked(s model.Seat) {
	for _, code := range s.Codes() {
		delete(c.selected, code)
	}
}

// dropListedLocked removes gateway list entries for ids that a later
// release superseded.  An empty owner matches every session.
func (c *Controller) dropListedLocked(ids []uint64, owner string) {
	gone := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		gone[id] = true
	}
	kept := make([]model.Reservation, 0, len(c.gwList))
	for _, r := range c.gwList {
		if gone[r.SeatID] && (owner == "" || r.SessionID == owner) {
			continue
		}
		kept = append(kept, r)
	}
	c.gwList = kept
}

// liveReservedLocked returns the live list while the channel is connected.
// A channel that is down has nothing current to say, so the gateway list
// takes over.
func (c *Controller) liveReservedLocked() []model.Reservation {
	if c.live == nil || c.live.Status() != livechannel.StatusConnected {
		return nil
	}
	return c.live.Reserved()
}

func (c *Controller) liveOwnLocked() map[uint64]bool {
	out := map[uint64]bool{}
	for _, r := range c.liveReservedLocked() {
		if r.SessionID == c.cfg.SessionID {
			out[r.SeatID] = true
		}
	}
	return out
}

// pruneReleasedLocked forgets releases the live list no longer contradicts.
func (c *Controller) pruneReleasedLocked() {
	liveOwn := c.liveOwnLocked()
	for id := range c.released {
		if !liveOwn[id] {
			delete(c.released, id)
		}
	}
}

func (c *Controller) mergeLocked() reconcile.Result {
	own := make(map[uint64]bool, len(c.own))
	for id := range c.own {
		own[id] = true
	}
	released := make(map[uint64]bool, len(c.released))
	for id := range c.released {
		released[id] = true
	}
	return reconcile.Merge(reconcile.Inputs{
		SessionID: c.cfg.SessionID,
		Seats:     c.seats,
		Gateway:   c.gwList,
		Live:      c.liveReservedLocked(),
		Selected:  c.selected,
		OwnHolds:  own,
		Released:  released,
	})
}

// heldLocked returns the seats currently shown as held by the viewer.
func (c *Controller) heldLocked() map[uint64]model.Seat {
	out := map[uint64]model.Seat{}
	for _, sv := range c.mergeLocked().Seats() {
		if sv.View == reconcile.HeldByMe {
			out[sv.Seat.ID] = sv.Seat
		}
	}
	return out
}

// settleLocked records which seats the viewer now holds.  Seats that were
// held at the previous settle and no longer are, without a release from
// this viewer, are deselected and reported as lost.
func (c *Controller) settleLocked() []Notice {
	after := c.heldLocked()
	var notices []Notice
	for id, s := range c.lastHeld {
		if _, still := after[id]; still {
			continue
		}
		delete(c.warned, id)
		if _, mine := c.released[id]; mine {
			continue
		}
		c.deselectLocked(s)
		notices = append(notices, Notice{Kind: NoticeHoldLost, SeatCode: s.Code})
	}
	c.lastHeld = after
	sort.Slice(notices, func(i, j int) bool { return notices[i].SeatCode < notices[j].SeatCode })
	return notices
}

// expiringLocked reports holds entering the warning window, once each.
func (c *Controller) expiringLocked(now time.Time) []Notice {
	if c.cfg.ExpiryWarning <= 0 {
		return nil
	}
	var notices []Notice
	for _, sv := range c.mergeLocked().Seats() {
		if sv.View != reconcile.HeldByMe || sv.ExpiresAt == nil || c.warned[sv.Seat.ID] {
			continue
		}
		if sv.ExpiresAt.Sub(now) <= c.cfg.ExpiryWarning {
			c.warned[sv.Seat.ID] = true
			notices = append(notices, Notice{Kind: NoticeExpiringSoon, SeatCode: sv.Seat.Code, ExpiresAt: sv.ExpiresAt})
		}
	}
	return notices
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(c.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.tick(ctx)
		}
	}
}

// tick emits expiry warnings and, while live updates are unavailable,
// polls the gateway every PollInterval.  A late live release forces a
// refetch on the next tick.
func (c *Controller) tick(ctx context.Context) {
	now := c.cfg.Now()
	c.mu.Lock()
	notices := c.expiringLocked(now)
	poll := c.live == nil || c.live.Status() == livechannel.StatusGaveUp
	due := now.Sub(c.lastPoll) >= c.cfg.PollInterval
	refetch := c.refetch
	c.mu.Unlock()
	c.publish(notices)

	if refetch || (poll && due) {
		if err := c.Refresh(ctx); err != nil {
			c.log.Warn().Err(err).Msg("poll failed")
		}
	}
}

func (c *Controller) publish(notices []Notice) {
	if c.cfg.OnNotice == nil {
		return
	}
	for _, n := range notices {
		c.cfg.OnNotice(n)
	}
}

func (c *Controller) changed() {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange()
	}
}
