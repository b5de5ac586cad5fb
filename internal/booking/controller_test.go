package booking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cinema-seat-live/internal/gateway"
	"github.com/iliyamo/cinema-seat-live/internal/livechannel"
	"github.com/iliyamo/cinema-seat-live/internal/model"
	"github.com/iliyamo/cinema-seat-live/internal/reconcile"
)

type mockGateway struct{ mock.Mock }

func (m *mockGateway) ListSeats(ctx context.Context, roomID uint64) ([]model.Seat, error) {
	args := m.Called(ctx, roomID)
	return args.Get(0).([]model.Seat), args.Error(1)
}

func (m *mockGateway) ListReservedSeats(ctx context.Context, showtimeID uint64) ([]model.Reservation, error) {
	args := m.Called(ctx, showtimeID)
	return args.Get(0).([]model.Reservation), args.Error(1)
}

func (m *mockGateway) CreateReservations(ctx context.Context, showtimeID uint64, seatIDs []uint64) ([]model.HoldResult, error) {
	args := m.Called(ctx, showtimeID, seatIDs)
	return args.Get(0).([]model.HoldResult), args.Error(1)
}

func (m *mockGateway) CancelReservations(ctx context.Context, showtimeID uint64, seatIDs []uint64) ([]uint64, error) {
	args := m.Called(ctx, showtimeID, seatIDs)
	return args.Get(0).([]uint64), args.Error(1)
}

type mockPayment struct{ mock.Mock }

func (m *mockPayment) StartPayment(ctx context.Context, h Handoff) error {
	return m.Called(ctx, h).Error(0)
}

type fakeLive struct {
	mu        sync.Mutex
	status    livechannel.Status
	reserved  []model.Reservation
	connected []string
}

func (f *fakeLive) Connect(showtimeID uint64, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, fmt.Sprintf("%d/%s", showtimeID, sessionID))
}

func (f *fakeLive) Disconnect() {}

func (f *fakeLive) Status() livechannel.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeLive) Reserved() []model.Reservation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Reservation(nil), f.reserved...)
}

func (f *fakeLive) setStatus(s livechannel.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeLive) set(list ...model.Reservation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserved = list
}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *noticeLog) add(x Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, x)
}

func (n *noticeLog) kinds(k NoticeKind) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, x := range n.notices {
		if x.Kind == k {
			out = append(out, x.SeatCode)
		}
	}
	return out
}

const anyArg = mock.Anything

func room10() []model.Seat {
	return []model.Seat{
		{ID: 1, RoomID: 10, Code: "A1", Type: model.SeatTypeRegular, IsAvailable: true},
		{ID: 2, RoomID: 10, Code: "A2", Type: model.SeatTypeRegular, IsAvailable: false},
		{ID: 3, RoomID: 10, Code: "A3", Type: model.SeatTypeRegular, IsAvailable: true},
		{ID: 4, RoomID: 10, Code: "A4", Type: model.SeatTypeRegular, IsAvailable: true},
	}
}

func pending(seatID uint64, session string) model.Reservation {
	return model.Reservation{SeatID: seatID, ShowtimeID: 5, SessionID: session, Status: model.StatusPending}
}

func confirmed(seatID uint64, session string) model.Reservation {
	return model.Reservation{SeatID: seatID, ShowtimeID: 5, SessionID: session, Status: model.StatusConfirmed}
}

type harness struct {
	c       *Controller
	gw      *mockGateway
	live    *fakeLive
	pay     *mockPayment
	notices *noticeLog
}

func start(t *testing.T, cfg Config, initial []model.Reservation) harness {
	t.Helper()
	gw := &mockGateway{}
	live := &fakeLive{status: livechannel.StatusConnected}
	pay := &mockPayment{}
	log := &noticeLog{}
	gw.On("ListSeats", anyArg, uint64(10)).Return(room10(), nil).Once()
	gw.On("ListReservedSeats", anyArg, uint64(5)).Return(initial, nil).Once()

	if cfg.SessionID == "" {
		cfg.SessionID = "s1"
	}
	cfg.ShowtimeID, cfg.RoomID = 5, 10
	cfg.TickInterval = time.Hour
	cfg.OnNotice = log.add
	c := New(cfg, gw, live, pay)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	return harness{c: c, gw: gw, live: live, pay: pay, notices: log}
}

func TestScenario_InventoryOnly(t *testing.T) {
	h := start(t, Config{}, nil)
	assert.Equal(t, reconcile.Free, h.c.Status("A1"))
	assert.Equal(t, reconcile.Unavailable, h.c.Status("A2"))
	assert.Equal(t, reconcile.Unavailable, h.c.Status("Z9"), "unknown codes cannot be booked")
	assert.Equal(t, []string{"5/s1"}, h.live.connected)
}

func TestScenario_HoldIsOptimisticThenConfirmedByLive(t *testing.T) {
	h := start(t, Config{}, nil)
	h.gw.On("CreateReservations", anyArg, uint64(5), []uint64{1}).
		Return([]model.HoldResult{{SeatID: 1, OK: true}}, nil).Once()

	require.NoError(t, h.c.Toggle(context.Background(), "A1"))
	assert.Equal(t, reconcile.HeldByMe, h.c.Status("A1"))

	h.live.set(pending(1, "s1"))
	h.c.OnEvent(livechannel.SeatsReserved{SeatIDs: []uint64{1}, SessionID: "s1"})
	assert.Equal(t, reconcile.HeldByMe, h.c.Status("A1"))
	assert.Empty(t, h.notices.kinds(NoticeHoldLost))
}

func TestScenario_OtherSessionsSeatRejectedWithoutNetwork(t *testing.T) {
	h := start(t, Config{SessionID: "s2"}, nil)
	h.live.set(pending(1, "s1"))
	h.c.OnEvent(livechannel.SeatsReserved{SeatIDs: []uint64{1}, SessionID: "s1"})

	assert.Equal(t, reconcile.OccupiedByOthers, h.c.Status("A1"))
	assert.ErrorIs(t, h.c.Toggle(context.Background(), "A1"), ErrSeatTaken)
	assert.ErrorIs(t, h.c.Toggle(context.Background(), "A2"), ErrSeatUnavailable)
	h.gw.AssertNotCalled(t, "CreateReservations", anyArg, anyArg, anyArg)
	h.gw.AssertNotCalled(t, "CancelReservations", anyArg, anyArg, anyArg)
}

func TestBatch_PartialFailure(t *testing.T) {
	h := start(t, Config{BatchMode: true}, nil)
	ctx := context.Background()
	for _, code := range []string{"A1", "A3", "A4"} {
		require.NoError(t, h.c.Toggle(ctx, code))
		assert.Equal(t, reconcile.Selected, h.c.Status(code))
	}
	h.gw.AssertNotCalled(t, "CreateReservations", anyArg, anyArg, anyArg)

	h.gw.On("CreateReservations", anyArg, uint64(5), []uint64{1, 3, 4}).Return([]model.HoldResult{
		{SeatID: 1, OK: true},
		{SeatID: 3, OK: false, Reason: model.ReasonAlreadyHeld},
		{SeatID: 4, OK: true},
	}, nil).Once()
	h.gw.On("ListReservedSeats", anyArg, uint64(5)).
		Return([]model.Reservation{pending(1, "s1"), pending(3, "s2"), pending(4, "s1")}, nil).Once()

	res, err := h.c.HoldSelected(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "A4"}, res.Held)
	assert.ErrorIs(t, res.Rejected["A3"], ErrSeatTaken)

	assert.Equal(t, reconcile.HeldByMe, h.c.Status("A1"))
	assert.Equal(t, reconcile.HeldByMe, h.c.Status("A4"))
	assert.Equal(t, reconcile.OccupiedByOthers, h.c.Status("A3"))
	assert.Equal(t, []string{"A3"}, h.notices.kinds(NoticeSeatRejected))
	h.gw.AssertExpectations(t)
}

func TestToggle_SelectedDeselectsWithoutNetwork(t *testing.T) {
	h := start(t, Config{BatchMode: true}, nil)
	require.NoError(t, h.c.Toggle(context.Background(), "A1"))
	require.NoError(t, h.c.Toggle(context.Background(), "A1"))
	assert.Equal(t, reconcile.Free, h.c.Status("A1"))
	h.gw.AssertNotCalled(t, "CreateReservations", anyArg, anyArg, anyArg)
}

func TestRelease_IsIdempotent(t *testing.T) {
	h := start(t, Config{}, []model.Reservation{pending(1, "s1")})
	h.live.set(pending(1, "s1"))
	h.gw.On("CancelReservations", anyArg, uint64(5), []uint64{1}).Return([]uint64{1}, nil).Once()
	h.gw.On("CancelReservations", anyArg, uint64(5), []uint64{1}).Return([]uint64{}, nil).Once()

	require.NoError(t, h.c.Release(context.Background(), "A1"))
	assert.Equal(t, reconcile.Free, h.c.Status("A1"), "stale own live entry is suppressed")
	require.NoError(t, h.c.Release(context.Background(), "A1"))
	assert.Equal(t, reconcile.Free, h.c.Status("A1"))

	h.live.set()
	h.c.OnEvent(livechannel.SeatsReleased{SeatIDs: []uint64{1}, SessionID: "s1", Reason: model.ReleaseCancelled})
	assert.Equal(t, reconcile.Free, h.c.Status("A1"))
	assert.Empty(t, h.notices.kinds(NoticeHoldLost), "a deliberate release is not a lost hold")
	h.gw.AssertExpectations(t)
}

func TestToggle_HeldByMeReleases(t *testing.T) {
	h := start(t, Config{}, []model.Reservation{pending(1, "s1")})
	h.gw.On("CancelReservations", anyArg, uint64(5), []uint64{1}).Return([]uint64{1}, nil).Once()

	require.NoError(t, h.c.Toggle(context.Background(), "A1"))
	assert.Equal(t, reconcile.Free, h.c.Status("A1"))
}

func TestRelease_PaidSeatIsRejectedWithoutNetwork(t *testing.T) {
	h := start(t, Config{}, []model.Reservation{confirmed(1, "s1")})
	h.live.set(confirmed(1, "s1"))

	assert.ErrorIs(t, h.c.Toggle(context.Background(), "A1"), ErrSeatPaid)
	assert.ErrorIs(t, h.c.Release(context.Background(), "A1"), ErrSeatPaid)
	sv, ok := h.c.View().ByCode("A1")
	require.True(t, ok)
	assert.Equal(t, reconcile.HeldByMe, sv.View)
	assert.Equal(t, model.StatusConfirmed, sv.Status)
	h.gw.AssertNotCalled(t, "CancelReservations", anyArg, anyArg, anyArg)
}

func TestRelease_OnlyCancelledSeatsAreFreed(t *testing.T) {
	// payment confirmed the hold after the view was last refreshed
	h := start(t, Config{}, []model.Reservation{pending(1, "s1")})
	h.gw.On("CancelReservations", anyArg, uint64(5), []uint64{1}).Return([]uint64{}, nil).Once()
	h.gw.On("ListReservedSeats", anyArg, uint64(5)).Return([]model.Reservation{confirmed(1, "s1")}, nil).Once()

	require.NoError(t, h.c.Release(context.Background(), "A1"))
	sv, ok := h.c.View().ByCode("A1")
	require.True(t, ok)
	assert.Equal(t, reconcile.HeldByMe, sv.View, "the store kept the seat")
	assert.Equal(t, model.StatusConfirmed, sv.Status)
	assert.Empty(t, h.notices.kinds(NoticeHoldLost))
	h.gw.AssertExpectations(t)
}

func TestRelease_LateFrameKeepsNewerHold(t *testing.T) {
	h := start(t, Config{}, nil)
	ctx := context.Background()
	h.gw.On("CreateReservations", anyArg, uint64(5), []uint64{1}).
		Return([]model.HoldResult{{SeatID: 1, OK: true}}, nil).Twice()
	h.gw.On("CancelReservations", anyArg, uint64(5), []uint64{1}).Return([]uint64{1}, nil).Once()

	require.NoError(t, h.c.Toggle(ctx, "A1"))
	require.NoError(t, h.c.Toggle(ctx, "A1"))
	assert.Equal(t, reconcile.Free, h.c.Status("A1"))
	require.NoError(t, h.c.Toggle(ctx, "A1"))
	assert.Equal(t, reconcile.HeldByMe, h.c.Status("A1"))

	// the first cancel's frame arrives after the seat was held again
	h.c.OnEvent(livechannel.SeatsReleased{SeatIDs: []uint64{1}, SessionID: "s1", Reason: model.ReleaseCancelled})
	assert.Equal(t, reconcile.HeldByMe, h.c.Status("A1"))
	assert.Empty(t, h.notices.kinds(NoticeHoldLost))

	h.gw.On("ListReservedSeats", anyArg, uint64(5)).Return([]model.Reservation{pending(1, "s1")}, nil).Once()
	h.c.tick(ctx)
	assert.Equal(t, reconcile.HeldByMe, h.c.Status("A1"))
	assert.Empty(t, h.notices.kinds(NoticeHoldLost))
	h.gw.AssertExpectations(t)
}

func TestHold_UnknownOutcomeRefetches(t *testing.T) {
	h := start(t, Config{}, nil)
	h.gw.On("CreateReservations", anyArg, uint64(5), []uint64{1}).
		Return([]model.HoldResult(nil), fmt.Errorf("%w: timeout", gateway.ErrUnknownOutcome)).Once()
	h.gw.On("ListReservedSeats", anyArg, uint64(5)).Return([]model.Reservation{pending(1, "s1")}, nil).Once()
	h.live.setStatus(livechannel.StatusReconnecting)

	err := h.c.Toggle(context.Background(), "A1")
	assert.ErrorIs(t, err, gateway.ErrUnknownOutcome)
	assert.Equal(t, reconcile.HeldByMe, h.c.Status("A1"), "refetched list is authoritative")
	h.gw.AssertExpectations(t)
}

func TestHold_GatewayFailureLeavesSeatFree(t *testing.T) {
	h := start(t, Config{}, nil)
	h.gw.On("CreateReservations", anyArg, uint64(5), []uint64{1}).
		Return([]model.HoldResult(nil), &gateway.Error{Status: 400, Reason: "bad"}).Once()

	assert.Error(t, h.c.Toggle(context.Background(), "A1"))
	assert.Equal(t, reconcile.Free, h.c.Status("A1"))
}

func TestHoldLost_OnLiveExpiry(t *testing.T) {
	h := start(t, Config{}, nil)
	h.gw.On("CreateReservations", anyArg, uint64(5), []uint64{1}).
		Return([]model.HoldResult{{SeatID: 1, OK: true}}, nil).Once()
	require.NoError(t, h.c.Toggle(context.Background(), "A1"))
	h.live.set(pending(1, "s1"))
	h.c.OnEvent(livechannel.SeatsReserved{SeatIDs: []uint64{1}, SessionID: "s1"})

	h.live.set()
	h.c.OnEvent(livechannel.SeatsReleased{SeatIDs: []uint64{1}, SessionID: "s1", Reason: model.ReleaseExpired})

	assert.Equal(t, reconcile.Free, h.c.Status("A1"))
	assert.Equal(t, []string{"A1"}, h.notices.kinds(NoticeHoldLost))
}

func TestExpiryWarning_OncePerHold(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(30 * time.Second)
	own := pending(1, "s1")
	own.ExpiresAt = &exp
	h := start(t, Config{ExpiryWarning: time.Minute, Now: func() time.Time { return now }}, []model.Reservation{own})
	h.live.setStatus(livechannel.StatusReconnecting)

	h.c.tick(context.Background())
	h.c.tick(context.Background())

	assert.Equal(t, []string{"A1"}, h.notices.kinds(NoticeExpiringSoon))
	assert.Equal(t, reconcile.HeldByMe, h.c.Status("A1"), "warning does not change state")
}

func TestPollFallback_AfterGiveUp(t *testing.T) {
	now := time.Now()
	clock := &now
	h := start(t, Config{PollInterval: time.Minute, Now: func() time.Time { return *clock }}, nil)
	h.live.setStatus(livechannel.StatusGaveUp)
	h.c.OnEvent(livechannel.StatusChanged{Status: livechannel.StatusGaveUp, Attempt: 5})
	assert.Len(t, h.notices.kinds(NoticeLiveUnavailable), 1)

	h.c.tick(context.Background())
	h.gw.AssertNumberOfCalls(t, "ListReservedSeats", 1)

	later := now.Add(2 * time.Minute)
	clock = &later
	h.gw.On("ListReservedSeats", anyArg, uint64(5)).Return([]model.Reservation{pending(3, "s9")}, nil).Once()
	h.c.tick(context.Background())
	h.gw.AssertNumberOfCalls(t, "ListReservedSeats", 2)
	assert.Equal(t, reconcile.OccupiedByOthers, h.c.Status("A3"))

	h.live.setStatus(livechannel.StatusConnected)
	h.c.OnEvent(livechannel.StatusChanged{Status: livechannel.StatusConnected})
	assert.Len(t, h.notices.kinds(NoticeLiveRestored), 1)
}

func TestCheckout_HandsHeldSeatsToPayment(t *testing.T) {
	h := start(t, Config{BatchMode: true}, nil)
	ctx := context.Background()
	require.NoError(t, h.c.Toggle(ctx, "A1"))
	require.NoError(t, h.c.Toggle(ctx, "A3"))
	h.gw.On("CreateReservations", anyArg, uint64(5), []uint64{1, 3}).
		Return([]model.HoldResult{{SeatID: 1, OK: true}, {SeatID: 3, OK: true}}, nil).Once()
	h.pay.On("StartPayment", anyArg, mock.MatchedBy(func(x Handoff) bool {
		return x.SessionID == "s1" && x.ShowtimeID == 5 && len(x.Seats) == 2 && x.Seats[0].Code == "A1" && x.Seats[1].Code == "A3"
	})).Return(nil).Once()

	res, err := h.c.Checkout(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A1", "A3"}, res.Held)
	h.pay.AssertExpectations(t)
}

func TestCheckout_IncompleteHoldSkipsPayment(t *testing.T) {
	h := start(t, Config{BatchMode: true}, nil)
	ctx := context.Background()
	require.NoError(t, h.c.Toggle(ctx, "A1"))
	h.gw.On("CreateReservations", anyArg, uint64(5), []uint64{1}).
		Return([]model.HoldResult{{SeatID: 1, OK: false, Reason: model.ReasonAlreadyHeld}}, nil).Once()
	h.gw.On("ListReservedSeats", anyArg, uint64(5)).Return([]model.Reservation{pending(1, "s2")}, nil).Once()

	_, err := h.c.Checkout(ctx)
	assert.ErrorIs(t, err, ErrIncompleteHold)
	h.pay.AssertNotCalled(t, "StartPayment", anyArg, anyArg)
}

func TestCheckout_NothingSelected(t *testing.T) {
	h := start(t, Config{BatchMode: true}, nil)
	_, err := h.c.Checkout(context.Background())
	assert.ErrorIs(t, err, ErrNothingSelected)
}

func TestCheckout_PaidSeatsAreNotHandedOff(t *testing.T) {
	h := start(t, Config{BatchMode: true}, []model.Reservation{confirmed(1, "s1")})
	ctx := context.Background()
	require.NoError(t, h.c.Toggle(ctx, "A3"))
	h.gw.On("CreateReservations", anyArg, uint64(5), []uint64{3}).
		Return([]model.HoldResult{{SeatID: 3, OK: true}}, nil).Once()
	h.pay.On("StartPayment", anyArg, mock.MatchedBy(func(x Handoff) bool {
		return len(x.Seats) == 1 && x.Seats[0].Code == "A3"
	})).Return(nil).Once()

	_, err := h.c.Checkout(ctx)
	require.NoError(t, err)
	h.pay.AssertExpectations(t)
}

func TestCheckout_OnlyPaidSeatsLeft(t *testing.T) {
	h := start(t, Config{BatchMode: true}, []model.Reservation{confirmed(1, "s1")})
	_, err := h.c.Checkout(context.Background())
	assert.ErrorIs(t, err, ErrNothingSelected)
	h.pay.AssertNotCalled(t, "StartPayment", anyArg, anyArg)
}
