package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cinema-seat-live/internal/model"
	"github.com/iliyamo/cinema-seat-live/internal/queue"
	"github.com/iliyamo/cinema-seat-live/internal/repository"
)

type capturePublisher struct {
	mu   sync.Mutex
	msgs []model.LiveMessage
}

func (c *capturePublisher) Publish(_ context.Context, showtimeID uint64, msg model.LiveMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg.ShowtimeID = showtimeID
	c.msgs = append(c.msgs, msg)
	return nil
}

type captureNotifier struct {
	events []queue.SeatActivityEvent
}

func (c *captureNotifier) Notify(ev queue.SeatActivityEvent) { c.events = append(c.events, ev) }

type fixture struct {
	h    *ReservationHandler
	mock sqlmock.Sqlmock
	pub  *capturePublisher
	act  *captureNotifier
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	pub := &capturePublisher{}
	act := &captureNotifier{}
	return fixture{
		h:    &ReservationHandler{Holds: repository.NewHoldRepo(db), Live: pub, Activity: act, HoldTTL: 5 * time.Minute},
		mock: mock,
		pub:  pub,
		act:  act,
	}
}

func call(t *testing.T, method, body string, session string, fn echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, "/v1/showtimes/5/reservations", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("5")
	c.Set("session_id", session)
	require.NoError(t, fn(c))
	return rec
}

var expireCols = []string{"id", "seat_id", "showtime_id", "session_id", "expires_at"}

func TestCreate_PartialFailure(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT id, seat_id, showtime_id, session_id, expires_at").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(expireCols))
	f.mock.ExpectQuery("SELECT id, is_available FROM seats").
		WithArgs(1, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "is_available"}).AddRow(1, true).AddRow(2, true))
	f.mock.ExpectQuery("SELECT seat_id, session_id, expires_at FROM seat_reservations").
		WithArgs(5, 1, 2).
		WillReturnRows(sqlmock.NewRows([]string{"seat_id", "session_id", "expires_at"}).
			AddRow(2, "s2", time.Now().Add(time.Minute)))
	f.mock.ExpectExec("INSERT INTO seat_reservations").
		WithArgs(5, 1, "s1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectCommit()

	rec := call(t, http.MethodPost, `{"seat_ids":[1,2,2]}`, "s1", f.h.Create)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var resp struct {
		Results []model.HoldResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].OK)
	assert.False(t, resp.Results[1].OK)
	assert.Equal(t, model.ReasonAlreadyHeld, resp.Results[1].Reason)

	require.Len(t, f.pub.msgs, 1)
	assert.Equal(t, model.EventSeatsReserved, f.pub.msgs[0].Type)
	assert.Equal(t, []uint64{1}, f.pub.msgs[0].SeatIDs)
	assert.Equal(t, "s1", f.pub.msgs[0].SessionID)
	require.Len(t, f.act.events, 1)
	assert.Equal(t, queue.ActivityReserved, f.act.events[0].Kind)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreate_ExpiredReleasedBeforeReserved(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Second)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT id, seat_id, showtime_id, session_id, expires_at").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(expireCols).AddRow(40, 1, 5, "s2", past))
	f.mock.ExpectExec("UPDATE seat_reservations SET status = 'cancelled'").
		WithArgs(40).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery("SELECT id, is_available FROM seats").
		WillReturnRows(sqlmock.NewRows([]string{"id", "is_available"}).AddRow(1, true))
	f.mock.ExpectQuery("SELECT seat_id, session_id, expires_at FROM seat_reservations").
		WillReturnRows(sqlmock.NewRows([]string{"seat_id", "session_id", "expires_at"}))
	f.mock.ExpectExec("INSERT INTO seat_reservations").
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectCommit()

	rec := call(t, http.MethodPost, `{"seat_ids":[1]}`, "s1", f.h.Create)

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.pub.msgs, 2)
	assert.Equal(t, model.EventSeatsReleased, f.pub.msgs[0].Type)
	assert.Equal(t, model.ReleaseExpired, f.pub.msgs[0].Reason)
	assert.Equal(t, "s2", f.pub.msgs[0].SessionID)
	assert.Equal(t, model.EventSeatsReserved, f.pub.msgs[1].Type)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreate_RejectsEmptyBody(t *testing.T) {
	f := newFixture(t)
	rec := call(t, http.MethodPost, `{"seat_ids":[0]}`, "s1", f.h.Create)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.pub.msgs)
}

func TestCancel_RepeatIsNoop(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT id, seat_id FROM seat_reservations").
		WithArgs(5, "s1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "seat_id"}))
	f.mock.ExpectCommit()

	rec := call(t, http.MethodDelete, `{"seat_ids":[1]}`, "s1", f.h.Cancel)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"released":[]}`, rec.Body.String())
	assert.Empty(t, f.pub.msgs)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCancel_PublishesRelease(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT id, seat_id FROM seat_reservations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "seat_id"}).AddRow(70, 1))
	f.mock.ExpectExec("UPDATE seat_reservations SET status = 'cancelled'").
		WithArgs(70).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	rec := call(t, http.MethodDelete, `{"seat_ids":[1]}`, "s1", f.h.Cancel)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.pub.msgs, 1)
	assert.Equal(t, model.EventSeatsReleased, f.pub.msgs[0].Type)
	assert.Equal(t, model.ReleaseCancelled, f.pub.msgs[0].Reason)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestConfirm_NothingHeld(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT id, seat_id FROM seat_reservations").
		WithArgs(5, "s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "seat_id"}))
	f.mock.ExpectRollback()

	rec := call(t, http.MethodPost, ``, "s1", f.h.Confirm)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, f.act.events)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestConfirm_PublishesSeatUpdates(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT id, seat_id FROM seat_reservations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "seat_id"}).AddRow(80, 1).AddRow(81, 2))
	f.mock.ExpectExec("UPDATE seat_reservations SET status = 'confirmed'").
		WithArgs(80, 81).
		WillReturnResult(sqlmock.NewResult(0, 2))
	f.mock.ExpectCommit()

	rec := call(t, http.MethodPost, ``, "s1", f.h.Confirm)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.pub.msgs, 2)
	assert.Equal(t, model.EventSeatUpdate, f.pub.msgs[0].Type)
	assert.Equal(t, model.StatusConfirmed, f.pub.msgs[0].Status)
	require.Len(t, f.act.events, 1)
	assert.Equal(t, queue.ConfirmedQueue, f.act.events[0].RoutingKey())
}

func TestList_ReturnsItems(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery("SELECT seat_id, showtime_id, session_id, status, expires_at").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"seat_id", "showtime_id", "session_id", "status", "expires_at"}).
			AddRow(1, 5, "s1", "pending", time.Now().Add(time.Minute)))

	rec := call(t, http.MethodGet, ``, "s1", f.h.List)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Items []model.Reservation `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	assert.Equal(t, model.StatusPending, resp.Items[0].Status)
}

func TestSessionCreate_IssuesToken(t *testing.T) {
	h := &SessionHandler{Secret: "s", TTL: time.Hour}
	rec := call(t, http.MethodPost, ``, "", h.Create)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var resp sessionResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.NotEmpty(t, resp.Token)
}

func TestUniqueSeatIDs(t *testing.T) {
	assert.Equal(t, []uint64{3, 1}, uniqueSeatIDs([]uint64{3, 0, 1, 3}))
}
