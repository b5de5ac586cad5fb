package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/cinema-seat-live/internal/live"
	"github.com/iliyamo/cinema-seat-live/internal/middleware"
	"github.com/iliyamo/cinema-seat-live/internal/model"
	"github.com/iliyamo/cinema-seat-live/internal/queue"
	"github.com/iliyamo/cinema-seat-live/internal/repository"
	"github.com/iliyamo/cinema-seat-live/internal/service"
)

// ReservationHandler implements the reservation gateway: listing, creating,
// cancelling and confirming holds for a showtime.  Every write runs in one
// transaction; live and activity events are published only after commit so
// viewers never see a change the store rolled back.  The session id comes
// from SessionAuth.
type ReservationHandler struct {
	Holds    *repository.HoldRepo
	Live     live.Publisher
	Activity service.ActivityNotifier
	HoldTTL  time.Duration
}

// List handles GET /v1/showtimes/:id/reservations and returns every active
// hold of the showtime.
func (h *ReservationHandler) List(c echo.Context) error {
	showtimeID, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid showtime id"})
	}
	items, err := h.Holds.ListActiveByShowtime(c.Request().Context(), showtimeID)
	if err != nil {
		log.Error().Err(err).Uint64("showtime_id", showtimeID).Msg("list reservations")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}

// Create handles POST /v1/showtimes/:id/reservations.  Each seat succeeds
// or fails on its own; the response lists a result per requested seat.
// Status is 201 when every seat was held and 409 when at least one was
// rejected.  Expired holds on the showtime are cancelled first, inside the
// same transaction, and their releases are announced before the new holds
// so the two events reach viewers in commit order.
func (h *ReservationHandler) Create(c echo.Context) error {
	sessionID := middleware.SessionID(c)
	showtimeID, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid showtime id"})
	}
	var body seatIDsReq
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	seatIDs := uniqueSeatIDs(body.SeatIDs)
	if len(seatIDs) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "seat_ids is required"})
	}

	ctx := c.Request().Context()
	tx, err := h.Holds.DB().BeginTx(ctx, nil)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to start transaction"})
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	expired, err := h.Holds.ExpireHoldsTx(ctx, tx, showtimeID)
	if err != nil {
		log.Error().Err(err).Msg("expire holds")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to cleanup expired holds"})
	}
	results, err := h.Holds.HoldSeatsTx(ctx, tx, showtimeID, sessionID, seatIDs, time.Now().UTC().Add(h.HoldTTL))
	if err != nil {
		log.Error().Err(err).Msg("hold seats")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to hold seats"})
	}
	if err := tx.Commit(); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to commit"})
	}
	committed = true

	service.AnnounceExpired(ctx, h.Live, h.Activity, expired)

	held := make([]uint64, 0, len(results))
	var expiresAt *time.Time
	for _, r := range results {
		if r.OK {
			held = append(held, r.SeatID)
			if expiresAt == nil {
				expiresAt = r.ExpiresAt
			}
		}
	}
	if len(held) > 0 {
		if err := h.Live.Publish(ctx, showtimeID, live.Reserved(sessionID, held, expiresAt)); err != nil {
			log.Warn().Err(err).Msg("live publish reserved")
		}
		h.Activity.Notify(queue.SeatActivityEvent{
			Kind: queue.ActivityReserved, ShowtimeID: showtimeID, SessionID: sessionID, SeatIDs: held, OccurredAt: time.Now().UTC(),
		})
	}

	status := http.StatusCreated
	if len(held) < len(results) {
		status = http.StatusConflict
	}
	return c.JSON(status, echo.Map{"results": results})
}

// Cancel handles DELETE /v1/showtimes/:id/reservations.  Only the caller's
// own pending holds are released; anything else is skipped, so cancelling
// twice succeeds both times.
func (h *ReservationHandler) Cancel(c echo.Context) error {
	sessionID := middleware.SessionID(c)
	showtimeID, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid showtime id"})
	}
	var body seatIDsReq
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	seatIDs := uniqueSeatIDs(body.SeatIDs)
	if len(seatIDs) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "seat_ids is required"})
	}

	ctx := c.Request().Context()
	tx, err := h.Holds.DB().BeginTx(ctx, nil)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to start transaction"})
	}
	released, err := h.Holds.CancelTx(ctx, tx, showtimeID, sessionID, seatIDs)
	if err != nil {
		_ = tx.Rollback()
		log.Error().Err(err).Msg("cancel holds")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to release seats"})
	}
	if err := tx.Commit(); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to commit"})
	}

	if len(released) > 0 {
		if err := h.Live.Publish(ctx, showtimeID, live.Released(sessionID, released, model.ReleaseCancelled)); err != nil {
			log.Warn().Err(err).Msg("live publish released")
		}
		h.Activity.Notify(queue.SeatActivityEvent{
			Kind: queue.ActivityReleased, ShowtimeID: showtimeID, SessionID: sessionID, SeatIDs: released,
			Reason: model.ReleaseCancelled, OccurredAt: time.Now().UTC(),
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"released": released})
}

// Confirm handles POST /v1/showtimes/:id/reservations/confirm.  The payment
// collaborator calls it once payment succeeds; every unexpired pending hold
// of the session becomes confirmed.  It returns 409 when the holds are gone.
func (h *ReservationHandler) Confirm(c echo.Context) error {
	sessionID := middleware.SessionID(c)
	showtimeID, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid showtime id"})
	}
	ctx := c.Request().Context()
	tx, err := h.Holds.DB().BeginTx(ctx, nil)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to start transaction"})
	}
	seats, err := h.Holds.ConfirmTx(ctx, tx, showtimeID, sessionID)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, repository.ErrNoActiveHolds) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "no active holds to confirm"})
		}
		log.Error().Err(err).Msg("confirm holds")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to confirm"})
	}
	if err := tx.Commit(); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to commit"})
	}

	for _, id := range seats {
		if err := h.Live.Publish(ctx, showtimeID, live.Confirmed(sessionID, id)); err != nil {
			log.Warn().Err(err).Msg("live publish confirmed")
		}
	}
	h.Activity.Notify(queue.SeatActivityEvent{
		Kind: queue.ActivityConfirmed, ShowtimeID: showtimeID, SessionID: sessionID, SeatIDs: seats, OccurredAt: time.Now().UTC(),
	})
	return c.JSON(http.StatusOK, echo.Map{"confirmed": seats})
}
