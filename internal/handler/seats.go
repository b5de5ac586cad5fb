package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/cinema-seat-live/internal/repository"
)

// SeatHandler serves the seat inventory of a room.  Responses are cached in
// Redis by the inventory cache middleware when it is enabled.
type SeatHandler struct {
	Seats *repository.SeatRepo
}

// ListByRoom handles GET /v1/rooms/:id/seats.  An unknown room yields an
// empty list.
func (h *SeatHandler) ListByRoom(c echo.Context) error {
	roomID, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid room id"})
	}
	seats, err := h.Seats.ListByRoom(c.Request().Context(), roomID)
	if err != nil {
		log.Error().Err(err).Uint64("room_id", roomID).Msg("list seats")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	return c.JSON(http.StatusOK, echo.Map{"items": seats})
}
