package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-live/internal/handler"
	"github.com/iliyamo/cinema-seat-live/internal/middleware"
)

// RegisterReservations registers the hold lifecycle and the live channel
// under /v1/showtimes.  Every route requires a session token.  limit guards
// the write routes only; the list and the websocket upgrade are not rate
// limited.
func RegisterReservations(e *echo.Echo, h *handler.ReservationHandler, live echo.HandlerFunc, secret string, limit echo.MiddlewareFunc) {
	g := e.Group("/v1/showtimes", middleware.SessionAuth(secret))
	g.GET("/:id/reservations", h.List)
	g.POST("/:id/reservations", h.Create, limit)
	g.DELETE("/:id/reservations", h.Cancel, limit)
	g.POST("/:id/reservations/confirm", h.Confirm)
	g.GET("/:id/live", live)
}
