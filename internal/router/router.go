// Package router defines how HTTP routes are registered for the API.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-live/internal/handler"
)

// RegisterRoutes registers routes that do not require a session on the
// provided Echo instance: the health checks and session issuance.  /readyz is
// only mounted when db is non-nil.
func RegisterRoutes(e *echo.Echo, s *handler.SessionHandler, db handler.Pinger) {
	e.GET("/healthz", handler.Health)
	if db != nil {
		e.GET("/readyz", handler.Ready(db))
	}
	e.POST("/v1/sessions", s.Create)
}

// RegisterInventory exposes the seat inventory.  Layouts are public so a
// viewer can render the map before holding anything; cache is applied
// only to this group.
func RegisterInventory(e *echo.Echo, h *handler.SeatHandler, cache echo.MiddlewareFunc) {
	g := e.Group("/v1/rooms", cache)
	g.GET("/:id/seats", h.ListByRoom)
}
