package middleware // middleware provides shared request processing for handlers

import (
	"net/http" // HTTP status codes for responses
	"strings"  // string utilities for prefix checking and trimming

	"github.com/labstack/echo/v4" // Echo framework used for defining middleware and handlers

	"github.com/iliyamo/cinema-seat-live/internal/utils"
)

// sessionKey is the echo context key under which the verified session id
// is stored.
const sessionKey = "session_id"

// SessionAuth returns an Echo middleware that validates a session token and
// stores its session id in the context.  The token is read from a Bearer
// Authorization header or, for websocket upgrades where browsers cannot
// set headers, from the "token" query parameter.
func SessionAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := ""
			if auth := c.Request().Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				raw = strings.TrimPrefix(auth, "Bearer ")
			} else {
				raw = c.QueryParam("token")
			}
			if raw == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing session token"})
			}
			sid, err := utils.ParseSessionToken(secret, raw)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid session token"})
			}
			c.Set(sessionKey, sid)
			return next(c)
		}
	}
}

// SessionID returns the verified session id stored by SessionAuth, or ""
// when the request was not authenticated.
func SessionID(c echo.Context) string {
	if v, ok := c.Get(sessionKey).(string); ok {
		return v
	}
	return ""
}
