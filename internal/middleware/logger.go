package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// RequestLogger writes one structured line per request, at warn level for
// 4xx and error level for 5xx responses.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			status := c.Response().Status
			ev := log.Info()
			switch {
			case status >= 500:
				ev = log.Error()
			case status >= 400:
				ev = log.Warn()
			}
			ev.Str("method", c.Request().Method).
				Str("path", c.Path()).
				Str("uri", c.Request().RequestURI).
				Int("status", status).
				Str("ip", c.RealIP()).
				Str("session_id", SessionID(c)).
				Dur("latency", time.Since(start)).
				Int64("bytes", c.Response().Size).
				Err(err).
				Msg("request")
			return nil
		}
	}
}
