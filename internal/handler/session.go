package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/cinema-seat-live/internal/utils"
)

// SessionHandler issues anonymous booking sessions.  A session id is the
// opaque owner recorded on every hold; the signed token proves it on later
// calls and on the live channel.
type SessionHandler struct {
	Secret string
	TTL    time.Duration
}

type sessionResp struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Create handles POST /v1/sessions.
func (h *SessionHandler) Create(c echo.Context) error {
	tok, err := utils.NewSessionToken(h.Secret, h.TTL)
	if err != nil {
		log.Error().Err(err).Msg("issue session token")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not issue session"})
	}
	return c.JSON(http.StatusCreated, sessionResp{SessionID: tok.SessionID, Token: tok.Token, ExpiresAt: tok.Exp})
}
