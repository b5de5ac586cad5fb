package utils // package utils provides helpers for issuing and verifying session tokens

import (
	"errors" // errors for sentinel definitions
	"time"   // time utilities for generating expirations

	"github.com/golang-jwt/jwt/v5" // JWT library for creating signed tokens
	"github.com/google/uuid"       // uuid generates opaque session identifiers
)

// ErrInvalidSessionToken is returned when a token fails signature, expiry
// or claim checks.
var ErrInvalidSessionToken = errors.New("invalid session token")

// SessionToken is a signed bearer token binding a browser tab to its
// opaque session id.  The id is what seat holds are attributed to; the
// signature stops one tab from releasing another tab's holds by guessing
// its id.
type SessionToken struct {
	SessionID string    // opaque per-tab identifier (uuid)
	Token     string    // the serialized JWT string
	Exp       time.Time // the UTC expiration time
}

// NewSessionToken mints a fresh session id and signs it as an HS256 JWT
// with subject = session id.
func NewSessionToken(secret string, ttl time.Duration) (SessionToken, error) {
	sid := uuid.NewString()
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   sid,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return SessionToken{}, err
	}
	return SessionToken{SessionID: sid, Token: signed, Exp: exp}, nil
}

// ParseSessionToken verifies raw and returns the session id it carries.
func ParseSessionToken(secret, raw string) (string, error) {
	var claims jwt.RegisteredClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		// Type assert the signing method to HMAC; reject others.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSessionToken
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid || claims.Subject == "" {
		return "", ErrInvalidSessionToken
	}
	return claims.Subject, nil
}
