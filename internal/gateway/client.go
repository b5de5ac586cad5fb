// Package gateway is the client side of the reservation gateway: the
// request/response API used to list, create and cancel holds and to read
// the seat inventory.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/iliyamo/cinema-seat-live/internal/model"
)

// ErrUnknownOutcome means a write may or may not have been applied: the
// call timed out, the connection failed, or the server answered 5xx.  The
// caller must refetch authoritative state instead of guessing.
var ErrUnknownOutcome = errors.New("gateway: outcome unknown")

// Error is a non-success response from the gateway.
type Error struct {
	Status int
	Reason string
	// write marks errors from mutating calls, where 5xx is ambiguous.
	write bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway: status %d: %s", e.Status, e.Reason)
}

// Unwrap lets errors.Is(err, ErrUnknownOutcome) match server failures on
// mutating calls.
func (e *Error) Unwrap() error {
	if e.write && e.Status >= 500 {
		return ErrUnknownOutcome
	}
	return nil
}

// Client talks to the gateway over HTTP.  Token is the session token sent
// as a Bearer credential; it may be empty for public calls.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
}

// New returns a Client for baseURL.  timeout bounds each call; hc may be
// nil to use a default client.
func New(baseURL, token string, timeout time.Duration, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, token: token, timeout: timeout, http: hc}
}

// WithToken returns a copy of c that authenticates as token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Session is a freshly issued booking session.
type Session struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateSession requests a new anonymous session.
func (c *Client) CreateSession(ctx context.Context) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/v1/sessions", nil, &out, false, http.StatusCreated)
	return out, err
}

// ListSeats returns the inventory of a room.
func (c *Client) ListSeats(ctx context.Context, roomID uint64) ([]model.Seat, error) {
	var out struct {
		Items []model.Seat `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/rooms/"+strconv.FormatUint(roomID, 10)+"/seats", nil, &out, false, http.StatusOK)
	return out.Items, err
}

// ListReservedSeats returns every active hold of a showtime.
func (c *Client) ListReservedSeats(ctx context.Context, showtimeID uint64) ([]model.Reservation, error) {
	var out struct {
		Items []model.Reservation `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, reservationsPath(showtimeID), nil, &out, false, http.StatusOK)
	return out.Items, err
}

// CreateReservations asks the store to hold seatIDs for the caller's
// session.  Partial failure is not an error: the result for each seat says
// whether it was held.
func (c *Client) CreateReservations(ctx context.Context, showtimeID uint64, seatIDs []uint64) ([]model.HoldResult, error) {
	var out struct {
		Results []model.HoldResult `json:"results"`
	}
	body := map[string][]uint64{"seat_ids": seatIDs}
	err := c.do(ctx, http.MethodPost, reservationsPath(showtimeID), body, &out, true, http.StatusCreated, http.StatusConflict)
	return out.Results, err
}

// CancelReservations releases the caller's holds on seatIDs and returns the
// seat ids actually released.  Cancelling a seat that is no longer held
// succeeds with nothing released.
func (c *Client) CancelReservations(ctx context.Context, showtimeID uint64, seatIDs []uint64) ([]uint64, error) {
	var out struct {
		Released []uint64 `json:"released"`
	}
	body := map[string][]uint64{"seat_ids": seatIDs}
	err := c.do(ctx, http.MethodDelete, reservationsPath(showtimeID), body, &out, true, http.StatusOK)
	return out.Released, err
}

// ConfirmReservations converts the session's pending holds into a sale.
func (c *Client) ConfirmReservations(ctx context.Context, showtimeID uint64) ([]uint64, error) {
	var out struct {
		Confirmed []uint64 `json:"confirmed"`
	}
	err := c.do(ctx, http.MethodPost, reservationsPath(showtimeID)+"/confirm", nil, &out, true, http.StatusOK)
	return out.Confirmed, err
}

func reservationsPath(showtimeID uint64) string {
	return "/v1/showtimes/" + strconv.FormatUint(showtimeID, 10) + "/reservations"
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, write bool, okStatus ...int) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("gateway: encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if write {
			return fmt.Errorf("%w: %s %s: %v", ErrUnknownOutcome, method, path, err)
		}
		return fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if write {
			return fmt.Errorf("%w: read response: %v", ErrUnknownOutcome, err)
		}
		return fmt.Errorf("gateway: read response: %w", err)
	}
	for _, s := range okStatus {
		if resp.StatusCode == s {
			if out == nil || len(data) == 0 {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("gateway: decode response: %w", err)
			}
			return nil
		}
	}
	var eb struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(data, &eb)
	if eb.Error == "" {
		eb.Error = http.StatusText(resp.StatusCode)
	}
	return &Error{Status: resp.StatusCode, Reason: eb.Error, write: write}
}
