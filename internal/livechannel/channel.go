// Package livechannel is the client side of the live seat channel.  A
// Channel keeps one websocket per (showtime, session) open, reconnects with
// bounded exponential backoff, keeps a local copy of the reserved-seat list
// and reports every change to a Listener.
package livechannel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/iliyamo/cinema-seat-live/internal/logging"
	"github.com/iliyamo/cinema-seat-live/internal/model"
)

// Conn is the subset of *websocket.Conn the channel uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens a Conn.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WSDialer dials real websockets with gorilla/websocket.
type WSDialer struct {
	Dialer *websocket.Dialer
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("live dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("live dial: %w", err)
	}
	return conn, nil
}

// Config tunes a Channel.  BaseURL is the ws:// or wss:// origin of the
// server; Token is the session token sent with the upgrade.  Zero values
// fall back to a 30s heartbeat, a 1s base delay, a 30s cap and 5 attempts.
type Config struct {
	BaseURL              string
	Token                string
	HeartbeatInterval    time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	Dialer               Dialer
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = WSDialer{}
	}
}

type connKey struct {
	showtimeID uint64
	sessionID  string
}

// Channel is safe for concurrent use.
type Channel struct {
	cfg      Config
	listener Listener
	log      zerolog.Logger

	// emitMu serializes listener calls; it is taken before mu, never after.
	emitMu sync.Mutex

	mu       sync.Mutex
	key      connKey
	active   bool
	gen      uint64
	status   Status
	closures int
	conn     Conn
	cancel   context.CancelFunc
	retry    *time.Timer
	hbStop   chan struct{}
	reserved map[uint64]model.Reservation
}

// New returns an idle Channel reporting to l.
func New(cfg Config, l Listener) *Channel {
	cfg.applyDefaults()
	if l == nil {
		l = ListenerFunc(func(Event) {})
	}
	return &Channel{
		cfg:      cfg,
		listener: l,
		log:      logging.Component("livechannel"),
		reserved: map[uint64]model.Reservation{},
	}
}

// Connect opens the channel for (showtimeID, sessionID).  Calling it again
// with the same pair while the channel is live or retrying does nothing; a
// different pair tears the old connection down first.  After the channel
// has given up, Connect starts over with a fresh retry budget.
func (c *Channel) Connect(showtimeID uint64, sessionID string) {
	key := connKey{showtimeID, sessionID}
	c.mu.Lock()
	if c.active && c.key == key && c.status != StatusGaveUp {
		c.mu.Unlock()
		return
	}
	old := c.teardownLocked()
	c.key = key
	c.active = true
	c.closures = 0
	c.reserved = map[uint64]model.Reservation{}
	c.status = StatusConnecting
	gen := c.gen
	c.mu.Unlock()

	closeConn(old)
	c.emit(gen, StatusChanged{Status: StatusConnecting})
	go c.dial(gen)
}

// Disconnect closes the channel deliberately: pending retries and the
// heartbeat stop and the socket is closed with a normal-closure frame, so
// no reconnect follows.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	old := c.teardownLocked()
	c.active = false
	c.status = StatusIdle
	gen := c.gen
	c.mu.Unlock()

	closeConn(old)
	c.emit(gen, StatusChanged{Status: StatusIdle})
}

// teardownLocked invalidates every goroutine of the current generation and
// returns the open socket, if any, for the caller to close outside the lock.
func (c *Channel) teardownLocked() Conn {
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	return conn
}

func closeConn(conn Conn) {
	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = conn.Close()
}

// Status reports the current connection state.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether the socket is open.
func (c *Channel) Connected() bool {
	return c.Status() == StatusConnected
}

// Reserved returns the locally cached reserved-seat list ordered by seat id.
// The list is emptied whenever a socket opens and refilled by initial_data.
func (c *Channel) Reserved() []model.Reservation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Reservation, 0, len(c.reserved))
	for _, r := range c.reserved {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeatID < out[j].SeatID })
	return out
}

func (c *Channel) liveURL(key connKey) string {
	q := url.Values{}
	q.Set("session_id", key.sessionID)
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	return fmt.Sprintf("%s/v1/showtimes/%d/live?%s", c.cfg.BaseURL, key.showtimeID, q.Encode())
}

func (c *Channel) dial(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	c.cancel = cancel
	key := c.key
	c.mu.Unlock()

	conn, err := c.cfg.Dialer.Dial(ctx, c.liveURL(key))
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.cancel = nil
	if err != nil {
		c.log.Warn().Err(err).Msg("dial failed")
		ev := c.closedLocked(false)
		c.mu.Unlock()
		c.emit(gen, ev)
		return
	}
	c.conn = conn
	c.closures = 0
	c.status = StatusConnected
	c.reserved = map[uint64]model.Reservation{}
	c.hbStop = make(chan struct{})
	go c.heartbeat(conn, c.hbStop)
	c.mu.Unlock()

	c.log.Info().Uint64("showtime_id", key.showtimeID).Msg("live channel open")
	c.emit(gen, StatusChanged{Status: StatusConnected})
	c.readLoop(gen, conn)
}

// closedLocked records a closure of the current generation and decides what
// happens next.  A normal closure ends the session without retrying; any
// other closure counts against the retry budget.
func (c *Channel) closedLocked(normal bool) StatusChanged {
	c.stopHeartbeatLocked()
	c.conn = nil
	if normal {
		c.active = false
		c.status = StatusIdle
		return StatusChanged{Status: StatusIdle}
	}
	c.closures++
	if c.closures >= c.cfg.MaxReconnectAttempts {
		c.status = StatusGaveUp
		c.log.Error().Int("attempts", c.closures).Msg("live channel gave up")
		return StatusChanged{Status: StatusGaveUp, Attempt: c.closures}
	}
	delay := c.backoff(c.closures - 1)
	c.status = StatusReconnecting
	gen := c.gen
	c.retry = time.AfterFunc(delay, func() { c.dial(gen) })
	return StatusChanged{Status: StatusReconnecting, Attempt: c.closures, RetryIn: delay}
}

// backoff is min(base * 2^attempt, cap).
func (c *Channel) backoff(attempt int) time.Duration {
	d := c.cfg.ReconnectBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.ReconnectCap {
			return c.cfg.ReconnectCap
		}
	}
	if d > c.cfg.ReconnectCap {
		return c.cfg.ReconnectCap
	}
	return d
}

func (c *Channel) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

var pingFrame = []byte(`{"type":"ping"}`)

// heartbeat sends a ping every interval.  A missing pong is not treated as
// a failure; a dead socket shows up as a read error instead.
func (c *Channel) heartbeat(conn Conn, stop <-chan struct{}) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := conn.WriteMessage(websocket.TextMessage, pingFrame); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
			}
		}
	}
}

func (c *Channel) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if gen != c.gen {
				c.mu.Unlock()
				return
			}
			normal := websocket.IsCloseError(err, websocket.CloseNormalClosure)
			if !normal {
				c.log.Warn().Err(err).Msg("live channel closed")
			}
			ev := c.closedLocked(normal)
			c.mu.Unlock()
			_ = conn.Close()
			c.emit(gen, ev)
			return
		}
		if ev, ok := c.apply(gen, data); ok {
			c.emit(gen, ev)
		}
	}
}

// apply decodes a frame and folds it into the reserved-seat list.
// Malformed frames and unknown variants are logged and dropped.
func (c *Channel) apply(gen uint64, data []byte) (Event, bool) {
	var msg model.LiveMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn().Err(err).Msg("malformed live frame")
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return nil, false
	}
	switch msg.Type {
	case model.EventInitialData:
		c.reserved = make(map[uint64]model.Reservation, len(msg.ReservedSeats))
		for _, r := range msg.ReservedSeats {
			c.reserved[r.SeatID] = r
		}
		return InitialData{Reservations: append([]model.Reservation(nil), msg.ReservedSeats...)}, true
	case model.EventSeatsReserved:
		for _, id := range msg.SeatIDs {
			c.reserved[id] = model.Reservation{
				SeatID:     id,
				ShowtimeID: c.key.showtimeID,
				SessionID:  msg.SessionID,
				Status:     model.StatusPending,
				ExpiresAt:  msg.ExpiresAt,
			}
		}
		return SeatsReserved{SeatIDs: msg.SeatIDs, SessionID: msg.SessionID, ExpiresAt: msg.ExpiresAt}, true
	case model.EventSeatsReleased:
		for _, id := range msg.SeatIDs {
			delete(c.reserved, id)
		}
		return SeatsReleased{SeatIDs: msg.SeatIDs, SessionID: msg.SessionID, Reason: msg.Reason}, true
	case model.EventSeatUpdate:
		if msg.Status == model.StatusCancelled || msg.Status == model.StatusReleased {
			delete(c.reserved, msg.SeatID)
		} else {
			r := c.reserved[msg.SeatID]
			r.SeatID = msg.SeatID
			r.ShowtimeID = c.key.showtimeID
			r.Status = msg.Status
			if msg.SessionID != "" {
				r.SessionID = msg.SessionID
			}
			if msg.Status == model.StatusConfirmed {
				r.ExpiresAt = nil
			}
			c.reserved[msg.SeatID] = r
		}
		return SeatUpdated{SeatID: msg.SeatID, Status: msg.Status, SessionID: msg.SessionID}, true
	case model.EventPong:
		return Pong{}, true
	case model.EventError:
		c.log.Warn().Str("message", msg.Message).Msg("server error frame")
		return ServerError{Message: msg.Message}, true
	default:
		c.log.Warn().Str("type", string(msg.Type)).Msg("unknown live frame")
		return nil, false
	}
}

// emit delivers ev unless the generation it belongs to was torn down while
// it waited for its turn.
func (c *Channel) emit(gen uint64, ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}
	c.listener.OnEvent(ev)
}
