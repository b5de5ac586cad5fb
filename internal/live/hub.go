// Package live serves the live seat channel: one websocket per
// (showtime, session) that receives every hold and release for the
// showtime as it happens.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/iliyamo/cinema-seat-live/internal/config"
	"github.com/iliyamo/cinema-seat-live/internal/logging"
	"github.com/iliyamo/cinema-seat-live/internal/middleware"
	"github.com/iliyamo/cinema-seat-live/internal/model"
)

// Snapshotter supplies the active holds sent as initial_data on connect.
type Snapshotter interface {
	ListActiveByShowtime(ctx context.Context, showtimeID uint64) ([]model.Reservation, error)
}

// Hub tracks live connections per showtime and delivers messages to them.
// Delivery is local to this process; see RedisFanout for cross-instance
// propagation.
type Hub struct {
	snapshot Snapshotter
	cfg      config.LiveConfig
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu    sync.RWMutex
	rooms map[uint64]map[*client]struct{}
}

// NewHub returns a Hub that primes new connections from snapshot.
func NewHub(snapshot Snapshotter, cfg config.LiveConfig) *Hub {
	return &Hub{
		snapshot: snapshot,
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		log:      logging.Component("live"),
		rooms:    map[uint64]map[*client]struct{}{},
	}
}

// client is one websocket connection.  Messages queue in backlog until the
// initial_data snapshot has been enqueued, so a snapshot never overwrites
// an event that happened after it.
type client struct {
	conn       *websocket.Conn
	showtimeID uint64
	sessionID  string
	send       chan []byte

	mu      sync.Mutex
	primed  bool
	closed  bool
	backlog [][]byte
}

// enqueue hands msg to the write loop.  A client whose buffer is full is
// too slow to keep a consistent view and is dropped; it will reconnect and
// receive a fresh snapshot.
func (c *client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if !c.primed {
		c.backlog = append(c.backlog, msg)
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.closeLocked()
		return false
	}
}

// prime enqueues the snapshot followed by everything that arrived while
// the snapshot was being read.
func (c *client) prime(initial []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.primed = true
	for _, msg := range append([][]byte{initial}, c.backlog...) {
		select {
		case c.send <- msg:
		default:
			c.closeLocked()
			return
		}
	}
	c.backlog = nil
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *client) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ServeWS handles GET /v1/showtimes/:id/live.  The session comes from the
// verified token; a session_id query parameter, when given, must match it.
func (h *Hub) ServeWS(c echo.Context) error {
	showtimeID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || showtimeID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid showtime id"})
	}
	sid := middleware.SessionID(c)
	if q := c.QueryParam("session_id"); q != "" && q != sid {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "session mismatch"})
	}
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.Debug().Err(err).Msg("upgrade failed")
		return nil
	}
	cl := &client{
		conn:       conn,
		showtimeID: showtimeID,
		sessionID:  sid,
		send:       make(chan []byte, h.cfg.SendBuffer),
	}
	h.register(cl)
	go h.writeLoop(cl)

	initial, err := h.initialData(c.Request().Context(), showtimeID)
	if err != nil {
		h.log.Error().Err(err).Uint64("showtime_id", showtimeID).Msg("snapshot failed")
		initial, _ = json.Marshal(model.LiveMessage{Type: model.EventError, Message: "snapshot unavailable"})
	}
	cl.prime(initial)

	h.readLoop(cl)
	return nil
}

func (h *Hub) initialData(ctx context.Context, showtimeID uint64) ([]byte, error) {
	holds, err := h.snapshot.ListActiveByShowtime(ctx, showtimeID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(model.LiveMessage{
		Type:          model.EventInitialData,
		ShowtimeID:    showtimeID,
		ReservedSeats: holds,
	})
}

// readLoop answers application-level pings until the connection drops.
func (h *Hub) readLoop(cl *client) {
	defer func() {
		h.unregister(cl)
		cl.close()
	}()
	cl.conn.SetReadLimit(4096)
	pong, _ := json.Marshal(model.LiveMessage{Type: model.EventPong})
	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug().Err(err).Str("session_id", cl.sessionID).Msg("connection lost")
			}
			return
		}
		var msg model.LiveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == model.EventPing {
			cl.enqueue(pong)
		}
	}
}

func (h *Hub) writeLoop(cl *client) {
	defer cl.conn.Close()
	for msg := range cl.send {
		_ = cl.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			cl.close()
			// drain so enqueue never blocks on a dead writer
			for range cl.send {
			}
			return
		}
	}
	_ = cl.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
}

func (h *Hub) register(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[cl.showtimeID]
	if room == nil {
		room = map[*client]struct{}{}
		h.rooms[cl.showtimeID] = room
	}
	room[cl] = struct{}{}
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room := h.rooms[cl.showtimeID]; room != nil {
		delete(room, cl)
		if len(room) == 0 {
			delete(h.rooms, cl.showtimeID)
		}
	}
}

// Deliver sends msg to every local connection watching showtimeID.
func (h *Hub) Deliver(showtimeID uint64, msg model.LiveMessage) {
	msg.ShowtimeID = showtimeID
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal live message")
		return
	}
	h.deliverRaw(showtimeID, payload)
}

func (h *Hub) deliverRaw(showtimeID uint64, payload []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[showtimeID]))
	for cl := range h.rooms[showtimeID] {
		targets = append(targets, cl)
	}
	h.mu.RUnlock()
	for _, cl := range targets {
		if !cl.enqueue(payload) {
			h.log.Warn().Str("session_id", cl.sessionID).Uint64("showtime_id", showtimeID).Msg("dropping slow client")
		}
	}
}

// Connections reports how many sockets watch showtimeID.
func (h *Hub) Connections(showtimeID uint64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[showtimeID])
}

// Shutdown closes every connection with a going-away frame.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var all []*client
	for _, room := range h.rooms {
		for cl := range room {
			all = append(all, cl)
		}
	}
	h.rooms = map[uint64]map[*client]struct{}{}
	h.mu.Unlock()
	for _, cl := range all {
		cl.close()
	}
}
