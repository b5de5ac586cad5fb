package livechannel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cinema-seat-live/internal/model"
)

type fakeConn struct {
	frames chan []byte
	errs   chan error

	mu       sync.Mutex
	writes   [][]byte
	controls []int
	closed   bool
	done     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), errs: make(chan error, 1), done: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.frames:
		return websocket.TextMessage, b, nil
	case err := <-f.errs:
		return 0, nil, err
	case <-f.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		f.controls = append(f.controls, int(data[0])<<8|int(data[1]))
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) closeCodes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.controls...)
}

func (f *fakeConn) sentPings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.writes {
		if string(w) == string(pingFrame) {
			n++
		}
	}
	return n
}

// fakeDialer hands out the scripted results in order; once the script runs
// out every dial fails.
type fakeDialer struct {
	mu     sync.Mutex
	script []func() (Conn, error)
	urls   []string
}

func (d *fakeDialer) Dial(_ context.Context, rawURL string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	if len(d.script) == 0 {
		return nil, errors.New("connection refused")
	}
	next := d.script[0]
	d.script = d.script[1:]
	return next()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) lastURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.urls[len(d.urls)-1]
}

func accept(conn *fakeConn) func() (Conn, error) {
	return func() (Conn, error) { return conn, nil }
}

func refuse() (Conn, error) { return nil, errors.New("connection refused") }

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) has(match func(Event) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if match(e) {
			return true
		}
	}
	return false
}

func (r *recorder) count(match func(Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if match(e) {
			n++
		}
	}
	return n
}

func isStatus(s Status) func(Event) bool {
	return func(e Event) bool {
		sc, ok := e.(StatusChanged)
		return ok && sc.Status == s
	}
}

func newTestChannel(d *fakeDialer, rec *recorder) *Channel {
	return New(Config{
		BaseURL:           "ws://example.test",
		Token:             "tok",
		HeartbeatInterval: time.Hour,
		ReconnectBase:     time.Millisecond,
		ReconnectCap:      4 * time.Millisecond,
		Dialer:            d,
	}, rec)
}

const wait = 2 * time.Second
const tick = 2 * time.Millisecond

func TestReconnectBound_GivesUpAfterFiveClosures(t *testing.T) {
	d := &fakeDialer{}
	rec := &recorder{}
	ch := newTestChannel(d, rec)

	ch.Connect(5, "s1")

	require.Eventually(t, func() bool { return ch.Status() == StatusGaveUp }, wait, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 5, d.dials(), "no attempt after the budget is spent")
	assert.Equal(t, 4, rec.count(isStatus(StatusReconnecting)))
	assert.Equal(t, 1, rec.count(isStatus(StatusGaveUp)))
	assert.False(t, ch.Connected())
}

func TestReconnectBound_CounterResetsOnOpen(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{script: []func() (Conn, error){refuse, refuse, refuse, refuse, accept(conn)}}
	rec := &recorder{}
	ch := newTestChannel(d, rec)

	ch.Connect(5, "s1")
	require.Eventually(t, ch.Connected, wait, tick)

	firstRetry := func(e Event) bool {
		sc, ok := e.(StatusChanged)
		return ok && sc.Status == StatusReconnecting && sc.Attempt == 1
	}
	require.Equal(t, 1, rec.count(firstRetry))

	conn.errs <- &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	require.Eventually(t, func() bool { return rec.count(firstRetry) == 2 }, wait, tick)
}

func TestNormalClosureDoesNotReconnect(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{script: []func() (Conn, error){accept(conn)}}
	rec := &recorder{}
	ch := newTestChannel(d, rec)

	ch.Connect(5, "s1")
	require.Eventually(t, ch.Connected, wait, tick)
	conn.errs <- &websocket.CloseError{Code: websocket.CloseNormalClosure}

	require.Eventually(t, func() bool { return ch.Status() == StatusIdle }, wait, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
}

func TestDisconnect_IsDeliberate(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{script: []func() (Conn, error){accept(conn)}}
	ch := newTestChannel(d, &recorder{})

	ch.Connect(5, "s1")
	require.Eventually(t, ch.Connected, wait, tick)
	ch.Disconnect()

	assert.True(t, conn.isClosed())
	assert.Equal(t, []int{websocket.CloseNormalClosure}, conn.closeCodes())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, StatusIdle, ch.Status())
}

func TestConnect_SameKeyIsNoop(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	d := &fakeDialer{script: []func() (Conn, error){accept(first), accept(second)}}
	ch := newTestChannel(d, &recorder{})

	ch.Connect(5, "s1")
	require.Eventually(t, ch.Connected, wait, tick)
	for i := 0; i < 10; i++ {
		ch.Connect(5, "s1")
	}
	assert.Equal(t, 1, d.dials())

	ch.Connect(6, "s1")
	require.Eventually(t, func() bool { return d.dials() == 2 && ch.Connected() }, wait, tick)
	assert.True(t, first.isClosed(), "previous connection torn down")
	assert.Contains(t, d.lastURL(), "/v1/showtimes/6/live")
	assert.Contains(t, d.lastURL(), "token=tok")
	assert.Contains(t, d.lastURL(), "session_id=s1")
}

func TestEmit_DropsEventsOfTornDownConnection(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	d := &fakeDialer{script: []func() (Conn, error){accept(first), accept(second)}}
	rec := &recorder{}
	ch := newTestChannel(d, rec)

	ch.Connect(5, "s1")
	require.Eventually(t, ch.Connected, wait, tick)
	ch.mu.Lock()
	oldGen := ch.gen
	ch.mu.Unlock()

	ch.Connect(6, "s1")
	require.Eventually(t, func() bool { return d.dials() == 2 && ch.Connected() }, wait, tick)

	late := func(e Event) bool {
		sr, ok := e.(SeatsReserved)
		return ok && sr.SessionID == "s-old"
	}
	ch.emit(oldGen, SeatsReserved{SeatIDs: []uint64{1}, SessionID: "s-old"})
	assert.Zero(t, rec.count(late), "frame of the previous showtime is not delivered")

	ch.mu.Lock()
	cur := ch.gen
	ch.mu.Unlock()
	ch.emit(cur, SeatsReserved{SeatIDs: []uint64{1}, SessionID: "s-old"})
	assert.Equal(t, 1, rec.count(late))
}

func TestEmit_OneListenerCallAtATime(t *testing.T) {
	var mu sync.Mutex
	inside, maxInside := 0, 0
	l := ListenerFunc(func(Event) {
		mu.Lock()
		inside++
		if inside > maxInside {
			maxInside = inside
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		inside--
		mu.Unlock()
	})
	ch := New(Config{BaseURL: "ws://example.test", Dialer: &fakeDialer{}}, l)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch.emit(0, Pong{})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}

func TestDispatch_MaintainsReservedList(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{script: []func() (Conn, error){accept(conn)}}
	rec := &recorder{}
	ch := newTestChannel(d, rec)
	ch.Connect(5, "s1")
	require.Eventually(t, ch.Connected, wait, tick)

	conn.frames <- []byte(`{"type":"initial_data","reserved_seats":[{"seat_id":1,"session_id":"s2","status":"pending"},{"seat_id":2,"session_id":"s3","status":"confirmed"}]}`)
	conn.frames <- []byte(`{"type":"seats_reserved","seat_ids":[3,4],"session_id":"s1"}`)
	conn.frames <- []byte(`not json`)
	conn.frames <- []byte(`{"type":"mystery"}`)
	conn.frames <- []byte(`{"type":"seats_released","seat_ids":[1],"reason":"expired"}`)
	conn.frames <- []byte(`{"type":"seat_update","seat_id":4,"status":"cancelled"}`)
	conn.frames <- []byte(`{"type":"seat_update","seat_id":3,"status":"confirmed","session_id":"s1"}`)
	conn.frames <- []byte(`{"type":"pong"}`)

	require.Eventually(t, func() bool { return rec.has(func(e Event) bool { _, ok := e.(Pong); return ok }) }, wait, tick)

	got := ch.Reserved()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].SeatID)
	assert.Equal(t, "s3", got[0].SessionID)
	assert.Equal(t, uint64(3), got[1].SeatID)
	assert.Equal(t, model.StatusConfirmed, got[1].Status)
	assert.Equal(t, "s1", got[1].SessionID)

	assert.True(t, rec.has(func(e Event) bool {
		r, ok := e.(SeatsReleased)
		return ok && r.Reason == "expired"
	}))
	assert.True(t, ch.Connected(), "malformed frames do not close the channel")
}

func TestHeartbeat_SendsPing(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{script: []func() (Conn, error){accept(conn)}}
	ch := New(Config{BaseURL: "ws://x", HeartbeatInterval: 5 * time.Millisecond, Dialer: d}, nil)
	ch.Connect(5, "s1")

	require.Eventually(t, func() bool { return conn.sentPings() >= 2 }, wait, tick)
	ch.Disconnect()
	n := conn.sentPings()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, conn.sentPings(), "heartbeat stops on disconnect")
}

func TestConnect_AfterGiveUpStartsOver(t *testing.T) {
	d := &fakeDialer{}
	ch := newTestChannel(d, &recorder{})
	ch.Connect(5, "s1")
	require.Eventually(t, func() bool { return ch.Status() == StatusGaveUp }, wait, tick)

	ch.Connect(5, "s1")
	require.Eventually(t, func() bool { return d.dials() > 5 }, wait, tick)
}

func TestBackoff(t *testing.T) {
	ch := New(Config{ReconnectBase: time.Second, ReconnectCap: 30 * time.Second}, nil)
	var got []time.Duration
	for i := 0; i < 7; i++ {
		got = append(got, ch.backoff(i))
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "gave_up", StatusGaveUp.String())
	assert.True(t, strings.HasPrefix(StatusConnected.String(), "conn"))
}
