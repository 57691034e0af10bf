package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/taskpulse/internal/config"
	"github.com/rickgao/taskpulse/internal/connection"
	"github.com/rickgao/taskpulse/internal/rooms"
	"github.com/rickgao/taskpulse/internal/router"
)

// eventServer is a minimal dashboard event server: it records control frames
// and lets the test push frames to, or drop, every live socket.
type eventServer struct {
	*httptest.Server

	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	frames   []connection.ControlFrame
	accepted int
}

func newEventServer(t *testing.T) *eventServer {
	t.Helper()
	s := &eventServer{conns: make(map[*websocket.Conn]struct{})}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			conn.Close()
		}()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f connection.ControlFrame
			if json.Unmarshal(data, &f) == nil {
				s.mu.Lock()
				s.frames = append(s.frames, f)
				s.mu.Unlock()
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *eventServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *eventServer) count(f connection.ControlFrame) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, got := range s.frames {
		if got == f {
			n++
		}
	}
	return n
}

func (s *eventServer) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *eventServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *eventServer) push(t *testing.T, raw string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(raw)))
	}
}

func (s *eventServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func testConfig(url string, grace time.Duration) Config {
	cfg := config.Default()
	cfg.Channel.URL = url
	cfg.Channel.BackoffBase = 10 * time.Millisecond
	cfg.Channel.BackoffCap = 50 * time.Millisecond
	cfg.Channel.UnsubscribeGrace = &grace
	return FromConfig(cfg, nil)
}

func newTestHub(t *testing.T, srv *eventServer, grace time.Duration) *Hub {
	t.Helper()
	hub := New(testConfig(srv.url(), grace), nil)
	t.Cleanup(func() { hub.Close() })
	return hub
}

type stateLog struct {
	mu     sync.Mutex
	states []connection.State
}

func (l *stateLog) record(c connection.StateChange) {
	l.mu.Lock()
	l.states = append(l.states, c.To)
	l.mu.Unlock()
}

func (l *stateLog) get() []connection.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]connection.State(nil), l.states...)
}

type eventLog struct {
	mu     sync.Mutex
	events []router.Event
}

func (l *eventLog) record(ev router.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) get() []router.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]router.Event(nil), l.events...)
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// Joining global while disconnected dials once and subscribes once.
func TestHub_JoinGlobalConnects(t *testing.T) {
	srv := newEventServer(t)
	hub := newTestHub(t, srv, time.Second)

	states := &stateLog{}
	hub.OnStateChange(states.record)
	require.Equal(t, connection.Disconnected, hub.State())

	h, err := hub.Connect(Options{Room: rooms.RoomGlobal, AutoConnect: true})
	require.NoError(t, err)
	defer h.Release()

	require.Eventually(t, h.IsConnected, waitFor, tick)
	require.Eventually(t, func() bool { return srv.count(connection.Subscribe("global")) == 1 }, waitFor, tick)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.count(connection.Subscribe("global")), "subscribe sent exactly once")
	assert.Equal(t, []connection.State{connection.Connecting, connection.Connected}, states.get())
}

// A dropped socket reconnects after the backoff delay and resubscribes.
func TestHub_DropReconnectsAndResubscribes(t *testing.T) {
	srv := newEventServer(t)
	hub := newTestHub(t, srv, time.Second)

	states := &stateLog{}
	hub.OnStateChange(states.record)

	h, err := hub.Connect(Options{Room: rooms.RoomGlobal, AutoConnect: true})
	require.NoError(t, err)
	defer h.Release()
	require.Eventually(t, func() bool { return srv.count(connection.Subscribe("global")) == 1 }, waitFor, tick)

	srv.dropAll()

	require.Eventually(t, func() bool { return srv.count(connection.Subscribe("global")) == 2 }, waitFor, tick)
	require.Eventually(t, h.IsConnected, waitFor, tick)
	assert.Equal(t, 2, srv.connections())
	assert.Contains(t, states.get(), connection.Reconnecting)
	assert.Zero(t, hub.Stats().Connection.Attempt.Count, "attempt resets on connect")
}

// Two consumers of worker:123: only the last release unsubscribes, once,
// after the grace period.
func TestHub_SharedRoomUnsubscribesAfterLastRelease(t *testing.T) {
	srv := newEventServer(t)
	hub := newTestHub(t, srv, 50*time.Millisecond)

	first, err := hub.Connect(Options{Room: "worker:123", AutoConnect: true})
	require.NoError(t, err)
	second, err := hub.Connect(Options{Room: "worker:123", AutoConnect: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.count(connection.Subscribe("worker:123")) == 1 }, waitFor, tick)

	first.Release()
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, srv.count(connection.Unsubscribe("worker:123")))
	require.Len(t, hub.Rooms(), 1)
	assert.Equal(t, 1, hub.Rooms()[0].Interest)

	second.Release()
	second.Release()
	require.Eventually(t, func() bool { return srv.count(connection.Unsubscribe("worker:123")) == 1 }, waitFor, tick)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.count(connection.Unsubscribe("worker:123")))
	assert.Empty(t, hub.Rooms())
}

// More rooms than the socket's initial send queue all reach the server on the
// first connection.
func TestHub_ManyRoomsAllSubscribed(t *testing.T) {
	const total = 2000
	srv := newEventServer(t)
	hub := newTestHub(t, srv, time.Second)

	var first *Handle
	for i := 0; i < total; i++ {
		h, err := hub.Connect(Options{Room: rooms.TaskRoom(fmt.Sprint(i)), AutoConnect: false})
		require.NoError(t, err)
		defer h.Release()
		if first == nil {
			first = h
		}
	}
	require.NoError(t, first.Connect())

	require.Eventually(t, func() bool { return srv.frameCount() == total }, 5*time.Second, tick)
	for _, r := range hub.Rooms() {
		assert.True(t, r.SubscribedOnWire, "%s not on the wire", r.Room)
	}
	assert.Zero(t, hub.Stats().Connection.FramesDropped)
}

// A listener that releases another handle on the same room stops delivery
// to that handle for the frame already being routed.
func TestHub_ReleasedHandleGetsNoEvents(t *testing.T) {
	srv := newEventServer(t)
	hub := newTestHub(t, srv, time.Second)

	var (
		other     atomic.Pointer[Handle]
		delivered atomic.Int32
		firstSeen atomic.Int32
	)

	a, err := hub.Connect(Options{
		Room:        rooms.RoomGlobal,
		AutoConnect: true,
		OnEvent: func(router.Event) {
			firstSeen.Add(1)
			if h := other.Load(); h != nil {
				h.Release()
			}
		},
	})
	require.NoError(t, err)
	defer a.Release()

	b, err := hub.Connect(Options{
		Room:    rooms.RoomGlobal,
		OnEvent: func(router.Event) { delivered.Add(1) },
	})
	require.NoError(t, err)
	other.Store(b)

	require.Eventually(t, func() bool { return srv.count(connection.Subscribe("global")) == 1 }, waitFor, tick)

	srv.push(t, `{"room":"global","type":"worker_online","payload":{}}`)
	srv.push(t, `{"room":"global","type":"worker_online","payload":{}}`)

	require.Eventually(t, func() bool { return firstSeen.Load() == 2 }, waitFor, tick)
	assert.Zero(t, delivered.Load(), "released handle received events")
}

// A frame for a room nobody subscribed to is dropped without disturbing
// other rooms.
func TestHub_UnknownRoomDropped(t *testing.T) {
	srv := newEventServer(t)
	hub := newTestHub(t, srv, time.Second)

	events := &eventLog{}
	h, err := hub.Connect(Options{Room: rooms.RoomGlobal, AutoConnect: true, OnEvent: events.record})
	require.NoError(t, err)
	defer h.Release()
	require.Eventually(t, func() bool { return srv.count(connection.Subscribe("global")) == 1 }, waitFor, tick)

	srv.push(t, `{"room":"unknown-room","type":"task.updated","payload":{"id":"t1"}}`)
	srv.push(t, `{"room":"global","type":"task.updated","payload":{"id":"t2"},"seq":1}`)

	require.Eventually(t, func() bool { return len(events.get()) == 1 }, waitFor, tick)
	got := events.get()[0]
	assert.Equal(t, "task.updated", got.Type)
	assert.JSONEq(t, `{"id":"t2"}`, string(got.Payload))
	assert.True(t, h.IsConnected())
	assert.EqualValues(t, 1, hub.Stats().Router.UnknownRoom)
}

func TestHub_SubscriptionRejectedKeepsConnection(t *testing.T) {
	srv := newEventServer(t)
	hub := newTestHub(t, srv, time.Second)

	secret := &eventLog{}
	global := &eventLog{}
	hs, err := hub.Connect(Options{Room: "task:secret", AutoConnect: true, OnEvent: secret.record})
	require.NoError(t, err)
	defer hs.Release()
	hg, err := hub.Connect(Options{Room: rooms.RoomGlobal, AutoConnect: true, OnEvent: global.record})
	require.NoError(t, err)
	defer hg.Release()

	require.Eventually(t, func() bool { return srv.count(connection.Subscribe("task:secret")) == 1 }, waitFor, tick)
	srv.push(t, `{"room":"task:secret","type":"subscription_rejected","payload":{"reason":"unauthorized"}}`)

	require.Eventually(t, func() bool { return len(secret.get()) == 1 }, waitFor, tick)
	var rej *router.SubscriptionRejectedError
	require.True(t, errors.As(secret.get()[0].Err, &rej))
	assert.Equal(t, "unauthorized", rej.Reason)

	assert.Empty(t, global.get())
	assert.True(t, hub.IsConnected())
	for _, r := range hub.Rooms() {
		if r.Room == "task:secret" {
			assert.True(t, r.Rejected)
			assert.False(t, r.SubscribedOnWire)
		}
	}
}

func TestHub_AutoConnectFalse(t *testing.T) {
	srv := newEventServer(t)
	hub := newTestHub(t, srv, time.Second)

	h, err := hub.Connect(Options{Room: "task:7"})
	require.NoError(t, err)
	defer h.Release()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, connection.Disconnected, hub.State())
	assert.Zero(t, srv.connections())
	require.Len(t, hub.Rooms(), 1)
	assert.Equal(t, 1, hub.Rooms()[0].Interest)

	require.NoError(t, h.Connect())
	require.Eventually(t, h.IsConnected, waitFor, tick)
	require.Eventually(t, func() bool { return srv.count(connection.Subscribe("task:7")) == 1 }, waitFor, tick)
}

func TestHub_StatusCallback(t *testing.T) {
	srv := newEventServer(t)
	hub := newTestHub(t, srv, time.Second)

	var (
		mu       sync.Mutex
		statuses []bool
	)
	h, err := hub.Connect(Options{
		Room:        rooms.RoomGlobal,
		AutoConnect: true,
		OnStatus: func(connected bool) {
			mu.Lock()
			statuses = append(statuses, connected)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 2
	}, waitFor, tick)

	mu.Lock()
	assert.Equal(t, []bool{false, true}, statuses)
	mu.Unlock()

	h.Release()
	srv.dropAll()
	require.Eventually(t, func() bool { return srv.connections() == 2 }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, statuses, 2, "released handle gets no more status updates")
}

func TestHub_CloseIsTerminal(t *testing.T) {
	srv := newEventServer(t)
	hub := New(testConfig(srv.url(), time.Second), nil)

	h, err := hub.Connect(Options{Room: rooms.RoomGlobal, AutoConnect: true})
	require.NoError(t, err)
	require.Eventually(t, h.IsConnected, waitFor, tick)

	require.NoError(t, hub.Close())
	require.NoError(t, hub.Close())
	assert.Equal(t, connection.Closed, hub.State())
	assert.False(t, h.IsConnected())

	_, err = hub.Connect(Options{Room: rooms.RoomGlobal, AutoConnect: true})
	assert.ErrorIs(t, err, connection.ErrClosed)

	h.Release()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.connections(), "no reconnect after Close")
}

func TestHub_InvalidRoom(t *testing.T) {
	srv := newEventServer(t)
	cfg := testConfig(srv.url(), time.Second)
	cfg.Rooms.Strict = true
	hub := New(cfg, nil)
	t.Cleanup(func() { hub.Close() })

	_, err := hub.Connect(Options{Room: "queue:default", AutoConnect: true})
	assert.ErrorIs(t, err, rooms.ErrInvalidRoom)
	assert.Equal(t, connection.Disconnected, hub.State())
}

func TestDefaultHub(t *testing.T) {
	require.NoError(t, Shutdown())
	assert.Nil(t, Default())

	hub, err := Init(testConfig("ws://127.0.0.1:1/ws", time.Second), nil)
	require.NoError(t, err)
	assert.Same(t, hub, Default())

	_, err = Init(testConfig("ws://127.0.0.1:1/ws", time.Second), nil)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	require.NoError(t, Shutdown())
	assert.Nil(t, Default())
	assert.Equal(t, connection.Closed, hub.State())
}
