package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeClient is an in-memory Client.
type fakeClient struct {
	connectErr error

	mu        sync.Mutex
	sent      []ControlFrame
	connected bool
	closed    bool

	messages chan TimestampedMessage
	errors   chan error
}

func newFakeClient(connectErr error) *fakeClient {
	return &fakeClient{
		connectErr: connectErr,
		messages:   make(chan TimestampedMessage, 16),
		errors:     make(chan error, 1),
	}
}

func (f *fakeClient) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Send(data []byte) error {
	var frame ControlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeClient) Messages() <-chan TimestampedMessage { return f.messages }
func (f *fakeClient) Errors() <-chan error                { return f.errors }

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeClient) Sent() []ControlFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ControlFrame(nil), f.sent...)
}

// fakeNet hands out fake clients; dial results are consumed in order and the
// last one repeats.
type fakeNet struct {
	mu      sync.Mutex
	results []error
	clients []*fakeClient
}

func (n *fakeNet) factory() Client {
	n.mu.Lock()
	defer n.mu.Unlock()
	var err error
	if len(n.results) > 0 {
		err = n.results[0]
		if len(n.results) > 1 {
			n.results = n.results[1:]
		}
	}
	c := newFakeClient(err)
	n.clients = append(n.clients, c)
	return c
}

func (n *fakeNet) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.clients)
}

func (n *fakeNet) last() *fakeClient {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clients[len(n.clients)-1]
}

// recordingHooks resubscribes a fixed room list.
type recordingHooks struct {
	rooms []string

	mu           sync.Mutex
	resubscribes int
	lost         int
}

func (h *recordingHooks) Resubscribe(tx Tx) {
	h.mu.Lock()
	h.resubscribes++
	h.mu.Unlock()
	for _, r := range h.rooms {
		tx.Send(Subscribe(r))
	}
}

func (h *recordingHooks) ConnectionLost(tx Tx) {
	h.mu.Lock()
	h.lost++
	h.mu.Unlock()
}

func (h *recordingHooks) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resubscribes, h.lost
}

func testManagerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.Backoff = BackoffPolicy{Base: 10 * time.Millisecond, Cap: 80 * time.Millisecond, JitterMin: 0.8, JitterMax: 1.2}
	cfg.Rand = func() float64 { return 0.5 }
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// stateRecorder collects every transition delivered to an observer.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) observe(c StateChange) {
	r.mu.Lock()
	r.states = append(r.states, c.To)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestManager_ConnectTransitions(t *testing.T) {
	net := &fakeNet{}
	hooks := &recordingHooks{rooms: []string{"global"}}
	m := NewManager(testManagerConfig(), nil, WithClientFactory(net.factory))
	m.SetHooks(hooks)
	defer m.Close()

	rec := &stateRecorder{}
	m.OnStateChange(rec.observe)

	if got := m.State(); got != Disconnected {
		t.Fatalf("initial state = %v, want disconnected", got)
	}

	m.EnsureConnected()
	waitFor(t, "connected", m.IsConnected)
	waitFor(t, "two notifications", func() bool { return len(rec.snapshot()) == 2 })

	states := rec.snapshot()
	if states[0] != Connecting || states[1] != Connected {
		t.Errorf("transitions = %v, want [connecting connected]", states)
	}

	sent := net.last().Sent()
	if len(sent) != 1 || sent[0] != Subscribe("global") {
		t.Errorf("sent = %v, want one subscribe for global", sent)
	}
}

func TestManager_EnsureConnectedIdempotent(t *testing.T) {
	net := &fakeNet{}
	m := NewManager(testManagerConfig(), nil, WithClientFactory(net.factory))
	defer m.Close()

	for i := 0; i < 5; i++ {
		m.EnsureConnected()
	}
	waitFor(t, "connected", m.IsConnected)
	m.EnsureConnected()

	if n := net.count(); n != 1 {
		t.Errorf("dialed %d clients, want 1", n)
	}
}

func TestManager_SendWhenNotConnected(t *testing.T) {
	net := &fakeNet{}
	m := NewManager(testManagerConfig(), nil, WithClientFactory(net.factory))
	defer m.Close()

	if m.Send(Subscribe("global")) {
		t.Error("Send while disconnected should report false")
	}
	if got := m.Stats().FramesDropped; got != 1 {
		t.Errorf("FramesDropped = %d, want 1", got)
	}
	if net.count() != 0 {
		t.Error("Send must not trigger a dial")
	}
}

func TestManager_ReconnectAfterDrop(t *testing.T) {
	net := &fakeNet{}
	hooks := &recordingHooks{rooms: []string{"global"}}
	m := NewManager(testManagerConfig(), nil, WithClientFactory(net.factory))
	m.SetHooks(hooks)
	defer m.Close()

	rec := &stateRecorder{}
	m.OnStateChange(rec.observe)

	m.EnsureConnected()
	waitFor(t, "connected", m.IsConnected)
	first := net.last()

	first.errors <- io.ErrUnexpectedEOF

	waitFor(t, "second client", func() bool { return net.count() == 2 })
	waitFor(t, "reconnected", m.IsConnected)

	want := []State{Connecting, Connected, Reconnecting, Connecting, Connected}
	waitFor(t, "all notifications", func() bool { return len(rec.snapshot()) == len(want) })
	for i, s := range rec.snapshot() {
		if s != want[i] {
			t.Fatalf("transition %d = %v, want %v (all: %v)", i, s, want[i], rec.snapshot())
		}
	}

	second := net.last()
	if sent := second.Sent(); len(sent) != 1 || sent[0] != Subscribe("global") {
		t.Errorf("resubscribe frames = %v, want one subscribe for global", sent)
	}

	resubs, lost := hooks.counts()
	if resubs != 2 || lost != 1 {
		t.Errorf("hooks resubscribe=%d lost=%d, want 2 and 1", resubs, lost)
	}

	if !first.isClosed() {
		t.Error("dropped client should be closed")
	}

	if a := m.Attempt(); a.Count != 0 || a.NextDelay != 10*time.Millisecond {
		t.Errorf("attempt after reconnect = %+v, want reset to {0, base}", a)
	}
}

func TestManager_DialFailuresBackOff(t *testing.T) {
	refused := errors.New("connection refused")
	net := &fakeNet{results: []error{refused, refused, refused, nil}}
	m := NewManager(testManagerConfig(), nil, WithClientFactory(net.factory))
	defer m.Close()

	rec := &stateRecorder{}
	m.OnStateChange(rec.observe)

	m.EnsureConnected()
	waitFor(t, "connected", m.IsConnected)

	if n := net.count(); n != 4 {
		t.Errorf("dialed %d clients, want 4", n)
	}
	if got := m.Stats().DialFailures; got != 3 {
		t.Errorf("DialFailures = %d, want 3", got)
	}
	if a := m.Attempt(); a.Count != 0 || a.NextDelay != 10*time.Millisecond {
		t.Errorf("attempt after success = %+v, want reset to {0, base}", a)
	}

	waitFor(t, "all notifications", func() bool {
		s := rec.snapshot()
		return len(s) > 0 && s[len(s)-1] == Connected
	})
	reconnecting := 0
	for _, s := range rec.snapshot() {
		if s == Reconnecting {
			reconnecting++
		}
	}
	if reconnecting != 3 {
		t.Errorf("saw %d reconnecting transitions, want 3", reconnecting)
	}
}

func TestManager_CloseCancelsReconnect(t *testing.T) {
	net := &fakeNet{results: []error{errors.New("refused")}}
	cfg := testManagerConfig()
	cfg.Backoff.Base = 100 * time.Millisecond
	cfg.Backoff.Cap = time.Second
	m := NewManager(cfg, nil, WithClientFactory(net.factory))

	m.EnsureConnected()
	waitFor(t, "reconnecting", func() bool { return m.State() == Reconnecting })

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := m.State(); got != Closed {
		t.Fatalf("state after Close = %v, want closed", got)
	}

	time.Sleep(250 * time.Millisecond)
	if n := net.count(); n != 1 {
		t.Errorf("dialed %d clients after Close, want 1", n)
	}

	m.EnsureConnected()
	if got := m.State(); got != Closed {
		t.Errorf("EnsureConnected after Close moved state to %v", got)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestManager_CloseWhileConnected(t *testing.T) {
	net := &fakeNet{}
	hooks := &recordingHooks{}
	m := NewManager(testManagerConfig(), nil, WithClientFactory(net.factory))
	m.SetHooks(hooks)

	rec := &stateRecorder{}
	m.OnStateChange(rec.observe)

	m.EnsureConnected()
	waitFor(t, "connected", m.IsConnected)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitFor(t, "closed notification", func() bool {
		s := rec.snapshot()
		return len(s) > 0 && s[len(s)-1] == Closed
	})

	if !net.last().isClosed() {
		t.Error("client should be closed")
	}
	if m.Send(Subscribe("global")) {
		t.Error("Send after Close should report false")
	}
}

func TestManager_FramesInOrder(t *testing.T) {
	net := &fakeNet{}
	m := NewManager(testManagerConfig(), nil, WithClientFactory(net.factory))
	defer m.Close()

	var (
		mu  sync.Mutex
		got []string
	)
	m.SetFrameHandler(func(data []byte, receivedAt time.Time) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})

	m.EnsureConnected()
	waitFor(t, "connected", m.IsConnected)

	c := net.last()
	for _, s := range []string{"a", "b", "c", "d"} {
		c.messages <- TimestampedMessage{Data: []byte(s), ReceivedAt: time.Now()}
	}

	waitFor(t, "frames", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	})
	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"a", "b", "c", "d"} {
		if got[i] != want {
			t.Errorf("frame %d = %q, want %q", i, got[i], want)
		}
	}
	if n := m.Stats().FramesReceived; n != 4 {
		t.Errorf("FramesReceived = %d, want 4", n)
	}
}

func TestManager_ObserverCancelAndPanic(t *testing.T) {
	net := &fakeNet{}
	m := NewManager(testManagerConfig(), nil, WithClientFactory(net.factory))
	defer m.Close()

	m.OnStateChange(func(StateChange) { panic("boom") })

	cancelled := &stateRecorder{}
	cancel := m.OnStateChange(cancelled.observe)
	cancel()
	cancel()

	kept := &stateRecorder{}
	m.OnStateChange(kept.observe)

	m.EnsureConnected()
	waitFor(t, "kept observer sees connected", func() bool {
		s := kept.snapshot()
		return len(s) == 2 && s[1] == Connected
	})
	if n := len(cancelled.snapshot()); n != 0 {
		t.Errorf("cancelled observer got %d notifications", n)
	}
}

// TestManager_ServerDropResubscribes runs the manager against a real socket
// that drops the first connection after the subscribe arrives.
func TestManager_ServerDropResubscribes(t *testing.T) {
	subs := make(chan ControlFrame, 8)
	var (
		mu    sync.Mutex
		conns int
	)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame ControlFrame
		if err := json.Unmarshal(data, &frame); err == nil {
			subs <- frame
		}
		if n == 1 {
			return // drop the first connection
		}
		drain(conn)
	})
	defer server.Close()

	cfg := testManagerConfig()
	cfg.Client = testClientConfig(wsURL(server))
	hooks := &recordingHooks{rooms: []string{"global"}}
	m := NewManager(cfg, nil)
	m.SetHooks(hooks)
	defer m.Close()

	m.EnsureConnected()

	for i := 0; i < 2; i++ {
		select {
		case f := <-subs:
			if f != Subscribe("global") {
				t.Errorf("frame %d = %+v, want subscribe global", i, f)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for subscribe %d", i)
		}
	}

	waitFor(t, "connected again", m.IsConnected)
	if s := m.Stats(); s.Connects != 2 || s.Disconnects != 1 {
		t.Errorf("stats connects=%d disconnects=%d, want 2 and 1", s.Connects, s.Disconnects)
	}
}
