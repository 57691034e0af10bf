package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rickgao/taskpulse/internal/buffer"
)

// Tx is the view of the manager available inside Do. Its methods assume the
// manager lock is held and must not be retained after the callback returns.
type Tx interface {
	// State returns the current connection state.
	State() State

	// EnsureConnected starts a dial if the manager is Disconnected.
	// It is a no-op in every other state.
	EnsureConnected()

	// Send queues frame on the live socket. It reports false, without
	// queuing anything, when the manager is not Connected.
	Send(frame ControlFrame) bool
}

// Hooks is implemented by the Room Registry. Both methods run with the
// manager lock held.
type Hooks interface {
	// Resubscribe is called on every Connecting -> Connected transition.
	Resubscribe(tx Tx)

	// ConnectionLost is called when a live socket drops or the manager closes.
	ConnectionLost(tx Tx)
}

// FrameHandler receives inbound frames in socket order, outside the manager lock.
type FrameHandler func(data []byte, receivedAt time.Time)

type observer struct {
	id uint64
	fn func(StateChange)
}

// Manager owns the single physical connection.
type Manager struct {
	cfg       ManagerConfig
	logger    *slog.Logger
	newClient func() Client
	rand      func() float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	client    Client
	gen       uint64 // bumped on every dial and on Close
	attempt   ReconnectAttempt
	timer     *time.Timer
	hooks     Hooks
	onFrame   FrameHandler
	observers []observer
	nextObsID uint64
	stats     ManagerStats

	notify *buffer.Growable[StateChange]
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClientFactory replaces the gorilla/websocket client, mainly for tests.
func WithClientFactory(fn func() Client) Option {
	return func(m *Manager) { m.newClient = fn }
}

// NewManager creates a Connection Manager in the Disconnected state.
func NewManager(cfg ManagerConfig, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		rand:    cfg.Rand,
		ctx:     ctx,
		cancel:  cancel,
		state:   Disconnected,
		attempt: ReconnectAttempt{NextDelay: cfg.Backoff.Base},
		notify:  buffer.New[StateChange](16),
	}
	m.newClient = func() Client {
		return NewClient(cfg.Client, logger.With("component", "ws_client"))
	}
	if m.rand == nil {
		m.rand = rand.Float64
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.dispatchLoop()

	return m
}

// SetHooks installs the resubscribe/connection-lost hooks.
func (m *Manager) SetHooks(h Hooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

// SetFrameHandler installs the inbound frame consumer.
func (m *Manager) SetFrameHandler(fn FrameHandler) {
	m.mu.Lock()
	m.onFrame = fn
	m.mu.Unlock()
}

// Do runs fn with the manager lock held. fn must not block or call back into
// the manager except through tx.
func (m *Manager) Do(fn func(tx Tx)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(lockedTx{m})
}

// EnsureConnected is the unlocked form of Tx.EnsureConnected.
func (m *Manager) EnsureConnected() {
	m.Do(func(tx Tx) { tx.EnsureConnected() })
}

// Send is the unlocked form of Tx.Send.
func (m *Manager) Send(frame ControlFrame) bool {
	var ok bool
	m.Do(func(tx Tx) { ok = tx.Send(frame) })
	return ok
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the state is Connected.
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// Attempt returns the current reconnect attempt.
func (m *Manager) Attempt() ReconnectAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.State = m.state.String()
	s.Attempt = m.attempt
	return s
}

// OnStateChange registers fn for every state transition. Notifications are
// delivered in order on a single goroutine, never under the manager lock.
// The returned func unregisters fn.
func (m *Manager) OnStateChange(fn func(StateChange)) (cancel func()) {
	m.mu.Lock()
	m.nextObsID++
	id := m.nextObsID
	m.observers = append(m.observers, observer{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, o := range m.observers {
				if o.id == id {
					m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Close moves the manager to Closed, cancels any pending reconnect and closes
// the socket. It must not be called from a frame handler.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return nil
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.gen++
	client := m.client
	m.client = nil
	if m.hooks != nil {
		m.hooks.ConnectionLost(lockedTx{m})
	}
	m.setStateLocked(Closed)
	m.mu.Unlock()

	m.cancel()
	var err error
	if client != nil {
		err = client.Close()
	}
	m.wg.Wait()
	m.notify.Close()

	m.logger.Info("connection manager closed")
	return err
}

// lockedTx implements Tx for a manager whose lock is held.
type lockedTx struct{ m *Manager }

func (t lockedTx) State() State { return t.m.state }

func (t lockedTx) EnsureConnected() {
	if t.m.state != Disconnected {
		return
	}
	t.m.startDialLocked()
}

func (t lockedTx) Send(frame ControlFrame) bool {
	m := t.m
	if m.state != Connected || m.client == nil {
		m.stats.FramesDropped++
		m.logger.Debug("dropping control frame, not connected",
			"op", frame.Op,
			"room", frame.Room,
			"state", m.state,
		)
		return false
	}

	data, err := json.Marshal(frame)
	if err != nil {
		m.stats.FramesDropped++
		m.logger.Error("marshal control frame", "error", err)
		return false
	}
	if err := m.client.Send(data); err != nil {
		m.stats.FramesDropped++
		m.logger.Warn("send control frame failed",
			"op", frame.Op,
			"room", frame.Room,
			"error", err,
		)
		return false
	}
	m.stats.FramesSent++
	return true
}

// setStateLocked records a transition and queues it for observers.
func (m *Manager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.notify.Push(StateChange{From: from, To: to})
	m.logger.Debug("connection state", "from", from, "to", to)
}

func (m *Manager) startDialLocked() {
	m.setStateLocked(Connecting)
	m.gen++
	gen := m.gen
	client := m.newClient()

	m.wg.Add(1)
	go m.dial(gen, client)
}

func (m *Manager) dial(gen uint64, client Client) {
	defer m.wg.Done()

	err := client.Connect(m.ctx)

	m.mu.Lock()
	if gen != m.gen || m.state != Connecting {
		// Closed while dialing.
		m.mu.Unlock()
		client.Close()
		return
	}

	if err != nil {
		m.stats.DialFailures++
		m.logger.Warn("connect failed",
			"attempt", m.attempt.Count,
			"error", &TransientError{Op: "dial", Err: err},
		)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		client.Close()
		return
	}

	m.client = client
	m.stats.Connects++
	m.attempt = ReconnectAttempt{NextDelay: m.cfg.Backoff.Base}
	m.setStateLocked(Connected)
	m.logger.Info("connected", "url", m.cfg.Client.URL)
	if m.hooks != nil {
		m.hooks.Resubscribe(lockedTx{m})
	}

	m.wg.Add(1)
	go m.readLoop(gen, client)
	m.mu.Unlock()
}

// readLoop forwards frames from one client until it fails or the manager closes.
func (m *Manager) readLoop(gen uint64, client Client) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case err := <-client.Errors():
			m.connectionLost(gen, client, err)
			return

		case msg, ok := <-client.Messages():
			if !ok {
				return
			}

			m.mu.Lock()
			current := gen == m.gen
			handler := m.onFrame
			if current {
				m.stats.FramesReceived++
			}
			m.mu.Unlock()

			if !current {
				return
			}
			if handler != nil {
				handler(msg.Data, msg.ReceivedAt)
			}
		}
	}
}

func (m *Manager) connectionLost(gen uint64, client Client, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state != Connected {
		m.mu.Unlock()
		return
	}
	m.client = nil
	m.stats.Disconnects++
	m.logger.Warn("connection lost", "error", &TransientError{Op: "read", Err: err})
	if m.hooks != nil {
		m.hooks.ConnectionLost(lockedTx{m})
	}
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	client.Close()
}

// scheduleReconnectLocked moves to Reconnecting and arms the backoff timer.
func (m *Manager) scheduleReconnectLocked() {
	delay := m.cfg.Backoff.Delay(m.attempt.Count, m.rand())
	m.attempt.NextDelay = delay
	m.setStateLocked(Reconnecting)

	m.logger.Info("reconnect scheduled",
		"attempt", m.attempt.Count,
		"delay", delay,
	)

	m.timer = time.AfterFunc(delay, m.reconnectDue)
}

func (m *Manager) reconnectDue() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Reconnecting {
		return
	}
	m.timer = nil
	m.attempt.Count++
	m.startDialLocked()
}

// dispatchLoop delivers state changes to observers outside the manager lock.
func (m *Manager) dispatchLoop() {
	for {
		change, ok := m.notify.Pop()
		if !ok {
			return
		}

		m.mu.Lock()
		obs := make([]observer, len(m.observers))
		copy(obs, m.observers)
		m.mu.Unlock()

		for _, o := range obs {
			m.deliver(o, change)
		}
	}
}

func (m *Manager) deliver(o observer, change StateChange) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state observer panicked", "panic", r, "to", change.To)
		}
	}()
	o.fn(change)
}
