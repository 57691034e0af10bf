package channel

import (
	"log/slog"
	"sync"

	"github.com/rickgao/taskpulse/internal/config"
	"github.com/rickgao/taskpulse/internal/connection"
	"github.com/rickgao/taskpulse/internal/rooms"
	"github.com/rickgao/taskpulse/internal/router"
	"github.com/rickgao/taskpulse/internal/version"
)

// Config wires the hub's components.
type Config struct {
	Manager connection.ManagerConfig
	Rooms   rooms.Config
	Router  router.Config

	// ClientFactory replaces the WebSocket client, mainly for tests.
	ClientFactory func() connection.Client
}

// FromConfig maps loaded configuration onto hub settings. token may be nil.
func FromConfig(c *config.Config, token func() (string, error)) Config {
	ch := c.Channel
	return Config{
		Manager: connection.ManagerConfig{
			Client: connection.ClientConfig{
				URL:              ch.URL,
				Token:            token,
				UserAgent:        version.UserAgent(),
				HandshakeTimeout: ch.HandshakeTimeout,
				PingInterval:     ch.PingInterval,
				PingTimeout:      ch.PingTimeout,
				WriteTimeout:     ch.WriteTimeout,
				SendBuffer:       ch.SendBuffer,
				ReceiveBuffer:    ch.ReceiveBuffer,
			},
			Backoff: connection.BackoffPolicy{
				Base:      ch.BackoffBase,
				Cap:       ch.BackoffCap,
				JitterMin: ch.JitterMin,
				JitterMax: ch.JitterMax,
			},
		},
		Rooms: rooms.Config{
			Grace:  ch.Grace(),
			Strict: ch.StrictRooms,
		},
	}
}

// Stats aggregates component statistics for health output.
type Stats struct {
	Connection connection.ManagerStats `json:"connection"`
	Rooms      rooms.Stats             `json:"rooms"`
	Router     router.Stats            `json:"router"`
}

// Hub owns the shared connection and everything multiplexed over it.
type Hub struct {
	logger *slog.Logger

	mgr    *connection.Manager
	reg    *rooms.Registry
	router router.Router

	closeOnce sync.Once
	closeErr  error
}

// New builds an isolated hub. Nothing is dialed until a handle asks for it.
func New(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	var opts []connection.Option
	if cfg.ClientFactory != nil {
		opts = append(opts, connection.WithClientFactory(cfg.ClientFactory))
	}

	mgr := connection.NewManager(cfg.Manager, logger.With("component", "connection"), opts...)
	reg := rooms.NewRegistry(mgr, cfg.Rooms, logger.With("component", "rooms"))
	rt := router.NewRouter(reg, cfg.Router, logger.With("component", "router"))

	mgr.SetHooks(reg)
	mgr.SetFrameHandler(rt.OnFrame)

	return &Hub{
		logger: logger,
		mgr:    mgr,
		reg:    reg,
		router: rt,
	}
}

// Connect acquires a handle for opts.Room. It never blocks on the network.
func (h *Hub) Connect(opts Options) (*Handle, error) {
	if h.mgr.State() == connection.Closed {
		return nil, connection.ErrClosed
	}

	listener := opts.OnEvent
	if listener == nil {
		listener = func(router.Event) {}
	}

	// Observe before joining so the status callback sees the dial this join triggers.
	var cancel func()
	if opts.OnStatus != nil {
		onStatus := opts.OnStatus
		cancel = h.mgr.OnStateChange(func(c connection.StateChange) {
			onStatus(c.To == connection.Connected)
		})
	}

	id, err := h.reg.Join(opts.Room, listener, opts.AutoConnect)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}

	return &Handle{
		hub:          h,
		id:           id,
		room:         opts.Room,
		cancelStatus: cancel,
	}, nil
}

// State returns the shared connection state.
func (h *Hub) State() connection.State {
	return h.mgr.State()
}

// IsConnected reports whether the shared connection is Connected.
func (h *Hub) IsConnected() bool {
	return h.mgr.IsConnected()
}

// OnStateChange registers fn for every connection state transition.
func (h *Hub) OnStateChange(fn func(connection.StateChange)) (cancel func()) {
	return h.mgr.OnStateChange(fn)
}

// Rooms returns a snapshot of every known room.
func (h *Hub) Rooms() []rooms.RoomState {
	return h.reg.Snapshot()
}

// Stats returns component statistics.
func (h *Hub) Stats() Stats {
	return Stats{
		Connection: h.mgr.Stats(),
		Rooms:      h.reg.Stats(),
		Router:     h.router.Stats(),
	}
}

// Close tears the hub down: the state becomes Closed, pending reconnects are
// cancelled and no handle can be acquired afterwards. Close is idempotent.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.mgr.Close()
		h.reg.Close()
		h.logger.Info("channel hub closed")
	})
	return h.closeErr
}
