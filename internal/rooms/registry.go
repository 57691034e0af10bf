package rooms

import (
	"log/slog"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/taskpulse/internal/connection"
	"github.com/rickgao/taskpulse/internal/router"
)

// Conn is the part of the connection manager the registry needs.
type Conn interface {
	Do(fn func(tx connection.Tx))
}

// Config configures a Registry.
type Config struct {
	Grace  time.Duration // delay before a 1->0 room is unsubscribed
	Strict bool          // see ValidateRoom
}

// RoomState is a snapshot of one room for health output.
type RoomState struct {
	Room               string `json:"room"`
	Interest           int    `json:"interest"`
	Listeners          int    `json:"listeners"`
	SubscribedOnWire   bool   `json:"subscribed_on_wire"`
	Rejected           bool   `json:"rejected,omitempty"`
	PendingUnsubscribe bool   `json:"pending_unsubscribe,omitempty"`
}

// Stats counts wire intents emitted by the registry.
type Stats struct {
	Rooms        int   `json:"rooms"`
	Handles      int   `json:"handles"`
	Subscribes   int64 `json:"subscribes"`
	Unsubscribes int64 `json:"unsubscribes"`
	Rejections   int64 `json:"rejections"`
}

// member is one handle's listener. released is set by Leave under the manager
// lock; a released member ignores deliveries from snapshots taken earlier.
type member struct {
	fn       router.Listener
	released atomic.Bool
}

func (m *member) deliver(ev router.Event) {
	if m.released.Load() {
		return
	}
	m.fn(ev)
}

// subscription is one room's registry entry. Fields are guarded by the
// connection manager lock.
type subscription struct {
	room             string
	interest         int
	listeners        map[HandleID]*member
	order            []HandleID // join order, for delivery
	subscribedOnWire bool
	rejected         bool

	grace    *time.Timer
	graceGen uint64
}

// Registry tracks which rooms are wanted and by how many handles.
type Registry struct {
	conn   Conn
	cfg    Config
	logger *slog.Logger

	// Guarded by the connection manager lock.
	rooms   map[string]*subscription
	handles map[HandleID]string
	stats   Stats
}

// NewRegistry creates a Room Registry bound to conn.
func NewRegistry(conn Conn, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		rooms:   make(map[string]*subscription),
		handles: make(map[HandleID]string),
	}
}

// Join registers listener for room and returns its handle. On the room's
// 0->1 transition a subscribe frame is sent if the socket is connected; if it
// is not, the next Resubscribe covers it. autoConnect asks the manager to open
// the socket.
func (r *Registry) Join(room string, listener router.Listener, autoConnect bool) (HandleID, error) {
	if err := ValidateRoom(room, r.cfg.Strict); err != nil {
		return HandleID{}, err
	}
	id := HandleID(uuid.New())

	r.conn.Do(func(tx connection.Tx) {
		sub, ok := r.rooms[room]
		if !ok {
			sub = &subscription{
				room:      room,
				listeners: make(map[HandleID]*member),
			}
			r.rooms[room] = sub
		}
		sub.stopGrace()

		sub.listeners[id] = &member{fn: listener}
		sub.order = append(sub.order, id)
		sub.interest++
		r.handles[id] = room

		if autoConnect {
			tx.EnsureConnected()
		}
		if sub.interest == 1 {
			r.subscribeLocked(tx, sub)
		}
	})

	r.logger.Debug("room joined", "room", room, "handle", id)
	return id, nil
}

// Connect performs the deferred EnsureConnected for a handle joined without
// autoConnect.
func (r *Registry) Connect(id HandleID) error {
	var err error
	r.conn.Do(func(tx connection.Tx) {
		if _, ok := r.handles[id]; !ok {
			err = ErrUnknownHandle
			return
		}
		tx.EnsureConnected()
	})
	return err
}

// Leave releases a handle. Unknown or already released handles are ignored.
func (r *Registry) Leave(id HandleID) {
	r.conn.Do(func(tx connection.Tx) {
		room, ok := r.handles[id]
		if !ok {
			return
		}
		delete(r.handles, id)

		sub := r.rooms[room]
		if sub == nil {
			return
		}
		if m := sub.listeners[id]; m != nil {
			m.released.Store(true)
		}
		delete(sub.listeners, id)
		if i := slices.Index(sub.order, id); i >= 0 {
			sub.order = slices.Delete(sub.order, i, i+1)
		}
		if sub.interest > 0 {
			sub.interest--
		}
		if sub.interest > 0 {
			return
		}

		if r.cfg.Grace <= 0 {
			r.expireLocked(tx, sub)
			return
		}
		sub.graceGen++
		gen := sub.graceGen
		sub.grace = time.AfterFunc(r.cfg.Grace, func() {
			r.conn.Do(func(tx connection.Tx) {
				if cur := r.rooms[room]; cur == sub && sub.graceGen == gen {
					r.expireLocked(tx, sub)
				}
			})
		})
	})
}

// Listeners returns room's listeners in join order. The boolean reports
// whether the room is known at all, including rooms waiting out the grace period.
func (r *Registry) Listeners(room string) ([]router.Listener, bool) {
	var (
		out []router.Listener
		ok  bool
	)
	r.conn.Do(func(connection.Tx) {
		sub, found := r.rooms[room]
		if !found {
			return
		}
		ok = true
		out = make([]router.Listener, 0, len(sub.order))
		for _, id := range sub.order {
			out = append(out, sub.listeners[id].deliver)
		}
	})
	return out, ok
}

// MarkRejected records a server rejection for room. The wire flag is cleared
// so the room is retried on the next connection.
func (r *Registry) MarkRejected(room string) {
	r.conn.Do(func(connection.Tx) {
		sub, ok := r.rooms[room]
		if !ok {
			return
		}
		sub.subscribedOnWire = false
		sub.rejected = true
		r.stats.Rejections++
	})
	r.logger.Warn("subscription rejected", "room", room)
}

// Resubscribe implements connection.Hooks. It runs on every Connecting ->
// Connected transition with the manager lock held.
func (r *Registry) Resubscribe(tx connection.Tx) {
	var sent []string
	for _, sub := range r.sortedLocked() {
		sub.subscribedOnWire = false
		sub.rejected = false
		if sub.interest > 0 && r.subscribeLocked(tx, sub) {
			sent = append(sent, sub.room)
		}
	}
	if len(sent) > 0 {
		r.logger.Info("resubscribed rooms", "count", len(sent), "rooms", sent)
	}
}

// ConnectionLost implements connection.Hooks.
func (r *Registry) ConnectionLost(connection.Tx) {
	for _, sub := range r.rooms {
		sub.subscribedOnWire = false
	}
}

// Interest returns room's current interest count.
func (r *Registry) Interest(room string) int {
	var n int
	r.conn.Do(func(connection.Tx) {
		if sub, ok := r.rooms[room]; ok {
			n = sub.interest
		}
	})
	return n
}

// Snapshot returns every known room sorted by id.
func (r *Registry) Snapshot() []RoomState {
	var out []RoomState
	r.conn.Do(func(connection.Tx) {
		for _, sub := range r.sortedLocked() {
			out = append(out, RoomState{
				Room:               sub.room,
				Interest:           sub.interest,
				Listeners:          len(sub.listeners),
				SubscribedOnWire:   sub.subscribedOnWire,
				Rejected:           sub.rejected,
				PendingUnsubscribe: sub.grace != nil,
			})
		}
	})
	return out
}

// Stats returns registry counters.
func (r *Registry) Stats() Stats {
	var s Stats
	r.conn.Do(func(connection.Tx) {
		s = r.stats
		s.Rooms = len(r.rooms)
		s.Handles = len(r.handles)
	})
	return s
}

// Close stops pending grace timers. Rooms waiting out their grace period are
// dropped without an unsubscribe; the socket is going away anyway.
func (r *Registry) Close() {
	r.conn.Do(func(connection.Tx) {
		for room, sub := range r.rooms {
			sub.stopGrace()
			if sub.interest == 0 {
				delete(r.rooms, room)
			}
		}
	})
}

// subscribeLocked sends a subscribe frame unless one is already on the wire
// or the socket is not connected.
func (r *Registry) subscribeLocked(tx connection.Tx, sub *subscription) bool {
	if sub.subscribedOnWire || tx.State() != connection.Connected {
		return false
	}
	if !tx.Send(connection.Subscribe(sub.room)) {
		return false
	}
	sub.subscribedOnWire = true
	r.stats.Subscribes++
	return true
}

// expireLocked ends a room whose interest stayed at zero through the grace period.
func (r *Registry) expireLocked(tx connection.Tx, sub *subscription) {
	sub.grace = nil
	if sub.subscribedOnWire {
		if tx.Send(connection.Unsubscribe(sub.room)) {
			r.stats.Unsubscribes++
		}
		sub.subscribedOnWire = false
	}
	delete(r.rooms, sub.room)
	r.logger.Debug("room released", "room", sub.room)
}

func (r *Registry) sortedLocked() []*subscription {
	subs := make([]*subscription, 0, len(r.rooms))
	for _, sub := range r.rooms {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].room < subs[j].room })
	return subs
}

func (s *subscription) stopGrace() {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.graceGen++
}
