package channel

import (
	"sync"

	"github.com/rickgao/taskpulse/internal/rooms"
	"github.com/rickgao/taskpulse/internal/router"
)

// Options configure one handle.
type Options struct {
	Room        string
	AutoConnect bool // when false, interest is registered but nothing dials until Handle.Connect

	OnEvent  router.Listener // room events and per-room errors (Event.Err)
	OnStatus func(bool)      // called on every connection state transition
}

// Handle is one consumer's interest in one room.
type Handle struct {
	hub          *Hub
	id           rooms.HandleID
	room         string
	cancelStatus func()

	releaseOnce sync.Once
}

// ID returns the registry handle id.
func (h *Handle) ID() rooms.HandleID { return h.id }

// Room returns the room this handle was acquired for.
func (h *Handle) Room() string { return h.room }

// IsConnected reports whether the shared connection is Connected.
func (h *Handle) IsConnected() bool {
	return h.hub.IsConnected()
}

// Connect asks the shared connection to open. Handles acquired with
// AutoConnect need not call it.
func (h *Handle) Connect() error {
	return h.hub.reg.Connect(h.id)
}

// Release drops this handle's interest. It is safe to call more than once.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		if h.cancelStatus != nil {
			h.cancelStatus()
		}
		h.hub.reg.Leave(h.id)
	})
}
