package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TypeSubscriptionRejected is the frame type the server uses to decline a room.
const TypeSubscriptionRejected = "subscription_rejected"

// Errors
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrMissingRoom    = errors.New("frame has no room")
	ErrUnknownRoom    = errors.New("no subscription for room")
)

// Frame is an inbound event frame.
type Frame struct {
	Room    string          `json:"room"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     *int64          `json:"seq,omitempty"` // resets across reconnects
}

// rejectionPayload is the payload of a subscription_rejected frame.
type rejectionPayload struct {
	Reason string `json:"reason"`
}

// Event is what listeners receive. Err is set (to a *SubscriptionRejectedError)
// only for error events.
type Event struct {
	Room       string
	Type       string
	Payload    json.RawMessage
	Seq        *int64
	ReceivedAt time.Time
	Err        error
}

// Listener receives room-scoped events.
type Listener func(Event)

// ListenerSource is implemented by the Room Registry.
type ListenerSource interface {
	// Listeners returns room's listeners in delivery order and whether the room is known.
	Listeners(room string) ([]Listener, bool)

	// MarkRejected records that the server declined room.
	MarkRejected(room string)
}

// ProtocolError describes a dropped frame. It is never fatal.
type ProtocolError struct {
	Reason error  // ErrMalformedFrame, ErrMissingRoom or ErrUnknownRoom
	Room   string // empty unless the frame named one
	Err    error  // underlying parse error, if any
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("protocol error: %v: %v", e.Reason, e.Err)
	case e.Room != "":
		return fmt.Sprintf("protocol error: %v %q", e.Reason, e.Room)
	default:
		return fmt.Sprintf("protocol error: %v", e.Reason)
	}
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// SubscriptionRejectedError is delivered to a room's listeners when the
// server declines the subscription.
type SubscriptionRejectedError struct {
	Room   string
	Reason string
}

func (e *SubscriptionRejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("subscription to %q rejected", e.Room)
	}
	return fmt.Sprintf("subscription to %q rejected: %s", e.Room, e.Reason)
}

// Config holds optional router hooks.
type Config struct {
	OnProtocolError func(*ProtocolError) // called for every dropped frame
	Tap             func(Event)          // called once per delivered frame, after listeners
}

// Stats contains runtime statistics.
type Stats struct {
	FramesReceived  int64 `json:"frames_received"`
	FramesRouted    int64 `json:"frames_routed"`
	EventsDelivered int64 `json:"events_delivered"`
	ParseErrors     int64 `json:"parse_errors"`
	MissingRoom     int64 `json:"missing_room"`
	UnknownRoom     int64 `json:"unknown_room"`
	ListenerPanics  int64 `json:"listener_panics"`
	Rejections      int64 `json:"rejections"`
}
