package connection

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrClosed          = errors.New("channel closed")
)

// TransientError is a socket failure that happened before an explicit Close.
// The manager recovers from it by scheduling a reconnect.
type TransientError struct {
	Op  string // "dial", "read", "heartbeat"
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// State is the connection state machine position.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ControlOp is the operation of an outbound control frame.
type ControlOp string

const (
	OpSubscribe   ControlOp = "subscribe"
	OpUnsubscribe ControlOp = "unsubscribe"
)

// ControlFrame is the only thing ever written to the socket.
type ControlFrame struct {
	Op   ControlOp `json:"op"`
	Room string    `json:"room"`
}

// Subscribe returns a subscribe frame for room.
func Subscribe(room string) ControlFrame {
	return ControlFrame{Op: OpSubscribe, Room: room}
}

// Unsubscribe returns an unsubscribe frame for room.
func Unsubscribe(room string) ControlFrame {
	return ControlFrame{Op: OpUnsubscribe, Room: room}
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ReconnectAttempt tracks the backoff position. It resets to {0, base}
// on every successful connection.
type ReconnectAttempt struct {
	Count     int           `json:"count"`
	NextDelay time.Duration `json:"next_delay"`
}

// StateChange is delivered to state observers.
type StateChange struct {
	From State
	To   State
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string
	Token            func() (string, error) // bearer token per dial (nil = no auth)
	UserAgent        string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration // How often we ping the server
	PingTimeout      time.Duration // Max time without pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	SendBuffer       int           // Initial outbound queue capacity; the queue grows
	ReceiveBuffer    int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		SendBuffer:       256,
		ReceiveBuffer:    1024,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Client  ClientConfig
	Backoff BackoffPolicy
	Rand    func() float64 // jitter source in [0,1); nil uses math/rand/v2
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client:  DefaultClientConfig(),
		Backoff: DefaultBackoffPolicy(),
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State          string           `json:"state"`
	Attempt        ReconnectAttempt `json:"attempt"`
	Connects       int64            `json:"connects"`
	Disconnects    int64            `json:"disconnects"`
	DialFailures   int64            `json:"dial_failures"`
	FramesSent     int64            `json:"frames_sent"`
	FramesDropped  int64            `json:"frames_dropped"`
	FramesReceived int64            `json:"frames_received"`
}
