package channel

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrAlreadyInitialized is returned by Init when a default hub exists.
var ErrAlreadyInitialized = errors.New("channel hub already initialized")

var (
	defaultMu  sync.Mutex
	defaultHub *Hub
)

// Init creates the process-wide hub. Call it once at startup.
func Init(cfg Config, logger *slog.Logger) (*Hub, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultHub != nil {
		return nil, ErrAlreadyInitialized
	}
	defaultHub = New(cfg, logger)
	return defaultHub, nil
}

// Default returns the process-wide hub, or nil before Init.
func Default() *Hub {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultHub
}

// Shutdown closes the process-wide hub and forgets it, so Init may be
// called again. It is a no-op before Init.
func Shutdown() error {
	defaultMu.Lock()
	hub := defaultHub
	defaultHub = nil
	defaultMu.Unlock()

	if hub == nil {
		return nil
	}
	return hub.Close()
}
