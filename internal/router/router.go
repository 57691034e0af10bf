package router

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Router parses inbound frames and dispatches them to room listeners.
type Router interface {
	// OnFrame handles one raw frame. It never panics and never blocks on I/O.
	OnFrame(data []byte, receivedAt time.Time)

	// Stats returns current router statistics.
	Stats() Stats
}

// router is the internal implementation.
type router struct {
	cfg    Config
	src    ListenerSource
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// NewRouter creates a new Event Router reading listener sets from src.
func NewRouter(src ListenerSource, cfg Config, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &router{
		cfg:    cfg,
		src:    src,
		logger: logger,
	}
}

// Stats returns current statistics.
func (r *router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// OnFrame parses and routes a single frame.
func (r *router) OnFrame(data []byte, receivedAt time.Time) {
	r.count(func(s *Stats) { s.FramesReceived++ })

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		r.drop(&ProtocolError{Reason: ErrMalformedFrame, Err: err})
		return
	}
	if frame.Room == "" {
		r.drop(&ProtocolError{Reason: ErrMissingRoom})
		return
	}

	// Listener set is snapshotted under the registry lock and invoked outside it.
	listeners, ok := r.src.Listeners(frame.Room)
	if !ok {
		r.drop(&ProtocolError{Reason: ErrUnknownRoom, Room: frame.Room})
		return
	}

	ev := Event{
		Room:       frame.Room,
		Type:       frame.Type,
		Payload:    frame.Payload,
		Seq:        frame.Seq,
		ReceivedAt: receivedAt,
	}

	if frame.Type == TypeSubscriptionRejected {
		var p rejectionPayload
		if len(frame.Payload) > 0 {
			// A payload without a reason still rejects the room.
			_ = json.Unmarshal(frame.Payload, &p)
		}
		ev.Err = &SubscriptionRejectedError{Room: frame.Room, Reason: p.Reason}
		r.src.MarkRejected(frame.Room)
		r.count(func(s *Stats) { s.Rejections++ })
	}

	delivered := 0
	for _, l := range listeners {
		if r.invoke(l, ev) {
			delivered++
		}
	}

	r.count(func(s *Stats) {
		s.FramesRouted++
		s.EventsDelivered += int64(delivered)
	})

	if r.cfg.Tap != nil {
		r.tap(ev)
	}
}

// invoke calls one listener, isolating panics. It reports whether the
// listener returned normally.
func (r *router) invoke(l Listener, ev Event) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			ok = false
			r.count(func(s *Stats) { s.ListenerPanics++ })
			r.logger.Error("listener panicked",
				"room", ev.Room,
				"type", ev.Type,
				"panic", p,
			)
		}
	}()
	l(ev)
	return true
}

func (r *router) tap(ev Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("event tap panicked", "room", ev.Room, "panic", p)
		}
	}()
	r.cfg.Tap(ev)
}

func (r *router) drop(perr *ProtocolError) {
	r.count(func(s *Stats) {
		switch {
		case errors.Is(perr, ErrMalformedFrame):
			s.ParseErrors++
		case errors.Is(perr, ErrMissingRoom):
			s.MissingRoom++
		case errors.Is(perr, ErrUnknownRoom):
			s.UnknownRoom++
		}
	})

	if errors.Is(perr, ErrUnknownRoom) {
		// Frames for a room released moments ago are expected until the
		// server processes the unsubscribe.
		r.logger.Debug("dropping frame", "error", perr)
	} else {
		r.logger.Warn("dropping frame", "error", perr)
	}

	if r.cfg.OnProtocolError != nil {
		r.cfg.OnProtocolError(perr)
	}
}

func (r *router) count(fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}
