package connection

import "time"

// BackoffPolicy computes reconnect delays: min(Cap, Base*2^attempt) scaled by a
// jitter factor in [JitterMin, JitterMax].
type BackoffPolicy struct {
	Base      time.Duration
	Cap       time.Duration
	JitterMin float64
	JitterMax float64
}

// DefaultBackoffPolicy returns 1s base, 30s cap, 0.8-1.2 jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:      1 * time.Second,
		Cap:       30 * time.Second,
		JitterMin: 0.8,
		JitterMax: 1.2,
	}
}

// Ceiling returns the un-jittered delay for attempt. It is non-decreasing in
// attempt and never exceeds Cap.
func (p BackoffPolicy) Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	if d > p.Cap {
		return p.Cap
	}
	for i := 0; i < attempt; i++ {
		if d > p.Cap/2 {
			return p.Cap
		}
		d *= 2
	}
	return d
}

// Delay returns the jittered delay for attempt. u is a uniform sample in [0,1)
// supplied by the caller, so the function stays pure.
func (p BackoffPolicy) Delay(attempt int, u float64) time.Duration {
	switch {
	case u < 0:
		u = 0
	case u > 1:
		u = 1
	}
	factor := p.JitterMin + u*(p.JitterMax-p.JitterMin)
	return time.Duration(float64(p.Ceiling(attempt)) * factor)
}
