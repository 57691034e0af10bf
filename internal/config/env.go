package config

import (
	"fmt"
	"strconv"
	"time"
)

// Environment variables that override file values.
const (
	EnvChannelURL       = "TASKPULSE_CHANNEL_URL"
	EnvBackoffBase      = "TASKPULSE_BACKOFF_BASE"
	EnvBackoffCap       = "TASKPULSE_BACKOFF_CAP"
	EnvJitterMin        = "TASKPULSE_JITTER_MIN"
	EnvJitterMax        = "TASKPULSE_JITTER_MAX"
	EnvUnsubscribeGrace = "TASKPULSE_UNSUBSCRIBE_GRACE"
	EnvHandshakeTimeout = "TASKPULSE_HANDSHAKE_TIMEOUT"
	EnvPingInterval     = "TASKPULSE_PING_INTERVAL"
	EnvPingTimeout      = "TASKPULSE_PING_TIMEOUT"
	EnvWriteTimeout     = "TASKPULSE_WRITE_TIMEOUT"
	EnvStrictRooms      = "TASKPULSE_STRICT_ROOMS"
	EnvToken            = "TASKPULSE_TOKEN"
	EnvJWTSecret        = "TASKPULSE_JWT_SECRET"
	EnvJournalEnabled   = "TASKPULSE_JOURNAL_ENABLED"
	EnvHealthPort       = "TASKPULSE_HEALTH_PORT"
	EnvLogLevel         = "TASKPULSE_LOG_LEVEL"
)

// lookupFunc matches os.LookupEnv.
type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}
	float := func(key string, dst *float64) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = f
		return nil
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str(EnvChannelURL, &c.Channel.URL)
	str(EnvToken, &c.Auth.Token)
	str(EnvJWTSecret, &c.Auth.JWTSecret)
	str(EnvLogLevel, &c.Log.Level)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvBackoffBase, &c.Channel.BackoffBase},
		{EnvBackoffCap, &c.Channel.BackoffCap},
		{EnvHandshakeTimeout, &c.Channel.HandshakeTimeout},
		{EnvPingInterval, &c.Channel.PingInterval},
		{EnvPingTimeout, &c.Channel.PingTimeout},
		{EnvWriteTimeout, &c.Channel.WriteTimeout},
	}
	for _, d := range durations {
		if err := dur(d.key, d.dst); err != nil {
			return err
		}
	}

	// Grace is a pointer so an explicit 0s survives applyDefaults.
	if v, ok := lookup(EnvUnsubscribeGrace); ok && v != "" {
		var grace time.Duration
		if err := dur(EnvUnsubscribeGrace, &grace); err != nil {
			return err
		}
		c.Channel.UnsubscribeGrace = &grace
	}

	if err := float(EnvJitterMin, &c.Channel.JitterMin); err != nil {
		return err
	}
	if err := float(EnvJitterMax, &c.Channel.JitterMax); err != nil {
		return err
	}
	if err := boolean(EnvStrictRooms, &c.Channel.StrictRooms); err != nil {
		return err
	}
	if err := boolean(EnvJournalEnabled, &c.Journal.Enabled); err != nil {
		return err
	}

	if v, ok := lookup(EnvHealthPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHealthPort, err)
		}
		c.Health.Port = port
	}

	return nil
}
