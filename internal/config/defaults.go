package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultChannelURL       = "ws://localhost:8080/ws"
	DefaultBackoffBase      = 1 * time.Second
	DefaultBackoffCap       = 30 * time.Second
	DefaultJitterMin        = 0.8
	DefaultJitterMax        = 1.2
	DefaultUnsubscribeGrace = 2 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultPingTimeout      = 60 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultSendBuffer       = 256
	DefaultReceiveBuffer    = 1024
	DefaultTokenTTL         = 1 * time.Hour
	DefaultTokenSubject     = "taskpulse"
	DefaultDBPort           = 5432
	DefaultDBSSLMode        = "prefer"
	DefaultMaxConns         = 4
	DefaultMinConns         = 1
	DefaultBatchSize        = 500
	DefaultFlushInterval    = 1 * time.Second
	DefaultJournalBuffer    = 1024
	DefaultLogLevel         = "info"
)

func (c *Config) applyDefaults() {
	ch := &c.Channel
	if ch.URL == "" {
		ch.URL = DefaultChannelURL
	}
	if ch.BackoffBase == 0 {
		ch.BackoffBase = DefaultBackoffBase
	}
	if ch.BackoffCap == 0 {
		ch.BackoffCap = DefaultBackoffCap
	}
	if ch.JitterMin == 0 && ch.JitterMax == 0 {
		ch.JitterMin = DefaultJitterMin
		ch.JitterMax = DefaultJitterMax
	}
	if ch.UnsubscribeGrace == nil {
		grace := DefaultUnsubscribeGrace
		ch.UnsubscribeGrace = &grace
	}
	if ch.HandshakeTimeout == 0 {
		ch.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if ch.PingInterval == 0 {
		ch.PingInterval = DefaultPingInterval
	}
	if ch.PingTimeout == 0 {
		ch.PingTimeout = DefaultPingTimeout
	}
	if ch.WriteTimeout == 0 {
		ch.WriteTimeout = DefaultWriteTimeout
	}
	if ch.SendBuffer == 0 {
		ch.SendBuffer = DefaultSendBuffer
	}
	if ch.ReceiveBuffer == 0 {
		ch.ReceiveBuffer = DefaultReceiveBuffer
	}

	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Auth.Subject == "" {
		c.Auth.Subject = DefaultTokenSubject
	}

	applyDBDefaults(&c.Journal.Database)
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultJournalBuffer
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
