package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if err := c.Channel.validate(); err != nil {
		return err
	}

	if c.Auth.TokenTTL < 0 {
		return errors.New("auth.token_ttl must be >= 0")
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.FlushInterval <= 0 {
			return errors.New("journal.flush_interval must be > 0")
		}
	}

	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 0 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (ch *ChannelConfig) validate() error {
	if ch.URL == "" {
		return errors.New("channel.url is required")
	}
	u, err := url.Parse(ch.URL)
	if err != nil {
		return fmt.Errorf("channel.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("channel.url scheme must be ws or wss, got %q", u.Scheme)
	}
	if ch.BackoffBase <= 0 {
		return errors.New("channel.backoff_base must be > 0")
	}
	if ch.BackoffCap < ch.BackoffBase {
		return fmt.Errorf("channel.backoff_cap (%s) cannot be below backoff_base (%s)", ch.BackoffCap, ch.BackoffBase)
	}
	if ch.JitterMin <= 0 {
		return errors.New("channel.jitter_min must be > 0")
	}
	if ch.JitterMin > ch.JitterMax {
		return fmt.Errorf("channel.jitter_min (%g) cannot exceed jitter_max (%g)", ch.JitterMin, ch.JitterMax)
	}
	if ch.Grace() < 0 {
		return errors.New("channel.unsubscribe_grace must be >= 0")
	}
	if ch.SendBuffer < 1 {
		return errors.New("channel.send_buffer must be >= 1")
	}
	if ch.ReceiveBuffer < 1 {
		return errors.New("channel.receive_buffer must be >= 1")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
