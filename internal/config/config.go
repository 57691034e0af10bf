package config

import "time"

// Config is the root configuration for a taskpulse process.
type Config struct {
	Channel ChannelConfig `yaml:"channel"`
	Auth    AuthConfig    `yaml:"auth"`
	Journal JournalConfig `yaml:"journal"`
	Health  HealthConfig  `yaml:"health"`
	Log     LogConfig     `yaml:"log"`
}

// ChannelConfig holds the live event channel settings.
type ChannelConfig struct {
	URL              string         `yaml:"url"`
	BackoffBase      time.Duration  `yaml:"backoff_base"`
	BackoffCap       time.Duration  `yaml:"backoff_cap"`
	JitterMin        float64        `yaml:"jitter_min"`
	JitterMax        float64        `yaml:"jitter_max"`
	UnsubscribeGrace *time.Duration `yaml:"unsubscribe_grace"` // nil means default; 0 releases rooms at once
	HandshakeTimeout time.Duration  `yaml:"handshake_timeout"`
	PingInterval     time.Duration  `yaml:"ping_interval"`
	PingTimeout      time.Duration  `yaml:"ping_timeout"`
	WriteTimeout     time.Duration  `yaml:"write_timeout"`
	SendBuffer       int            `yaml:"send_buffer"`
	ReceiveBuffer    int            `yaml:"receive_buffer"`
	StrictRooms      bool           `yaml:"strict_rooms"` // only global, worker:<id>, task:<id>
}

// Grace returns the unsubscribe grace period, or the default when unset.
func (ch ChannelConfig) Grace() time.Duration {
	if ch.UnsubscribeGrace == nil {
		return DefaultUnsubscribeGrace
	}
	return *ch.UnsubscribeGrace
}

// AuthConfig selects how the socket handshake is authenticated.
// Token wins over JWTSecret, which wins over PrivateKeyPath.
type AuthConfig struct {
	Token          string        `yaml:"token"`            // static bearer token
	JWTSecret      string        `yaml:"jwt_secret"`       // HS256 signing secret
	PrivateKeyPath string        `yaml:"private_key_path"` // RS256 PEM key
	Subject        string        `yaml:"subject"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
}

// JournalConfig holds the optional event journal settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// HealthConfig holds the health/debug HTTP server settings. Port 0 disables it.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}
