package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/taskpulse/internal/config"
)

// ApplicationName is reported to Postgres on every journal connection.
const ApplicationName = "taskpulse"

// connectTimeoutSeconds bounds each dial made by the pool.
const connectTimeoutSeconds = 10

// BuildConnString builds a PostgreSQL URL from config. The password is
// escaped by url.UserPassword; an empty ssl mode means "prefer".
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", ApplicationName)
	q.Set("connect_timeout", strconv.Itoa(connectTimeoutSeconds))

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
