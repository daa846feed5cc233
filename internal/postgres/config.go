package postgres

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the resolved settings for one server.
type Config struct {
	// External selects connecting to an existing server at URI instead of
	// running one under RootPath.
	External bool
	URI      string

	RootPath   string
	BinDir     string
	Username   string
	Password   string
	Host       string
	Port       int
	Persistent bool

	// Timeout bounds each connection attempt.
	Timeout time.Duration
	// StartTimeout bounds how long Start waits for the server to accept connections.
	StartTimeout time.Duration
}

const (
	// MaintenanceDB is the database admin connections use when the URI names none.
	MaintenanceDB = "postgres"

	stopGracePeriod = 15 * time.Second
)

// baseURL builds the server URL without a database path. For external
// servers the query of the configured URI is kept.
func (c Config) baseURL() (*url.URL, error) {
	u := &url.URL{Scheme: "postgres"}
	if c.External {
		parsed, err := url.Parse(c.URI)
		if err != nil {
			return nil, fmt.Errorf("invalid server uri: %w", err)
		}
		u.Scheme = parsed.Scheme
		u.RawQuery = parsed.RawQuery
	} else {
		u.RawQuery = url.Values{"sslmode": {"disable"}}.Encode()
	}
	u.User = url.UserPassword(c.Username, c.Password)
	u.Host = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	return u, nil
}

// adminDatabase is the database named in an external URI, or MaintenanceDB.
func (c Config) adminDatabase() string {
	if c.External {
		if parsed, err := url.Parse(c.URI); err == nil {
			p := strings.Trim(parsed.Path, "/")
			if p != "" {
				return p[strings.LastIndex(p, "/")+1:]
			}
		}
	}
	return MaintenanceDB
}

// connectTimeoutSeconds is Timeout rounded up to whole seconds, as lib/pq expects.
func (c Config) connectTimeoutSeconds() int {
	if c.Timeout <= 0 {
		return 0
	}
	secs := int((c.Timeout + time.Second - 1) / time.Second)
	return max(secs, 1)
}
