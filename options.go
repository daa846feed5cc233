package pqlmem

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// EngineType selects between a self-hosted engine and an existing server.
type EngineType string

const (
	Embedded EngineType = "embedded"
	External EngineType = "external"
)

// ParseEngineType accepts the names used on the command line and in config files.
func ParseEngineType(s string) (EngineType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "embedded":
		return Embedded, nil
	case "external":
		return External, nil
	default:
		return "", fmt.Errorf("unknown engine type %q (expected embedded or external)", s)
	}
}

// Defaults applied by Resolve.
const (
	DefaultURI          = "127.0.0.1"
	DefaultRootPath     = "."
	DefaultUsername     = "postgres"
	DefaultPassword     = "postgres"
	DefaultHost         = "127.0.0.1"
	DefaultEmbeddedPort = 5433
	DefaultExternalPort = 5432
	DefaultTimeout      = 1000 * time.Millisecond
	DefaultStartTimeout = 30 * time.Second
)

// Options configures a Manager. The zero value is valid and resolves to an
// embedded engine with every default applied.
type Options struct {
	Type       EngineType
	URI        string
	RootPath   string
	Username   string
	Password   string
	Persistent *bool
	Port       int
	Timeout    time.Duration
	Host       string

	// StartTimeout bounds how long Start waits for the engine to accept connections.
	StartTimeout time.Duration
	// BinDir points at the directory holding initdb and postgres. Empty means auto-detect.
	BinDir string
	// SingleUse makes a stopped Manager refuse further operations instead of
	// starting a new engine.
	SingleUse bool
}

// IsPersistent reports whether engine data survives a Stop.
func (o Options) IsPersistent() bool {
	return o.Persistent != nil && *o.Persistent
}

// Resolve fills every unset field of opts from the defaults. Set fields are
// kept as they are. For external engines, user, password, host and port that
// appear in the URI are used before the package defaults.
func Resolve(opts Options) Options {
	if opts.Type == "" {
		opts.Type = Embedded
	}
	if opts.URI == "" {
		opts.URI = DefaultURI
	}
	if opts.RootPath == "" {
		opts.RootPath = DefaultRootPath
	}
	if opts.Persistent == nil {
		persistent := false
		opts.Persistent = &persistent
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.StartTimeout == 0 {
		opts.StartTimeout = DefaultStartTimeout
	}

	defaultPort := DefaultEmbeddedPort
	if opts.Type == External {
		defaultPort = DefaultExternalPort
		if u, err := url.Parse(opts.URI); err == nil && u.Host != "" {
			if opts.Username == "" && u.User != nil {
				opts.Username = u.User.Username()
			}
			if pass, ok := userPassword(u); ok && opts.Password == "" {
				opts.Password = pass
			}
			if opts.Host == "" {
				opts.Host = u.Hostname()
			}
			if opts.Port == 0 {
				if p, err := strconv.Atoi(u.Port()); err == nil {
					opts.Port = p
				}
			}
		}
	}

	if opts.Username == "" {
		opts.Username = DefaultUsername
	}
	if opts.Password == "" {
		opts.Password = DefaultPassword
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.Port == 0 {
		opts.Port = defaultPort
	}
	return opts
}

// Validate checks resolved options.
func (o Options) Validate() error {
	switch o.Type {
	case Embedded, External:
	default:
		return fmt.Errorf("unknown engine type %q", o.Type)
	}
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("port %d out of range", o.Port)
	}
	if o.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if o.StartTimeout < 0 {
		return fmt.Errorf("start timeout must not be negative")
	}
	if o.Type == External {
		u, err := parseConnURI(o.URI)
		if err != nil {
			return err
		}
		if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			return fmt.Errorf("unsupported uri scheme %q (expected postgres or postgresql)", u.Scheme)
		}
	}
	if o.Type == Embedded && o.RootPath == "" {
		return fmt.Errorf("root path is required for an embedded engine")
	}
	return nil
}

func userPassword(u *url.URL) (string, bool) {
	if u.User == nil {
		return "", false
	}
	return u.User.Password()
}
