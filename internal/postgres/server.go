// Package postgres runs or connects to a PostgreSQL server and manages the
// logical databases on it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// ErrServerStopped is returned by every operation on a Server after Stop.
var ErrServerStopped = errors.New("postgres server stopped")

// Server is one embedded postgres process or one connection to an external
// server. It is created by New, made usable by Start and retired by Stop.
type Server struct {
	cfg Config

	mu        sync.RWMutex
	base      *url.URL
	admin     *sqlx.DB
	running   bool
	released  bool
	startedAt time.Time

	// embedded only
	bins    binaries
	dataDir string
	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error
}

// Status describes a Server for diagnostics.
type Status struct {
	Running  bool          `json:"running"`
	External bool          `json:"external"`
	PID      int           `json:"pid,omitempty"`
	Address  string        `json:"address"`
	DataDir  string        `json:"data_dir,omitempty"`
	Uptime   time.Duration `json:"uptime,omitempty"`
}

// New prepares a server. For an embedded server this locates the binaries
// and initializes the data directory; nothing is started yet.
func New(ctx context.Context, cfg Config) (*Server, error) {
	s := &Server{cfg: cfg}

	if cfg.External {
		base, err := cfg.baseURL()
		if err != nil {
			return nil, err
		}
		s.base = base
		log.Debug().Str("uri", base.Redacted()).Msg("Using external postgres server")
		return s, nil
	}

	if err := s.initEmbedded(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs the embedded server, or checks that the external one answers.
// Calling Start on a running server is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrServerStopped
	}
	if s.running {
		return nil
	}

	if !s.cfg.External {
		if err := s.startProcess(ctx); err != nil {
			return err
		}
	}

	admin, err := s.waitForReady(ctx)
	if err != nil {
		if !s.cfg.External {
			if stopErr := s.stopProcess(); stopErr != nil {
				log.Warn().Err(stopErr).Msg("Failed to stop postgres after failed start")
			}
		}
		return err
	}

	s.admin = admin
	s.running = true
	s.startedAt = time.Now()

	log.Info().
		Bool("external", s.cfg.External).
		Str("address", s.base.Host).
		Msg("Postgres server ready")
	return nil
}

// Stop releases the server. An embedded process is shut down and, unless the
// server is persistent, its data directory removed. Stop is idempotent.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil
	}
	s.released = true
	s.running = false

	var err error
	if s.admin != nil {
		err = multierr.Append(err, s.admin.Close())
		s.admin = nil
	}

	if s.cfg.External {
		log.Info().Str("address", s.base.Host).Msg("Disconnected from external postgres server")
		return err
	}

	err = multierr.Append(err, s.stopProcess())
	if !s.cfg.Persistent {
		err = multierr.Append(err, s.removeDataDir())
	}
	return err
}

// AdminURI is the URI of the maintenance database.
func (s *Server) AdminURI() string {
	return s.DatabaseURI(s.cfg.adminDatabase())
}

// DatabaseURI is the connection URI for the database called name.
func (s *Server) DatabaseURI(name string) string {
	s.mu.RLock()
	base := s.base
	s.mu.RUnlock()
	if base == nil {
		return ""
	}
	u := *base
	u.Path = "/" + name
	return u.String()
}

// Status reports the current state of the server.
func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Running:  s.running,
		External: s.cfg.External,
		DataDir:  s.dataDir,
	}
	if s.base != nil {
		st.Address = s.base.Host
	}
	if s.running {
		st.Uptime = time.Since(s.startedAt)
		if s.cmd != nil && s.cmd.Process != nil {
			st.PID = s.cmd.Process.Pid
		}
	}
	return st
}

// adminDB returns the pool connected to the maintenance database.
func (s *Server) adminDB() (*sqlx.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.released {
		return nil, ErrServerStopped
	}
	if s.admin == nil {
		return nil, fmt.Errorf("postgres server not started")
	}
	return s.admin, nil
}

// connect opens a short-lived connection to uri.
func (s *Server) connect(ctx context.Context, uri string) (*sqlx.DB, error) {
	s.mu.RLock()
	released := s.released
	s.mu.RUnlock()
	if released {
		return nil, ErrServerStopped
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", s.dsn(uri))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// dsn adds the configured connect timeout to uri.
func (s *Server) dsn(uri string) string {
	secs := s.cfg.connectTimeoutSeconds()
	if secs == 0 {
		return uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	q := u.Query()
	if q.Get("connect_timeout") == "" {
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// waitForReady polls the maintenance database until it answers or the start
// timeout expires. Called with s.mu held.
func (s *Server) waitForReady(ctx context.Context) (*sqlx.DB, error) {
	timeout := s.cfg.StartTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := sqlx.Open("postgres", s.dsn(s.databaseURILocked(s.cfg.adminDatabase())))
	if err != nil {
		return nil, fmt.Errorf("open admin connection: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = db.PingContext(ctx); lastErr == nil {
			return db, nil
		}

		select {
		case <-ctx.Done():
			db.Close()
			return nil, fmt.Errorf("timeout waiting for postgres at %s: %w", s.base.Host, lastErr)
		case <-s.exitedChan():
			db.Close()
			return nil, fmt.Errorf("postgres exited during startup: %w", s.exitErrOr(lastErr))
		case <-ticker.C:
		}
	}
}

// databaseURILocked is DatabaseURI for callers already holding s.mu.
func (s *Server) databaseURILocked(name string) string {
	u := *s.base
	u.Path = "/" + name
	return u.String()
}

func (s *Server) exitedChan() <-chan struct{} {
	if s.exited == nil {
		return nil
	}
	return s.exited
}

func (s *Server) exitErrOr(fallback error) error {
	if s.exitErr != nil {
		return s.exitErr
	}
	if fallback != nil {
		return fallback
	}
	return errors.New("process exited")
}
