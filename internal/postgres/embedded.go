package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// binaries are the server programs an embedded Server runs.
type binaries struct {
	initdb   string
	postgres string
}

// initEmbedded locates the binaries and makes sure the data directory holds
// an initialized cluster.
func (s *Server) initEmbedded(ctx context.Context) error {
	bins, err := FindBinaries(s.cfg.BinDir)
	if err != nil {
		return err
	}
	s.bins = bins

	root, err := filepath.Abs(s.cfg.RootPath)
	if err != nil {
		return fmt.Errorf("resolve root path %s: %w", s.cfg.RootPath, err)
	}
	s.dataDir = filepath.Join(root, "db")

	initialized := clusterExists(s.dataDir)
	if initialized && !s.cfg.Persistent {
		// A non-persistent cluster left behind by a crashed run.
		log.Debug().Str("path", s.dataDir).Msg("Removing stale postgres data directory")
		if err := os.RemoveAll(s.dataDir); err != nil {
			return fmt.Errorf("remove stale data directory %s: %w", s.dataDir, err)
		}
		initialized = false
	}
	if initialized {
		log.Debug().Str("path", s.dataDir).Msg("Reusing persistent postgres data directory")
		return nil
	}

	return s.runInitdb(ctx)
}

func (s *Server) runInitdb(ctx context.Context) error {
	if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory %s: %w", s.dataDir, err)
	}

	pwFile, err := os.CreateTemp("", "pqlmem-pw-*")
	if err != nil {
		return fmt.Errorf("create password file: %w", err)
	}
	defer os.Remove(pwFile.Name())
	if _, err := pwFile.WriteString(s.cfg.Password + "\n"); err != nil {
		pwFile.Close()
		return fmt.Errorf("write password file: %w", err)
	}
	if err := pwFile.Close(); err != nil {
		return fmt.Errorf("write password file: %w", err)
	}

	args := []string{
		"-D", s.dataDir,
		"-U", s.cfg.Username,
		"--pwfile", pwFile.Name(),
		"-A", "md5",
		"-E", "UTF8",
		"--no-locale",
	}

	log.Info().Str("binary", s.bins.initdb).Str("path", s.dataDir).Msg("Initializing postgres data directory")

	cmd := exec.CommandContext(ctx, s.bins.initdb, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("initdb failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// startProcess spawns postgres on the first free port at or above the
// configured one. Called with s.mu held.
func (s *Server) startProcess(ctx context.Context) error {
	port, err := FindAvailablePort(s.cfg.Host, s.cfg.Port)
	if err != nil {
		return fmt.Errorf("cannot start postgres: %w", err)
	}
	if port != s.cfg.Port {
		log.Info().Int("configured_port", s.cfg.Port).Int("available_port", port).Msg("Configured port in use, using next available port")
	}
	s.cfg.Port = port

	base, err := s.cfg.baseURL()
	if err != nil {
		return err
	}
	s.base = base

	args := []string{
		"-D", s.dataDir,
		"-p", strconv.Itoa(port),
		"-h", s.cfg.Host,
		"-k", socketDir(s.dataDir, port),
	}

	s.cmd = exec.Command(s.bins.postgres, args...)
	// Own process group so a terminal SIGINT does not reach postgres before we stop it.
	setProcessGroup(s.cmd)

	s.cmd.Stdout = &postgresLogWriter{level: "info"}
	s.cmd.Stderr = &postgresLogWriter{level: "error"}

	if err := s.cmd.Start(); err != nil {
		s.cmd = nil
		return fmt.Errorf("failed to start postgres: %w", err)
	}

	log.Info().
		Str("binary", s.bins.postgres).
		Str("address", base.Host).
		Int("pid", s.cmd.Process.Pid).
		Msg("Started postgres process")

	s.exited = make(chan struct{})
	s.exitErr = nil
	go s.monitorProcess(s.cmd, s.exited)

	return nil
}

// maxSocketPath is the sun_path limit postgres enforces for unix sockets.
const maxSocketPath = 107

// socketDir returns the directory postgres puts its unix socket in: the data
// directory itself, so servers never share one. When the resulting socket
// path would exceed the unix limit, unix sockets are disabled and only TCP is
// served.
func socketDir(dataDir string, port int) string {
	sock := filepath.Join(dataDir, ".s.PGSQL."+strconv.Itoa(port))
	if len(sock) > maxSocketPath {
		log.Debug().Str("path", sock).Msg("Socket path too long, serving TCP only")
		return ""
	}
	return dataDir
}

// monitorProcess waits for the process to exit and records why.
func (s *Server) monitorProcess(cmd *exec.Cmd, exited chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Postgres process monitor panicked")
		}
	}()

	err := cmd.Wait()
	s.exitErr = err
	close(exited)

	if err != nil {
		log.Debug().Err(err).Int("pid", cmd.Process.Pid).Msg("Postgres process exited")
	} else {
		log.Debug().Int("pid", cmd.Process.Pid).Msg("Postgres process exited")
	}
}

// stopProcess asks postgres for a fast shutdown and kills it if it does not
// exit within the grace period. Called with s.mu held.
func (s *Server) stopProcess() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	cmd, exited := s.cmd, s.exited
	defer func() {
		s.cmd = nil
	}()

	select {
	case <-exited:
		return nil
	default:
	}

	log.Info().Int("pid", cmd.Process.Pid).Msg("Stopping postgres process")

	// SIGINT is postgres' fast shutdown: abort sessions, checkpoint, exit.
	if err := cmd.Process.Signal(syscall.SIGINT); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Warn().Err(err).Msg("Failed to send SIGINT to postgres")
	}

	select {
	case <-exited:
		log.Info().Msg("Postgres process stopped")
		return nil
	case <-time.After(stopGracePeriod):
	}

	log.Warn().Msg("Postgres did not stop gracefully, sending SIGKILL")
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill postgres: %w", err)
	}
	<-exited
	return nil
}

func (s *Server) removeDataDir() error {
	if s.dataDir == "" {
		return nil
	}
	if err := os.RemoveAll(s.dataDir); err != nil {
		return fmt.Errorf("remove data directory %s: %w", s.dataDir, err)
	}
	log.Debug().Str("path", s.dataDir).Msg("Removed postgres data directory")
	return nil
}

func clusterExists(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, "PG_VERSION"))
	return err == nil
}

// FindBinaries locates initdb and postgres. binDir wins when set; otherwise
// the newest /usr/lib/postgresql/<version>/bin, a few common prefixes and
// PATH are searched, in that order.
func FindBinaries(binDir string) (binaries, error) {
	if binDir != "" {
		b := binaries{
			initdb:   filepath.Join(binDir, "initdb"),
			postgres: filepath.Join(binDir, "postgres"),
		}
		for _, p := range []string{b.initdb, b.postgres} {
			if _, err := os.Stat(p); err != nil {
				return binaries{}, fmt.Errorf("postgres binary not found at configured path: %s", p)
			}
		}
		return b, nil
	}

	for _, dir := range candidateBinDirs() {
		b := binaries{
			initdb:   filepath.Join(dir, "initdb"),
			postgres: filepath.Join(dir, "postgres"),
		}
		if isExecutable(b.initdb) && isExecutable(b.postgres) {
			log.Debug().Str("path", dir).Msg("Auto-detected postgres binaries")
			return b, nil
		}
	}

	initdb, err := exec.LookPath("initdb")
	if err != nil {
		return binaries{}, fmt.Errorf("postgres binaries not found: checked /usr/lib/postgresql/*/bin, common prefixes and PATH")
	}
	pg, err := exec.LookPath("postgres")
	if err != nil {
		return binaries{}, fmt.Errorf("postgres binary not found in PATH next to %s", initdb)
	}
	return binaries{initdb: initdb, postgres: pg}, nil
}

func candidateBinDirs() []string {
	var dirs []string
	if env := os.Getenv("PG_BIN_DIR"); env != "" {
		dirs = append(dirs, env)
	}

	versioned, _ := filepath.Glob("/usr/lib/postgresql/*/bin")
	sort.Slice(versioned, func(i, j int) bool {
		return pgMajor(versioned[i]) > pgMajor(versioned[j])
	})
	dirs = append(dirs, versioned...)

	return append(dirs,
		"/usr/local/pgsql/bin",
		"/opt/homebrew/bin",
		"/usr/local/bin",
		"/usr/bin",
	)
}

// pgMajor extracts the version directory from /usr/lib/postgresql/<v>/bin.
func pgMajor(binDir string) int {
	v, err := strconv.Atoi(filepath.Base(filepath.Dir(binDir)))
	if err != nil {
		return 0
	}
	return v
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Mode()&0o111 != 0
}
