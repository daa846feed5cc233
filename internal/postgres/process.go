package postgres

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// postgresLogWriter implements io.Writer for postgres output logging
type postgresLogWriter struct {
	level string
}

func (w *postgresLogWriter) Write(p []byte) (n int, err error) {
	for line := range strings.SplitSeq(string(p), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		// Postgres prefixes messages with their severity, e.g. "LOG:  database system is ready"
		switch {
		case strings.Contains(line, "FATAL:"), strings.Contains(line, "PANIC:"), strings.Contains(line, "ERROR:"):
			log.Error().Str("source", "postgres").Msg(line)
		case strings.Contains(line, "WARNING:"):
			log.Warn().Str("source", "postgres").Msg(line)
		case w.level == "error" && !strings.Contains(line, "LOG:"):
			log.Error().Str("source", "postgres").Msg(line)
		default:
			log.Debug().Str("source", "postgres").Msg(line)
		}
	}
	return len(p), nil
}

// CheckPortAvailable checks if a port is available for binding on host
func CheckPortAvailable(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is not available: %w", port, err)
	}
	listener.Close()
	return nil
}

// FindAvailablePort finds an available port starting from the given port
func FindAvailablePort(host string, startPort int) (int, error) {
	for port := startPort; port < startPort+100 && port <= 65535; port++ {
		if err := CheckPortAvailable(host, port); err == nil {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available port found in range %d-%d", startPort, startPort+99)
}
