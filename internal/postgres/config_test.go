package postgres

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfig_BaseURLEmbedded(t *testing.T) {
	cfg := Config{Username: "postgres", Password: "pw", Host: "127.0.0.1", Port: 5433}
	u, err := cfg.baseURL()
	if err != nil {
		t.Fatalf("baseURL: %v", err)
	}
	if u.Scheme != "postgres" || u.Host != "127.0.0.1:5433" {
		t.Fatalf("unexpected url %s", u.Redacted())
	}
	if u.Query().Get("sslmode") != "disable" {
		t.Fatalf("embedded servers must disable ssl, got %q", u.RawQuery)
	}
	if pass, _ := u.User.Password(); pass != "pw" {
		t.Fatalf("expected password to be set")
	}
}

func TestConfig_BaseURLExternalKeepsQuery(t *testing.T) {
	cfg := Config{
		External: true,
		URI:      "postgresql://ignored@elsewhere:1/app?sslmode=require",
		Username: "svc",
		Password: "secret",
		Host:     "db.internal",
		Port:     6000,
	}
	u, err := cfg.baseURL()
	if err != nil {
		t.Fatalf("baseURL: %v", err)
	}
	if u.Scheme != "postgresql" {
		t.Fatalf("expected scheme from uri, got %s", u.Scheme)
	}
	if u.Host != "db.internal:6000" || u.User.Username() != "svc" {
		t.Fatalf("expected resolved host and user, got %s", u.Redacted())
	}
	if u.Query().Get("sslmode") != "require" {
		t.Fatalf("expected query to be kept, got %q", u.RawQuery)
	}
	if u.Path != "" {
		t.Fatalf("base url must not carry a database, got %q", u.Path)
	}
}

func TestConfig_AdminDatabase(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{}, MaintenanceDB},
		{Config{External: true, URI: "postgresql://h/app"}, "app"},
		{Config{External: true, URI: "postgresql://h/app/"}, "app"},
		{Config{External: true, URI: "postgresql://h"}, MaintenanceDB},
		{Config{URI: "postgresql://h/app"}, MaintenanceDB},
	}
	for _, tt := range tests {
		if got := tt.cfg.adminDatabase(); got != tt.want {
			t.Fatalf("adminDatabase(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestConfig_ConnectTimeoutSeconds(t *testing.T) {
	tests := map[time.Duration]int{
		0:                       0,
		time.Nanosecond:         1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		10 * time.Second:        10,
	}
	for in, want := range tests {
		if got := (Config{Timeout: in}).connectTimeoutSeconds(); got != want {
			t.Fatalf("connectTimeoutSeconds(%s) = %d, want %d", in, got, want)
		}
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"db_abc", "_x", "Orders2024", strings.Repeat("a", 63)}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Fatalf("ValidateName(%q): %v", name, err)
		}
	}

	invalid := []string{"", "1abc", "a-b", "has space", "drop;table", strings.Repeat("a", 64), "postgres", "template0", "template1"}
	for _, name := range invalid {
		err := ValidateName(name)
		if !errors.Is(err, ErrInvalidName) {
			t.Fatalf("ValidateName(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestGenerateName(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		name := GenerateName()
		if err := ValidateName(name); err != nil {
			t.Fatalf("generated name %q is invalid: %v", name, err)
		}
		if seen[name] {
			t.Fatalf("duplicate generated name %q", name)
		}
		seen[name] = true
	}
}

func TestFindAvailablePort_SkipsBusyPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	if err := CheckPortAvailable("127.0.0.1", busy); err == nil {
		t.Fatalf("expected port %d to be reported busy", busy)
	}

	port, err := FindAvailablePort("127.0.0.1", busy)
	if err != nil {
		t.Fatalf("FindAvailablePort: %v", err)
	}
	if port == busy {
		t.Fatalf("expected a port other than %d", busy)
	}
}

func TestFindBinaries_ConfiguredDir(t *testing.T) {
	dir := t.TempDir()
	if _, err := FindBinaries(dir); err == nil {
		t.Fatalf("expected error for an empty bin dir")
	}

	for _, name := range []string{"initdb", "postgres"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	b, err := FindBinaries(dir)
	if err != nil {
		t.Fatalf("FindBinaries: %v", err)
	}
	if b.initdb != filepath.Join(dir, "initdb") || b.postgres != filepath.Join(dir, "postgres") {
		t.Fatalf("unexpected binaries %+v", b)
	}
}

func TestPgMajor(t *testing.T) {
	if got := pgMajor("/usr/lib/postgresql/16/bin"); got != 16 {
		t.Fatalf("expected 16, got %d", got)
	}
	if got := pgMajor("/usr/local/bin"); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func newExternal(t *testing.T) *Server {
	t.Helper()
	s, err := New(context.Background(), Config{
		External: true,
		URI:      "postgresql://127.0.0.1:5432/postgres?sslmode=disable",
		Username: "postgres",
		Password: "pw",
		Host:     "127.0.0.1",
		Port:     5432,
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestServer_URIsBeforeStart(t *testing.T) {
	s := newExternal(t)

	uri := s.DatabaseURI("app")
	if !strings.HasPrefix(uri, "postgresql://postgres:pw@127.0.0.1:5432/app") {
		t.Fatalf("unexpected database uri %s", uri)
	}
	if !strings.Contains(uri, "sslmode=disable") {
		t.Fatalf("expected query to be kept, got %s", uri)
	}
	if !strings.Contains(s.AdminURI(), "/postgres?") {
		t.Fatalf("unexpected admin uri %s", s.AdminURI())
	}

	dsn := s.dsn(uri)
	if !strings.Contains(dsn, "connect_timeout=1") {
		t.Fatalf("expected connect timeout in dsn, got %s", dsn)
	}

	st := s.Status()
	if st.Running || !st.External || st.Address != "127.0.0.1:5432" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestServer_OperationsAfterStop(t *testing.T) {
	s := newExternal(t)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if err := s.Start(context.Background()); !errors.Is(err, ErrServerStopped) {
		t.Fatalf("expected ErrServerStopped from Start, got %v", err)
	}
	if _, err := s.CreateDatabase(context.Background(), "app"); !errors.Is(err, ErrServerStopped) {
		t.Fatalf("expected ErrServerStopped from CreateDatabase, got %v", err)
	}
	if _, err := s.Exec(context.Background(), s.DatabaseURI("app"), "SELECT 1"); !errors.Is(err, ErrServerStopped) {
		t.Fatalf("expected ErrServerStopped from Exec, got %v", err)
	}
}

func TestServer_DropRefusesSystemDatabases(t *testing.T) {
	s := newExternal(t)
	for _, name := range []string{"postgres", "template1"} {
		if err := s.DropDatabase(context.Background(), name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("DropDatabase(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestSocketDir(t *testing.T) {
	dir := t.TempDir()
	if got := socketDir(dir, 5433); got != dir {
		t.Fatalf("expected socket in the data directory %s, got %q", dir, got)
	}

	long := "/" + strings.Repeat("d", maxSocketPath)
	if got := socketDir(long, 5433); got != "" {
		t.Fatalf("expected unix sockets disabled for a long path, got %q", got)
	}
}
