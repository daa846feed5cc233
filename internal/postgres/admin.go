package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/pqlmem/internal/migrate"
)

var (
	// ErrDatabaseExists is returned when creating a database whose name is taken.
	ErrDatabaseExists = errors.New("database already exists")
	// ErrDatabaseNotFound is returned when dropping a database that does not exist.
	ErrDatabaseNotFound = errors.New("database does not exist")
	// ErrInvalidName is returned for names postgres would not accept unquoted.
	ErrInvalidName = errors.New("invalid database name")
)

// Databases that are part of every cluster and never reported or dropped.
var systemDatabases = map[string]bool{
	"postgres":  true,
	"template0": true,
	"template1": true,
}

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// GenerateName returns a fresh, unique database name.
func GenerateName() string {
	return "db_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidateName checks that name is usable as a database name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q (letters, digits and underscores, at most 63 characters)", ErrInvalidName, name)
	}
	if systemDatabases[name] {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}

// CreateDatabase creates a database and returns its connection URI. An empty
// name is replaced with a generated one.
func (s *Server) CreateDatabase(ctx context.Context, name string) (string, error) {
	if name == "" {
		name = GenerateName()
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}

	admin, err := s.adminDB()
	if err != nil {
		return "", err
	}

	if _, err := admin.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(name)); err != nil {
		if pqCode(err) == "42P04" {
			return "", fmt.Errorf("%w: %s", ErrDatabaseExists, name)
		}
		return "", fmt.Errorf("create database %s: %w", name, err)
	}

	log.Debug().Str("database", name).Msg("Created postgres database")
	return s.DatabaseURI(name), nil
}

// DropDatabase terminates the sessions connected to name and drops it.
func (s *Server) DropDatabase(ctx context.Context, name string) error {
	if systemDatabases[name] || name == s.cfg.adminDatabase() {
		return fmt.Errorf("%w: refusing to drop %q", ErrInvalidName, name)
	}

	exists, err := s.DatabaseExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrDatabaseNotFound, name)
	}

	if err := s.TerminateConnections(ctx, name); err != nil {
		return err
	}

	admin, err := s.adminDB()
	if err != nil {
		return err
	}
	if _, err := admin.ExecContext(ctx, "DROP DATABASE "+pq.QuoteIdentifier(name)); err != nil {
		if pqCode(err) == "3D000" {
			return fmt.Errorf("%w: %s", ErrDatabaseNotFound, name)
		}
		return fmt.Errorf("drop database %s: %w", name, err)
	}

	log.Debug().Str("database", name).Msg("Dropped postgres database")
	return nil
}

// DatabaseExists reports whether a database called name exists.
func (s *Server) DatabaseExists(ctx context.Context, name string) (bool, error) {
	admin, err := s.adminDB()
	if err != nil {
		return false, err
	}

	var exists bool
	if err := admin.GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name); err != nil {
		return false, fmt.Errorf("check database %s: %w", name, err)
	}
	return exists, nil
}

// ListDatabases returns the user databases, sorted by name.
func (s *Server) ListDatabases(ctx context.Context) ([]string, error) {
	admin, err := s.adminDB()
	if err != nil {
		return nil, err
	}

	var all []string
	if err := admin.SelectContext(ctx, &all, "SELECT datname FROM pg_database WHERE NOT datistemplate ORDER BY datname"); err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}

	adminDB := s.cfg.adminDatabase()
	names := make([]string, 0, len(all))
	for _, n := range all {
		if systemDatabases[n] || n == adminDB {
			continue
		}
		names = append(names, n)
	}
	return names, nil
}

// TerminateConnections ends every other session connected to name.
func (s *Server) TerminateConnections(ctx context.Context, name string) error {
	admin, err := s.adminDB()
	if err != nil {
		return err
	}

	res, err := admin.ExecContext(ctx, `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()
	`, name)
	if err != nil {
		return fmt.Errorf("terminate connections to %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Debug().Str("database", name).Int64("sessions", n).Msg("Terminated sessions")
	}
	return nil
}

// Rows is the outcome of Exec.
type Rows struct {
	Columns []string
	Values  [][]any
}

// Exec runs sql on a fresh connection to uri and collects any returned rows.
// Scripts with several statements are allowed; the rows of the last one are kept.
func (s *Server) Exec(ctx context.Context, uri, sql string) (*Rows, error) {
	db, err := s.connect(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryxContext(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &Rows{}
	for {
		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		var values [][]any
		for rows.Next() {
			row, err := rows.SliceScan()
			if err != nil {
				return nil, err
			}
			values = append(values, normalizeRow(row))
		}
		if len(cols) > 0 {
			out.Columns, out.Values = cols, values
		}
		if !rows.NextResultSet() {
			break
		}
	}
	return out, rows.Err()
}

// Migrate applies the migration files in dir to the database called name.
func (s *Server) Migrate(ctx context.Context, name, dir string) (*migrate.Result, error) {
	db, err := s.connect(ctx, s.DatabaseURI(name))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	return migrate.Run(ctx, db, dir)
}

// normalizeRow turns driver byte slices into strings so rows encode as text.
func normalizeRow(row []any) []any {
	for i, v := range row {
		if b, ok := v.([]byte); ok {
			row[i] = string(b)
		}
	}
	return row
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}
