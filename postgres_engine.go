package pqlmem

import (
	"context"
	"errors"
	"fmt"

	"github.com/saltyorg/pqlmem/internal/postgres"
)

// postgresEngine is the default Engine: an embedded postgres process or an
// external server, depending on Options.Type.
type postgresEngine struct{}

// NewPostgresEngine returns the PostgreSQL implementation of Engine.
func NewPostgresEngine() Engine {
	return postgresEngine{}
}

func (postgresEngine) Init(ctx context.Context, opts Options) (Handle, error) {
	s, err := postgres.New(ctx, postgresConfig(opts))
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (postgresEngine) Start(ctx context.Context, h Handle) error {
	s, err := server(h)
	if err != nil {
		return err
	}
	return engineErr(s.Start(ctx))
}

func (postgresEngine) Stop(ctx context.Context, h Handle) error {
	s, err := server(h)
	if err != nil {
		return err
	}
	return s.Stop(ctx)
}

func (postgresEngine) NewDB(ctx context.Context, h Handle, name string) (string, error) {
	s, err := server(h)
	if err != nil {
		return "", err
	}
	uri, err := s.CreateDatabase(ctx, name)
	return uri, engineErr(err)
}

func (postgresEngine) DropDB(ctx context.Context, h Handle, uri, name string) error {
	s, err := server(h)
	if err != nil {
		return err
	}
	return engineErr(s.DropDatabase(ctx, name))
}

func (postgresEngine) ExecuteSQL(ctx context.Context, h Handle, uri, sql string) (*Result, error) {
	s, err := server(h)
	if err != nil {
		return nil, err
	}
	rows, err := s.Exec(ctx, uri, sql)
	if err != nil {
		return nil, engineErr(err)
	}
	return &Result{Columns: rows.Columns, Rows: rows.Values}, nil
}

func (postgresEngine) Migrate(ctx context.Context, h Handle, name, dir string) (*MigrationResult, error) {
	s, err := server(h)
	if err != nil {
		return nil, err
	}
	res, err := s.Migrate(ctx, name, dir)
	if err != nil {
		return nil, engineErr(err)
	}
	return &MigrationResult{Applied: res.Applied, Skipped: res.Skipped}, nil
}

func (postgresEngine) ListDBs(ctx context.Context, h Handle) ([]string, error) {
	s, err := server(h)
	if err != nil {
		return nil, err
	}
	names, err := s.ListDatabases(ctx)
	return names, engineErr(err)
}

func (postgresEngine) HasDB(ctx context.Context, h Handle, name string) (bool, error) {
	s, err := server(h)
	if err != nil {
		return false, err
	}
	ok, err := s.DatabaseExists(ctx, name)
	return ok, engineErr(err)
}

func server(h Handle) (*postgres.Server, error) {
	s, ok := h.(*postgres.Server)
	if !ok {
		return nil, fmt.Errorf("handle %T does not belong to the postgres engine", h)
	}
	return s, nil
}

func engineErr(err error) error {
	if err != nil && errors.Is(err, postgres.ErrServerStopped) {
		return fmt.Errorf("%w: %w", ErrHandleReleased, err)
	}
	return err
}

func postgresConfig(opts Options) postgres.Config {
	return postgres.Config{
		External:     opts.Type == External,
		URI:          opts.URI,
		RootPath:     opts.RootPath,
		BinDir:       opts.BinDir,
		Username:     opts.Username,
		Password:     opts.Password,
		Host:         opts.Host,
		Port:         opts.Port,
		Persistent:   opts.IsPersistent(),
		Timeout:      opts.Timeout,
		StartTimeout: opts.StartTimeout,
	}
}
