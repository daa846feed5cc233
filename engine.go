package pqlmem

import "context"

// Handle is an opaque, running engine instance. It is owned by exactly one
// Manager and must not be used after the Engine has stopped it.
type Handle interface {
	// AdminURI is the connection URI of the engine's maintenance database.
	AdminURI() string
}

// Engine is the boundary between the Manager and the database server. Every
// call after Init takes the handle it operates on explicitly.
type Engine interface {
	Init(ctx context.Context, opts Options) (Handle, error)
	Start(ctx context.Context, h Handle) error
	Stop(ctx context.Context, h Handle) error

	// NewDB creates a logical database and returns its connection URI. An
	// empty name asks the engine to generate a unique one.
	NewDB(ctx context.Context, h Handle, name string) (string, error)
	// DropDB removes the database called name. uri is the full connection
	// URI the caller used to address it.
	DropDB(ctx context.Context, h Handle, uri, name string) error
	ExecuteSQL(ctx context.Context, h Handle, uri, sql string) (*Result, error)
	Migrate(ctx context.Context, h Handle, name, dir string) (*MigrationResult, error)

	ListDBs(ctx context.Context, h Handle) ([]string, error)
	HasDB(ctx context.Context, h Handle, name string) (bool, error)
}

// Result holds the rows returned by a SQL statement. Statements that return
// no rows leave both fields empty.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// MigrationResult lists the migration files applied by a run and those that
// had been applied before.
type MigrationResult struct {
	Applied []string `json:"applied"`
	Skipped []string `json:"skipped"`
}

// Recorder keeps a ledger of provisioned databases.
type Recorder interface {
	RecordCreated(ctx context.Context, name, uri string) error
	RecordDropped(ctx context.Context, name string) error
}
