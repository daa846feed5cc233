// Package catalog keeps a SQLite ledger of the databases pqlmem has
// provisioned, so leftovers can be listed and reaped across processes.
package catalog

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Catalog wraps the SQLite database connection
type Catalog struct {
	*sql.DB
	path string
	mu   sync.RWMutex
}

// New opens (creating if needed) the catalog at path
func New(path string) (*Catalog, error) {
	// SQLite connection with WAL mode for better concurrency
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping catalog: %w", err)
	}

	// SQLite with WAL mode supports concurrent reads but serializes writes
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	log.Debug().Str("path", path).Msg("Catalog connection established")

	return &Catalog{
		DB:   db,
		path: path,
	}, nil
}

// Path returns the catalog file path
func (c *Catalog) Path() string {
	return c.path
}

// Transaction wraps a function in a database transaction
func (c *Catalog) Transaction(fn func(*sql.Tx) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("Failed to rollback transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
