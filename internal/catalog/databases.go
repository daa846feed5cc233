package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"
)

// Database is one provisioned database as recorded in the catalog
type Database struct {
	Name      string     `json:"name"`
	URI       string     `json:"uri"`
	OwnerPID  int        `json:"owner_pid"`
	CreatedAt time.Time  `json:"created_at"`
	DroppedAt *time.Time `json:"dropped_at,omitempty"`
}

// Live reports whether the database has not been dropped yet
func (d *Database) Live() bool {
	return d.DroppedAt == nil
}

const databaseColumns = "name, uri, owner_pid, created_at, dropped_at"

// RecordCreated stores a newly provisioned database. Re-creating a name that
// was dropped earlier starts a fresh record.
func (c *Catalog) RecordCreated(ctx context.Context, name, uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.ExecContext(ctx, `
		INSERT INTO databases (name, uri, owner_pid, created_at, dropped_at) VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT(name) DO UPDATE SET
			uri = excluded.uri,
			owner_pid = excluded.owner_pid,
			created_at = excluded.created_at,
			dropped_at = NULL
	`, name, uri, os.Getpid(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record database %s: %w", name, err)
	}
	return nil
}

// RecordDropped marks a database as dropped. Unknown names are ignored.
func (c *Catalog) RecordDropped(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.ExecContext(ctx, "UPDATE databases SET dropped_at = ? WHERE name = ? AND dropped_at IS NULL", time.Now().UTC(), name)
	if err != nil {
		return fmt.Errorf("failed to mark database %s dropped: %w", name, err)
	}
	return nil
}

// Get returns the record for name, or nil if the catalog has never seen it
func (c *Catalog) Get(ctx context.Context, name string) (*Database, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	row := c.QueryRowContext(ctx, "SELECT "+databaseColumns+" FROM databases WHERE name = ?", name)
	d, err := scanDatabase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get database %s: %w", name, err)
	}
	return d, nil
}

// List returns recorded databases, newest first
func (c *Catalog) List(ctx context.Context, includeDropped bool) ([]*Database, error) {
	query := "SELECT " + databaseColumns + " FROM databases"
	if !includeDropped {
		query += " WHERE dropped_at IS NULL"
	}
	query += " ORDER BY created_at DESC, name"
	return c.queryDatabases(ctx, query)
}

// Live returns the databases that have not been dropped
func (c *Catalog) Live(ctx context.Context) ([]*Database, error) {
	return c.List(ctx, false)
}

// OlderThan returns live databases created before cutoff, oldest first
func (c *Catalog) OlderThan(ctx context.Context, cutoff time.Time) ([]*Database, error) {
	return c.queryDatabases(ctx,
		"SELECT "+databaseColumns+" FROM databases WHERE dropped_at IS NULL AND created_at < ? ORDER BY created_at, name",
		cutoff.UTC())
}

// Purge deletes dropped records older than cutoff and returns how many went
func (c *Catalog) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.ExecContext(ctx, "DELETE FROM databases WHERE dropped_at IS NOT NULL AND dropped_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge dropped databases: %w", err)
	}
	return res.RowsAffected()
}

func (c *Catalog) queryDatabases(ctx context.Context, query string, args ...any) ([]*Database, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query databases: %w", err)
	}
	defer rows.Close()

	var out []*Database
	for rows.Next() {
		d, err := scanDatabase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan database: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDatabase(s scanner) (*Database, error) {
	var d Database
	var dropped sql.NullTime
	if err := s.Scan(&d.Name, &d.URI, &d.OwnerPID, &d.CreatedAt, &dropped); err != nil {
		return nil, err
	}
	d.DroppedAt = nullTimeToPtr(dropped)
	return &d, nil
}

// nullTimeToPtr converts a sql.NullTime to a pointer (nil if not valid)
func nullTimeToPtr(n sql.NullTime) *time.Time {
	if n.Valid {
		return &n.Time
	}
	return nil
}
