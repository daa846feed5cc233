package catalog

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/pqlmem/internal/migrate"
)

// Migrate runs all catalog migrations
func (c *Catalog) Migrate() error {
	log.Debug().Msg("Running catalog migrations")

	_, err := c.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = c.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	log.Debug().Int("current_version", currentVersion).Msg("Current catalog schema version")

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("Applying catalog migration")

		if err := c.Transaction(func(tx *sql.Tx) error {
			for i, stmt := range migrate.SplitStatements(m.SQL) {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("migration %d statement %d failed: %w", m.Version, i+1, err)
				}
			}

			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
			}
			return nil
		}); err != nil {
			return err
		}
	}

	return nil
}

type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "initial_schema",
		SQL: `
			-- One row per provisioned database; dropped_at is set once it is gone
			CREATE TABLE databases (
				name TEXT PRIMARY KEY,
				uri TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL,
				dropped_at TIMESTAMP
			);

			CREATE INDEX idx_databases_live ON databases(dropped_at, created_at);

			-- Daemon settings
			CREATE TABLE settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
	{
		Version: 2,
		Name:    "add_owner_pid",
		SQL: `
			-- Process that created the database, for diagnosing leaks
			ALTER TABLE databases ADD COLUMN owner_pid INTEGER NOT NULL DEFAULT 0;
		`,
	},
}
