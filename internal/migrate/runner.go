// Package migrate applies a directory of plain SQL migration files to a
// PostgreSQL database and records what it applied.
package migrate

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// TableName is the ledger table created in every migrated database.
const TableName = "_pqlmem_migrations"

// Result lists the files applied by this run and those already recorded.
type Result struct {
	Applied []string
	Skipped []string
}

// Run applies every unapplied *.sql file in dir, in lexical order. Files
// ending in .down.sql are ignored. Each file runs in its own transaction
// together with its ledger row.
func Run(ctx context.Context, db *sqlx.DB, dir string) (*Result, error) {
	return RunFS(ctx, db, os.DirFS(dir), dir)
}

// RunFS is Run over an arbitrary filesystem; label names it in errors.
func RunFS(ctx context.Context, db *sqlx.DB, fsys fs.FS, label string) (*Result, error) {
	files, err := ListFiles(fsys)
	if err != nil {
		return nil, fmt.Errorf("list migration files in %s: %w", label, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no migration files found in %s", label)
	}

	if err := ensureTable(ctx, db); err != nil {
		return nil, fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := appliedFiles(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("get applied migrations: %w", err)
	}

	res := &Result{}
	for _, filename := range files {
		if applied[filename] {
			log.Debug().Str("file", filename).Msg("Migration already applied")
			res.Skipped = append(res.Skipped, filename)
			continue
		}

		if err := apply(ctx, db, fsys, filename); err != nil {
			return res, fmt.Errorf("apply migration %s: %w", filename, err)
		}
		log.Info().Str("file", filename).Msg("Migration applied")
		res.Applied = append(res.Applied, filename)
	}

	return res, nil
}

// ListFiles returns the up-migration files at the root of fsys, sorted.
func ListFiles(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".sql") || strings.HasSuffix(name, ".down.sql") {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

func ensureTable(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+TableName+` (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func appliedFiles(ctx context.Context, db *sqlx.DB) (map[string]bool, error) {
	var names []string
	if err := db.SelectContext(ctx, &names, "SELECT filename FROM "+TableName+" ORDER BY filename"); err != nil {
		return nil, err
	}

	applied := make(map[string]bool, len(names))
	for _, n := range names {
		applied[n] = true
	}
	return applied, nil
}

func apply(ctx context.Context, db *sqlx.DB, fsys fs.FS, filename string) error {
	content, err := fs.ReadFile(fsys, filename)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, stmt := range SplitStatements(string(content)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "INSERT INTO "+TableName+" (filename) VALUES ($1)", filename); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit()
}
