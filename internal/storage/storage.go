// Package storage implements the on-disk persistence for one local
// client: accounts, per-group message history, media blobs, contact
// credentials, and per-device MLS group state, each its own SQLite file
// under the client's data directory. It mirrors the teacher's
// internal/database package structure -- a thin connection wrapper plus
// golang-migrate-driven schema migrations -- adapted from a single
// shared Postgres pool to several local SQLite files, one per concern,
// since this is a client store rather than a multi-tenant server
// database.
package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// openMigrated opens (creating if absent) the SQLite file at path and
// brings its schema up to date using the embedded migration set rooted
// at "migrations/<subdir>". SQLite serializes writers regardless of Go's
// pool size, so every store in this package caps its pool at one
// connection and relies on explicit transactions for multi-statement
// writes instead of database-level locking tricks.
func openMigrated(path, subdir string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateUp(db, subdir); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrateUp(db *sql.DB, subdir string) error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+subdir)
	if err != nil {
		return fmt.Errorf("locate migrations for %s: %w", subdir, err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source for %s: %w", subdir, err)
	}

	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver for %s: %w", subdir, err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator for %s: %w", subdir, err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate %s up: %w", subdir, err)
	}
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return fmt.Errorf("closing migration source for %s: %w", subdir, srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("closing migration database for %s: %w", subdir, dbErr)
	}
	return nil
}
