// Package db provides database connection management and operations.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "matchbook.db"

// DB wraps the sql.DB with the sync core's configuration.
type DB struct {
	*sql.DB
	Path string
}

// Open opens the SQLite database in dataDir and brings its schema up to date.
// The database is opened with:
// - WAL mode so UI reads are not blocked by a sync run
// - Foreign key constraints enabled
// - A busy timeout instead of immediate SQLITE_BUSY
// - A single connection; every write is a single-writer transaction
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)
	sqlDB, err := open(dbPath)
	if err != nil {
		return nil, err
	}

	if err := NewMigrator(sqlDB, Migrations()).Migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &DB{DB: sqlDB, Path: dbPath}, nil
}

func open(dsn string) (*sql.DB, error) {
	// modernc.org/sqlite is pure Go, no CGO
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return sqlDB, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
