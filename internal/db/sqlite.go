// Package db persists what the relay has seen of its peers in SQLite.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// pragmas applied to every new connection. The relay writes from event
// handlers while the API reads, so WAL and a busy timeout matter more than
// raw write speed.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

// Database is a single-connection SQLite handle. Writes are serialized.
type Database struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// NewDatabase opens or creates the SQLite file at dbPath, creating its
// directory when missing.
func NewDatabase(dbPath string) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	logger := log.With().Str("component", "db").Logger()
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			logger.Warn().Err(err).Str("pragma", p).Msg("failed to apply pragma")
		}
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("database opened")
	return &Database{db: conn, path: dbPath, logger: logger}, nil
}

// Close closes the connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// Exec runs a statement that returns no rows.
func (d *Database) Exec(query string, args ...interface{}) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Exec(query, args...)
}

func (d *Database) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.Query(query, args...)
}

func (d *Database) QueryRow(query string, args ...interface{}) *sql.Row {
	return d.db.QueryRow(query, args...)
}

// UserVersion reads the schema version stamped by Migrate.
func (d *Database) UserVersion() (int, error) {
	var v int
	if err := d.db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// Migrate applies every step past the stored user_version, each in its own
// transaction, and stamps the new version as it goes. steps[0] is version 1.
func (d *Database) Migrate(steps []string) error {
	current, err := d.UserVersion()
	if err != nil {
		return err
	}

	for i := current; i < len(steps); i++ {
		version := i + 1
		err := d.Transaction(func(tx *sql.Tx) error {
			if _, err := tx.Exec(steps[i]); err != nil {
				return err
			}
			// PRAGMA does not take bind parameters.
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version))
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply schema version %d: %w", version, err)
		}
		d.logger.Info().Int("version", version).Msg("schema migrated")
	}
	return nil
}

// Transaction runs fn inside a transaction, rolling back when it fails.
func (d *Database) Transaction(fn func(tx *sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.logger.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	return tx.Commit()
}
