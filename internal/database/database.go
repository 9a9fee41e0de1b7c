// Package database opens and migrates the local SQLite state database that
// backs internal/state: one file, one process, one writer.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hkdb/syncd/internal/logging"
	_ "modernc.org/sqlite"
)

const (
	// poolSize bounds the pool to the Scheduler's single writer (the
	// Scheduler is the only goroutine that ever mutates messages) plus
	// one spare connection so a read-only query (Pending, ReadyForRetry)
	// issued from another goroutine doesn't have to wait on the writer's
	// open transaction. There is no multi-account or multi-tenant scaling
	// concern here, so unlike a mail client juggling several mailbox
	// caches, this pool never needs to grow.
	poolSize = 2

	// stateCacheSizeKiB is the per-connection SQLite page cache, sized for
	// the message-record and checkpoint tables this process actually reads
	// in a cycle (a few hundred rows at a time), not for browsing a whole
	// mailbox's worth of bodies.
	stateCacheSizeKiB = 8000

	// checkpointInterval is how often the background WAL checkpoint runs.
	checkpointInterval = 5 * time.Minute
)

// DB wraps the state database's single *sql.DB handle.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates the state database at path, applying the PRAGMAs
// and permissions a single-writer SQLite store needs.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// PRAGMAs are per-connection and database/sql opens connections lazily,
	// so they're embedded in the DSN to guarantee every connection in the
	// pool gets busy_timeout/WAL/etc rather than just the first one.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(-%d)",
		path, stateCacheSizeKiB,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Message subjects, addresses, and remote page IDs live in this file;
	// keep it readable only by the user running syncd.
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set database permissions: %w", err)
	}

	return &DB{DB: db, path: path}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Checkpoint runs a PASSIVE WAL checkpoint, folding the write-ahead log back
// into the main file without blocking the Scheduler's writer.
func (db *DB) Checkpoint() error {
	if _, err := db.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	return nil
}

// StartCheckpointRoutine runs Checkpoint on checkpointInterval until ctx is
// canceled. Call once at startup, alongside the Scheduler's cycle loop.
func (db *DB) StartCheckpointRoutine(ctx context.Context) {
	log := logging.WithComponent("database")

	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()

	log.Debug().Dur("interval", checkpointInterval).Msg("WAL checkpoint routine started")

	for {
		select {
		case <-ticker.C:
			if err := db.Checkpoint(); err != nil {
				log.Error().Err(err).Msg("periodic WAL checkpoint failed")
			} else {
				log.Debug().Msg("periodic WAL checkpoint completed")
			}
		case <-ctx.Done():
			log.Debug().Msg("WAL checkpoint routine stopped")
			return
		}
	}
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies every pending schema migration in version order,
// recording each one in the migrations table as it commits.
func (db *DB) Migrate() error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for _, m := range migrations {
		if m.Version > currentVersion {
			if err := db.applyMigration(m); err != nil {
				return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
			}
		}
	}

	return nil
}

func (db *DB) applyMigration(m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", m.Version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
