// Package store implements the SQLite/PostgreSQL-backed persistence layer
// for the nostr-mls core (C10), grounded on the teacher bridge's
// internal/db/db.go: same dual-driver dsn detection, WAL tuning, and
// migration-on-startup approach.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection and provides all data access methods
// for the logical tables of spec.md §6: accounts, relays, key_packages,
// mls_groups, mls_epoch_state, transcripts, invites,
// processed_invites_ledger, seen_events.
type Store struct {
	db     *sql.DB
	driver string

	// seenSet and seenOrder mirror seen_events as a bounded in-memory LRU
	// (seenOrder runs from least to most recently used) so the inbox
	// pipeline's hot-path dedup check (§4.6) does not round-trip to disk
	// for every inbound event.
	seenMu    sync.Mutex
	seenOrder []string
	seenSet   map[string]struct{}
	seenCap   int
}

// Open opens a database connection. databaseURL can be:
//   - a file path like "nostrmls.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string, seenCap int) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		const sqliteMaxConns = 4
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("sqlite pragma (%s): %w", pragma, err)
			}
		}
		slog.Info("sqlite database opened", "max_conns", sqliteMaxConns)
	}

	if seenCap <= 0 {
		seenCap = 16384
	}

	return &Store{
		db:      db,
		driver:  driver,
		seenSet: make(map[string]struct{}, seenCap),
		seenCap: seenCap,
	}, nil
}

func detectDriver(databaseURL string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return "postgres", databaseURL
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return "sqlite", strings.TrimPrefix(databaseURL, "sqlite://")
	default:
		return "sqlite", databaseURL
	}
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")
	stmts := commonMigrations
	if s.driver == "postgres" {
		stmts = postgresMigrations
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed (%.60s...): %w", stmt, err)
		}
	}
	return nil
}
