// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

// Package store is the authoritative parking record on SQLite. The history
// table is the single source of truth: every row is one entry into the
// parking, closed in place on exit. Event dedup keys off history.event_id;
// the events table is a raw ingest log kept for debugging.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parkfabric/parkfabric/internal/logging"
)

// TimeLayout is the wire and storage format for parking timestamps.
const TimeLayout = "2006-01-02 15:04:05"

// Vehicle lifecycle states.
const (
	StatusIn  = "IN"
	StatusOut = "OUT"
)

// Sync provenance of a history row.
const (
	SyncLocal  = "LOCAL"  // produced by this central
	SyncSynced = "SYNCED" // applied from a peer's live broadcast
	SyncP2P    = "P2P"    // applied via conflict resolution or anomaly path
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Config holds store settings.
type Config struct {
	// Path is the SQLite database file; ":memory:" for tests.
	Path string

	// BusyTimeout bounds waits on a locked database.
	BusyTimeout time.Duration
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (and if necessary creates) the database and applies the schema.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: empty database path")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY between the pool's connections on the WAL file.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.applySchema(context.Background()); err != nil {
		closeQuietly(db)
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) applySchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT,
		source_central TEXT,
		edge_id TEXT,
		plate_id TEXT NOT NULL,
		plate_view TEXT NOT NULL,

		entry_time TEXT NOT NULL,
		entry_camera_id TEXT,
		entry_camera_name TEXT,
		entry_confidence REAL,
		entry_source TEXT,

		exit_time TEXT,
		exit_camera_id TEXT,
		exit_camera_name TEXT,
		exit_confidence REAL,
		exit_source TEXT,

		duration TEXT,
		fee INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		sync_status TEXT DEFAULT 'LOCAL',

		last_location TEXT,
		last_location_time TEXT,
		is_anomaly INTEGER DEFAULT 0,

		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_history_plate_id ON history(plate_id)`,
	`CREATE INDEX IF NOT EXISTS idx_history_status ON history(status)`,
	`CREATE INDEX IF NOT EXISTS idx_history_created_at ON history(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_history_event_id ON history(event_id)`,

	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		camera_id TEXT,
		camera_name TEXT,
		camera_type TEXT,
		plate_text TEXT,
		confidence REAL,
		source TEXT,
		timestamp TEXT DEFAULT CURRENT_TIMESTAMP,
		data TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS cameras (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT DEFAULT 'offline',
		last_heartbeat TEXT,
		events_sent INTEGER DEFAULT 0,
		events_failed INTEGER DEFAULT 0,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS history_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		history_id INTEGER NOT NULL,
		change_type TEXT NOT NULL,
		old_plate_id TEXT,
		old_plate_view TEXT,
		new_plate_id TEXT,
		new_plate_view TEXT,
		old_data TEXT,
		new_data TEXT,
		changed_at TEXT DEFAULT CURRENT_TIMESTAMP,
		changed_by TEXT DEFAULT 'system'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_history_changes_history_id ON history_changes(history_id)`,
	`CREATE INDEX IF NOT EXISTS idx_history_changes_changed_at ON history_changes(changed_at DESC)`,

	`CREATE TABLE IF NOT EXISTS parking_lots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		location_name TEXT NOT NULL UNIQUE,
		capacity INTEGER DEFAULT 0,
		camera_id TEXT,
		camera_type TEXT,
		edge_id TEXT,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_parking_lots_location ON parking_lots(location_name)`,

	`CREATE TABLE IF NOT EXISTS p2p_sync_state (
		peer_central_id TEXT PRIMARY KEY,
		last_sync_timestamp INTEGER NOT NULL,
		last_sync_time TEXT,
		updated_at TEXT
	)`,
}

func closeQuietly(c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		logging.Debug().Err(err).Msg("close failed")
	}
}
