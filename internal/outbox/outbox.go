// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

// Package outbox is the edge node's durable delivery queue. Events that
// cannot reach the central are parked in a local SQLite table and drained
// in batches once the link recovers. A row that keeps failing is retired
// after MaxRetries attempts rather than wedging the queue.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Kinds of queued payloads.
const (
	KindEvent = "event" // gate event for /api/edge/event
	KindOCR   = "ocr"   // lot sighting for /api/edge/ocr
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("outbox: closed")

// Config holds outbox settings.
type Config struct {
	// Path is the SQLite file backing the queue; ":memory:" for tests.
	Path string

	// BatchLimit caps how many rows one flush drains.
	BatchLimit int

	// MaxRetries retires a row after this many failed deliveries.
	MaxRetries int
}

// Item is one queued payload.
type Item struct {
	ID         int64
	Kind       string
	Payload    []byte
	RetryCount int
	CreatedAt  string
}

// Outbox is the SQLite-backed queue.
type Outbox struct {
	db  *sql.DB
	cfg Config
}

// Open creates the queue database and applies its schema.
func Open(cfg Config) (*Outbox, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("outbox: empty database path")
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("outbox: create data dir: %w", err)
		}
	}

	dsn := cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("outbox: open %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)

	o := &Outbox{db: db, cfg: cfg}
	if _, err := db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox: apply schema: %w", err)
	}
	return o, nil
}

// Close releases the database handle.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Enqueue parks one payload for later delivery.
func (o *Outbox) Enqueue(ctx context.Context, kind string, payload []byte) error {
	_, err := o.db.ExecContext(ctx,
		`INSERT INTO outbox (kind, payload) VALUES (?, ?)`, kind, string(payload))
	return err
}

// Pending returns the oldest deliverable rows, capped at the batch limit.
// Rows past the retry budget are excluded; Prune removes them.
func (o *Outbox) Pending(ctx context.Context) ([]Item, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, kind, payload, retry_count, created_at
		FROM outbox WHERE retry_count < ?
		ORDER BY id ASC LIMIT ?`, o.cfg.MaxRetries, o.cfg.BatchLimit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []Item
	for rows.Next() {
		var it Item
		var payload string
		if err := rows.Scan(&it.ID, &it.Kind, &payload, &it.RetryCount, &it.CreatedAt); err != nil {
			return nil, err
		}
		it.Payload = []byte(payload)
		items = append(items, it)
	}
	return items, rows.Err()
}

// Delete removes delivered rows.
func (o *Outbox) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := o.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE id IN (`+placeholders+`)`, args...)
	return err
}

// BumpRetry counts one failed delivery attempt against a row.
func (o *Outbox) BumpRetry(ctx context.Context, id int64) error {
	_, err := o.db.ExecContext(ctx,
		`UPDATE outbox SET retry_count = retry_count + 1 WHERE id = ?`, id)
	return err
}

// Prune drops rows that exhausted their retry budget and returns how many
// were dropped.
func (o *Outbox) Prune(ctx context.Context) (int64, error) {
	res, err := o.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE retry_count >= ?`, o.cfg.MaxRetries)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Depth reports how many rows are waiting for delivery.
func (o *Outbox) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE retry_count < ?`, o.cfg.MaxRetries).Scan(&n)
	return n, err
}

// oldestAge is used by tests and diagnostics.
func (o *Outbox) oldestAge(ctx context.Context, now time.Time) (time.Duration, error) {
	var created string
	err := o.db.QueryRowContext(ctx,
		`SELECT created_at FROM outbox ORDER BY id ASC LIMIT 1`).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	t, err := time.Parse("2006-01-02 15:04:05", created)
	if err != nil {
		return 0, err
	}
	return now.Sub(t), nil
}
