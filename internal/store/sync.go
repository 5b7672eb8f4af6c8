// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/parkfabric/parkfabric/internal/metrics"
)

// EventExists reports whether an event has already been applied. Dedup keys
// off history.event_id so replays of both entries and exits are caught.
func (s *Store) EventExists(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	defer metrics.ObserveStoreQuery("event_exists", time.Now())

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM history WHERE event_id = ? LIMIT 1`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("event exists: %w", err)
	}
	return true, nil
}

// ApplyPeerEntry inserts an entry received from a peer, marked SYNCED.
func (s *Store) ApplyPeerEntry(ctx context.Context, p EntryParams) (int64, error) {
	p.SyncStatus = SyncSynced
	return s.InsertEntry(ctx, p)
}

// EventsSince returns history rows created after the given timestamp, oldest
// first, for backfilling a reconnecting peer.
func (s *Store) EventsSince(ctx context.Context, since string, limit int) ([]Entry, error) {
	defer metrics.ObserveStoreQuery("events_since", time.Now())

	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM history
		WHERE created_at > ? AND event_id IS NOT NULL
		ORDER BY created_at ASC
		LIMIT ?`, since, limit)
	if err != nil {
		return nil, err
	}
	defer closeQuietly(rows)
	return collectEntries(rows)
}

// SyncState tracks how far a peer has been backfilled.
type SyncState struct {
	PeerCentralID     string `json:"peer_central_id"`
	LastSyncTimestamp int64  `json:"last_sync_timestamp"`
	LastSyncTime      string `json:"last_sync_time,omitempty"`
	UpdatedAt         string `json:"updated_at,omitempty"`
}

// SyncStateFor returns the stored sync watermark for a peer, or ErrNotFound.
func (s *Store) SyncStateFor(ctx context.Context, peerID string) (*SyncState, error) {
	var st SyncState
	var lastTime, updatedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT peer_central_id, last_sync_timestamp, last_sync_time, updated_at
		FROM p2p_sync_state WHERE peer_central_id = ?`, peerID).
		Scan(&st.PeerCentralID, &st.LastSyncTimestamp, &lastTime, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.LastSyncTime = lastTime.String
	st.UpdatedAt = updatedAt.String
	return &st, nil
}

// SyncStates lists every peer's sync watermark.
func (s *Store) SyncStates(ctx context.Context) ([]SyncState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT peer_central_id, last_sync_timestamp, last_sync_time, updated_at
		FROM p2p_sync_state ORDER BY peer_central_id`)
	if err != nil {
		return nil, err
	}
	defer closeQuietly(rows)

	var states []SyncState
	for rows.Next() {
		var st SyncState
		var lastTime, updatedAt sql.NullString
		if err := rows.Scan(&st.PeerCentralID, &st.LastSyncTimestamp, &lastTime, &updatedAt); err != nil {
			return nil, err
		}
		st.LastSyncTime = lastTime.String
		st.UpdatedAt = updatedAt.String
		states = append(states, st)
	}
	return states, rows.Err()
}

// UpdateSyncState advances the sync watermark for a peer.
func (s *Store) UpdateSyncState(ctx context.Context, peerID string, ts int64, syncTime string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO p2p_sync_state (peer_central_id, last_sync_timestamp, last_sync_time, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(peer_central_id) DO UPDATE SET
			last_sync_timestamp = excluded.last_sync_timestamp,
			last_sync_time = excluded.last_sync_time,
			updated_at = CURRENT_TIMESTAMP`,
		peerID, ts, nullable(syncTime))
	return err
}
