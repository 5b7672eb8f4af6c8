// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/parkfabric/parkfabric/internal/metrics"
)

// HeartbeatTimeout is how long after the last heartbeat a camera is still
// considered online.
const HeartbeatTimeout = 60 * time.Second

// Camera is a registered capture device and its liveness state.
type Camera struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	LastHeartbeat string `json:"last_heartbeat,omitempty"`
	EventsSent    int64  `json:"events_sent"`
	EventsFailed  int64  `json:"events_failed"`
}

// UpsertCamera registers or refreshes a camera.
func (s *Store) UpsertCamera(ctx context.Context, id, name, typ string) error {
	defer metrics.ObserveStoreQuery("upsert_camera", time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cameras (id, name, type, status, last_heartbeat, updated_at)
		VALUES (?, ?, ?, 'online', ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			status = 'online',
			last_heartbeat = excluded.last_heartbeat,
			updated_at = CURRENT_TIMESTAMP`,
		id, name, typ, time.Now().UTC().Format(TimeLayout))
	return err
}

// CameraHeartbeat stamps a camera as alive.
func (s *Store) CameraHeartbeat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cameras SET status = 'online', last_heartbeat = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, time.Now().UTC().Format(TimeLayout), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CameraHeartbeatReport refreshes a camera's registration, liveness stamp,
// and cumulative delivery counters from one heartbeat.
func (s *Store) CameraHeartbeatReport(ctx context.Context, id, name, typ string, sent, failed int64) error {
	defer metrics.ObserveStoreQuery("camera_heartbeat", time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cameras (id, name, type, status, last_heartbeat, events_sent, events_failed, updated_at)
		VALUES (?, ?, ?, 'online', ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			status = 'online',
			last_heartbeat = excluded.last_heartbeat,
			events_sent = excluded.events_sent,
			events_failed = excluded.events_failed,
			updated_at = CURRENT_TIMESTAMP`,
		id, name, typ, time.Now().UTC().Format(TimeLayout), sent, failed)
	return err
}

// RecordCameraEvent bumps a camera's delivery counters.
func (s *Store) RecordCameraEvent(ctx context.Context, id string, failed bool) error {
	column := "events_sent"
	if failed {
		column = "events_failed"
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE cameras SET `+column+` = `+column+` + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

// Cameras lists registered cameras. Status is recomputed against the
// heartbeat timeout so a stale 'online' row reads as offline.
func (s *Store) Cameras(ctx context.Context) ([]Camera, error) {
	defer metrics.ObserveStoreQuery("cameras", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, status, last_heartbeat, events_sent, events_failed
		FROM cameras ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer closeQuietly(rows)

	cutoff := time.Now().UTC().Add(-HeartbeatTimeout)
	var cameras []Camera
	for rows.Next() {
		var c Camera
		var hb sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.Type, &c.Status, &hb, &c.EventsSent, &c.EventsFailed); err != nil {
			return nil, err
		}
		c.LastHeartbeat = hb.String
		c.Status = "offline"
		if hb.Valid {
			if t, err := time.Parse(TimeLayout, hb.String); err == nil && t.After(cutoff) {
				c.Status = "online"
			}
		}
		cameras = append(cameras, c)
	}
	return cameras, rows.Err()
}
