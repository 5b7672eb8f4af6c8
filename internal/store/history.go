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
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/parkfabric/parkfabric/internal/metrics"
)

// Entry is one parking stay. A row is created on entry (status IN) and
// closed in place on exit (status OUT).
type Entry struct {
	ID            int64  `json:"id"`
	EventID       string `json:"event_id,omitempty"`
	SourceCentral string `json:"source_central,omitempty"`
	EdgeID        string `json:"edge_id,omitempty"`
	PlateID       string `json:"plate_id"`
	PlateView     string `json:"plate_view"`

	EntryTime       string  `json:"entry_time"`
	EntryCameraID   string  `json:"entry_camera_id,omitempty"`
	EntryCameraName string  `json:"entry_camera_name,omitempty"`
	EntryConfidence float64 `json:"entry_confidence,omitempty"`
	EntrySource     string  `json:"entry_source,omitempty"`

	ExitTime       string  `json:"exit_time,omitempty"`
	ExitCameraID   string  `json:"exit_camera_id,omitempty"`
	ExitCameraName string  `json:"exit_camera_name,omitempty"`
	ExitConfidence float64 `json:"exit_confidence,omitempty"`
	ExitSource     string  `json:"exit_source,omitempty"`

	Duration   string `json:"duration,omitempty"`
	Fee        int64  `json:"fee"`
	Status     string `json:"status"`
	SyncStatus string `json:"sync_status"`

	LastLocation     string `json:"last_location,omitempty"`
	LastLocationTime string `json:"last_location_time,omitempty"`
	IsAnomaly        bool   `json:"is_anomaly"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

const entryColumns = `id, event_id, source_central, edge_id, plate_id, plate_view,
	entry_time, entry_camera_id, entry_camera_name, entry_confidence, entry_source,
	exit_time, exit_camera_id, exit_camera_name, exit_confidence, exit_source,
	duration, fee, status, sync_status,
	last_location, last_location_time, is_anomaly, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var (
		eventID, sourceCentral, edgeID              sql.NullString
		entryCamID, entryCamName, entrySource       sql.NullString
		exitTime, exitCamID, exitCamName, exitSrc   sql.NullString
		duration, lastLocation, lastLocationTime    sql.NullString
		entryConfidence, exitConfidence             sql.NullFloat64
		isAnomaly                                   sql.NullInt64
		createdAt, updatedAt                        sql.NullString
	)

	err := row.Scan(
		&e.ID, &eventID, &sourceCentral, &edgeID, &e.PlateID, &e.PlateView,
		&e.EntryTime, &entryCamID, &entryCamName, &entryConfidence, &entrySource,
		&exitTime, &exitCamID, &exitCamName, &exitConfidence, &exitSrc,
		&duration, &e.Fee, &e.Status, &e.SyncStatus,
		&lastLocation, &lastLocationTime, &isAnomaly, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.EventID = eventID.String
	e.SourceCentral = sourceCentral.String
	e.EdgeID = edgeID.String
	e.EntryCameraID = entryCamID.String
	e.EntryCameraName = entryCamName.String
	e.EntryConfidence = entryConfidence.Float64
	e.EntrySource = entrySource.String
	e.ExitTime = exitTime.String
	e.ExitCameraID = exitCamID.String
	e.ExitCameraName = exitCamName.String
	e.ExitConfidence = exitConfidence.Float64
	e.ExitSource = exitSrc.String
	e.Duration = duration.String
	e.LastLocation = lastLocation.String
	e.LastLocationTime = lastLocationTime.String
	e.IsAnomaly = isAnomaly.Int64 != 0
	e.CreatedAt = createdAt.String
	e.UpdatedAt = updatedAt.String
	return &e, nil
}

// EntryParams describes a new entry row.
type EntryParams struct {
	EventID       string
	SourceCentral string
	EdgeID        string
	PlateID       string
	PlateView     string
	EntryTime     string
	CameraID      string
	CameraName    string
	Confidence    float64
	Source        string
	SyncStatus    string
}

// InsertEntry creates an IN row and returns its history id.
func (s *Store) InsertEntry(ctx context.Context, p EntryParams) (int64, error) {
	defer metrics.ObserveStoreQuery("insert_entry", time.Now())

	if p.SyncStatus == "" {
		p.SyncStatus = SyncLocal
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO history (
			event_id, source_central, edge_id,
			plate_id, plate_view, entry_time, entry_camera_id, entry_camera_name,
			entry_confidence, entry_source, status, sync_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'IN', ?)`,
		nullable(p.EventID), nullable(p.SourceCentral), nullable(p.EdgeID),
		p.PlateID, p.PlateView, p.EntryTime, nullable(p.CameraID), nullable(p.CameraName),
		p.Confidence, nullable(p.Source), p.SyncStatus,
	)
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}
	return res.LastInsertId()
}

// ExitParams describes the closing half of a stay.
type ExitParams struct {
	ExitTime   string
	CameraID   string
	CameraName string
	Confidence float64
	Source     string
	Duration   string
	Fee        int64
}

// CloseExit closes the most recent open stay for the plate. Returns
// ErrNotFound when the plate has no open stay.
func (s *Store) CloseExit(ctx context.Context, plateID string, p ExitParams) error {
	defer metrics.ObserveStoreQuery("close_exit", time.Now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE history
		SET exit_time = ?, exit_camera_id = ?, exit_camera_name = ?,
			exit_confidence = ?, exit_source = ?, duration = ?, fee = ?,
			status = 'OUT', updated_at = CURRENT_TIMESTAMP
		WHERE id = (
			SELECT id FROM history
			WHERE plate_id = ? AND status = 'IN' AND exit_time IS NULL
			ORDER BY entry_time DESC, created_at DESC
			LIMIT 1
		)`,
		p.ExitTime, nullable(p.CameraID), nullable(p.CameraName),
		p.Confidence, nullable(p.Source), nullable(p.Duration), p.Fee, plateID,
	)
	if err != nil {
		return fmt.Errorf("close exit: %w", err)
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

// CloseExitByEventID closes the open stay identified by its entry event_id.
// Used when applying a peer's exit broadcast.
func (s *Store) CloseExitByEventID(ctx context.Context, eventID string, p ExitParams) error {
	defer metrics.ObserveStoreQuery("close_exit_by_event_id", time.Now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE history
		SET exit_time = ?, exit_camera_id = ?, exit_camera_name = ?,
			exit_confidence = ?, exit_source = ?, duration = ?, fee = ?,
			status = 'OUT', updated_at = CURRENT_TIMESTAMP
		WHERE event_id = ? AND status = 'IN'`,
		p.ExitTime, nullable(p.CameraID), nullable(p.CameraName),
		p.Confidence, nullable(p.Source), nullable(p.Duration), p.Fee, eventID,
	)
	if err != nil {
		return fmt.Errorf("close exit by event_id: %w", err)
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

// FindVehicleInParking returns the latest open stay for the plate.
func (s *Store) FindVehicleInParking(ctx context.Context, plateID string) (*Entry, error) {
	defer metrics.ObserveStoreQuery("find_in_parking", time.Now())

	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM history
		WHERE plate_id = ? AND status = 'IN' AND exit_time IS NULL
		ORDER BY entry_time DESC, created_at DESC
		LIMIT 1`, plateID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// VehiclesInParking returns all open stays, newest entry first.
func (s *Store) VehiclesInParking(ctx context.Context) ([]Entry, error) {
	defer metrics.ObserveStoreQuery("vehicles_in_parking", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM history
		WHERE status = 'IN' AND exit_time IS NULL
		ORDER BY entry_time DESC, created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer closeQuietly(rows)
	return collectEntries(rows)
}

// UpdateVehicleLocation stamps the latest sighting of an in-parking vehicle.
// Returns ErrNotFound if the plate has no open stay.
func (s *Store) UpdateVehicleLocation(ctx context.Context, plateID, location, locationTime string) error {
	defer metrics.ObserveStoreQuery("update_location", time.Now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE history
		SET last_location = ?, last_location_time = ?, updated_at = CURRENT_TIMESTAMP
		WHERE plate_id = ? AND status = 'IN'`,
		location, locationTime, plateID)
	if err != nil {
		return fmt.Errorf("update location: %w", err)
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

// VehiclesAtLocation lists open stays last seen at the given lot.
func (s *Store) VehiclesAtLocation(ctx context.Context, location string) ([]Entry, error) {
	defer metrics.ObserveStoreQuery("vehicles_at_location", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM history
		WHERE last_location = ? AND status = 'IN'
		ORDER BY last_location_time DESC`, location)
	if err != nil {
		return nil, err
	}
	defer closeQuietly(rows)
	return collectEntries(rows)
}

// AnomalyParams describes an auto-created entry for a vehicle first seen by
// a parking-lot camera without a recorded gate entry.
type AnomalyParams struct {
	EventID       string
	SourceCentral string
	EdgeID        string
	PlateID       string
	PlateView     string
	EntryTime     string
	CameraName    string
	Location      string
	LocationTime  string
}

// InsertAnomalyEntry creates an IN row flagged as an anomaly.
func (s *Store) InsertAnomalyEntry(ctx context.Context, p AnomalyParams) (int64, error) {
	defer metrics.ObserveStoreQuery("insert_anomaly", time.Now())

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO history (
			event_id, source_central, edge_id,
			plate_id, plate_view,
			entry_time, entry_camera_name, entry_confidence, entry_source,
			last_location, last_location_time,
			status, is_anomaly, sync_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0.0, 'parking_lot_auto', ?, ?, 'IN', 1, 'P2P')`,
		nullable(p.EventID), nullable(p.SourceCentral), nullable(p.EdgeID),
		p.PlateID, p.PlateView,
		p.EntryTime, "Auto-detected: "+p.CameraName,
		p.Location, p.LocationTime,
	)
	if err != nil {
		return 0, fmt.Errorf("insert anomaly entry: %w", err)
	}
	metrics.AnomalyEntries.Inc()
	return res.LastInsertId()
}

// EntryByID fetches one history row.
func (s *Store) EntryByID(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM history WHERE id = ? LIMIT 1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// FindByEventID fetches the history row carrying the given event_id.
func (s *Store) FindByEventID(ctx context.Context, eventID string) (*Entry, error) {
	if eventID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM history WHERE event_id = ? LIMIT 1`, eventID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// UpdatePlate corrects the plate on a history row and records the change in
// the audit table. Returns ErrNotFound for an unknown row.
func (s *Store) UpdatePlate(ctx context.Context, historyID int64, newPlateID, newPlateView string) error {
	defer metrics.ObserveStoreQuery("update_plate", time.Now())

	old, err := s.EntryByID(ctx, historyID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE history SET plate_id = ?, plate_view = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, newPlateID, newPlateView, historyID); err != nil {
		return fmt.Errorf("update plate: %w", err)
	}

	updated := *old
	updated.PlateID = newPlateID
	updated.PlateView = newPlateView

	oldData, _ := json.Marshal(old)
	newData, _ := json.Marshal(&updated)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO history_changes (
			history_id, change_type, old_plate_id, old_plate_view,
			new_plate_id, new_plate_view, old_data, new_data
		) VALUES (?, 'UPDATE', ?, ?, ?, ?, ?, ?)`,
		historyID, old.PlateID, old.PlateView, newPlateID, newPlateView,
		string(oldData), string(newData)); err != nil {
		return fmt.Errorf("record change: %w", err)
	}

	return tx.Commit()
}

// DeleteEntry removes a history row, recording it in the audit table first.
func (s *Store) DeleteEntry(ctx context.Context, historyID int64) error {
	defer metrics.ObserveStoreQuery("delete_entry", time.Now())

	old, err := s.EntryByID(ctx, historyID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	oldData, _ := json.Marshal(old)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO history_changes (
			history_id, change_type, old_plate_id, old_plate_view, old_data
		) VALUES (?, 'DELETE', ?, ?, ?)`,
		historyID, old.PlateID, old.PlateView, string(oldData)); err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, historyID); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}

	return tx.Commit()
}

// DeleteByEventID removes the row carrying event_id. Used by conflict
// resolution when the incoming entry is older than the local one.
func (s *Store) DeleteByEventID(ctx context.Context, eventID string) (bool, error) {
	defer metrics.ObserveStoreQuery("delete_by_event_id", time.Now())

	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE event_id = ?`, eventID)
	if err != nil {
		return false, fmt.Errorf("delete by event_id: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// HistoryQuery filters History listings.
type HistoryQuery struct {
	Limit         int
	Offset        int
	TodayOnly     bool
	Status        string
	Search        string
	InParkingOnly bool
	EntriesOnly   bool
}

// History lists stays newest first. Search matches plate_id and plate_view
// with separators stripped on both sides.
func (s *Store) History(ctx context.Context, q HistoryQuery) ([]Entry, error) {
	defer metrics.ObserveStoreQuery("history", time.Now())

	if q.Limit <= 0 {
		q.Limit = 100
	}

	query := `SELECT ` + entryColumns + ` FROM history WHERE 1=1`
	var params []any

	if q.TodayOnly {
		query += ` AND DATE(created_at) = DATE('now')`
	}

	switch {
	case q.InParkingOnly:
		query += ` AND status = 'IN' AND exit_time IS NULL`
	case q.EntriesOnly:
		// Every history row is an entry; no extra filter.
	case q.Status != "":
		query += ` AND status = ?`
		params = append(params, q.Status)
	}

	if q.Search != "" {
		normalized := strings.ToUpper(q.Search)
		for _, sep := range []string{" ", "-", "."} {
			normalized = strings.ReplaceAll(normalized, sep, "")
		}
		query += ` AND (
			REPLACE(REPLACE(REPLACE(UPPER(plate_id), ' ', ''), '-', ''), '.', '') LIKE ?
			OR REPLACE(REPLACE(REPLACE(UPPER(plate_view), ' ', ''), '-', ''), '.', '') LIKE ?
		)`
		pattern := "%" + normalized + "%"
		params = append(params, pattern, pattern)
	}

	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	params = append(params, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer closeQuietly(rows)
	return collectEntries(rows)
}

// Stats summarizes today's activity and current occupancy.
type Stats struct {
	VehiclesInParking int64 `json:"vehicles_in_parking"`
	EntriesToday      int64 `json:"entries_today"`
	ExitsToday        int64 `json:"exits_today"`
	RevenueToday      int64 `json:"revenue_today"`
}

// Stats computes parking statistics from the history table.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	defer metrics.ObserveStoreQuery("stats", time.Now())

	var st Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM history WHERE status = 'IN' AND exit_time IS NULL),
			(SELECT COUNT(*) FROM history WHERE DATE(entry_time) = DATE('now')),
			(SELECT COUNT(*) FROM history WHERE status = 'OUT' AND DATE(exit_time) = DATE('now')),
			(SELECT COALESCE(SUM(fee), 0) FROM history WHERE status = 'OUT' AND DATE(exit_time) = DATE('now'))`)
	if err := row.Scan(&st.VehiclesInParking, &st.EntriesToday, &st.ExitsToday, &st.RevenueToday); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// Change is one audit record of an admin edit.
type Change struct {
	ID           int64           `json:"id"`
	HistoryID    int64           `json:"history_id"`
	ChangeType   string          `json:"change_type"`
	OldPlateID   string          `json:"old_plate_id,omitempty"`
	OldPlateView string          `json:"old_plate_view,omitempty"`
	NewPlateID   string          `json:"new_plate_id,omitempty"`
	NewPlateView string          `json:"new_plate_view,omitempty"`
	OldData      json.RawMessage `json:"old_data,omitempty"`
	NewData      json.RawMessage `json:"new_data,omitempty"`
	ChangedAt    string          `json:"changed_at"`
	ChangedBy    string          `json:"changed_by"`
}

// Changes lists audit records, newest first, optionally for one history row.
func (s *Store) Changes(ctx context.Context, limit, offset int, historyID int64) ([]Change, error) {
	defer metrics.ObserveStoreQuery("changes", time.Now())

	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, history_id, change_type, old_plate_id, old_plate_view,
		new_plate_id, new_plate_view, old_data, new_data, changed_at, changed_by
		FROM history_changes WHERE 1=1`
	var params []any
	if historyID > 0 {
		query += ` AND history_id = ?`
		params = append(params, historyID)
	}
	query += ` ORDER BY changed_at DESC LIMIT ? OFFSET ?`
	params = append(params, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer closeQuietly(rows)

	var changes []Change
	for rows.Next() {
		var c Change
		var oldPID, oldPV, newPID, newPV, oldData, newData, changedAt, changedBy sql.NullString
		if err := rows.Scan(&c.ID, &c.HistoryID, &c.ChangeType,
			&oldPID, &oldPV, &newPID, &newPV, &oldData, &newData, &changedAt, &changedBy); err != nil {
			return nil, err
		}
		c.OldPlateID = oldPID.String
		c.OldPlateView = oldPV.String
		c.NewPlateID = newPID.String
		c.NewPlateView = newPV.String
		c.OldData = json.RawMessage(oldData.String)
		c.NewData = json.RawMessage(newData.String)
		c.ChangedAt = changedAt.String
		c.ChangedBy = changedBy.String
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// LogEvent appends a raw event to the ingest log.
func (s *Store) LogEvent(ctx context.Context, eventType, cameraID, cameraName, cameraType, plateText string, confidence float64, source string, data any) error {
	payload, _ := json.Marshal(data)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (
			event_type, camera_id, camera_name, camera_type,
			plate_text, confidence, source, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		eventType, cameraID, cameraName, cameraType, plateText, confidence, source, string(payload))
	return err
}

// ParkingLot is a configured parking-lot camera with its capacity.
type ParkingLot struct {
	ID           int64  `json:"id"`
	LocationName string `json:"location_name"`
	Capacity     int64  `json:"capacity"`
	CameraID     string `json:"camera_id,omitempty"`
	CameraType   string `json:"camera_type,omitempty"`
	EdgeID       string `json:"edge_id,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// SaveParkingLot upserts a lot configuration keyed by location name.
func (s *Store) SaveParkingLot(ctx context.Context, lot ParkingLot) error {
	defer metrics.ObserveStoreQuery("save_parking_lot", time.Now())

	if lot.CameraType == "" {
		lot.CameraType = "PARKING_LOT"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parking_lots (location_name, capacity, camera_id, camera_type, edge_id, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(location_name) DO UPDATE SET
			capacity = excluded.capacity,
			camera_id = excluded.camera_id,
			camera_type = excluded.camera_type,
			edge_id = excluded.edge_id,
			updated_at = CURRENT_TIMESTAMP`,
		lot.LocationName, lot.Capacity, nullable(lot.CameraID), lot.CameraType, nullable(lot.EdgeID))
	return err
}

// ParkingLots lists all configured lots by location name.
func (s *Store) ParkingLots(ctx context.Context) ([]ParkingLot, error) {
	defer metrics.ObserveStoreQuery("parking_lots", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, location_name, capacity, camera_id, camera_type, edge_id, created_at, updated_at
		FROM parking_lots ORDER BY location_name`)
	if err != nil {
		return nil, err
	}
	defer closeQuietly(rows)

	var lots []ParkingLot
	for rows.Next() {
		var lot ParkingLot
		var camID, camType, edgeID, createdAt, updatedAt sql.NullString
		if err := rows.Scan(&lot.ID, &lot.LocationName, &lot.Capacity,
			&camID, &camType, &edgeID, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		lot.CameraID = camID.String
		lot.CameraType = camType.String
		lot.EdgeID = edgeID.String
		lot.CreatedAt = createdAt.String
		lot.UpdatedAt = updatedAt.String
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// nullable maps an empty string to NULL so optional columns stay NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
