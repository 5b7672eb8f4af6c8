// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

// Package parking is the central state machine: it turns validated edge
// events into history rows, prices exits, and announces every applied
// change to the peer mesh.
package parking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/parkfabric/parkfabric/internal/fees"
	"github.com/parkfabric/parkfabric/internal/gossip"
	"github.com/parkfabric/parkfabric/internal/logging"
	"github.com/parkfabric/parkfabric/internal/metrics"
	"github.com/parkfabric/parkfabric/internal/plate"
	"github.com/parkfabric/parkfabric/internal/store"
)

// Broadcaster announces applied events to the peer mesh. The gossip Manager
// implements it; a nil Broadcaster means standalone operation.
type Broadcaster interface {
	Broadcast(msg *gossip.Message)
}

// EdgeEvent is a gate or lot event as sent by an edge node.
type EdgeEvent struct {
	Type       string        `json:"type"`
	EventID    string        `json:"event_id,omitempty"`
	CameraID   string        `json:"camera_id"`
	CameraName string        `json:"camera_name"`
	CameraType string        `json:"camera_type"`
	EdgeID     string        `json:"edge_id,omitempty"`
	Timestamp  int64         `json:"timestamp,omitempty"`
	Data       EdgeEventData `json:"data"`
}

// EdgeEventData is the recognition payload inside an EdgeEvent.
type EdgeEventData struct {
	PlateText  string  `json:"plate_text"`
	PlateView  string  `json:"plate_view,omitempty"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
	EdgeID     string  `json:"edge_id,omitempty"`
}

// Result reports what an edge event did. Success false with Error set maps
// to a client error; Deduped true means the event was already applied.
type Result struct {
	Success       bool   `json:"success"`
	Deduped       bool   `json:"deduped,omitempty"`
	Action        string `json:"action,omitempty"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	AlreadyInside bool   `json:"already_inside,omitempty"`
	PlateID       string `json:"plate_id,omitempty"`
	PlateView     string `json:"plate_view,omitempty"`
	HistoryID     int64  `json:"history_id,omitempty"`
	EntryTime     string `json:"entry_time,omitempty"`
	ExitTime      string `json:"exit_time,omitempty"`
	Duration      string `json:"duration,omitempty"`
	Fee           int64  `json:"fee,omitempty"`
	EventID       string `json:"event_id,omitempty"`
}

// Manager applies edge events to the store.
type Manager struct {
	st          *store.Store
	fees        *fees.Calculator
	centralID   string
	broadcaster Broadcaster

	// now is swappable for tests.
	now func() time.Time
}

// New builds a Manager. broadcaster may be nil for standalone centrals.
func New(st *store.Store, calc *fees.Calculator, centralID string, b Broadcaster) *Manager {
	return &Manager{st: st, fees: calc, centralID: centralID, broadcaster: b, now: time.Now}
}

func (m *Manager) broadcast(msg *gossip.Message) {
	if m.broadcaster != nil {
		m.broadcaster.Broadcast(msg)
	}
}

// Process applies one edge event. DETECTION events are treated as entries;
// gates that cannot tell direction report detections.
func (m *Manager) Process(ctx context.Context, ev EdgeEvent) (*Result, error) {
	plateText := strings.ToUpper(strings.TrimSpace(ev.Data.PlateText))
	plateID, ok := plate.Normalize(plateText)
	if !ok {
		metrics.EventsRejected.WithLabelValues("unnormalizable_plate").Inc()
		return &Result{Success: false, Error: fmt.Sprintf("cannot normalize plate: %s", plateText)}, nil
	}
	plateView := plateText
	if ev.Data.PlateView != "" {
		plateView = strings.ToUpper(strings.TrimSpace(ev.Data.PlateView))
	}

	eventID := ev.EventID
	if eventID == "" && (ev.Type == "ENTRY" || ev.Type == "DETECTION") {
		eventID = gossip.NewEventID(m.centralID, plateID)
	}

	if eventID != "" {
		exists, err := m.st.EventExists(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if exists {
			metrics.EventsDeduped.WithLabelValues("edge").Inc()
			return &Result{Success: true, Deduped: true, EventID: eventID}, nil
		}
	}

	if err := m.st.LogEvent(ctx, ev.Type, ev.CameraID, ev.CameraName, ev.CameraType,
		plateText, ev.Data.Confidence, ev.Data.Source, ev); err != nil {
		logging.Warn().Err(err).Msg("event log write failed")
	}

	edgeID := ev.EdgeID
	if edgeID == "" {
		edgeID = ev.Data.EdgeID
	}

	switch ev.Type {
	case "ENTRY", "DETECTION":
		return m.processEntry(ctx, ev, plateID, plateView, eventID, edgeID)
	case "EXIT":
		return m.processExit(ctx, ev, plateID, plateView, eventID)
	default:
		metrics.EventsRejected.WithLabelValues("unknown_type").Inc()
		return &Result{Success: false, Error: fmt.Sprintf("unknown event type: %s", ev.Type)}, nil
	}
}

func (m *Manager) processEntry(ctx context.Context, ev EdgeEvent, plateID, plateView, eventID, edgeID string) (*Result, error) {
	existing, err := m.st.FindVehicleInParking(ctx, plateID)
	if err == nil {
		return &Result{
			Success:       false,
			Error:         fmt.Sprintf("vehicle %s is already in the parking (entered %s)", plateView, existing.EntryTime),
			AlreadyInside: true,
			EntryTime:     existing.EntryTime,
			EventID:       existing.EventID,
		}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	entryTime := m.now().Format(store.TimeLayout)
	historyID, err := m.st.InsertEntry(ctx, store.EntryParams{
		EventID:    eventID,
		EdgeID:     edgeID,
		PlateID:    plateID,
		PlateView:  plateView,
		EntryTime:  entryTime,
		CameraID:   ev.CameraID,
		CameraName: ev.CameraName,
		Confidence: ev.Data.Confidence,
		Source:     ev.Data.Source,
	})
	if err != nil {
		return nil, err
	}
	metrics.EventsIngested.WithLabelValues("edge", "ENTRY").Inc()

	logging.Info().
		Str("plate_view", plateView).
		Str("camera", ev.CameraName).
		Str("event_id", eventID).
		Msg("vehicle entered")

	m.broadcast(gossip.NewEntryPending(m.centralID, eventID, gossip.EntryPayload{
		PlateID:    plateID,
		PlateView:  plateView,
		EdgeID:     firstNonEmpty(edgeID, ev.CameraID),
		CameraType: ev.CameraType,
		Direction:  "ENTRY",
		EntryTime:  entryTime,
	}))

	return &Result{
		Success:   true,
		Action:    "ENTRY",
		Message:   fmt.Sprintf("vehicle %s entered", plateView),
		PlateID:   plateID,
		PlateView: plateView,
		HistoryID: historyID,
		EntryTime: entryTime,
		EventID:   eventID,
	}, nil
}

func (m *Manager) processExit(ctx context.Context, ev EdgeEvent, plateID, plateView, eventID string) (*Result, error) {
	entry, err := m.st.FindVehicleInParking(ctx, plateID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.EventsRejected.WithLabelValues("exit_without_entry").Inc()
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("vehicle %s has no entry record", plateView),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	// The exit reuses the entry's event id so peers can close the same
	// stay; mint one only for rows that predate the mesh.
	if eventID == "" {
		eventID = entry.EventID
	}
	if eventID == "" {
		eventID = gossip.NewEventID(m.centralID, plateID)
	}

	exitAt := m.now()
	exitTime := exitAt.Format(store.TimeLayout)
	var fee int64
	duration := fees.FormatDuration(0)
	if entryAt, perr := time.ParseInLocation(store.TimeLayout, entry.EntryTime, time.Local); perr == nil {
		fee, duration = m.fees.Calculate(ctx, entryAt, exitAt)
	} else {
		logging.Warn().Str("entry_time", entry.EntryTime).Msg("unparseable entry time, fee set to zero")
	}

	if err := m.st.CloseExit(ctx, plateID, store.ExitParams{
		ExitTime:   exitTime,
		CameraID:   ev.CameraID,
		CameraName: ev.CameraName,
		Confidence: ev.Data.Confidence,
		Source:     ev.Data.Source,
		Duration:   duration,
		Fee:        fee,
	}); err != nil {
		return nil, err
	}
	metrics.EventsIngested.WithLabelValues("edge", "EXIT").Inc()

	logging.Info().
		Str("plate_view", plateView).
		Int64("fee", fee).
		Str("duration", duration).
		Msg("vehicle exited")

	m.broadcast(gossip.NewExit(m.centralID, eventID, gossip.ExitPayload{
		PlateID:     plateID,
		ExitCentral: m.centralID,
		ExitEdge:    ev.CameraID,
		ExitTime:    exitTime,
		Fee:         fee,
		Duration:    duration,
	}))

	return &Result{
		Success:   true,
		Action:    "EXIT",
		Message:   fmt.Sprintf("vehicle %s exited", plateView),
		PlateID:   plateID,
		PlateView: plateView,
		HistoryID: entry.ID,
		EntryTime: entry.EntryTime,
		ExitTime:  exitTime,
		Duration:  duration,
		Fee:       fee,
		EventID:   eventID,
	}, nil
}

// ErrNotInParking is returned by location processing when the plate has no
// open stay and anomaly creation is disabled.
var ErrNotInParking = errors.New("parking: vehicle not in parking")

// LocationResult reports what a lot sighting did.
type LocationResult struct {
	PlateID   string `json:"plate_id"`
	Location  string `json:"location"`
	IsAnomaly bool   `json:"is_anomaly"`
	Vehicle   *store.Entry
}

// ProcessLocation applies a parking-lot camera sighting. A vehicle with an
// open stay gets its position updated; an unknown vehicle becomes an
// anomaly auto-entry when createAnomaly is set, otherwise ErrNotInParking.
func (m *Manager) ProcessLocation(ctx context.Context, edgeID, plateText, location, locationTime string, createAnomaly bool) (*LocationResult, error) {
	plateID, ok := plate.Normalize(strings.ToUpper(strings.TrimSpace(plateText)))
	if !ok {
		return nil, fmt.Errorf("parking: cannot normalize plate %q", plateText)
	}
	if locationTime == "" {
		locationTime = m.now().Format(store.TimeLayout)
	}

	vehicle, err := m.st.FindVehicleInParking(ctx, plateID)
	if err == nil {
		if err := m.st.UpdateVehicleLocation(ctx, plateID, location, locationTime); err != nil {
			return nil, err
		}
		vehicle.LastLocation = location
		vehicle.LastLocationTime = locationTime

		m.broadcast(gossip.NewLocationUpdate(m.centralID,
			gossip.NewEventID(m.centralID, plateID),
			gossip.LocationPayload{
				PlateID:      plateID,
				Location:     location,
				LocationTime: locationTime,
				EdgeID:       edgeID,
			}))
		return &LocationResult{PlateID: plateID, Location: location, Vehicle: vehicle}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if !createAnomaly {
		return nil, ErrNotInParking
	}

	eventID := gossip.NewEventID(m.centralID, plateID)
	if _, err := m.st.InsertAnomalyEntry(ctx, store.AnomalyParams{
		EventID:      eventID,
		EdgeID:       edgeID,
		PlateID:      plateID,
		PlateView:    plateText,
		EntryTime:    locationTime,
		CameraName:   location,
		Location:     location,
		LocationTime: locationTime,
	}); err != nil {
		return nil, err
	}

	logging.Warn().
		Str("plate_id", plateID).
		Str("location", location).
		Msg("vehicle first seen inside lot, entry auto-created")

	m.broadcast(gossip.NewLocationUpdate(m.centralID, eventID, gossip.LocationPayload{
		PlateID:      plateID,
		Location:     location,
		LocationTime: locationTime,
		IsAnomaly:    true,
		EdgeID:       edgeID,
	}))

	v, _ := m.st.FindVehicleInParking(ctx, plateID)
	return &LocationResult{PlateID: plateID, Location: location, IsAnomaly: true, Vehicle: v}, nil
}

// SaveParkingLot stores lot capacity metadata and syncs it to peers.
func (m *Manager) SaveParkingLot(ctx context.Context, lot store.ParkingLot) error {
	if err := m.st.SaveParkingLot(ctx, lot); err != nil {
		return err
	}
	m.broadcast(gossip.NewParkingLotConfig(m.centralID, gossip.ParkingLotPayload{
		LocationName: lot.LocationName,
		Capacity:     lot.Capacity,
		CameraID:     lot.CameraID,
		CameraType:   lot.CameraType,
		EdgeID:       lot.EdgeID,
	}))
	return nil
}

// CorrectPlate applies an admin plate fix and replicates it.
func (m *Manager) CorrectPlate(ctx context.Context, historyID int64, plateText, plateView string) error {
	entry, err := m.st.EntryByID(ctx, historyID)
	if err != nil {
		return err
	}
	if err := m.st.UpdatePlate(ctx, historyID, plateText, plateView); err != nil {
		return err
	}
	m.broadcast(gossip.NewHistoryUpdate(m.centralID, gossip.HistoryUpdatePayload{
		HistoryID: historyID,
		PlateText: plateText,
		PlateView: plateView,
		EventID:   entry.EventID,
	}))
	return nil
}

// DeleteHistory applies an admin delete and replicates it.
func (m *Manager) DeleteHistory(ctx context.Context, historyID int64) error {
	entry, err := m.st.EntryByID(ctx, historyID)
	if err != nil {
		return err
	}
	if err := m.st.DeleteEntry(ctx, historyID); err != nil {
		return err
	}
	m.broadcast(gossip.NewHistoryDelete(m.centralID, gossip.HistoryDeletePayload{
		HistoryID: historyID,
		EventID:   entry.EventID,
	}))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
