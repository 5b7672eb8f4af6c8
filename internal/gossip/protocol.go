// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

// Package gossip replicates parking events between peer centrals over duplex
// WebSocket channels. Every applied event carries a globally unique event_id
// minted by the originating central; peers dedup on it and resolve entry
// conflicts by keeping the older event.
package gossip

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/parkfabric/parkfabric/internal/store"
)

// Peer message types.
const (
	TypeEntryPending     = "VEHICLE_ENTRY_PENDING"
	TypeEntryConfirmed   = "VEHICLE_ENTRY_CONFIRMED"
	TypeExit             = "VEHICLE_EXIT"
	TypeLocationUpdate   = "LOCATION_UPDATE"
	TypeParkingLotConfig = "PARKING_LOT_CONFIG"
	TypeHistoryUpdate    = "HISTORY_UPDATE"
	TypeHistoryDelete    = "HISTORY_DELETE"
	TypeHeartbeat        = "HEARTBEAT"
	TypeSyncRequest      = "SYNC_REQUEST"
	TypeSyncResponse     = "SYNC_RESPONSE"
)

var knownTypes = map[string]bool{
	TypeEntryPending:     true,
	TypeEntryConfirmed:   true,
	TypeExit:             true,
	TypeLocationUpdate:   true,
	TypeParkingLotConfig: true,
	TypeHistoryUpdate:    true,
	TypeHistoryDelete:    true,
	TypeHeartbeat:        true,
	TypeSyncRequest:      true,
	TypeSyncResponse:     true,
}

// Message is the peer wire envelope. Timestamp is unix milliseconds at the
// sender; EventID is set on vehicle events only.
type Message struct {
	Type          string          `json:"type"`
	SourceCentral string          `json:"source_central"`
	Timestamp     int64           `json:"timestamp"`
	EventID       string          `json:"event_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Validate checks the envelope invariants before dispatch.
func (m *Message) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("missing type")
	}
	if !knownTypes[m.Type] {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.SourceCentral == "" {
		return fmt.Errorf("missing source_central")
	}
	if m.Timestamp == 0 {
		return fmt.Errorf("missing timestamp")
	}
	switch m.Type {
	case TypeEntryPending, TypeEntryConfirmed, TypeExit:
		if m.EventID == "" {
			return fmt.Errorf("missing event_id for vehicle event")
		}
	}
	return nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("message %s has no data", m.Type)
	}
	return json.Unmarshal(m.Data, v)
}

func newMessage(typ, source, eventID string, payload any) *Message {
	m := &Message{
		Type:          typ,
		SourceCentral: source,
		Timestamp:     time.Now().UnixMilli(),
		EventID:       eventID,
	}
	if payload != nil {
		m.Data, _ = json.Marshal(payload)
	}
	return m
}

// EntryPayload carries a gate entry.
type EntryPayload struct {
	PlateID    string `json:"plate_id"`
	PlateView  string `json:"plate_view"`
	EdgeID     string `json:"edge_id"`
	CameraType string `json:"camera_type"`
	Direction  string `json:"direction"`
	EntryTime  string `json:"entry_time"`
}

// ExitPayload carries a gate exit with its computed fee.
type ExitPayload struct {
	PlateID     string `json:"plate_id"`
	ExitCentral string `json:"exit_central"`
	ExitEdge    string `json:"exit_edge"`
	ExitTime    string `json:"exit_time"`
	Fee         int64  `json:"fee"`
	Duration    string `json:"duration"`
}

// LocationPayload carries a parking-lot camera sighting.
type LocationPayload struct {
	PlateID      string `json:"plate_id"`
	Location     string `json:"location"`
	LocationTime string `json:"location_time"`
	IsAnomaly    bool   `json:"is_anomaly"`
	EdgeID       string `json:"edge_id,omitempty"`
}

// ParkingLotPayload syncs lot capacity metadata.
type ParkingLotPayload struct {
	LocationName string `json:"location_name"`
	Capacity     int64  `json:"capacity"`
	CameraID     string `json:"camera_id,omitempty"`
	CameraType   string `json:"camera_type,omitempty"`
	EdgeID       string `json:"edge_id,omitempty"`
}

// HistoryUpdatePayload replicates an admin plate correction.
type HistoryUpdatePayload struct {
	HistoryID int64  `json:"history_id"`
	PlateText string `json:"plate_text"`
	PlateView string `json:"plate_view"`
	// EventID lets peers map the row when local ids diverge.
	EventID string `json:"event_id,omitempty"`
}

// HistoryDeletePayload replicates an admin delete.
type HistoryDeletePayload struct {
	HistoryID int64  `json:"history_id"`
	EventID   string `json:"event_id,omitempty"`
}

// SyncRequestPayload asks a peer for events newer than the watermark.
type SyncRequestPayload struct {
	SinceTimestamp int64 `json:"since_timestamp"`
}

// SyncResponsePayload backfills missed history rows, oldest first.
type SyncResponsePayload struct {
	Events []store.Entry `json:"events"`
}

// NewEntryPending builds a VEHICLE_ENTRY_PENDING message.
func NewEntryPending(source, eventID string, p EntryPayload) *Message {
	return newMessage(TypeEntryPending, source, eventID, p)
}

// NewExit builds a VEHICLE_EXIT message.
func NewExit(source, eventID string, p ExitPayload) *Message {
	return newMessage(TypeExit, source, eventID, p)
}

// NewLocationUpdate builds a LOCATION_UPDATE message.
func NewLocationUpdate(source, eventID string, p LocationPayload) *Message {
	return newMessage(TypeLocationUpdate, source, eventID, p)
}

// NewParkingLotConfig builds a PARKING_LOT_CONFIG message.
func NewParkingLotConfig(source string, p ParkingLotPayload) *Message {
	return newMessage(TypeParkingLotConfig, source, "", p)
}

// NewHistoryUpdate builds a HISTORY_UPDATE message.
func NewHistoryUpdate(source string, p HistoryUpdatePayload) *Message {
	return newMessage(TypeHistoryUpdate, source, "", p)
}

// NewHistoryDelete builds a HISTORY_DELETE message.
func NewHistoryDelete(source string, p HistoryDeletePayload) *Message {
	return newMessage(TypeHistoryDelete, source, "", p)
}

// NewHeartbeat builds a HEARTBEAT message.
func NewHeartbeat(source string) *Message {
	return newMessage(TypeHeartbeat, source, "", struct{}{})
}

// NewSyncRequest builds a SYNC_REQUEST message.
func NewSyncRequest(source string, since int64) *Message {
	return newMessage(TypeSyncRequest, source, "", SyncRequestPayload{SinceTimestamp: since})
}

// NewSyncResponse builds a SYNC_RESPONSE message.
func NewSyncResponse(source string, events []store.Entry) *Message {
	if events == nil {
		events = []store.Entry{}
	}
	return newMessage(TypeSyncResponse, source, "", SyncResponsePayload{Events: events})
}

// NewEventID mints a globally unique event id. The central id must not
// contain underscores; the timestamp between them is what conflict
// resolution compares.
func NewEventID(centralID, plateID string) string {
	return fmt.Sprintf("%s_%d_%s", centralID, time.Now().UnixMilli(), plateID)
}

// EventTimestamp extracts the unix-millisecond mint time from an event id.
func EventTimestamp(eventID string) (int64, bool) {
	parts := strings.Split(eventID, "_")
	if len(parts) < 2 {
		return 0, false
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
