// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/parkfabric/parkfabric/internal/logging"
	"github.com/parkfabric/parkfabric/internal/parking"
	"github.com/parkfabric/parkfabric/internal/store"
	"github.com/parkfabric/parkfabric/internal/validation"
	"github.com/parkfabric/parkfabric/internal/ws"
)

func parkingLotFromCamera(edgeID, cameraID, name string, capacity int64) store.ParkingLot {
	return store.ParkingLot{
		LocationName: name,
		Capacity:     capacity,
		CameraID:     cameraID,
		CameraType:   "PARKING_LOT",
		EdgeID:       edgeID,
	}
}

// handleEdgeEvent ingests a gate event from an edge node over HTTP.
// A replayed event_id is acknowledged as success with deduped set, so edge
// outbox retries stay idempotent.
func (s *Server) handleEdgeEvent(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var ev parking.EdgeEvent
	if err := decodeJSON(r, &ev); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return
	}
	if ev.Type == "" {
		rw.BadRequest("type is required")
		return
	}

	res, err := s.parking.Process(r.Context(), ev)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	if !res.Success {
		rw.Raw(http.StatusBadRequest, res)
		return
	}

	if res.Deduped {
		rw.Raw(http.StatusOK, res)
		return
	}

	if ev.CameraID != "" {
		if err := s.st.RecordCameraEvent(r.Context(), ev.CameraID, false); err != nil {
			logging.Warn().Err(err).Str("camera_id", ev.CameraID).Msg("camera counter update failed")
		}
	}

	// HTTP ingest fans out to every edge: the sender delivered over HTTP,
	// so it has no WebSocket channel to echo on.
	s.fanoutLocal(ev, res, "")
	rw.Raw(http.StatusOK, res)
}

type heartbeatRequest struct {
	CameraID     string `json:"camera_id" validate:"required"`
	CameraName   string `json:"camera_name"`
	CameraType   string `json:"camera_type" validate:"omitempty,oneof=ENTRY EXIT PARKING_LOT"`
	Status       string `json:"status"`
	EventsSent   int64  `json:"events_sent" validate:"gte=0"`
	EventsFailed int64  `json:"events_failed" validate:"gte=0"`
	Timestamp    int64  `json:"timestamp"`
}

// handleEdgeHeartbeat refreshes camera liveness and pushes the new registry
// snapshot to dashboard clients.
func (s *Server) handleEdgeHeartbeat(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError(verr.Error(), verr.Fields())
		return
	}
	if req.CameraName == "" {
		req.CameraName = "Camera " + req.CameraID
	}
	if req.CameraType == "" {
		req.CameraType = "ENTRY"
	}

	if err := s.st.CameraHeartbeatReport(r.Context(), req.CameraID, req.CameraName,
		req.CameraType, req.EventsSent, req.EventsFailed); err != nil {
		rw.DatabaseError(err)
		return
	}

	s.broadcastCameraSnapshot(r)
	rw.Raw(http.StatusOK, map[string]any{"success": true})
}

type ocrRequest struct {
	DeviceID   string `json:"device_id"`
	CameraID   string `json:"camera_id"`
	CameraName string `json:"camera_name"`
	PlateText  string `json:"plate_text" validate:"required"`
	Timestamp  string `json:"timestamp"`
}

// handleEdgeOCR applies a parking-lot sighting delivered over the HTTP
// fallback path. Unknown vehicles are NOT auto-entered here; the edge keeps
// retrying until the gate entry lands, so a premature anomaly row would
// shadow the real entry.
func (s *Server) handleEdgeOCR(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if !s.ocrLimiter.Allow() {
		rw.Error(http.StatusTooManyRequests, ErrCodeBadRequest, "ocr ingest rate exceeded")
		return
	}

	var req ocrRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError(verr.Error(), verr.Fields())
		return
	}

	location := firstNonEmpty(req.CameraName, req.CameraID)
	edgeID := firstNonEmpty(req.DeviceID, req.CameraID)

	res, err := s.parking.ProcessLocation(r.Context(), edgeID, req.PlateText, location, req.Timestamp, false)
	if errors.Is(err, parking.ErrNotInParking) {
		rw.Raw(http.StatusNotFound, map[string]any{
			"success": false,
			"error":   fmt.Sprintf("vehicle %s not in parking", req.PlateText),
			"message": "vehicle either hasn't entered or has already exited",
		})
		return
	}
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	if s.historyHub != nil {
		s.historyHub.Broadcast(ws.MessageTypeHistoryUpdate, map[string]any{
			"event_type":    "LOCATION_UPDATE",
			"plate_id":      res.PlateID,
			"location":      res.Location,
			"location_time": req.Timestamp,
		})
	}

	rw.Raw(http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("location updated to %s", res.Location),
		"vehicle": res.Vehicle,
	})
}

type syncConfigCamera struct {
	ID       string `json:"id" validate:"required"`
	Name     string `json:"name"`
	Type     string `json:"camera_type" validate:"omitempty,oneof=ENTRY EXIT PARKING_LOT"`
	Capacity int64  `json:"parking_lot_capacity" validate:"gte=0"`
}

type syncConfigRequest struct {
	EdgeID  string             `json:"edge_id" validate:"required"`
	Cameras []syncConfigCamera `json:"cameras" validate:"required,dive"`
}

// handleEdgeSyncConfig registers an edge's camera inventory. PARKING_LOT
// cameras also persist lot capacity, which replicates to peers and pushes a
// config notice to dashboard clients.
func (s *Server) handleEdgeSyncConfig(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req syncConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError(verr.Error(), verr.Fields())
		return
	}

	for _, cam := range req.Cameras {
		name := cam.Name
		if name == "" {
			name = "Camera " + cam.ID
		}
		typ := cam.Type
		if typ == "" {
			typ = "ENTRY"
		}

		if err := s.st.UpsertCamera(r.Context(), cam.ID, name, typ); err != nil {
			rw.DatabaseError(err)
			return
		}

		if typ != "PARKING_LOT" {
			continue
		}
		if err := s.parking.SaveParkingLot(r.Context(), parkingLotFromCamera(req.EdgeID, cam.ID, name, cam.Capacity)); err != nil {
			rw.DatabaseError(err)
			return
		}
		if s.historyHub != nil {
			s.historyHub.Broadcast(ws.MessageTypeHistoryUpdate, map[string]any{
				"event_type":  "PARKING_LOT_CONFIG_UPDATE",
				"camera_name": name,
				"capacity":    cam.Capacity,
			})
		}
	}

	rw.Raw(http.StatusOK, map[string]any{"success": true, "cameras": len(req.Cameras)})
}
