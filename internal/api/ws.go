// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/parkfabric/parkfabric/internal/logging"
	"github.com/parkfabric/parkfabric/internal/parking"
	"github.com/parkfabric/parkfabric/internal/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Dashboards and edges connect from arbitrary origins on the LAN.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	identifyTimeout = 10 * time.Second
	edgeReadLimit   = 512 * 1024
	edgePongWait    = 90 * time.Second
)

// handleHistoryWS attaches a frontend client to the history hub.
func (s *Server) handleHistoryWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := ws.NewClient(s.historyHub, conn)
	s.historyHub.Register <- c
	c.Start()
}

// handleCamerasWS attaches a frontend client to the cameras hub and pushes
// the current registry snapshot so the dashboard renders immediately.
func (s *Server) handleCamerasWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := ws.NewClient(s.camerasHub, conn)
	s.camerasHub.Register <- c
	c.Start()
	s.broadcastCameraSnapshot(r)
}

// broadcastCameraSnapshot pushes the camera registry to /ws/cameras clients.
func (s *Server) broadcastCameraSnapshot(r *http.Request) {
	if s.camerasHub == nil {
		return
	}
	cameras, err := s.st.Cameras(r.Context())
	if err != nil {
		logging.Warn().Err(err).Msg("camera snapshot query failed")
		return
	}
	s.camerasHub.Broadcast(ws.MessageTypeCamerasUpdate, cameraSnapshot(cameras))
}

// edgeFrame is a message on the edge duplex channel. Data stays raw until
// the frame type selects a payload shape.
type edgeFrame struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	EdgeID     string          `json:"edge_id,omitempty"`
	CameraID   string          `json:"camera_id,omitempty"`
	CameraName string          `json:"camera_name,omitempty"`
	CameraType string          `json:"camera_type,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// handleEdgeWS runs the duplex channel with one edge backend: the edge
// identifies itself, gets an ack, then exchanges events until the socket
// drops. Events from this edge are never echoed back to it.
func (s *Server) handleEdgeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(identifyTimeout))
	var hello struct {
		EdgeID string `json:"edge_id"`
	}
	if err := conn.ReadJSON(&hello); err != nil || hello.EdgeID == "" {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "no edge_id provided"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	e := s.edges.Register(hello.EdgeID, conn)
	defer s.edges.Unregister(e)

	s.edges.SendTo(hello.EdgeID, map[string]any{
		"type":    "connected",
		"message": "edge '" + hello.EdgeID + "' registered",
	})

	conn.SetReadLimit(edgeReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(edgePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(edgePongWait))
	})

	for {
		var frame edgeFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn().Err(err).Str("edge_id", hello.EdgeID).Msg("edge channel read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(edgePongWait))

		switch frame.Type {
		case "ping":
			s.edges.SendTo(hello.EdgeID, map[string]any{"type": "pong"})
		case "heartbeat":
			s.handleEdgeWSHeartbeat(r.Context(), hello.EdgeID, frame)
		case "ENTRY", "EXIT", "DETECTION", "UPDATE", "DELETE", "LOCATION_UPDATE", "OCR_LOG":
			s.handleEdgeWSEvent(r.Context(), hello.EdgeID, frame)
		default:
			logging.Debug().Str("edge_id", hello.EdgeID).Str("type", frame.Type).Msg("unknown edge frame")
		}
	}
}

func (s *Server) handleEdgeWSHeartbeat(ctx context.Context, edgeID string, frame edgeFrame) {
	var hb heartbeatRequest
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &hb); err != nil {
			logging.Warn().Err(err).Str("edge_id", edgeID).Msg("bad heartbeat frame")
			return
		}
	}
	if hb.CameraID == "" {
		hb.CameraID = firstNonEmpty(frame.CameraID, edgeID)
	}
	if hb.CameraName == "" {
		hb.CameraName = firstNonEmpty(frame.CameraName, "Camera "+hb.CameraID)
	}
	if hb.CameraType == "" {
		hb.CameraType = firstNonEmpty(frame.CameraType, "ENTRY")
	}
	if err := s.st.CameraHeartbeatReport(ctx, hb.CameraID, hb.CameraName, hb.CameraType,
		hb.EventsSent, hb.EventsFailed); err != nil {
		logging.Warn().Err(err).Str("edge_id", edgeID).Msg("heartbeat store update failed")
		return
	}
	if s.camerasHub != nil {
		cameras, err := s.st.Cameras(ctx)
		if err == nil {
			s.camerasHub.Broadcast(ws.MessageTypeCamerasUpdate, cameraSnapshot(cameras))
		}
	}
}

// handleEdgeWSEvent applies one event from an edge channel. Applied events
// replicate to peers and refresh frontends; admin and location events also
// fan out to the OTHER edges, never back to the sender.
func (s *Server) handleEdgeWSEvent(ctx context.Context, edgeID string, frame edgeFrame) {
	switch frame.Type {
	case "UPDATE":
		s.applyEdgeAdminUpdate(ctx, edgeID, frame)
	case "DELETE":
		s.applyEdgeAdminDelete(ctx, edgeID, frame)
	case "LOCATION_UPDATE", "OCR_LOG":
		s.applyEdgeLocation(ctx, edgeID, frame)
	case "ENTRY":
		if frame.CameraType == "PARKING_LOT" {
			// Lot cameras cannot see gates; their entries are sightings.
			s.applyEdgeLocation(ctx, edgeID, frame)
			return
		}
		s.applyEdgeParkingEvent(ctx, edgeID, frame)
	default:
		s.applyEdgeParkingEvent(ctx, edgeID, frame)
	}
}

func (s *Server) applyEdgeParkingEvent(ctx context.Context, edgeID string, frame edgeFrame) {
	var data parking.EdgeEventData
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			logging.Warn().Err(err).Str("edge_id", edgeID).Msg("bad edge event payload")
			return
		}
	}

	ev := parking.EdgeEvent{
		Type:       frame.Type,
		EventID:    frame.EventID,
		CameraID:   firstNonEmpty(frame.CameraID, edgeID),
		CameraName: firstNonEmpty(frame.CameraName, "Camera "+firstNonEmpty(frame.CameraID, edgeID)),
		CameraType: firstNonEmpty(frame.CameraType, "ENTRY"),
		EdgeID:     edgeID,
		Data:       data,
	}

	res, err := s.parking.Process(ctx, ev)
	if err != nil {
		logging.Error().Err(err).Str("edge_id", edgeID).Msg("edge event processing failed")
		return
	}
	if !res.Success || res.Deduped {
		if !res.Success {
			logging.Warn().Str("edge_id", edgeID).Str("error", res.Error).Msg("edge event rejected")
		}
		return
	}

	// The sender already holds this event; only frontends need the push.
	// Peer replication happened inside Process.
	if s.historyHub != nil {
		s.historyHub.Broadcast(ws.MessageTypeHistoryUpdate, map[string]any{
			"event_type":  ev.Type,
			"camera_id":   ev.CameraID,
			"camera_name": ev.CameraName,
			"camera_type": ev.CameraType,
			"action":      res.Action,
			"plate_id":    res.PlateID,
			"plate_view":  res.PlateView,
			"history_id":  res.HistoryID,
			"entry_time":  res.EntryTime,
			"exit_time":   res.ExitTime,
			"duration":    res.Duration,
			"fee":         res.Fee,
			"event_id":    res.EventID,
		})
	}
}

type edgeAdminPayload struct {
	HistoryID    int64  `json:"history_id"`
	EventID      string `json:"event_id"`
	PlateText    string `json:"plate_text"`
	PlateView    string `json:"plate_view"`
	PlateID      string `json:"plate_id"`
	Location     string `json:"location"`
	LocationTime string `json:"location_time"`
	IsAnomaly    bool   `json:"is_anomaly"`
}

// resolveHistoryID maps an edge's reference onto a local row: the edge's
// history_id only matches when both databases assigned the same rowid, so
// the event_id is the reliable key.
func (s *Server) resolveHistoryID(ctx context.Context, p edgeAdminPayload) (int64, bool) {
	if p.HistoryID > 0 {
		if _, err := s.st.EntryByID(ctx, p.HistoryID); err == nil {
			return p.HistoryID, true
		}
	}
	if p.EventID != "" {
		if entry, err := s.st.FindByEventID(ctx, p.EventID); err == nil {
			return entry.ID, true
		}
	}
	return 0, false
}

func (s *Server) applyEdgeAdminUpdate(ctx context.Context, edgeID string, frame edgeFrame) {
	var p edgeAdminPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		logging.Warn().Err(err).Str("edge_id", edgeID).Msg("bad UPDATE payload")
		return
	}
	if p.EventID == "" {
		p.EventID = frame.EventID
	}

	historyID, ok := s.resolveHistoryID(ctx, p)
	if !ok {
		logging.Warn().Str("edge_id", edgeID).Str("event_id", p.EventID).Msg("UPDATE target not found")
		return
	}
	if err := s.parking.CorrectPlate(ctx, historyID, p.PlateText, p.PlateView); err != nil {
		logging.Error().Err(err).Int64("history_id", historyID).Msg("edge UPDATE failed")
		return
	}

	if s.historyHub != nil {
		s.historyHub.Broadcast(ws.MessageTypeHistoryUpdate, map[string]any{
			"type":       "updated",
			"history_id": historyID,
		})
	}
	s.edges.BroadcastExcept(map[string]any{
		"type":       "UPDATE",
		"history_id": historyID,
		"event_id":   p.EventID,
		"data": map[string]any{
			"plate_text": p.PlateText,
			"plate_view": p.PlateView,
		},
	}, edgeID)
}

func (s *Server) applyEdgeAdminDelete(ctx context.Context, edgeID string, frame edgeFrame) {
	var p edgeAdminPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		logging.Warn().Err(err).Str("edge_id", edgeID).Msg("bad DELETE payload")
		return
	}
	if p.EventID == "" {
		p.EventID = frame.EventID
	}

	historyID, ok := s.resolveHistoryID(ctx, p)
	if !ok {
		logging.Warn().Str("edge_id", edgeID).Str("event_id", p.EventID).Msg("DELETE target not found")
		return
	}
	if err := s.parking.DeleteHistory(ctx, historyID); err != nil {
		logging.Error().Err(err).Int64("history_id", historyID).Msg("edge DELETE failed")
		return
	}

	if s.historyHub != nil {
		s.historyHub.Broadcast(ws.MessageTypeHistoryUpdate, map[string]any{
			"type":       "deleted",
			"history_id": historyID,
		})
	}
	s.edges.BroadcastExcept(map[string]any{
		"type":       "DELETE",
		"history_id": historyID,
		"event_id":   p.EventID,
	}, edgeID)
}

// applyEdgeLocation handles a parking-lot sighting from the duplex channel.
// Unlike the HTTP OCR path, an unknown vehicle here becomes an anomaly
// auto-entry: the channel is the authoritative lot feed.
func (s *Server) applyEdgeLocation(ctx context.Context, edgeID string, frame edgeFrame) {
	var p edgeAdminPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		logging.Warn().Err(err).Str("edge_id", edgeID).Msg("bad LOCATION_UPDATE payload")
		return
	}

	plateText := firstNonEmpty(p.PlateID, p.PlateText)
	location := firstNonEmpty(p.Location, frame.CameraName)

	res, err := s.parking.ProcessLocation(ctx, edgeID, plateText, location, p.LocationTime, true)
	if err != nil {
		if !errors.Is(err, parking.ErrNotInParking) {
			logging.Error().Err(err).Str("edge_id", edgeID).Msg("location update failed")
		}
		return
	}

	if res.IsAnomaly {
		if s.historyHub != nil {
			s.historyHub.Broadcast(ws.MessageTypeHistoryUpdate, map[string]any{
				"event_type": "ENTRY",
				"plate_id":   res.PlateID,
				"is_anomaly": true,
			})
		}
		s.edges.BroadcastExcept(map[string]any{
			"type":        "ENTRY",
			"event_id":    frame.EventID,
			"camera_id":   edgeID,
			"camera_name": edgeID + "/" + firstNonEmpty(frame.CameraName, location),
			"data": map[string]any{
				"plate_id":      res.PlateID,
				"plate_text":    plateText,
				"is_anomaly":    true,
				"location":      res.Location,
				"location_time": p.LocationTime,
			},
		}, edgeID)
		return
	}

	if s.historyHub != nil {
		s.historyHub.Broadcast(ws.MessageTypeHistoryUpdate, map[string]any{
			"event_type":    "LOCATION_UPDATE",
			"plate_id":      res.PlateID,
			"location":      res.Location,
			"location_time": p.LocationTime,
		})
	}
	s.edges.BroadcastExcept(map[string]any{
		"type":     "LOCATION_UPDATE",
		"event_id": frame.EventID,
		"data": map[string]any{
			"plate_id":      res.PlateID,
			"location":      res.Location,
			"location_time": p.LocationTime,
		},
	}, edgeID)
}

// handlePeerWS accepts an inbound mesh channel from another central. The
// peer identifies itself in the first frame; the gossip manager then owns
// the socket.
func (s *Server) handlePeerWS(w http.ResponseWriter, r *http.Request) {
	if s.gossip == nil {
		http.Error(w, "mesh disabled", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(identifyTimeout))
	var hello struct {
		PeerID string `json:"peer_id"`
	}
	if err := conn.ReadJSON(&hello); err != nil || hello.PeerID == "" {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "no peer_id provided"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if err := s.gossip.RunConn(r.Context(), hello.PeerID, "inbound", conn); err != nil &&
		!errors.Is(err, context.Canceled) {
		logging.Debug().Err(err).Str("peer", hello.PeerID).Msg("inbound peer channel closed")
	}
}
