// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package api

import (
	"net/http"
	"strconv"

	"github.com/parkfabric/parkfabric/internal/store"
)

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Raw(http.StatusOK, map[string]any{
		"service":    "parkfabric central",
		"central_id": s.cfg.Central.ID,
		"status":     "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if err := s.st.DB().PingContext(r.Context()); err != nil {
		rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "database unavailable")
		return
	}
	rw.Raw(http.StatusOK, map[string]any{"status": "ok"})
}

// handleStatus reports camera liveness plus the parking counters in one call.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	cameras, err := s.st.Cameras(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	stats, err := s.st.Stats(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.Raw(http.StatusOK, map[string]any{
		"success": true,
		"cameras": cameraSnapshot(cameras),
		"parking": stats,
	})
}

func (s *Server) handleCameras(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	cameras, err := s.st.Cameras(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	snap := cameraSnapshot(cameras)
	snap["success"] = true
	rw.Raw(http.StatusOK, snap)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	stats, err := s.st.Stats(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.Raw(http.StatusOK, map[string]any{
		"success":             true,
		"vehicles_in_parking": stats.VehiclesInParking,
		"entries_today":       stats.EntriesToday,
		"exits_today":         stats.ExitsToday,
		"revenue_today":       stats.RevenueToday,
	})
}

// handleParkingState lists vehicles currently inside.
func (s *Server) handleParkingState(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	vehicles, err := s.st.VehiclesInParking(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.Raw(http.StatusOK, map[string]any{
		"success":  true,
		"total":    len(vehicles),
		"vehicles": vehicles,
	})
}

// handleOccupancy reports per-lot capacity and the vehicles last seen there.
func (s *Server) handleOccupancy(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	lots, err := s.st.ParkingLots(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	out := make([]map[string]any, 0, len(lots))
	for _, lot := range lots {
		vehicles, err := s.st.VehiclesAtLocation(r.Context(), lot.LocationName)
		if err != nil {
			rw.DatabaseError(err)
			return
		}
		available := lot.Capacity - int64(len(vehicles))
		if available < 0 {
			available = 0
		}
		out = append(out, map[string]any{
			"camera": map[string]any{
				"id":   lot.CameraID,
				"name": lot.LocationName,
				"type": lot.CameraType,
			},
			"occupancy": map[string]any{
				"total_capacity": lot.Capacity,
				"occupied":       len(vehicles),
				"available":      available,
				"vehicles":       vehicles,
			},
		})
	}

	rw.Raw(http.StatusOK, map[string]any{
		"success":      true,
		"parking_lots": out,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	q := r.URL.Query()

	query := store.HistoryQuery{
		Limit:         queryInt(q.Get("limit"), s.cfg.API.DefaultPageSize),
		Offset:        queryInt(q.Get("offset"), 0),
		TodayOnly:     queryBool(q.Get("today_only")),
		Status:        q.Get("status"),
		Search:        q.Get("search"),
		InParkingOnly: queryBool(q.Get("in_parking_only")),
		EntriesOnly:   queryBool(q.Get("entries_only")),
	}
	if query.Limit > s.cfg.API.MaxPageSize {
		query.Limit = s.cfg.API.MaxPageSize
	}

	history, err := s.st.History(r.Context(), query)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	stats, err := s.st.Stats(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.Raw(http.StatusOK, map[string]any{
		"success": true,
		"count":   len(history),
		"stats":   stats,
		"history": history,
	})
}

func (s *Server) handleHistoryChanges(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	q := r.URL.Query()

	changes, err := s.st.Changes(r.Context(),
		queryInt(q.Get("limit"), s.cfg.API.DefaultPageSize),
		queryInt(q.Get("offset"), 0),
		int64(queryInt(q.Get("history_id"), 0)))
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.Raw(http.StatusOK, map[string]any{
		"success": true,
		"count":   len(changes),
		"changes": changes,
	})
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func queryBool(raw string) bool {
	b, _ := strconv.ParseBool(raw)
	return b
}

// cameraSnapshot renders the registry the way dashboard clients consume it.
func cameraSnapshot(cameras []store.Camera) map[string]any {
	online := 0
	for _, c := range cameras {
		if c.Status == "online" {
			online++
		}
	}
	if cameras == nil {
		cameras = []store.Camera{}
	}
	return map[string]any{
		"cameras": cameras,
		"total":   len(cameras),
		"online":  online,
		"offline": len(cameras) - online,
	}
}
