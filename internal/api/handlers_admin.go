// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/parkfabric/parkfabric/internal/fees"
	"github.com/parkfabric/parkfabric/internal/store"
	"github.com/parkfabric/parkfabric/internal/validation"
	"github.com/parkfabric/parkfabric/internal/ws"
)

type historyUpdateRequest struct {
	PlateID   string `json:"plate_id" validate:"required,plate"`
	PlateView string `json:"plate_view" validate:"required"`
}

// handleHistoryUpdate applies an admin plate correction: audit row, peer
// replication, frontend refresh, and a DB-sync event to every edge.
func (s *Server) handleHistoryUpdate(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	historyID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		rw.BadRequest("invalid history id")
		return
	}

	var req historyUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError(verr.Error(), verr.Fields())
		return
	}

	// Snapshot the row first: the edge sync event carries the event_id and
	// the pre-edit plate so edges can map the change onto their own rows.
	old, err := s.st.EntryByID(r.Context(), historyID)
	if errors.Is(err, store.ErrNotFound) {
		rw.NotFound("history entry not found")
		return
	}
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	if err := s.parking.CorrectPlate(r.Context(), historyID, req.PlateID, req.PlateView); err != nil {
		rw.DatabaseError(err)
		return
	}

	if s.historyHub != nil {
		s.historyHub.Broadcast(ws.MessageTypeHistoryUpdate, map[string]any{
			"type":       "updated",
			"history_id": historyID,
		})
	}
	if s.edges != nil {
		s.edges.Broadcast(map[string]any{
			"type":       "UPDATE",
			"history_id": historyID,
			"event_id":   old.EventID,
			"data": map[string]any{
				"plate_text":     req.PlateID,
				"plate_view":     req.PlateView,
				"plate_text_old": old.PlateID,
				"plate_view_old": old.PlateView,
			},
		})
	}

	rw.Raw(http.StatusOK, map[string]any{"success": true})
}

// handleHistoryDelete removes a stay with an audit trail and fans the delete
// out to edges, frontends, and peers.
func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	historyID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		rw.BadRequest("invalid history id")
		return
	}

	old, err := s.st.EntryByID(r.Context(), historyID)
	if errors.Is(err, store.ErrNotFound) {
		rw.NotFound("history entry not found")
		return
	}
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	if err := s.parking.DeleteHistory(r.Context(), historyID); err != nil {
		rw.DatabaseError(err)
		return
	}

	if s.historyHub != nil {
		s.historyHub.Broadcast(ws.MessageTypeHistoryUpdate, map[string]any{
			"type":       "deleted",
			"history_id": historyID,
		})
	}
	if s.edges != nil {
		s.edges.Broadcast(map[string]any{
			"type":       "DELETE",
			"history_id": historyID,
			"event_id":   old.EventID,
			"data": map[string]any{
				"plate_text": old.PlateID,
				"plate_view": old.PlateView,
			},
		})
	}

	rw.Raw(http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleFeesGet(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	source := "default"
	switch {
	case s.cfg.Fees.SourceURL != "":
		source = "api"
	case s.cfg.Fees.FilePath != "":
		source = "file"
	}

	rw.Raw(http.StatusOK, map[string]any{
		"success": true,
		"fees":    s.fees.Schedule(r.Context()),
		"source":  source,
	})
}

type feesUpdateRequest struct {
	Fees fees.Schedule `json:"fees"`
}

func (s *Server) handleFeesPut(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req feesUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return
	}
	if req.Fees.PerHour < 0 || req.Fees.BaseHours < 0 {
		rw.BadRequest("fee values must not be negative")
		return
	}

	if err := s.fees.Update(req.Fees); err != nil {
		rw.InternalError("failed to persist fee schedule: " + err.Error())
		return
	}
	rw.Raw(http.StatusOK, map[string]any{
		"success": true,
		"fees":    req.Fees,
	})
}
