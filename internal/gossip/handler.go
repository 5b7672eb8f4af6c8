// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package gossip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parkfabric/parkfabric/internal/logging"
	"github.com/parkfabric/parkfabric/internal/metrics"
	"github.com/parkfabric/parkfabric/internal/store"
)

// Fanout pushes applied peer events to local subscribers. History goes to
// frontend WebSocket clients, Edges to connected edge channels. Peer events
// are never forwarded back to peers; that is what keeps the mesh loop-free.
type Fanout interface {
	History(payload map[string]any)
	Edges(payload map[string]any)
}

// Replier answers a specific peer, used for sync responses.
type Replier interface {
	SendToPeer(peerID string, msg *Message) bool
}

// NopFanout discards fan-out, for standalone operation and tests.
type NopFanout struct{}

func (NopFanout) History(map[string]any) {}
func (NopFanout) Edges(map[string]any)   {}

// Handler applies peer messages to the local store.
type Handler struct {
	store     *store.Store
	centralID string
	fanout    Fanout
	replier   Replier
}

// NewHandler builds a Handler. fanout and replier may be nil.
func NewHandler(st *store.Store, centralID string, fanout Fanout, replier Replier) *Handler {
	if fanout == nil {
		fanout = NopFanout{}
	}
	return &Handler{store: st, centralID: centralID, fanout: fanout, replier: replier}
}

// Handle validates and dispatches one peer message. peerID is the channel
// the message arrived on; it may differ from SourceCentral when a message
// was relayed through backfill.
func (h *Handler) Handle(ctx context.Context, msg *Message, peerID string) error {
	if err := msg.Validate(); err != nil {
		metrics.EventsRejected.WithLabelValues("invalid_envelope").Inc()
		return fmt.Errorf("invalid peer message: %w", err)
	}
	metrics.PeerMessages.WithLabelValues("in", msg.Type).Inc()

	switch msg.Type {
	case TypeEntryPending:
		return h.handleEntryPending(ctx, msg)
	case TypeEntryConfirmed:
		// Pending and confirmed entries are both status IN; nothing to do.
		logging.Debug().Str("event_id", msg.EventID).Msg("entry confirmed")
		return nil
	case TypeExit:
		return h.handleExit(ctx, msg)
	case TypeLocationUpdate:
		return h.handleLocationUpdate(ctx, msg)
	case TypeParkingLotConfig:
		return h.handleParkingLotConfig(ctx, msg)
	case TypeHistoryUpdate:
		return h.handleHistoryUpdate(ctx, msg)
	case TypeHistoryDelete:
		return h.handleHistoryDelete(ctx, msg)
	case TypeHeartbeat:
		return nil
	case TypeSyncRequest:
		return h.handleSyncRequest(ctx, msg, peerID)
	case TypeSyncResponse:
		return h.handleSyncResponse(ctx, msg, peerID)
	}
	return nil
}

func (h *Handler) handleEntryPending(ctx context.Context, msg *Message) error {
	var p EntryPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}

	exists, err := h.store.EventExists(ctx, msg.EventID)
	if err != nil {
		return err
	}
	if exists {
		metrics.EventsDeduped.WithLabelValues("peer").Inc()
		logging.Debug().Str("event_id", msg.EventID).Msg("duplicate peer entry skipped")
		return nil
	}

	params := store.EntryParams{
		EventID:       msg.EventID,
		SourceCentral: msg.SourceCentral,
		EdgeID:        p.EdgeID,
		PlateID:       p.PlateID,
		PlateView:     p.PlateView,
		EntryTime:     p.EntryTime,
		CameraName:    msg.SourceCentral + "/" + p.EdgeID,
		Source:        "p2p_sync",
	}

	existing, err := h.store.FindVehicleInParking(ctx, p.PlateID)
	if err == nil {
		return h.resolveConflict(ctx, existing, params)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if _, err := h.store.ApplyPeerEntry(ctx, params); err != nil {
		return err
	}
	metrics.EventsIngested.WithLabelValues("peer", "ENTRY").Inc()

	logging.Info().
		Str("source_central", msg.SourceCentral).
		Str("plate_view", p.PlateView).
		Str("event_id", msg.EventID).
		Msg("synced entry from peer")

	h.fanout.History(map[string]any{
		"type":           "p2p_entry_synced",
		"event_id":       msg.EventID,
		"source_central": msg.SourceCentral,
		"edge_id":        p.EdgeID,
		"plate_id":       p.PlateID,
		"direction":      "ENTRY",
		"entry_time":     p.EntryTime,
		"event_type":     "ENTRY",
	})
	h.fanout.Edges(map[string]any{
		"type":           "ENTRY",
		"event_id":       msg.EventID,
		"source_central": msg.SourceCentral,
		"camera_id":      p.EdgeID,
		"camera_name":    msg.SourceCentral + "/" + p.EdgeID,
		"camera_type":    p.CameraType,
		"data": map[string]any{
			"plate_text": p.PlateID,
			"plate_view": p.PlateView,
			"confidence": 0.0,
			"source":     "p2p_sync",
		},
		"entry_time": p.EntryTime,
	})
	return nil
}

// resolveConflict handles two centrals admitting the same plate: the entry
// whose event_id carries the smaller mint timestamp wins. Live entries and
// backfilled ones both go through here, so the fabric converges on one open
// stay per plate no matter which path an event took.
func (h *Handler) resolveConflict(ctx context.Context, existing *store.Entry, incoming store.EntryParams) error {
	if existing.EventID == "" {
		// Pre-mesh row without an event_id; keep it.
		logging.Warn().Str("plate_id", incoming.PlateID).Msg("conflict: keeping local entry without event_id")
		metrics.ConflictsResolved.WithLabelValues("local").Inc()
		return nil
	}

	existingTS, okExisting := EventTimestamp(existing.EventID)
	newTS, okNew := EventTimestamp(incoming.EventID)
	if !okExisting || !okNew {
		logging.Warn().
			Str("local", existing.EventID).
			Str("remote", incoming.EventID).
			Msg("conflict: unparseable event timestamp, keeping local entry")
		metrics.ConflictsResolved.WithLabelValues("local").Inc()
		return nil
	}

	if newTS >= existingTS {
		logging.Info().
			Str("local", existing.EventID).
			Str("remote", incoming.EventID).
			Msg("conflict: local entry is older, ignoring remote")
		metrics.ConflictsResolved.WithLabelValues("local").Inc()
		return nil
	}

	logging.Info().
		Str("local", existing.EventID).
		Str("remote", incoming.EventID).
		Msg("conflict: remote entry is older, replacing local")

	if _, err := h.store.DeleteByEventID(ctx, existing.EventID); err != nil {
		return err
	}
	if _, err := h.store.ApplyPeerEntry(ctx, incoming); err != nil {
		return err
	}
	metrics.ConflictsResolved.WithLabelValues("remote").Inc()

	h.fanout.History(map[string]any{
		"type":           "p2p_entry_replaced",
		"event_id":       incoming.EventID,
		"source_central": incoming.SourceCentral,
		"edge_id":        incoming.EdgeID,
		"plate_id":       incoming.PlateID,
		"entry_time":     incoming.EntryTime,
	})
	return nil
}

func (h *Handler) handleExit(ctx context.Context, msg *Message) error {
	var p ExitPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}

	params := store.ExitParams{
		ExitTime:   p.ExitTime,
		CameraName: p.ExitCentral + "/" + p.ExitEdge,
		Source:     "p2p_sync",
		Duration:   p.Duration,
		Fee:        p.Fee,
	}

	err := h.store.CloseExitByEventID(ctx, msg.EventID, params)
	if errors.Is(err, store.ErrNotFound) && p.PlateID != "" {
		// The entry may have arrived before event ids were carried end to
		// end; fall back to the plate's latest open stay.
		err = h.store.CloseExit(ctx, p.PlateID, params)
	}
	if errors.Is(err, store.ErrNotFound) {
		logging.Warn().Str("event_id", msg.EventID).Msg("peer exit for unknown entry")
		metrics.EventsRejected.WithLabelValues("exit_without_entry").Inc()
		return nil
	}
	if err != nil {
		return err
	}
	metrics.EventsIngested.WithLabelValues("peer", "EXIT").Inc()

	logging.Info().
		Str("exit_central", p.ExitCentral).
		Str("event_id", msg.EventID).
		Int64("fee", p.Fee).
		Msg("synced exit from peer")

	h.fanout.History(map[string]any{
		"type":         "p2p_exit_synced",
		"event_id":     msg.EventID,
		"exit_central": p.ExitCentral,
		"exit_edge":    p.ExitEdge,
		"exit_time":    p.ExitTime,
		"fee":          p.Fee,
		"event_type":   "EXIT",
	})
	h.fanout.Edges(map[string]any{
		"type":           "EXIT",
		"event_id":       msg.EventID,
		"source_central": p.ExitCentral,
		"camera_id":      p.ExitEdge,
		"camera_name":    p.ExitCentral + "/" + p.ExitEdge,
		"camera_type":    "EXIT",
		"data":           map[string]any{"source": "p2p_sync"},
		"exit_time":      p.ExitTime,
		"fee":            p.Fee,
		"duration":       p.Duration,
	})
	return nil
}

func (h *Handler) handleLocationUpdate(ctx context.Context, msg *Message) error {
	var p LocationPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}

	err := h.store.UpdateVehicleLocation(ctx, p.PlateID, p.Location, p.LocationTime)
	if err == nil {
		h.fanout.History(map[string]any{
			"type":          "history_update",
			"action":        "location_updated",
			"plate_id":      p.PlateID,
			"location":      p.Location,
			"location_time": p.LocationTime,
			"event_type":    "LOCATION_UPDATE",
		})
		h.fanout.Edges(map[string]any{
			"type":     "LOCATION_UPDATE",
			"event_id": msg.EventID,
			"data": map[string]any{
				"plate_id":      p.PlateID,
				"location":      p.Location,
				"location_time": p.LocationTime,
			},
		})
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// First sighting is inside the lot: record the entry we never saw.
	edgeID := p.EdgeID
	if edgeID == "" {
		edgeID = "unknown"
	}
	if _, err := h.store.InsertAnomalyEntry(ctx, store.AnomalyParams{
		EventID:       msg.EventID,
		SourceCentral: msg.SourceCentral,
		EdgeID:        edgeID,
		PlateID:       p.PlateID,
		PlateView:     p.PlateID,
		EntryTime:     p.LocationTime,
		CameraName:    msg.SourceCentral + "/" + p.Location,
		Location:      p.Location,
		LocationTime:  p.LocationTime,
	}); err != nil {
		return err
	}

	logging.Warn().
		Str("plate_id", p.PlateID).
		Str("location", p.Location).
		Msg("auto-created entry for vehicle first seen inside lot")

	h.fanout.History(map[string]any{
		"type":       "history_update",
		"action":     "entry_created",
		"plate_id":   p.PlateID,
		"is_anomaly": true,
		"event_type": "ENTRY",
	})
	h.fanout.Edges(map[string]any{
		"type":     "ENTRY",
		"event_id": msg.EventID,
		"data": map[string]any{
			"plate_id":      p.PlateID,
			"is_anomaly":    true,
			"location":      p.Location,
			"location_time": p.LocationTime,
		},
	})
	return nil
}

func (h *Handler) handleParkingLotConfig(ctx context.Context, msg *Message) error {
	var p ParkingLotPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if err := h.store.SaveParkingLot(ctx, store.ParkingLot{
		LocationName: p.LocationName,
		Capacity:     p.Capacity,
		CameraID:     p.CameraID,
		CameraType:   p.CameraType,
		EdgeID:       p.EdgeID,
	}); err != nil {
		return err
	}
	logging.Info().
		Str("source_central", msg.SourceCentral).
		Str("location", p.LocationName).
		Int64("capacity", p.Capacity).
		Msg("saved parking lot config from peer")

	h.fanout.History(map[string]any{
		"event_type":  "PARKING_LOT_CONFIG_UPDATE",
		"camera_name": p.LocationName,
		"capacity":    p.Capacity,
	})
	return nil
}

func (h *Handler) handleHistoryUpdate(ctx context.Context, msg *Message) error {
	var p HistoryUpdatePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}

	historyID := p.HistoryID
	if p.EventID != "" {
		// Local row ids diverge between centrals; the event_id is stable.
		if e, err := h.store.FindByEventID(ctx, p.EventID); err == nil {
			historyID = e.ID
		}
	}

	if err := h.store.UpdatePlate(ctx, historyID, p.PlateText, p.PlateView); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logging.Warn().Int64("history_id", p.HistoryID).Msg("peer history update for unknown row")
			return nil
		}
		return err
	}

	h.fanout.History(map[string]any{"type": "updated", "history_id": historyID})
	h.fanout.Edges(map[string]any{
		"type":       "UPDATE",
		"history_id": historyID,
		"data": map[string]any{
			"plate_text": p.PlateText,
			"plate_view": p.PlateView,
		},
	})
	return nil
}

func (h *Handler) handleHistoryDelete(ctx context.Context, msg *Message) error {
	var p HistoryDeletePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}

	historyID := p.HistoryID
	if p.EventID != "" {
		if e, err := h.store.FindByEventID(ctx, p.EventID); err == nil {
			historyID = e.ID
		}
	}

	if err := h.store.DeleteEntry(ctx, historyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logging.Warn().Int64("history_id", p.HistoryID).Msg("peer history delete for unknown row")
			return nil
		}
		return err
	}

	h.fanout.History(map[string]any{"type": "deleted", "history_id": historyID})
	h.fanout.Edges(map[string]any{"type": "DELETE", "history_id": historyID})
	return nil
}

func (h *Handler) handleSyncRequest(ctx context.Context, msg *Message, peerID string) error {
	var p SyncRequestPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if h.replier == nil {
		return nil
	}

	since := time.UnixMilli(p.SinceTimestamp).UTC().Format(store.TimeLayout)
	events, err := h.store.EventsSince(ctx, since, 1000)
	if err != nil {
		return err
	}

	logging.Info().
		Str("peer", peerID).
		Int("events", len(events)).
		Str("since", since).
		Msg("answering sync request")

	if !h.replier.SendToPeer(peerID, NewSyncResponse(h.centralID, events)) {
		return fmt.Errorf("peer %s not connected for sync response", peerID)
	}
	return nil
}

func (h *Handler) handleSyncResponse(ctx context.Context, msg *Message, peerID string) error {
	var p SyncResponsePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}

	applied := 0
	for _, e := range p.Events {
		exists, err := h.store.EventExists(ctx, e.EventID)
		if err != nil {
			return err
		}
		if exists || e.EventID == "" {
			continue
		}

		params := store.EntryParams{
			EventID:       e.EventID,
			SourceCentral: e.SourceCentral,
			EdgeID:        e.EdgeID,
			PlateID:       e.PlateID,
			PlateView:     e.PlateView,
			EntryTime:     e.EntryTime,
			CameraName:    e.EntryCameraName,
			Confidence:    e.EntryConfidence,
			Source:        "p2p_sync",
		}

		// A backfilled open stay can collide with a vehicle already admitted
		// here; it takes the same older-wins resolution as a live entry.
		if e.Status != store.StatusOut {
			existing, err := h.store.FindVehicleInParking(ctx, e.PlateID)
			if err == nil {
				if err := h.resolveConflict(ctx, existing, params); err != nil {
					return err
				}
				applied++
				metrics.SyncBackfillEvents.WithLabelValues(peerID).Inc()
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		if _, err := h.store.ApplyPeerEntry(ctx, params); err != nil {
			return err
		}
		if e.Status == store.StatusOut {
			if err := h.store.CloseExitByEventID(ctx, e.EventID, store.ExitParams{
				ExitTime:   e.ExitTime,
				CameraName: e.ExitCameraName,
				Source:     "p2p_sync",
				Duration:   e.Duration,
				Fee:        e.Fee,
			}); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		applied++
		metrics.SyncBackfillEvents.WithLabelValues(peerID).Inc()
	}

	if err := h.store.UpdateSyncState(ctx, peerID, msg.Timestamp,
		time.Now().UTC().Format(store.TimeLayout)); err != nil {
		return err
	}

	if applied > 0 {
		logging.Info().Str("peer", peerID).Int("applied", applied).Msg("backfill applied")
		h.fanout.History(map[string]any{"type": "history_update", "action": "backfill", "count": applied})
	}
	return nil
}
