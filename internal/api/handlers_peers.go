// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/parkfabric/parkfabric/internal/config"
	"github.com/parkfabric/parkfabric/internal/gossip"
	"github.com/parkfabric/parkfabric/internal/logging"
	"github.com/parkfabric/parkfabric/internal/validation"
)

// peerInfo is the identity document exchanged during the add-peer handshake.
type peerInfo struct {
	CentralID string `json:"central_id" validate:"central_id"`
	Host      string `json:"host" validate:"required"`
	Port      int    `json:"port" validate:"gte=1,lte=65535"`
}

// handlePeerInfo returns this central's identity so a remote operator can
// add it as a peer. The host goes through AdvertiseAddr so a
// default-configured node hands out its LAN address, not loopback.
func (s *Server) handlePeerInfo(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Raw(http.StatusOK, map[string]any{
		"success":    true,
		"central_id": s.cfg.Central.ID,
		"host":       s.cfg.Central.AdvertiseAddr(),
		"port":       s.cfg.Central.AdvertisePort,
	})
}

// handlePeerList reports configured peers merged with live channel state.
func (s *Server) handlePeerList(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	connected := make(map[string]gossip.PeerStatus)
	var stats gossip.ManagerStats
	if s.gossip != nil {
		for _, st := range s.gossip.Status() {
			connected[st.PeerID] = st
		}
		stats = s.gossip.Stats()
	}

	peers := make([]map[string]any, 0)
	for _, p := range s.cfg.PeerList() {
		live, ok := connected[p.ID]
		entry := map[string]any{
			"id":        p.ID,
			"host":      p.Host,
			"port":      p.Port,
			"connected": ok,
		}
		if ok {
			entry["direction"] = live.Direction
		}
		peers = append(peers, entry)
	}

	rw.Raw(http.StatusOK, map[string]any{
		"success": true,
		"peers":   peers,
		"stats":   stats,
	})
}

// handleSyncState lists per-peer backfill watermarks.
func (s *Server) handleSyncState(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	states, err := s.st.SyncStates(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.Raw(http.StatusOK, map[string]any{
		"success":    true,
		"sync_state": states,
	})
}

// handleRegisterPeer accepts a peer registration initiated from the remote
// side of an add-peer flow: persist the peer and start dialing it.
func (s *Server) handleRegisterPeer(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var info peerInfo
	if err := decodeJSON(r, &info); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return
	}
	if verr := validation.ValidateStruct(&info); verr != nil {
		rw.ValidationError(verr.Error(), verr.Fields())
		return
	}
	if info.CentralID == s.cfg.Central.ID {
		rw.Conflict("cannot register self as peer")
		return
	}

	peer := config.PeerConfig{ID: info.CentralID, Host: info.Host, Port: info.Port}
	if err := s.cfg.AddPeer(peer); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if s.launchPeer != nil {
		s.launchPeer(peer)
	}

	logging.Info().Str("peer", peer.ID).Msg("peer registered")
	rw.Raw(http.StatusOK, map[string]any{"success": true, "peer": peer})
}

type addPeerRequest struct {
	Host string `json:"host" validate:"required"`
	Port int    `json:"port" validate:"gte=1,lte=65535"`
}

// handleAddPeer runs the operator-facing join flow: fetch the remote
// central's identity, persist it, start dialing, and register ourselves back
// so the link comes up from both ends.
func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req addPeerRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError(verr.Error(), verr.Fields())
		return
	}

	info, err := s.fetchPeerInfo(r.Context(), req.Host, req.Port)
	if err != nil {
		rw.Error(http.StatusBadGateway, ErrCodePeerUnreachable, err.Error())
		return
	}
	if info.CentralID == s.cfg.Central.ID {
		rw.Conflict("remote central has the same id as this node")
		return
	}

	// The operator-supplied address wins over what the peer advertises;
	// the advertised one may not be routable from here.
	peer := config.PeerConfig{ID: info.CentralID, Host: req.Host, Port: req.Port}
	if err := s.cfg.AddPeer(peer); err != nil {
		rw.BadRequest(err.Error())
		return
	}
	if s.launchPeer != nil {
		s.launchPeer(peer)
	}

	if err := s.registerWithPeer(r.Context(), peer); err != nil {
		// The local side still dials; the reverse link comes up on the
		// peer's next operator action or restart.
		logging.Warn().Err(err).Str("peer", peer.ID).Msg("reverse peer registration failed")
	}

	rw.Raw(http.StatusOK, map[string]any{"success": true, "peer": peer})
}

// handleRemovePeer drops a peer from the configuration and stops its
// dialer. An inbound channel from that peer dies on its next heartbeat.
func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	peerID := chi.URLParam(r, "id")
	if _, ok := s.cfg.PeerByID(peerID); !ok {
		rw.NotFound("unknown peer: " + peerID)
		return
	}
	if err := s.cfg.RemovePeer(peerID); err != nil {
		rw.InternalError(err.Error())
		return
	}
	if s.stopPeer != nil {
		s.stopPeer(peerID)
	}
	logging.Info().Str("peer", peerID).Msg("peer removed")
	rw.Raw(http.StatusOK, map[string]any{"success": true})
}

func (s *Server) fetchPeerInfo(ctx context.Context, host string, port int) (*peerInfo, error) {
	url := fmt.Sprintf("http://%s:%d/api/p2p/info", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.peerClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("peer unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer info returned %d", resp.StatusCode)
	}

	var info peerInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode peer info: %w", err)
	}
	if info.CentralID == "" {
		return nil, fmt.Errorf("peer info missing central_id")
	}
	return &info, nil
}

func (s *Server) registerWithPeer(ctx context.Context, peer config.PeerConfig) error {
	body, err := json.Marshal(peerInfo{
		CentralID: s.cfg.Central.ID,
		Host:      s.cfg.Central.AdvertiseAddr(),
		Port:      s.cfg.Central.AdvertisePort,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/p2p/register-peer", peer.URL())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.peerClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register-peer returned %d", resp.StatusCode)
	}
	return nil
}
