// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/parkfabric/parkfabric/internal/config"
	"github.com/parkfabric/parkfabric/internal/fees"
	"github.com/parkfabric/parkfabric/internal/gossip"
	"github.com/parkfabric/parkfabric/internal/logging"
	"github.com/parkfabric/parkfabric/internal/parking"
	"github.com/parkfabric/parkfabric/internal/store"
	"github.com/parkfabric/parkfabric/internal/ws"
)

// Server bundles the central's HTTP surface with its collaborators.
type Server struct {
	cfg     *config.Config
	st      *store.Store
	parking *parking.Manager
	fees    *fees.Calculator
	gossip  *gossip.Manager

	historyHub *ws.Hub
	camerasHub *ws.Hub
	edges      *ws.EdgeRegistry

	// peerClient performs the add-peer handshake against remote centrals.
	peerClient *http.Client

	// ocrLimiter sheds excess lot-sighting traffic; a misbehaving edge can
	// emit one OCR report per frame.
	ocrLimiter *rate.Limiter

	// launchPeer starts a dialer for a newly registered peer; wired by the
	// supervisor so operator-added peers connect without a restart.
	// stopPeer tears the dialer down again on peer removal.
	launchPeer func(config.PeerConfig)
	stopPeer   func(peerID string)
}

// Deps are the collaborators a Server needs. Gossip may be nil for a
// standalone central; the peer endpoints then report an empty mesh.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Parking    *parking.Manager
	Fees       *fees.Calculator
	Gossip     *gossip.Manager
	HistoryHub *ws.Hub
	CamerasHub *ws.Hub
	Edges      *ws.EdgeRegistry
	LaunchPeer func(config.PeerConfig)
	StopPeer   func(peerID string)
}

// NewServer builds the API server.
func NewServer(d Deps) *Server {
	return &Server{
		cfg:        d.Config,
		st:         d.Store,
		parking:    d.Parking,
		fees:       d.Fees,
		gossip:     d.Gossip,
		historyHub: d.HistoryHub,
		camerasHub: d.CamerasHub,
		edges:      d.Edges,
		peerClient: &http.Client{Timeout: 5 * time.Second},
		ocrLimiter: rate.NewLimiter(rate.Limit(100), 200),
		launchPeer: d.LaunchPeer,
		stopPeer:   d.StopPeer,
	}
}

// Serve runs the HTTP server until the context is canceled. It implements
// suture.Service so the supervisor owns its lifecycle.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.Server.Timeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) String() string { return "http-server" }

// fanoutLocal pushes a locally applied event to frontend clients and, when it
// carries an event id, to every edge except the one that produced it. Peer
// replication is handled by the parking manager; this path never loops back
// into the mesh.
func (s *Server) fanoutLocal(ev parking.EdgeEvent, res *parking.Result, originEdgeID string) {
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

	if s.edges == nil || res.EventID == "" {
		return
	}
	edgeEvent := map[string]any{
		"type":        res.Action,
		"event_id":    res.EventID,
		"camera_id":   ev.CameraID,
		"camera_name": ev.CameraName,
		"camera_type": ev.CameraType,
		"data": map[string]any{
			"plate_text": res.PlateID,
			"plate_view": res.PlateView,
			"confidence": ev.Data.Confidence,
			"source":     firstNonEmpty(ev.Data.Source, "central"),
		},
	}
	if res.EntryTime != "" {
		edgeEvent["entry_time"] = res.EntryTime
	}
	if res.ExitTime != "" {
		edgeEvent["exit_time"] = res.ExitTime
		edgeEvent["fee"] = res.Fee
		edgeEvent["duration"] = res.Duration
	}
	s.edges.BroadcastExcept(edgeEvent, originEdgeID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
