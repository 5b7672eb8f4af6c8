// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

// Package main is the entry point for the parkfabric central node.
//
// A central ingests plate events from edge nodes over HTTP and duplex
// WebSocket channels, maintains the authoritative vehicle-in-parking view
// on SQLite, replicates applied events to peer centrals over a WebSocket
// mesh, and fans updates out to dashboard and edge clients.
//
// The process runs under a suture supervisor tree:
//   - fanout layer: history/cameras hub loops, camera status broadcaster
//   - mesh layer: gossip manager plus one dialer per configured peer
//   - api layer: the chi HTTP server (REST + WS + /metrics)
//
// Configuration is loaded via koanf with layered sources: built-in
// defaults, then config.yaml, then environment variables (CENTRAL_ID,
// SERVER_PORT, DATABASE_PATH, ...). Peers added at runtime through
// /api/p2p/add-peer are persisted back to the config file.
//
// Shutdown on SIGINT/SIGTERM cancels the tree context; the HTTP server
// drains in-flight requests and peer channels close with a WebSocket
// close frame.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/parkfabric/parkfabric/internal/api"
	"github.com/parkfabric/parkfabric/internal/config"
	"github.com/parkfabric/parkfabric/internal/fees"
	"github.com/parkfabric/parkfabric/internal/gossip"
	"github.com/parkfabric/parkfabric/internal/logging"
	"github.com/parkfabric/parkfabric/internal/parking"
	"github.com/parkfabric/parkfabric/internal/store"
	"github.com/parkfabric/parkfabric/internal/supervisor"
	"github.com/parkfabric/parkfabric/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("central_id", cfg.Central.ID).
		Str("db_path", cfg.Database.Path).
		Int("port", cfg.Server.Port).
		Int("peers", len(cfg.Peers)).
		Msg("starting parkfabric central")

	st, err := store.New(store.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing store")
		}
	}()

	calc := fees.New(fees.Config{
		Default: fees.Schedule{
			BaseHours: cfg.Fees.BaseHours,
			PerHour:   int64(cfg.Fees.PerHour),
		},
		SourceURL: cfg.Fees.SourceURL,
		FilePath:  cfg.Fees.FilePath,
		CacheTTL:  cfg.Fees.CacheTTL,
	})

	historyHub := ws.NewHub("history")
	camerasHub := ws.NewHub("cameras")
	edges := ws.NewEdgeRegistry()

	// The gossip manager replicates applied events to peers; its handler
	// applies incoming peer events and fans them out to frontends and
	// edges (never back into the mesh).
	mesh := gossip.NewManager(cfg.Central.ID, cfg.Gossip, st)
	mesh.SetHandler(gossip.NewHandler(st, cfg.Central.ID, &ws.Fanout{
		HistoryHub: historyHub,
		EdgeReg:    edges,
	}, mesh))

	mgr := parking.New(st, calc, cfg.Central.ID, mesh)

	tree := supervisor.NewTree("centrald", logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	launchPeer := func(peer config.PeerConfig) {
		tree.AddPeerDialer(peer.ID, gossip.NewClient(peer, cfg.Central.ID, cfg.Gossip, mesh))
	}

	server := api.NewServer(api.Deps{
		Config:     cfg,
		Store:      st,
		Parking:    mgr,
		Fees:       calc,
		Gossip:     mesh,
		HistoryHub: historyHub,
		CamerasHub: camerasHub,
		Edges:      edges,
		LaunchPeer: launchPeer,
		StopPeer:   tree.RemovePeerDialer,
	})

	tree.AddFanout(historyHub)
	tree.AddFanout(camerasHub)
	tree.AddFanout(api.NewCameraStatusBroadcaster(st, camerasHub, cfg.Registry.BroadcastInterval))
	tree.AddMesh(mesh)
	for _, peer := range cfg.PeerList() {
		launchPeer(peer)
	}
	tree.AddAPI(server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor tree exited")
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("service did not stop in time")
		}
	}
	logging.Info().Msg("parkfabric central stopped")
}
