// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

// Package main is the entry point for the parkfabric edge node.
//
// An edge node sits next to the cameras: it receives raw OCR observations
// from the capture process on a loopback HTTP endpoint, resolves them into
// stable plates with the temporal vote tracker, and ships gate events and
// lot sightings to its central. The duplex WebSocket channel is the
// preferred transport; HTTP endpoints behind a circuit breaker are the
// fallback, and a SQLite outbox absorbs traffic while the central is
// unreachable.
//
// Configuration comes from edge.yaml plus environment variables (EDGE_ID,
// CENTRAL_SERVER_URL, OUTBOX_PATH, ...). On startup the edge pushes its
// camera inventory to the central (sync-config) and then heartbeats every
// camera on an interval.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/parkfabric/parkfabric/internal/config"
	"github.com/parkfabric/parkfabric/internal/edgelink"
	"github.com/parkfabric/parkfabric/internal/logging"
	"github.com/parkfabric/parkfabric/internal/outbox"
	"github.com/parkfabric/parkfabric/internal/supervisor"
	"github.com/parkfabric/parkfabric/internal/tracker"
)

func main() {
	cfg, err := config.LoadEdge()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load edge configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logging.Info().
		Str("edge_id", cfg.Edge.ID).
		Str("central", cfg.Central.URL).
		Int("cameras", len(cfg.Cameras)).
		Msg("starting parkfabric edge")

	queue, err := outbox.Open(outbox.Config{
		Path:       cfg.Outbox.Path,
		BatchLimit: cfg.Outbox.BatchLimit,
		MaxRetries: cfg.Outbox.MaxRetries,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open outbox")
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logging.Error().Err(err).Msg("error closing outbox")
		}
	}()

	linkCfg := edgelink.Config{
		EdgeID:            cfg.Edge.ID,
		EdgeName:          cfg.Edge.Name,
		CentralURL:        cfg.Central.URL,
		HeartbeatInterval: cfg.Central.HeartbeatInterval,
		ReconnectDelay:    cfg.Central.ReconnectDelay,
		RequestTimeout:    cfg.Central.RequestTimeout,
	}

	stats := &edgelink.Stats{}
	client := edgelink.NewClient(linkCfg)
	channel := edgelink.NewChannel(linkCfg, onCentralFrame, heartbeatSource(cfg, stats))
	dispatcher := edgelink.NewDispatcher(channel, client, queue, stats)

	trk := tracker.New(tracker.Config{
		Window:              cfg.Tracker.Window,
		MinVotes:            cfg.Tracker.MinVotes,
		SimilarityThreshold: cfg.Tracker.SimilarityThreshold,
		DedupInterval:       cfg.Tracker.DedupInterval,
	})

	pipe := newPipeline(cfg, trk, dispatcher, queue, stats)

	// Best-effort inventory push; the central also learns cameras from
	// heartbeats, so a failure here only delays lot capacity data.
	syncCtx, cancel := context.WithTimeout(context.Background(), cfg.Central.RequestTimeout)
	if err := client.SyncConfig(syncCtx, cameraInventory(cfg)); err != nil {
		logging.Warn().Err(err).Msg("camera inventory push failed")
	}
	cancel()

	tree := supervisor.NewTree("edged", logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddMesh(channel)
	tree.AddMesh(edgelink.NewFlusher(dispatcher, queue, cfg.Outbox.FlushInterval))
	tree.AddAPI(newIngestServer(cfg.Edge.Listen, pipe))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor tree exited")
	}
	logging.Info().Msg("parkfabric edge stopped")
}

// onCentralFrame handles pushes from the central: admin corrections and
// DB-sync events from sibling edges. The edge keeps no local history
// mirror, so these are surfaced in the log for the operator.
func onCentralFrame(raw json.RawMessage) {
	var frame struct {
		Type    string `json:"type"`
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	switch frame.Type {
	case "UPDATE", "DELETE", "ENTRY", "EXIT", "LOCATION_UPDATE":
		logging.Debug().Str("type", frame.Type).Str("event_id", frame.EventID).Msg("sync event from central")
	}
}

// heartbeatSource reports every configured camera with the shared delivery
// counters.
func heartbeatSource(cfg *config.EdgeConfig, stats *edgelink.Stats) edgelink.HeartbeatSource {
	return func() []edgelink.HeartbeatReport {
		reports := make([]edgelink.HeartbeatReport, 0, len(cfg.Cameras))
		for _, cam := range cfg.Cameras {
			reports = append(reports, edgelink.HeartbeatReport{
				CameraID:     cam.ID,
				CameraName:   cam.Name,
				CameraType:   cam.Type,
				EventsSent:   stats.Sent.Load(),
				EventsFailed: stats.Failed.Load(),
			})
		}
		if len(reports) == 0 {
			// An edge with no camera inventory still reports itself.
			reports = append(reports, edgelink.HeartbeatReport{
				CameraID:     cfg.Edge.ID,
				CameraName:   cfg.Edge.Name,
				CameraType:   "ENTRY",
				EventsSent:   stats.Sent.Load(),
				EventsFailed: stats.Failed.Load(),
			})
		}
		return reports
	}
}

func cameraInventory(cfg *config.EdgeConfig) []edgelink.CameraInfo {
	cameras := make([]edgelink.CameraInfo, 0, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		cameras = append(cameras, edgelink.CameraInfo{
			ID:       cam.ID,
			Name:     cam.Name,
			Type:     cam.Type,
			Capacity: cam.Capacity,
		})
	}
	return cameras
}
