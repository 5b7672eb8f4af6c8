// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parkfabric/parkfabric/internal/config"
	"github.com/parkfabric/parkfabric/internal/edgelink"
	"github.com/parkfabric/parkfabric/internal/logging"
	"github.com/parkfabric/parkfabric/internal/outbox"
	"github.com/parkfabric/parkfabric/internal/tracker"
)

// pipeline turns raw OCR observations into central-bound traffic: the
// tracker votes readings into stable plates, the camera type selects the
// gate-event or lot-sighting path, and the dispatcher picks a transport.
type pipeline struct {
	edgeID     string
	cameras    map[string]config.CameraConfig
	tracker    *tracker.Tracker
	dispatcher *edgelink.Dispatcher
	queue      *outbox.Outbox
	stats      *edgelink.Stats
}

func newPipeline(cfg *config.EdgeConfig, trk *tracker.Tracker, d *edgelink.Dispatcher,
	queue *outbox.Outbox, stats *edgelink.Stats) *pipeline {
	cameras := make(map[string]config.CameraConfig, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		cameras[cam.ID] = cam
	}
	return &pipeline{
		edgeID:     cfg.Edge.ID,
		cameras:    cameras,
		tracker:    trk,
		dispatcher: d,
		queue:      queue,
		stats:      stats,
	}
}

// observation is one OCR reading posted by the capture process.
type observation struct {
	CameraID   string  `json:"camera_id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Box        struct {
		X int `json:"x"`
		Y int `json:"y"`
		W int `json:"w"`
		H int `json:"h"`
	} `json:"box"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ingest feeds one observation through the tracker and, on consensus,
// ships the resolved plate to the central.
func (p *pipeline) ingest(ctx context.Context, obs observation) (resolved bool, err error) {
	at := time.Now()
	if obs.Timestamp > 0 {
		at = time.UnixMilli(obs.Timestamp)
	}

	res, ok := p.tracker.Observe(tracker.Observation{
		CameraID:   obs.CameraID,
		Text:       obs.Text,
		Confidence: obs.Confidence,
		Box:        tracker.Box{X: obs.Box.X, Y: obs.Box.Y, W: obs.Box.W, H: obs.Box.H},
		At:         at,
	})
	if !ok {
		return false, nil
	}

	cam, known := p.cameras[res.CameraID]
	if !known {
		logging.Warn().Str("camera_id", res.CameraID).Msg("observation from unconfigured camera")
		cam = config.CameraConfig{ID: res.CameraID, Name: "Camera " + res.CameraID, Type: "ENTRY"}
	}

	logging.Info().
		Str("camera_id", cam.ID).
		Str("plate", res.PlateID).
		Int("votes", res.Votes).
		Str("camera_type", cam.Type).
		Msg("plate resolved")

	if cam.Type == "PARKING_LOT" {
		return true, p.dispatcher.SendOCR(ctx, edgelink.OCRReport{
			DeviceID:   p.edgeID,
			CameraID:   cam.ID,
			CameraName: cam.Name,
			PlateText:  res.PlateView,
			Timestamp:  res.At.UTC().Format("2006-01-02 15:04:05"),
		})
	}

	event := map[string]any{
		"type":        cam.Type,
		"event_id":    fmt.Sprintf("%s_%d_%s", p.edgeID, res.At.UnixMilli(), res.PlateID),
		"camera_id":   cam.ID,
		"camera_name": cam.Name,
		"camera_type": cam.Type,
		"edge_id":     p.edgeID,
		"timestamp":   res.At.UnixMilli(),
		"data": map[string]any{
			"plate_text": res.PlateView,
			"confidence": obs.Confidence,
			"source":     "edge",
			"edge_id":    p.edgeID,
		},
	}
	return true, p.dispatcher.SendEvent(ctx, event)
}

// ingestServer is the device-local HTTP surface the OCR process posts to.
// It implements suture.Service.
type ingestServer struct {
	listen   string
	pipeline *pipeline
}

func newIngestServer(listen string, p *pipeline) *ingestServer {
	return &ingestServer{listen: listen, pipeline: p}
}

func (s *ingestServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Post("/observations", s.handleObservation)
	r.Get("/stats", s.handleStats)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *ingestServer) handleObservation(w http.ResponseWriter, r *http.Request) {
	var obs observation
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&obs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if obs.CameraID == "" || obs.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "camera_id and text are required"})
		return
	}

	resolved, err := s.pipeline.ingest(r.Context(), obs)
	if err != nil {
		// The event is queued or rejected; either way the observation is
		// consumed and the OCR process must not replay it.
		logging.Warn().Err(err).Msg("resolved plate not delivered")
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "resolved": resolved})
}

func (s *ingestServer) handleStats(w http.ResponseWriter, r *http.Request) {
	trackerStats := s.pipeline.tracker.Stats()
	depth, _ := s.pipeline.queue.Depth(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"events_sent":    s.pipeline.stats.Sent.Load(),
		"events_failed":  s.pipeline.stats.Failed.Load(),
		"outbox_pending": depth,
		"tracker": map[string]any{
			"active_buckets": trackerStats.ActiveBuckets,
			"dedup_entries":  trackerStats.DedupEntries,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, doc any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(doc)
}

// Serve implements suture.Service.
func (s *ingestServer) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.listen).Msg("edge ingest listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *ingestServer) String() string { return "edge-ingest" }
