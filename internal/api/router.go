// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parkfabric/parkfabric/internal/middleware"
)

// Routes wires every endpoint of the central API onto a chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.API.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Edge ingest. Rate limited per source IP; a misbehaving edge cannot
	// starve the rest of the surface.
	r.Route("/api/edge", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.cfg.API.RateLimitReqs, s.cfg.API.RateLimitWindow))
		r.Use(middleware.Prometheus)

		r.Post("/event", s.handleEdgeEvent)
		r.Post("/heartbeat", s.handleEdgeHeartbeat)
		r.Post("/ocr", s.handleEdgeOCR)
		r.Post("/sync-config", s.handleEdgeSyncConfig)
	})

	// Dashboard reads and admin edits.
	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.cfg.API.RateLimitReqs, s.cfg.API.RateLimitWindow))
		r.Use(middleware.Prometheus)

		r.Get("/status", s.handleStatus)
		r.Get("/cameras", s.handleCameras)
		r.Get("/stats", s.handleStats)

		r.Route("/parking", func(r chi.Router) {
			r.Get("/state", s.handleParkingState)
			r.Get("/occupancy", s.handleOccupancy)
			r.Get("/history", s.handleHistory)
			r.Get("/history/changes", s.handleHistoryChanges)
			r.Put("/history/{id}", s.handleHistoryUpdate)
			r.Delete("/history/{id}", s.handleHistoryDelete)
			r.Get("/fees", s.handleFeesGet)
			r.Put("/fees", s.handleFeesPut)
		})

		r.Route("/p2p", func(r chi.Router) {
			r.Get("/info", s.handlePeerInfo)
			r.Get("/peers", s.handlePeerList)
			r.Get("/sync-state", s.handleSyncState)
			r.Post("/register-peer", s.handleRegisterPeer)
			r.Post("/add-peer", s.handleAddPeer)
			r.Delete("/peers/{id}", s.handleRemovePeer)
		})
	})

	// Realtime surfaces.
	r.Get("/ws/history", s.handleHistoryWS)
	r.Get("/ws/cameras", s.handleCamerasWS)
	r.Get("/ws/edge", s.handleEdgeWS)
	r.Get("/ws/p2p", s.handlePeerWS)

	// Observability.
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", s.handleHealth)
	r.Get("/", s.handleIndex)

	return r
}
