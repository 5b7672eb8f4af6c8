// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

// Package metrics exposes Prometheus instrumentation for the fabric:
// event ingest and dedup, conflict resolution, peer links, WebSocket
// fan-out, and store query latency. Collectors are registered through
// promauto on the default registry and served at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts plate events applied to the store, by source
	// (edge_http, edge_ws, peer, sync) and type (ENTRY, EXIT, ...).
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkfabric_events_ingested_total",
			Help: "Plate events applied to the authoritative store",
		},
		[]string{"source", "type"},
	)

	// EventsDeduped counts events dropped by the event_id ledger.
	EventsDeduped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkfabric_events_deduped_total",
			Help: "Events dropped because their event_id was already processed",
		},
		[]string{"source"},
	)

	// EventsRejected counts events the state machine refused.
	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkfabric_events_rejected_total",
			Help: "Events rejected by the vehicle state machine",
		},
		[]string{"reason"},
	)

	// ConflictsResolved counts concurrent-entry conflicts, labeled by which
	// side won (local, incoming).
	ConflictsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkfabric_conflicts_resolved_total",
			Help: "Concurrent entry conflicts resolved by older-wins",
		},
		[]string{"winner"},
	)

	// AnomalyEntries counts auto-created entries for vehicles first seen
	// inside a parking lot.
	AnomalyEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parkfabric_anomaly_entries_total",
			Help: "Entries auto-created from parking-lot detections",
		},
	)

	// PeerConnections tracks live peer channels by direction (inbound,
	// outbound).
	PeerConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parkfabric_peer_connections",
			Help: "Currently connected peer centrals",
		},
		[]string{"direction"},
	)

	// PeerReconnects counts reconnect attempts per peer.
	PeerReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkfabric_peer_reconnects_total",
			Help: "Peer channel reconnect attempts",
		},
		[]string{"peer"},
	)

	// PeerMessages counts gossip messages by direction and type.
	PeerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkfabric_peer_messages_total",
			Help: "Gossip messages exchanged with peer centrals",
		},
		[]string{"direction", "type"},
	)

	// SyncBackfillEvents counts events applied from SYNC_RESPONSE batches.
	SyncBackfillEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkfabric_sync_backfill_events_total",
			Help: "Events applied from peer sync backfill",
		},
		[]string{"peer"},
	)

	// WSClients tracks connected WebSocket clients by surface
	// (history, cameras, edge, p2p).
	WSClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parkfabric_websocket_clients",
			Help: "Currently connected WebSocket clients",
		},
		[]string{"surface"},
	)

	// WSDropped counts messages dropped because a client send buffer was
	// full. A growing value identifies slow consumers.
	WSDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkfabric_websocket_dropped_total",
			Help: "Broadcast messages dropped due to slow consumers",
		},
		[]string{"surface"},
	)

	// StoreQueryDuration observes SQLite query latency.
	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parkfabric_store_query_duration_seconds",
			Help:    "Duration of history store queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// OutboxPending tracks unsynced rows in the edge outbox.
	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parkfabric_outbox_pending",
			Help: "Unsynced OCR log rows waiting for delivery",
		},
	)

	// OutboxDelivered counts outbox rows delivered, by transport (ws, http).
	OutboxDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parkfabric_outbox_delivered_total",
			Help: "Outbox rows delivered to the central",
		},
		[]string{"transport"},
	)

	// HTTPRequestDuration observes API latency by route and status.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parkfabric_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)
)

// ObserveStoreQuery records one store query with its duration.
func ObserveStoreQuery(operation string, start time.Time) {
	StoreQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
