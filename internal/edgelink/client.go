// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

// Package edgelink connects an edge node to its central. The duplex
// WebSocket channel is the preferred transport; HTTP endpoints behind a
// circuit breaker are the fallback, and the outbox absorbs whatever
// neither could deliver.
package edgelink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/parkfabric/parkfabric/internal/logging"
)

// ErrRejected marks a payload the central refused with a client error.
// Redelivery cannot succeed; the caller should drop the payload.
var ErrRejected = errors.New("edgelink: payload rejected by central")

// Config describes the link to the central.
type Config struct {
	EdgeID   string
	EdgeName string

	// CentralURL is the central's base HTTP URL, e.g. http://10.0.0.1:8000.
	CentralURL string

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	RequestTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Stats carries the delivery counters reported in heartbeats.
type Stats struct {
	Sent   atomic.Int64
	Failed atomic.Int64
}

// Client is the HTTP fallback transport. The circuit breaker opens after
// consecutive transport failures so a dead central does not stall every
// event on a full request timeout.
type Client struct {
	cfg     Config
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker[int]
}

// NewClient builds the HTTP fallback client.
func NewClient(cfg Config) *Client {
	cfg.applyDefaults()

	settings := gobreaker.Settings{
		Name:    "central-http",
		Timeout: cfg.ReconnectDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("central link state changed")
		},
	}

	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.RequestTimeout},
		breaker: gobreaker.NewCircuitBreaker[int](settings),
	}
}

// PostEvent delivers a gate event to /api/edge/event.
func (c *Client) PostEvent(ctx context.Context, payload []byte) error {
	return c.post(ctx, "/api/edge/event", payload)
}

// PostOCR delivers a lot sighting to /api/edge/ocr. A 404 means the
// vehicle is not in the parking; the sighting is consumed either way.
func (c *Client) PostOCR(ctx context.Context, payload []byte) error {
	err := c.post(ctx, "/api/edge/ocr", payload)
	if errors.Is(err, ErrRejected) {
		return nil
	}
	return err
}

// Heartbeat reports one camera's liveness and delivery counters.
func (c *Client) Heartbeat(ctx context.Context, report HeartbeatReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/edge/heartbeat", body)
}

// SyncConfig pushes the edge's camera inventory to the central.
func (c *Client) SyncConfig(ctx context.Context, cameras []CameraInfo) error {
	body, err := json.Marshal(map[string]any{
		"edge_id": c.cfg.EdgeID,
		"cameras": cameras,
	})
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/edge/sync-config", body)
}

// HeartbeatReport is the body of /api/edge/heartbeat.
type HeartbeatReport struct {
	CameraID     string `json:"camera_id"`
	CameraName   string `json:"camera_name"`
	CameraType   string `json:"camera_type"`
	EventsSent   int64  `json:"events_sent"`
	EventsFailed int64  `json:"events_failed"`
}

// CameraInfo is one camera in a sync-config push.
type CameraInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"camera_type"`
	Capacity int    `json:"parking_lot_capacity,omitempty"`
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	status, err := c.breaker.Execute(func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.CentralURL+path, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return 0, err
		}
		defer func() {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
		}()

		if resp.StatusCode >= 500 {
			return resp.StatusCode, fmt.Errorf("central returned %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("%w: status %d", ErrRejected, status)
	}
	return nil
}
