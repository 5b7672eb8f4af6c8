// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package gossip

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parkfabric/parkfabric/internal/config"
	"github.com/parkfabric/parkfabric/internal/logging"
	"github.com/parkfabric/parkfabric/internal/metrics"
)

// Client maintains the outbound channel to one configured peer: dial,
// identify, hand the connection to the Manager, and re-dial after a fixed
// delay when it drops. It satisfies suture.Service.
type Client struct {
	peer      config.PeerConfig
	centralID string
	cfg       config.GossipConfig
	manager   *Manager
}

// NewClient builds the dialer for one peer.
func NewClient(peer config.PeerConfig, centralID string, cfg config.GossipConfig, m *Manager) *Client {
	return &Client{peer: peer, centralID: centralID, cfg: cfg, manager: m}
}

func (c *Client) String() string {
	return "gossip-client-" + c.peer.ID
}

// Serve dials the peer until ctx is done. Each failed attempt or dropped
// channel waits ReconnectDelay before the next dial.
func (c *Client) Serve(ctx context.Context) error {
	delay := c.cfg.ReconnectDelay
	if delay <= 0 {
		delay = 10 * time.Second
	}

	first := true
	for {
		if !first {
			metrics.PeerReconnects.WithLabelValues(c.peer.ID).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		first = false

		if err := c.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Warn().Err(err).Str("peer", c.peer.ID).Msg("peer channel lost, will reconnect")
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	url := fmt.Sprintf("ws://%s:%d/ws/p2p", c.peer.Host, c.peer.Port)
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	// First frame identifies us; the peer keys its registry on it.
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout))
	if err := conn.WriteJSON(map[string]string{"peer_id": c.centralID}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("identify to %s: %w", c.peer.ID, err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	return c.manager.RunConn(ctx, c.peer.ID, "outbound", conn)
}
