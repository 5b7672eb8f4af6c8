// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package edgelink

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/parkfabric/parkfabric/internal/logging"
)

// FrameHandler consumes frames pushed by the central over the duplex
// channel: DB-sync events from sibling edges and admin corrections.
type FrameHandler func(frame json.RawMessage)

// HeartbeatSource produces the per-camera reports sent on each heartbeat
// tick.
type HeartbeatSource func() []HeartbeatReport

// Channel maintains the duplex WebSocket connection to the central. It
// implements suture.Service: Serve dials, identifies, then pumps frames
// until the connection drops, and the supervisor restarts it after the
// reconnect delay.
type Channel struct {
	cfg       Config
	onFrame   FrameHandler
	heartbeat HeartbeatSource

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewChannel builds the duplex channel. onFrame and heartbeat may be nil.
func NewChannel(cfg Config, onFrame FrameHandler, heartbeat HeartbeatSource) *Channel {
	cfg.applyDefaults()
	return &Channel{cfg: cfg, onFrame: onFrame, heartbeat: heartbeat}
}

// Connected reports whether the channel currently holds a live connection.
func (ch *Channel) Connected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.conn != nil
}

// Send writes one frame to the central. It returns false when the channel
// is down so the caller can fall back to HTTP or the outbox.
func (ch *Channel) Send(v any) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.conn == nil {
		return false
	}
	_ = ch.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ch.conn.WriteJSON(v); err != nil {
		logging.Warn().Err(err).Msg("edge channel write failed")
		_ = ch.conn.Close()
		ch.conn = nil
		return false
	}
	return true
}

// Serve implements suture.Service. Each invocation runs one connection
// attempt; returning hands the reconnect cadence to the supervisor's
// backoff.
func (ch *Channel) Serve(ctx context.Context) error {
	wsURL, err := ch.channelURL()
	if err != nil {
		return fmt.Errorf("edge channel url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: ch.cfg.RequestTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ch.cfg.ReconnectDelay):
		}
		return fmt.Errorf("dial central: %w", err)
	}

	if err := ch.identify(conn); err != nil {
		_ = conn.Close()
		return err
	}

	ch.mu.Lock()
	ch.conn = conn
	ch.mu.Unlock()
	defer func() {
		ch.mu.Lock()
		if ch.conn == conn {
			ch.conn = nil
		}
		ch.mu.Unlock()
		_ = conn.Close()
	}()

	logging.Info().Str("edge_id", ch.cfg.EdgeID).Str("url", wsURL).Msg("edge channel connected")

	done := make(chan error, 1)
	go func() { done <- ch.readLoop(conn) }()

	ticker := time.NewTicker(ch.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ctx.Err()
		case err := <-done:
			return err
		case <-ticker.C:
			ch.sendHeartbeats()
		}
	}
}

func (ch *Channel) String() string { return "edge-channel" }

func (ch *Channel) channelURL() (string, error) {
	u, err := url.Parse(ch.cfg.CentralURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/edge"
	return u.String(), nil
}

// identify sends the hello frame and waits for the central's ack.
func (ch *Channel) identify(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(map[string]any{"edge_id": ch.cfg.EdgeID}); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ack struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if ack.Type != "connected" {
		return fmt.Errorf("unexpected ack frame: %q", ack.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return nil
}

func (ch *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("edge channel closed: %w", err)
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			logging.Debug().Err(err).Msg("unparseable frame from central")
			continue
		}
		if probe.Type == "pong" {
			continue
		}
		if ch.onFrame != nil {
			ch.onFrame(raw)
		}
	}
}

func (ch *Channel) sendHeartbeats() {
	if ch.heartbeat == nil {
		ch.Send(map[string]any{"type": "ping"})
		return
	}
	for _, report := range ch.heartbeat() {
		ch.Send(map[string]any{
			"type":        "heartbeat",
			"camera_id":   report.CameraID,
			"camera_name": report.CameraName,
			"camera_type": report.CameraType,
			"data":        report,
		})
	}
}
