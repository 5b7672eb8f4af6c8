// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package gossip

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/parkfabric/parkfabric/internal/config"
	"github.com/parkfabric/parkfabric/internal/logging"
	"github.com/parkfabric/parkfabric/internal/metrics"
	"github.com/parkfabric/parkfabric/internal/store"
)

const sendBuffer = 64

// peerConn is one live channel to a peer, inbound or outbound. Writes go
// through the send channel so a slow peer never blocks a broadcast.
type peerConn struct {
	id        string
	direction string
	conn      *websocket.Conn
	send      chan *Message
	closeOnce sync.Once
	done      chan struct{}
}

func (p *peerConn) trySend(msg *Message) bool {
	select {
	case p.send <- msg:
		return true
	case <-p.done:
		return false
	default:
		logging.Warn().Str("peer", p.id).Str("type", msg.Type).Msg("peer send buffer full, dropping")
		return false
	}
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// Manager owns all peer channels and routes messages between them and the
// local Handler. It satisfies suture.Service; Serve runs the heartbeat loop.
type Manager struct {
	centralID string
	cfg       config.GossipConfig
	st        *store.Store

	mu      sync.RWMutex
	peers   map[string]*peerConn
	handler *Handler

	sent     atomic.Int64
	received atomic.Int64
}

// NewManager builds a Manager. Attach the message handler with SetHandler
// before any channel is run.
func NewManager(centralID string, cfg config.GossipConfig, st *store.Store) *Manager {
	return &Manager{
		centralID: centralID,
		cfg:       cfg,
		st:        st,
		peers:     make(map[string]*peerConn),
	}
}

// SetHandler wires the message handler. Split from NewManager because the
// handler needs the manager as its Replier.
func (m *Manager) SetHandler(h *Handler) {
	m.handler = h
}

// Serve sends periodic heartbeats to all connected peers.
func (m *Manager) Serve(ctx context.Context) error {
	interval := m.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return ctx.Err()
		case <-ticker.C:
			if m.PeerCount() > 0 {
				m.Broadcast(NewHeartbeat(m.centralID))
			}
		}
	}
}

func (m *Manager) String() string { return "gossip-manager" }

// Broadcast fans a message out to every connected peer.
func (m *Manager) Broadcast(msg *Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.peers {
		if p.trySend(msg) {
			m.sent.Add(1)
			metrics.PeerMessages.WithLabelValues("out", msg.Type).Inc()
		}
	}
}

// SendToPeer delivers to one peer. Reports false when the peer is not
// connected or its buffer is full.
func (m *Manager) SendToPeer(peerID string, msg *Message) bool {
	m.mu.RLock()
	p, ok := m.peers[peerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if !p.trySend(msg) {
		return false
	}
	m.sent.Add(1)
	metrics.PeerMessages.WithLabelValues("out", msg.Type).Inc()
	return true
}

// PeerCount reports how many peer channels are live.
func (m *Manager) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// PeerStatus is one row of the peer status listing.
type PeerStatus struct {
	PeerID    string `json:"peer_id"`
	Direction string `json:"direction"`
	Status    string `json:"status"`
}

// Status lists connected peers.
func (m *Manager) Status() []PeerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerStatus, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, PeerStatus{PeerID: p.id, Direction: p.direction, Status: "connected"})
	}
	return out
}

// ManagerStats summarizes mesh activity.
type ManagerStats struct {
	ThisCentral      string       `json:"this_central"`
	ConnectedPeers   int          `json:"connected_peers"`
	MessagesSent     int64        `json:"messages_sent"`
	MessagesReceived int64        `json:"messages_received"`
	Peers            []PeerStatus `json:"peers"`
}

// Stats snapshots mesh counters.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		ThisCentral:      m.centralID,
		ConnectedPeers:   m.PeerCount(),
		MessagesSent:     m.sent.Load(),
		MessagesReceived: m.received.Load(),
		Peers:            m.Status(),
	}
}

// RunConn drives one established peer WebSocket until it drops. It is
// called by the inbound /ws/p2p endpoint and by the outbound Client after
// the identification handshake. Blocks until ctx is done or the channel
// fails.
func (m *Manager) RunConn(ctx context.Context, peerID, direction string, conn *websocket.Conn) error {
	p := &peerConn{
		id:        peerID,
		direction: direction,
		conn:      conn,
		send:      make(chan *Message, sendBuffer),
		done:      make(chan struct{}),
	}

	m.register(p)
	metrics.PeerConnections.WithLabelValues(direction).Inc()
	defer func() {
		m.unregister(p)
		metrics.PeerConnections.WithLabelValues(direction).Dec()
	}()

	if m.cfg.SyncOnConnect {
		m.requestSync(ctx, peerID)
	}

	go m.writePump(p)
	return m.readLoop(ctx, p)
}

func (m *Manager) register(p *peerConn) {
	m.mu.Lock()
	if old, ok := m.peers[p.id]; ok {
		// A new channel to the same peer supersedes the old one.
		old.close()
	}
	m.peers[p.id] = p
	m.mu.Unlock()
	logging.Info().Str("peer", p.id).Str("direction", p.direction).Msg("peer channel up")
}

func (m *Manager) unregister(p *peerConn) {
	m.mu.Lock()
	if m.peers[p.id] == p {
		delete(m.peers, p.id)
	}
	m.mu.Unlock()
	p.close()
	logging.Info().Str("peer", p.id).Str("direction", p.direction).Msg("peer channel down")
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	for id, p := range m.peers {
		p.close()
		delete(m.peers, id)
	}
	m.mu.Unlock()
}

func (m *Manager) pongWait() time.Duration {
	return m.cfg.PingInterval + m.cfg.PingTimeout
}

func (m *Manager) writePump(p *peerConn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(m.cfg.PingTimeout))
			if err := p.conn.WriteJSON(msg); err != nil {
				logging.Warn().Err(err).Str("peer", p.id).Msg("peer write failed")
				p.close()
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(m.cfg.PingTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, p *peerConn) error {
	_ = p.conn.SetReadDeadline(time.Now().Add(m.pongWait()))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(m.pongWait()))
	})

	for {
		select {
		case <-ctx.Done():
			p.close()
			return ctx.Err()
		case <-p.done:
			return nil
		default:
		}

		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			p.close()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return fmt.Errorf("peer %s read: %w", p.id, err)
			}
			return nil
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(m.pongWait()))

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			logging.Warn().Err(err).Str("peer", p.id).Msg("undecodable peer message")
			continue
		}
		m.received.Add(1)

		if err := m.handler.Handle(ctx, &msg, p.id); err != nil {
			logging.Error().Err(err).Str("peer", p.id).Str("type", msg.Type).Msg("peer message failed")
		}
	}
}

// requestSync asks a freshly connected peer for everything missed since the
// stored watermark.
func (m *Manager) requestSync(ctx context.Context, peerID string) {
	var since int64
	if state, err := m.st.SyncStateFor(ctx, peerID); err == nil {
		since = state.LastSyncTimestamp
	}
	if m.SendToPeer(peerID, NewSyncRequest(m.centralID, since)) {
		logging.Info().Str("peer", peerID).Int64("since", since).Msg("sync requested")
	}
}
