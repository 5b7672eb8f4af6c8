// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parkfabric/parkfabric/internal/logging"
	"github.com/parkfabric/parkfabric/internal/metrics"
)

// EdgeConn is one connected edge backend channel.
type EdgeConn struct {
	EdgeID string

	conn      *websocket.Conn
	send      chan any
	closeOnce sync.Once
	done      chan struct{}
}

func (e *EdgeConn) trySend(payload any) bool {
	select {
	case e.send <- payload:
		return true
	case <-e.done:
		return false
	default:
		metrics.WSDropped.WithLabelValues("edge").Inc()
		logging.Warn().Str("edge_id", e.EdgeID).Msg("edge send buffer full, dropping")
		return false
	}
}

// Close tears the channel down.
func (e *EdgeConn) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		_ = e.conn.Close()
	})
}

// Done is closed when the channel dies.
func (e *EdgeConn) Done() <-chan struct{} { return e.done }

func (e *EdgeConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case payload := <-e.send:
			_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := e.conn.WriteJSON(payload); err != nil {
				logging.Warn().Err(err).Str("edge_id", e.EdgeID).Msg("edge write failed")
				e.Close()
				return
			}
		case <-ticker.C:
			_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := e.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				e.Close()
				return
			}
		}
	}
}

// EdgeRegistry tracks connected edge backends by edge id and pushes events
// down to them.
type EdgeRegistry struct {
	mu    sync.RWMutex
	edges map[string]*EdgeConn
}

// NewEdgeRegistry builds an empty registry.
func NewEdgeRegistry() *EdgeRegistry {
	return &EdgeRegistry{edges: make(map[string]*EdgeConn)}
}

// Register attaches an accepted edge connection. A reconnect from the same
// edge id supersedes the previous channel. The write pump starts here; the
// caller keeps running the read loop.
func (r *EdgeRegistry) Register(edgeID string, conn *websocket.Conn) *EdgeConn {
	e := &EdgeConn{
		EdgeID: edgeID,
		conn:   conn,
		send:   make(chan any, 64),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if old, ok := r.edges[edgeID]; ok {
		old.Close()
	}
	r.edges[edgeID] = e
	total := len(r.edges)
	r.mu.Unlock()

	metrics.WSClients.WithLabelValues("edge").Inc()
	logging.Info().Str("edge_id", edgeID).Int("total_edges", total).Msg("edge channel up")

	go e.writePump()
	return e
}

// Unregister detaches a dead edge channel.
func (r *EdgeRegistry) Unregister(e *EdgeConn) {
	r.mu.Lock()
	if r.edges[e.EdgeID] == e {
		delete(r.edges, e.EdgeID)
	}
	total := len(r.edges)
	r.mu.Unlock()

	e.Close()
	metrics.WSClients.WithLabelValues("edge").Dec()
	logging.Info().Str("edge_id", e.EdgeID).Int("total_edges", total).Msg("edge channel down")
}

// Broadcast pushes a payload to every connected edge.
func (r *EdgeRegistry) Broadcast(payload any) {
	r.BroadcastExcept(payload, "")
}

// BroadcastExcept pushes a payload to every edge except the named one, so
// an event is never echoed back to the edge that produced it.
func (r *EdgeRegistry) BroadcastExcept(payload any, excludeEdgeID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, e := range r.edges {
		if id == excludeEdgeID {
			continue
		}
		e.trySend(payload)
	}
}

// SendTo delivers to one edge. Reports false when it is not connected.
func (r *EdgeRegistry) SendTo(edgeID string, payload any) bool {
	r.mu.RLock()
	e, ok := r.edges[edgeID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return e.trySend(payload)
}

// Count returns the number of connected edges.
func (r *EdgeRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.edges)
}

// EdgeIDs lists connected edge ids.
func (r *EdgeRegistry) EdgeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.edges))
	for id := range r.edges {
		ids = append(ids, id)
	}
	return ids
}
