// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

// Package ws fans events out to connected WebSocket clients. Each surface
// (history, cameras) gets its own Hub; edge channels have their own registry
// because they are keyed by edge id and support sender exclusion.
package ws

import (
	"context"
	"sort"
	"sync"

	"github.com/parkfabric/parkfabric/internal/logging"
	"github.com/parkfabric/parkfabric/internal/metrics"
)

// Frontend message types.
const (
	MessageTypeHistoryUpdate = "history_update"
	MessageTypeCamerasUpdate = "cameras_update"
	MessageTypePing          = "ping"
	MessageTypePong          = "pong"
)

// Message is the frame sent to frontend clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub maintains the set of active clients for one surface and broadcasts
// messages to them. It satisfies suture.Service.
type Hub struct {
	surface    string
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates a Hub for the named surface.
func NewHub(surface string) *Hub {
	return &Hub{
		surface:    surface,
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

func (h *Hub) String() string { return "ws-hub-" + h.surface }

// Serve runs the hub until ctx is done. Lifecycle events take priority over
// broadcasts so client state is consistent before messages are delivered.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.add(client)
			continue
		case client := <-h.Unregister:
			h.remove(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.add(client)
		case client := <-h.Unregister:
			h.remove(client)
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WSClients.WithLabelValues(h.surface).Inc()
	logging.Info().Str("surface", h.surface).Int("total_clients", total).Msg("websocket client connected")
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		metrics.WSClients.WithLabelValues(h.surface).Dec()
	}
	total := len(h.clients)
	h.mu.Unlock()
	logging.Info().Str("surface", h.surface).Int("total_clients", total).Msg("websocket client disconnected")
}

func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
		metrics.WSClients.WithLabelValues(h.surface).Dec()
	}
	h.mu.Unlock()

	logging.Info().
		Str("surface", h.surface).
		Int("clients_closed", len(clients)).
		AnErr("reason", ctx.Err()).
		Msg("websocket hub stopped")
}

// broadcastToClients delivers a message to every client in id order. A
// client whose buffer is full is dropped; it is responsible for reconnecting.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			toRemove = append(toRemove, client)
		}
	}
	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
		metrics.WSClients.WithLabelValues(h.surface).Dec()
		metrics.WSDropped.WithLabelValues(h.surface).Inc()
	}
}

// Broadcast queues a typed message for all clients of this surface.
func (h *Hub) Broadcast(messageType string, data any) {
	select {
	case h.broadcast <- Message{Type: messageType, Data: data}:
	default:
		metrics.WSDropped.WithLabelValues(h.surface).Inc()
		logging.Warn().Str("surface", h.surface).Str("message_type", messageType).
			Msg("broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
