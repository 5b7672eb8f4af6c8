// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package ws

import (
	"context"
	"testing"
	"time"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub("history")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func registerTestClient(t *testing.T, hub *Hub) *Client {
	t.Helper()
	c := &Client{id: clientIDCounter.Add(1), hub: hub, send: make(chan Message, 256)}
	hub.Register <- c
	waitFor(t, func() bool { return hub.ClientCount() > 0 })
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestHubBroadcastReachesAllClients(t *testing.T) {
	hub := startHub(t)
	c1 := registerTestClient(t, hub)
	c2 := registerTestClient(t, hub)
	waitFor(t, func() bool { return hub.ClientCount() == 2 })

	hub.Broadcast(MessageTypeHistoryUpdate, map[string]any{"plate_id": "29A17990"})

	for _, c := range []*Client{c1, c2} {
		select {
		case msg := <-c.send:
			if msg.Type != MessageTypeHistoryUpdate {
				t.Errorf("message type = %s", msg.Type)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("client did not receive broadcast")
		}
	}
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	hub := startHub(t)
	c := registerTestClient(t, hub)

	hub.Unregister <- c
	waitFor(t, func() bool { return hub.ClientCount() == 0 })

	// The send channel is closed on unregister.
	select {
	case _, ok := <-c.send:
		if ok {
			t.Error("expected closed send channel")
		}
	case <-time.After(time.Second):
		t.Error("send channel not closed")
	}
}

func TestHubDropsClientWithFullBuffer(t *testing.T) {
	hub := startHub(t)
	slow := &Client{id: clientIDCounter.Add(1), hub: hub, send: make(chan Message)}
	hub.Register <- slow
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	// An unbuffered, undrained client cannot accept the broadcast and is
	// dropped rather than blocking the hub.
	hub.Broadcast(MessageTypeHistoryUpdate, nil)
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}
