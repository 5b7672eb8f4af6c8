// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package edgelink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/parkfabric/parkfabric/internal/outbox"
)

func testConfig(centralURL string) Config {
	return Config{
		EdgeID:            "edge-1",
		CentralURL:        centralURL,
		HeartbeatInterval: time.Hour, // ticks are driven manually in tests
		ReconnectDelay:    10 * time.Millisecond,
		RequestTimeout:    2 * time.Second,
	}
}

func TestClientPostEvent(t *testing.T) {
	var got atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/edge/event" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got.Store(body)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer ts.Close()

	c := NewClient(testConfig(ts.URL))
	err := c.PostEvent(context.Background(), []byte(`{"type":"ENTRY"}`))
	if err != nil {
		t.Fatalf("post event: %v", err)
	}
	if body := got.Load().(map[string]any); body["type"] != "ENTRY" {
		t.Fatalf("central received %v", body)
	}
}

func TestClientRejectionIsNotRetryable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"error":"already_inside"}`))
	}))
	defer ts.Close()

	c := NewClient(testConfig(ts.URL))
	err := c.PostEvent(context.Background(), []byte(`{"type":"ENTRY"}`))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestClientOCRNotFoundIsConsumed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false}`))
	}))
	defer ts.Close()

	c := NewClient(testConfig(ts.URL))
	if err := c.PostOCR(context.Background(), []byte(`{"plate_text":"29A-179.90"}`)); err != nil {
		t.Fatalf("ocr 404 should be consumed, got %v", err)
	}
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewClient(testConfig(ts.URL))
	for i := 0; i < 3; i++ {
		if err := c.PostEvent(context.Background(), []byte(`{}`)); err == nil {
			t.Fatal("expected failure")
		}
	}
	// Fourth attempt fails fast without reaching the central.
	if err := c.PostEvent(context.Background(), []byte(`{}`)); err == nil {
		t.Fatal("breaker should be open")
	}
	if hits.Load() != 3 {
		t.Fatalf("central hit %d times, want 3", hits.Load())
	}
}

func TestDispatcherFallsBackToOutbox(t *testing.T) {
	q, err := outbox.Open(outbox.Config{Path: ":memory:", BatchLimit: 10, MaxRetries: 3})
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	defer func() { _ = q.Close() }()

	// Point the client at a dead address.
	c := NewClient(testConfig("http://127.0.0.1:1"))
	d := NewDispatcher(nil, c, q, &Stats{})

	err = d.SendEvent(context.Background(), map[string]any{"type": "ENTRY"})
	if err != nil {
		t.Fatalf("dispatch should queue, got %v", err)
	}

	items, err := q.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(items) != 1 || items[0].Kind != outbox.KindEvent {
		t.Fatalf("queued items = %+v", items)
	}
}

func TestFlusherDrainsQueue(t *testing.T) {
	var received atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer ts.Close()

	q, err := outbox.Open(outbox.Config{Path: ":memory:", BatchLimit: 10, MaxRetries: 3})
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := q.Enqueue(ctx, outbox.KindEvent, []byte(`{"type":"ENTRY"}`)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	c := NewClient(testConfig(ts.URL))
	d := NewDispatcher(nil, c, q, &Stats{})
	f := NewFlusher(d, q, time.Hour)
	f.flushOnce(ctx)

	if received.Load() != 4 {
		t.Fatalf("central received %d, want 4", received.Load())
	}
	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Fatalf("queue depth = %d, want 0", depth)
	}
}

func TestChannelIdentifyAndHeartbeat(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	frames := make(chan map[string]any, 8)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/edge" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		var hello map[string]any
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		frames <- hello
		_ = conn.WriteJSON(map[string]any{"type": "connected"})
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			frames <- frame
		}
	}))
	defer ts.Close()

	cfg := testConfig(ts.URL)
	cfg.HeartbeatInterval = 50 * time.Millisecond
	ch := NewChannel(cfg, nil, func() []HeartbeatReport {
		return []HeartbeatReport{{CameraID: "cam-1", CameraType: "ENTRY", EventsSent: 7}}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ch.Serve(ctx) }()

	hello := <-frames
	if hello["edge_id"] != "edge-1" {
		t.Fatalf("hello = %v", hello)
	}

	select {
	case frame := <-frames:
		if frame["type"] != "heartbeat" || frame["camera_id"] != "cam-1" {
			t.Fatalf("heartbeat frame = %v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat within deadline")
	}

	if !ch.Connected() {
		t.Fatal("channel should report connected")
	}
	if !ch.Send(map[string]any{"type": "DETECTION"}) {
		t.Fatal("send over live channel failed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop on cancel")
	}
}

func TestChannelURL(t *testing.T) {
	ch := NewChannel(testConfig("https://central.example:8443/"), nil, nil)
	got, err := ch.channelURL()
	if err != nil {
		t.Fatalf("channel url: %v", err)
	}
	if got != "wss://central.example:8443/ws/edge" {
		t.Fatalf("url = %s", got)
	}
	if !strings.HasPrefix(got, "wss://") {
		t.Fatalf("scheme not upgraded: %s", got)
	}
}
