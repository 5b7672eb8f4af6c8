// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package parking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parkfabric/parkfabric/internal/fees"
	"github.com/parkfabric/parkfabric/internal/gossip"
	"github.com/parkfabric/parkfabric/internal/store"
)

type recordingBroadcaster struct {
	msgs []*gossip.Message
}

func (r *recordingBroadcaster) Broadcast(msg *gossip.Message) {
	r.msgs = append(r.msgs, msg)
}

func (r *recordingBroadcaster) last() *gossip.Message {
	if len(r.msgs) == 0 {
		return nil
	}
	return r.msgs[len(r.msgs)-1]
}

func newTestManager(t *testing.T) (*Manager, *store.Store, *recordingBroadcaster) {
	t.Helper()
	st, err := store.New(store.Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	b := &recordingBroadcaster{}
	m := New(st, fees.New(fees.Config{}), "central-1", b)
	return m, st, b
}

func entryEvent(plateText string) EdgeEvent {
	return EdgeEvent{
		Type: "ENTRY", CameraID: "cam-1", CameraName: "Cổng vào A", CameraType: "ENTRY",
		EdgeID: "edge-1",
		Data:   EdgeEventData{PlateText: plateText, Confidence: 0.92, Source: "auto"},
	}
}

func TestEntryCreatesRowAndBroadcasts(t *testing.T) {
	m, st, b := newTestManager(t)
	ctx := context.Background()

	res, err := m.Process(ctx, entryEvent("29A-179.90"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Action != "ENTRY" {
		t.Fatalf("result = %+v", res)
	}
	if res.PlateID != "29A17990" || res.PlateView != "29A-179.90" {
		t.Errorf("plate = %s / %s", res.PlateID, res.PlateView)
	}
	if res.EventID == "" {
		t.Error("entry must mint an event id")
	}

	v, err := st.FindVehicleInParking(ctx, "29A17990")
	if err != nil {
		t.Fatal(err)
	}
	if v.SyncStatus != store.SyncLocal || v.EntryCameraName != "Cổng vào A" {
		t.Errorf("entry row = %+v", v)
	}

	msg := b.last()
	if msg == nil || msg.Type != gossip.TypeEntryPending {
		t.Fatalf("broadcast = %+v, want entry pending", msg)
	}
	if msg.EventID != res.EventID {
		t.Error("broadcast must carry the minted event id")
	}
}

func TestEntryWhileInsideIsRejected(t *testing.T) {
	m, _, b := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Process(ctx, entryEvent("29A-179.90")); err != nil {
		t.Fatal(err)
	}
	sent := len(b.msgs)

	res, err := m.Process(ctx, entryEvent("29A-179.90"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !res.AlreadyInside {
		t.Errorf("result = %+v, want already-inside rejection", res)
	}
	if len(b.msgs) != sent {
		t.Error("rejected entry must not broadcast")
	}
}

func TestReplayedEventIDIsDeduped(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	ev := entryEvent("29A-179.90")
	ev.EventID = "central-9_1756000000000_29A17990"
	if _, err := m.Process(ctx, ev); err != nil {
		t.Fatal(err)
	}

	res, err := m.Process(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !res.Deduped {
		t.Errorf("replay result = %+v, want deduped success", res)
	}
	rows, _ := st.History(ctx, store.HistoryQuery{})
	if len(rows) != 1 {
		t.Errorf("rows = %d, want 1", len(rows))
	}
}

func TestDetectionIsTreatedAsEntry(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	ev := entryEvent("51G-123.45")
	ev.Type = "DETECTION"
	res, err := m.Process(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Action != "ENTRY" {
		t.Fatalf("result = %+v", res)
	}
	if _, err := st.FindVehicleInParking(ctx, "51G12345"); err != nil {
		t.Error("detection must create an entry")
	}
}

func TestExitComputesFeeAndReusesEventID(t *testing.T) {
	m, st, b := newTestManager(t)
	ctx := context.Background()

	entered := time.Now().Add(-95 * time.Minute)
	m.now = func() time.Time { return entered }
	res, err := m.Process(ctx, entryEvent("29A-179.90"))
	if err != nil {
		t.Fatal(err)
	}
	entryEventID := res.EventID

	m.now = time.Now
	exit := entryEvent("29A-179.90")
	exit.Type = "EXIT"
	exit.CameraName = "Cổng ra B"

	got, err := m.Process(ctx, exit)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Success || got.Action != "EXIT" {
		t.Fatalf("result = %+v", got)
	}
	// 95 minutes with 30 free minutes: 65 billable minutes round up to 2h.
	if got.Fee != 50000 {
		t.Errorf("fee = %d, want 50000", got.Fee)
	}
	if got.Duration != "1 giờ 35 phút" {
		t.Errorf("duration = %q", got.Duration)
	}
	if got.EventID != entryEventID {
		t.Errorf("exit event id = %s, want entry's %s", got.EventID, entryEventID)
	}

	v, _ := st.EntryByID(ctx, got.HistoryID)
	if v.Status != store.StatusOut || v.Fee != 50000 {
		t.Errorf("closed row = %+v", v)
	}

	msg := b.last()
	if msg.Type != gossip.TypeExit || msg.EventID != entryEventID {
		t.Errorf("broadcast = %+v", msg)
	}
}

func TestExitWithoutEntryFails(t *testing.T) {
	m, _, b := newTestManager(t)

	exit := entryEvent("29A-179.90")
	exit.Type = "EXIT"
	res, err := m.Process(context.Background(), exit)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Errorf("result = %+v, want failure", res)
	}
	if len(b.msgs) != 0 {
		t.Error("failed exit must not broadcast")
	}
}

func TestUnnormalizablePlateIsRejected(t *testing.T) {
	m, _, _ := newTestManager(t)

	res, err := m.Process(context.Background(), entryEvent("@#!"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Errorf("result = %+v, want failure", res)
	}
}

func TestProcessLocationUpdatesKnownVehicle(t *testing.T) {
	m, st, b := newTestManager(t)
	ctx := context.Background()

	m.Process(ctx, entryEvent("29A-179.90"))

	res, err := m.ProcessLocation(ctx, "edge-2", "29A-179.90", "Khu A", "", true)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsAnomaly {
		t.Error("known vehicle must not be an anomaly")
	}
	v, _ := st.FindVehicleInParking(ctx, "29A17990")
	if v.LastLocation != "Khu A" {
		t.Errorf("last_location = %q", v.LastLocation)
	}
	if b.last().Type != gossip.TypeLocationUpdate {
		t.Errorf("broadcast = %+v", b.last())
	}
}

func TestProcessLocationUnknownVehicle(t *testing.T) {
	m, st, b := newTestManager(t)
	ctx := context.Background()

	// Without anomaly creation the sighting is an error the caller maps
	// to not-found.
	if _, err := m.ProcessLocation(ctx, "edge-2", "99X-999.99", "Khu B", "", false); !errors.Is(err, ErrNotInParking) {
		t.Fatalf("err = %v, want ErrNotInParking", err)
	}

	res, err := m.ProcessLocation(ctx, "edge-2", "99X-999.99", "Khu B", "", true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsAnomaly {
		t.Fatal("unknown vehicle must become an anomaly entry")
	}
	v, err := st.FindVehicleInParking(ctx, "99X99999")
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsAnomaly || v.LastLocation != "Khu B" {
		t.Errorf("anomaly row = %+v", v)
	}

	var p gossip.LocationPayload
	if err := b.last().Decode(&p); err != nil {
		t.Fatal(err)
	}
	if !p.IsAnomaly {
		t.Error("broadcast must flag the anomaly")
	}
}

func TestCorrectPlateBroadcastsWithEventID(t *testing.T) {
	m, st, b := newTestManager(t)
	ctx := context.Background()

	res, _ := m.Process(ctx, entryEvent("29A-179.90"))

	if err := m.CorrectPlate(ctx, res.HistoryID, "29A17991", "29A-179.91"); err != nil {
		t.Fatal(err)
	}
	e, _ := st.EntryByID(ctx, res.HistoryID)
	if e.PlateID != "29A17991" {
		t.Errorf("plate = %s", e.PlateID)
	}

	msg := b.last()
	if msg.Type != gossip.TypeHistoryUpdate {
		t.Fatalf("broadcast = %+v", msg)
	}
	var p gossip.HistoryUpdatePayload
	msg.Decode(&p)
	if p.EventID != res.EventID {
		t.Error("history update must carry the stable event id")
	}
}

func TestDeleteHistoryBroadcasts(t *testing.T) {
	m, st, b := newTestManager(t)
	ctx := context.Background()

	res, _ := m.Process(ctx, entryEvent("29A-179.90"))
	if err := m.DeleteHistory(ctx, res.HistoryID); err != nil {
		t.Fatal(err)
	}
	if _, err := st.EntryByID(ctx, res.HistoryID); !errors.Is(err, store.ErrNotFound) {
		t.Error("row must be gone")
	}
	if b.last().Type != gossip.TypeHistoryDelete {
		t.Errorf("broadcast = %+v", b.last())
	}
}
