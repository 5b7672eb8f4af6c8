// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ts(offset time.Duration) string {
	return time.Now().UTC().Add(offset).Format(TimeLayout)
}

func TestInsertEntryAndDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertEntry(ctx, EntryParams{
		EventID:   "central-1_1756000000000_29A17990",
		PlateID:   "29A17990",
		PlateView: "29A-179.90",
		EntryTime: ts(0),
		CameraID:  "cam-1",
		Source:    "edge",
	})
	if err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}
	if id <= 0 {
		t.Fatalf("id = %d, want > 0", id)
	}

	exists, err := s.EventExists(ctx, "central-1_1756000000000_29A17990")
	if err != nil || !exists {
		t.Errorf("EventExists = %v, %v; want true, nil", exists, err)
	}
	exists, err = s.EventExists(ctx, "central-1_1756000000001_29A17990")
	if err != nil || exists {
		t.Errorf("unknown EventExists = %v, %v; want false, nil", exists, err)
	}
	if exists, _ := s.EventExists(ctx, ""); exists {
		t.Error("empty event id must never exist")
	}

	e, err := s.EntryByID(ctx, id)
	if err != nil {
		t.Fatalf("EntryByID: %v", err)
	}
	if e.Status != StatusIn || e.SyncStatus != SyncLocal {
		t.Errorf("status = %s/%s, want IN/LOCAL", e.Status, e.SyncStatus)
	}
}

func TestCloseExitPicksLatestOpenStay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two open stays for the same plate; the exit must close the newest.
	oldID, _ := s.InsertEntry(ctx, EntryParams{
		PlateID: "51G12345", PlateView: "51G-123.45", EntryTime: ts(-2 * time.Hour),
	})
	newID, _ := s.InsertEntry(ctx, EntryParams{
		PlateID: "51G12345", PlateView: "51G-123.45", EntryTime: ts(-10 * time.Minute),
	})

	err := s.CloseExit(ctx, "51G12345", ExitParams{
		ExitTime: ts(0), Duration: "0 giờ 10 phút", Fee: 0,
	})
	if err != nil {
		t.Fatalf("CloseExit: %v", err)
	}

	closed, _ := s.EntryByID(ctx, newID)
	if closed.Status != StatusOut || closed.ExitTime == "" {
		t.Errorf("newest stay not closed: %+v", closed)
	}
	stillOpen, _ := s.EntryByID(ctx, oldID)
	if stillOpen.Status != StatusIn {
		t.Errorf("older stay must remain open, got %s", stillOpen.Status)
	}

	if err := s.CloseExit(ctx, "NOPLATE1", ExitParams{ExitTime: ts(0)}); !errors.Is(err, ErrNotFound) {
		t.Errorf("exit for unknown plate = %v, want ErrNotFound", err)
	}
}

func TestCloseExitByEventID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.ApplyPeerEntry(ctx, EntryParams{
		EventID: "central-2_1756000000000_30F55555", SourceCentral: "central-2",
		PlateID: "30F55555", PlateView: "30F-555.55", EntryTime: ts(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	err := s.CloseExitByEventID(ctx, "central-2_1756000000000_30F55555", ExitParams{
		ExitTime: ts(0), Fee: 25000,
	})
	if err != nil {
		t.Fatalf("CloseExitByEventID: %v", err)
	}
	e, _ := s.FindByEventID(ctx, "central-2_1756000000000_30F55555")
	if e.Status != StatusOut || e.Fee != 25000 {
		t.Errorf("entry = %+v, want OUT with fee 25000", e)
	}
	if e.SyncStatus != SyncSynced {
		t.Errorf("sync_status = %s, want SYNCED", e.SyncStatus)
	}

	if err := s.CloseExitByEventID(ctx, "central-2_9_X", ExitParams{ExitTime: ts(0)}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown event exit = %v, want ErrNotFound", err)
	}
}

func TestVehicleLocationTracking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertEntry(ctx, EntryParams{
		PlateID: "29A17990", PlateView: "29A-179.90", EntryTime: ts(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateVehicleLocation(ctx, "29A17990", "Khu A", ts(0)); err != nil {
		t.Fatalf("UpdateVehicleLocation: %v", err)
	}
	if err := s.UpdateVehicleLocation(ctx, "UNKNOWN1", "Khu A", ts(0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown plate = %v, want ErrNotFound", err)
	}

	at, err := s.VehiclesAtLocation(ctx, "Khu A")
	if err != nil {
		t.Fatal(err)
	}
	if len(at) != 1 || at[0].PlateID != "29A17990" {
		t.Errorf("vehicles at Khu A = %+v", at)
	}

	v, err := s.FindVehicleInParking(ctx, "29A17990")
	if err != nil {
		t.Fatal(err)
	}
	if v.LastLocation != "Khu A" {
		t.Errorf("last_location = %q, want Khu A", v.LastLocation)
	}
}

func TestInsertAnomalyEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertAnomalyEntry(ctx, AnomalyParams{
		EventID: "central-1_1756000000000_60B66666",
		PlateID: "60B66666", PlateView: "60B-666.66",
		EntryTime: ts(0), CameraName: "Khu B", Location: "Khu B", LocationTime: ts(0),
	})
	if err != nil {
		t.Fatalf("InsertAnomalyEntry: %v", err)
	}

	e, _ := s.EntryByID(ctx, id)
	if !e.IsAnomaly {
		t.Error("is_anomaly must be set")
	}
	if e.SyncStatus != SyncP2P {
		t.Errorf("sync_status = %s, want P2P", e.SyncStatus)
	}
	if e.EntrySource != "parking_lot_auto" {
		t.Errorf("entry_source = %s, want parking_lot_auto", e.EntrySource)
	}
	if e.EntryCameraName != "Auto-detected: Khu B" {
		t.Errorf("entry_camera_name = %q", e.EntryCameraName)
	}
}

func TestUpdatePlateRecordsChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.InsertEntry(ctx, EntryParams{
		PlateID: "29A17990", PlateView: "29A-179.90", EntryTime: ts(0),
	})

	if err := s.UpdatePlate(ctx, id, "29A17991", "29A-179.91"); err != nil {
		t.Fatalf("UpdatePlate: %v", err)
	}
	e, _ := s.EntryByID(ctx, id)
	if e.PlateID != "29A17991" {
		t.Errorf("plate_id = %s, want corrected value", e.PlateID)
	}

	changes, err := s.Changes(ctx, 10, 0, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(changes))
	}
	c := changes[0]
	if c.ChangeType != "UPDATE" || c.OldPlateID != "29A17990" || c.NewPlateID != "29A17991" {
		t.Errorf("change = %+v", c)
	}
	if len(c.OldData) == 0 || len(c.NewData) == 0 {
		t.Error("audit must carry full row snapshots")
	}

	if err := s.UpdatePlate(ctx, 99999, "X", "X"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown row = %v, want ErrNotFound", err)
	}
}

func TestDeleteEntryRecordsChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.InsertEntry(ctx, EntryParams{
		EventID: "central-1_1756000000000_77C77777",
		PlateID: "77C77777", PlateView: "77C-777.77", EntryTime: ts(0),
	})

	if err := s.DeleteEntry(ctx, id); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	if _, err := s.EntryByID(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted row lookup = %v, want ErrNotFound", err)
	}
	changes, _ := s.Changes(ctx, 10, 0, id)
	if len(changes) != 1 || changes[0].ChangeType != "DELETE" {
		t.Errorf("changes = %+v, want one DELETE", changes)
	}
}

func TestDeleteByEventID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.InsertEntry(ctx, EntryParams{
		EventID: "central-1_1756000000000_88D88888",
		PlateID: "88D88888", PlateView: "88D-888.88", EntryTime: ts(0),
	})

	deleted, err := s.DeleteByEventID(ctx, "central-1_1756000000000_88D88888")
	if err != nil || !deleted {
		t.Fatalf("DeleteByEventID = %v, %v; want true, nil", deleted, err)
	}
	deleted, err = s.DeleteByEventID(ctx, "central-1_1756000000000_88D88888")
	if err != nil || deleted {
		t.Errorf("second delete = %v, %v; want false, nil", deleted, err)
	}
}

func TestHistorySearchNormalizesSeparators(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.InsertEntry(ctx, EntryParams{PlateID: "29A17990", PlateView: "29A-179.90", EntryTime: ts(0)})
	s.InsertEntry(ctx, EntryParams{PlateID: "51G12345", PlateView: "51G-123.45", EntryTime: ts(0)})

	// Dashes and dots in the query must not matter.
	got, err := s.History(ctx, HistoryQuery{Search: "29a-179.90"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].PlateID != "29A17990" {
		t.Errorf("search result = %+v", got)
	}

	got, _ = s.History(ctx, HistoryQuery{Search: "179"})
	if len(got) != 1 {
		t.Errorf("substring search = %d rows, want 1", len(got))
	}
}

func TestHistoryFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.InsertEntry(ctx, EntryParams{PlateID: "29A17990", PlateView: "29A-179.90", EntryTime: ts(-2 * time.Hour)})
	s.InsertEntry(ctx, EntryParams{PlateID: "51G12345", PlateView: "51G-123.45", EntryTime: ts(-time.Hour)})
	if err := s.CloseExit(ctx, "51G12345", ExitParams{ExitTime: ts(0), Fee: 25000}); err != nil {
		t.Fatal(err)
	}

	inOnly, _ := s.History(ctx, HistoryQuery{InParkingOnly: true})
	if len(inOnly) != 1 || inOnly[0].PlateID != "29A17990" {
		t.Errorf("in-parking filter = %+v", inOnly)
	}

	out, _ := s.History(ctx, HistoryQuery{Status: StatusOut})
	if len(out) != 1 || out[0].PlateID != "51G12345" {
		t.Errorf("status filter = %+v", out)
	}

	all, _ := s.History(ctx, HistoryQuery{})
	if len(all) != 2 {
		t.Errorf("unfiltered = %d rows, want 2", len(all))
	}

	limited, _ := s.History(ctx, HistoryQuery{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit = %d rows, want 1", len(limited))
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.InsertEntry(ctx, EntryParams{PlateID: "29A17990", PlateView: "29A-179.90", EntryTime: ts(-time.Hour)})
	s.InsertEntry(ctx, EntryParams{PlateID: "51G12345", PlateView: "51G-123.45", EntryTime: ts(-time.Hour)})
	s.CloseExit(ctx, "51G12345", ExitParams{ExitTime: ts(0), Fee: 50000})

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.VehiclesInParking != 1 {
		t.Errorf("vehicles_in_parking = %d, want 1", st.VehiclesInParking)
	}
	if st.ExitsToday != 1 || st.RevenueToday != 50000 {
		t.Errorf("exits/revenue = %d/%d, want 1/50000", st.ExitsToday, st.RevenueToday)
	}
}

func TestEventsSinceOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// created_at defaults to CURRENT_TIMESTAMP; backdate rows directly to
	// get distinct watermarks.
	events := []string{
		"central-1_1756000000001_11A11111",
		"central-1_1756000000002_22B22222",
		"central-1_1756000000003_33C33333",
	}
	plates := []string{"11A11111", "22B22222", "33C33333"}
	for i, ev := range events {
		id, err := s.InsertEntry(ctx, EntryParams{
			EventID: ev, PlateID: plates[i], PlateView: plates[i], EntryTime: ts(0),
		})
		if err != nil {
			t.Fatal(err)
		}
		backdated := time.Now().UTC().Add(time.Duration(i-10) * time.Minute).Format(TimeLayout)
		if _, err := s.DB().ExecContext(ctx,
			`UPDATE history SET created_at = ? WHERE id = ?`, backdated, id); err != nil {
			t.Fatal(err)
		}
	}

	since := time.Now().UTC().Add(-10 * time.Minute).Add(30 * time.Second).Format(TimeLayout)
	got, err := s.EventsSince(ctx, since, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("events since = %d, want 2", len(got))
	}
	if got[0].EventID != "central-1_1756000000002_22B22222" {
		t.Errorf("oldest-first ordering broken: %s", got[0].EventID)
	}
}

func TestSyncStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SyncStateFor(ctx, "central-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing state = %v, want ErrNotFound", err)
	}

	if err := s.UpdateSyncState(ctx, "central-2", 1756000000000, ts(0)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSyncState(ctx, "central-2", 1756000060000, ts(0)); err != nil {
		t.Fatal(err)
	}

	st, err := s.SyncStateFor(ctx, "central-2")
	if err != nil {
		t.Fatal(err)
	}
	if st.LastSyncTimestamp != 1756000060000 {
		t.Errorf("watermark = %d, want advanced value", st.LastSyncTimestamp)
	}
}

func TestParkingLotUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveParkingLot(ctx, ParkingLot{LocationName: "Khu A", Capacity: 50, EdgeID: "edge-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveParkingLot(ctx, ParkingLot{LocationName: "Khu A", Capacity: 60, EdgeID: "edge-1"}); err != nil {
		t.Fatal(err)
	}

	lots, err := s.ParkingLots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(lots) != 1 || lots[0].Capacity != 60 {
		t.Errorf("lots = %+v, want one row with updated capacity", lots)
	}
	if lots[0].CameraType != "PARKING_LOT" {
		t.Errorf("camera_type = %s, want default PARKING_LOT", lots[0].CameraType)
	}
}

func TestCameraHeartbeatStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertCamera(ctx, "cam-1", "Cổng vào A", "ENTRY"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertCamera(ctx, "cam-2", "Cổng ra B", "EXIT"); err != nil {
		t.Fatal(err)
	}
	// Age cam-2's heartbeat past the timeout.
	stale := time.Now().UTC().Add(-2 * HeartbeatTimeout).Format(TimeLayout)
	if _, err := s.DB().ExecContext(ctx,
		`UPDATE cameras SET last_heartbeat = ? WHERE id = 'cam-2'`, stale); err != nil {
		t.Fatal(err)
	}

	cams, err := s.Cameras(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cams) != 2 {
		t.Fatalf("cameras = %d, want 2", len(cams))
	}
	byID := map[string]Camera{}
	for _, c := range cams {
		byID[c.ID] = c
	}
	if byID["cam-1"].Status != "online" {
		t.Errorf("cam-1 status = %s, want online", byID["cam-1"].Status)
	}
	if byID["cam-2"].Status != "offline" {
		t.Errorf("cam-2 status = %s, want offline", byID["cam-2"].Status)
	}

	if err := s.CameraHeartbeat(ctx, "cam-2"); err != nil {
		t.Fatal(err)
	}
	if err := s.CameraHeartbeat(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("heartbeat for unknown camera = %v, want ErrNotFound", err)
	}
}
