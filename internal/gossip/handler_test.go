// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package gossip

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/parkfabric/parkfabric/internal/store"
)

type recordingFanout struct {
	history []map[string]any
	edges   []map[string]any
}

func (r *recordingFanout) History(p map[string]any) { r.history = append(r.history, p) }
func (r *recordingFanout) Edges(p map[string]any)   { r.edges = append(r.edges, p) }

type recordingReplier struct {
	peerID string
	msgs   []*Message
}

func (r *recordingReplier) SendToPeer(peerID string, msg *Message) bool {
	r.peerID = peerID
	r.msgs = append(r.msgs, msg)
	return true
}

func newTestHandler(t *testing.T) (*Handler, *store.Store, *recordingFanout, *recordingReplier) {
	t.Helper()
	st, err := store.New(store.Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	fanout := &recordingFanout{}
	replier := &recordingReplier{}
	return NewHandler(st, "central-1", fanout, replier), st, fanout, replier
}

func entryMsg(source, eventID, plate string) *Message {
	return NewEntryPending(source, eventID, EntryPayload{
		PlateID: plate, PlateView: plate, EdgeID: "edge-9",
		CameraType: "ENTRY", Direction: "ENTRY",
		EntryTime: time.Now().UTC().Format(store.TimeLayout),
	})
}

func TestEntryPendingAppliesOnceAndFansOut(t *testing.T) {
	h, st, fanout, _ := newTestHandler(t)
	ctx := context.Background()

	msg := entryMsg("central-2", "central-2_1756000000000_29A17990", "29A17990")
	if err := h.Handle(ctx, msg, "central-2"); err != nil {
		t.Fatal(err)
	}

	e, err := st.FindByEventID(ctx, msg.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if e.SyncStatus != store.SyncSynced || e.SourceCentral != "central-2" {
		t.Errorf("entry = %+v", e)
	}
	if e.EntryCameraName != "central-2/edge-9" {
		t.Errorf("camera name = %q", e.EntryCameraName)
	}
	if len(fanout.history) != 1 || len(fanout.edges) != 1 {
		t.Errorf("fanout history=%d edges=%d, want 1/1", len(fanout.history), len(fanout.edges))
	}

	// A replay must be deduped and not fan out again.
	if err := h.Handle(ctx, msg, "central-2"); err != nil {
		t.Fatal(err)
	}
	if len(fanout.history) != 1 {
		t.Error("replayed entry fanned out again")
	}
	rows, _ := st.History(ctx, store.HistoryQuery{})
	if len(rows) != 1 {
		t.Errorf("history rows = %d, want 1", len(rows))
	}
}

func TestConflictRemoteOlderReplacesLocal(t *testing.T) {
	h, st, fanout, _ := newTestHandler(t)
	ctx := context.Background()

	// Local entry minted later than the remote one.
	localEvent := "central-1_1756000005000_29A17990"
	if _, err := st.InsertEntry(ctx, store.EntryParams{
		EventID: localEvent, PlateID: "29A17990", PlateView: "29A-179.90",
		EntryTime: time.Now().UTC().Format(store.TimeLayout),
	}); err != nil {
		t.Fatal(err)
	}

	remote := entryMsg("central-2", "central-2_1756000001000_29A17990", "29A17990")
	if err := h.Handle(ctx, remote, "central-2"); err != nil {
		t.Fatal(err)
	}

	if _, err := st.FindByEventID(ctx, localEvent); err == nil {
		t.Error("newer local entry must be deleted")
	}
	if _, err := st.FindByEventID(ctx, remote.EventID); err != nil {
		t.Errorf("older remote entry must be present: %v", err)
	}
	last := fanout.history[len(fanout.history)-1]
	if last["type"] != "p2p_entry_replaced" {
		t.Errorf("fanout type = %v, want p2p_entry_replaced", last["type"])
	}
}

func TestConflictLocalOlderIsKept(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	ctx := context.Background()

	localEvent := "central-1_1756000001000_29A17990"
	st.InsertEntry(ctx, store.EntryParams{
		EventID: localEvent, PlateID: "29A17990", PlateView: "29A-179.90",
		EntryTime: time.Now().UTC().Format(store.TimeLayout),
	})

	remote := entryMsg("central-2", "central-2_1756000005000_29A17990", "29A17990")
	if err := h.Handle(ctx, remote, "central-2"); err != nil {
		t.Fatal(err)
	}

	if _, err := st.FindByEventID(ctx, localEvent); err != nil {
		t.Errorf("older local entry must survive: %v", err)
	}
	if _, err := st.FindByEventID(ctx, remote.EventID); err == nil {
		t.Error("newer remote entry must not be applied")
	}
}

func TestConflictKeepsLocalWithoutEventID(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	ctx := context.Background()

	st.InsertEntry(ctx, store.EntryParams{
		PlateID: "29A17990", PlateView: "29A-179.90",
		EntryTime: time.Now().UTC().Format(store.TimeLayout),
	})

	remote := entryMsg("central-2", "central-2_1_29A17990", "29A17990")
	if err := h.Handle(ctx, remote, "central-2"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.FindByEventID(ctx, remote.EventID); err == nil {
		t.Error("local entry without event_id must win")
	}
}

func TestExitClosesByEventID(t *testing.T) {
	h, st, fanout, _ := newTestHandler(t)
	ctx := context.Background()

	event := "central-2_1756000000000_51G12345"
	h.Handle(ctx, entryMsg("central-2", event, "51G12345"), "central-2")

	exit := NewExit("central-2", event, ExitPayload{
		PlateID: "51G12345", ExitCentral: "central-2", ExitEdge: "edge-9",
		ExitTime: time.Now().UTC().Format(store.TimeLayout),
		Fee:      25000, Duration: "1 giờ 0 phút",
	})
	if err := h.Handle(ctx, exit, "central-2"); err != nil {
		t.Fatal(err)
	}

	e, _ := st.FindByEventID(ctx, event)
	if e.Status != store.StatusOut || e.Fee != 25000 {
		t.Errorf("entry after exit = %+v", e)
	}
	last := fanout.edges[len(fanout.edges)-1]
	if last["type"] != "EXIT" {
		t.Errorf("edge fanout = %v", last)
	}
}

func TestExitFallsBackToPlate(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	ctx := context.Background()

	// Entry created before event ids were carried end to end.
	st.InsertEntry(ctx, store.EntryParams{
		PlateID: "51G12345", PlateView: "51G-123.45",
		EntryTime: time.Now().UTC().Format(store.TimeLayout),
	})

	exit := NewExit("central-2", "central-2_1756000000000_51G12345", ExitPayload{
		PlateID: "51G12345", ExitCentral: "central-2", ExitEdge: "edge-9",
		ExitTime: time.Now().UTC().Format(store.TimeLayout), Fee: 25000,
	})
	if err := h.Handle(ctx, exit, "central-2"); err != nil {
		t.Fatal(err)
	}

	v, err := st.History(ctx, store.HistoryQuery{Status: store.StatusOut})
	if err != nil || len(v) != 1 {
		t.Fatalf("closed rows = %d (%v), want 1", len(v), err)
	}
}

func TestExitForUnknownEntryIsIgnored(t *testing.T) {
	h, _, fanout, _ := newTestHandler(t)

	exit := NewExit("central-2", "central-2_1_NOPLATE", ExitPayload{
		PlateID: "NOPLATE1", ExitCentral: "central-2", ExitEdge: "edge-9",
		ExitTime: time.Now().UTC().Format(store.TimeLayout),
	})
	if err := h.Handle(context.Background(), exit, "central-2"); err != nil {
		t.Fatalf("unknown exit must not error: %v", err)
	}
	if len(fanout.history) != 0 {
		t.Error("unknown exit must not fan out")
	}
}

func TestLocationUpdateMovesKnownVehicle(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	ctx := context.Background()

	h.Handle(ctx, entryMsg("central-2", "central-2_1756000000000_29A17990", "29A17990"), "central-2")

	loc := NewLocationUpdate("central-2", "central-2_1756000001000_29A17990", LocationPayload{
		PlateID: "29A17990", Location: "Khu A",
		LocationTime: time.Now().UTC().Format(store.TimeLayout),
	})
	if err := h.Handle(ctx, loc, "central-2"); err != nil {
		t.Fatal(err)
	}

	v, _ := st.FindVehicleInParking(ctx, "29A17990")
	if v.LastLocation != "Khu A" {
		t.Errorf("last_location = %q", v.LastLocation)
	}
	if v.IsAnomaly {
		t.Error("known vehicle must not be flagged as anomaly")
	}
}

func TestLocationUpdateForUnknownVehicleCreatesAnomaly(t *testing.T) {
	h, st, fanout, _ := newTestHandler(t)
	ctx := context.Background()

	loc := NewLocationUpdate("central-2", "central-2_1756000001000_99X99999", LocationPayload{
		PlateID: "99X99999", Location: "Khu B",
		LocationTime: time.Now().UTC().Format(store.TimeLayout), EdgeID: "edge-3",
	})
	if err := h.Handle(ctx, loc, "central-2"); err != nil {
		t.Fatal(err)
	}

	v, err := st.FindVehicleInParking(ctx, "99X99999")
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsAnomaly || v.SyncStatus != store.SyncP2P {
		t.Errorf("anomaly entry = %+v", v)
	}
	if v.LastLocation != "Khu B" {
		t.Errorf("last_location = %q", v.LastLocation)
	}
	last := fanout.history[len(fanout.history)-1]
	if last["action"] != "entry_created" {
		t.Errorf("fanout action = %v", last["action"])
	}
}

func TestParkingLotConfigUpserts(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	ctx := context.Background()

	msg := NewParkingLotConfig("central-2", ParkingLotPayload{
		LocationName: "Khu A", Capacity: 80, EdgeID: "edge-3",
	})
	if err := h.Handle(ctx, msg, "central-2"); err != nil {
		t.Fatal(err)
	}
	lots, _ := st.ParkingLots(ctx)
	if len(lots) != 1 || lots[0].Capacity != 80 {
		t.Errorf("lots = %+v", lots)
	}
}

func TestHistoryUpdateMapsThroughEventID(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	ctx := context.Background()

	event := "central-2_1756000000000_29A17990"
	h.Handle(ctx, entryMsg("central-2", event, "29A17990"), "central-2")

	// The sender's history_id is meaningless here; the event_id maps it.
	msg := NewHistoryUpdate("central-2", HistoryUpdatePayload{
		HistoryID: 424242, PlateText: "29A17991", PlateView: "29A-179.91", EventID: event,
	})
	if err := h.Handle(ctx, msg, "central-2"); err != nil {
		t.Fatal(err)
	}

	e, _ := st.FindByEventID(ctx, event)
	if e.PlateID != "29A17991" {
		t.Errorf("plate_id = %s, want corrected", e.PlateID)
	}
}

func TestHistoryDeleteRemovesRow(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	ctx := context.Background()

	event := "central-2_1756000000000_29A17990"
	h.Handle(ctx, entryMsg("central-2", event, "29A17990"), "central-2")

	msg := NewHistoryDelete("central-2", HistoryDeletePayload{HistoryID: 1, EventID: event})
	if err := h.Handle(ctx, msg, "central-2"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.FindByEventID(ctx, event); err == nil {
		t.Error("row must be deleted")
	}
}

func TestSyncRequestReplies(t *testing.T) {
	h, st, _, replier := newTestHandler(t)
	ctx := context.Background()

	for i := range 3 {
		st.InsertEntry(ctx, store.EntryParams{
			EventID:   fmt.Sprintf("central-1_175600000000%d_1%dA11111", i, i),
			PlateID:   fmt.Sprintf("1%dA11111", i),
			PlateView: fmt.Sprintf("1%dA11111", i),
			EntryTime: time.Now().UTC().Format(store.TimeLayout),
		})
	}

	req := NewSyncRequest("central-2", 0)
	if err := h.Handle(ctx, req, "central-2"); err != nil {
		t.Fatal(err)
	}

	if replier.peerID != "central-2" || len(replier.msgs) != 1 {
		t.Fatalf("replier got peer=%q msgs=%d", replier.peerID, len(replier.msgs))
	}
	resp := replier.msgs[0]
	if resp.Type != TypeSyncResponse {
		t.Fatalf("reply type = %s", resp.Type)
	}
	var p SyncResponsePayload
	if err := resp.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if len(p.Events) != 3 {
		t.Errorf("backfill events = %d, want 3", len(p.Events))
	}
}

func TestSyncResponseAppliesMissedEvents(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	ctx := context.Background()

	// One event already known, one new entry, one completed stay.
	known := "central-2_1756000000000_29A17990"
	h.Handle(ctx, entryMsg("central-2", known, "29A17990"), "central-2")

	now := time.Now().UTC().Format(store.TimeLayout)
	resp := NewSyncResponse("central-2", []store.Entry{
		{EventID: known, SourceCentral: "central-2", PlateID: "29A17990", PlateView: "29A17990", EntryTime: now, Status: store.StatusIn},
		{EventID: "central-2_1756000001000_51G12345", SourceCentral: "central-2", PlateID: "51G12345", PlateView: "51G-123.45", EntryTime: now, Status: store.StatusIn},
		{EventID: "central-2_1756000002000_60B66666", SourceCentral: "central-2", PlateID: "60B66666", PlateView: "60B-666.66", EntryTime: now, Status: store.StatusOut, ExitTime: now, Fee: 25000},
	})
	if err := h.Handle(ctx, resp, "central-2"); err != nil {
		t.Fatal(err)
	}

	rows, _ := st.History(ctx, store.HistoryQuery{})
	if len(rows) != 3 {
		t.Fatalf("history rows = %d, want 3", len(rows))
	}
	closed, _ := st.FindByEventID(ctx, "central-2_1756000002000_60B66666")
	if closed.Status != store.StatusOut || closed.Fee != 25000 {
		t.Errorf("backfilled completed stay = %+v", closed)
	}

	state, err := st.SyncStateFor(ctx, "central-2")
	if err != nil {
		t.Fatalf("sync state: %v", err)
	}
	if state.LastSyncTimestamp != resp.Timestamp {
		t.Errorf("watermark = %d, want %d", state.LastSyncTimestamp, resp.Timestamp)
	}
}

func TestSyncResponseOlderBackfillReplacesOpenStay(t *testing.T) {
	h, st, fanout, _ := newTestHandler(t)
	ctx := context.Background()

	localEvent := "central-1_1756000002000_29A17990"
	if _, err := st.InsertEntry(ctx, store.EntryParams{
		EventID: localEvent, PlateID: "29A17990", PlateView: "29A-179.90",
		EntryTime: time.Now().UTC().Format(store.TimeLayout),
	}); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC().Format(store.TimeLayout)
	backfilled := "central-2_1756000001000_29A17990"
	resp := NewSyncResponse("central-2", []store.Entry{
		{EventID: backfilled, SourceCentral: "central-2", PlateID: "29A17990",
			PlateView: "29A17990", EntryTime: now, Status: store.StatusIn},
	})
	if err := h.Handle(ctx, resp, "central-2"); err != nil {
		t.Fatal(err)
	}

	open, err := st.History(ctx, store.HistoryQuery{Status: store.StatusIn})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("open stays for plate = %d, want 1", len(open))
	}
	if open[0].EventID != backfilled {
		t.Errorf("surviving event = %s, want older backfilled %s", open[0].EventID, backfilled)
	}
	if _, err := st.FindByEventID(ctx, localEvent); err == nil {
		t.Error("newer local entry must be deleted")
	}
	last := fanout.history[len(fanout.history)-1]
	if last["action"] != "backfill" {
		t.Errorf("fanout action = %v, want backfill", last["action"])
	}
}

func TestSyncResponseNewerBackfillKeepsOpenStay(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	ctx := context.Background()

	localEvent := "central-1_1756000001000_29A17990"
	if _, err := st.InsertEntry(ctx, store.EntryParams{
		EventID: localEvent, PlateID: "29A17990", PlateView: "29A-179.90",
		EntryTime: time.Now().UTC().Format(store.TimeLayout),
	}); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC().Format(store.TimeLayout)
	resp := NewSyncResponse("central-2", []store.Entry{
		{EventID: "central-2_1756000005000_29A17990", SourceCentral: "central-2",
			PlateID: "29A17990", PlateView: "29A17990", EntryTime: now, Status: store.StatusIn},
	})
	if err := h.Handle(ctx, resp, "central-2"); err != nil {
		t.Fatal(err)
	}

	open, err := st.History(ctx, store.HistoryQuery{Status: store.StatusIn})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("open stays for plate = %d, want 1", len(open))
	}
	if open[0].EventID != localEvent {
		t.Errorf("surviving event = %s, want older local %s", open[0].EventID, localEvent)
	}
}
