// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package outbox

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	o, err := Open(Config{Path: ":memory:", BatchLimit: 3, MaxRetries: 2})
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestEnqueueAndDrain(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		payload := fmt.Sprintf(`{"seq":%d}`, i)
		if err := o.Enqueue(ctx, KindEvent, []byte(payload)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	items, err := o.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("batch size = %d, want 3 (batch limit)", len(items))
	}
	if items[0].Kind != KindEvent || string(items[0].Payload) != `{"seq":0}` {
		t.Fatalf("unexpected first item: %+v", items[0])
	}

	ids := []int64{items[0].ID, items[1].ID, items[2].ID}
	if err := o.Delete(ctx, ids); err != nil {
		t.Fatalf("delete: %v", err)
	}

	depth, err := o.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 2 {
		t.Fatalf("depth = %d, want 2", depth)
	}
}

func TestRetryBudget(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	if err := o.Enqueue(ctx, KindOCR, []byte(`{"plate":"29A17990"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	items, _ := o.Pending(ctx)
	if len(items) != 1 {
		t.Fatalf("pending = %d, want 1", len(items))
	}
	id := items[0].ID

	// Two failures exhaust the budget (MaxRetries=2).
	_ = o.BumpRetry(ctx, id)
	_ = o.BumpRetry(ctx, id)

	items, _ = o.Pending(ctx)
	if len(items) != 0 {
		t.Fatalf("exhausted row still pending: %+v", items)
	}

	pruned, err := o.Prune(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
}

func TestOldestAge(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	age, err := o.oldestAge(ctx, time.Now().UTC())
	if err != nil || age != 0 {
		t.Fatalf("empty queue age = %v, %v", age, err)
	}

	if err := o.Enqueue(ctx, KindEvent, []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	age, err = o.oldestAge(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("oldest age: %v", err)
	}
	if age < 30*time.Second {
		t.Fatalf("age = %v, want around a minute", age)
	}
}
