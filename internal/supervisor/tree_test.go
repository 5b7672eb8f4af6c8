// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parkfabric/parkfabric/internal/logging"
)

// tickService counts Serve invocations and blocks until canceled.
type tickService struct {
	name   string
	starts atomic.Int64
}

func (s *tickService) Serve(ctx context.Context) error {
	s.starts.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (s *tickService) String() string { return s.name }

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	return NewTree("test", logging.NewSlogLogger(), DefaultTreeConfig())
}

func TestTreeRunsServices(t *testing.T) {
	tree := newTestTree(t)

	svc := &tickService{name: "probe"}
	tree.AddFanout(svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)

	deadline := time.After(2 * time.Second)
	for svc.starts.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("service never started")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop on cancel")
	}
}

func TestPeerDialerLifecycle(t *testing.T) {
	tree := newTestTree(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := tree.ServeBackground(ctx)

	first := &tickService{name: "peer-central-b"}
	tree.AddPeerDialer("central-b", first)

	deadline := time.After(2 * time.Second)
	for first.starts.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("dialer never started")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Re-adding the same peer replaces the dialer instead of doubling it.
	second := &tickService{name: "peer-central-b-v2"}
	tree.AddPeerDialer("central-b", second)

	deadline = time.After(2 * time.Second)
	for second.starts.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("replacement dialer never started")
		case <-time.After(10 * time.Millisecond):
		}
	}

	tree.RemovePeerDialer("central-b")
	tree.RemovePeerDialer("central-b") // removing twice is a no-op

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop on cancel")
	}
}
