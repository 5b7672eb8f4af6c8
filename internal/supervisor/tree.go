// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

// Package supervisor builds the suture tree both binaries run under. The
// tree has three layers so a failure stays contained: fanout (WebSocket
// hubs and the camera status loop), mesh (gossip manager and peer dialers),
// and api (the HTTP server). Peer dialers can be added and removed at
// runtime for the operator add-peer flow.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor failure policy.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay, in seconds.
	FailureDecay float64

	// FailureBackoff is the wait when the threshold is exceeded.
	FailureBackoff time.Duration

	// ShutdownTimeout bounds graceful shutdown per service.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns suture's production defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the supervised service hierarchy.
type Tree struct {
	root   *suture.Supervisor
	fanout *suture.Supervisor
	mesh   *suture.Supervisor
	api    *suture.Supervisor

	mu         sync.Mutex
	peerTokens map[string]suture.ServiceToken
}

// NewTree builds the tree. name labels the root in logs ("centrald",
// "edged").
func NewTree(name string, logger *slog.Logger, cfg TreeConfig) *Tree {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5.0
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30.0
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	// sutureslog's hook has a pointer receiver; take the address.
	hook := (&sutureslog.Handler{Logger: logger}).MustHook()

	rootSpec := suture.Spec{
		EventHook:        hook,
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}

	root := suture.New(name, rootSpec)
	fanout := suture.New("fanout-layer", childSpec)
	mesh := suture.New("mesh-layer", childSpec)
	api := suture.New("api-layer", childSpec)

	root.Add(fanout)
	root.Add(mesh)
	root.Add(api)

	return &Tree{
		root:       root,
		fanout:     fanout,
		mesh:       mesh,
		api:        api,
		peerTokens: make(map[string]suture.ServiceToken),
	}
}

// AddFanout supervises a hub loop or broadcast ticker.
func (t *Tree) AddFanout(svc suture.Service) suture.ServiceToken {
	return t.fanout.Add(svc)
}

// AddMesh supervises the gossip manager or an outbox flusher.
func (t *Tree) AddMesh(svc suture.Service) suture.ServiceToken {
	return t.mesh.Add(svc)
}

// AddAPI supervises the HTTP server.
func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// AddPeerDialer supervises one outbound peer channel, keyed by peer id so
// it can be replaced or removed later. Re-adding a peer restarts its
// dialer with the new address.
func (t *Tree) AddPeerDialer(peerID string, svc suture.Service) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if token, ok := t.peerTokens[peerID]; ok {
		_ = t.mesh.Remove(token)
	}
	t.peerTokens[peerID] = t.mesh.Add(svc)
}

// RemovePeerDialer stops the dialer for a removed peer.
func (t *Tree) RemovePeerDialer(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if token, ok := t.peerTokens[peerID]; ok {
		_ = t.mesh.Remove(token)
		delete(t.peerTokens, peerID)
	}
}

// Serve runs the tree until the context is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine and reports its exit.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
