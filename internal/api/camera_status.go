// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package api

import (
	"context"
	"time"

	"github.com/parkfabric/parkfabric/internal/logging"
	"github.com/parkfabric/parkfabric/internal/store"
	"github.com/parkfabric/parkfabric/internal/ws"
)

// CameraStatusBroadcaster periodically pushes the camera registry to
// dashboard clients so heartbeat timeouts surface without a page reload.
type CameraStatusBroadcaster struct {
	st       *store.Store
	hub      *ws.Hub
	interval time.Duration
}

func NewCameraStatusBroadcaster(st *store.Store, hub *ws.Hub, interval time.Duration) *CameraStatusBroadcaster {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &CameraStatusBroadcaster{st: st, hub: hub, interval: interval}
}

// Serve implements suture.Service.
func (b *CameraStatusBroadcaster) Serve(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cameras, err := b.st.Cameras(ctx)
			if err != nil {
				logging.Warn().Err(err).Msg("camera status query failed")
				continue
			}
			b.hub.Broadcast(ws.MessageTypeCamerasUpdate, cameraSnapshot(cameras))
		}
	}
}

func (b *CameraStatusBroadcaster) String() string { return "camera-status-broadcaster" }
