// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package ws

// Fanout bundles the local delivery targets: the frontend history hub and
// the edge registry. It implements gossip.Fanout so peer-applied events
// reach local subscribers without ever being forwarded back to peers.
type Fanout struct {
	HistoryHub *Hub
	EdgeReg    *EdgeRegistry
}

// History delivers a payload to frontend history clients.
func (f *Fanout) History(payload map[string]any) {
	if f.HistoryHub != nil {
		f.HistoryHub.Broadcast(MessageTypeHistoryUpdate, payload)
	}
}

// Edges delivers a payload to all connected edge backends.
func (f *Fanout) Edges(payload map[string]any) {
	if f.EdgeReg != nil {
		f.EdgeReg.Broadcast(payload)
	}
}
