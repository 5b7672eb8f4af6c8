// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package edgelink

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/parkfabric/parkfabric/internal/logging"
	"github.com/parkfabric/parkfabric/internal/metrics"
	"github.com/parkfabric/parkfabric/internal/outbox"
)

// Dispatcher routes payloads to the central: duplex channel first, HTTP
// fallback second, outbox last. The outbox guarantees no event is lost
// while the central is unreachable.
type Dispatcher struct {
	channel *Channel
	client  *Client
	queue   *outbox.Outbox
	stats   *Stats
}

// NewDispatcher wires the three transports together. channel may be nil
// when the edge runs HTTP-only.
func NewDispatcher(channel *Channel, client *Client, queue *outbox.Outbox, stats *Stats) *Dispatcher {
	return &Dispatcher{channel: channel, client: client, queue: queue, stats: stats}
}

// SendEvent delivers a gate event, falling back transport by transport.
func (d *Dispatcher) SendEvent(ctx context.Context, event map[string]any) error {
	if d.channel != nil && d.channel.Send(event) {
		d.stats.Sent.Add(1)
		metrics.OutboxDelivered.WithLabelValues("ws").Inc()
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return d.deliverHTTP(ctx, outbox.KindEvent, payload)
}

// OCRReport is one resolved lot sighting.
type OCRReport struct {
	DeviceID   string `json:"device_id"`
	CameraID   string `json:"camera_id"`
	CameraName string `json:"camera_name"`
	PlateText  string `json:"plate_text"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// SendOCR delivers a lot sighting: an OCR_LOG frame over the channel when
// it is up, otherwise the HTTP fallback with outbox queuing.
func (d *Dispatcher) SendOCR(ctx context.Context, report OCRReport) error {
	if d.channel != nil {
		frame := map[string]any{
			"type":        "OCR_LOG",
			"camera_id":   report.CameraID,
			"camera_name": report.CameraName,
			"data": map[string]any{
				"plate_text":    report.PlateText,
				"location":      report.CameraName,
				"location_time": report.Timestamp,
			},
		}
		if d.channel.Send(frame) {
			d.stats.Sent.Add(1)
			metrics.OutboxDelivered.WithLabelValues("ws").Inc()
			return nil
		}
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return d.deliverHTTP(ctx, outbox.KindOCR, payload)
}

func (d *Dispatcher) deliverHTTP(ctx context.Context, kind string, payload []byte) error {
	err := d.postByKind(ctx, kind, payload)
	if err == nil {
		d.stats.Sent.Add(1)
		metrics.OutboxDelivered.WithLabelValues("http").Inc()
		return nil
	}
	if errors.Is(err, ErrRejected) {
		// The central understood and refused; queuing would just replay
		// the refusal.
		d.stats.Failed.Add(1)
		return err
	}

	d.stats.Failed.Add(1)
	if d.queue == nil {
		return err
	}
	if qerr := d.queue.Enqueue(ctx, kind, payload); qerr != nil {
		logging.Error().Err(qerr).Msg("outbox enqueue failed, event lost")
		return qerr
	}
	logging.Warn().Err(err).Str("kind", kind).Msg("central unreachable, event queued")
	return nil
}

func (d *Dispatcher) postByKind(ctx context.Context, kind string, payload []byte) error {
	if kind == outbox.KindOCR {
		return d.client.PostOCR(ctx, payload)
	}
	return d.client.PostEvent(ctx, payload)
}

// Flusher periodically drains the outbox through the HTTP client. It
// implements suture.Service.
type Flusher struct {
	dispatcher *Dispatcher
	queue      *outbox.Outbox
	interval   time.Duration
}

// NewFlusher builds the outbox drainer.
func NewFlusher(d *Dispatcher, queue *outbox.Outbox, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Flusher{dispatcher: d, queue: queue, interval: interval}
}

// Serve implements suture.Service.
func (f *Flusher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.flushOnce(ctx)
		}
	}
}

func (f *Flusher) String() string { return "outbox-flusher" }

// flushOnce drains one batch. Delivered and rejected rows leave the queue;
// transport failures bump the retry counter and stop the batch early, the
// central being down makes further attempts pointless.
func (f *Flusher) flushOnce(ctx context.Context) {
	items, err := f.queue.Pending(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("outbox read failed")
		return
	}
	if len(items) == 0 {
		metrics.OutboxPending.Set(0)
		return
	}

	var delivered []int64
	for _, item := range items {
		err := f.dispatcher.postByKind(ctx, item.Kind, item.Payload)
		switch {
		case err == nil:
			delivered = append(delivered, item.ID)
			metrics.OutboxDelivered.WithLabelValues("http").Inc()
		case errors.Is(err, ErrRejected):
			delivered = append(delivered, item.ID)
			logging.Warn().Int64("id", item.ID).Msg("queued event rejected by central, dropping")
		default:
			if berr := f.queue.BumpRetry(ctx, item.ID); berr != nil {
				logging.Error().Err(berr).Int64("id", item.ID).Msg("outbox retry bump failed")
			}
			f.finish(ctx, delivered)
			return
		}
	}
	f.finish(ctx, delivered)
}

func (f *Flusher) finish(ctx context.Context, delivered []int64) {
	if err := f.queue.Delete(ctx, delivered); err != nil {
		logging.Error().Err(err).Msg("outbox delete failed")
	}
	if pruned, err := f.queue.Prune(ctx); err == nil && pruned > 0 {
		logging.Warn().Int64("dropped", pruned).Msg("outbox rows exhausted retry budget")
	}
	if depth, err := f.queue.Depth(ctx); err == nil {
		metrics.OutboxPending.Set(float64(depth))
	}
	if len(delivered) > 0 {
		logging.Info().Int("delivered", len(delivered)).Msg("outbox batch flushed")
	}
}
