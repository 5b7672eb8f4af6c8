// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

// Package fees computes parking charges from a fee schedule. The schedule
// can be static (from config), read from a local JSON file, or fetched from
// a remote pricing service; file and remote sources are cached with a TTL so
// every exit does not hit the source.
package fees

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/parkfabric/parkfabric/internal/logging"
)

// Schedule is the pricing model: the first BaseHours are free, every started
// hour after that costs PerHour.
type Schedule struct {
	BaseHours float64 `json:"base_hours"`
	PerHour   int64   `json:"per_hour"`
}

// Config selects the schedule source.
type Config struct {
	// Default is used when no source is configured or the source fails.
	Default Schedule

	// SourceURL, when set, is polled for the current schedule.
	SourceURL string

	// FilePath, when set (and SourceURL is empty), is read for the schedule.
	FilePath string

	// CacheTTL bounds how stale a fetched schedule may be.
	CacheTTL time.Duration

	// HTTPClient overrides the client used for SourceURL; nil gets a
	// default with a 5s timeout.
	HTTPClient *http.Client
}

// Calculator resolves the current schedule and prices stays.
type Calculator struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	cached    Schedule
	fetchedAt time.Time
}

// New builds a Calculator. Zero-value fields fall back to sane defaults.
func New(cfg Config) *Calculator {
	if cfg.Default.PerHour == 0 {
		cfg.Default = Schedule{BaseHours: 0.5, PerHour: 25000}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Calculator{cfg: cfg, client: client}
}

// Schedule returns the current fee schedule, consulting the configured
// source through the cache. Source failures fall back to the last good
// schedule, then to the default.
func (c *Calculator) Schedule(ctx context.Context) Schedule {
	if c.cfg.SourceURL == "" && c.cfg.FilePath == "" {
		return c.cfg.Default
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.cfg.CacheTTL {
		return c.cached
	}

	sched, err := c.fetch(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("fee schedule fetch failed, using fallback")
		if !c.fetchedAt.IsZero() {
			return c.cached
		}
		return c.cfg.Default
	}

	c.cached = sched
	c.fetchedAt = time.Now()
	return sched
}

func (c *Calculator) fetch(ctx context.Context) (Schedule, error) {
	var raw []byte
	switch {
	case c.cfg.SourceURL != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.SourceURL, nil)
		if err != nil {
			return Schedule{}, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return Schedule{}, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return Schedule{}, fmt.Errorf("fee source returned %d", resp.StatusCode)
		}
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err != nil {
			return Schedule{}, err
		}
	default:
		var err error
		raw, err = os.ReadFile(c.cfg.FilePath)
		if err != nil {
			return Schedule{}, err
		}
	}

	var sched Schedule
	if err := json.Unmarshal(raw, &sched); err != nil {
		return Schedule{}, fmt.Errorf("decode fee schedule: %w", err)
	}
	if sched.PerHour < 0 || sched.BaseHours < 0 {
		return Schedule{}, fmt.Errorf("fee schedule has negative values")
	}
	return sched, nil
}

// Update persists a new schedule to the configured file and replaces the
// cached value so the next exit prices against it immediately.
func (c *Calculator) Update(sched Schedule) error {
	if sched.PerHour < 0 || sched.BaseHours < 0 {
		return fmt.Errorf("fee schedule has negative values")
	}

	if c.cfg.FilePath != "" {
		raw, err := json.MarshalIndent(sched, "", "  ")
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(c.cfg.FilePath), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(c.cfg.FilePath, raw, 0o644); err != nil {
			return fmt.Errorf("write fee schedule: %w", err)
		}
	}

	c.mu.Lock()
	c.cached = sched
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// Calculate prices a stay and renders its duration.
func (c *Calculator) Calculate(ctx context.Context, entry, exit time.Time) (int64, string) {
	sched := c.Schedule(ctx)
	return Price(sched, entry, exit), FormatDuration(exit.Sub(entry))
}

// Price applies a schedule to a stay. The first BaseHours are free; after
// that every started hour is billed.
func Price(sched Schedule, entry, exit time.Time) int64 {
	if !exit.After(entry) {
		return 0
	}
	hours := exit.Sub(entry).Hours()
	billable := hours - sched.BaseHours
	if billable <= 0 {
		return 0
	}
	return int64(math.Ceil(billable)) * sched.PerHour
}

// FormatDuration renders a stay length as "X giờ Y phút".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Minutes())
	return fmt.Sprintf("%d giờ %d phút", total/60, total%60)
}
