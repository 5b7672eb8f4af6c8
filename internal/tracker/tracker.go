// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

// Package tracker resolves noisy per-frame OCR readings into stable plate
// observations. Readings are bucketed by camera and detection box, voted on
// inside a short temporal window, and only a plate that wins enough votes is
// emitted. A per-camera dedup interval suppresses repeated emissions of the
// same plate.
package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/parkfabric/parkfabric/internal/plate"
)

// Config controls voting behaviour.
type Config struct {
	// Window is the vote collection window per detection box.
	Window time.Duration

	// MinVotes is the minimum number of agreeing votes to accept a plate.
	MinVotes int

	// SimilarityThreshold groups OCR variants of the same plate.
	SimilarityThreshold float64

	// GridSize quantizes detection box coordinates so that a jittering box
	// keeps hitting the same vote bucket.
	GridSize int

	// DedupInterval suppresses re-emission of the same plate from the same
	// camera. Zero disables dedup.
	DedupInterval time.Duration
}

// DefaultConfig returns the production voting parameters.
func DefaultConfig() Config {
	return Config{
		Window:              1500 * time.Millisecond,
		MinVotes:            2,
		SimilarityThreshold: 0.85,
		GridSize:            20,
		DedupInterval:       15 * time.Second,
	}
}

// Box is a plate detection bounding box in pixel coordinates.
type Box struct {
	X, Y, W, H int
}

// Observation is a single OCR reading from one frame.
type Observation struct {
	CameraID   string
	Text       string
	Confidence float64
	Box        Box
	At         time.Time
}

// Result is a resolved plate emitted by the tracker.
type Result struct {
	CameraID string
	// PlateID is the normalized identity.
	PlateID string
	// PlateView is the preferred display form as seen by OCR.
	PlateView string
	Votes     int
	At        time.Time
}

type bucketKey struct {
	camera     string
	x, y, w, h int
}

type vote struct {
	text string
	at   time.Time
}

type bucket struct {
	votes     []vote
	firstSeen time.Time
	finalized bool
}

// Tracker accumulates observations and emits resolved plates.
// Safe for concurrent use.
type Tracker struct {
	cfg Config

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	// lastEmit tracks camera+plateID -> last emission time for dedup.
	lastEmit map[string]time.Time
}

// New creates a Tracker. Zero-valued voting fields fall back to defaults;
// a zero or negative DedupInterval disables dedup.
func New(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinVotes <= 0 {
		cfg.MinVotes = def.MinVotes
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.GridSize <= 0 {
		cfg.GridSize = def.GridSize
	}

	return &Tracker{
		cfg:      cfg,
		buckets:  make(map[bucketKey]*bucket),
		lastEmit: make(map[string]time.Time),
	}
}

// Observe feeds one OCR reading into the tracker. It returns a Result when
// the reading completes a consensus, and false otherwise. Readings whose text
// is too short to form a plate identity are dropped.
func (t *Tracker) Observe(obs Observation) (Result, bool) {
	if _, ok := plate.Normalize(obs.Text); !ok {
		return Result{}, false
	}
	if obs.At.IsZero() {
		obs.At = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweep(obs.At)

	key := t.keyFor(obs)
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{firstSeen: obs.At}
		t.buckets[key] = b
	}
	if b.finalized {
		return Result{}, false
	}

	b.votes = append(b.votes, vote{text: obs.Text, at: obs.At})
	b.trim(obs.At.Add(-t.cfg.Window))

	view, votes, ok := t.resolve(b)
	if !ok {
		return Result{}, false
	}
	b.finalized = true

	id, _ := plate.Normalize(view)
	if t.deduped(obs.CameraID, id, obs.At) {
		return Result{}, false
	}
	t.lastEmit[obs.CameraID+"/"+id] = obs.At

	return Result{
		CameraID:  obs.CameraID,
		PlateID:   id,
		PlateView: view,
		Votes:     votes,
		At:        obs.At,
	}, true
}

func (t *Tracker) keyFor(obs Observation) bucketKey {
	g := t.cfg.GridSize
	snap := func(v int) int {
		// Round to the nearest grid line.
		if v < 0 {
			return -snapAbs(-v, g)
		}
		return snapAbs(v, g)
	}
	return bucketKey{
		camera: obs.CameraID,
		x:      snap(obs.Box.X),
		y:      snap(obs.Box.Y),
		w:      snap(obs.Box.W),
		h:      snap(obs.Box.H),
	}
}

func snapAbs(v, g int) int {
	return ((v + g/2) / g) * g
}

func (b *bucket) trim(cutoff time.Time) {
	kept := b.votes[:0]
	for _, v := range b.votes {
		if !v.at.Before(cutoff) {
			kept = append(kept, v)
		}
	}
	b.votes = kept
}

// resolve attempts consensus over the bucket's current votes: first an early
// stop on identical normalized votes, then similarity grouping.
func (t *Tracker) resolve(b *bucket) (view string, votes int, ok bool) {
	if len(b.votes) < t.cfg.MinVotes {
		return "", 0, false
	}

	// Early stop: enough votes with the same normalized form.
	byID := make(map[string][]string)
	order := make([]string, 0, len(b.votes))
	for _, v := range b.votes {
		id := plate.Alnum(v.text)
		if _, seen := byID[id]; !seen {
			order = append(order, id)
		}
		byID[id] = append(byID[id], v.text)
	}

	bestID, bestCount := "", 0
	for _, id := range order {
		if n := len(byID[id]); n > bestCount {
			bestID, bestCount = id, n
		}
	}
	if bestCount >= t.cfg.MinVotes {
		return selectBestView(byID[bestID]), bestCount, true
	}

	// Similarity grouping: OCR variants of the same plate vote together.
	type group struct {
		representative string
		members       []string
	}
	var groups []*group
	for _, v := range b.votes {
		placed := false
		for _, g := range groups {
			if t.similar(v.text, g.representative) {
				g.members = append(g.members, v.text)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, &group{representative: v.text, members: []string{v.text}})
		}
	}

	var best *group
	for _, g := range groups {
		if best == nil || len(g.members) > len(best.members) {
			best = g
		}
	}
	if best == nil || len(best.members) < t.cfg.MinVotes {
		return "", 0, false
	}
	return selectBestView(best.members), len(best.members), true
}

func (t *Tracker) similar(a, b string) bool {
	if plate.Alnum(a) == plate.Alnum(b) {
		return true
	}
	return plate.Similarity(a, b) >= t.cfg.SimilarityThreshold
}

// selectBestView picks the display form for a winning vote group: the
// most-voted text wins, but a separator-free winner yields to a variant with
// the same identity that carries separators. Preference order: both "-" and
// "." present, then "-", then ".". OCR output is never reformatted.
func selectBestView(votes []string) string {
	counts := make(map[string]int)
	order := make([]string, 0, len(votes))
	for _, v := range votes {
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	top := order[0]

	if containsAny(top, "-") || containsAny(top, ".") {
		return top
	}

	base := plate.Alnum(top)
	var withBoth, withDash, withDot string
	for _, v := range votes {
		if plate.Alnum(v) != base {
			continue
		}
		dash, dot := containsAny(v, "-"), containsAny(v, ".")
		switch {
		case dash && dot && withBoth == "":
			withBoth = v
		case dash && !dot && withDash == "":
			withDash = v
		case dot && !dash && withDot == "":
			withDot = v
		}
	}
	switch {
	case withBoth != "":
		return withBoth
	case withDash != "":
		return withDash
	case withDot != "":
		return withDot
	}
	return top
}

func containsAny(s, chars string) bool {
	for i := 0; i < len(s); i++ {
		for j := 0; j < len(chars); j++ {
			if s[i] == chars[j] {
				return true
			}
		}
	}
	return false
}

func (t *Tracker) deduped(cameraID, plateID string, at time.Time) bool {
	if t.cfg.DedupInterval <= 0 {
		return false
	}
	last, ok := t.lastEmit[cameraID+"/"+plateID]
	return ok && at.Sub(last) < t.cfg.DedupInterval
}

// sweep drops buckets idle for more than twice the window and stale dedup
// entries. Called with the mutex held.
func (t *Tracker) sweep(now time.Time) {
	timeout := 2 * t.cfg.Window
	for key, b := range t.buckets {
		if now.Sub(b.firstSeen) > timeout {
			delete(t.buckets, key)
		}
	}
	if t.cfg.DedupInterval > 0 {
		for key, at := range t.lastEmit {
			if now.Sub(at) > 2*t.cfg.DedupInterval {
				delete(t.lastEmit, key)
			}
		}
	}
}

// Stats reports tracker occupancy for diagnostics.
type Stats struct {
	ActiveBuckets int
	DedupEntries  int
}

// Stats returns a snapshot of tracker state.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		ActiveBuckets: len(t.buckets),
		DedupEntries:  len(t.lastEmit),
	}
}
