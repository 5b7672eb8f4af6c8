// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

package plate

import (
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"plain", "29A12345", "29A12345", true},
		{"dash and dot", "29A-179.90", "29A17990", true},
		{"lowercase with spaces", "30g 567 89", "30G56789", true},
		{"exactly min length", "29A123", "29A123", true},
		{"too short", "29A12", "", false},
		{"empty", "", "", false},
		{"separators only", "--..--", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Normalize(tt.input)
			if got != tt.want || ok != tt.ok {
				t.Errorf("Normalize(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestValid(t *testing.T) {
	valid := []string{
		"29A12345",    // car
		"29AB12345",   // car, two letters
		"29A-12345",   // car with dash
		"29AB-12345",  // car, two letters with dash
		"29A112345",   // motorbike
		"29A1-12345",  // motorbike with dash
		"29A-179.90",  // dots stripped before matching
		"30G 567 89",  // spaces stripped, 7+ raw chars
		"51AB123456",  // six trailing digits
	}
	for _, p := range valid {
		if !Valid(p) {
			t.Errorf("Valid(%q) = false, want true", p)
		}
	}

	invalid := []string{
		"",
		"29A123",      // raw text under 7 chars
		"A9B12345",    // does not start with two digits
		"123A12345",   // three-digit prefix not accepted
		"29ABC12345",  // three letters
		"29A123456789",
		"HELLO WORLD",
	}
	for _, p := range invalid {
		if Valid(p) {
			t.Errorf("Valid(%q) = true, want false", p)
		}
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"29A17990", "29A17990", 1.0},
		{"29A-179.90", "29A17990", 1.0}, // separators ignored
		{"", "", 1.0},
		{"ABCD", "WXYZ", 0.0},
		// one substitution in eight chars: 2*7/16
		{"29A17990", "29A17890", 0.875},
		// one char missing: 2*7/15
		{"29A17990", "29A1799", 14.0 / 15.0},
	}

	for _, tt := range tests {
		got := Similarity(tt.a, tt.b)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Similarity(%q, %q) = %f, want %f", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSimilarityThresholdGrouping(t *testing.T) {
	// Plates that should group under the default 0.85 threshold.
	if s := Similarity("29A17990", "29A17990"); s < 0.85 {
		t.Errorf("identical plates below threshold: %f", s)
	}
	if s := Similarity("29A17990", "29A17930"); s < 0.85 {
		t.Errorf("near-identical plates below threshold: %f", s)
	}
	// Clearly different plates must not group.
	if s := Similarity("29A17990", "51F00231"); s >= 0.85 {
		t.Errorf("different plates above threshold: %f", s)
	}
}
