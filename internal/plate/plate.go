// Parkfabric - Distributed Parking Management Fabric
// Copyright 2026 Parkfabric Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/parkfabric/parkfabric

// Package plate defines the canonical license-plate identity used across the
// fabric. Every store lookup, dedup check, and peer message keys on the
// normalized form produced here; the display form (plate_view) keeps whatever
// separators the OCR emitted.
package plate

import (
	"regexp"
	"strings"
)

// MinLength is the minimum number of alphanumeric characters for a plate
// identity to be considered usable.
const MinLength = 6

// Alnum returns the uppercase alphanumeric-only form of text.
// "29A-179.90" and "29a 17990" both map to "29A17990".
func Alnum(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Normalize converts OCR text into the canonical plate identity.
// The second return is false when the text is too short to identify a plate.
func Normalize(text string) (string, bool) {
	id := Alnum(text)
	if len(id) < MinLength {
		return "", false
	}
	return id, true
}

// Vietnamese plate shapes, matched against the cleaned text (spaces and dots
// removed, dashes kept):
//   - cars:        two digits, one or two letters, 4-6 digits, optional dash
//   - motorbikes:  two digits, letter, digit, optional dash, 4-5 digits
var platePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d{2}[A-Z]{1,2}\d{4,6}$`),
	regexp.MustCompile(`^\d{2}[A-Z]{1,2}-\d{4,6}$`),
	regexp.MustCompile(`^\d{2}[A-Z]\d-?\d{4,5}$`),
}

// Valid reports whether text looks like a Vietnamese license plate.
func Valid(text string) bool {
	if len(strings.TrimSpace(text)) < 7 {
		return false
	}

	clean := strings.ToUpper(strings.TrimSpace(text))
	clean = strings.ReplaceAll(clean, " ", "")
	clean = strings.ReplaceAll(clean, ".", "")
	if clean == "" {
		return false
	}

	// Standard plates start with a two-digit province code.
	if len(clean) < 2 || !isDigit(clean[0]) || !isDigit(clean[1]) {
		return false
	}

	for _, p := range platePatterns {
		if p.MatchString(clean) {
			return true
		}
	}
	return false
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// Similarity returns a similarity ratio in [0,1] between the alphanumeric
// forms of a and b, using the Ratcliff/Obershelp measure: twice the number of
// matching characters over the total length. Identical normalized plates
// score 1.0.
func Similarity(a, b string) float64 {
	na, nb := Alnum(a), Alnum(b)
	if len(na)+len(nb) == 0 {
		return 1
	}
	if na == nb {
		return 1
	}
	return 2 * float64(matchingChars(na, nb)) / float64(len(na)+len(nb))
}

// matchingChars counts characters in matching blocks: the longest common
// substring is found, then the regions to its left and right are matched
// recursively.
func matchingChars(a, b string) int {
	if a == "" || b == "" {
		return 0
	}

	ai, bi, size := longestMatch(a, b)
	if size == 0 {
		return 0
	}

	total := size
	total += matchingChars(a[:ai], b[:bi])
	total += matchingChars(a[ai+size:], b[bi+size:])
	return total
}

// longestMatch finds the longest common substring, preferring the earliest
// position in a, then in b.
func longestMatch(a, b string) (ai, bi, size int) {
	// lengths[j] holds the length of the common suffix ending at a[i], b[j]
	// for the current row.
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)

	for i := 0; i < len(a); i++ {
		for j := 0; j < len(b); j++ {
			if a[i] == b[j] {
				cur[j+1] = prev[j] + 1
				if cur[j+1] > size {
					size = cur[j+1]
					ai = i - size + 1
					bi = j - size + 1
				}
			} else {
				cur[j+1] = 0
			}
		}
		prev, cur = cur, prev
	}
	return ai, bi, size
}
