// Package echo recognizes transcripts that are the gateway's own synthesized
// voice picked up by the user's microphone.
package echo

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
)

// DefaultThreshold is the ratio above which a transcript counts as echo
const DefaultThreshold = 0.8

// A Caser carries state, so each call gets its own.
func normalize(s string) string {
	return strings.TrimSpace(cases.Fold().String(s))
}

// Similarity returns a ratio in [0,1] comparing a and b case-insensitively.
// Containment scores the length ratio; anything else scores one minus the
// normalized edit distance.
func Similarity(a, b string) float64 {
	a, b = normalize(a), normalize(b)
	if a == b {
		return 1
	}

	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	if la == 0 || lb == 0 {
		return 0
	}

	if strings.Contains(a, b) || strings.Contains(b, a) {
		return float64(min(la, lb)) / float64(longest)
	}

	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

// ShouldSuppress reports whether candidate is close enough to lastSpoken to
// be treated as echo. Nothing is suppressed before anything was spoken.
func ShouldSuppress(candidate, lastSpoken string, threshold float64) bool {
	if normalize(lastSpoken) == "" || normalize(candidate) == "" {
		return false
	}
	return Similarity(candidate, lastSpoken) > threshold
}

// Filter remembers the last spoken text for one conversation
type Filter struct {
	threshold float64

	mu         sync.RWMutex
	lastSpoken string
}

// NewFilter creates a filter; a non-positive threshold selects the default
func NewFilter(threshold float64) *Filter {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Filter{threshold: threshold}
}

// SetLastSpoken records the text most recently handed to playback
func (f *Filter) SetLastSpoken(text string) {
	f.mu.Lock()
	f.lastSpoken = text
	f.mu.Unlock()
}

// LastSpoken returns the text most recently handed to playback
func (f *Filter) LastSpoken() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastSpoken
}

// Suppress reports whether transcript echoes the last spoken text
func (f *Filter) Suppress(transcript string) bool {
	return ShouldSuppress(transcript, f.LastSpoken(), f.threshold)
}
