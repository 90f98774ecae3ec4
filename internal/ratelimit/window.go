// Package ratelimit implements the per-queue bandwidth gates that
// throttle edge traversals between nodes. Each queue combines an
// optional token bucket (messages/second, burst) with sliding-window
// accounting (requests/minute, tokens/minute) and weighted sub-queue
// lanes dispatched by deterministic round-robin.
package ratelimit

import (
	"time"
)

// windowEntry is one admission recorded in a sliding window.
type windowEntry struct {
	at     time.Time
	weight int64
}

// window is a ring-buffered sliding window of weighted admissions.
// All operations are O(1) amortized; the caller provides locking.
type window struct {
	span    time.Duration
	entries []windowEntry
	head    int
	count   int
	sum     int64
}

func newWindow(span time.Duration) *window {
	return &window{
		span:    span,
		entries: make([]windowEntry, 8),
	}
}

// prune drops entries older than the window span.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	for w.count > 0 {
		oldest := w.entries[w.head]
		if oldest.at.After(cutoff) {
			break
		}
		w.head = (w.head + 1) % len(w.entries)
		w.count--
		w.sum -= oldest.weight
	}
}

// record appends an admission of the given weight.
func (w *window) record(now time.Time, weight int64) {
	if w.count == len(w.entries) {
		w.grow()
	}
	tail := (w.head + w.count) % len(w.entries)
	w.entries[tail] = windowEntry{at: now, weight: weight}
	w.count++
	w.sum += weight
}

// grow doubles the ring capacity, preserving order.
func (w *window) grow() {
	bigger := make([]windowEntry, len(w.entries)*2)
	for i := 0; i < w.count; i++ {
		bigger[i] = w.entries[(w.head+i)%len(w.entries)]
	}
	w.entries = bigger
	w.head = 0
}

// delay returns how long an admission of the given weight must wait so
// the window sum stays at or below max. A weight exceeding max alone is
// admitted once the window is empty, so oversized requests are delayed
// but never starved.
func (w *window) delay(now time.Time, weight, max int64) time.Duration {
	w.prune(now)

	if w.sum+weight <= max || (weight > max && w.count == 0) {
		return 0
	}

	// Walk forward from the oldest entry until enough weight expires.
	target := max - weight
	if weight > max {
		// Oversized: wait for the window to drain completely.
		target = 0
	}
	running := w.sum
	for i := 0; i < w.count; i++ {
		entry := w.entries[(w.head+i)%len(w.entries)]
		running -= entry.weight
		if running <= target {
			return entry.at.Add(w.span).Sub(now)
		}
	}
	return w.span
}

// oversized reports whether a single admission of the given weight can
// never fit the budget, which callers surface as a warning.
func oversized(weight, max int64) bool {
	return max > 0 && weight > max
}
