package kernel

import (
	"sync"
	"time"
)

// =============================================================================
// Restart Intensity
// =============================================================================

// IntensityResult is the verdict of recording one restart.
type IntensityResult struct {
	Allowed    bool          `json:"allowed"`
	Current    int           `json:"current"`
	Limit      int           `json:"limit"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// SlidingWindow counts events over a trailing duration. Unlike a bucketed
// counter it keeps exact timestamps, so a burst that lands right at the window
// edge is never under-counted.
type SlidingWindow struct {
	window time.Duration
	events []time.Time
	mu     sync.Mutex
}

// NewSlidingWindow creates a new sliding window.
func NewSlidingWindow(window time.Duration) *SlidingWindow {
	return &SlidingWindow{window: window}
}

// pruneLocked drops events older than the window (must hold lock).
func (w *SlidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(w.events, w.events[i:])
		w.events = w.events[:n]
	}
}

// Record records an event and returns the count including it.
func (w *SlidingWindow) Record(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	w.events = append(w.events, now)
	return len(w.events)
}

// Count returns the number of events inside the window.
func (w *SlidingWindow) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	return len(w.events)
}

// Check records an event against limit. An event that would push the count
// past limit is still recorded and reported as not allowed.
func (w *SlidingWindow) Check(now time.Time, limit int) IntensityResult {
	count := w.Record(now)
	res := IntensityResult{Allowed: count <= limit, Current: count, Limit: limit}
	if !res.Allowed {
		res.RetryAfter = w.TimeUntilSlotAvailable(now, limit)
	}
	return res
}

// TimeUntilSlotAvailable returns how long until the count drops below limit.
func (w *SlidingWindow) TimeUntilSlotAvailable(now time.Time, limit int) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)

	if len(w.events) < limit {
		return 0
	}
	// The slot frees when the event that keeps us at limit ages out.
	idx := len(w.events) - limit
	if limit <= 0 {
		idx = len(w.events) - 1
	}
	oldest := w.events[idx]
	wait := oldest.Add(w.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// IsEmpty returns true if the window has no activity.
func (w *SlidingWindow) IsEmpty(now time.Time) bool {
	return w.Count(now) == 0
}

// Reset forgets every recorded event.
func (w *SlidingWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = w.events[:0]
}
