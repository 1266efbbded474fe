package ratelimit

import "time"

// window counts calls per category since start. Each category resets
// independently once its window has passed.
type window struct {
	starts map[string]time.Time
	counts map[string]int
}

func newWindow() *window {
	return &window{starts: map[string]time.Time{}, counts: map[string]int{}}
}

// snapshot returns the current count for category, resetting it first if
// the window has expired.
func (w *window) snapshot(category string, length time.Duration, now time.Time) int {
	if start, ok := w.starts[category]; !ok || now.Sub(start) >= length {
		w.starts[category] = now
		w.counts[category] = 0
	}
	return w.counts[category]
}

func (w *window) increment(category string) {
	w.counts[category]++
}
