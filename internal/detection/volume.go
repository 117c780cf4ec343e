package detection

import (
	"time"

	"fantasyguard/internal/store"
)

// volumeWindow counts hits inside a sliding window. Hits are appended in
// arrival order and evicted from the head.
type volumeWindow struct {
	hits []time.Time
	head int
	last time.Time
}

func (w *volumeWindow) add(ts time.Time) {
	w.hits = append(w.hits, ts)
	if ts.After(w.last) {
		w.last = ts
	}
}

func (w *volumeWindow) evict(cutoff time.Time) {
	for w.head < len(w.hits) {
		if !w.hits[w.head].Before(cutoff) {
			break
		}
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.hits) {
		w.hits = append([]time.Time{}, w.hits[w.head:]...)
		w.head = 0
	}
}

func (w *volumeWindow) count() int {
	return len(w.hits) - w.head
}

type volumeTracker struct {
	window  time.Duration
	windows *store.Sharded[volumeWindow]
}

func newVolumeTracker(window time.Duration) *volumeTracker {
	return &volumeTracker{window: window, windows: store.NewSharded[volumeWindow](0)}
}

// hit records one request for key at now and returns the in-window count.
func (t *volumeTracker) hit(key string, now time.Time, window time.Duration) int {
	if window <= 0 {
		window = t.window
	}
	n := 0
	t.windows.Update(key, func() volumeWindow {
		return volumeWindow{hits: make([]time.Time, 0, 16)}
	}, func(w *volumeWindow) {
		w.evict(now.Add(-window))
		w.add(now)
		n = w.count()
	})
	return n
}

// sweep drops windows that saw no hit for a full window.
func (t *volumeTracker) sweep(now time.Time) int {
	cutoff := now.Add(-t.window)
	return t.windows.Sweep(func(_ string, w *volumeWindow) bool {
		return w.last.Before(cutoff)
	})
}

func (t *volumeTracker) len() int {
	return t.windows.Len()
}
