package rollup

import (
	"sync"
	"time"

	"github.com/coopsys/warden/internal/shared"
)

// Sample is one timestamped measurement.
type Sample struct {
	At    time.Time
	Value float64
}

// Window retains timestamped samples and answers queries over arbitrary
// trailing durations. Samples older than the retention horizon are dropped
// lazily on query; different window sizes up to the horizon can be queried
// independently over the same sample set.
type Window struct {
	mu        sync.Mutex
	samples   []Sample
	retention time.Duration
	clock     shared.Clock
}

// NewWindow creates a window retaining samples for at most retention.
func NewWindow(retention time.Duration, clock shared.Clock) *Window {
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	if clock == nil {
		clock = shared.SystemClock{}
	}
	return &Window{retention: retention, clock: clock}
}

// Add records a sample stamped now.
func (w *Window) Add(value float64) {
	w.AddAt(w.clock.Now(), value)
}

// AddAt records a sample with an explicit timestamp. Samples are assumed to
// arrive roughly in time order; the pruning scan tolerates minor disorder.
func (w *Window) AddAt(at time.Time, value float64) {
	w.mu.Lock()
	w.samples = append(w.samples, Sample{At: at.UTC(), Value: value})
	w.mu.Unlock()
}

// Sum totals the samples within the trailing span.
func (w *Window) Sum(span time.Duration) float64 {
	var sum float64
	for _, s := range w.Query(span) {
		sum += s.Value
	}
	return sum
}

// Query returns the samples within the trailing span, oldest first, pruning
// anything beyond the retention horizon as a side effect.
func (w *Window) Query(span time.Duration) []Sample {
	if span <= 0 || span > w.retention {
		span = w.retention
	}
	now := w.clock.Now().UTC()
	cutoff := now.Add(-span)
	horizon := now.Add(-w.retention)

	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.samples[:0]
	var out []Sample
	for _, s := range w.samples {
		if s.At.Before(horizon) {
			continue
		}
		kept = append(kept, s)
		if !s.At.Before(cutoff) {
			out = append(out, s)
		}
	}
	w.samples = kept
	return out
}

// Len reports the retained sample count without pruning.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}
