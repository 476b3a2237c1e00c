package adsbhub

import (
	"sort"
	"sync"
	"time"
)

const (
	// adjustWindow is how many recent offset samples feed the median.
	adjustWindow = 11

	// adjustRounding snaps the adjustment to whole steps so it does not
	// creep around with every sample.
	adjustRounding = 10 * time.Second
)

// Adjuster normalizes timestamps of feeds that deliver historic data.
// It keeps a rolling window of observed (now - message time) offsets and
// applies their median, rounded to adjustRounding, to every incoming
// timestamp. The adjustment only moves when the median differs from the
// current value by more than half the buffering period, so a single
// outlier message does not make the adjustment hunt back and forth.
type Adjuster struct {
	mu        sync.Mutex
	samples   []time.Duration
	threshold time.Duration
	current   time.Duration
}

// NewAdjuster creates an adjuster with hysteresis of half the given
// buffering period.
func NewAdjuster(bufferingPeriod time.Duration) *Adjuster {
	return &Adjuster{threshold: bufferingPeriod / 2}
}

// Observe records one (now - message time) offset sample and recomputes
// the adjustment.
func (a *Adjuster) Observe(now, msg time.Time) {
	d := now.Sub(msg)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.samples = append(a.samples, d)
	if len(a.samples) > adjustWindow {
		a.samples = a.samples[1:]
	}

	med := median(a.samples).Round(adjustRounding)
	diff := med - a.current
	if diff < 0 {
		diff = -diff
	}
	if diff > a.threshold {
		a.current = med
	}
}

// Current returns the adjustment currently applied.
func (a *Adjuster) Current() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Apply shifts a message timestamp by the current adjustment.
func (a *Adjuster) Apply(ts time.Time) time.Time {
	return ts.Add(a.Current())
}

func median(samples []time.Duration) time.Duration {
	s := make([]time.Duration, len(samples))
	copy(s, samples)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })

	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
