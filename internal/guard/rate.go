package guard

import "time"

// rateWindow is a sliding-window counter over call timestamps.
type rateWindow struct {
	timestamps []time.Time
}

// prune drops timestamps that have fallen out of the trailing window.
func (r *rateWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := r.timestamps[:0]
	for _, ts := range r.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.timestamps = kept
}

// countWithin returns how many recorded calls fall inside the trailing
// window ending at now, plus one for the candidate call under evaluation.
func (r *rateWindow) countWithin(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, ts := range r.timestamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n + 1
}

// record appends a call timestamp, pruning stale entries so the slice stays
// bounded by the window's call volume.
func (r *rateWindow) record(now time.Time, window time.Duration) {
	r.prune(now, window)
	r.timestamps = append(r.timestamps, now)
}
