// Package ratewindow provides a sliding window over recent event timestamps.
// It is the primitive behind both the outbound send throttle and the
// per-channel admission burst check.
package ratewindow

import "time"

// Window holds timestamps of recent events in insertion (chronological) order
// and answers count queries over trailing spans. Timestamps must come from
// time.Now so they carry a monotonic reading; wall clock adjustments then have
// no effect on pruning or counting.
//
// Window is not safe for concurrent use; owners serialize access.
type Window struct {
	stamps []time.Time
}

// Record appends an event timestamp. Callers must pass non-decreasing times.
func (w *Window) Record(now time.Time) {
	w.stamps = append(w.stamps, now)
}

// Prune drops entries aged span or more. Entries are chronological, so only
// the front needs scanning.
func (w *Window) Prune(now time.Time, span time.Duration) {
	i := 0
	for i < len(w.stamps) && now.Sub(w.stamps[i]) >= span {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// CountWithin reports how many recorded events are younger than span.
// It scans from the back and stops at the first entry outside the span.
func (w *Window) CountWithin(now time.Time, span time.Duration) int {
	n := 0
	for i := len(w.stamps) - 1; i >= 0; i-- {
		if now.Sub(w.stamps[i]) >= span {
			break
		}
		n++
	}
	return n
}

// Len returns the number of recorded entries (prune first for a windowed count).
func (w *Window) Len() int { return len(w.stamps) }

// Oldest returns the earliest recorded timestamp, if any.
func (w *Window) Oldest() (time.Time, bool) {
	if len(w.stamps) == 0 {
		return time.Time{}, false
	}
	return w.stamps[0], true
}
