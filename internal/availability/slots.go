// Package availability computes the open treatment slots of a professional
// for one calendar day. The result is a snapshot: the booking path re-checks
// overlap when it commits.
package availability

import (
	"sort"
	"time"
)

// MinStride is the smallest distance between two offered slot starts.
const MinStride = 30 * time.Minute

// Interval is a half-open [Start, End) range.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps applies the three-way test: i starts inside o, i ends inside o,
// or i fully contains o.
func (i Interval) Overlaps(o Interval) bool {
	startsInside := !i.Start.Before(o.Start) && i.Start.Before(o.End)
	endsInside := i.End.After(o.Start) && !i.End.After(o.End)
	contains := !i.Start.After(o.Start) && !i.End.Before(o.End)
	return startsInside || endsInside || contains
}

// OverlapsAny reports whether i overlaps any of busy.
func (i Interval) OverlapsAny(busy []Interval) bool {
	for _, b := range busy {
		if i.Overlaps(b) {
			return true
		}
	}
	return false
}

type Slot struct {
	Start time.Time `json:"start_time"`
	End   time.Time `json:"end_time"`
}

// Stride is max(30 minutes, duration/2). Offers overlap each other on
// purpose; only one of two overlapping offers can ever be booked.
func Stride(duration time.Duration) time.Duration {
	if half := duration / 2; half > MinStride {
		return half
	}
	return MinStride
}

// ComputeSlots walks a cursor from open to close and emits every
// [cursor, cursor+duration) window that is free of busy intervals. busy may be
// unsorted and may overlap itself.
func ComputeSlots(open, close time.Time, duration time.Duration, busy []Interval) []Slot {
	if duration <= 0 || !open.Before(close) {
		return nil
	}

	merged := merge(busy)
	stride := Stride(duration)

	var slots []Slot
	j := 0
	for cursor := open; !cursor.Add(duration).After(close); cursor = cursor.Add(stride) {
		candidate := Interval{Start: cursor, End: cursor.Add(duration)}

		for j < len(merged) && !merged[j].End.After(candidate.Start) {
			j++
		}
		if j < len(merged) && candidate.Overlaps(merged[j]) {
			continue
		}
		slots = append(slots, Slot{Start: candidate.Start, End: candidate.End})
	}
	return slots
}

// merge sorts busy by start and folds overlapping or touching intervals so
// the sweep in ComputeSlots only ever looks at one interval.
func merge(busy []Interval) []Interval {
	if len(busy) == 0 {
		return nil
	}

	sorted := make([]Interval, 0, len(busy))
	for _, b := range busy {
		if b.Start.Before(b.End) {
			sorted = append(sorted, b)
		}
	}
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].Start.Before(sorted[b].Start) })

	var out []Interval
	for _, b := range sorted {
		if n := len(out); n > 0 && !b.Start.After(out[n-1].End) {
			if b.End.After(out[n-1].End) {
				out[n-1].End = b.End
			}
			continue
		}
		out = append(out, b)
	}
	return out
}
