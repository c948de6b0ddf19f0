package availability

import (
	"slices"
	"time"
)

// WorkingHours is a professional's daily window in their own time zone.
type WorkingHours struct {
	Location     *time.Location
	OpensMinute  int
	ClosesMinute int
	Days         []time.Weekday
	Cadence      time.Duration
}

func (h WorkingHours) location() *time.Location {
	if h.Location == nil {
		return time.UTC
	}
	return h.Location
}

// Window returns the open and close instants for the calendar day of date,
// read in date's own location. ok is false on days the professional does not
// work.
func (h WorkingHours) Window(date time.Time) (open, close time.Time, ok bool) {
	loc := h.location()
	y, m, d := date.Date()

	open = time.Date(y, m, d, h.OpensMinute/60, h.OpensMinute%60, 0, 0, loc)
	close = time.Date(y, m, d, h.ClosesMinute/60, h.ClosesMinute%60, 0, 0, loc)

	if len(h.Days) > 0 && !slices.Contains(h.Days, open.Weekday()) {
		return open, close, false
	}
	return open, close, open.Before(close)
}

// Contains reports whether iv lies entirely inside the working window of the
// day iv starts on.
func (h WorkingHours) Contains(iv Interval) bool {
	open, close, ok := h.Window(iv.Start.In(h.location()))
	if !ok {
		return false
	}
	return !iv.Start.Before(open) && !iv.End.After(close)
}
