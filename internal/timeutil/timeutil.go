package timeutil

import (
	"errors"
	"strings"
	"time"
)

var ErrInvalidRange = errors.New("invalid date range")

// DayFormat is the wire format for fact dates and CLI flags.
const DayFormat = "2006-01-02"

// DateRange is a half-open [start, end) range of whole UTC days.
type DateRange struct {
	start time.Time
	end   time.Time
}

// NewDateRange builds a range from two timestamps, truncating both to UTC
// midnight. End is exclusive and must fall after start.
func NewDateRange(start, end time.Time) (DateRange, error) {
	s := TruncateToDay(start)
	e := TruncateToDay(end)
	if !e.After(s) {
		return DateRange{}, ErrInvalidRange
	}
	return DateRange{start: s, end: e}, nil
}

// ParseDateRange parses "2006-01-02" bounds; the end date is inclusive on the
// CLI surface, so the stored exclusive end is one day past it.
func ParseDateRange(from, to string) (DateRange, error) {
	s, err := time.ParseInLocation(DayFormat, strings.TrimSpace(from), time.UTC)
	if err != nil {
		return DateRange{}, ErrInvalidRange
	}
	e, err := time.ParseInLocation(DayFormat, strings.TrimSpace(to), time.UTC)
	if err != nil {
		return DateRange{}, ErrInvalidRange
	}
	return NewDateRange(s, e.AddDate(0, 0, 1))
}

// Start returns the inclusive start of the range.
func (r DateRange) Start() time.Time { return r.start }

// End returns the exclusive end of the range.
func (r DateRange) End() time.Time { return r.end }

// Days returns the number of whole days covered.
func (r DateRange) Days() int { return int(r.end.Sub(r.start).Hours() / 24) }

// Contains reports whether the timestamp falls within [start, end).
func (r DateRange) Contains(ts time.Time) bool {
	return !ts.Before(r.start) && ts.Before(r.end)
}

// EachDay invokes fn with the midnight timestamp of every day in the range.
func (r DateRange) EachDay(fn func(day time.Time)) {
	for day := r.start; day.Before(r.end); day = day.AddDate(0, 0, 1) {
		fn(day)
	}
}

// String renders the range as "from..to" with an inclusive to date.
func (r DateRange) String() string {
	if r.start.IsZero() {
		return ""
	}
	return r.start.Format(DayFormat) + ".." + r.end.AddDate(0, 0, -1).Format(DayFormat)
}

// TruncateToDay normalizes the timestamp to UTC midnight. All fact bucketing
// is UTC regardless of the reporting timezone upstream dashboards use.
func TruncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayBounds returns the half-open [midnight, next midnight) bounds around ts.
func DayBounds(ts time.Time) (time.Time, time.Time) {
	start := TruncateToDay(ts)
	return start, start.AddDate(0, 0, 1)
}
