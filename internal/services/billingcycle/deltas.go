package billingcycle

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// firstObservationGrace bounds how long after cycle start a first snapshot
// may arrive and still count as the cycle's first observation. Daily batch
// with fetch lag: anything beyond this is treated as an unknown prior
// baseline and held.
const firstObservationGrace = 36 * time.Hour

// Snapshot is one cumulative observation of a counter within a billing cycle.
type Snapshot struct {
	ObservedAt time.Time
	Value      decimal.Decimal
}

// Delta is one non-negative per-period value covering the exact gap between
// two consecutive observations (or cycle start for a confirmed first one).
type Delta struct {
	Start time.Time
	End   time.Time
	Value decimal.Decimal

	// FirstOfCycle marks the delta that opens a cycle (or a post-rollover
	// restart), whose value is the snapshot's own cumulative reading.
	FirstOfCycle bool
}

// Result carries the deltas plus everything the run summary needs to report.
type Result struct {
	Deltas []Delta

	// BoundaryEvents counts detected cycle rollovers (counter reset observed
	// mid-sequence). A rollover is not a refund and never yields a negative
	// delta.
	BoundaryEvents int

	// BaselineHeld is true when the first snapshot could not be confirmed as
	// the cycle's first observation and produced no delta.
	BaselineHeld bool

	// Anomalies lists snapshots excluded from computation, e.g. negative
	// cumulative readings or conflicting duplicate observations.
	Anomalies []string
}

// ToDeltas converts the full observation sequence for one (entity, cycle,
// metric) into per-period deltas. The caller supplies every known snapshot
// for the cycle, replayed ones included, and merges the full result each
// time, so reruns always converge on the same per-day totals.
func ToDeltas(cycleStart time.Time, snapshots []Snapshot) Result {
	var res Result
	if len(snapshots) == 0 {
		return res
	}

	ordered := make([]Snapshot, len(snapshots))
	copy(ordered, snapshots)
	// Stable so that among equal-time observations the first seen wins.
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ObservedAt.Before(ordered[j].ObservedAt)
	})

	// Drop unusable snapshots before differencing.
	clean := ordered[:0]
	var prevAt time.Time
	for _, snap := range ordered {
		switch {
		case snap.Value.IsNegative():
			res.Anomalies = append(res.Anomalies,
				fmt.Sprintf("negative cumulative value %s at %s excluded", snap.Value, snap.ObservedAt.Format(time.RFC3339)))
			continue
		case !prevAt.IsZero() && snap.ObservedAt.Equal(prevAt):
			if snap.Value.Equal(clean[len(clean)-1].Value) {
				continue // harmless duplicate
			}
			res.Anomalies = append(res.Anomalies,
				fmt.Sprintf("conflicting duplicate observation at %s excluded", snap.ObservedAt.Format(time.RFC3339)))
			continue
		}
		clean = append(clean, snap)
		prevAt = snap.ObservedAt
	}
	if len(clean) == 0 {
		return res
	}

	first := clean[0]
	if confirmedFirst(cycleStart, first.ObservedAt) {
		res.Deltas = append(res.Deltas, Delta{
			Start:        cycleStart,
			End:          first.ObservedAt,
			Value:        first.Value,
			FirstOfCycle: true,
		})
	} else {
		// Unknown prior baseline: emitting the raw reading would inflate the
		// first observed day with the whole cycle-to-date total.
		res.BaselineHeld = true
	}

	for i := 1; i < len(clean); i++ {
		prev, cur := clean[i-1], clean[i]
		diff := cur.Value.Sub(prev.Value)
		if diff.IsNegative() {
			// Counter reset: close the old cycle at prev's reading and open a
			// fresh baseline at cur's. The reset itself confirms cur as the
			// new cycle's first observation, so its own value is the delta.
			res.BoundaryEvents++
			res.Deltas = append(res.Deltas, Delta{
				Start:        prev.ObservedAt,
				End:          cur.ObservedAt,
				Value:        cur.Value,
				FirstOfCycle: true,
			})
			continue
		}
		res.Deltas = append(res.Deltas, Delta{
			Start: prev.ObservedAt,
			End:   cur.ObservedAt,
			Value: diff,
		})
	}
	return res
}

func confirmedFirst(cycleStart, observedAt time.Time) bool {
	if cycleStart.IsZero() {
		return false
	}
	return observedAt.Sub(cycleStart) <= firstObservationGrace && !observedAt.Before(cycleStart)
}
