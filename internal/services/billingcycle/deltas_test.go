package billingcycle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var cycleStart = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

func snap(day int, value int64) Snapshot {
	return Snapshot{
		ObservedAt: cycleStart.AddDate(0, 0, day),
		Value:      decimal.NewFromInt(value),
	}
}

func TestToDeltasRolloverSequence(t *testing.T) {
	// Cumulative readings 100, 140, 30, 80 with the first one arriving too
	// late to confirm: hold the baseline, then 40, then a reset re-baselined
	// at 30, then 50.
	snapshots := []Snapshot{
		snap(3, 100), // beyond the 36h grace window
		snap(4, 140),
		snap(5, 30),
		snap(6, 80),
	}
	res := ToDeltas(cycleStart, snapshots)

	if !res.BaselineHeld {
		t.Fatal("late first snapshot must hold the baseline")
	}
	if res.BoundaryEvents != 1 {
		t.Fatalf("want 1 boundary event, got %d", res.BoundaryEvents)
	}
	want := []int64{40, 30, 50}
	if len(res.Deltas) != len(want) {
		t.Fatalf("want %d deltas, got %+v", len(want), res.Deltas)
	}
	for i, w := range want {
		if !res.Deltas[i].Value.Equal(decimal.NewFromInt(w)) {
			t.Fatalf("delta %d: want %d, got %s", i, w, res.Deltas[i].Value)
		}
	}
	if !res.Deltas[1].FirstOfCycle {
		t.Fatal("the post-rollover delta opens a new cycle")
	}
	if res.Deltas[0].FirstOfCycle || res.Deltas[2].FirstOfCycle {
		t.Fatal("ordinary diffs must not be marked first-of-cycle")
	}
}

func TestToDeltasConfirmedFirstObservation(t *testing.T) {
	snapshots := []Snapshot{snap(1, 25), snap(2, 60)}
	res := ToDeltas(cycleStart, snapshots)

	if res.BaselineHeld {
		t.Fatal("an observation within the grace window is a confirmed first")
	}
	if len(res.Deltas) != 2 {
		t.Fatalf("want 2 deltas, got %+v", res.Deltas)
	}
	first := res.Deltas[0]
	if !first.FirstOfCycle || !first.Value.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("confirmed first delta should carry the raw reading, got %+v", first)
	}
	if !first.Start.Equal(cycleStart) {
		t.Fatalf("first delta starts at cycle start, got %s", first.Start)
	}
	if !res.Deltas[1].Value.Equal(decimal.NewFromInt(35)) {
		t.Fatalf("want 35, got %s", res.Deltas[1].Value)
	}
}

func TestToDeltasNeverNegative(t *testing.T) {
	snapshots := []Snapshot{snap(1, 10), snap(2, 300), snap(3, 5), snap(4, 5)}
	res := ToDeltas(cycleStart, snapshots)
	for _, d := range res.Deltas {
		if d.Value.IsNegative() {
			t.Fatalf("delta %+v is negative", d)
		}
	}
	if res.BoundaryEvents != 1 {
		t.Fatalf("want 1 boundary event, got %d", res.BoundaryEvents)
	}
}

func TestToDeltasExcludesBadSnapshots(t *testing.T) {
	conflicting := snap(2, 999)
	snapshots := []Snapshot{
		snap(1, 10),
		{ObservedAt: cycleStart.AddDate(0, 0, 1), Value: decimal.NewFromInt(-4)},
		snap(2, 30),
		conflicting,
		snap(2, 30), // harmless exact duplicate
	}
	res := ToDeltas(cycleStart, snapshots)
	if len(res.Anomalies) != 2 {
		t.Fatalf("want 2 anomalies (negative + conflicting duplicate), got %v", res.Anomalies)
	}
	if len(res.Deltas) != 2 {
		t.Fatalf("want 2 deltas, got %+v", res.Deltas)
	}
	if !res.Deltas[1].Value.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("want 20, got %s", res.Deltas[1].Value)
	}
}

func TestToDeltasEmptyAndZeroCycle(t *testing.T) {
	if res := ToDeltas(cycleStart, nil); len(res.Deltas) != 0 || res.BaselineHeld {
		t.Fatalf("empty input should produce an empty result, got %+v", res)
	}
	res := ToDeltas(time.Time{}, []Snapshot{snap(1, 10)})
	if !res.BaselineHeld {
		t.Fatal("an unknown cycle start can never confirm a first observation")
	}
}
