package server

import (
	"fmt"
	"testing"
	"time"
)

func eventWithRows(total int, identities ...string) ChangeEvent {
	rows := make([]RowSummary, len(identities))
	for i, id := range identities {
		rows[i] = RowSummary{Identity: id, Position: i % 2}
	}
	return ChangeEvent{
		AddedCount: len(identities),
		TotalCount: total,
		NewRows:    rows,
		Timestamp:  time.Now().UTC(),
	}
}

func TestReconcilerLogKeepsSingleNewest(t *testing.T) {
	r := NewReconciler(ReconcilerPolicy{})

	r.Apply(eventWithRows(10, "a"))
	r.Apply(eventWithRows(11, "b"))
	r.Apply(eventWithRows(13, "c", "d"))

	entries := r.Log()
	if len(entries) != 3 {
		t.Fatalf("log length = %d, want 3", len(entries))
	}
	newest := 0
	for _, entry := range entries {
		if entry.IsNewest {
			newest++
		}
	}
	if newest != 1 {
		t.Fatalf("newest markers = %d, want 1", newest)
	}
	if !entries[len(entries)-1].IsNewest {
		t.Fatal("last entry is not marked newest")
	}
	if entries[0].Event.TotalCount != 10 {
		t.Fatalf("oldest entry total = %d, want 10", entries[0].Event.TotalCount)
	}
}

func TestReconcilerLogEvictsBeyondCapacity(t *testing.T) {
	r := NewReconciler(ReconcilerPolicy{})

	for i := 0; i < EventLogCapacity+6; i++ {
		r.Apply(eventWithRows(i+1, fmt.Sprintf("row-%d", i)))
	}

	entries := r.Log()
	if len(entries) != EventLogCapacity {
		t.Fatalf("log length = %d, want %d", len(entries), EventLogCapacity)
	}
	// The six oldest entries are gone; retention starts at the seventh.
	if entries[0].Event.TotalCount != 7 {
		t.Fatalf("oldest retained total = %d, want 7", entries[0].Event.TotalCount)
	}
	if !entries[len(entries)-1].IsNewest {
		t.Fatal("last retained entry is not marked newest")
	}
}

func TestReconcilerPendingRefreshFollowsFreezeGate(t *testing.T) {
	r := NewReconciler(ReconcilerPolicy{})

	r.Apply(eventWithRows(5, "a"))
	if !r.PendingRefresh() {
		t.Fatal("unfrozen arrival should mark refresh pending")
	}

	r.AckRefresh()
	if r.PendingRefresh() {
		t.Fatal("ack should clear pending refresh")
	}

	r.SetFrozen(true)
	r.Apply(eventWithRows(6, "b"))
	if r.PendingRefresh() {
		t.Fatal("frozen arrival should not mark refresh pending")
	}
	entries := r.Log()
	if len(entries) != 2 {
		t.Fatalf("frozen arrival must still enter the log, length = %d", len(entries))
	}

	r.SetFrozen(false)
	r.Apply(eventWithRows(7, "c"))
	if !r.PendingRefresh() {
		t.Fatal("arrival after unfreeze should mark refresh pending")
	}
}

func TestReconcilerMarkPendingWhileFrozenPolicy(t *testing.T) {
	r := NewReconciler(ReconcilerPolicy{MarkPendingWhileFrozen: true})

	r.SetFrozen(true)
	r.Apply(eventWithRows(3, "a"))
	if !r.PendingRefresh() {
		t.Fatal("policy should mark refresh pending while frozen")
	}
}

func TestReconcilerNewRowIDsTrackLatestBatchOnly(t *testing.T) {
	r := NewReconciler(ReconcilerPolicy{})

	r.Apply(eventWithRows(4, "a", "b"))
	r.Apply(eventWithRows(6, "c"))

	if r.IsNew("a") || r.IsNew("b") {
		t.Fatal("previous batch identities should no longer be new")
	}
	if !r.IsNew("c") {
		t.Fatal("latest batch identity should be new")
	}
	if ids := r.NewRowIDs(); len(ids) != 1 || ids[0] != "c" {
		t.Fatalf("NewRowIDs = %v, want [c]", ids)
	}
}

func TestReconcilerFreezeDoesNotAffectNewRowIDs(t *testing.T) {
	r := NewReconciler(ReconcilerPolicy{})

	r.SetFrozen(true)
	r.Apply(eventWithRows(2, "a"))

	if !r.IsNew("a") {
		t.Fatal("frozen arrival should still replace the latest batch set")
	}
}
