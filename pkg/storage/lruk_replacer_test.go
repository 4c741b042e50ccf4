package storage

import "testing"

func TestLRUKReplacer_InfiniteDistanceBeforeFinite(t *testing.T) {
	r := NewLRUKReplacer(2)

	// Frames 0-4 accessed twice each.
	for round := 0; round < 2; round++ {
		for f := FrameID(0); f <= 4; f++ {
			r.RecordAccess(f)
		}
	}
	// Frame 5 accessed once (infinite backward distance).
	r.RecordAccess(5)

	for f := FrameID(0); f <= 5; f++ {
		r.SetEvictable(f, true)
	}

	victim, ok := r.Evict()
	if !ok {
		t.Fatalf("Evict() returned ok=false")
	}
	if victim != 5 {
		t.Fatalf("Evict() = %d, want 5 (single-access frame evicted before K-accessed frames)", victim)
	}
}

func TestLRUKReplacer_LargestFiniteDistanceWins(t *testing.T) {
	r := NewLRUKReplacer(2)
	for round := 0; round < 2; round++ {
		for f := FrameID(0); f <= 4; f++ {
			r.RecordAccess(f)
			r.SetEvictable(f, true)
		}
	}
	// Frame 0 was accessed earliest in both rounds, so its backward-2
	// distance (measured from the current clock) is the largest.
	victim, ok := r.Evict()
	if !ok {
		t.Fatalf("Evict() returned ok=false")
	}
	if victim != 0 {
		t.Fatalf("Evict() = %d, want 0 (earliest-accessed frame has the largest backward distance)", victim)
	}
}

func TestLRUKReplacer_NonEvictableSkipped(t *testing.T) {
	r := NewLRUKReplacer(2)
	r.RecordAccess(0)
	r.RecordAccess(1)
	r.SetEvictable(0, false)
	r.SetEvictable(1, true)

	victim, ok := r.Evict()
	if !ok || victim != 1 {
		t.Fatalf("Evict() = %d,%v want 1,true", victim, ok)
	}
}

func TestLRUKReplacer_EvictEmptyFails(t *testing.T) {
	r := NewLRUKReplacer(2)
	if _, ok := r.Evict(); ok {
		t.Fatalf("Evict() on empty replacer should fail")
	}
}

func TestLRUKReplacer_RemoveDropsHistory(t *testing.T) {
	r := NewLRUKReplacer(2)
	r.RecordAccess(0)
	r.SetEvictable(0, true)
	r.Remove(0)
	if _, ok := r.Evict(); ok {
		t.Fatalf("Evict() should find nothing after Remove")
	}
}

func TestLRUKReplacer_Size(t *testing.T) {
	r := NewLRUKReplacer(2)
	r.RecordAccess(0)
	r.RecordAccess(1)
	r.SetEvictable(0, true)
	if got := r.Size(); got != 1 {
		t.Fatalf("Size() = %d, want 1", got)
	}
	r.SetEvictable(1, true)
	if got := r.Size(); got != 2 {
		t.Fatalf("Size() = %d, want 2", got)
	}
}
