package cardtable

import (
	"testing"

	"github.com/tangzhangming/regiongc/internal/heap"
)

const testBase = heap.Address(0x100000)

func newTestTable() *Table {
	return New(testBase, testBase.Add(16*heap.CardSize))
}

// ============================================================================
// 卡表
// ============================================================================

func TestCardIndexing(t *testing.T) {
	ct := newTestTable()

	if ct.Len() != 16 {
		t.Fatalf("Expected 16 cards, got %d", ct.Len())
	}
	a := testBase.Add(3*heap.CardSize + 40)
	if ct.Index(a) != 3 {
		t.Errorf("Expected card 3, got %d", ct.Index(a))
	}
	if ct.CardAddress(3) != testBase.Add(3*heap.CardSize) {
		t.Errorf("Expected card address %#x, got %#x", uint64(testBase.Add(3*heap.CardSize)), uint64(ct.CardAddress(3)))
	}
}

func TestDirtyCard(t *testing.T) {
	ct := newTestTable()
	a := testBase.Add(heap.CardSize + 8)

	ct.DirtyCard(a)
	if ct.Get(a) != Dirty {
		t.Errorf("Expected dirty, got %s", ct.Get(a))
	}
	if ct.GetIndex(0) != Clean {
		t.Errorf("Expected neighbouring card clean, got %s", ct.GetIndex(0))
	}
}

func TestDirtyCardWithValueKeepsDirty(t *testing.T) {
	ct := newTestTable()
	a := testBase.Add(2 * heap.CardSize)

	ct.DirtyCardWithValue(a, GMPMustScan)
	if ct.Get(a) != GMPMustScan {
		t.Errorf("Expected gmp-must-scan, got %s", ct.Get(a))
	}

	ct.DirtyCard(a)
	ct.DirtyCardWithValue(a, GMPMustScan)
	if ct.Get(a) != Dirty {
		t.Errorf("Expected dirty card to stay dirty, got %s", ct.Get(a))
	}
}

func TestCardCAS(t *testing.T) {
	ct := newTestTable()
	ct.SetIndex(4, Remembered)

	if ct.CAS(4, Dirty, Clean) {
		t.Error("CAS with wrong old state should fail")
	}
	if !ct.CAS(4, Remembered, RememberedAndGMPScan) {
		t.Error("CAS with matching old state should succeed")
	}
	if ct.GetIndex(4) != RememberedAndGMPScan {
		t.Errorf("Expected remembered-and-gmp-scan, got %s", ct.GetIndex(4))
	}
}

func TestSetRangeAndCount(t *testing.T) {
	ct := newTestTable()
	low := testBase.Add(4 * heap.CardSize)
	high := testBase.Add(8*heap.CardSize + 1)

	ct.SetRange(low, high, PGCMustScan)
	if n := ct.Count(testBase, testBase.Add(16*heap.CardSize), PGCMustScan); n != 5 {
		t.Errorf("Expected 5 cards, got %d", n)
	}

	visited := 0
	ct.ForEachCard(low, low.Add(2*heap.CardSize), func(i int, s State) {
		visited++
		if s != PGCMustScan {
			t.Errorf("Expected card %d to be pgc-must-scan, got %s", i, s)
		}
	})
	if visited != 2 {
		t.Errorf("Expected 2 cards visited, got %d", visited)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Clean:                "clean",
		Dirty:                "dirty",
		RememberedAndGMPScan: "remembered-and-gmp-scan",
		State(99):            "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("Expected %q, got %q", want, s.String())
		}
	}
}

// ============================================================================
// 幸存者表
// ============================================================================

func TestSurvivorTable(t *testing.T) {
	st := NewSurvivorTable(testBase, testBase.Add(128*heap.CardSize))

	st.SetRange(testBase.Add(70*heap.CardSize+100), testBase.Add(72*heap.CardSize))
	for i := 0; i < 128; i++ {
		a := testBase.Add(uint64(i) * heap.CardSize)
		want := i == 70 || i == 71
		if st.IsSurvivor(a) != want {
			t.Errorf("Card %d: expected survivor=%v", i, want)
		}
	}

	st.ClearRange(testBase.Add(71*heap.CardSize), testBase.Add(72*heap.CardSize))
	if st.IsSurvivor(testBase.Add(71 * heap.CardSize)) {
		t.Error("Card 71 should be cleared")
	}
	if !st.IsSurvivor(testBase.Add(70 * heap.CardSize)) {
		t.Error("Card 70 should still be a survivor")
	}

	st.Clear()
	if st.IsSurvivor(testBase.Add(70 * heap.CardSize)) {
		t.Error("Clear should reset every card")
	}
}
