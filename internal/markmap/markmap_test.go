package markmap

import (
	"sync"
	"testing"

	"github.com/tangzhangming/regiongc/internal/heap"
)

const testBase = heap.Address(0x100000)

func newTestMap() *MarkMap {
	return New(testBase, testBase.Add(8*BytesPerSlot))
}

func TestSetAndClearBit(t *testing.T) {
	m := newTestMap()
	a := testBase.Add(72)

	if m.IsBitSet(a) {
		t.Fatal("New map should have no bits set")
	}
	m.SetBit(a)
	if !m.IsBitSet(a) {
		t.Error("Expected bit to be set")
	}
	if m.IsBitSet(a.Add(8)) {
		t.Error("Neighbouring bit should not be set")
	}
	m.ClearBit(a)
	if m.IsBitSet(a) {
		t.Error("Expected bit to be cleared")
	}
}

func TestSlotIndexAndMask(t *testing.T) {
	m := newTestMap()

	i, mask := m.SlotIndexAndMask(testBase.Add(BytesPerSlot + 16))
	if i != 1 {
		t.Errorf("Expected slot 1, got %d", i)
	}
	if mask != 1<<2 {
		t.Errorf("Expected mask %#x, got %#x", uint64(1<<2), mask)
	}
	if m.SlotAddress(1) != testBase.Add(BytesPerSlot) {
		t.Errorf("Expected slot 1 address %#x, got %#x", uint64(testBase.Add(BytesPerSlot)), uint64(m.SlotAddress(1)))
	}
}

func TestAtomicSetBitSingleWinner(t *testing.T) {
	m := newTestMap()
	a := testBase.Add(128)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.AtomicSetBit(a) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected 1 winner, got %d", winners)
	}
}

func TestAtomicOrSlotConcurrent(t *testing.T) {
	m := newTestMap()

	var wg sync.WaitGroup
	for b := 0; b < 64; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			m.AtomicOrSlot(3, uint64(1)<<uint(b))
		}(b)
	}
	wg.Wait()

	if m.GetSlot(3) != ^uint64(0) {
		t.Errorf("Expected all bits set, got %#x", m.GetSlot(3))
	}
}

func TestIteratorRange(t *testing.T) {
	m := newTestMap()
	marked := []heap.Address{
		testBase.Add(8),
		testBase.Add(496),
		testBase.Add(BytesPerSlot + 24),
		testBase.Add(3*BytesPerSlot + 8),
	}
	for _, a := range marked {
		m.SetBit(a)
	}

	var got []heap.Address
	it := m.NewIterator(testBase.Add(16), testBase.Add(3*BytesPerSlot+8))
	for a := it.Next(); a != heap.Nil; a = it.Next() {
		got = append(got, a)
	}

	want := marked[1:3]
	if len(got) != len(want) {
		t.Fatalf("Expected %d marked addresses, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %#x at %d, got %#x", uint64(want[i]), i, uint64(got[i]))
		}
	}
}

func TestRangeOperations(t *testing.T) {
	m := newTestMap()

	m.SetRange(testBase.Add(BytesPerSlot), testBase.Add(BytesPerSlot+64))
	if n := m.CountRange(testBase, testBase.Add(8*BytesPerSlot)); n != 8 {
		t.Errorf("Expected 8 bits after SetRange, got %d", n)
	}

	m.SetBit(testBase)
	m.ClearRange(testBase.Add(BytesPerSlot), testBase.Add(2*BytesPerSlot))
	if n := m.CountRange(testBase, testBase.Add(8*BytesPerSlot)); n != 1 {
		t.Errorf("Expected 1 bit after ClearRange, got %d", n)
	}
	if !m.IsBitSet(testBase) {
		t.Error("ClearRange should not touch bits outside the range")
	}
}
