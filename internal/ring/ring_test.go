package ring

import "testing"

func TestSelectPrefersSameDMAID(t *testing.T) {
	t.Parallel()

	r := New(4)
	r.Assign(0, 100)
	r.Release(0)
	r.Assign(1, 200)
	r.Release(1)

	idx := r.Select(200)
	if idx != 1 {
		t.Errorf("Select(200) = %d, want 1 (slot with matching last DMA id)", idx)
	}
}

func TestSelectFallsBackToUnusedSlot(t *testing.T) {
	t.Parallel()

	r := New(2)
	r.Assign(0, 100)
	r.Release(0)

	idx := r.Select(999)
	if idx != 1 {
		t.Errorf("Select(999) = %d, want 1 (never-used slot)", idx)
	}
}

func TestSelectStealsWhenAllUsed(t *testing.T) {
	t.Parallel()

	r := New(2)
	r.Assign(0, 1)
	r.Release(0)
	r.Assign(1, 2)
	r.Release(1)

	idx := r.Select(3)
	if idx != 0 && idx != 1 {
		t.Errorf("Select(3) = %d, want a stolen slot in {0,1}", idx)
	}
}

func TestSelectReturnsNoSlotWhenAllQueued(t *testing.T) {
	t.Parallel()

	r := New(2)
	r.Assign(0, 1)
	r.Assign(1, 2)

	if idx := r.Select(3); idx != NoSlot {
		t.Errorf("Select(3) = %d, want NoSlot", idx)
	}
}

func TestLastDMAIDInvariant(t *testing.T) {
	t.Parallel()

	r := New(1)
	if _, used := r.LastDMAID(0); used {
		t.Error("fresh slot should report used=false")
	}
	r.Assign(0, 42)
	id, used := r.LastDMAID(0)
	if !used || id != 42 {
		t.Errorf("LastDMAID(0) = (%d, %v), want (42, true)", id, used)
	}
}
