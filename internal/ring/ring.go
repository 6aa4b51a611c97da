// Package ring implements BitstreamRing, the bounded tracker of which DMA
// payload last used each decoder input slot: a small struct over a
// fixed-size slice, no channels.
package ring

// NoSlot is returned when no input slot is available.
const NoSlot = -1

// slot records the last DMA unique id that used an input buffer, and
// whether the slot has ever been used; the recorded id is only meaningful
// once used is set.
type slot struct {
	lastDMAID uint64
	used      bool
	free      bool
}

// BitstreamRing tracks, for every input-queue slot, the last DMA id that
// used the slot, so the Decoder's Pump can prefer reusing a slot the
// kernel already has a mapping for.
type BitstreamRing struct {
	slots []slot
}

// New creates a BitstreamRing with numSlots entries, all initially free
// and never used.
func New(numSlots int) *BitstreamRing {
	slots := make([]slot, numSlots)
	for i := range slots {
		slots[i].free = true
	}
	return &BitstreamRing{slots: slots}
}

// Len returns the number of tracked slots.
func (r *BitstreamRing) Len() int {
	return len(r.slots)
}

// LastDMAID returns the last DMA id recorded for idx and whether the slot
// has ever been used.
func (r *BitstreamRing) LastDMAID(idx int) (id uint64, used bool) {
	s := r.slots[idx]
	return s.lastDMAID, s.used
}

// FindBySameID returns the index of a free slot whose last-seen DMA id
// equals want, or NoSlot if none.
func (r *BitstreamRing) FindBySameID(want uint64) int {
	for i, s := range r.slots {
		if s.free && s.used && s.lastDMAID == want {
			return i
		}
	}
	return NoSlot
}

// FindFree returns the index of a free, never-used slot, or NoSlot if none.
func (r *BitstreamRing) FindFree() int {
	for i, s := range r.slots {
		if s.free && !s.used {
			return i
		}
	}
	return NoSlot
}

// StealAny returns the index of any free slot regardless of history, or
// NoSlot if every slot is currently queued to the kernel. This is the
// last resort in the selection order (reuse same id -> unused slot ->
// steal any free slot).
func (r *BitstreamRing) StealAny() int {
	for i, s := range r.slots {
		if s.free {
			return i
		}
	}
	return NoSlot
}

// Select picks an input slot for an incoming DMA id: prefer a slot that
// already has that id mapped, else an unused slot, else steal any free
// slot. Returns NoSlot if no slot is free.
func (r *BitstreamRing) Select(dmaID uint64) int {
	if idx := r.FindBySameID(dmaID); idx != NoSlot {
		return idx
	}
	if idx := r.FindFree(); idx != NoSlot {
		return idx
	}
	return r.StealAny()
}

// Assign marks idx as queued to the kernel and records dmaID as its last
// payload identity.
func (r *BitstreamRing) Assign(idx int, dmaID uint64) {
	r.slots[idx].lastDMAID = dmaID
	r.slots[idx].used = true
	r.slots[idx].free = false
}

// Release marks idx as free again after the kernel dequeues it. Its
// recorded DMA id is left in place so a future Select can reuse the slot
// for the same payload.
func (r *BitstreamRing) Release(idx int) {
	r.slots[idx].free = true
}
