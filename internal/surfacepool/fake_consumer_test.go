package surfacepool

import (
	"errors"
	"sync"
	"time"

	"github.com/crosav/v4l2codec2/codecerr"
)

var errNotFound = errors.New("surfacepool: no such slot")
var errTimedOut = codecerr.ErrTimedOut

// fakeConsumerQueue is an in-memory ConsumerQueue, standing in for the
// IPC-backed producer: enough behavior to exercise SurfacePool's state
// machine, not a faithful transport.
type fakeConsumerQueue struct {
	mu           sync.Mutex
	generation   uint64
	maxDequeued  int
	allocAllowed bool
	nextSlot     SlotID
	nextUniqueID uint64
	free         []SlotID
	allocs       map[SlotID]Allocation
	dequeueErr   error
	setMaxErr    error
	dequeueWait  time.Duration
}

func newFakeConsumerQueue() *fakeConsumerQueue {
	return &fakeConsumerQueue{
		generation: 1,
		allocs:     make(map[SlotID]Allocation),
	}
}

func (f *fakeConsumerQueue) Connect() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generation++
	return f.generation, nil
}

func (f *fakeConsumerQueue) SetMaxDequeuedCount(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setMaxErr != nil {
		return f.setMaxErr
	}
	f.maxDequeued = n
	return nil
}

func (f *fakeConsumerQueue) AllowAllocation(allow bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocAllowed = allow
	return nil
}

func (f *fakeConsumerQueue) DequeueBuffer() (SlotID, bool, Fence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.free) > 0 {
		id := f.free[0]
		f.free = f.free[1:]
		return id, false, nil, nil
	}
	if f.allocAllowed {
		f.nextSlot++
		id := f.nextSlot
		f.nextUniqueID++
		f.allocs[id] = Allocation{UniqueID: f.nextUniqueID}
		return id, true, nil, nil
	}
	if f.dequeueErr != nil {
		return 0, false, nil, f.dequeueErr
	}
	return 0, false, nil, errTimedOut
}

func (f *fakeConsumerQueue) Query(id SlotID) (Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.allocs[id]
	if !ok {
		return Allocation{}, errNotFound
	}
	return a, nil
}

func (f *fakeConsumerQueue) RequestBuffer(id SlotID) (Allocation, error) {
	return f.Query(id)
}

func (f *fakeConsumerQueue) SetDequeueTimeout(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dequeueWait = d
	return nil
}

func (f *fakeConsumerQueue) CancelBuffer(id SlotID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.free = append(f.free, id)
	return nil
}

func (f *fakeConsumerQueue) DetachBuffer(id SlotID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.allocs, id)
	return nil
}

func (f *fakeConsumerQueue) AttachBuffer(a Allocation) (SlotID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.allocAllowed && len(f.free) == 0 {
		return 0, ErrNoFreeSlot
	}
	f.nextSlot++
	id := f.nextSlot
	f.allocs[id] = a
	return id, nil
}

func (f *fakeConsumerQueue) GetUniqueID(a Allocation) uint64 {
	if a.UniqueID != 0 {
		return a.UniqueID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextUniqueID++
	return f.nextUniqueID
}
