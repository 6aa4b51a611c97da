// Package surfacepool implements SurfacePool: delivery of (VideoFrame,
// stable-id) pairs to the Decoder, backed by a consumer-side buffer
// queue, with producer-swap migration and allocation throttling. Blocking
// dequeues and fence waits run on a dedicated internal/runner.Runner so
// the Decoder's own runner is never stalled by the producer.
package surfacepool

import (
	"errors"
	"time"

	"github.com/crosav/v4l2codec2/internal/surface"
)

// SlotID identifies a buffer slot on the consumer-side queue the
// SurfacePool fetches from. The queue itself is an external IPC
// collaborator: only this interface boundary and an in-memory test fake
// live here, never a real Binder/IPC transport.
type SlotID int

// Fence is an opaque acquire fence a ConsumerQueue may return alongside a
// dequeued slot; the caller waits on it (bounded) before the buffer's
// contents are safe to read or write.
type Fence interface {
	// Wait blocks until the fence signals or the bound elapses, returning
	// codecerr.ErrTimedOut on expiry.
	Wait() error
}

// Allocation is a single consumer-side buffer's identity, handed to the
// pool when a slot is dequeued for the first time.
type Allocation struct {
	UniqueID uint64
	Planes   []surface.Plane
	Format   surface.BufferFormat
}

// ConsumerQueue is the producer collaborator SurfacePool drives: the real
// implementation would be a Binder/IPC-backed buffer queue client; here it
// is an interface boundary plus (in fake_consumer_test.go) an in-memory
// fake.
type ConsumerQueue interface {
	// Connect attaches the pool as a consumer, returning a handle used to
	// distinguish producer generations across a swap.
	Connect() (generation uint64, err error)

	// SetMaxDequeuedCount requests the queue allow up to n buffers to be
	// dequeued concurrently. Returns codecerr.ErrWouldBlock if the queue
	// cannot honor it yet.
	SetMaxDequeuedCount(n int) error

	// AllowAllocation enables or disables the producer allocating new
	// buffers. The pool disables allocation once it tracks its target
	// count.
	AllowAllocation(allow bool) error

	// DequeueBuffer blocks (up to the queue's own internal timeout) for a
	// free slot, returning its id, whether this is the slot's first ever
	// dequeue (isNew), an optional fence, and error. Returns
	// codecerr.ErrTimedOut if none became free in time.
	DequeueBuffer() (id SlotID, isNew bool, fence Fence, err error)

	// Query returns the Allocation backing id. Only valid immediately
	// after DequeueBuffer reports isNew for that id.
	Query(id SlotID) (Allocation, error)

	// RequestBuffer re-fetches the producer's allocation metadata for id,
	// for slots the producer flags as needing a refresh after its own
	// reallocation. Part of the producer wire contract; the fetch path
	// itself only ever needs Query.
	RequestBuffer(id SlotID) (Allocation, error)

	// SetDequeueTimeout bounds how long DequeueBuffer may block before
	// reporting codecerr.ErrTimedOut.
	SetDequeueTimeout(d time.Duration) error

	// CancelBuffer returns a dequeued slot to the producer without
	// attaching or using it (fence-timeout path, and frames dropped
	// without being shared).
	CancelBuffer(id SlotID) error

	// DetachBuffer removes id from this consumer's tracking without
	// returning it to the free list — used during producer swap
	// migration and when a dequeue would exceed the target count.
	DetachBuffer(id SlotID) error

	// AttachBuffer re-registers a previously detached Allocation with the
	// (new) producer, returning the new SlotID it was assigned.
	AttachBuffer(a Allocation) (SlotID, error)

	// GetUniqueID returns a's stable identity, derived without allocating
	// or blocking.
	GetUniqueID(a Allocation) uint64
}

// ErrNoFreeSlot is returned by AttachBuffer during a migration pass when
// the new producer has no free slot to attach the buffer to; the pool
// reports that fetch step as codecerr.ErrTimedOut and retries the attach
// on its backoff schedule. It does not wait for a buffer-release
// notification.
var ErrNoFreeSlot = errors.New("surfacepool: no free slot")
