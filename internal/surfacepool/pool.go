package surfacepool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/crosav/v4l2codec2/codecerr"
	"github.com/crosav/v4l2codec2/internal/runner"
	"github.com/crosav/v4l2codec2/internal/surface"
)

const (
	minBackoff = 256 * time.Microsecond
	maxBackoff = 16 * time.Millisecond

	// dequeueTimeout bounds the producer-side dequeue wait so a consumer
	// that never releases a buffer surfaces as a retryable timeout on the
	// fetch worker instead of an indefinite block.
	dequeueTimeout = 16 * time.Millisecond
)

// trackedBuffer pairs a producer slot with its allocation and stable
// unique id. The mapping slot<->unique-id is bijective while the pool is
// stable.
type trackedBuffer struct {
	slot  SlotID
	alloc Allocation
}

// FetchCallback receives a fetched frame and its stable id, or an error.
type FetchCallback func(frame *surface.VideoFrame, uniqueID uint64, err error)

// SurfacePool delivers (VideoFrame, stable-id) pairs to the Decoder, backed
// by a ConsumerQueue, migrating tracked allocations across a producer swap
// and throttling once enough buffers are tracked.
type SurfacePool struct {
	log *slog.Logger

	worker *runner.Runner

	mu             sync.Mutex
	queue          ConsumerQueue
	bySlot         map[SlotID]*trackedBuffer
	byUniqueID     map[uint64]*trackedBuffer
	targetCount    int
	format         surface.BufferFormat
	reconfigure    bool
	migrating      bool
	migrationQueue []Allocation // saved allocations awaiting attach to the new producer

	fetchPending   bool
	releaseWaiters []func()
	backoff        time.Duration
	stallCount     int

	scheduleAfter func(d time.Duration, fn func())
}

// Stats reports pool telemetry. StallCount counts how many times
// SetMaxDequeuedCount returned something other than nil/ErrWouldBlock
// during a fetch pass. That condition has no defined recovery — the fetch
// retries indefinitely — so every occurrence increments this counter to
// make the stall observable instead of silent.
type Stats struct {
	StallCount int
}

func (p *SurfacePool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{StallCount: p.stallCount}
}

// New creates an empty SurfacePool. worker is the dedicated fetch-worker
// runner on which blocking dequeues and fence waits run.
func New(worker *runner.Runner, log *slog.Logger) *SurfacePool {
	if log == nil {
		log = slog.Default()
	}
	p := &SurfacePool{
		log:        log.With("component", "surfacepool"),
		worker:     worker,
		bySlot:     make(map[SlotID]*trackedBuffer),
		byUniqueID: make(map[uint64]*trackedBuffer),
		backoff:    minBackoff,
	}
	p.scheduleAfter = func(d time.Duration, fn func()) {
		time.AfterFunc(d, func() { p.worker.Post(fn) })
	}
	return p
}

// ConfigureProducer switches the underlying producer. A nil
// queue drops all tracked buffers. A non-nil queue that replaces an
// existing one detaches every tracked buffer from the old producer, saves
// their allocations, connects to the new producer, enables allocation,
// probes generation/usage with one dequeue+detach, and marks a migration
// pass so Fetch resumes attaching saved allocations to the new producer.
func (p *SurfacePool) ConfigureProducer(q ConsumerQueue) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.queue
	if q == nil {
		p.queue = nil
		p.bySlot = make(map[SlotID]*trackedBuffer)
		p.byUniqueID = make(map[uint64]*trackedBuffer)
		p.migrating = false
		p.migrationQueue = nil
		return nil
	}

	var saved []Allocation
	if old != nil {
		for _, tb := range p.bySlot {
			if err := old.DetachBuffer(tb.slot); err != nil {
				p.log.Warn("detach during producer swap failed", "slot", tb.slot, "err", err)
				continue
			}
			saved = append(saved, tb.alloc)
		}
	}

	if _, err := q.Connect(); err != nil {
		return err
	}
	if err := q.SetDequeueTimeout(dequeueTimeout); err != nil {
		return err
	}
	if err := q.AllowAllocation(true); err != nil {
		return err
	}

	// Probe generation & usage: dequeue and immediately detach one
	// temporary buffer.
	if id, _, fence, err := q.DequeueBuffer(); err == nil {
		if fence != nil {
			_ = fence.Wait()
		}
		_ = q.DetachBuffer(id)
	}

	p.queue = q
	p.bySlot = make(map[SlotID]*trackedBuffer)
	p.byUniqueID = make(map[uint64]*trackedBuffer)

	if len(saved) > 0 {
		p.migrating = true
		p.migrationQueue = saved
	} else {
		p.migrating = false
		p.migrationQueue = nil
	}
	return nil
}

// RequestBufferSet stores the target format and marks reconfiguration
// pending, then asks the producer to allow allocation.
func (p *SurfacePool) RequestBufferSet(count, width, height int, pixelFormat, usage uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.targetCount = count
	p.format = surface.BufferFormat{Width: width, Height: height, PixelFormat: pixelFormat, UsageFlags: usage}
	p.reconfigure = true

	if p.queue == nil {
		return codecerr.ErrNotInitialized
	}
	return p.queue.AllowAllocation(true)
}

// Fetch requests one (VideoFrame, unique-id) pair. At most one fetch may
// be outstanding at a time; a second call while one is pending returns
// codecerr.ErrWouldBlock synchronously.
func (p *SurfacePool) Fetch(cb FetchCallback) error {
	p.mu.Lock()
	if p.fetchPending {
		p.mu.Unlock()
		return codecerr.ErrWouldBlock
	}
	p.fetchPending = true
	p.mu.Unlock()

	p.worker.Post(func() { p.runFetchStep(cb) })
	return nil
}

// NotifyOnRelease registers a one-shot callback fired the next time the
// producer signals a buffer was released. The migration pass registers a
// no-op callback here on ErrNoFreeSlot; its retry runs on the fetch
// backoff, not on this callback.
func (p *SurfacePool) NotifyOnRelease(cb func()) {
	p.mu.Lock()
	p.releaseWaiters = append(p.releaseWaiters, cb)
	p.mu.Unlock()
}

// OnBufferReleased is invoked by the producer collaborator when a slot
// frees up; it fires all pending NotifyOnRelease callbacks exactly once.
func (p *SurfacePool) OnBufferReleased() {
	p.mu.Lock()
	waiters := p.releaseWaiters
	p.releaseWaiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w()
	}
}

// runFetchStep executes one pass of the fetch algorithm on
// the pool worker. On codecerr.ErrTimedOut it reschedules itself after an
// exponentially growing backoff (reset to minBackoff on any success),
// always as a fresh scheduled task, never a spin loop.
func (p *SurfacePool) runFetchStep(cb FetchCallback) {
	frame, id, err := p.fetchOnce()
	switch {
	case err == nil:
		p.mu.Lock()
		p.backoff = minBackoff
		p.mu.Unlock()
		cb(frame, id, nil)
		p.mu.Lock()
		p.fetchPending = false
		p.mu.Unlock()
	case err == codecerr.ErrTimedOut:
		p.mu.Lock()
		wait := p.backoff
		if p.backoff < maxBackoff {
			p.backoff *= 2
			if p.backoff > maxBackoff {
				p.backoff = maxBackoff
			}
		}
		p.mu.Unlock()
		p.scheduleAfter(wait, func() { p.runFetchStep(cb) })
	default:
		cb(nil, 0, err)
		p.mu.Lock()
		p.fetchPending = false
		p.mu.Unlock()
	}
}

// fetchOnce runs the fetch algorithm once — migration, reconfiguration,
// dequeue, tracking, throttle — returning codecerr.ErrTimedOut when the
// caller should retry after backoff.
func (p *SurfacePool) fetchOnce() (*surface.VideoFrame, uint64, error) {
	p.mu.Lock()
	q := p.queue
	migrating := p.migrating
	reconfigure := p.reconfigure
	target := p.targetCount
	format := p.format
	tracked := len(p.bySlot)
	p.mu.Unlock()

	if q == nil {
		return nil, 0, codecerr.ErrNotInitialized
	}

	// Step 1: migration pass, one buffer at a time.
	if migrating {
		p.mu.Lock()
		var next Allocation
		if len(p.migrationQueue) > 0 {
			next = p.migrationQueue[0]
		} else {
			p.migrating = false
			p.mu.Unlock()
			return p.fetchOnce()
		}
		p.mu.Unlock()

		slot, err := q.AttachBuffer(next)
		if err == ErrNoFreeSlot {
			p.NotifyOnRelease(func() {})
			return nil, 0, codecerr.ErrTimedOut
		}
		if err != nil {
			return nil, 0, err
		}

		p.mu.Lock()
		p.migrationQueue = p.migrationQueue[1:]
		tb := &trackedBuffer{slot: slot, alloc: next}
		p.bySlot[slot] = tb
		p.byUniqueID[next.UniqueID] = tb
		p.mu.Unlock()

		return p.frameFor(next, slot), next.UniqueID, nil
	}

	// Step 2: pending reconfiguration. A result other than nil/WouldBlock
	// has no defined recovery; retry indefinitely via the normal TimedOut
	// backoff path, with a telemetry counter so the stall is observable.
	if reconfigure {
		if err := q.SetMaxDequeuedCount(target); err != nil {
			if err != codecerr.ErrWouldBlock {
				p.mu.Lock()
				p.stallCount++
				p.mu.Unlock()
				p.log.Warn("set_max_dequeued_count returned unexpected error, retrying", "err", err)
			}
			return nil, 0, codecerr.ErrTimedOut
		}
		p.mu.Lock()
		p.reconfigure = false
		p.mu.Unlock()
	}

	// Step 3: dequeue one free slot.
	slot, isNew, fence, err := q.DequeueBuffer()
	if err != nil {
		return nil, 0, codecerr.ErrTimedOut
	}
	if fence != nil {
		if werr := fence.Wait(); werr != nil {
			_ = q.CancelBuffer(slot)
			return nil, 0, codecerr.ErrTimedOut
		}
	}

	// Step 4: too many tracked buffers already.
	if isNew && tracked >= target && target > 0 {
		_ = q.DetachBuffer(slot)
		return nil, 0, codecerr.ErrTimedOut
	}

	// Step 5: request allocation, wrap with stable unique id.
	var alloc Allocation
	p.mu.Lock()
	existing, already := p.bySlot[slot]
	p.mu.Unlock()
	if already {
		alloc = existing.alloc
	} else {
		alloc, err = q.Query(slot)
		if err != nil {
			return nil, 0, err
		}
		if alloc.UniqueID == 0 {
			alloc.UniqueID = q.GetUniqueID(alloc)
		}
		if alloc.Format == (surface.BufferFormat{}) {
			alloc.Format = format
		}
		p.mu.Lock()
		tb := &trackedBuffer{slot: slot, alloc: alloc}
		p.bySlot[slot] = tb
		p.byUniqueID[alloc.UniqueID] = tb
		p.mu.Unlock()
	}

	// Step 6: disable further allocation once target reached.
	p.mu.Lock()
	reachedTarget := target > 0 && len(p.bySlot) >= target
	p.mu.Unlock()
	if reachedTarget {
		_ = q.AllowAllocation(false)
	}

	return p.frameFor(alloc, slot), alloc.UniqueID, nil
}

func (p *SurfacePool) frameFor(a Allocation, slot SlotID) *surface.VideoFrame {
	return &surface.VideoFrame{
		Planes:   a.Planes,
		Format:   a.Format,
		UniqueID: a.UniqueID,
	}
}

// Release returns frame's slot to the producer unless shared is true: a
// frame that was handed across the IPC boundary is never cancelled.
func (p *SurfacePool) Release(uniqueID uint64, shared bool) {
	if shared {
		return
	}
	p.mu.Lock()
	q := p.queue
	tb, ok := p.byUniqueID[uniqueID]
	p.mu.Unlock()
	if !ok || q == nil {
		return
	}
	_ = q.CancelBuffer(tb.slot)
}

// TrackedCount returns how many distinct buffers the pool currently tracks,
// for tests and diagnostics.
func (p *SurfacePool) TrackedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bySlot)
}
