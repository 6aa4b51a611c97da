package decoder

import (
	"fmt"

	"github.com/crosav/v4l2codec2/internal/surface"
	"github.com/crosav/v4l2codec2/internal/wire"
)

const flagLast = 1 << 0 // mirrors V4L2_BUF_FLAG_LAST

// Service is the polling callback: it processes input
// dequeues, then output dequeues, then a pending resolution-change event,
// in that priority order, then reschedules work that became possible.
// Must run on the Decoder's runner.
func (d *Decoder) Service() {
	if d.state == StateError {
		return
	}

	inputFreed := d.serviceInputDequeues()
	outputFreed := d.serviceOutputDequeues()
	d.serviceResolutionChange()

	if inputFreed {
		d.Pump()
	}
	if outputFreed {
		d.fetchOutput()
	}
}

// serviceInputDequeues drains every completed input buffer, looking up its
// pending callback by the bitstream-id stashed in the timestamp's seconds
// field.
func (d *Decoder) serviceInputDequeues() (freed bool) {
	for {
		idx, tsUs, err := d.dev.DequeueInput()
		if err != nil {
			return freed
		}
		freed = true
		d.ring.Release(idx)

		bitstreamID := tsUs / 1_000_000
		cb, ok := d.pendingByBitstreamID[bitstreamID]
		if ok {
			delete(d.pendingByBitstreamID, bitstreamID)
			cb(nil)
		} else {
			d.log.Warn("input dequeue with no pending callback", "bitstream_id", bitstreamID)
		}
	}
}

// serviceOutputDequeues drains every completed output buffer.
func (d *Decoder) serviceOutputDequeues() (freed bool) {
	for {
		out, err := d.dev.DequeueOutput()
		if err != nil {
			return freed
		}
		freed = true

		frame, ok := d.frameByKernelIndex[out.Index]
		if !ok {
			d.handleError(fmt.Errorf("decoder: output index %d with no tracked frame", out.Index))
			return freed
		}

		if out.BytesUsed > 0 {
			delete(d.frameByKernelIndex, out.Index)
			frame.BitstreamID = out.TimestampUs / 1_000_000
			coded := surface.Rect{Right: d.codedWidth, Bottom: d.codedHeight}
			left, top, right, bottom, verr := d.dev.VisibleRect()
			if verr == nil {
				frame.VisibleRect = surface.Rect{Left: left, Top: top, Right: right, Bottom: bottom}
			}
			frame.VisibleRect = frame.ResolvedVisibleRect(coded)
			if d.onFrame != nil {
				d.onFrame(frame, frame.BitstreamID)
			}
		} else {
			// Recycle buffer workaround: an empty payload on this driver
			// can otherwise silently drop the EOS notification, so
			// requeue immediately instead of delivering it.
			planeFDs := make([]int, len(frame.Planes))
			for i, p := range frame.Planes {
				planeFDs[i] = p.FD
			}
			if err := d.dev.QueueOutputDMABuf(out.Index, planeFDs); err != nil {
				d.handleError(fmt.Errorf("decoder: requeue recycled output buffer: %w", err))
				return freed
			}
		}

		if out.Flags&flagLast != 0 && d.state == StateDraining {
			if err := d.dev.SendStartCommand(); err != nil {
				d.handleError(fmt.Errorf("decoder: send start after drain: %w", err))
				return freed
			}
			cb := d.drainCB
			d.drainCB = nil
			d.state = StateIdle
			if cb != nil {
				cb(nil)
			}
		}
	}
}

// serviceResolutionChange dequeues a pending source-change event, if any,
// and runs the resolution-change procedure.
func (d *Decoder) serviceResolutionChange() {
	ev, err := d.dev.DequeueEvent()
	if err != nil {
		return
	}
	if ev.Type != wire.EventSourceChange {
		return
	}
	d.runResolutionChange()
}

// fetchOutput asks the SurfacePool for a fresh free buffer and queues it to
// the kernel's capture queue once available.
func (d *Decoder) fetchOutput() {
	if d.pool == nil || !d.outputStreaming {
		return
	}
	_ = d.pool.Fetch(func(frame *surface.VideoFrame, uniqueID uint64, err error) {
		if err != nil {
			return
		}
		d.run.Post(func() {
			planeFDs := make([]int, len(frame.Planes))
			for i, p := range frame.Planes {
				planeFDs[i] = p.FD
			}
			idx := d.nextKernelIndex
			if d.numOutputBuffers > 0 {
				d.nextKernelIndex = (d.nextKernelIndex + 1) % d.numOutputBuffers
			}
			frame.KernelIndex = idx
			d.frameByKernelIndex[idx] = frame
			if err := d.dev.QueueOutputDMABuf(idx, planeFDs); err != nil {
				d.handleError(fmt.Errorf("decoder: queue fetched output buffer: %w", err))
			}
		})
	})
}
