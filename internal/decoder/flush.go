package decoder

import (
	"fmt"

	"github.com/crosav/v4l2codec2/codecerr"
	"github.com/crosav/v4l2codec2/internal/ring"
	"github.com/crosav/v4l2codec2/internal/surface"
	"github.com/crosav/v4l2codec2/internal/wire"
)

// Flush aborts every in-flight request, restarts both queues, and returns
// the Decoder to Idle. Must run on the Decoder's runner.
func (d *Decoder) Flush() error {
	// 1. Abort every pending decode callback with Aborted; abort the
	// drain callback if any.
	for id, cb := range d.pendingByBitstreamID {
		cb(codecerr.ErrAborted)
		delete(d.pendingByBitstreamID, id)
	}
	for _, r := range d.requests {
		if r.drain {
			r.drainCB(codecerr.ErrAborted)
		} else {
			r.cb(codecerr.ErrAborted)
		}
	}
	d.requests = nil
	if d.drainCB != nil {
		d.drainCB(codecerr.ErrAborted)
		d.drainCB = nil
	}

	// 2. Stop polling; stream OFF both queues.
	if d.pollStop != nil {
		close(d.pollStop)
		d.pollStop = nil
	}
	if err := d.dev.StreamOff(wire.BufTypeOutputMPlane); err != nil {
		return d.fail(fmt.Errorf("decoder: flush stream off input: %w", err))
	}
	wasOutputStreaming := d.outputStreaming
	if wasOutputStreaming {
		if err := d.dev.StreamOff(wire.BufTypeCaptureMPlane); err != nil {
			return d.fail(fmt.Errorf("decoder: flush stream off output: %w", err))
		}
		d.outputStreaming = false
	}

	// 3. Move every frame currently queued to the device into a reuse
	// queue, preserving the block<->v4l2 index mapping across flush
	// instead of releasing the buffers back to the pool. STREAMOFF above
	// returns these slots to "dequeued" ownership but doesn't release
	// them (REQBUFS isn't re-run), so the same kernel index can be handed
	// the same DMA graphic block again once streaming resumes.
	d.reuseQueue = d.reuseQueue[:0]
	for idx, frame := range d.frameByKernelIndex {
		d.reuseQueue = append(d.reuseQueue, reuseEntry{kernelIndex: idx, frame: frame})
	}
	d.frameByKernelIndex = make(map[int]*surface.VideoFrame)
	d.ring = ring.New(kNumInputBuffers)

	// 4. Stream ON the input queue; stream ON output if it was streaming;
	// restart polling; re-queue the buffers saved in step 3, then trigger
	// a fetch for whatever capacity remains.
	if err := d.dev.StreamOn(wire.BufTypeOutputMPlane); err != nil {
		return d.fail(fmt.Errorf("decoder: flush stream on input: %w", err))
	}
	if wasOutputStreaming {
		if err := d.dev.StreamOn(wire.BufTypeCaptureMPlane); err != nil {
			return d.fail(fmt.Errorf("decoder: flush stream on output: %w", err))
		}
		d.outputStreaming = true
	}
	d.pollStop = make(chan struct{})
	go d.pollLoop()
	if err := d.requeueReusedOutputs(); err != nil {
		return d.fail(err)
	}
	d.fetchOutput()

	// 5. Return to Idle.
	d.state = StateIdle
	return nil
}

// requeueReusedOutputs re-queues every capture-queue slot Flush preserved in
// d.reuseQueue back onto the kernel's CAPTURE queue at its original index,
// restoring d.frameByKernelIndex so serviceOutputDequeues can still resolve
// a later dequeue of that slot back to its frame.
func (d *Decoder) requeueReusedOutputs() error {
	for _, e := range d.reuseQueue {
		d.frameByKernelIndex[e.kernelIndex] = e.frame
		planeFDs := make([]int, len(e.frame.Planes))
		for i, p := range e.frame.Planes {
			planeFDs[i] = p.FD
		}
		if err := d.dev.QueueOutputDMABuf(e.kernelIndex, planeFDs); err != nil {
			return fmt.Errorf("decoder: requeue reused output buffer %d: %w", e.kernelIndex, err)
		}
	}
	d.reuseQueue = d.reuseQueue[:0]
	return nil
}
