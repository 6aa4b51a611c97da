package decoder

import (
	"fmt"

	"github.com/crosav/v4l2codec2/internal/surface"
	"github.com/crosav/v4l2codec2/internal/wire"
)

// runResolutionChange renegotiates the capture side after a dequeued
// source-change event: new coded size, new buffer allocation, new
// SurfacePool.
func (d *Decoder) runResolutionChange() {
	// 1. Drop the initial-EOS sentinel.
	d.initialEOSPresent = false

	// 2. Negotiate the new coded size; compute the required buffer count.
	got, err := d.dev.SetCaptureFormat(wire.FlexibleYUV420, d.codedWidth, d.codedHeight)
	if err != nil {
		d.handleError(fmt.Errorf("decoder: negotiate post-DRC format: %w", err))
		return
	}
	driverMin, err := d.dev.MinCaptureBuffers()
	if err != nil || driverMin < 1 {
		driverMin = 1
	}
	required := driverMin + kNumExtraOutputBuffers
	if required < d.minOutputBuffers {
		required = d.minOutputBuffers
	}

	// 3. Stream OFF output; deallocate; clear device-side maps.
	if err := d.dev.StreamOff(wire.BufTypeCaptureMPlane); err != nil {
		d.handleError(fmt.Errorf("decoder: stream off output for DRC: %w", err))
		return
	}
	d.outputStreaming = false
	d.frameByKernelIndex = make(map[int]*surface.VideoFrame)
	d.nextKernelIndex = 0

	// 4. Re-allocate (the capture format was set in step 2); stream ON.
	count, err := d.dev.RequestCaptureBuffers(uint32(required))
	if err != nil {
		d.handleError(fmt.Errorf("decoder: allocate post-DRC output buffers: %w", err))
		return
	}
	d.numOutputBuffers = int(count)
	if err := d.dev.StreamOn(wire.BufTypeCaptureMPlane); err != nil {
		d.handleError(fmt.Errorf("decoder: stream on output after DRC: %w", err))
		return
	}
	d.outputStreaming = true
	d.codedWidth, d.codedHeight = got.Width, got.Height

	// 5. Read the visible rectangle now for the log line below; each
	// dequeued frame resolves its own (possibly per-frame-varying) visible
	// rectangle again at emission time in serviceOutputDequeues, with the
	// same coded-size fallback.
	left, top, right, bottom, verr := d.dev.VisibleRect()
	coded := surface.Rect{Right: d.codedWidth, Bottom: d.codedHeight}
	visible := coded
	if verr == nil {
		candidate := surface.Rect{Left: left, Top: top, Right: right, Bottom: bottom}
		if !candidate.Empty() && candidate.Contains(coded) {
			visible = candidate
		}
	}
	d.log.Info("resolution change negotiated", "coded_width", d.codedWidth, "coded_height", d.codedHeight, "visible", visible)

	// 6. Drop the old SurfacePool; request a new one.
	if d.pool != nil {
		_ = d.pool.ConfigureProducer(nil)
		_ = d.pool.RequestBufferSet(d.numOutputBuffers, d.codedWidth, d.codedHeight,
			uint32(got.PixelFormat), 0)
	}

	// 7. Start fetching frames into the newly streaming output queue.
	d.fetchOutput()

	// 8. If a drain is queued, re-pump so it can proceed.
	if d.hasQueuedDrain() {
		d.Pump()
	}
}

// hasQueuedDrain reports whether the request FIFO's head (or any entry) is
// a drain marker.
func (d *Decoder) hasQueuedDrain() bool {
	for _, r := range d.requests {
		if r.drain {
			return true
		}
	}
	return false
}
