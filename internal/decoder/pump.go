package decoder

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/crosav/v4l2codec2/codecerr"
	"github.com/crosav/v4l2codec2/internal/ring"
	"github.com/crosav/v4l2codec2/internal/surface"
)

// Decode appends one bitstream buffer to the request FIFO and pumps.
// containsIDR is the result of running
// internal/nal.ContainsIDR against the access unit's Annex-B bytes before
// the DMA fd was handed off — the Decoder itself never holds a mapped view
// of the coded payload, only the fd, so the scan must happen at the
// submission boundary (the component, which still has the client's bytes).
// Must run on the Decoder's runner.
func (d *Decoder) Decode(buf surface.BitstreamBuffer, secure, containsIDR bool, cb DecodeCallback) {
	if d.state == StateError {
		cb(codecerr.ErrNotInitialized)
		return
	}
	if d.state == StateIdle {
		d.state = StateDecoding
	}

	d.requests = append(d.requests, decodeRequest{buf: buf, cb: cb})

	if !secure && d.initialEOSPresent && containsIDR {
		d.pendingDRC = true
	}

	d.Pump()
}

// Drain appends a drain marker to the request FIFO and pumps.
func (d *Decoder) Drain(cb DrainCallback) {
	if d.state == StateError {
		cb(codecerr.ErrNotInitialized)
		return
	}
	d.requests = append(d.requests, decodeRequest{drain: true, drainCB: cb})
	d.Pump()
}

// Pump drains the request FIFO until it blocks on a drain precondition or
// a lack of free input slots.
func (d *Decoder) Pump() {
	for len(d.requests) > 0 {
		req := d.requests[0]

		if req.drain {
			if d.hasQueuedInput() {
				return
			}
			if !d.outputStreaming {
				return
			}
			d.requests = d.requests[1:]
			if d.initialEOSPresent && !d.pendingDRC {
				req.drainCB(nil)
				continue
			}
			if err := d.dev.SendStopCommand(); err != nil {
				d.handleError(fmt.Errorf("decoder: send stop: %w", err))
				req.drainCB(err)
				return
			}
			d.state = StateDraining
			d.drainCB = req.drainCB
			return
		}

		dmaID := dmaUniqueID(req.buf)
		idx := d.ring.Select(dmaID)
		if idx == ring.NoSlot {
			return
		}

		d.ring.Assign(idx, dmaID)

		mem, err := d.dev.InputBufferMemory(idx)
		if err != nil {
			d.handleError(fmt.Errorf("decoder: map input buffer: %w", err))
			return
		}
		if err := copyBitstreamPayload(mem, req.buf); err != nil {
			d.handleError(fmt.Errorf("decoder: copy bitstream payload: %w", err))
			return
		}

		timestampUs := req.buf.BitstreamID * 1_000_000
		if err := d.dev.QueueInput(idx, req.buf.Size, timestampUs); err != nil {
			d.handleError(fmt.Errorf("decoder: queue input: %w", err))
			return
		}

		d.pendingByBitstreamID[req.buf.BitstreamID] = req.cb
		d.requests = d.requests[1:]
	}
}

// hasQueuedInput reports whether any input slot is currently owned by the
// kernel; a drain must wait for all of them to drain first. A slot's ring
// history only tells us it has been used before; pendingByBitstreamID
// tracks actual kernel ownership.
func (d *Decoder) hasQueuedInput() bool {
	return len(d.pendingByBitstreamID) > 0
}

// copyBitstreamPayload reads req.Size bytes at req.Offset out of the
// client's DMA fd and into mem, the kernel's mmap'd OUTPUT-queue slot,
// since the kernel consumes MMAP input buffers by their mapped bytes, not
// by fd reference (unlike the DMABUF capture side, where a plane fd is
// handed to the kernel directly). mem must have room for at least req.Size
// bytes; wire.Device.InputBufferMemory sizes each slot to the
// SetInputFormat size hint, which the component is expected to pick large
// enough for one access unit.
func copyBitstreamPayload(mem []byte, req surface.BitstreamBuffer) error {
	if req.Size > int64(len(mem)) {
		return fmt.Errorf("payload %d bytes exceeds mapped buffer %d bytes", req.Size, len(mem))
	}
	n, err := unix.Pread(req.FD, mem[:req.Size], req.Offset)
	if err != nil {
		return fmt.Errorf("pread fd %d: %w", req.FD, err)
	}
	if int64(n) != req.Size {
		return fmt.Errorf("pread fd %d: short read %d of %d bytes", req.FD, n, req.Size)
	}
	return nil
}

// dmaUniqueID derives a stable identity from the bitstream buffer's DMA
// fd: the fd number stands in for the kernel's DMA handle id.
func dmaUniqueID(buf surface.BitstreamBuffer) uint64 {
	return uint64(buf.FD)
}
