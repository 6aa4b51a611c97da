package decoder

import (
	"errors"
	"sync"

	"github.com/crosav/v4l2codec2/internal/wire"
)

var errFakeQueueEmpty = errors.New("decoder: fake device queue empty")

// fakeDevice is an in-memory stand-in for *wire.Device, modeled on
// internal/surfacepool's fakeConsumerQueue: enough behavior to drive the
// Decoder's state machine deterministically in tests, never a faithful
// V4L2 transport. It satisfies the decoder package's unexported device
// interface.
type fakeDevice struct {
	mu sync.Mutex

	stopCmds  int
	startCmds int

	captureFormat wire.NegotiatedCaptureFormat
	inputStreamOn bool
	outputStreamOn bool
	inputBufCount int
	outputBufCount int
	minCaptureBufs int

	inputQueue  []fakeInputCompletion
	outputQueue []wire.DequeuedOutput
	events      []wire.DequeuedEvent

	visibleRect [4]int
	visibleErr  error

	queuedOutputs []int // kernel indices queued via QueueOutputDMABuf, in order

	inputMem map[int][]byte // per-index mapped input buffers, persisted so tests can inspect what Pump copied in

	fd uintptr // overridden by tests that exercise the poll loop
}

type fakeInputCompletion struct {
	index       int
	timestampUs int64
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		captureFormat: wire.NegotiatedCaptureFormat{Width: 320, Height: 240, PixelFormat: wire.FlexibleYUV420[0]},
		inputMem:      make(map[int][]byte),
	}
}

func (f *fakeDevice) SendStopCommand() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCmds++
	return nil
}

func (f *fakeDevice) SendStartCommand() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCmds++
	return nil
}

func (f *fakeDevice) SubscribeSourceChange() error { return nil }

func (f *fakeDevice) SetInputFormat(wire.PixelFormat, uint32) error { return nil }

func (f *fakeDevice) RequestInputBuffers(count uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputBufCount = int(count)
	return count, nil
}

func (f *fakeDevice) RequestCaptureBuffers(count uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputBufCount = int(count)
	return count, nil
}

func (f *fakeDevice) MinCaptureBuffers() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.minCaptureBufs == 0 {
		return 1, nil
	}
	return f.minCaptureBufs, nil
}

func (f *fakeDevice) StreamOn(bt wire.BufType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bt == wire.BufTypeOutputMPlane {
		f.inputStreamOn = true
	} else {
		f.outputStreamOn = true
	}
	return nil
}

func (f *fakeDevice) StreamOff(bt wire.BufType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bt == wire.BufTypeOutputMPlane {
		f.inputStreamOn = false
	} else {
		f.outputStreamOn = false
	}
	return nil
}

func (f *fakeDevice) SetCaptureFormat(candidates []wire.PixelFormat, width, height int) (wire.NegotiatedCaptureFormat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if width > 0 {
		f.captureFormat.Width = width
	}
	if height > 0 {
		f.captureFormat.Height = height
	}
	if len(candidates) > 0 {
		f.captureFormat.PixelFormat = candidates[0]
	}
	return f.captureFormat, nil
}

func (f *fakeDevice) InputBufferMemory(idx int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mem, ok := f.inputMem[idx]
	if !ok {
		mem = make([]byte, 4096)
		f.inputMem[idx] = mem
	}
	return mem, nil
}

func (f *fakeDevice) QueueInput(idx int, bytesUsed int64, timestampUs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputQueue = append(f.inputQueue, fakeInputCompletion{index: idx, timestampUs: timestampUs})
	return nil
}

func (f *fakeDevice) DequeueInput() (int, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputQueue) == 0 {
		return 0, 0, errFakeQueueEmpty
	}
	c := f.inputQueue[0]
	f.inputQueue = f.inputQueue[1:]
	return c.index, c.timestampUs, nil
}

func (f *fakeDevice) DequeueOutput() (wire.DequeuedOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outputQueue) == 0 {
		return wire.DequeuedOutput{}, errFakeQueueEmpty
	}
	out := f.outputQueue[0]
	f.outputQueue = f.outputQueue[1:]
	return out, nil
}

// pushOutput queues a completed output buffer for the next DequeueOutput.
func (f *fakeDevice) pushOutput(out wire.DequeuedOutput) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputQueue = append(f.outputQueue, out)
}

func (f *fakeDevice) DequeueEvent() (wire.DequeuedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return wire.DequeuedEvent{}, errFakeQueueEmpty
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, nil
}

func (f *fakeDevice) pushSourceChangeEvent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, wire.DequeuedEvent{Type: wire.EventSourceChange})
}

func (f *fakeDevice) VisibleRect() (int, int, int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visibleRect[0], f.visibleRect[1], f.visibleRect[2], f.visibleRect[3], f.visibleErr
}

func (f *fakeDevice) QueueOutputDMABuf(idx int, _ []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queuedOutputs = append(f.queuedOutputs, idx)
	return nil
}

func (f *fakeDevice) Fd() uintptr { return f.fd }

func (f *fakeDevice) Close() error { return nil }
