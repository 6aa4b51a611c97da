package decoder

import "github.com/crosav/v4l2codec2/internal/wire"

// device is the subset of *wire.Device the Decoder depends on. Accepting
// an interface here (rather than *wire.Device directly) lets tests drive
// the state machine against an in-memory fake instead of a real kernel
// device node.
type device interface {
	SendStopCommand() error
	SendStartCommand() error
	SubscribeSourceChange() error
	SetInputFormat(fourCC wire.PixelFormat, maxBytesPerBuffer uint32) error
	RequestInputBuffers(count uint32) (uint32, error)
	StreamOn(bt wire.BufType) error
	StreamOff(bt wire.BufType) error
	SetCaptureFormat(candidates []wire.PixelFormat, width, height int) (wire.NegotiatedCaptureFormat, error)
	RequestCaptureBuffers(count uint32) (uint32, error)
	MinCaptureBuffers() (int, error)
	InputBufferMemory(idx int) ([]byte, error)
	QueueInput(idx int, bytesUsed int64, timestampUs int64) error
	DequeueInput() (index int, timestampUs int64, err error)
	DequeueOutput() (wire.DequeuedOutput, error)
	DequeueEvent() (wire.DequeuedEvent, error)
	VisibleRect() (left, top, right, bottom int, err error)
	QueueOutputDMABuf(idx int, planeFDs []int) error
	Fd() uintptr
	Close() error
}

// openDevice is a package-level seam so tests can substitute a fake device
// without touching wire.Open's real ioctl path.
var openDevice = func(path string) (device, error) {
	return wire.Open(path)
}
