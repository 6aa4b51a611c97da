package wire

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Device wraps an open M2M decoder node's file descriptor, talking to the
// kernel directly via the raw ioctls and struct layouts in types.go. All
// methods are expected to run on the Decoder's internal/runner.Runner
// goroutine; Device does no locking of its own.
type Device struct {
	path string
	fd   int

	// inputMem holds the mmap'd backing of each OUTPUT-queue slot,
	// populated once by RequestInputBuffers and read by InputBufferMemory.
	inputMem map[int][]byte
}

// Open opens the M2M device node at path and queries its capabilities,
// failing unless it advertises both multiplanar M2M and streaming I/O.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("wire: open %s: %w", path, err)
	}
	dev := &Device{path: path, fd: fd, inputMem: make(map[int][]byte)}

	var cap v4l2Capability
	if err := rawIoctl(dev.Fd(), vidiocQueryCap, uintptr(unsafe.Pointer(&cap))); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("wire: query capability %s: %w", path, err)
	}
	caps := cap.Capabilities
	if caps&CapDeviceCaps != 0 {
		caps = cap.DeviceCaps
	}
	if caps&CapVideoM2MMplane == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("wire: %s lacks V4L2_CAP_VIDEO_M2M_MPLANE", path)
	}
	if caps&CapStreaming == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("wire: %s lacks V4L2_CAP_STREAMING", path)
	}
	return dev, nil
}

// Close unmaps every input buffer and closes the device fd.
func (d *Device) Close() error {
	for idx, mem := range d.inputMem {
		_ = unix.Munmap(mem)
		delete(d.inputMem, idx)
	}
	return unix.Close(d.fd)
}

// Fd returns the underlying device file descriptor, for use with a poller.
func (d *Device) Fd() uintptr {
	return uintptr(d.fd)
}

// SendStopCommand issues VIDIOC_DECODER_CMD with V4L2_DEC_CMD_STOP. At
// Start it doubles as the capability probe: a no-op STOP confirms the
// ioctl exists before drain relies on it.
func (d *Device) SendStopCommand() error {
	var cmd struct {
		Cmd   uint32
		Flags uint32
		_     [64]byte
	}
	cmd.Cmd = uint32(DecoderCmdStop)
	return rawIoctl(d.Fd(), vidiocDecoderCmd, uintptr(unsafe.Pointer(&cmd)))
}

// SendStartCommand resumes decoding after a stop (used once a drain's
// LAST-flagged capture buffer has been dequeued).
func (d *Device) SendStartCommand() error {
	var cmd struct {
		Cmd   uint32
		Flags uint32
		_     [64]byte
	}
	cmd.Cmd = uint32(DecoderCmdStart)
	return rawIoctl(d.Fd(), vidiocDecoderCmd, uintptr(unsafe.Pointer(&cmd)))
}

// SubscribeSourceChange subscribes to V4L2_EVENT_SOURCE_CHANGE on the
// capture queue, so a resolution change surfaces as a dequeueable event.
func (d *Device) SubscribeSourceChange() error {
	var sub struct {
		Type  uint32
		ID    uint32
		Flags uint32
		_     [29]uint32
	}
	sub.Type = uint32(EventSourceChange)
	return rawIoctl(d.Fd(), vidiocSubscribeEvt, uintptr(unsafe.Pointer(&sub)))
}

// DequeuedEvent is the minimal projection of a dequeued V4L2 event the
// Decoder's Service loop cares about.
type DequeuedEvent struct {
	Type     EventType
	Sequence uint32
}

// DequeueEvent pulls one pending event off the device's event queue. The
// fd is non-blocking, so with no event pending the ioctl fails and its
// error is returned; the Decoder's Service calls it on every pass and
// ignores that error.
func (d *Device) DequeueEvent() (DequeuedEvent, error) {
	var raw struct {
		Type     uint32
		U        [64]byte
		Pending  uint32
		Sequence uint32
		Ts       [16]byte
		ID       uint32
		_        [8]uint32
	}
	if err := rawIoctl(d.Fd(), vidiocDQEvent, uintptr(unsafe.Pointer(&raw))); err != nil {
		return DequeuedEvent{}, err
	}
	return DequeuedEvent{Type: EventType(raw.Type), Sequence: raw.Sequence}, nil
}

// SetInputFormat sets the OUTPUT queue's (coded-side) pixel format and
// buffer size hint via VIDIOC_S_FMT.
func (d *Device) SetInputFormat(fourCC PixelFormat, maxBytesPerBuffer uint32) error {
	var req v4l2Format
	req.Type = uint32(BufTypeOutputMPlane)
	pix := (*v4l2PixFormatMPlane)(unsafe.Pointer(&req.Raw[0]))
	pix.PixelFormat = uint32(fourCC)
	pix.Field = fieldNone
	pix.NumPlanes = 1
	pix.PlaneFmt[0].SizeImage = maxBytesPerBuffer
	if err := rawIoctl(d.Fd(), vidiocSFmt, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("wire: set input format: %w", err)
	}
	return nil
}

// NegotiatedCaptureFormat is the result of VIDIOC_G_FMT on the capture
// queue: coded size and chosen YUV format.
type NegotiatedCaptureFormat struct {
	Width, Height int
	PixelFormat   PixelFormat
}

// SetCaptureFormat requests one of the candidates in preference order via
// VIDIOC_S_FMT, stopping at the first the driver accepts, and returns
// whatever it actually negotiated, read back with VIDIOC_G_FMT.
func (d *Device) SetCaptureFormat(candidates []PixelFormat, width, height int) (NegotiatedCaptureFormat, error) {
	var lastErr error
	for _, fcc := range candidates {
		var req v4l2Format
		req.Type = uint32(BufTypeCaptureMPlane)
		pix := (*v4l2PixFormatMPlane)(unsafe.Pointer(&req.Raw[0]))
		pix.Width = uint32(width)
		pix.Height = uint32(height)
		pix.PixelFormat = uint32(fcc)
		pix.Field = fieldNone
		pix.NumPlanes = 1
		if err := rawIoctl(d.Fd(), vidiocSFmt, uintptr(unsafe.Pointer(&req))); err != nil {
			lastErr = err
			continue
		}

		var got v4l2Format
		got.Type = uint32(BufTypeCaptureMPlane)
		if err := rawIoctl(d.Fd(), vidiocGFmt, uintptr(unsafe.Pointer(&got))); err != nil {
			return NegotiatedCaptureFormat{}, fmt.Errorf("wire: get negotiated capture format: %w", err)
		}
		gotPix := (*v4l2PixFormatMPlane)(unsafe.Pointer(&got.Raw[0]))
		return NegotiatedCaptureFormat{
			Width:       int(gotPix.Width),
			Height:      int(gotPix.Height),
			PixelFormat: PixelFormat(gotPix.PixelFormat),
		}, nil
	}
	return NegotiatedCaptureFormat{}, fmt.Errorf("wire: no candidate capture format accepted: %w", lastErr)
}

// MinCaptureBuffers reads the driver's minimum-capture-buffers control,
// the floor under the capture allocation a resolution change computes.
// Drivers that don't implement the control fail the ioctl; callers fall
// back to 1.
func (d *Device) MinCaptureBuffers() (int, error) {
	var ctrl struct {
		ID    uint32
		Value int32
	}
	ctrl.ID = cidMinBuffersForCapture
	if err := rawIoctl(d.Fd(), vidiocGCtrl, uintptr(unsafe.Pointer(&ctrl))); err != nil {
		return 0, err
	}
	return int(ctrl.Value), nil
}

// VisibleRect queries VIDIOC_G_SELECTION (falling back to VIDIOC_G_CROP)
// for the capture queue's compose rectangle.
func (d *Device) VisibleRect() (left, top, right, bottom int, err error) {
	var sel struct {
		Type   uint32
		Target uint32
		Flags  uint32
		R      struct{ Left, Top, Width, Height int32 }
		_      [9]uint32
	}
	sel.Type = uint32(BufTypeCaptureMPlane)
	sel.Target = 0x0100 // V4L2_SEL_TGT_COMPOSE
	if ierr := rawIoctl(d.Fd(), vidiocGSelection, uintptr(unsafe.Pointer(&sel))); ierr == nil {
		return int(sel.R.Left), int(sel.R.Top),
			int(sel.R.Left + sel.R.Width), int(sel.R.Top + sel.R.Height), nil
	}
	var crop struct {
		Type uint32
		C    struct{ Left, Top, Width, Height int32 }
	}
	crop.Type = uint32(BufTypeCaptureMPlane)
	if ierr := rawIoctl(d.Fd(), vidiocGCrop, uintptr(unsafe.Pointer(&crop))); ierr != nil {
		return 0, 0, 0, 0, ierr
	}
	return int(crop.C.Left), int(crop.C.Top),
		int(crop.C.Left + crop.C.Width), int(crop.C.Top + crop.C.Height), nil
}

// queryInputBuffer runs VIDIOC_QUERYBUF for OUTPUT-queue slot idx's single
// plane, returning the mmap offset and length the kernel allocated for it.
func (d *Device) queryInputBuffer(idx uint32) (offset int64, length uint32, err error) {
	var planes [1]v4l2Plane
	var buf v4l2Buffer
	buf.Index = idx
	buf.Type = uint32(BufTypeOutputMPlane)
	buf.Memory = uint32(MemoryMMAP)
	buf.Length = uint32(len(planes))
	buf.M = uint64(uintptr(unsafe.Pointer(&planes[0])))
	if err := rawIoctl(d.Fd(), vidiocQueryBuf, uintptr(unsafe.Pointer(&buf))); err != nil {
		return 0, 0, err
	}
	return int64(uint32(planes[0].M)), planes[0].Length, nil
}

// RequestInputBuffers performs VIDIOC_REQBUFS on the OUTPUT queue, backed
// by MMAP memory (the Decoder owns and writes into these directly rather
// than importing DMA-bufs, since coded data originates from the client,
// not from another device), then mmaps each slot so InputBufferMemory and
// QueueInput can address it.
func (d *Device) RequestInputBuffers(count uint32) (uint32, error) {
	req := v4l2RequestBuffers{Count: count, Type: uint32(BufTypeOutputMPlane), Memory: uint32(MemoryMMAP)}
	if err := rawIoctl(d.Fd(), vidiocReqBufs, uintptr(unsafe.Pointer(&req))); err != nil {
		return 0, fmt.Errorf("wire: request input buffers: %w", err)
	}
	for i := uint32(0); i < req.Count; i++ {
		offset, length, err := d.queryInputBuffer(i)
		if err != nil {
			return 0, fmt.Errorf("wire: query input buffer %d: %w", i, err)
		}
		mem, err := unix.Mmap(d.fd, offset, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return 0, fmt.Errorf("wire: mmap input buffer %d: %w", i, err)
		}
		d.inputMem[int(i)] = mem
	}
	return req.Count, nil
}

// RequestCaptureBuffers performs VIDIOC_REQBUFS on the CAPTURE queue with
// DMABUF memory, so output frames can hand their plane fds straight to
// the SurfacePool's consumer.
func (d *Device) RequestCaptureBuffers(count uint32) (uint32, error) {
	req := v4l2RequestBuffers{Count: count, Type: uint32(BufTypeCaptureMPlane), Memory: uint32(MemoryDMABuf)}
	if err := rawIoctl(d.Fd(), vidiocReqBufs, uintptr(unsafe.Pointer(&req))); err != nil {
		return 0, fmt.Errorf("wire: request capture buffers: %w", err)
	}
	return req.Count, nil
}

// StreamOn issues VIDIOC_STREAMON on the given queue.
func (d *Device) StreamOn(bt BufType) error {
	t := uint32(bt)
	if err := rawIoctl(d.Fd(), vidiocStreamOn, uintptr(unsafe.Pointer(&t))); err != nil {
		return fmt.Errorf("wire: stream on %d: %w", bt, err)
	}
	return nil
}

// StreamOff issues VIDIOC_STREAMOFF on the given queue.
func (d *Device) StreamOff(bt BufType) error {
	t := uint32(bt)
	if err := rawIoctl(d.Fd(), vidiocStreamOff, uintptr(unsafe.Pointer(&t))); err != nil {
		return fmt.Errorf("wire: stream off %d: %w", bt, err)
	}
	return nil
}

// InputBufferMemory returns the mmap'd backing of input slot idx, for the
// Decoder to copy one coded access unit into before calling QueueInput.
func (d *Device) InputBufferMemory(idx int) ([]byte, error) {
	mem, ok := d.inputMem[idx]
	if !ok {
		return nil, fmt.Errorf("wire: input buffer %d not mapped", idx)
	}
	return mem, nil
}

// QueueInput queues one coded access unit, already copied into slot idx's
// mapped memory by InputBufferMemory, into the OUTPUT queue via
// VIDIOC_QBUF.
func (d *Device) QueueInput(idx int, bytesUsed int64, timestampUs int64) error {
	mem, ok := d.inputMem[idx]
	if !ok {
		return fmt.Errorf("wire: queue input: buffer %d not mapped", idx)
	}
	var planes [1]v4l2Plane
	planes[0].BytesUsed = uint32(bytesUsed)
	planes[0].Length = uint32(len(mem))

	var buf v4l2Buffer
	buf.Index = uint32(idx)
	buf.Type = uint32(BufTypeOutputMPlane)
	buf.Memory = uint32(MemoryMMAP)
	buf.Length = uint32(len(planes))
	buf.M = uint64(uintptr(unsafe.Pointer(&planes[0])))
	buf.TvSec = timestampUs / 1_000_000
	buf.TvUsec = timestampUs % 1_000_000
	if err := rawIoctl(d.Fd(), vidiocQBuf, uintptr(unsafe.Pointer(&buf))); err != nil {
		return fmt.Errorf("wire: queue input buffer %d: %w", idx, err)
	}
	return nil
}

// DequeueInput pulls one finished input buffer off the OUTPUT queue via
// VIDIOC_DQBUF. The returned index identifies which kNumInputBuffers slot
// the kernel is done with, for internal/ring.BitstreamRing.Release.
// timestampUs echoes back whatever QueueInput was called with, carrying
// the bitstream-id the Decoder's Pump stashed in the timestamp's seconds
// field.
func (d *Device) DequeueInput() (index int, timestampUs int64, err error) {
	var planes [1]v4l2Plane
	var buf v4l2Buffer
	buf.Type = uint32(BufTypeOutputMPlane)
	buf.Memory = uint32(MemoryMMAP)
	buf.Length = uint32(len(planes))
	buf.M = uint64(uintptr(unsafe.Pointer(&planes[0])))
	if err := rawIoctl(d.Fd(), vidiocDQBuf, uintptr(unsafe.Pointer(&buf))); err != nil {
		return 0, 0, err
	}
	return int(buf.Index), buf.TvSec*1_000_000 + buf.TvUsec, nil
}

// QueueOutputDMABuf queues a SurfacePool-provided DMA graphic block into
// capture slot idx, one plane fd per plane, via VIDIOC_QBUF with
// V4L2_MEMORY_DMABUF.
func (d *Device) QueueOutputDMABuf(idx int, planeFDs []int) error {
	planes := make([]v4l2Plane, len(planeFDs))
	for i, fd := range planeFDs {
		planes[i].M = uint64(uint32(int32(fd)))
	}

	var buf v4l2Buffer
	buf.Index = uint32(idx)
	buf.Type = uint32(BufTypeCaptureMPlane)
	buf.Memory = uint32(MemoryDMABuf)
	buf.Length = uint32(len(planes))
	if len(planes) > 0 {
		buf.M = uint64(uintptr(unsafe.Pointer(&planes[0])))
	}
	if err := rawIoctl(d.Fd(), vidiocQBuf, uintptr(unsafe.Pointer(&buf))); err != nil {
		return fmt.Errorf("wire: queue output dma-buf %d: %w", idx, err)
	}
	return nil
}

// DequeuedOutput is the result of dequeuing a capture-queue buffer.
type DequeuedOutput struct {
	Index       int
	BytesUsed   int64
	TimestampUs int64
	Flags       uint32
}

// DequeueOutput pulls one decoded frame's kernel buffer off the CAPTURE
// queue via VIDIOC_DQBUF, summing bytesused across however many planes the
// negotiated capture format carries.
func (d *Device) DequeueOutput() (DequeuedOutput, error) {
	var planes [maxCapturePlanes]v4l2Plane
	var buf v4l2Buffer
	buf.Type = uint32(BufTypeCaptureMPlane)
	buf.Memory = uint32(MemoryDMABuf)
	buf.Length = uint32(len(planes))
	buf.M = uint64(uintptr(unsafe.Pointer(&planes[0])))
	if err := rawIoctl(d.Fd(), vidiocDQBuf, uintptr(unsafe.Pointer(&buf))); err != nil {
		return DequeuedOutput{}, err
	}
	n := buf.Length
	if n > uint32(len(planes)) {
		n = uint32(len(planes))
	}
	var bytesUsed int64
	for _, p := range planes[:n] {
		bytesUsed += int64(p.BytesUsed)
	}
	return DequeuedOutput{
		Index:       int(buf.Index),
		BytesUsed:   bytesUsed,
		TimestampUs: buf.TvSec*1_000_000 + buf.TvUsec,
		Flags:       buf.Flags,
	}, nil
}

// maxCapturePlanes bounds the plane array DequeueOutput hands the kernel.
// FlexibleYUV420's candidates (internal/wire/types.go) have at most three
// planes (YM12/YM21); 4 leaves headroom without the allocation growing
// unreasonably.
const maxCapturePlanes = 4

// Poller multiplexes input-dequeue-ready, output-dequeue-ready, and
// exception (event-pending) conditions on the device fd using
// golang.org/x/sys/unix poll.
type Poller struct {
	fd unix.PollFd
}

// fdHolder is satisfied by *Device and by any test fake standing in for
// one, so NewPoller doesn't force callers onto the concrete Device type.
type fdHolder interface {
	Fd() uintptr
}

// NewPoller builds a Poller for dev.
func NewPoller(dev fdHolder) *Poller {
	return &Poller{fd: unix.PollFd{Fd: int32(dev.Fd()), Events: unix.POLLIN | unix.POLLOUT | unix.POLLPRI}}
}

// PollResult reports which conditions were ready.
type PollResult struct {
	InputReady  bool
	OutputReady bool
	EventReady  bool
}

// Wait blocks up to timeout for any condition to become ready.
func (p *Poller) Wait(timeout time.Duration) (PollResult, error) {
	fds := []unix.PollFd{p.fd}
	ms := int(timeout / time.Millisecond)
	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return PollResult{}, nil
		}
		return PollResult{}, err
	}
	if n == 0 {
		return PollResult{}, nil
	}
	re := fds[0].Revents
	return PollResult{
		InputReady:  re&unix.POLLOUT != 0,
		OutputReady: re&unix.POLLIN != 0,
		EventReady:  re&unix.POLLPRI != 0,
	}, nil
}
