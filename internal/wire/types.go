// Package wire re-declares the kernel M2M device's numeric wire surface
// (buffer types, memory types, the decoder-command opcodes, and the
// struct layouts behind VIDIOC_REQBUFS/QBUF/DQBUF/S_FMT/G_FMT/STREAMON/
// STREAMOFF) in one place, so kernel enum dependencies live in a
// dedicated wire-compat module instead of being imported transitively.
// The values mirror include/uapi/linux/videodev2.h and must match it
// bit-for-bit. Existing V4L2 Go bindings cover single-planar capture
// only; the multi-planar M2M OUTPUT queue this decoder drives has no
// binding to wrap, so Device issues the ioctls itself.
package wire

import "golang.org/x/sys/unix"

// PixelFormat is a V4L2 four-character-code pixel format.
type PixelFormat uint32

// fourcc packs four ASCII characters into a V4L2 pixel format code.
func fourcc(a, b, c, d byte) PixelFormat {
	return PixelFormat(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// Coded input pixel formats, one per codec.
var (
	PixFmtH264 = fourcc('H', '2', '6', '4')
	PixFmtHEVC = fourcc('H', 'E', 'V', 'C')
	PixFmtVP8  = fourcc('V', 'P', '8', '0')
	PixFmtVP9  = fourcc('V', 'P', '9', '0')
)

// FlexibleYUV420 is the flexible 4:2:0 capture pixel-format set the
// Decoder intersects with the device's advertised formats, in preference
// order.
var FlexibleYUV420 = []PixelFormat{
	fourcc('Y', 'U', '1', '2'),
	fourcc('Y', 'V', '1', '2'),
	fourcc('Y', 'M', '1', '2'),
	fourcc('Y', 'M', '2', '1'),
	fourcc('N', 'V', '1', '2'),
	fourcc('N', 'V', '2', '1'),
	fourcc('N', 'M', '1', '2'),
	fourcc('N', 'M', '2', '1'),
}

// BufType identifies an input (OUTPUT, in V4L2's terminology) or output
// (CAPTURE) multi-planar queue.
type BufType uint32

const (
	BufTypeOutputMPlane  BufType = 10 // V4L2_BUF_TYPE_VIDEO_OUTPUT_MPLANE
	BufTypeCaptureMPlane BufType = 9  // V4L2_BUF_TYPE_VIDEO_CAPTURE_MPLANE
)

// MemoryType identifies the buffer backing.
type MemoryType uint32

const (
	MemoryMMAP   MemoryType = 1
	MemoryDMABuf MemoryType = 4
)

// DecoderCommand is the wire value sent via VIDIOC_DECODER_CMD.
type DecoderCommand uint32

const (
	DecoderCmdStart DecoderCommand = 0
	DecoderCmdStop  DecoderCommand = 1
)

// EventType identifies a subscribed V4L2 event.
type EventType uint32

const (
	EventSourceChange EventType = 5 // V4L2_EVENT_SOURCE_CHANGE
	EventEOS          EventType = 2 // V4L2_EVENT_EOS
)

// Capability flags relevant to the decoder's Open-time capability check.
const (
	CapVideoM2MMplane uint32 = 1 << 14 // V4L2_CAP_VIDEO_M2M_MPLANE
	CapStreaming      uint32 = 1 << 26 // V4L2_CAP_STREAMING
	CapDeviceCaps     uint32 = 1 << 31 // V4L2_CAP_DEVICE_CAPS
)

// ioctl opcode numbers, re-declared locally rather than computed, matching
// the _IOW/_IOR/_IOWR encoding of include/uapi/linux/videodev2.h.
const (
	vidiocQueryCap     = 0x80685600
	vidiocGFmt         = 0xc0d05604
	vidiocSFmt         = 0xc0d05605
	vidiocReqBufs      = 0xc0145608
	vidiocQueryBuf     = 0xc0585609
	vidiocQBuf         = 0xc058560f
	vidiocDQBuf        = 0xc0585611
	vidiocStreamOn     = 0x40045612
	vidiocStreamOff    = 0x40045613
	vidiocDecoderCmd   = 0xc0485660
	vidiocGSelection   = 0xc040565e
	vidiocGCrop        = 0xc014563b
	vidiocSubscribeEvt = 0x4020565a
	vidiocDQEvent      = 0x80885659
	vidiocGCtrl        = 0xc008561b
)

// cidMinBuffersForCapture is V4L2_CID_MIN_BUFFERS_FOR_CAPTURE, the control
// reporting how many capture buffers the driver itself needs queued before
// it can make progress.
const cidMinBuffersForCapture = 0x00980927

// v4l2Capability mirrors struct v4l2_capability, the VIDIOC_QUERYCAP result.
type v4l2Capability struct {
	Driver       [16]byte
	Card         [32]byte
	BusInfo      [32]byte
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

// v4l2Format mirrors struct v4l2_format: a type tag plus a 200-byte union of
// format variants. Raw is reinterpreted as *v4l2PixFormatMPlane, the only
// variant this module needs, via unsafe.Pointer.
type v4l2Format struct {
	Type uint32
	_    uint32
	Raw  [200]byte
}

// v4l2PlaneSizeFmt mirrors struct v4l2_plane_pix_format, one entry per plane
// inside v4l2_pix_format_mplane.
type v4l2PlaneSizeFmt struct {
	SizeImage    uint32
	BytesPerLine uint32
	_            [6]uint16
}

// v4l2PixFormatMPlane mirrors struct v4l2_pix_format_mplane, the
// V4L2_BUF_TYPE_VIDEO_{OUTPUT,CAPTURE}_MPLANE format variant.
type v4l2PixFormatMPlane struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	Colorspace   uint32
	PlaneFmt     [8]v4l2PlaneSizeFmt
	NumPlanes    uint8
	Flags        uint8
	YCbCrEnc     uint8
	Quantization uint8
	XferFunc     uint8
	_            [7]byte
}

const fieldNone = 1 // V4L2_FIELD_NONE

// v4l2RequestBuffers mirrors struct v4l2_requestbuffers, the VIDIOC_REQBUFS
// argument.
type v4l2RequestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Flags        uint8
	_            [3]byte
}

// v4l2Plane mirrors struct v4l2_plane: one plane's byte count and its memory
// union (mem_offset for MMAP, fd for DMABUF, read back into the low 32 bits
// of M either way).
type v4l2Plane struct {
	BytesUsed  uint32
	Length     uint32
	M          uint64
	DataOffset uint32
	Reserved   [11]uint32
}

// v4l2Buffer mirrors struct v4l2_buffer for the multi-planar queues this
// module drives: M holds a pointer to a caller-supplied []v4l2Plane of
// length Length whenever Type is one of the _MPLANE buffer types, per the
// kernel's v4l2_buffer.m.planes union member.
type v4l2Buffer struct {
	Index      uint32
	Type       uint32
	BytesUsed  uint32
	Flags      uint32
	Field      uint32
	TvSec      int64
	TvUsec     int64
	TcType     uint32
	TcFlags    uint32
	TcFrames   uint8
	TcSeconds  uint8
	TcMinutes  uint8
	TcHours    uint8
	TcUserBits [4]uint8
	Sequence   uint32
	Memory     uint32
	M          uint64
	Length     uint32
	Reserved2  uint32
	RequestFD  int32
}

// rawIoctl issues a direct ioctl against fd. arg is either an integer value
// or a uintptr(unsafe.Pointer(...)) to a wire struct above; both fit in the
// int parameter IoctlSetInt forwards verbatim to the ioctl(2) syscall on the
// platforms this module targets.
func rawIoctl(fd uintptr, req uint, arg uintptr) error {
	return unix.IoctlSetInt(int(fd), uint(req), int(arg))
}
