// Package surface defines the data types that flow between the Decoder
// and the SurfacePool: the coded-side BitstreamBuffer and the
// decoded-side VideoFrame, a holder carrying geometry plus an attached
// identity whose payload is a DMA graphic block.
package surface

// Rect is a pixel rectangle, used for the decoded frame's visible region;
// it must be contained within the coded size.
type Rect struct {
	Left, Top, Right, Bottom int
}

// Empty reports whether r has zero or negative area.
func (r Rect) Empty() bool {
	return r.Right <= r.Left || r.Bottom <= r.Top
}

// Contains reports whether r fits entirely within bound.
func (r Rect) Contains(bound Rect) bool {
	return r.Left >= bound.Left && r.Top >= bound.Top &&
		r.Right <= bound.Right && r.Bottom <= bound.Bottom
}

// BufferFormat is the format fixed at pool configuration; any fetch
// request mismatching this is an error.
type BufferFormat struct {
	Width, Height int
	PixelFormat   uint32
	UsageFlags    uint32
}

// BitstreamBuffer is a reference to a DMA file descriptor plus the region of
// it holding one coded access unit, tagged with the client-supplied
// monotonically increasing bitstream-id used to correlate completion with
// submission. Owned by the Decoder from submission until the kernel
// dequeues the input buffer.
type BitstreamBuffer struct {
	FD          int
	Offset      int64
	Size        int64
	BitstreamID int64
	TimestampUs int64
}

// Plane is one memory plane of a DMA graphic block: its file descriptor,
// byte offset into that FD, stride, and the size the kernel filled in after
// a successful dequeue.
type Plane struct {
	FD        int
	Offset    int64
	Stride    int
	BytesUsed int64
}

// VideoFrame is a holder around a graphic block (a DMA surface) exposing the
// plane FDs and geometry, carrying an attached bitstream-id and a visible
// rectangle once the Decoder assigns them. It is owned by the
// SurfacePool while free, by the Decoder while queued to the kernel, and
// released to the client when dequeued with a non-empty payload.
type VideoFrame struct {
	Planes        []Plane
	Format        BufferFormat
	UniqueID      uint64
	KernelIndex   int
	BitstreamID   int64
	TimestampUs   int64
	VisibleRect   Rect
	ColorAspects  ColorAspects
	GenerationNum uint64
}

// ColorAspects mirrors nal.ColorAspects without importing internal/nal, so
// surface stays a leaf package consumed by both internal/nal's callers and
// internal/decoder. No code in this module sets VideoFrame.ColorAspects,
// so delivered frames carry its zero value.
type ColorAspects struct {
	Range      int
	Primaries  int
	Transfer   int
	MatrixCoef int
}

// ResolvedVisibleRect returns f.VisibleRect if it is non-empty and
// contained within coded, else coded itself: an empty or out-of-range
// kernel rectangle falls back to the coded size.
func (f *VideoFrame) ResolvedVisibleRect(coded Rect) Rect {
	if f.VisibleRect.Empty() || !f.VisibleRect.Contains(coded) {
		return coded
	}
	return f.VisibleRect
}
