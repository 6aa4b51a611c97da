// Package decoder implements the Decoder state machine: the
// Start/Decode/Flush lifecycle, the Pump algorithm that drains queued
// requests onto the kernel's input queue, the polling Service callback,
// and the resolution-change procedure. All Decoder state is touched only
// from tasks posted to its own internal/runner.Runner.
//
// Service processes input dequeues, then output dequeues, then the
// resolution-change event, in that order: input-buffer reclaim comes
// first because a stalled input queue blocks every subsequent Decode
// call, while output delivery can always wait one pass.
package decoder

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/crosav/v4l2codec2/internal/iface"
	"github.com/crosav/v4l2codec2/internal/nal"
	"github.com/crosav/v4l2codec2/internal/ring"
	"github.com/crosav/v4l2codec2/internal/runner"
	"github.com/crosav/v4l2codec2/internal/surface"
	"github.com/crosav/v4l2codec2/internal/surfacepool"
	"github.com/crosav/v4l2codec2/internal/wire"
)

// State is one of the Decoder's four states: Idle, Decoding, Draining,
// Error. Error is absorbing.
type State int

const (
	StateIdle State = iota
	StateDecoding
	StateDraining
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDecoding:
		return "decoding"
	case StateDraining:
		return "draining"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	kNumInputBuffers      = 16
	kNumExtraOutputBuffers = 4
	serviceInterval        = 5 * time.Millisecond
	fenceWaitBound          = 50 * time.Millisecond
)

// DecodeCallback reports completion of one submitted bitstream buffer.
type DecodeCallback func(err error)

// DrainCallback reports completion of a drain request.
type DrainCallback func(err error)

// FrameCallback delivers one decoded VideoFrame to the client.
type FrameCallback func(frame *surface.VideoFrame, bitstreamID int64)

// ErrorCallback is invoked exactly once on the Decoder's irrecoverable
// transition to Error.
type ErrorCallback func(err error)

type decodeRequest struct {
	drain   bool
	buf     surface.BitstreamBuffer
	cb      DecodeCallback
	drainCB DrainCallback
}

// Decoder drives one M2M device instance from Start through Decode,
// Drain, Flush, and Close.
type Decoder struct {
	log    *slog.Logger
	run    *runner.Runner
	dev    device
	poller *wire.Poller
	iface  *iface.DecodeInterface
	pool   *surfacepool.SurfacePool

	codecFourCC wire.PixelFormat
	minOutputBuffers int

	state State

	requests []decodeRequest
	ring     *ring.BitstreamRing

	pendingByBitstreamID map[int64]DecodeCallback
	frameByKernelIndex   map[int]*surface.VideoFrame

	initialEOSPresent bool
	pendingDRC        bool
	drainCB           DrainCallback
	drcQueuedDrain    bool

	outputStreaming bool
	codedWidth      int
	codedHeight     int
	nextKernelIndex int
	numOutputBuffers int

	reuseQueue []reuseEntry

	onFrame FrameCallback
	onError ErrorCallback

	pollStop chan struct{}
}

// reuseEntry preserves one kernel capture-queue index's frame identity
// across a Flush, so Flush can re-queue the same already-registered DMA
// graphic block to the same slot instead of fetching a fresh one from the
// SurfacePool.
type reuseEntry struct {
	kernelIndex int
	frame       *surface.VideoFrame
}

// Config bundles the Start-time parameters that come from the component.
type Config struct {
	DevicePath       string
	Codec            wire.PixelFormat
	MinOutputBuffers int
	OnFrame          FrameCallback
	OnError          ErrorCallback
}

// New constructs an idle Decoder bound to run, the serial task runner all
// of its state must be touched from.
func New(run *runner.Runner, pool *surfacepool.SurfacePool, ifc *iface.DecodeInterface, log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{
		log:                  log.With("component", "decoder"),
		run:                  run,
		iface:                ifc,
		pool:                 pool,
		state:                StateIdle,
		ring:                 ring.New(kNumInputBuffers),
		pendingByBitstreamID: make(map[int64]DecodeCallback),
		frameByKernelIndex:   make(map[int]*surface.VideoFrame),
	}
}

// State returns the Decoder's current state. Safe to call from any
// goroutine only because State is a single aligned int load inside the
// runner-owned struct's last-written snapshot; callers needing a
// consistent read should run through the Decoder's runner.
func (d *Decoder) State() State { return d.state }

// Start opens the device, probes flush support, subscribes to the
// source-change event, brings up both queues, and launches the poll
// goroutine. It must run on the Decoder's runner.
func (d *Decoder) Start(cfg Config) error {
	d.codecFourCC = cfg.Codec
	d.minOutputBuffers = cfg.MinOutputBuffers
	d.onFrame = cfg.OnFrame
	d.onError = cfg.OnError

	dev, err := openDevice(cfg.DevicePath)
	if err != nil {
		return d.fail(fmt.Errorf("decoder: open device: %w", err))
	}
	d.dev = dev

	if err := dev.SendStopCommand(); err != nil {
		return d.fail(fmt.Errorf("decoder: stop command unsupported: %w", err))
	}
	if err := dev.SubscribeSourceChange(); err != nil {
		return d.fail(fmt.Errorf("decoder: subscribe source-change: %w", err))
	}

	maxW, maxH := d.iface.MaxResolution()
	inputBufSize := uint32(d.iface.InputBufferSize(maxW, maxH))
	if err := dev.SetInputFormat(d.codecFourCC, inputBufSize); err != nil {
		return d.fail(fmt.Errorf("decoder: set input format: %w", err))
	}
	if _, err := dev.RequestInputBuffers(kNumInputBuffers); err != nil {
		return d.fail(fmt.Errorf("decoder: allocate input buffers: %w", err))
	}
	if err := dev.StreamOn(wire.BufTypeOutputMPlane); err != nil {
		return d.fail(fmt.Errorf("decoder: stream on input: %w", err))
	}

	got, err := dev.SetCaptureFormat(wire.FlexibleYUV420, 16, 16)
	if err != nil {
		return d.fail(fmt.Errorf("decoder: negotiate capture format: %w", err))
	}
	d.codedWidth, d.codedHeight = got.Width, got.Height
	if _, err := dev.RequestCaptureBuffers(1); err != nil {
		return d.fail(fmt.Errorf("decoder: allocate initial capture buffer: %w", err))
	}
	d.numOutputBuffers = 1
	if err := dev.StreamOn(wire.BufTypeCaptureMPlane); err != nil {
		return d.fail(fmt.Errorf("decoder: stream on output: %w", err))
	}
	d.outputStreaming = true
	d.initialEOSPresent = true
	// The one pre-DRC buffer is the initial EOS carrier: it guarantees the
	// kernel has somewhere to put the LAST-flagged buffer if a drain lands
	// before the first resolution change. Queued from the pool when a
	// producer is already configured; a drain before then takes the
	// immediate-completion shortcut in Pump instead.
	d.fetchOutput()

	d.poller = wire.NewPoller(dev)
	d.pollStop = make(chan struct{})
	go d.pollLoop()

	d.state = StateDecoding
	return nil
}

// pollLoop periodically posts Service to the runner. A dedicated poll
// goroutine rather than a blocking poll-on-the-runner-itself keeps the
// runner free to process Decode/Flush calls between polls.
func (d *Decoder) pollLoop() {
	for {
		select {
		case <-d.pollStop:
			return
		default:
		}
		res, err := d.poller.Wait(serviceInterval)
		if err != nil {
			d.run.Post(func() { d.handleError(fmt.Errorf("decoder: poll: %w", err)) })
			return
		}
		if res.InputReady || res.OutputReady || res.EventReady {
			d.run.Post(d.Service)
		}
	}
}

// fail transitions to Error and returns err, for use inline in Start.
func (d *Decoder) fail(err error) error {
	d.handleError(err)
	return err
}

// handleError transitions to Error and invokes the error callback exactly
// once.
func (d *Decoder) handleError(err error) {
	if d.state == StateError {
		return
	}
	d.state = StateError
	d.log.Error("decoder entering error state", "err", err)
	if d.onError != nil {
		d.onError(err)
	}
}

// CodecKind maps the wire pixel format configured at Start back to the
// IDR-predicate dispatch key (internal/nal.StreamCodec), so callers that
// scan a coded access unit for the IDR-wait predicate don't need to keep
// their own copy of the codec/fourcc table.
func (d *Decoder) CodecKind() nal.StreamCodec {
	switch d.codecFourCC {
	case wire.PixFmtHEVC:
		return nal.CodecHEVC
	case wire.PixFmtVP8:
		return nal.CodecVP8
	case wire.PixFmtVP9:
		return nal.CodecVP9
	default:
		return nal.CodecH264
	}
}

// Close streams off both queues, deallocates kernel buffers, and stops
// polling before releasing
// the device handle. Must run on the Decoder's runner, after Flush-style
// draining of in-flight work (the component is responsible for sequencing
// a final Flush before Close during Stop/Release).
func (d *Decoder) Close() error {
	if d.pollStop != nil {
		close(d.pollStop)
		d.pollStop = nil
	}
	if d.dev == nil {
		return nil
	}
	if err := d.dev.StreamOff(wire.BufTypeOutputMPlane); err != nil {
		d.log.Warn("close: stream off input failed", "err", err)
	}
	if d.outputStreaming {
		if err := d.dev.StreamOff(wire.BufTypeCaptureMPlane); err != nil {
			d.log.Warn("close: stream off output failed", "err", err)
		}
		d.outputStreaming = false
	}
	if _, err := d.dev.RequestInputBuffers(0); err != nil {
		d.log.Warn("close: deallocate input buffers failed", "err", err)
	}
	if _, err := d.dev.RequestCaptureBuffers(0); err != nil {
		d.log.Warn("close: deallocate output buffers failed", "err", err)
	}
	err := d.dev.Close()
	d.dev = nil
	return err
}
