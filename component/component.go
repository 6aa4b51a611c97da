// Package component implements DecodeComponent: the public façade that
// owns one serial task runner, translates framework calls into Decoder
// operations, and publishes decoded work back to the framework. Exported
// methods take a short-held lock before posting to owned goroutines. An
// errgroup holds a single watcher goroutine that ends on a fatal decoder
// error or on teardown; the Decoder runner and the SurfacePool fetch
// worker are not in the group, so a fatal error is forwarded to the
// Listener and the runners keep running until Stop, Reset or Release.
package component

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/crosav/v4l2codec2/codecerr"
	"github.com/crosav/v4l2codec2/internal/decoder"
	"github.com/crosav/v4l2codec2/internal/iface"
	"github.com/crosav/v4l2codec2/internal/nal"
	"github.com/crosav/v4l2codec2/internal/runner"
	"github.com/crosav/v4l2codec2/internal/surface"
	"github.com/crosav/v4l2codec2/internal/surfacepool"
	"github.com/crosav/v4l2codec2/internal/wire"
)

// lifecycle tracks where in start/stop/release the component sits, guarded
// by mu.
type lifecycle int

const (
	lifecycleNew lifecycle = iota
	lifecycleRunning
	lifecycleStopped
	lifecycleReleased
)

// Listener receives the asynchronous events a running DecodeComponent
// produces: decoded frames, drain completion, fatal errors, and format
// announcements.
type Listener interface {
	// OnFrameReady delivers one decoded frame, already carrying its
	// attached bitstream-id and resolved visible rectangle.
	OnFrameReady(frame *surface.VideoFrame)

	// OnDrainComplete reports completion of a Drain call (nil on success,
	// codecerr.ErrAborted if a Flush cut it short).
	OnDrainComplete(err error)

	// OnError reports the component's one-shot transition into its
	// absorbing Error state.
	OnError(err error)

	// OnAnnounce reports a capability/format snapshot, emitted on Start,
	// when a queued SPS changes the coded color aspects, and whenever
	// Announce is called explicitly.
	OnAnnounce(event AnnounceEvent)
}

// AnnounceEvent is the snapshot Announce and the automatic Start and
// color-aspects-change notifications deliver to the Listener.
type AnnounceEvent struct {
	CodedWidth   int
	CodedHeight  int
	OutputDelay  int
	ColorAspects nal.ColorAspects
}

// Config bundles the parameters DecodeComponent needs at construction
// (the capability inputs for its DecodeInterface) and at Start (the
// device-open parameters).
type Config struct {
	// Name is the component's framework-facing name, e.g.
	// "c2.v4l2.decoder.avc" or "c2.v4l2.decoder.avc.secure"; a ".secure"
	// suffix drives DecodeInterface's secure-mode flag.
	Name string

	Codec               iface.Codec
	DevicePath          string
	MinOutputBuffers    int
	LargeBufferVariant  bool
	DefaultColorAspects nal.ColorAspects

	// Query probes the device for its advertised profile/level list and
	// maximum resolution; nil falls back to codec-appropriate defaults.
	Query iface.QueryFunc

	// ConsumerQueue is the initial producer SurfacePool is configured
	// with at Start; nil leaves the pool without a producer, and nothing
	// in the component configures one later.
	ConsumerQueue surfacepool.ConsumerQueue
}

// DecodeComponent is the public decode façade: Start, Stop, Reset,
// Release, Queue, Drain, Flush, Announce, SetListener, Interface.
// All state-bearing work is posted to a single serial task runner; mu only
// ever guards the façade's own bookkeeping (lifecycle, listener, the
// runner/decoder handles themselves), never Decoder state directly.
type DecodeComponent struct {
	log *slog.Logger
	cfg Config
	ifc *iface.DecodeInterface

	mu        sync.Mutex
	lifecycle lifecycle

	// codedAspects is the last VUI color-aspects tuple extracted from a
	// queued SPS, zero-valued (all Unspecified) until one is seen. Guarded
	// by mu; merged with the interface defaults at announce time.
	codedAspects nal.ColorAspects

	decoderRunner *runner.Runner
	poolWorker    *runner.Runner
	pool          *surfacepool.SurfacePool
	dec           *decoder.Decoder

	cancel  context.CancelFunc
	group   *errgroup.Group
	fatalCh chan error

	listenerMu sync.Mutex
	listener   Listener
}

// New constructs a DecodeComponent and its DecodeInterface immediately,
// without touching any device — Start is what opens the M2M node.
func New(cfg Config, log *slog.Logger) *DecodeComponent {
	if log == nil {
		log = slog.Default()
	}
	ifc := iface.New(cfg.Name, cfg.Codec, cfg.LargeBufferVariant, cfg.Query)
	ifc.SetColorDefaults(cfg.DefaultColorAspects)
	return &DecodeComponent{
		log: log.With("component", cfg.Name),
		cfg: cfg,
		ifc: ifc,
	}
}

// Interface returns the component's passive capabilities object.
func (c *DecodeComponent) Interface() *iface.DecodeInterface { return c.ifc }

// wirePixelFormat maps the component's codec identity to the coded input
// fourcc Decoder.Start needs.
func wirePixelFormat(codec iface.Codec) wire.PixelFormat {
	switch codec {
	case iface.CodecHEVC:
		return wire.PixFmtHEVC
	case iface.CodecVP8:
		return wire.PixFmtVP8
	case iface.CodecVP9:
		return wire.PixFmtVP9
	default:
		return wire.PixFmtH264
	}
}

// Start blocks until the decoder is running: it creates the Decoder
// runner, the SurfacePool and its dedicated fetch worker, and the Decoder
// itself, then runs Decoder.Start on the Decoder runner and waits for it.
func (c *DecodeComponent) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lifecycle != lifecycleNew {
		return codecerr.ErrBadValue
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	fatalCh := make(chan error, 1)
	group.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case err := <-fatalCh:
			return err
		}
	})

	c.cancel = cancel
	c.group = group
	c.fatalCh = fatalCh

	c.decoderRunner = runner.New(c.cfg.Name+".decoder", 32, c.log)
	c.poolWorker = runner.New(c.cfg.Name+".pool-fetch", 8, c.log)
	c.pool = surfacepool.New(c.poolWorker, c.log)

	if c.cfg.ConsumerQueue != nil {
		if err := c.pool.ConfigureProducer(c.cfg.ConsumerQueue); err != nil {
			c.teardownRunnersLocked()
			return err
		}
	}

	c.dec = decoder.New(c.decoderRunner, c.pool, c.ifc, c.log)

	var startErr error
	c.decoderRunner.PostAndWait(func() {
		startErr = c.dec.Start(decoder.Config{
			DevicePath:       c.cfg.DevicePath,
			Codec:            wirePixelFormat(c.cfg.Codec),
			MinOutputBuffers: c.cfg.MinOutputBuffers,
			OnFrame:          c.handleFrame,
			OnError:          c.handleError,
		})
	})
	if startErr != nil {
		c.teardownRunnersLocked()
		return startErr
	}

	c.lifecycle = lifecycleRunning
	c.announceLocked()
	return nil
}

// handleFrame is Decoder's OnFrame callback, forwarding to the Listener
// outside any lock so a slow or re-entrant Listener can't deadlock the
// dispatch path.
func (c *DecodeComponent) handleFrame(frame *surface.VideoFrame, _ int64) {
	if l := c.currentListener(); l != nil {
		l.OnFrameReady(frame)
	}
}

// handleError is Decoder's OnError callback: it feeds the errgroup
// watcher's fatal channel (which ends only that watcher goroutine) and
// forwards the error to the Listener.
func (c *DecodeComponent) handleError(err error) {
	select {
	case c.fatalCh <- err:
	default:
	}
	if l := c.currentListener(); l != nil {
		l.OnError(err)
	}
}

func (c *DecodeComponent) currentListener() Listener {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	return c.listener
}

// SetListener replaces the Listener under a dedicated mutex, distinct
// from the decoder-facing
// lifecycle mutex so a slow Listener callback can never block Queue/Drain.
func (c *DecodeComponent) SetListener(l Listener) {
	c.listenerMu.Lock()
	c.listener = l
	c.listenerMu.Unlock()
}

// Queue submits one bitstream buffer for decode. It scans codedBytes for
// the IDR-wait predicate on the calling goroutine
// (the Decoder itself never holds a mapped view of the coded payload, only
// the DMA fd) and posts the decode request to the Decoder runner.
func (c *DecodeComponent) Queue(buf surface.BitstreamBuffer, codedBytes []byte, secure bool, cb decoder.DecodeCallback) error {
	c.mu.Lock()
	running := c.lifecycle == lifecycleRunning
	dec := c.dec
	run := c.decoderRunner
	c.mu.Unlock()
	if !running {
		return codecerr.ErrNotInitialized
	}

	c.noteCodedAspects(codedBytes)

	containsIDR := nal.ContainsIDR(dec.CodecKind(), codedBytes)
	run.Post(func() { dec.Decode(buf, secure, containsIDR, cb) })
	return nil
}

// noteCodedAspects scans codedBytes for an SPS and, when one parses,
// records its VUI color aspects and re-announces so the listener observes
// the new merged values. Parse failures are ignored: a truncated or
// malformed SPS is the hardware decoder's problem, not a reason to drop
// the submission here.
func (c *DecodeComponent) noteCodedAspects(codedBytes []byte) {
	aspects, ok := extractCodedAspects(c.cfg.Codec, codedBytes)
	if !ok {
		return
	}
	c.mu.Lock()
	changed := aspects != c.codedAspects
	c.codedAspects = aspects
	c.mu.Unlock()
	if changed {
		c.Announce()
	}
}

// extractCodedAspects locates the first SPS NAL unit in codedBytes and
// extracts its VUI color aspects. ok is false when the codec carries no
// SPS concept (VP8/VP9), no SPS is present, or the SPS fails to parse.
func extractCodedAspects(codec iface.Codec, codedBytes []byte) (nal.ColorAspects, bool) {
	var naluCodec nal.Codec
	switch codec {
	case iface.CodecH264:
		naluCodec = nal.H264
	case iface.CodecHEVC:
		naluCodec = nal.HEVC
	default:
		return nal.ColorAspects{}, false
	}

	sps := nal.NewParser(naluCodec, codedBytes).LocateSPS()
	if sps == nil {
		return nal.ColorAspects{}, false
	}

	var (
		aspects nal.ColorAspects
		err     error
	)
	if naluCodec == nal.HEVC {
		aspects, err = nal.ExtractHEVCColorAspects(sps)
	} else {
		aspects, err = nal.ExtractH264ColorAspects(sps)
	}
	if err != nil {
		return nal.ColorAspects{}, false
	}
	return aspects, true
}

// Drain requests end-of-stream draining; cb fires when every queued
// buffer has produced its output.
func (c *DecodeComponent) Drain(cb decoder.DrainCallback) error {
	c.mu.Lock()
	running := c.lifecycle == lifecycleRunning
	dec := c.dec
	run := c.decoderRunner
	c.mu.Unlock()
	if !running {
		return codecerr.ErrNotInitialized
	}
	run.Post(func() { dec.Drain(cb) })
	return nil
}

// Flush blocks until every in-flight request has been aborted and the
// decoder is back to Idle.
func (c *DecodeComponent) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lifecycle != lifecycleRunning {
		return codecerr.ErrNotInitialized
	}
	var err error
	c.decoderRunner.PostAndWait(func() { err = c.dec.Flush() })
	return err
}

// Announce pushes a capability/format snapshot to the current Listener
// without otherwise touching
// Decoder state. Safe to call whether or not the component is running.
func (c *DecodeComponent) Announce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.announceLocked()
}

func (c *DecodeComponent) announceLocked() {
	l := c.currentListener()
	if l == nil {
		return
	}
	event := AnnounceEvent{
		OutputDelay:  c.ifc.OutputDelay(),
		ColorAspects: c.ifc.MergeColorAspects(c.codedAspects),
	}
	if c.lifecycle == lifecycleRunning {
		event.CodedWidth, event.CodedHeight = c.ifc.MaxResolution()
	}
	l.OnAnnounce(event)
}

// Reset is a blocking flush-and-teardown that returns the component to a
// state where Start can be called again, unlike Release which is
// permanent.
func (c *DecodeComponent) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lifecycle != lifecycleRunning {
		return codecerr.ErrNotInitialized
	}
	err := c.stopLocked()
	c.lifecycle = lifecycleNew
	return err
}

// Stop blocks through Decoder.Close's stream-off/deallocate/stop-polling
// teardown, then stops the Decoder/SurfacePool runners themselves.
// The component remains constructed (Interface still answers) but cannot
// be reused: Start and Reset both refuse a stopped component. Call Release
// to free it permanently; Reset, used instead of Stop on a running
// component, allows a fresh Start.
func (c *DecodeComponent) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lifecycle != lifecycleRunning {
		return codecerr.ErrNotInitialized
	}
	err := c.stopLocked()
	c.lifecycle = lifecycleStopped
	return err
}

// stopLocked performs the actual teardown; callers hold mu and set the
// resulting lifecycle themselves (Stop vs Reset disagree on where it ends
// up).
func (c *DecodeComponent) stopLocked() error {
	var closeErr error
	c.decoderRunner.PostAndWait(func() {
		_ = c.dec.Flush()
		closeErr = c.dec.Close()
	})
	c.teardownRunnersLocked()
	return closeErr
}

// teardownRunnersLocked cancels the supervising errgroup and stops the
// Decoder runner and the SurfacePool fetch worker. Callers hold mu.
func (c *DecodeComponent) teardownRunnersLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.group != nil {
		_ = c.group.Wait()
	}
	if c.decoderRunner != nil {
		c.decoderRunner.Stop()
		c.decoderRunner = nil
	}
	if c.poolWorker != nil {
		c.poolWorker.Stop()
		c.poolWorker = nil
	}
	c.pool = nil
	c.dec = nil
	c.cancel = nil
	c.group = nil
	c.fatalCh = nil
}

// Release is the permanent teardown. Idempotent
// and callable from any lifecycle state (mirrors the framework's own
// component lifecycle, which may release a component that was never
// started).
func (c *DecodeComponent) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lifecycle == lifecycleReleased {
		return nil
	}
	var err error
	if c.lifecycle == lifecycleRunning {
		err = c.stopLocked()
	}
	c.lifecycle = lifecycleReleased
	c.listenerMu.Lock()
	c.listener = nil
	c.listenerMu.Unlock()
	if errors.Is(err, codecerr.ErrNotInitialized) {
		return nil
	}
	return err
}
