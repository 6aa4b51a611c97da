// v4l2codecd is a command-line harness driving one DecodeComponent
// against a V4L2 M2M device node and an Annex-B elementary-stream file.
// It exists to exercise the full start/queue/drain/stop lifecycle end to
// end, not to replace a framework's own component host.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/crosav/v4l2codec2/component"
	"github.com/crosav/v4l2codec2/internal/iface"
	"github.com/crosav/v4l2codec2/internal/surface"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	devicePath := flag.String("device", envOr("V4L2CODECD_DEVICE", "/dev/video0"), "V4L2 M2M device node")
	inputPath := flag.String("input", "", "Annex-B elementary stream file to decode")
	codecName := flag.String("codec", "h264", "h264, hevc, vp8, or vp9")
	secure := flag.Bool("secure", false, "submit buffers through the secure path")
	minOutputBuffers := flag.Int("min-output-buffers", 0, "minimum capture buffers to request on a resolution change")
	flag.Parse()

	if *inputPath == "" {
		slog.Error("missing -input")
		os.Exit(1)
	}
	codec, err := parseCodec(*codecName)
	if err != nil {
		slog.Error("bad -codec", "error", err)
		os.Exit(1)
	}

	slog.Info("v4l2codecd starting",
		"version", version,
		"device", *devicePath,
		"codec", codec,
		"input", *inputPath,
	)

	data, err := os.ReadFile(*inputPath)
	if err != nil {
		slog.Error("read input", "error", err)
		os.Exit(1)
	}

	a := &app{log: slog.Default()}
	c := component.New(component.Config{
		Name:             componentName(codec, *secure),
		Codec:            codec,
		DevicePath:       *devicePath,
		MinOutputBuffers: *minOutputBuffers,
	}, a.log)
	c.SetListener(a)

	if err := c.Start(); err != nil {
		slog.Error("start failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := c.Stop(); err != nil {
			slog.Warn("stop", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, aborting decode", "signal", sig)
			_ = c.Flush()
			return fmt.Errorf("interrupted by %s", sig)
		case <-ctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		return runDecode(ctx, c, codec, *secure, data, a)
	})

	if err := g.Wait(); err != nil {
		slog.Warn("v4l2codecd exiting", "reason", err)
	}
	slog.Info("decode complete", "frames", a.frameCount())
}

// runDecode submits every access unit, drains, and returns once the
// component reports drain completion or ctx is cancelled.
func runDecode(ctx context.Context, c *component.DecodeComponent, codec iface.Codec, secure bool, data []byte, a *app) error {
	units := splitAccessUnits(codec, data)
	slog.Info("submitting access units", "count", len(units))

	var wg sync.WaitGroup
	var bitstreamID int64
	for _, unit := range units {
		if ctx.Err() != nil {
			break
		}
		fd, err := memfdWithContents(unit)
		if err != nil {
			return fmt.Errorf("memfd_create: %w", err)
		}
		bitstreamID++
		id := bitstreamID

		wg.Add(1)
		err = c.Queue(surface.BitstreamBuffer{
			FD:          fd,
			Size:        int64(len(unit)),
			BitstreamID: id,
		}, unit, secure, func(err error) {
			defer wg.Done()
			_ = unix.Close(fd)
			if err != nil {
				slog.Warn("decode callback", "bitstream_id", id, "error", err)
			}
		})
		if err != nil {
			wg.Done()
			_ = unix.Close(fd)
			return fmt.Errorf("queue bitstream %d: %w", id, err)
		}
	}
	wg.Wait()

	drainDone := make(chan error, 1)
	if err := c.Drain(func(err error) { drainDone <- err }); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	select {
	case err := <-drainDone:
		if err != nil {
			slog.Warn("drain completed with error", "error", err)
		}
	case <-time.After(5 * time.Second):
		slog.Warn("drain timed out")
	case <-ctx.Done():
	}
	return nil
}

// app implements component.Listener, logging every event to slog.
type app struct {
	log *slog.Logger

	mu    sync.Mutex
	count int
}

func (a *app) OnFrameReady(frame *surface.VideoFrame) {
	a.mu.Lock()
	a.count++
	n := a.count
	a.mu.Unlock()
	a.log.Info("frame ready",
		"n", n,
		"bitstream_id", frame.BitstreamID,
		"visible_rect", frame.VisibleRect,
		"timestamp_us", frame.TimestampUs,
	)
}

func (a *app) frameCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

func (a *app) OnDrainComplete(err error) {
	a.log.Info("drain complete", "error", err)
}

func (a *app) OnError(err error) {
	a.log.Error("decoder error", "error", err)
}

func (a *app) OnAnnounce(e component.AnnounceEvent) {
	a.log.Info("announce",
		"coded_width", e.CodedWidth,
		"coded_height", e.CodedHeight,
		"output_delay", e.OutputDelay,
	)
}

func parseCodec(name string) (iface.Codec, error) {
	switch name {
	case "h264", "avc":
		return iface.CodecH264, nil
	case "hevc", "h265":
		return iface.CodecHEVC, nil
	case "vp8":
		return iface.CodecVP8, nil
	case "vp9":
		return iface.CodecVP9, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", name)
	}
}

func componentName(codec iface.Codec, secure bool) string {
	suffix := map[iface.Codec]string{
		iface.CodecH264: "avc",
		iface.CodecHEVC: "hevc",
		iface.CodecVP8:  "vp8",
		iface.CodecVP9:  "vp9",
	}[codec]
	name := "c2.v4l2.decoder." + suffix
	if secure {
		name += ".secure"
	}
	return name
}

// splitAccessUnits frames data into per-buffer submissions. For H.264/HEVC
// it scans Annex-B start codes and submits one NAL unit per buffer; this
// harness doesn't reassemble multi-slice access units, so it only drives
// single-NAL-per-frame streams correctly. VP8/VP9 carry no Annex-B framing
// at all, so the whole file is submitted as one buffer.
func splitAccessUnits(codec iface.Codec, data []byte) [][]byte {
	switch codec {
	case iface.CodecHEVC:
		return splitAnnexB(data)
	case iface.CodecH264:
		return splitAnnexB(data)
	default:
		if len(data) == 0 {
			return nil
		}
		return [][]byte{data}
	}
}

// splitAnnexB returns the byte ranges between successive 00 00 01 / 00 00 00
// 01 start codes, mirroring internal/nal/startcode.go's scan but yielding
// whole slices rather than a stateful cursor, since this harness (unlike the
// Decoder) needs the raw bytes to hand the kernel.
func splitAnnexB(data []byte) [][]byte {
	var starts []int
	for i := 0; i+2 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			starts = append(starts, i+3)
		}
	}
	if len(starts) == 0 {
		return nil
	}
	units := make([][]byte, 0, len(starts))
	for i, start := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1] - 3
		}
		if end > start && data[end-1] == 0 {
			end--
		}
		if end > start {
			units = append(units, data[start:end])
		}
	}
	return units
}

// memfdWithContents creates an anonymous memfd and writes buf into it,
// standing in for the DMA-buf allocation a real client would obtain from
// its own graphics allocator.
func memfdWithContents(buf []byte) (int, error) {
	fd, err := unix.MemfdCreate("v4l2codecd-bitstream", 0)
	if err != nil {
		return 0, fmt.Errorf("memfd_create: %w", err)
	}
	if _, err := unix.Write(fd, buf); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("write memfd: %w", err)
	}
	if _, err := unix.Seek(fd, 0, 0); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("seek memfd: %w", err)
	}
	return fd, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
