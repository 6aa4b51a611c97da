// Package iface implements DecodeInterface: a passive
// capabilities object computed once at component creation from the codec
// name, the component name, and the device's advertised profile/level
// query (falling back to codec-appropriate defaults when unsupported).
package iface

import (
	"strings"

	"github.com/crosav/v4l2codec2/internal/nal"
)

// Codec identifies which bitstream format a DecodeInterface describes.
type Codec int

const (
	CodecH264 Codec = iota
	CodecHEVC
	CodecVP8
	CodecVP9
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecHEVC:
		return "hevc"
	case CodecVP8:
		return "vp8"
	case CodecVP9:
		return "vp9"
	default:
		return "unknown"
	}
}

// Profile/level identifiers are codec-specific small integers; callers
// compare them against the codec's own constant set.
type ProfileLevel struct {
	Profile int
	Level   int
}

// defaultProfileLevels is the codec-appropriate fallback used when the
// device's VIDIOC_ENUM_FRMSIZES/profile query is unsupported.
var defaultProfileLevels = map[Codec][]ProfileLevel{
	CodecH264: {{Profile: 66, Level: 51}, {Profile: 77, Level: 51}, {Profile: 100, Level: 51}},
	CodecHEVC: {{Profile: 1, Level: 183}},
	CodecVP8:  {{Profile: 0, Level: 0}},
	CodecVP9:  {{Profile: 0, Level: 0}},
}

// outputDelay is the per-codec output-delay table: how many frames the
// hardware may hold before producing output.
var outputDelay = map[Codec]int{
	CodecH264: 16,
	CodecHEVC: 16,
	CodecVP8:  3,
	CodecVP9:  8,
}

// defaultMaxDimension is used when the device cannot report a maximum
// resolution.
const defaultMaxDimension = 4096

// pipelineDelay is the fixed pipeline-delay parameter reported to the
// framework alongside the codec-specific output delay.
const pipelineDelay = 3

// Input-buffer-size policy constants: area above 4K uses 4xBASE, else
// BASE. BASE depends on the build variant (1 MiB standard, 2 MiB for the
// larger-buffer build variant).
const (
	BaseBufferSizeStandard = 1 << 20
	BaseBufferSizeLarge    = 2 << 20
	fourKArea              = 3840 * 2160
)

// DecodeInterface is the passive capabilities object the framework reads
// configuration from. It never touches the device after construction.
type DecodeInterface struct {
	codec         Codec
	secure        bool
	profileLevels []ProfileLevel
	maxWidth      int
	maxHeight     int
	outputDelay   int
	baseBufSize   int
	colorDefaults nal.ColorAspects
}

// QueryFunc probes the device for its advertised profile/level list and
// maximum resolution; it returns ok=false when the device doesn't support
// the query, triggering the codec-appropriate fallback.
type QueryFunc func(codec Codec) (levels []ProfileLevel, maxW, maxH int, ok bool)

// New builds a DecodeInterface for componentName (e.g.
// "c2.v4l2.decoder.avc" or "c2.v4l2.decoder.avc.secure"), deriving the
// secure-mode flag from a ".secure" suffix, querying the
// device via query, and falling back to defaults when query reports !ok.
func New(componentName string, codec Codec, largeBufferVariant bool, query QueryFunc) *DecodeInterface {
	secure := strings.HasSuffix(componentName, ".secure")

	levels, maxW, maxH, ok := []ProfileLevel(nil), 0, 0, false
	if query != nil {
		levels, maxW, maxH, ok = query(codec)
	}
	if !ok || len(levels) == 0 {
		levels = defaultProfileLevels[codec]
	}
	if maxW <= 0 || maxH <= 0 {
		maxW, maxH = defaultMaxDimension, defaultMaxDimension
	}

	base := BaseBufferSizeStandard
	if largeBufferVariant {
		base = BaseBufferSizeLarge
	}

	return &DecodeInterface{
		codec:         codec,
		secure:        secure,
		profileLevels: levels,
		maxWidth:      maxW,
		maxHeight:     maxH,
		outputDelay:   outputDelay[codec],
		baseBufSize:   base,
	}
}

// Codec returns the codec identity.
func (d *DecodeInterface) Codec() Codec { return d.codec }

// Secure reports whether the component name carried a ".secure" suffix.
func (d *DecodeInterface) Secure() bool { return d.secure }

// ProfileLevels returns the supported profile/level list.
func (d *DecodeInterface) ProfileLevels() []ProfileLevel { return d.profileLevels }

// MaxResolution returns the maximum supported coded dimensions.
func (d *DecodeInterface) MaxResolution() (width, height int) { return d.maxWidth, d.maxHeight }

// OutputDelay returns the codec-specific number of frames the decoder may
// hold before producing output.
func (d *DecodeInterface) OutputDelay() int { return d.outputDelay }

// PipelineDelay returns the fixed pipeline-delay parameter.
func (d *DecodeInterface) PipelineDelay() int { return pipelineDelay }

// InputBufferSize applies the size policy: area > 4K uses 4xBASE, else
// BASE.
func (d *DecodeInterface) InputBufferSize(width, height int) int {
	if width*height > fourKArea {
		return 4 * d.baseBufSize
	}
	return d.baseBufSize
}

// SetColorDefaults records the "default" tuning used by MergeColorAspects.
func (d *DecodeInterface) SetColorDefaults(defaults nal.ColorAspects) {
	d.colorDefaults = defaults
}

// MergeColorAspects combines the interface's default tuning with a coded
// (bitstream-derived) input per field.
func (d *DecodeInterface) MergeColorAspects(coded nal.ColorAspects) nal.ColorAspects {
	return nal.Merge(d.colorDefaults, coded)
}
