package iface

import (
	"testing"

	"github.com/crosav/v4l2codec2/internal/nal"
)

func TestSecureSuffixDetection(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		secure bool
	}{
		{"c2.v4l2.decoder.avc", false},
		{"c2.v4l2.decoder.avc.secure", true},
		{"c2.v4l2.decoder.hevc.secure", true},
	}
	for _, tt := range cases {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := New(tt.name, CodecH264, false, nil)
			if got := d.Secure(); got != tt.secure {
				t.Errorf("Secure() = %v, want %v", got, tt.secure)
			}
		})
	}
}

func TestFallsBackToDefaultProfileLevelsWhenQueryUnsupported(t *testing.T) {
	t.Parallel()

	d := New("c2.v4l2.decoder.avc", CodecH264, false, func(Codec) ([]ProfileLevel, int, int, bool) {
		return nil, 0, 0, false
	})
	if len(d.ProfileLevels()) == 0 {
		t.Fatal("expected non-empty fallback profile/level list")
	}
	w, h := d.MaxResolution()
	if w != defaultMaxDimension || h != defaultMaxDimension {
		t.Errorf("MaxResolution() = (%d, %d), want (%d, %d)", w, h, defaultMaxDimension, defaultMaxDimension)
	}
}

func TestUsesQueriedProfileLevelsWhenAvailable(t *testing.T) {
	t.Parallel()

	want := []ProfileLevel{{Profile: 100, Level: 50}}
	d := New("c2.v4l2.decoder.avc", CodecH264, false, func(Codec) ([]ProfileLevel, int, int, bool) {
		return want, 1920, 1080, true
	})
	if got := d.ProfileLevels(); len(got) != 1 || got[0] != want[0] {
		t.Errorf("ProfileLevels() = %v, want %v", got, want)
	}
	w, h := d.MaxResolution()
	if w != 1920 || h != 1080 {
		t.Errorf("MaxResolution() = (%d, %d), want (1920, 1080)", w, h)
	}
}

func TestOutputDelayPerCodec(t *testing.T) {
	t.Parallel()

	cases := []struct {
		codec Codec
		want  int
	}{
		{CodecH264, 16},
		{CodecHEVC, 16},
		{CodecVP8, 3},
		{CodecVP9, 8},
	}
	for _, tt := range cases {
		d := New("c2.v4l2.decoder.x", tt.codec, false, nil)
		if got := d.OutputDelay(); got != tt.want {
			t.Errorf("OutputDelay(%v) = %d, want %d", tt.codec, got, tt.want)
		}
	}
}

func TestPipelineDelayIsFixed(t *testing.T) {
	t.Parallel()

	for _, codec := range []Codec{CodecH264, CodecHEVC, CodecVP8, CodecVP9} {
		d := New("c2.v4l2.decoder.x", codec, false, nil)
		if got := d.PipelineDelay(); got != 3 {
			t.Errorf("PipelineDelay(%v) = %d, want 3", codec, got)
		}
	}
}

func TestInputBufferSizePolicy(t *testing.T) {
	t.Parallel()

	d := New("c2.v4l2.decoder.avc", CodecH264, false, nil)
	if got := d.InputBufferSize(1920, 1080); got != BaseBufferSizeStandard {
		t.Errorf("InputBufferSize(1080p) = %d, want BASE", got)
	}
	if got := d.InputBufferSize(3840, 2160+1); got != 4*BaseBufferSizeStandard {
		t.Errorf("InputBufferSize(>4K) = %d, want 4xBASE", got)
	}

	large := New("c2.v4l2.decoder.avc", CodecH264, true, nil)
	if got := large.InputBufferSize(1920, 1080); got != BaseBufferSizeLarge {
		t.Errorf("InputBufferSize(1080p, large variant) = %d, want large BASE", got)
	}
}

func TestMergeColorAspectsSubstitutesOnlyUnspecified(t *testing.T) {
	t.Parallel()

	d := New("c2.v4l2.decoder.avc", CodecH264, false, nil)
	d.SetColorDefaults(nal.ColorAspects{
		Range:     nal.RangeLimited,
		Primaries: 1,
		Transfer:  1,
		Matrix:    1,
	})

	merged := d.MergeColorAspects(nal.ColorAspects{
		Range:     nal.RangeFull,
		Primaries: nal.Unspecified,
		Transfer:  nal.Unspecified,
		Matrix:    nal.Unspecified,
	})

	if merged.Range != nal.RangeFull {
		t.Errorf("Range = %v, want coded RangeFull", merged.Range)
	}
	if merged.Primaries != 1 || merged.Transfer != 1 || merged.Matrix != 1 {
		t.Errorf("unspecified coded fields should fall back to defaults, got %+v", merged)
	}
}
