package nal

import "testing"

// buildH264SPSColorAspectsFixture hand-builds a minimal Baseline-profile SPS
// RBSP (profile_idc=66 skips the chroma-format block) carrying a VUI with
// explicit color aspects, for TestExtractH264ColorAspects.
func buildH264SPSColorAspectsFixture(primaries, transfer, matrix byte, fullRange bool) []byte {
	bw := &bitWriter{}
	bw.writeBits(66, 8) // profile_idc (Baseline, no chroma-format block)
	bw.writeBits(0, 8)  // constraint_set flags + reserved
	bw.writeBits(30, 8) // level_idc

	writeUE(bw, 0) // seq_parameter_set_id
	writeUE(bw, 0) // log2_max_frame_num_minus4
	writeUE(bw, 2) // pic_order_cnt_type = 2 (no extra fields)
	writeUE(bw, 0) // max_num_ref_frames
	bw.writeBit(0) // gaps_in_frame_num_value_allowed_flag
	writeUE(bw, 19) // pic_width_in_mbs_minus1  -> (19+1)*16 = 320
	writeUE(bw, 14) // pic_height_in_map_units_minus1 -> (14+1)*16 = 240
	bw.writeBit(1)  // frame_mbs_only_flag
	bw.writeBit(1)  // direct_8x8_inference_flag
	bw.writeBit(0)  // frame_cropping_flag

	bw.writeBit(1) // vui_parameters_present_flag
	bw.writeBit(0) // aspect_ratio_info_present_flag
	bw.writeBit(0) // overscan_info_present_flag
	bw.writeBit(1) // video_signal_type_present_flag
	bw.writeBits(5, 3)
	if fullRange {
		bw.writeBit(1)
	} else {
		bw.writeBit(0)
	}
	bw.writeBit(1) // colour_description_present_flag
	bw.writeBits(uint64(primaries), 8)
	bw.writeBits(uint64(transfer), 8)
	bw.writeBits(uint64(matrix), 8)

	return append([]byte{0x67}, bw.buf...)
}

// writeUE writes an Exp-Golomb unsigned code directly onto bw, so callers
// can pack multiple codes back-to-back without byte-alignment padding
// between them (unlike EncodeUE, which returns a byte-aligned slice).
func writeUE(bw *bitWriter, x uint64) {
	v := x + 1
	nbits := 0
	for t := v; t > 1; t >>= 1 {
		nbits++
	}
	for i := 0; i < nbits; i++ {
		bw.writeBit(0)
	}
	bw.writeBits(v, nbits+1)
}

func TestExtractH264ColorAspects(t *testing.T) {
	t.Parallel()

	sps := buildH264SPSColorAspectsFixture(9, 16, 9, true)
	got, err := ExtractH264ColorAspects(sps)
	if err != nil {
		t.Fatalf("ExtractH264ColorAspects: %v", err)
	}
	want := ColorAspects{Range: RangeFull, Primaries: 9, Transfer: 16, Matrix: 9}
	if got != want {
		t.Errorf("ExtractH264ColorAspects() = %+v, want %+v", got, want)
	}
}

func TestExtractH264ColorAspectsLimitedRange(t *testing.T) {
	t.Parallel()

	sps := buildH264SPSColorAspectsFixture(1, 1, 1, false)
	got, err := ExtractH264ColorAspects(sps)
	if err != nil {
		t.Fatalf("ExtractH264ColorAspects: %v", err)
	}
	if got.Range != RangeLimited {
		t.Errorf("Range = %v, want RangeLimited", got.Range)
	}
}

func TestExtractH264ColorAspectsNoVUI(t *testing.T) {
	t.Parallel()

	bw := &bitWriter{}
	bw.writeBits(66, 8)
	bw.writeBits(0, 8)
	bw.writeBits(30, 8)
	writeUE(bw, 0)
	writeUE(bw, 0)
	writeUE(bw, 2)
	writeUE(bw, 0)
	bw.writeBit(0)
	writeUE(bw, 19)
	writeUE(bw, 14)
	bw.writeBit(1)
	bw.writeBit(1)
	bw.writeBit(0)
	bw.writeBit(0) // vui_parameters_present_flag = 0

	sps := append([]byte{0x67}, bw.buf...)
	got, err := ExtractH264ColorAspects(sps)
	if err != nil {
		t.Fatalf("ExtractH264ColorAspects: %v", err)
	}
	if got != (ColorAspects{}) {
		t.Errorf("expected zero ColorAspects without VUI, got %+v", got)
	}
}

func TestExtractH264ColorAspectsTruncated(t *testing.T) {
	t.Parallel()
	if _, err := ExtractH264ColorAspects([]byte{0x67, 0x42}); err == nil {
		t.Error("expected error for truncated SPS")
	}
}

func TestMergeColorAspects(t *testing.T) {
	t.Parallel()

	defaults := ColorAspects{Range: RangeLimited, Primaries: 1, Transfer: 1, Matrix: 1}
	coded := ColorAspects{Range: Unspecified, Primaries: 9, Transfer: Unspecified, Matrix: 9}

	got := Merge(defaults, coded)
	want := ColorAspects{Range: RangeLimited, Primaries: 9, Transfer: 1, Matrix: 9}
	if got != want {
		t.Errorf("Merge() = %+v, want %+v", got, want)
	}
}
