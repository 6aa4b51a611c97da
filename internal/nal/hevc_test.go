package nal

import "testing"

// buildHEVCSPSColorAspectsFixture hand-builds a minimal HEVC SPS RBSP with
// max_sub_layers_minus1=0 (so the per-sublayer PTL loop is empty) and
// numShortTermRefPicSets short-term RPS entries, each with zero negative
// and positive pictures, carrying a VUI with explicit color aspects.
func buildHEVCSPSColorAspectsFixture(primaries, transfer, matrix byte, fullRange bool, numSTRPS int) []byte {
	bw := &bitWriter{}
	bw.writeBits(0, 4) // sps_video_parameter_set_id
	bw.writeBits(0, 3) // sps_max_sub_layers_minus1
	bw.writeBit(1)     // sps_temporal_id_nesting_flag
	bw.writeBits(0, 96) // profile_tier_level, 96 fixed bits

	writeUE(bw, 0)   // sps_seq_parameter_set_id
	writeUE(bw, 1)   // chroma_format_idc (4:2:0)
	writeUE(bw, 319) // pic_width_in_luma_samples  -> 320 (width is exact, unlike H.264's mb units)
	writeUE(bw, 239) // pic_height_in_luma_samples -> 240
	bw.writeBit(0)   // conformance_window_flag
	writeUE(bw, 0)   // bit_depth_luma_minus8
	writeUE(bw, 0)   // bit_depth_chroma_minus8
	writeUE(bw, 4)   // log2_max_pic_order_cnt_lsb_minus4 -> log2MaxPOC = 8

	bw.writeBit(0) // sps_sub_layer_ordering_info_present_flag
	writeUE(bw, 0) // max_dec_pic_buffering_minus1[0]
	writeUE(bw, 0) // max_num_reorder_pics[0]
	writeUE(bw, 0) // max_latency_increase_plus1[0]

	for i := 0; i < 6; i++ { // coding-block parameters
		writeUE(bw, 0)
	}

	bw.writeBit(0) // scaling_list_enabled_flag
	bw.writeBit(0) // amp_enabled_flag
	bw.writeBit(0) // sample_adaptive_offset_enabled_flag
	bw.writeBit(0) // pcm_enabled_flag

	writeUE(bw, uint64(numSTRPS)) // num_short_term_ref_pic_sets
	for i := 0; i < numSTRPS; i++ {
		if i > 0 {
			bw.writeBit(0) // inter_ref_pic_set_prediction_flag
		}
		writeUE(bw, 0) // num_negative_pics
		writeUE(bw, 0) // num_positive_pics
	}

	bw.writeBit(0) // long_term_ref_pics_present_flag
	bw.writeBit(0) // sps_temporal_mvp_enabled_flag
	bw.writeBit(0) // strong_intra_smoothing_enabled_flag

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

	return append([]byte{0x42, 0x01}, bw.buf...)
}

func TestExtractHEVCColorAspects(t *testing.T) {
	t.Parallel()

	sps := buildHEVCSPSColorAspectsFixture(9, 16, 9, true, 0)
	got, err := ExtractHEVCColorAspects(sps)
	if err != nil {
		t.Fatalf("ExtractHEVCColorAspects: %v", err)
	}
	want := ColorAspects{Range: RangeFull, Primaries: 9, Transfer: 16, Matrix: 9}
	if got != want {
		t.Errorf("ExtractHEVCColorAspects() = %+v, want %+v", got, want)
	}
}

func TestExtractHEVCColorAspectsWithRefPicSets(t *testing.T) {
	t.Parallel()

	sps := buildHEVCSPSColorAspectsFixture(1, 1, 1, false, 3)
	got, err := ExtractHEVCColorAspects(sps)
	if err != nil {
		t.Fatalf("ExtractHEVCColorAspects: %v", err)
	}
	if got.Range != RangeLimited {
		t.Errorf("Range = %v, want RangeLimited", got.Range)
	}
}

func TestExtractHEVCColorAspectsMaxSublayersTooLarge(t *testing.T) {
	t.Parallel()

	bw := &bitWriter{}
	bw.writeBits(0, 4)
	bw.writeBits(7, 3) // max_sub_layers_minus1 = 7, out of range
	sps := append([]byte{0x42, 0x01}, bw.buf...)

	_, err := ExtractHEVCColorAspects(sps)
	if err == nil {
		t.Fatal("expected MalformedStream for max_sub_layers_minus1 == 7")
	}
}

func TestExtractHEVCColorAspectsTooManyShortTermRefPicSets(t *testing.T) {
	t.Parallel()

	bw := &bitWriter{}
	bw.writeBits(0, 4)
	bw.writeBits(0, 3)
	bw.writeBit(1)
	bw.writeBits(0, 96)
	writeUE(bw, 0)
	writeUE(bw, 1)
	writeUE(bw, 319)
	writeUE(bw, 239)
	bw.writeBit(0)
	writeUE(bw, 0)
	writeUE(bw, 0)
	writeUE(bw, 4)
	bw.writeBit(0)
	writeUE(bw, 0)
	writeUE(bw, 0)
	writeUE(bw, 0)
	for i := 0; i < 6; i++ {
		writeUE(bw, 0)
	}
	bw.writeBit(0)
	bw.writeBit(0)
	bw.writeBit(0)
	bw.writeBit(0)
	writeUE(bw, 65) // num_short_term_ref_pic_sets above the 64 bound

	sps := append([]byte{0x42, 0x01}, bw.buf...)
	_, err := ExtractHEVCColorAspects(sps)
	if err == nil {
		t.Fatal("expected MalformedStream for num_short_term_ref_pic_sets > 64")
	}
}

func TestExtractHEVCColorAspectsTruncated(t *testing.T) {
	t.Parallel()
	if _, err := ExtractHEVCColorAspects([]byte{0x42, 0x01}); err == nil {
		t.Error("expected error for truncated HEVC SPS")
	}
}
