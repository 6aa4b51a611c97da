package nal

import "github.com/crosav/v4l2codec2/codecerr"

// h264ProfileHasChromaFormat lists profile_idc values whose SPS carries the
// chroma-format/scaling-list fields, per ITU-T H.264 §7.3.2.1.1.
func h264ProfileHasChromaFormat(profileIDC uint64) bool {
	switch profileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	default:
		return false
	}
}

func (br *bitReader) skipScalingList(size int) error {
	lastScale := 8
	nextScale := 8
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			delta, err := br.parseSE()
			if err != nil {
				return err
			}
			nextScale = (lastScale + int(delta) + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

// ExtractH264ColorAspects walks an H.264 SPS NAL unit (NAL header byte
// included, no start code) through the VUI parameters and returns the color
// aspects they encode, following the SPS/VUI field order of ITU-T H.264.
// Fields before VUI are consumed for bit-position correctness but
// discarded; this package is not responsible for resolution.
func ExtractH264ColorAspects(nalu []byte) (ColorAspects, error) {
	if len(nalu) < 4 {
		return ColorAspects{}, codecerr.ErrInsufficientData
	}

	rbsp := removeEmulationPrevention(nalu[1:])
	br := newBitReader(rbsp)

	profileIDC, err := br.readBits(8)
	if err != nil {
		return ColorAspects{}, err
	}
	if err := br.skipBits(8); err != nil { // constraint_set flags + reserved
		return ColorAspects{}, err
	}
	if err := br.skipBits(8); err != nil { // level_idc
		return ColorAspects{}, err
	}
	if _, err := br.parseUE(); err != nil { // seq_parameter_set_id
		return ColorAspects{}, err
	}

	chromaFormatIDC := uint64(1)
	separateColourPlane := false

	if h264ProfileHasChromaFormat(profileIDC) {
		chromaFormatIDC, err = br.parseUE()
		if err != nil {
			return ColorAspects{}, err
		}
		if chromaFormatIDC == 3 {
			v, err := br.readBits(1)
			if err != nil {
				return ColorAspects{}, err
			}
			separateColourPlane = v == 1
		}
		if _, err := br.parseUE(); err != nil { // bit_depth_luma_minus8
			return ColorAspects{}, err
		}
		if _, err := br.parseUE(); err != nil { // bit_depth_chroma_minus8
			return ColorAspects{}, err
		}
		if err := br.skipBits(1); err != nil { // qpprime_y_zero_transform_bypass_flag
			return ColorAspects{}, err
		}
		scalingMatrixPresent, err := br.readBits(1)
		if err != nil {
			return ColorAspects{}, err
		}
		if scalingMatrixPresent == 1 {
			limit := 8
			if chromaFormatIDC == 3 {
				limit = 12
			}
			for i := 0; i < limit; i++ {
				flag, err := br.readBits(1)
				if err != nil {
					return ColorAspects{}, err
				}
				if flag == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := br.skipScalingList(size); err != nil {
						return ColorAspects{}, err
					}
				}
			}
		}
	}
	_ = separateColourPlane

	if _, err := br.parseUE(); err != nil { // log2_max_frame_num_minus4
		return ColorAspects{}, err
	}
	picOrderCntType, err := br.parseUE()
	if err != nil {
		return ColorAspects{}, err
	}
	switch picOrderCntType {
	case 0:
		if _, err := br.parseUE(); err != nil {
			return ColorAspects{}, err
		}
	case 1:
		if err := br.skipBits(1); err != nil {
			return ColorAspects{}, err
		}
		if _, err := br.parseSE(); err != nil {
			return ColorAspects{}, err
		}
		if _, err := br.parseSE(); err != nil {
			return ColorAspects{}, err
		}
		numRefFrames, err := br.parseUE()
		if err != nil {
			return ColorAspects{}, err
		}
		for i := uint64(0); i < numRefFrames; i++ {
			if _, err := br.parseSE(); err != nil {
				return ColorAspects{}, err
			}
		}
	}

	if _, err := br.parseUE(); err != nil { // max_num_ref_frames
		return ColorAspects{}, err
	}
	if err := br.skipBits(1); err != nil { // gaps_in_frame_num_value_allowed_flag
		return ColorAspects{}, err
	}
	if _, err := br.parseUE(); err != nil { // pic_width_in_mbs_minus1
		return ColorAspects{}, err
	}
	if _, err := br.parseUE(); err != nil { // pic_height_in_map_units_minus1
		return ColorAspects{}, err
	}
	frameMbsOnly, err := br.readBits(1)
	if err != nil {
		return ColorAspects{}, err
	}
	if frameMbsOnly == 0 {
		if err := br.skipBits(1); err != nil { // mb_adaptive_frame_field_flag
			return ColorAspects{}, err
		}
	}
	if err := br.skipBits(1); err != nil { // direct_8x8_inference_flag
		return ColorAspects{}, err
	}
	cropPresent, err := br.readBits(1)
	if err != nil {
		return ColorAspects{}, err
	}
	if cropPresent == 1 {
		for i := 0; i < 4; i++ {
			if _, err := br.parseUE(); err != nil {
				return ColorAspects{}, err
			}
		}
	}

	vuiPresent, err := br.readBits(1)
	if err != nil || vuiPresent == 0 {
		return ColorAspects{}, nil
	}

	return parseH264VUIColorAspects(br)
}

func parseH264VUIColorAspects(br *bitReader) (ColorAspects, error) {
	arPresent, err := br.readBits(1)
	if err != nil {
		return ColorAspects{}, err
	}
	if arPresent == 1 {
		arIdc, err := br.readBits(8)
		if err != nil {
			return ColorAspects{}, err
		}
		if arIdc == 255 {
			if err := br.skipBits(32); err != nil {
				return ColorAspects{}, err
			}
		}
	}

	overscanPresent, err := br.readBits(1)
	if err != nil {
		return ColorAspects{}, err
	}
	if overscanPresent == 1 {
		if err := br.skipBits(1); err != nil {
			return ColorAspects{}, err
		}
	}

	aspects := ColorAspects{}

	videoSignalPresent, err := br.readBits(1)
	if err != nil {
		return ColorAspects{}, err
	}
	if videoSignalPresent == 1 {
		if err := br.skipBits(3); err != nil { // video_format
			return ColorAspects{}, err
		}
		fullRange, err := br.readBits(1)
		if err != nil {
			return ColorAspects{}, err
		}
		if fullRange == 1 {
			aspects.Range = RangeFull
		} else {
			aspects.Range = RangeLimited
		}
		colourDescPresent, err := br.readBits(1)
		if err != nil {
			return ColorAspects{}, err
		}
		if colourDescPresent == 1 {
			primaries, err := br.readBits(8)
			if err != nil {
				return ColorAspects{}, err
			}
			transfer, err := br.readBits(8)
			if err != nil {
				return ColorAspects{}, err
			}
			matrix, err := br.readBits(8)
			if err != nil {
				return ColorAspects{}, err
			}
			aspects.Primaries = ColorAspectValue(primaries)
			aspects.Transfer = ColorAspectValue(transfer)
			aspects.Matrix = ColorAspectValue(matrix)
		}
	}

	return aspects, nil
}
