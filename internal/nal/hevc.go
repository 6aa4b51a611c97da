package nal

import "github.com/crosav/v4l2codec2/codecerr"

const maxShortTermRefPicSets = 64

// shortTermRefPicSet tracks just enough state to walk st_ref_pic_set()
// syntax across the SPS's list, per ITU-T H.265 §7.3.7.
type shortTermRefPicSet struct {
	numDeltaPocs int
}

// parseProfileTierLevel consumes the general_profile_tier_level fields
// plus the gated per-sublayer fields, per ITU-T H.265 §7.3.3.
func parseProfileTierLevel(br *bitReader, maxSublayersMinus1 uint64) error {
	if err := br.skipBits(96); err != nil { // general PTL, 96 fixed bits
		return err
	}

	profilePresent := make([]bool, maxSublayersMinus1)
	levelPresent := make([]bool, maxSublayersMinus1)
	for i := uint64(0); i < maxSublayersMinus1; i++ {
		p, err := br.readBits(1)
		if err != nil {
			return err
		}
		l, err := br.readBits(1)
		if err != nil {
			return err
		}
		profilePresent[i] = p == 1
		levelPresent[i] = l == 1
	}

	if maxSublayersMinus1 > 0 {
		for i := maxSublayersMinus1; i < 8; i++ {
			if err := br.skipBits(2); err != nil {
				return err
			}
		}
	}

	for i := uint64(0); i < maxSublayersMinus1; i++ {
		if profilePresent[i] {
			if err := br.skipBits(88); err != nil {
				return err
			}
		}
		if levelPresent[i] {
			if err := br.skipBits(8); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseShortTermRefPicSet consumes one st_ref_pic_set() entry and records
// its NumDeltaPocs for use by later inter-predicted entries.
func parseShortTermRefPicSet(br *bitReader, idx int, sets []shortTermRefPicSet) (shortTermRefPicSet, error) {
	if idx > 0 {
		interPred, err := br.readBits(1)
		if err != nil {
			return shortTermRefPicSet{}, err
		}
		if interPred == 1 {
			refIdx := idx - 1
			if refIdx < 0 || refIdx >= len(sets) {
				return shortTermRefPicSet{}, codecerr.ErrMalformedStream
			}
			if err := br.skipBits(1); err != nil { // delta_rps_sign
				return shortTermRefPicSet{}, err
			}
			if _, err := br.parseUE(); err != nil { // abs_delta_rps_minus1
				return shortTermRefPicSet{}, err
			}
			numDeltaPocs := 0
			for j := 0; j <= sets[refIdx].numDeltaPocs; j++ {
				used, err := br.readBits(1)
				if err != nil {
					return shortTermRefPicSet{}, err
				}
				counted := used == 1
				if !counted {
					useDelta, err := br.readBits(1) // use_delta_flag
					if err != nil {
						return shortTermRefPicSet{}, err
					}
					counted = useDelta == 1
				}
				if counted {
					numDeltaPocs++
				}
			}
			return shortTermRefPicSet{numDeltaPocs: numDeltaPocs}, nil
		}
	}

	numNeg, err := br.parseUE()
	if err != nil {
		return shortTermRefPicSet{}, err
	}
	numPos, err := br.parseUE()
	if err != nil {
		return shortTermRefPicSet{}, err
	}
	for i := uint64(0); i < numNeg; i++ {
		if _, err := br.parseUE(); err != nil { // delta_poc_s0_minus1
			return shortTermRefPicSet{}, err
		}
		if err := br.skipBits(1); err != nil { // used_by_curr_pic_s0_flag
			return shortTermRefPicSet{}, err
		}
	}
	for i := uint64(0); i < numPos; i++ {
		if _, err := br.parseUE(); err != nil { // delta_poc_s1_minus1
			return shortTermRefPicSet{}, err
		}
		if err := br.skipBits(1); err != nil { // used_by_curr_pic_s1_flag
			return shortTermRefPicSet{}, err
		}
	}
	return shortTermRefPicSet{numDeltaPocs: int(numNeg + numPos)}, nil
}

// parseScalingListData walks scaling_list_data() just enough to consume its
// bits; this package never needs the decoded coefficients.
func parseScalingListData(br *bitReader) error {
	for sizeID := 0; sizeID < 4; sizeID++ {
		step := 1
		if sizeID == 3 {
			step = 3
		}
		for matrixID := 0; matrixID < 6; matrixID += step {
			predModeFlag, err := br.readBits(1)
			if err != nil {
				return err
			}
			if predModeFlag == 0 {
				if _, err := br.parseUE(); err != nil { // scaling_list_pred_matrix_id_delta
					return err
				}
				continue
			}
			coefNum := 64
			if sizeID == 0 {
				coefNum = 16
			}
			if sizeID > 1 {
				if _, err := br.parseSE(); err != nil { // scaling_list_dc_coef_minus8
					return err
				}
			}
			for i := 0; i < coefNum; i++ {
				if _, err := br.parseSE(); err != nil { // scaling_list_delta_coef
					return err
				}
			}
		}
	}
	return nil
}

// parseHEVCLongTermRefPicSets consumes the optional long-term reference
// picture set list, whose POC LSB entries are log2MaxPicOrderCntLsb bits
// wide each.
func parseHEVCLongTermRefPicSets(br *bitReader, log2MaxPicOrderCntLsb int) error {
	ltPresent, err := br.readBits(1)
	if err != nil {
		return err
	}
	if ltPresent != 1 {
		return nil
	}
	numLT, err := br.parseUE()
	if err != nil {
		return err
	}
	for i := uint64(0); i < numLT; i++ {
		if err := br.skipBits(log2MaxPicOrderCntLsb); err != nil { // lt_ref_pic_poc_lsb_sps
			return err
		}
		if err := br.skipBits(1); err != nil { // used_by_curr_pic_lt_sps_flag
			return err
		}
	}
	return nil
}

// ExtractHEVCColorAspects walks an HEVC SPS NAL unit (2-byte NAL header
// included, no start code) to the VUI parameters and returns the color
// aspects they encode.
func ExtractHEVCColorAspects(nalu []byte) (ColorAspects, error) {
	if len(nalu) < 3 {
		return ColorAspects{}, codecerr.ErrInsufficientData
	}

	rbsp := removeEmulationPrevention(nalu[2:])
	br := newBitReader(rbsp)

	if err := br.skipBits(4); err != nil { // sps_video_parameter_set_id
		return ColorAspects{}, err
	}
	maxSublayersMinus1, err := br.readBits(3)
	if err != nil {
		return ColorAspects{}, err
	}
	if maxSublayersMinus1 > 6 {
		return ColorAspects{}, codecerr.ErrMalformedStream
	}
	if err := br.skipBits(1); err != nil { // sps_temporal_id_nesting_flag
		return ColorAspects{}, err
	}
	if err := parseProfileTierLevel(br, maxSublayersMinus1); err != nil {
		return ColorAspects{}, err
	}

	if _, err := br.parseUE(); err != nil { // sps_seq_parameter_set_id
		return ColorAspects{}, err
	}
	chromaFormatIDC, err := br.parseUE()
	if err != nil {
		return ColorAspects{}, err
	}
	if chromaFormatIDC == 3 {
		if err := br.skipBits(1); err != nil { // separate_colour_plane_flag
			return ColorAspects{}, err
		}
	}
	if _, err := br.parseUE(); err != nil { // pic_width_in_luma_samples
		return ColorAspects{}, err
	}
	if _, err := br.parseUE(); err != nil { // pic_height_in_luma_samples
		return ColorAspects{}, err
	}
	confWinPresent, err := br.readBits(1)
	if err != nil {
		return ColorAspects{}, err
	}
	if confWinPresent == 1 {
		for i := 0; i < 4; i++ {
			if _, err := br.parseUE(); err != nil {
				return ColorAspects{}, err
			}
		}
	}
	if _, err := br.parseUE(); err != nil { // bit_depth_luma_minus8
		return ColorAspects{}, err
	}
	if _, err := br.parseUE(); err != nil { // bit_depth_chroma_minus8
		return ColorAspects{}, err
	}
	log2MaxPOCMinus4, err := br.parseUE()
	if err != nil {
		return ColorAspects{}, err
	}
	log2MaxPOC := int(log2MaxPOCMinus4) + 4

	subLayerOrderingPresent, err := br.readBits(1)
	if err != nil {
		return ColorAspects{}, err
	}
	start := maxSublayersMinus1
	if subLayerOrderingPresent == 1 {
		start = 0
	}
	for i := start; i <= maxSublayersMinus1; i++ {
		if _, err := br.parseUE(); err != nil { // max_dec_pic_buffering_minus1
			return ColorAspects{}, err
		}
		if _, err := br.parseUE(); err != nil { // max_num_reorder_pics
			return ColorAspects{}, err
		}
		if _, err := br.parseUE(); err != nil { // max_latency_increase_plus1
			return ColorAspects{}, err
		}
	}

	for i := 0; i < 6; i++ { // coding-block parameters
		if _, err := br.parseUE(); err != nil {
			return ColorAspects{}, err
		}
	}

	scalingListEnabled, err := br.readBits(1)
	if err != nil {
		return ColorAspects{}, err
	}
	if scalingListEnabled == 1 {
		present, err := br.readBits(1)
		if err != nil {
			return ColorAspects{}, err
		}
		if present == 1 {
			if err := parseScalingListData(br); err != nil {
				return ColorAspects{}, err
			}
		}
	}

	if err := br.skipBits(2); err != nil { // amp_enabled_flag + sao_enabled_flag
		return ColorAspects{}, err
	}

	pcmEnabled, err := br.readBits(1)
	if err != nil {
		return ColorAspects{}, err
	}
	if pcmEnabled == 1 {
		if err := br.skipBits(8); err != nil { // pcm bit depths
			return ColorAspects{}, err
		}
		if _, err := br.parseUE(); err != nil {
			return ColorAspects{}, err
		}
		if _, err := br.parseUE(); err != nil {
			return ColorAspects{}, err
		}
		if err := br.skipBits(1); err != nil { // pcm_loop_filter_disabled_flag
			return ColorAspects{}, err
		}
	}

	numShortTermRefPicSets, err := br.parseUE()
	if err != nil {
		return ColorAspects{}, err
	}
	if numShortTermRefPicSets > maxShortTermRefPicSets {
		return ColorAspects{}, codecerr.ErrMalformedStream
	}
	sets := make([]shortTermRefPicSet, 0, numShortTermRefPicSets)
	for i := 0; i < int(numShortTermRefPicSets); i++ {
		s, err := parseShortTermRefPicSet(br, i, sets)
		if err != nil {
			return ColorAspects{}, err
		}
		sets = append(sets, s)
	}

	if err := parseHEVCLongTermRefPicSets(br, log2MaxPOC); err != nil {
		return ColorAspects{}, err
	}

	if err := br.skipBits(2); err != nil { // sps_temporal_mvp_enabled + strong_intra_smoothing_enabled
		return ColorAspects{}, err
	}

	vuiPresent, err := br.readBits(1)
	if err != nil || vuiPresent == 0 {
		return ColorAspects{}, nil
	}

	return parseHEVCVUIColorAspects(br)
}

func parseHEVCVUIColorAspects(br *bitReader) (ColorAspects, error) {
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
