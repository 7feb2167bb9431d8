package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/zsiec/refract/media"
)

// ErrInvalidHEVCConfig is returned when an HEVCDecoderConfigurationRecord is
// truncated or malformed.
var ErrInvalidHEVCConfig = errors.New("invalid HEVC configuration record")

// hevcPTL holds the profile_tier_level fields needed for the RFC 6381
// codec string.
type hevcPTL struct {
	profileSpace              uint
	tierFlag                  uint
	profileIDC                uint
	profileCompatibilityFlags uint32
	constraintIndicatorFlags  uint64
	levelIDC                  uint
}

// codecString builds the RFC 6381 parameter string (e.g. "hev1.1.6.L93.B0").
func (p hevcPTL) codecString() string {
	tier := "L"
	if p.tierFlag == 1 {
		tier = "H"
	}

	reversed := bits.Reverse32(p.profileCompatibilityFlags)

	// Constraint bytes with trailing zeros trimmed.
	var constraintBytes [6]byte
	for i := 0; i < 6; i++ {
		constraintBytes[i] = byte((p.constraintIndicatorFlags >> uint((5-i)*8)) & 0xFF)
	}
	lastNonZero := -1
	for i := 5; i >= 0; i-- {
		if constraintBytes[i] != 0 {
			lastNonZero = i
			break
		}
	}

	codec := fmt.Sprintf("hev1.%d.%X.%s%d", p.profileIDC, reversed, tier, p.levelIDC)
	for i := 0; i <= lastNonZero; i++ {
		codec += fmt.Sprintf(".%X", constraintBytes[i])
	}
	return codec
}

// ParseHEVCSPS parses an HEVC SPS NAL unit through the VUI to extract
// resolution, sample aspect ratio, frame rate, and the codec string. The
// input is the raw NAL data including the 2-byte NAL header.
func ParseHEVCSPS(nalu []byte) (*SPSInfo, error) {
	if len(nalu) < 4 {
		return nil, errSPSTooShort
	}

	rbsp := RemoveEmulationPrevention(nalu[2:])
	br := newBitReader(rbsp)

	if _, err := br.readBits(4); err != nil { // sps_video_parameter_set_id
		return nil, err
	}
	maxSubLayersMinus1, err := br.readBits(3)
	if err != nil {
		return nil, err
	}
	if _, err := br.readBits(1); err != nil { // sps_temporal_id_nesting_flag
		return nil, err
	}

	ptl, err := parseHEVCProfileTierLevel(br, maxSubLayersMinus1)
	if err != nil {
		return nil, err
	}

	if _, err := br.readUE(); err != nil { // sps_seq_parameter_set_id
		return nil, err
	}

	chromaFormatIdc, err := br.readUE()
	if err != nil {
		return nil, err
	}
	if chromaFormatIdc == 3 {
		if _, err := br.readBits(1); err != nil { // separate_colour_plane_flag
			return nil, err
		}
	}

	width, err := br.readUE()
	if err != nil {
		return nil, err
	}
	height, err := br.readUE()
	if err != nil {
		return nil, err
	}

	info := &SPSInfo{
		Codec:  ptl.codecString(),
		Width:  int(width),
		Height: int(height),
		SAR:    media.Ratio{Num: 1, Den: 1},
	}

	confWindow, err := br.readBool()
	if err != nil {
		return info, nil
	}
	if confWindow {
		left, err := br.readUE()
		if err != nil {
			return info, nil
		}
		right, err := br.readUE()
		if err != nil {
			return info, nil
		}
		top, err := br.readUE()
		if err != nil {
			return info, nil
		}
		bottom, err := br.readUE()
		if err != nil {
			return info, nil
		}

		var subWidthC, subHeightC uint
		switch chromaFormatIdc {
		case 1:
			subWidthC, subHeightC = 2, 2
		case 2:
			subWidthC, subHeightC = 2, 1
		default:
			subWidthC, subHeightC = 1, 1
		}
		info.Width -= int((left + right) * subWidthC)
		info.Height -= int((top + bottom) * subHeightC)
	}

	if _, err := br.readUE(); err != nil { // bit_depth_luma_minus8
		return info, nil
	}
	if _, err := br.readUE(); err != nil { // bit_depth_chroma_minus8
		return info, nil
	}

	log2MaxPocLsb, err := br.readUE()
	if err != nil {
		return info, nil
	}

	subLayerOrdering, err := br.readBool()
	if err != nil {
		return info, nil
	}
	start := maxSubLayersMinus1
	if subLayerOrdering {
		start = 0
	}
	for i := start; i <= maxSubLayersMinus1; i++ {
		for k := 0; k < 3; k++ { // max_dec_pic_buffering, num_reorder_pics, max_latency_increase
			if _, err := br.readUE(); err != nil {
				return info, nil
			}
		}
	}

	for k := 0; k < 6; k++ { // coding block / transform block size bounds, hierarchy depths
		if _, err := br.readUE(); err != nil {
			return info, nil
		}
	}

	scalingListEnabled, err := br.readBool()
	if err != nil {
		return info, nil
	}
	if scalingListEnabled {
		present, err := br.readBool()
		if err != nil {
			return info, nil
		}
		if present {
			if err := skipHEVCScalingListData(br); err != nil {
				return info, nil
			}
		}
	}

	if _, err := br.readBits(2); err != nil { // amp_enabled + sample_adaptive_offset
		return info, nil
	}

	pcmEnabled, err := br.readBool()
	if err != nil {
		return info, nil
	}
	if pcmEnabled {
		if _, err := br.readBits(8); err != nil { // pcm bit depths
			return info, nil
		}
		if _, err := br.readUE(); err != nil {
			return info, nil
		}
		if _, err := br.readUE(); err != nil {
			return info, nil
		}
		if _, err := br.readBits(1); err != nil { // pcm_loop_filter_disabled_flag
			return info, nil
		}
	}

	numStRefPicSets, err := br.readUE()
	if err != nil || numStRefPicSets > 64 {
		return info, nil
	}
	numDeltaPocs := make([]uint, numStRefPicSets)
	for i := uint(0); i < numStRefPicSets; i++ {
		if err := skipShortTermRefPicSet(br, i, numDeltaPocs); err != nil {
			return info, nil
		}
	}

	longTermPresent, err := br.readBool()
	if err != nil {
		return info, nil
	}
	if longTermPresent {
		numLongTerm, err := br.readUE()
		if err != nil {
			return info, nil
		}
		for i := uint(0); i < numLongTerm; i++ {
			if _, err := br.readBits(int(log2MaxPocLsb) + 4); err != nil {
				return info, nil
			}
			if _, err := br.readBits(1); err != nil {
				return info, nil
			}
		}
	}

	if _, err := br.readBits(2); err != nil { // temporal_mvp + strong_intra_smoothing
		return info, nil
	}

	vuiPresent, err := br.readBool()
	if err != nil || !vuiPresent {
		return info, nil
	}

	arPresent, _ := br.readBool()
	if arPresent {
		arIdc, _ := br.readBits(8)
		if arIdc == sarExtended {
			num, _ := br.readBits(16)
			den, _ := br.readBits(16)
			if den != 0 {
				info.SAR = media.Ratio{Num: int(num), Den: int(den)}
			}
		} else if arIdc >= 1 && int(arIdc) < len(sarTable) {
			info.SAR = sarTable[arIdc]
		}
	}

	overscan, _ := br.readBool()
	if overscan {
		br.readBits(1)
	}

	videoSignal, _ := br.readBool()
	if videoSignal {
		br.readBits(4)
		colourDesc, _ := br.readBool()
		if colourDesc {
			br.readBits(24)
		}
	}

	chromaLoc, _ := br.readBool()
	if chromaLoc {
		br.readUE()
		br.readUE()
	}

	br.readBits(3) // neutral_chroma + field_seq + frame_field_info

	defaultDisplay, _ := br.readBool()
	if defaultDisplay {
		for k := 0; k < 4; k++ {
			br.readUE()
		}
	}

	timingPresent, _ := br.readBool()
	if timingPresent {
		numUnitsInTick, _ := br.readBits(32)
		timeScale, err := br.readBits(32)
		if err == nil && numUnitsInTick > 0 {
			info.FPSNum = int(timeScale)
			info.FPSDen = int(numUnitsInTick)
		}
	}

	return info, nil
}

func parseHEVCProfileTierLevel(br *bitReader, maxSubLayersMinus1 uint) (hevcPTL, error) {
	var ptl hevcPTL
	var err error

	if ptl.profileSpace, err = br.readBits(2); err != nil {
		return ptl, err
	}
	if ptl.tierFlag, err = br.readBits(1); err != nil {
		return ptl, err
	}
	if ptl.profileIDC, err = br.readBits(5); err != nil {
		return ptl, err
	}

	hi, err := br.readBits(16)
	if err != nil {
		return ptl, err
	}
	lo, err := br.readBits(16)
	if err != nil {
		return ptl, err
	}
	ptl.profileCompatibilityFlags = uint32(hi)<<16 | uint32(lo)

	var cif uint64
	for i := 0; i < 6; i++ {
		b, err := br.readBits(8)
		if err != nil {
			return ptl, err
		}
		cif = (cif << 8) | uint64(b)
	}
	ptl.constraintIndicatorFlags = cif

	if ptl.levelIDC, err = br.readBits(8); err != nil {
		return ptl, err
	}

	if maxSubLayersMinus1 > 0 {
		var profilePresent, levelPresent [8]bool
		for i := uint(0); i < maxSubLayersMinus1; i++ {
			pp, err := br.readBool()
			if err != nil {
				return ptl, err
			}
			profilePresent[i] = pp
			lp, err := br.readBool()
			if err != nil {
				return ptl, err
			}
			levelPresent[i] = lp
		}
		if maxSubLayersMinus1 < 8 {
			for i := maxSubLayersMinus1; i < 8; i++ {
				if _, err := br.readBits(2); err != nil {
					return ptl, err
				}
			}
		}
		for i := uint(0); i < maxSubLayersMinus1; i++ {
			if profilePresent[i] {
				// sub-layer profile: 2+1+5+32+48 = 88 bits
				for _, n := range []int{32, 32, 24} {
					if _, err := br.readBits(n); err != nil {
						return ptl, err
					}
				}
			}
			if levelPresent[i] {
				if _, err := br.readBits(8); err != nil {
					return ptl, err
				}
			}
		}
	}

	return ptl, nil
}

func skipHEVCScalingListData(br *bitReader) error {
	for sizeID := 0; sizeID < 4; sizeID++ {
		step := 1
		if sizeID == 3 {
			step = 3
		}
		for matrixID := 0; matrixID < 6; matrixID += step {
			predMode, err := br.readBool()
			if err != nil {
				return err
			}
			if !predMode {
				if _, err := br.readUE(); err != nil { // scaling_list_pred_matrix_id_delta
					return err
				}
				continue
			}
			coefNum := 64
			if n := 1 << (4 + (sizeID << 1)); n < 64 {
				coefNum = n
			}
			if sizeID > 1 {
				if _, err := br.readSE(); err != nil { // scaling_list_dc_coef_minus8
					return err
				}
			}
			for i := 0; i < coefNum; i++ {
				if _, err := br.readSE(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// skipShortTermRefPicSet advances past one st_ref_pic_set entry, recording
// the delta POC count so predicted sets can reference it.
func skipShortTermRefPicSet(br *bitReader, idx uint, numDeltaPocs []uint) error {
	interPrediction := false
	if idx != 0 {
		var err error
		interPrediction, err = br.readBool()
		if err != nil {
			return err
		}
	}

	if interPrediction {
		if _, err := br.readBits(1); err != nil { // delta_rps_sign
			return err
		}
		if _, err := br.readUE(); err != nil { // abs_delta_rps_minus1
			return err
		}
		count := uint(0)
		for j := uint(0); j <= numDeltaPocs[idx-1]; j++ {
			used, err := br.readBool()
			if err != nil {
				return err
			}
			useDelta := true
			if !used {
				useDelta, err = br.readBool()
				if err != nil {
					return err
				}
			}
			if used || useDelta {
				count++
			}
		}
		numDeltaPocs[idx] = count
		return nil
	}

	numNegative, err := br.readUE()
	if err != nil {
		return err
	}
	numPositive, err := br.readUE()
	if err != nil {
		return err
	}
	if numNegative+numPositive > 32 {
		return ErrBitstreamShort
	}
	for j := uint(0); j < numNegative+numPositive; j++ {
		if _, err := br.readUE(); err != nil { // delta_poc_minus1
			return err
		}
		if _, err := br.readBits(1); err != nil { // used_by_curr_pic_flag
			return err
		}
	}
	numDeltaPocs[idx] = numNegative + numPositive
	return nil
}

// HEVCConfig is the parsed form of an HEVCDecoderConfigurationRecord: the
// parameter set payloads grouped by type, the NAL length-prefix size, the raw
// record bytes, and the fields parsed from the first SPS.
type HEVCConfig struct {
	VPSList     [][]byte
	SPSList     [][]byte
	PPSList     [][]byte
	NALUnitSize int
	Record      []byte
	SPSInfo     *SPSInfo
}

// ParseHEVCDecoderConfigurationRecord parses the hvcC box payload found in an
// FLV HEVC sequence header (ISO 14496-15 §8.3.3.1).
func ParseHEVCDecoderConfigurationRecord(data []byte) (*HEVCConfig, error) {
	if len(data) < 23 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidHEVCConfig, len(data))
	}
	if data[0] != 1 {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidHEVCConfig, data[0])
	}

	record := make([]byte, len(data))
	copy(record, data)

	cfg := &HEVCConfig{
		NALUnitSize: int(data[21]&0x03) + 1,
		Record:      record,
	}

	numArrays := int(data[22])
	offset := 23

	for a := 0; a < numArrays; a++ {
		if offset+3 > len(data) {
			return nil, fmt.Errorf("%w: truncated NAL array header", ErrInvalidHEVCConfig)
		}
		nalType := data[offset] & 0x3F
		numNalus := int(binary.BigEndian.Uint16(data[offset+1:]))
		offset += 3

		for n := 0; n < numNalus; n++ {
			if offset+2 > len(data) {
				return nil, fmt.Errorf("%w: truncated NAL length", ErrInvalidHEVCConfig)
			}
			size := int(binary.BigEndian.Uint16(data[offset:]))
			offset += 2
			if offset+size > len(data) {
				return nil, fmt.Errorf("%w: truncated NAL unit", ErrInvalidHEVCConfig)
			}
			nal := make([]byte, size)
			copy(nal, data[offset:offset+size])
			offset += size

			switch nalType {
			case HEVCNALVPS:
				cfg.VPSList = append(cfg.VPSList, nal)
			case HEVCNALSPS:
				cfg.SPSList = append(cfg.SPSList, nal)
			case HEVCNALPPS:
				cfg.PPSList = append(cfg.PPSList, nal)
			}
		}
	}

	if len(cfg.SPSList) > 0 {
		info, err := ParseHEVCSPS(cfg.SPSList[0])
		if err != nil {
			return nil, fmt.Errorf("parse SPS: %w", err)
		}
		cfg.SPSInfo = info
	}

	return cfg, nil
}
