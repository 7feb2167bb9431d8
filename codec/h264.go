package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zsiec/refract/media"
)

var (
	errSPSTooShort = errors.New("SPS data too short")

	// ErrInvalidAVCConfig is returned when an AVCDecoderConfigurationRecord
	// is truncated or malformed.
	ErrInvalidAVCConfig = errors.New("invalid AVC configuration record")
)

// Predefined sample aspect ratios indexed by aspect_ratio_idc
// (ITU-T H.264 Table E-1).
var sarTable = [...]media.Ratio{
	{Num: 1, Den: 1},
	{Num: 1, Den: 1}, {Num: 12, Den: 11}, {Num: 10, Den: 11}, {Num: 16, Den: 11},
	{Num: 40, Den: 33}, {Num: 24, Den: 11}, {Num: 20, Den: 11}, {Num: 32, Den: 11},
	{Num: 80, Den: 33}, {Num: 18, Den: 11}, {Num: 15, Den: 11}, {Num: 64, Den: 33},
	{Num: 160, Den: 99}, {Num: 4, Den: 3}, {Num: 3, Den: 2}, {Num: 2, Den: 1},
}

const sarExtended = 255

// SPSInfo holds the fields extracted from an H.264 or HEVC sequence parameter
// set that the demuxer publishes on the video track: resolution, sample
// aspect ratio, frame rate, and the RFC 6381 codec string.
type SPSInfo struct {
	Codec  string
	Width  int
	Height int
	SAR    media.Ratio
	FPSNum int
	FPSDen int
}

// ParseSPS parses an H.264 SPS NAL unit to extract resolution, profile/level,
// sample aspect ratio, and VUI timing. The input is the raw NAL data including
// the header byte, without start code or length prefix.
func ParseSPS(nalu []byte) (*SPSInfo, error) {
	if len(nalu) < 4 {
		return nil, errSPSTooShort
	}

	rbsp := RemoveEmulationPrevention(nalu[1:])
	br := newBitReader(rbsp)

	profileIdc, err := br.readBits(8)
	if err != nil {
		return nil, err
	}
	constraintFlags, err := br.readBits(8)
	if err != nil {
		return nil, err
	}
	levelIdc, err := br.readBits(8)
	if err != nil {
		return nil, err
	}
	if _, err := br.readUE(); err != nil { // seq_parameter_set_id
		return nil, err
	}

	chromaFormatIdc := uint(1)
	separateColourPlane := false

	if profileIdc == 100 || profileIdc == 110 || profileIdc == 122 ||
		profileIdc == 244 || profileIdc == 44 || profileIdc == 83 ||
		profileIdc == 86 || profileIdc == 118 || profileIdc == 128 ||
		profileIdc == 138 || profileIdc == 139 || profileIdc == 134 {

		chromaFormatIdc, err = br.readUE()
		if err != nil {
			return nil, err
		}
		if chromaFormatIdc == 3 {
			separateColourPlane, err = br.readBool()
			if err != nil {
				return nil, err
			}
		}
		if _, err := br.readUE(); err != nil { // bit_depth_luma_minus8
			return nil, err
		}
		if _, err := br.readUE(); err != nil { // bit_depth_chroma_minus8
			return nil, err
		}
		if _, err := br.readBits(1); err != nil { // qpprime_y_zero_transform_bypass_flag
			return nil, err
		}

		seqScalingMatrixPresent, err := br.readBool()
		if err != nil {
			return nil, err
		}
		if seqScalingMatrixPresent {
			limit := 8
			if chromaFormatIdc == 3 {
				limit = 12
			}
			for i := 0; i < limit; i++ {
				flag, err := br.readBool()
				if err != nil {
					return nil, err
				}
				if flag {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := br.skipScalingList(size); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	if _, err := br.readUE(); err != nil { // log2_max_frame_num_minus4
		return nil, err
	}

	picOrderCntType, err := br.readUE()
	if err != nil {
		return nil, err
	}
	switch picOrderCntType {
	case 0:
		if _, err := br.readUE(); err != nil {
			return nil, err
		}
	case 1:
		if _, err := br.readBits(1); err != nil {
			return nil, err
		}
		if _, err := br.readSE(); err != nil {
			return nil, err
		}
		if _, err := br.readSE(); err != nil {
			return nil, err
		}
		numRefFrames, err := br.readUE()
		if err != nil {
			return nil, err
		}
		for i := uint(0); i < numRefFrames; i++ {
			if _, err := br.readSE(); err != nil {
				return nil, err
			}
		}
	}

	if _, err := br.readUE(); err != nil { // max_num_ref_frames
		return nil, err
	}
	if _, err := br.readBits(1); err != nil { // gaps_in_frame_num_value_allowed_flag
		return nil, err
	}

	picWidthMbs, err := br.readUE()
	if err != nil {
		return nil, err
	}
	picHeightMapUnits, err := br.readUE()
	if err != nil {
		return nil, err
	}

	frameMbsOnly, err := br.readBits(1)
	if err != nil {
		return nil, err
	}
	if frameMbsOnly == 0 {
		if _, err := br.readBits(1); err != nil { // mb_adaptive_frame_field_flag
			return nil, err
		}
	}

	if _, err := br.readBits(1); err != nil { // direct_8x8_inference_flag
		return nil, err
	}

	cropLeft, cropRight, cropTop, cropBottom := uint(0), uint(0), uint(0), uint(0)
	frameCropping, err := br.readBool()
	if err != nil {
		return nil, err
	}
	if frameCropping {
		if cropLeft, err = br.readUE(); err != nil {
			return nil, err
		}
		if cropRight, err = br.readUE(); err != nil {
			return nil, err
		}
		if cropTop, err = br.readUE(); err != nil {
			return nil, err
		}
		if cropBottom, err = br.readUE(); err != nil {
			return nil, err
		}
	}

	chromaArrayType := chromaFormatIdc
	if separateColourPlane {
		chromaArrayType = 0
	}
	var subWidthC, subHeightC uint
	switch chromaArrayType {
	case 1:
		subWidthC, subHeightC = 2, 2
	case 2:
		subWidthC, subHeightC = 2, 1
	case 3:
		subWidthC, subHeightC = 1, 1
	default:
		subWidthC, subHeightC = 1, 1
	}

	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)

	info := &SPSInfo{
		Codec:  fmt.Sprintf("avc1.%02X%02X%02X", profileIdc, constraintFlags, levelIdc),
		Width:  int((picWidthMbs+1)*16 - cropUnitX*(cropLeft+cropRight)),
		Height: int((picHeightMapUnits+1)*16*(2-frameMbsOnly) - cropUnitY*(cropTop+cropBottom)),
		SAR:    media.Ratio{Num: 1, Den: 1},
	}

	vuiPresent, err := br.readBool()
	if err != nil || !vuiPresent {
		return info, nil
	}

	// VUI: only aspect ratio and timing matter here; remaining fields are
	// read in order so the bit cursor stays aligned.
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
		br.readBits(4) // video_format + video_full_range_flag
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

	timingPresent, _ := br.readBool()
	if timingPresent {
		numUnitsInTick, _ := br.readBits(32)
		timeScale, err := br.readBits(32)
		if err == nil && numUnitsInTick > 0 {
			// H.264 field semantics: one frame is two ticks.
			info.FPSNum = int(timeScale)
			info.FPSDen = int(numUnitsInTick) * 2
		}
	}

	return info, nil
}

// AVCConfig is the parsed form of an AVCDecoderConfigurationRecord: the
// parameter set payloads, the NAL length-prefix size, and the fields parsed
// from the first SPS.
type AVCConfig struct {
	SPSList     [][]byte
	PPSList     [][]byte
	NALUnitSize int
	SPSInfo     *SPSInfo
}

// ParseAVCDecoderConfigurationRecord parses the avcC box payload found in an
// FLV AVC sequence header (ISO 14496-15 §5.2.4.1).
func ParseAVCDecoderConfigurationRecord(data []byte) (*AVCConfig, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidAVCConfig, len(data))
	}
	if data[0] != 1 {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidAVCConfig, data[0])
	}

	cfg := &AVCConfig{
		NALUnitSize: int(data[4]&0x03) + 1,
	}

	offset := 5
	numSPS := int(data[offset] & 0x1F)
	offset++

	for i := 0; i < numSPS; i++ {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated SPS length", ErrInvalidAVCConfig)
		}
		n := int(binary.BigEndian.Uint16(data[offset:]))
		offset += 2
		if offset+n > len(data) {
			return nil, fmt.Errorf("%w: truncated SPS", ErrInvalidAVCConfig)
		}
		sps := make([]byte, n)
		copy(sps, data[offset:offset+n])
		cfg.SPSList = append(cfg.SPSList, sps)
		offset += n
	}

	if offset >= len(data) {
		return nil, fmt.Errorf("%w: missing PPS count", ErrInvalidAVCConfig)
	}
	numPPS := int(data[offset])
	offset++

	for i := 0; i < numPPS; i++ {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated PPS length", ErrInvalidAVCConfig)
		}
		n := int(binary.BigEndian.Uint16(data[offset:]))
		offset += 2
		if offset+n > len(data) {
			return nil, fmt.Errorf("%w: truncated PPS", ErrInvalidAVCConfig)
		}
		pps := make([]byte, n)
		copy(pps, data[offset:offset+n])
		cfg.PPSList = append(cfg.PPSList, pps)
		offset += n
	}

	if len(cfg.SPSList) > 0 {
		info, err := ParseSPS(cfg.SPSList[0])
		if err != nil {
			return nil, fmt.Errorf("parse SPS: %w", err)
		}
		cfg.SPSInfo = info
	}

	return cfg, nil
}
