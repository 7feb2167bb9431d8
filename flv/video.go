package flv

import (
	"github.com/zsiec/refract/codec"
	"github.com/zsiec/refract/media"
)

// FLV video codec IDs.
const (
	videoCodecAVC  = 7
	videoCodecHEVC = 12
)

// FLV video packet types (AVCPacketType / HEVCPacketType).
const (
	videoPacketConfig = 0
	videoPacketNALU   = 1
	videoPacketEOS    = 2
)

const frameTypeKey = 1

// parseVideo handles one FLV video tag body: sequence headers update the
// track configuration, NALU payloads become video samples, end-of-sequence
// is a no-op.
func (d *Demuxer) parseVideo(body []byte, dts int64) {
	if len(body) < 6 {
		d.warnVideo("video tag too short: %d bytes", len(body))
		return
	}

	frameType := body[0] >> 4
	codecID := body[0] & 0x0F

	var hevc bool
	switch codecID {
	case videoCodecAVC:
		hevc = false
	case videoCodecHEVC:
		hevc = true
	default:
		d.video.Reset()
		d.warnVideo("unsupported video codec id %d", codecID)
		return
	}

	if hevc {
		d.video.CodecType = media.VideoCodecHEVC
	} else {
		d.video.CodecType = media.VideoCodecAVC
	}

	packetType := body[1]

	// Composition offset: sign-extend the 24-bit big-endian field.
	cts := int64(int32(uint32(body[2])<<24|uint32(body[3])<<16|uint32(body[4])<<8) >> 8)

	switch packetType {
	case videoPacketConfig:
		d.parseVideoConfig(body[5:], hevc)

	case videoPacketNALU:
		d.parseVideoNALUs(body[5:], dts, cts, frameType, hevc)

	case videoPacketEOS:
		// End of sequence: nothing to emit.

	default:
		d.warnVideo("unknown video packet type %d", packetType)
	}
}

// parseVideoConfig applies a decoder configuration record to the track.
// Non-empty fields of the parsed record overwrite the track's configuration;
// the raw HEVC record is kept only as first seen.
func (d *Demuxer) parseVideoConfig(payload []byte, hevc bool) {
	var (
		spsInfo     *codec.SPSInfo
		spsList     [][]byte
		ppsList     [][]byte
		vpsList     [][]byte
		nalUnitSize int
		record      []byte
	)

	if hevc {
		cfg, err := codec.ParseHEVCDecoderConfigurationRecord(payload)
		if err != nil {
			d.warnVideo("bad HEVC configuration record: %v", err)
			return
		}
		spsInfo = cfg.SPSInfo
		spsList, ppsList, vpsList = cfg.SPSList, cfg.PPSList, cfg.VPSList
		nalUnitSize = cfg.NALUnitSize
		record = cfg.Record
	} else {
		cfg, err := codec.ParseAVCDecoderConfigurationRecord(payload)
		if err != nil {
			d.warnVideo("bad AVC configuration record: %v", err)
			return
		}
		spsInfo = cfg.SPSInfo
		spsList, ppsList = cfg.SPSList, cfg.PPSList
		nalUnitSize = cfg.NALUnitSize
	}

	if d.video.HVCC == nil && record != nil {
		d.video.HVCC = record
	}
	if spsInfo != nil {
		if spsInfo.Codec != "" {
			d.video.Codec = spsInfo.Codec
		}
		if spsInfo.Width > 0 {
			d.video.Width = spsInfo.Width
		}
		if spsInfo.Height > 0 {
			d.video.Height = spsInfo.Height
		}
		if spsInfo.SAR.Den != 0 {
			d.video.SAR = spsInfo.SAR
		}
		if spsInfo.FPSNum > 0 && spsInfo.FPSDen > 0 {
			d.video.FPSNum = spsInfo.FPSNum
			d.video.FPSDen = spsInfo.FPSDen
		}
	}
	if len(spsList) > 0 {
		d.video.SPS = spsList
	}
	if len(ppsList) > 0 {
		d.video.PPS = ppsList
	}
	if len(vpsList) > 0 {
		d.video.VPS = vpsList
	}
	if nalUnitSize > 0 {
		d.video.NALUnitSize = nalUnitSize
	}
}

// parseVideoNALUs turns a length-prefixed NAL payload into one video sample,
// classifying keyframe and SEI units along the way.
func (d *Demuxer) parseVideoNALUs(payload []byte, dts, cts int64, frameType byte, hevc bool) {
	units, err := codec.ParseAVCC(payload, d.video.NALUnitSize)
	if err != nil {
		d.warnVideo("bad NAL payload: %v", err)
	}

	units = d.insertParameterSets(units, hevc)

	if len(units) == 0 {
		d.warnVideo("video tag with no NAL units")
		return
	}

	pts := dts + cts
	sample := media.VideoSample{
		PTS:      pts,
		DTS:      dts,
		Units:    units,
		Keyframe: frameType == frameTypeKey,
	}

	for _, unit := range units {
		if len(unit) == 0 {
			continue
		}

		var nalType byte
		if hevc {
			nalType = codec.HEVCNALType(unit[0])
		} else {
			nalType = codec.NALType(unit[0])
		}

		switch {
		case hevc && codec.IsHEVCKeyframe(nalType),
			!hevc && codec.IsKeyframe(nalType):
			sample.Keyframe = true

		case codec.IsSEI(nalType, hevc):
			rbsp := codec.RemoveEmulationPrevention(unit)
			if msgs := codec.ParseSEI(rbsp, hevc); len(msgs) > 0 {
				d.meta.SEISamples = append(d.meta.SEISamples, media.SEISample{
					Messages: msgs,
					PTS:      pts,
				})
			}
		}
	}

	if sample.Keyframe {
		d.gopID++
	}
	sample.GOPID = d.gopID

	d.video.Samples = append(d.video.Samples, sample)
}

// insertParameterSets applies the HEVC pre-insertion latch: until a NALU tag
// carries a VPS in-band, the configuration record's parameter sets are
// prepended ahead of the first sample so downstream packagers see them before
// the keyframe. AVC streams never need this.
func (d *Demuxer) insertParameterSets(units [][]byte, hevc bool) [][]byte {
	if !hevc {
		d.needParamSets = false
		return units
	}

	for _, unit := range units {
		if len(unit) > 0 && codec.HEVCNALType(unit[0]) == codec.HEVCNALVPS {
			d.needParamSets = false
			return units
		}
	}

	if !d.needParamSets {
		return units
	}

	var prefix [][]byte
	if len(d.video.VPS) > 0 {
		prefix = append(prefix, d.video.VPS[0])
	}
	if len(d.video.SPS) > 0 {
		prefix = append(prefix, d.video.SPS[0])
	}
	if len(d.video.PPS) > 0 {
		prefix = append(prefix, d.video.PPS[0])
	}
	d.needParamSets = false

	if len(prefix) == 0 {
		return units
	}
	return append(prefix, units...)
}
