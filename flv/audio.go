package flv

import (
	"github.com/zsiec/refract/codec"
	"github.com/zsiec/refract/media"
)

// FLV audio sound formats.
const (
	audioFormatG711A = 7
	audioFormatG711U = 8
	audioFormatAAC   = 10
)

// FLV AAC packet types.
const (
	aacPacketConfig = 0
	aacPacketRaw    = 1
)

// Sample rates selected by the FLV sound-rate bits.
var flvSampleRates = [4]int{5500, 11000, 22000, 44000}

// parseAudio handles one FLV audio tag body.
func (d *Demuxer) parseAudio(body []byte, pts int64) {
	if len(body) < 1 {
		d.warnAudio("empty audio tag")
		return
	}

	format := body[0] >> 4

	switch format {
	case audioFormatG711A, audioFormatG711U:
		d.parseG711(body, pts, format)

	case audioFormatAAC:
		d.parseAAC(body, pts)

	default:
		d.audio.Reset()
		d.warnAudio("unsupported audio format %d", format)
	}
}

// parseG711 decodes the FLV sound flags and appends the raw G.711 payload.
// G.711 is always 8 kHz regardless of the advertised rate bits.
func (d *Demuxer) parseG711(body []byte, pts int64, format byte) {
	d.audio.SampleRate = flvSampleRates[(body[0]>>2)&0x03]
	d.audio.SampleSize = 8
	if body[0]&0x02 != 0 {
		d.audio.SampleSize = 16
	}
	d.audio.ChannelCount = 1
	if body[0]&0x01 != 0 {
		d.audio.ChannelCount = 2
	}

	if format == audioFormatG711A {
		d.audio.CodecType = media.AudioCodecG711A
	} else {
		d.audio.CodecType = media.AudioCodecG711U
	}
	d.audio.Codec = d.audio.CodecType.String()
	d.audio.SampleRate = 8000

	d.audio.Samples = append(d.audio.Samples, media.AudioSample{
		PTS:  pts,
		Data: body[1:],
	})
}

// parseAAC handles the AAC packet types: sequence headers update the track
// configuration, raw packets become samples.
func (d *Demuxer) parseAAC(body []byte, pts int64) {
	if len(body) < 2 {
		d.warnAudio("AAC tag too short: %d bytes", len(body))
		return
	}

	d.audio.CodecType = media.AudioCodecAAC

	switch body[1] {
	case aacPacketConfig:
		asc, err := codec.ParseAudioSpecificConfig(body[2:])
		if err != nil {
			d.audio.Reset()
			d.warnAudio("bad AudioSpecificConfig: %v", err)
			return
		}
		d.audio.Codec = asc.Codec
		d.audio.ChannelCount = asc.ChannelCount
		d.audio.SampleRate = asc.SampleRate
		d.audio.Config = asc.Config
		d.audio.ObjectType = asc.ObjectType
		d.audio.SampleRateIndex = asc.SamplingIndex

	case aacPacketRaw:
		d.audio.Samples = append(d.audio.Samples, media.AudioSample{
			PTS:  pts,
			Data: body[2:],
		})

	default:
		d.warnAudio("unknown AAC packet type %d", body[1])
	}
}
