// Package flv implements a streaming FLV container demultiplexer. Bytes may
// arrive in arbitrarily sized chunks across calls; the demuxer buffers any
// trailing partial tag and carries parameter sets, GOP numbering, and header
// state forward until told otherwise.
package flv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/refract/media"
)

// FLV tag types.
const (
	TagAudio  = 8
	TagVideo  = 9
	TagScript = 18
)

// tagHeaderSize is the fixed FLV tag header; prevTagSize trails every tag.
const (
	tagHeaderSize   = 11
	prevTagSizeSize = 4
)

// ErrInvalidFLV is returned when the stream does not begin with a well-formed
// FLV header. It is the only fatal demux error; everything else degrades to
// track warnings.
var ErrInvalidFLV = errors.New("invalid FLV header")

// Demuxer splits an FLV byte stream into video, audio, and metadata tracks.
// It owns the three track records: each Demux call clears the previous call's
// samples and appends new ones, so callers drain (or copy) samples between
// calls. A Demuxer is not safe for concurrent use.
type Demuxer struct {
	log *slog.Logger

	video *media.VideoTrack
	audio *media.AudioTrack
	meta  *media.MetadataTrack

	fixer TrackFixer

	headerParsed bool
	remaining    []byte
	gopID        uint32

	// needParamSets latches HEVC parameter-set pre-insertion: streams that
	// carry VPS/SPS/PPS only in the configuration record get them prepended
	// in-band ahead of the first keyframe NAL.
	needParamSets bool
}

// NewDemuxer creates an FLV demuxer. If log is nil, slog.Default() is used.
func NewDemuxer(log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	return &Demuxer{
		log:           log.With("component", "flv-demux"),
		video:         media.NewVideoTrack(),
		audio:         media.NewAudioTrack(),
		meta:          media.NewMetadataTrack(),
		fixer:         nopFixer{},
		needParamSets: true,
	}
}

// SetFixer replaces the track fixer used by Fix and DemuxAndFix.
func (d *Demuxer) SetFixer(f TrackFixer) {
	if f != nil {
		d.fixer = f
	}
}

// Probe reports whether data begins with a well-formed FLV file header:
// "FLV", version 1, and a header length of at least 9.
func Probe(data []byte) bool {
	if len(data) < 9 {
		return false
	}
	if data[0] != 'F' || data[1] != 'L' || data[2] != 'V' || data[3] != 0x01 {
		return false
	}
	return binary.BigEndian.Uint32(data[5:]) >= 9
}

// Demux consumes the next chunk of the FLV byte stream and appends parsed
// samples to the three tracks, which are returned after every call.
//
// discontinuity signals a seek or stream switch: buffered bytes are dropped,
// the header is expected again, and all track configuration is reset.
// contiguous=false drops buffered bytes without resetting configuration.
// The only error returned is ErrInvalidFLV.
func (d *Demuxer) Demux(data []byte, discontinuity, contiguous bool) (*media.VideoTrack, *media.AudioTrack, *media.MetadataTrack, error) {
	if discontinuity || !contiguous {
		d.remaining = nil
	}
	if discontinuity {
		d.headerParsed = false
		d.video.Reset()
		d.audio.Reset()
		d.meta.Reset()
	} else {
		d.video.ClearSamples()
		d.audio.ClearSamples()
		d.meta.ClearSamples()
		if len(d.remaining) > 0 {
			data = append(d.remaining, data...)
			d.remaining = nil
		}
	}

	if len(data) == 0 {
		return d.video, d.audio, d.meta, nil
	}

	cursor := 0
	if !d.headerParsed {
		if len(data) < 9 {
			d.stash(data)
			return d.video, d.audio, d.meta, nil
		}
		if !Probe(data) {
			return nil, nil, nil, ErrInvalidFLV
		}

		flags := data[4]
		d.audio.Present = flags&0x04 != 0
		d.video.Present = flags&0x01 != 0

		// Skip the header plus the first previous-tag-size field.
		offset := int(binary.BigEndian.Uint32(data[5:])) + prevTagSizeSize
		if len(data) < offset {
			d.stash(data)
			return d.video, d.audio, d.meta, nil
		}
		d.headerParsed = true
		cursor = offset
	}

	for cursor+tagHeaderSize+prevTagSizeSize <= len(data) {
		tagType := data[cursor]
		dataSize := int(data[cursor+1])<<16 | int(data[cursor+2])<<8 | int(data[cursor+3])
		if cursor+tagHeaderSize+dataSize+prevTagSizeSize > len(data) {
			break // incomplete tag, buffer the tail
		}

		// 32-bit timestamp: the extension byte carries the high bits.
		ts := uint32(data[cursor+7])<<24 |
			uint32(data[cursor+4])<<16 |
			uint32(data[cursor+5])<<8 |
			uint32(data[cursor+6])

		body := data[cursor+tagHeaderSize : cursor+tagHeaderSize+dataSize]

		switch tagType {
		case TagAudio:
			d.parseAudio(body, int64(ts))
		case TagVideo:
			d.parseVideo(body, int64(ts))
		case TagScript:
			d.parseScript(body, int64(ts))
		default:
			d.log.Warn("unknown tag type", "type", tagType)
		}

		prevTagSize := binary.BigEndian.Uint32(data[cursor+tagHeaderSize+dataSize:])
		if prevTagSize != uint32(tagHeaderSize+dataSize) {
			d.log.Warn("previous tag size mismatch",
				"got", prevTagSize, "want", tagHeaderSize+dataSize)
		}

		cursor += tagHeaderSize + dataSize + prevTagSizeSize
	}

	if cursor < len(data) {
		d.stash(data[cursor:])
	}

	d.video.Timescale = 1000
	d.video.FormatTimescale = 1000
	d.meta.Timescale = 1000
	d.meta.FormatTimescale = 1000
	d.audio.Timescale = uint32(d.audio.SampleRate)
	d.audio.FormatTimescale = 1000

	// The container header is authoritative: samples parsed for a track the
	// header does not advertise mean the stream is lying about itself.
	if len(d.video.Samples) > 0 && !d.video.Present {
		d.video.Reset()
	}
	if len(d.audio.Samples) > 0 && !d.audio.Present {
		d.audio.Reset()
	}

	return d.video, d.audio, d.meta, nil
}

// stash copies the unconsumed tail so the caller's buffer can be reused.
func (d *Demuxer) stash(tail []byte) {
	d.remaining = make([]byte, len(tail))
	copy(d.remaining, tail)
}

func (d *Demuxer) warnVideo(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.video.Warn(msg)
	d.log.Warn(msg, "track", "video")
}

func (d *Demuxer) warnAudio(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.audio.Warn(msg)
	d.log.Warn(msg, "track", "audio")
}
