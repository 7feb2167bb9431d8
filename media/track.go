// Package media defines the track and sample types produced by the FLV
// demuxer and consumed by the fixer, pipeline, and relay layers.
package media

// VideoCodec identifies the video codec carried by a VideoTrack.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecAVC
	VideoCodecHEVC
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecAVC:
		return "avc"
	case VideoCodecHEVC:
		return "hevc"
	}
	return "unknown"
}

// AudioCodec identifies the audio codec carried by an AudioTrack.
type AudioCodec int

const (
	AudioCodecUnknown AudioCodec = iota
	AudioCodecAAC
	AudioCodecG711A
	AudioCodecG711U
)

func (c AudioCodec) String() string {
	switch c {
	case AudioCodecAAC:
		return "aac"
	case AudioCodecG711A:
		return "g7110a"
	case AudioCodecG711U:
		return "g7110m"
	}
	return "unknown"
}

// Ratio is a rational number, used for sample aspect ratios.
type Ratio struct {
	Num int
	Den int
}

// TrackMeta carries the fields common to all tracks: container-advertised
// presence, timescales, and per-call warnings.
type TrackMeta struct {
	// Present is true when the FLV header flags advertise this track.
	Present bool

	// Timescale is the tick rate of sample timestamps: 1000 (milliseconds)
	// for video and metadata, the sample rate for audio.
	Timescale uint32

	// FormatTimescale is the tick rate of the container itself (1000 for FLV).
	FormatTimescale uint32

	// Warnings accumulates non-fatal anomalies seen during the last demux
	// call. Cleared at the start of each call.
	Warnings []string
}

// Warn appends a warning to the track.
func (m *TrackMeta) Warn(msg string) {
	m.Warnings = append(m.Warnings, msg)
}

// VideoSample is one video access unit: an ordered set of NAL unit payloads
// (no length prefix) plus decode/presentation timestamps.
type VideoSample struct {
	PTS      int64
	DTS      int64
	Units    [][]byte
	Keyframe bool
	GOPID    uint32
}

// AudioSample is one raw audio frame (AAC frame or G.711 payload, the FLV
// framing byte(s) stripped).
type AudioSample struct {
	PTS  int64
	Data []byte
}

// VideoTrack holds the video codec configuration and the samples appended
// during the last demux call. Parameter sets persist across calls; samples
// are cleared at the start of each call.
type VideoTrack struct {
	TrackMeta

	CodecType   VideoCodec
	Codec       string // RFC 6381 codec string, e.g. "avc1.64001F"
	Width       int
	Height      int
	SAR         Ratio
	FPSNum      int
	FPSDen      int
	SPS         [][]byte
	PPS         [][]byte
	VPS         [][]byte // empty for AVC
	NALUnitSize int      // AVCC length-prefix size: 1, 2, or 4
	HVCC        []byte   // raw HEVC configuration record, kept as first seen

	Samples []VideoSample
}

// NewVideoTrack returns a video track with the FLV-native timescales. The
// NAL length-prefix size defaults to 4 until a configuration record says
// otherwise.
func NewVideoTrack() *VideoTrack {
	t := &VideoTrack{NALUnitSize: 4}
	t.Timescale = 1000
	t.FormatTimescale = 1000
	return t
}

// ClearSamples drops per-call transient state: samples and warnings.
func (t *VideoTrack) ClearSamples() {
	t.Samples = nil
	t.Warnings = nil
}

// Reset returns the track to its zero configuration, dropping parameter
// sets, codec identity, samples, and warnings. Presence is kept, since it
// reflects the container header rather than the payload.
func (t *VideoTrack) Reset() {
	present := t.Present
	*t = *NewVideoTrack()
	t.Present = present
}

// AudioTrack holds the audio codec configuration and the samples appended
// during the last demux call.
type AudioTrack struct {
	TrackMeta

	CodecType       AudioCodec
	Codec           string // RFC 6381 codec string for AAC, e.g. "mp4a.40.2"; "g7110a"/"g7110m" for G.711
	SampleRate      int
	SampleSize      int // bits per sample
	ChannelCount    int
	Config          []byte // AAC AudioSpecificConfig bytes
	ObjectType      byte
	SampleRateIndex byte

	Samples []AudioSample
}

// NewAudioTrack returns an empty audio track. Timescale is assigned once the
// sample rate is known.
func NewAudioTrack() *AudioTrack {
	t := &AudioTrack{}
	t.FormatTimescale = 1000
	return t
}

// ClearSamples drops per-call transient state: samples and warnings.
func (t *AudioTrack) ClearSamples() {
	t.Samples = nil
	t.Warnings = nil
}

// Reset returns the track to its zero configuration.
func (t *AudioTrack) Reset() {
	present := t.Present
	*t = *NewAudioTrack()
	t.Present = present
}

// ScriptSample is one decoded FLV script tag: the AMF value tree plus the
// tag timestamp.
type ScriptSample struct {
	Name  string
	Value any
	PTS   int64
}

// SEIMessage is a single SEI payload extracted from a NAL unit after
// emulation-prevention removal.
type SEIMessage struct {
	PayloadType uint32
	Payload     []byte
}

// SEISample groups the SEI messages of one NAL unit with its presentation
// timestamp.
type SEISample struct {
	Messages []SEIMessage
	PTS      int64
}

// MetadataTrack collects the non-media outputs of a demux call: script tag
// values and SEI messages.
type MetadataTrack struct {
	Timescale       uint32
	FormatTimescale uint32

	ScriptSamples []ScriptSample
	SEISamples    []SEISample
}

// NewMetadataTrack returns a metadata track with the FLV-native timescales.
func NewMetadataTrack() *MetadataTrack {
	return &MetadataTrack{Timescale: 1000, FormatTimescale: 1000}
}

// ClearSamples drops both sample lists.
func (t *MetadataTrack) ClearSamples() {
	t.ScriptSamples = nil
	t.SEISamples = nil
}

// Reset is equivalent to ClearSamples; the metadata track carries no codec
// configuration.
func (t *MetadataTrack) Reset() {
	t.ClearSamples()
}
