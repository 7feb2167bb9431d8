// Package pipeline orchestrates the demux-to-relay data flow for a single
// stream: raw FLV bytes from ingest are demuxed chunk by chunk, fixed, and
// fanned out to viewers, with captions decoded from SEI along the way.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/refract/codec"
	"github.com/zsiec/refract/fix"
	"github.com/zsiec/refract/flv"
	"github.com/zsiec/refract/media"
	"github.com/zsiec/refract/relay"
)

// readChunkSize is the unit of work handed to the demuxer. Tags larger than
// one chunk are reassembled by the demuxer's remainder buffering.
const readChunkSize = 64 * 1024

// Broadcaster is the subset of relay.Relay the pipeline uses to fan out
// demuxed samples. Accepting an interface keeps the pipeline testable with
// stubs.
type Broadcaster interface {
	BroadcastVideo(s *media.VideoSample)
	BroadcastAudio(s *media.AudioSample)
	BroadcastScript(pts int64, payload []byte)
	BroadcastCaption(pts int64, channel int, text string)
	SetInfo(info relay.StreamInfo)
}

// Snapshot is a point-in-time view of pipeline counters for the debug API.
type Snapshot struct {
	UptimeMs     int64 `json:"uptimeMs"`
	VideoSamples int64 `json:"videoSamples"`
	AudioSamples int64 `json:"audioSamples"`
	Scripts      int64 `json:"scripts"`
	Captions     int64 `json:"captions"`
	Warnings     int64 `json:"warnings"`
	LastVideoPTS int64 `json:"lastVideoPts"`
	LastAudioPTS int64 `json:"lastAudioPts"`
}

// Pipeline bridges one ingest stream and its relay.
type Pipeline struct {
	log       *slog.Logger
	input     io.Reader
	relay     Broadcaster
	demuxer   *flv.Demuxer
	startTime time.Time

	cea608 map[int]*ccx.CEA608Decoder

	videoCount   atomic.Int64
	audioCount   atomic.Int64
	scriptCount  atomic.Int64
	captionCount atomic.Int64
	warningCount atomic.Int64
	lastVideoPTS atomic.Int64
	lastAudioPTS atomic.Int64
	infoSent     bool
}

// New creates a Pipeline reading raw FLV bytes from input.
func New(streamKey string, input io.Reader, b Broadcaster) *Pipeline {
	log := slog.With("stream", streamKey)
	d := flv.NewDemuxer(slog.With("component", "demuxer", "stream", streamKey))
	d.SetFixer(fix.New(log))

	return &Pipeline{
		log:     log,
		input:   input,
		relay:   b,
		demuxer: d,
		cea608: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(),
			2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(),
			4: ccx.NewCEA608Decoder(),
		},
		startTime: time.Now(),
	}
}

// Snapshot returns the pipeline's forwarding counters.
func (p *Pipeline) Snapshot() Snapshot {
	return Snapshot{
		UptimeMs:     time.Since(p.startTime).Milliseconds(),
		VideoSamples: p.videoCount.Load(),
		AudioSamples: p.audioCount.Load(),
		Scripts:      p.scriptCount.Load(),
		Captions:     p.captionCount.Load(),
		Warnings:     p.warningCount.Load(),
		LastVideoPTS: p.lastVideoPTS.Load(),
		LastAudioPTS: p.lastAudioPTS.Load(),
	}
}

// Run reads the input until EOF or context cancellation, forwarding demuxed
// samples to the relay. The only unrecoverable parse error is a stream that
// is not FLV at all.
func (p *Pipeline) Run(ctx context.Context) error {
	buf := make([]byte, readChunkSize)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := p.input.Read(buf)
		if n > 0 {
			video, audio, meta, derr := p.demuxer.DemuxAndFix(buf[:n], false, true, 0)
			if derr != nil {
				p.log.Error("not an FLV stream", "error", derr)
				return derr
			}
			p.forward(video, audio, meta)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.log.Info("input ended",
					"video", p.videoCount.Load(), "audio", p.audioCount.Load())
				return nil
			}
			return err
		}
	}
}

func (p *Pipeline) forward(video *media.VideoTrack, audio *media.AudioTrack, meta *media.MetadataTrack) {
	p.warningCount.Add(int64(len(video.Warnings) + len(audio.Warnings)))

	if !p.infoSent && (video.Codec != "" || audio.Codec != "") {
		p.relay.SetInfo(relay.StreamInfo{
			VideoCodec:    video.Codec,
			Width:         video.Width,
			Height:        video.Height,
			SAR:           video.SAR,
			FPSNum:        video.FPSNum,
			FPSDen:        video.FPSDen,
			AudioCodec:    audio.Codec,
			SampleRate:    audio.SampleRate,
			ChannelCount:  audio.ChannelCount,
			DecoderConfig: video.HVCC,
		})
		p.infoSent = true
	}

	hevc := video.CodecType == media.VideoCodecHEVC
	for i := range video.Samples {
		s := &video.Samples[i]
		p.relay.BroadcastVideo(s)
		p.videoCount.Add(1)
		p.lastVideoPTS.Store(s.PTS)
		p.decodeCaptions(s, hevc)
	}

	for i := range audio.Samples {
		s := &audio.Samples[i]
		p.relay.BroadcastAudio(s)
		p.audioCount.Add(1)
		p.lastAudioPTS.Store(s.PTS)
	}

	for _, s := range meta.ScriptSamples {
		payload, err := json.Marshal(map[string]any{s.Name: s.Value})
		if err != nil {
			p.log.Debug("script marshal error", "error", err)
			continue
		}
		p.relay.BroadcastScript(s.PTS, payload)
		p.scriptCount.Add(1)
	}
}

// decodeCaptions extracts CEA-608 caption pairs from any SEI NAL units in
// the sample and feeds them through the per-channel decoders.
func (p *Pipeline) decodeCaptions(s *media.VideoSample, hevc bool) {
	for _, unit := range s.Units {
		if len(unit) == 0 {
			continue
		}
		var nalType byte
		if hevc {
			nalType = codec.HEVCNALType(unit[0])
		} else {
			nalType = codec.NALType(unit[0])
		}
		if !codec.IsSEI(nalType, hevc) {
			continue
		}

		cd := ccx.ExtractCaptions(unit)
		if cd == nil {
			continue
		}
		for _, pair := range cd.CC608Pairs {
			dec := p.cea608[pair.Channel]
			if dec == nil {
				continue
			}
			text := dec.Decode(pair.Data[0], pair.Data[1])
			if text == "" {
				continue
			}
			p.relay.BroadcastCaption(s.PTS, pair.Channel, text)
			p.captionCount.Add(1)
		}
	}
}
