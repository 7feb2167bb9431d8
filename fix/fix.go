// Package fix provides the default track fixer: it rebases demuxed timestamps
// onto a caller-supplied start time and closes jumps larger than a gap
// threshold, forward or backward. Smaller backward steps pass through
// unchanged, so output is not guaranteed to be monotonic.
package fix

import (
	"log/slog"

	"github.com/zsiec/refract/media"
)

// maxVideoGapMS is the largest DTS jump treated as contiguous; anything
// larger is rebased to the expected next timestamp.
const maxVideoGapMS = 1000

// defaultFrameDurationMS is used before enough samples arrive to estimate
// the real frame interval.
const defaultFrameDurationMS = 40

// aacSamplesPerFrame is fixed by the codec.
const aacSamplesPerFrame = 1024

// Fixer implements flv.TrackFixer. It carries timestamp baselines across
// calls so a stream fed chunk-by-chunk fixes the same way as one fed whole.
type Fixer struct {
	log *slog.Logger

	videoInit     bool
	videoBase     int64
	videoNextDTS  int64
	videoDuration int64

	audioInit    bool
	audioBase    int64
	audioNextPTS int64
}

// New creates a Fixer. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Fixer {
	if log == nil {
		log = slog.Default()
	}
	return &Fixer{
		log:           log.With("component", "track-fix"),
		videoDuration: defaultFrameDurationMS,
	}
}

// Fix rebases and repairs the tracks in place. discontinuity (or a
// non-contiguous call) resets the baselines so the next samples land at
// startTime.
func (f *Fixer) Fix(video *media.VideoTrack, audio *media.AudioTrack, _ *media.MetadataTrack,
	startTime int64, discontinuity, contiguous bool) {

	if discontinuity || !contiguous {
		f.videoInit = false
		f.audioInit = false
	}

	f.fixVideo(video, startTime)
	f.fixAudio(audio, startTime)
}

func (f *Fixer) fixVideo(track *media.VideoTrack, startTime int64) {
	if len(track.Samples) == 0 {
		return
	}

	if track.FPSNum > 0 && track.FPSDen > 0 {
		f.videoDuration = int64(track.FPSDen) * 1000 / int64(track.FPSNum)
		if f.videoDuration <= 0 {
			f.videoDuration = defaultFrameDurationMS
		}
	}

	if !f.videoInit {
		f.videoInit = true
		f.videoBase = track.Samples[0].DTS - startTime
		f.videoNextDTS = startTime
	}

	for i := range track.Samples {
		s := &track.Samples[i]
		cts := s.PTS - s.DTS
		dts := s.DTS - f.videoBase

		if gap := dts - f.videoNextDTS; gap > maxVideoGapMS || gap < -maxVideoGapMS {
			// Rebase so this sample lands where the cadence predicts.
			f.videoBase += gap
			f.log.Debug("video timestamp gap closed", "gap_ms", gap)
			dts = f.videoNextDTS
		}

		s.DTS = dts
		s.PTS = dts + cts
		f.videoNextDTS = dts + f.videoDuration
	}
}

func (f *Fixer) fixAudio(track *media.AudioTrack, startTime int64) {
	if len(track.Samples) == 0 {
		return
	}

	frameDuration := int64(defaultFrameDurationMS)
	if track.CodecType == media.AudioCodecAAC && track.SampleRate > 0 {
		frameDuration = aacSamplesPerFrame * 1000 / int64(track.SampleRate)
	}
	maxGap := 4 * frameDuration

	if !f.audioInit {
		f.audioInit = true
		f.audioBase = track.Samples[0].PTS - startTime
		f.audioNextPTS = startTime
	}

	for i := range track.Samples {
		s := &track.Samples[i]
		pts := s.PTS - f.audioBase

		if gap := pts - f.audioNextPTS; gap > maxGap || gap < -maxGap {
			f.audioBase += gap
			f.log.Debug("audio timestamp gap closed", "gap_ms", gap)
			pts = f.audioNextPTS
		}

		s.PTS = pts
		f.audioNextPTS = pts + frameDuration
	}
}
