package flv

import "github.com/zsiec/refract/media"

// TrackFixer normalizes the timestamps of freshly demuxed tracks, e.g.
// rebasing them to a start time and closing large gaps. The fixer
// mutates the tracks in place and owns no track memory.
type TrackFixer interface {
	Fix(video *media.VideoTrack, audio *media.AudioTrack, meta *media.MetadataTrack,
		startTime int64, discontinuity, contiguous bool)
}

// nopFixer is the default until SetFixer installs a real one.
type nopFixer struct{}

func (nopFixer) Fix(*media.VideoTrack, *media.AudioTrack, *media.MetadataTrack, int64, bool, bool) {
}

// Fix runs the configured fixer over the current tracks and returns them.
// Demux state is untouched.
func (d *Demuxer) Fix(startTime int64, discontinuity, contiguous bool) (*media.VideoTrack, *media.AudioTrack, *media.MetadataTrack) {
	d.fixer.Fix(d.video, d.audio, d.meta, startTime, discontinuity, contiguous)
	return d.video, d.audio, d.meta
}

// DemuxAndFix composes Demux and Fix in one call.
func (d *Demuxer) DemuxAndFix(data []byte, discontinuity, contiguous bool, startTime int64) (*media.VideoTrack, *media.AudioTrack, *media.MetadataTrack, error) {
	if _, _, _, err := d.Demux(data, discontinuity, contiguous); err != nil {
		return nil, nil, nil, err
	}
	video, audio, meta := d.Fix(startTime, discontinuity, contiguous)
	return video, audio, meta, nil
}
