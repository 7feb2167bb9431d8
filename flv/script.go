package flv

import (
	"github.com/zsiec/refract/amf"
	"github.com/zsiec/refract/media"
)

// parseScript decodes an FLV script tag (AMF0 name + value) onto the
// metadata track. Malformed AMF is logged and skipped; script tags never
// affect the media tracks.
func (d *Demuxer) parseScript(body []byte, pts int64) {
	name, value, err := amf.ParseScriptData(body)
	if err != nil {
		d.log.Warn("bad script tag", "error", err)
		return
	}

	d.meta.ScriptSamples = append(d.meta.ScriptSamples, media.ScriptSample{
		Name:  name,
		Value: value,
		PTS:   pts,
	})
}
