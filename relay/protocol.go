// Package relay fans demuxed samples out to live viewers. Samples are
// serialized into a compact varint-framed record stream that viewers decode
// incrementally; the encoding happens once per sample regardless of viewer
// count.
package relay

import (
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Wire record types.
const (
	RecordVideo   byte = 0x00
	RecordAudio   byte = 0x01
	RecordScript  byte = 0x02
	RecordCaption byte = 0x03
)

// Video record flag bits.
const flagKeyframe = 0x01

// ErrBadRecord is returned when a record stream is corrupt.
var ErrBadRecord = errors.New("malformed relay record")

// maxUnitCount bounds decoder allocations against corrupt streams.
const maxUnitCount = 1 << 16

// Record is the decoded form of one wire record. Type selects which fields
// are meaningful: video uses PTS/DTS/Keyframe/GOPID/Units, audio and script
// use PTS/Payload, captions use PTS/Channel/Payload.
type Record struct {
	Type     byte
	PTS      int64
	DTS      int64
	Keyframe bool
	GOPID    uint32
	Units    [][]byte
	Channel  int
	Payload  []byte
}

// zigzag folds signed values into unsigned varint space; composition offsets
// make video PTS-DTS deltas signed.
func zigzag(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

// AppendVideo serializes a video sample record:
// type, zigzag(dts), zigzag(pts-dts), flags, gop, unit count, units.
func AppendVideo(buf []byte, pts, dts int64, keyframe bool, gopID uint32, units [][]byte) []byte {
	buf = append(buf, RecordVideo)
	buf = quicvarint.Append(buf, zigzag(dts))
	buf = quicvarint.Append(buf, zigzag(pts-dts))
	var flags byte
	if keyframe {
		flags |= flagKeyframe
	}
	buf = append(buf, flags)
	buf = quicvarint.Append(buf, uint64(gopID))
	buf = quicvarint.Append(buf, uint64(len(units)))
	for _, u := range units {
		buf = quicvarint.Append(buf, uint64(len(u)))
		buf = append(buf, u...)
	}
	return buf
}

// AppendAudio serializes an audio sample record: type, zigzag(pts), payload.
func AppendAudio(buf []byte, pts int64, data []byte) []byte {
	buf = append(buf, RecordAudio)
	buf = quicvarint.Append(buf, zigzag(pts))
	buf = quicvarint.Append(buf, uint64(len(data)))
	return append(buf, data...)
}

// AppendScript serializes a script-metadata record: type, zigzag(pts),
// payload (JSON-encoded value tree).
func AppendScript(buf []byte, pts int64, payload []byte) []byte {
	buf = append(buf, RecordScript)
	buf = quicvarint.Append(buf, zigzag(pts))
	buf = quicvarint.Append(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// AppendCaption serializes a caption record: type, zigzag(pts), channel, text.
func AppendCaption(buf []byte, pts int64, channel int, text string) []byte {
	buf = append(buf, RecordCaption)
	buf = quicvarint.Append(buf, zigzag(pts))
	buf = quicvarint.Append(buf, uint64(channel))
	buf = quicvarint.Append(buf, uint64(len(text)))
	return append(buf, text...)
}

// ReadRecord decodes the next record from r. Returns io.EOF cleanly at a
// record boundary, ErrBadRecord (or io.ErrUnexpectedEOF) mid-record.
func ReadRecord(r quicvarint.Reader) (rec *Record, err error) {
	recType, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	// Past the type byte, running out of input means a truncated record.
	defer func() {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
	}()

	rec = &Record{Type: recType}

	switch recType {
	case RecordVideo:
		dts, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		delta, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		rec.DTS = unzigzag(dts)
		rec.PTS = rec.DTS + unzigzag(delta)

		flags, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		rec.Keyframe = flags&flagKeyframe != 0

		gop, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		rec.GOPID = uint32(gop)

		count, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		if count > maxUnitCount {
			return nil, fmt.Errorf("%w: %d units", ErrBadRecord, count)
		}
		rec.Units = make([][]byte, 0, count)
		for i := uint64(0); i < count; i++ {
			u, err := readBlob(r)
			if err != nil {
				return nil, err
			}
			rec.Units = append(rec.Units, u)
		}

	case RecordAudio, RecordScript:
		pts, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		rec.PTS = unzigzag(pts)
		if rec.Payload, err = readBlob(r); err != nil {
			return nil, err
		}

	case RecordCaption:
		pts, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		rec.PTS = unzigzag(pts)
		ch, err := quicvarint.Read(r)
		if err != nil {
			return nil, err
		}
		rec.Channel = int(ch)
		if rec.Payload, err = readBlob(r); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown type 0x%02X", ErrBadRecord, recType)
	}

	return rec, nil
}

func readBlob(r quicvarint.Reader) ([]byte, error) {
	n, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	if n > 1<<24 {
		return nil, fmt.Errorf("%w: blob of %d bytes", ErrBadRecord, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
