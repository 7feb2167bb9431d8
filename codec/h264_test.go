package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/zsiec/refract/media"
)

// 1280x720 baseline SPS, no VUI.
var testSPS = []byte{0x67, 0x42, 0x00, 0x1E, 0xF4, 0x02, 0x80, 0x2D, 0xC8}

// Same SPS with VUI: extended SAR 4:3, timing 50/1 (25 fps with field units).
var testSPSWithVUI = []byte{
	0x67, 0x42, 0x00, 0x1E, 0xF4, 0x02, 0x80, 0x2D,
	0xDF, 0xF8, 0x00, 0x20, 0x00, 0x18, 0x80, 0x00,
	0x00, 0x00, 0x80, 0x00, 0x00, 0x19, 0x40,
}

var testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}

func TestParseSPS(t *testing.T) {
	t.Parallel()

	info, err := ParseSPS(testSPS)
	if err != nil {
		t.Fatal(err)
	}
	if info.Width != 1280 || info.Height != 720 {
		t.Errorf("resolution = %dx%d, want 1280x720", info.Width, info.Height)
	}
	if info.Codec != "avc1.42001E" {
		t.Errorf("codec = %q, want avc1.42001E", info.Codec)
	}
	if info.SAR != (media.Ratio{Num: 1, Den: 1}) {
		t.Errorf("SAR = %+v, want 1:1 default", info.SAR)
	}
	if info.FPSNum != 0 || info.FPSDen != 0 {
		t.Errorf("fps = %d/%d, want unset", info.FPSNum, info.FPSDen)
	}
}

func TestParseSPS_VUI(t *testing.T) {
	t.Parallel()

	info, err := ParseSPS(testSPSWithVUI)
	if err != nil {
		t.Fatal(err)
	}
	if info.Width != 1280 || info.Height != 720 {
		t.Errorf("resolution = %dx%d, want 1280x720", info.Width, info.Height)
	}
	if info.SAR != (media.Ratio{Num: 4, Den: 3}) {
		t.Errorf("SAR = %+v, want 4:3", info.SAR)
	}
	if info.FPSNum != 50 || info.FPSDen != 2 {
		t.Errorf("fps = %d/%d, want 50/2", info.FPSNum, info.FPSDen)
	}
}

func TestParseSPS_Short(t *testing.T) {
	t.Parallel()
	if _, err := ParseSPS([]byte{0x67, 0x42}); err == nil {
		t.Fatal("short SPS accepted")
	}
}

func buildAVCC(sps, pps [][]byte, lengthSizeMinusOne byte) []byte {
	var b bytes.Buffer
	b.Write([]byte{0x01, 0x42, 0x00, 0x1E, 0xFC | lengthSizeMinusOne})
	b.WriteByte(0xE0 | byte(len(sps)))
	var n [2]byte
	for _, s := range sps {
		binary.BigEndian.PutUint16(n[:], uint16(len(s)))
		b.Write(n[:])
		b.Write(s)
	}
	b.WriteByte(byte(len(pps)))
	for _, p := range pps {
		binary.BigEndian.PutUint16(n[:], uint16(len(p)))
		b.Write(n[:])
		b.Write(p)
	}
	return b.Bytes()
}

func TestParseAVCDecoderConfigurationRecord(t *testing.T) {
	t.Parallel()

	record := buildAVCC([][]byte{testSPS}, [][]byte{testPPS}, 3)
	cfg, err := ParseAVCDecoderConfigurationRecord(record)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.NALUnitSize != 4 {
		t.Errorf("NAL unit size = %d, want 4", cfg.NALUnitSize)
	}
	if len(cfg.SPSList) != 1 || !bytes.Equal(cfg.SPSList[0], testSPS) {
		t.Errorf("SPS list = %v", cfg.SPSList)
	}
	if len(cfg.PPSList) != 1 || !bytes.Equal(cfg.PPSList[0], testPPS) {
		t.Errorf("PPS list = %v", cfg.PPSList)
	}
	if cfg.SPSInfo == nil || cfg.SPSInfo.Width != 1280 {
		t.Errorf("SPS info = %+v", cfg.SPSInfo)
	}

	// Parameter sets must not alias the record buffer.
	record[10] ^= 0xFF
	if !bytes.Equal(cfg.SPSList[0], testSPS) {
		t.Error("SPS aliases the input buffer")
	}
}

func TestParseAVCDecoderConfigurationRecord_LengthSizes(t *testing.T) {
	t.Parallel()

	for _, lsm1 := range []byte{0, 1, 3} {
		record := buildAVCC([][]byte{testSPS}, [][]byte{testPPS}, lsm1)
		cfg, err := ParseAVCDecoderConfigurationRecord(record)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.NALUnitSize != int(lsm1)+1 {
			t.Errorf("NAL unit size = %d, want %d", cfg.NALUnitSize, lsm1+1)
		}
	}
}

func TestParseAVCDecoderConfigurationRecord_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte{0x01, 0x42}},
		{"bad version", []byte{0x02, 0x42, 0x00, 0x1E, 0xFF, 0xE1, 0x00}},
		{"truncated sps", buildAVCC([][]byte{testSPS}, nil, 3)[:12]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseAVCDecoderConfigurationRecord(tt.data); !errors.Is(err, ErrInvalidAVCConfig) {
				t.Errorf("err = %v, want ErrInvalidAVCConfig", err)
			}
		})
	}
}
