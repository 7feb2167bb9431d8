package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseAudioSpecificConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		data         []byte
		wantObject   byte
		wantIndex    byte
		wantRate     int
		wantChannels int
		wantCodec    string
	}{
		{"aac-lc 44100 stereo", []byte{0x12, 0x10}, 2, 4, 44100, 2, "mp4a.40.2"},
		{"aac-lc 48000 stereo", []byte{0x11, 0x90}, 2, 3, 48000, 2, "mp4a.40.2"},
		{"he-aac 22050 mono", []byte{0x2B, 0x88, 0x00}, 5, 7, 22050, 1, "mp4a.40.5"},
		{"aac-lc 8000 mono", []byte{0x15, 0x88}, 2, 11, 8000, 1, "mp4a.40.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asc, err := ParseAudioSpecificConfig(tt.data)
			if err != nil {
				t.Fatal(err)
			}
			if asc.ObjectType != tt.wantObject {
				t.Errorf("object type = %d, want %d", asc.ObjectType, tt.wantObject)
			}
			if asc.SamplingIndex != tt.wantIndex {
				t.Errorf("sampling index = %d, want %d", asc.SamplingIndex, tt.wantIndex)
			}
			if asc.SampleRate != tt.wantRate {
				t.Errorf("sample rate = %d, want %d", asc.SampleRate, tt.wantRate)
			}
			if asc.ChannelCount != tt.wantChannels {
				t.Errorf("channels = %d, want %d", asc.ChannelCount, tt.wantChannels)
			}
			if asc.Codec != tt.wantCodec {
				t.Errorf("codec = %q, want %q", asc.Codec, tt.wantCodec)
			}
			if !bytes.Equal(asc.Config, tt.data) {
				t.Errorf("config bytes = % X, want % X", asc.Config, tt.data)
			}
		})
	}
}

func TestParseAudioSpecificConfig_ExplicitFrequency(t *testing.T) {
	t.Parallel()

	// Object 2, index 15, explicit 24-bit rate 44100 (0x00AC44), channels 2.
	// Bits: 00010 1111 000000001010110001000100 0010 → pad.
	asc, err := ParseAudioSpecificConfig([]byte{0x17, 0x80, 0x56, 0x22, 0x10})
	if err != nil {
		t.Fatal(err)
	}
	if asc.SamplingIndex != 15 {
		t.Errorf("sampling index = %d, want 15", asc.SamplingIndex)
	}
	if asc.SampleRate != 44100 {
		t.Errorf("sample rate = %d, want 44100", asc.SampleRate)
	}
	if asc.ChannelCount != 2 {
		t.Errorf("channels = %d, want 2", asc.ChannelCount)
	}
}

func TestParseAudioSpecificConfig_Errors(t *testing.T) {
	t.Parallel()

	for _, data := range [][]byte{nil, {0x12}} {
		if _, err := ParseAudioSpecificConfig(data); !errors.Is(err, ErrInvalidASC) {
			t.Errorf("ParseAudioSpecificConfig(% X) err = %v, want ErrInvalidASC", data, err)
		}
	}

	// Sampling index 13 is reserved.
	if _, err := ParseAudioSpecificConfig([]byte{0x16, 0x90}); !errors.Is(err, ErrInvalidASC) {
		t.Error("reserved sampling index not rejected")
	}
}
