package codec

import (
	"errors"
	"fmt"
)

// ErrInvalidASC is returned when an AudioSpecificConfig is malformed.
var ErrInvalidASC = errors.New("invalid AudioSpecificConfig")

// AAC sample rate index table (ISO 14496-3).
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AudioSpecificConfig holds the fields parsed from an MPEG-4
// AudioSpecificConfig carried in an FLV AAC sequence header.
type AudioSpecificConfig struct {
	ObjectType      byte
	SamplingIndex   byte
	SampleRate      int
	ChannelCount    int
	Codec           string // RFC 6381, e.g. "mp4a.40.2"
	Config          []byte // the raw config bytes as received
}

// ParseAudioSpecificConfig parses an MPEG-4 AudioSpecificConfig. The escaped
// object type (31 + 6 bits) and the explicit-frequency escape (index 15,
// 24-bit rate) are handled; the channel configuration is taken as the
// channel count.
func ParseAudioSpecificConfig(data []byte) (*AudioSpecificConfig, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidASC, len(data))
	}

	br := newBitReader(data)

	objectType, err := br.readBits(5)
	if err != nil {
		return nil, ErrInvalidASC
	}
	if objectType == 31 {
		ext, err := br.readBits(6)
		if err != nil {
			return nil, ErrInvalidASC
		}
		objectType = 32 + ext
	}

	samplingIndex, err := br.readBits(4)
	if err != nil {
		return nil, ErrInvalidASC
	}

	sampleRate := 0
	if samplingIndex == 15 {
		rate, err := br.readBits(24)
		if err != nil {
			return nil, ErrInvalidASC
		}
		sampleRate = int(rate)
	} else {
		if int(samplingIndex) >= len(aacSampleRates) {
			return nil, fmt.Errorf("%w: sampling index %d", ErrInvalidASC, samplingIndex)
		}
		sampleRate = aacSampleRates[samplingIndex]
	}

	channelConfig, err := br.readBits(4)
	if err != nil {
		return nil, ErrInvalidASC
	}

	config := make([]byte, len(data))
	copy(config, data)

	return &AudioSpecificConfig{
		ObjectType:    byte(objectType),
		SamplingIndex: byte(samplingIndex),
		SampleRate:    sampleRate,
		ChannelCount:  int(channelConfig),
		Codec:         fmt.Sprintf("mp4a.40.%d", objectType),
		Config:        config,
	}, nil
}
