package codec

import "github.com/zsiec/refract/media"

// ParseSEI walks the SEI messages inside a NAL unit that has already had
// emulation-prevention bytes removed. The NAL header (1 byte for H.264,
// 2 bytes for HEVC) is skipped here. Payload type and size use the 0xFF
// continuation encoding; the walk stops at the RBSP trailing byte.
func ParseSEI(nal []byte, hevc bool) []media.SEIMessage {
	headerSize := 1
	if hevc {
		headerSize = 2
	}
	if len(nal) <= headerSize {
		return nil
	}
	rbsp := nal[headerSize:]

	var messages []media.SEIMessage
	i := 0
	for i < len(rbsp) {
		if rbsp[i] == 0x80 {
			break // rbsp_trailing_bits
		}

		payloadType := uint32(0)
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadType += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		payloadType += uint32(rbsp[i])
		i++

		payloadSize := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadSize += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		payloadSize += int(rbsp[i])
		i++

		if i+payloadSize > len(rbsp) {
			break
		}

		messages = append(messages, media.SEIMessage{
			PayloadType: payloadType,
			Payload:     rbsp[i : i+payloadSize],
		})
		i += payloadSize
	}
	return messages
}
