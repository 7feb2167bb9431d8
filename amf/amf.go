// Package amf decodes Action Message Format 0 and 3 values as found in FLV
// script tag bodies. Values decode into free-form Go trees: float64, bool,
// string, map[string]any, []any, []byte (AMF3 byte arrays), and nil.
package amf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformed is returned when an AMF payload is truncated or carries an
// unknown type marker.
var ErrMalformed = errors.New("malformed AMF data")

// AMF0 type markers.
const (
	amf0Number      = 0x00
	amf0Boolean     = 0x01
	amf0String      = 0x02
	amf0Object      = 0x03
	amf0Null        = 0x05
	amf0Undefined   = 0x06
	amf0Reference   = 0x07
	amf0ECMAArray   = 0x08
	amf0ObjectEnd   = 0x09
	amf0StrictArray = 0x0A
	amf0Date        = 0x0B
	amf0LongString  = 0x0C
	amf0XMLDoc      = 0x0F
	amf0TypedObject = 0x10
	amf0AVMPlus     = 0x11
)

// AMF3 type markers.
const (
	amf3Undefined = 0x00
	amf3Null      = 0x01
	amf3False     = 0x02
	amf3True      = 0x03
	amf3Integer   = 0x04
	amf3Double    = 0x05
	amf3String    = 0x06
	amf3Date      = 0x08
	amf3Array     = 0x09
	amf3Object    = 0x0A
	amf3ByteArray = 0x0C
)

// ParseScriptData decodes an FLV script tag body: an AMF0 string naming the
// payload (typically "onMetaData") followed by one AMF0 value.
func ParseScriptData(data []byte) (string, any, error) {
	r := &reader{data: data}

	name, err := r.readValue0()
	if err != nil {
		return "", nil, err
	}
	nameStr, ok := name.(string)
	if !ok {
		return "", nil, fmt.Errorf("%w: script data name is not a string", ErrMalformed)
	}

	value, err := r.readValue0()
	if err != nil {
		return "", nil, err
	}
	return nameStr, value, nil
}

// ParseValue decodes a single AMF0 value from the front of data.
func ParseValue(data []byte) (any, error) {
	r := &reader{data: data}
	return r.readValue0()
}

type reader struct {
	data []byte
	pos  int

	// AMF3 reference tables, populated lazily on the first AVM+ value.
	strings3 []string
	objects3 []any
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("%w: unexpected end of data", ErrMalformed)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("%w: unexpected end of data", ErrMalformed)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) readUint16() (uint16, error) {
	b, err := r.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) readUint32() (uint32, error) {
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) readFloat64() (float64, error) {
	b, err := r.readBytes(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (r *reader) readString0() (string, error) {
	n, err := r.readUint16()
	if err != nil {
		return "", err
	}
	b, err := r.readBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) readValue0() (any, error) {
	marker, err := r.readByte()
	if err != nil {
		return nil, err
	}

	switch marker {
	case amf0Number:
		return r.readFloat64()

	case amf0Boolean:
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil

	case amf0String:
		return r.readString0()

	case amf0Object:
		return r.readObject0()

	case amf0Null, amf0Undefined:
		return nil, nil

	case amf0Reference:
		// References are not resolvable without retaining every complex
		// value decoded so far; script metadata never uses them.
		if _, err := r.readUint16(); err != nil {
			return nil, err
		}
		return nil, nil

	case amf0ECMAArray:
		// The associative count is advisory; properties end with the
		// empty-key object-end marker like a plain object.
		if _, err := r.readUint32(); err != nil {
			return nil, err
		}
		return r.readObject0()

	case amf0StrictArray:
		n, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		arr := make([]any, 0, min(int(n), 1024))
		for i := uint32(0); i < n; i++ {
			v, err := r.readValue0()
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil

	case amf0Date:
		ms, err := r.readFloat64()
		if err != nil {
			return nil, err
		}
		if _, err := r.readUint16(); err != nil { // timezone, reserved
			return nil, err
		}
		return ms, nil

	case amf0LongString, amf0XMLDoc:
		n, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		b, err := r.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		return string(b), nil

	case amf0TypedObject:
		if _, err := r.readString0(); err != nil { // class name
			return nil, err
		}
		return r.readObject0()

	case amf0AVMPlus:
		return r.readValue3()
	}

	return nil, fmt.Errorf("%w: unknown AMF0 marker 0x%02X", ErrMalformed, marker)
}

func (r *reader) readObject0() (map[string]any, error) {
	obj := make(map[string]any)
	for {
		key, err := r.readString0()
		if err != nil {
			return nil, err
		}

		if key == "" {
			marker, err := r.readByte()
			if err != nil {
				return nil, err
			}
			if marker == amf0ObjectEnd {
				return obj, nil
			}
			return nil, fmt.Errorf("%w: expected object end, got 0x%02X", ErrMalformed, marker)
		}

		val, err := r.readValue0()
		if err != nil {
			return nil, err
		}
		obj[key] = val
	}
}

// readU29 reads an AMF3 variable-length 29-bit integer.
func (r *reader) readU29() (uint32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		if i == 3 {
			return (v << 8) | uint32(b), nil
		}
		v = (v << 7) | uint32(b&0x7F)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return v, nil
}

func (r *reader) readString3() (string, error) {
	ref, err := r.readU29()
	if err != nil {
		return "", err
	}
	if ref&1 == 0 {
		idx := int(ref >> 1)
		if idx >= len(r.strings3) {
			return "", fmt.Errorf("%w: AMF3 string reference %d out of range", ErrMalformed, idx)
		}
		return r.strings3[idx], nil
	}
	n := int(ref >> 1)
	b, err := r.readBytes(n)
	if err != nil {
		return "", err
	}
	s := string(b)
	if s != "" {
		r.strings3 = append(r.strings3, s)
	}
	return s, nil
}

func (r *reader) readValue3() (any, error) {
	marker, err := r.readByte()
	if err != nil {
		return nil, err
	}

	switch marker {
	case amf3Undefined, amf3Null:
		return nil, nil

	case amf3False:
		return false, nil

	case amf3True:
		return true, nil

	case amf3Integer:
		v, err := r.readU29()
		if err != nil {
			return nil, err
		}
		// Sign-extend from 29 bits.
		n := int32(v << 3)
		return float64(n >> 3), nil

	case amf3Double:
		return r.readFloat64()

	case amf3String:
		return r.readString3()

	case amf3Date:
		ref, err := r.readU29()
		if err != nil {
			return nil, err
		}
		if ref&1 == 0 {
			return r.objectRef3(ref)
		}
		ms, err := r.readFloat64()
		if err != nil {
			return nil, err
		}
		r.objects3 = append(r.objects3, ms)
		return ms, nil

	case amf3Array:
		ref, err := r.readU29()
		if err != nil {
			return nil, err
		}
		if ref&1 == 0 {
			return r.objectRef3(ref)
		}
		dense := int(ref >> 1)

		// Associative portion first, terminated by the empty string.
		assoc := make(map[string]any)
		for {
			key, err := r.readString3()
			if err != nil {
				return nil, err
			}
			if key == "" {
				break
			}
			v, err := r.readValue3()
			if err != nil {
				return nil, err
			}
			assoc[key] = v
		}

		arr := make([]any, 0, min(dense, 1024))
		for i := 0; i < dense; i++ {
			v, err := r.readValue3()
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}

		if len(assoc) == 0 {
			r.objects3 = append(r.objects3, arr)
			return arr, nil
		}
		for i, v := range arr {
			assoc[fmt.Sprintf("%d", i)] = v
		}
		r.objects3 = append(r.objects3, assoc)
		return assoc, nil

	case amf3Object:
		ref, err := r.readU29()
		if err != nil {
			return nil, err
		}
		if ref&1 == 0 {
			return r.objectRef3(ref)
		}
		if ref&2 != 0 && ref&4 != 0 {
			return nil, fmt.Errorf("%w: AMF3 externalizable objects unsupported", ErrMalformed)
		}

		obj := make(map[string]any)
		r.objects3 = append(r.objects3, obj)

		sealed := int(ref >> 4)
		dynamic := ref&8 != 0
		if _, err := r.readString3(); err != nil { // class name
			return nil, err
		}

		keys := make([]string, sealed)
		for i := 0; i < sealed; i++ {
			if keys[i], err = r.readString3(); err != nil {
				return nil, err
			}
		}
		for i := 0; i < sealed; i++ {
			v, err := r.readValue3()
			if err != nil {
				return nil, err
			}
			obj[keys[i]] = v
		}

		if dynamic {
			for {
				key, err := r.readString3()
				if err != nil {
					return nil, err
				}
				if key == "" {
					break
				}
				v, err := r.readValue3()
				if err != nil {
					return nil, err
				}
				obj[key] = v
			}
		}
		return obj, nil

	case amf3ByteArray:
		ref, err := r.readU29()
		if err != nil {
			return nil, err
		}
		if ref&1 == 0 {
			return r.objectRef3(ref)
		}
		b, err := r.readBytes(int(ref >> 1))
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		r.objects3 = append(r.objects3, out)
		return out, nil
	}

	return nil, fmt.Errorf("%w: unknown AMF3 marker 0x%02X", ErrMalformed, marker)
}

func (r *reader) objectRef3(ref uint32) (any, error) {
	idx := int(ref >> 1)
	if idx >= len(r.objects3) {
		return nil, fmt.Errorf("%w: AMF3 object reference %d out of range", ErrMalformed, idx)
	}
	return r.objects3[idx], nil
}
