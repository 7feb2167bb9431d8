package amf

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func amf0Num(v float64) []byte {
	b := make([]byte, 9)
	b[0] = amf0Number
	bits := math.Float64bits(v)
	for i := 0; i < 8; i++ {
		b[1+i] = byte(bits >> (56 - 8*i))
	}
	return b
}

func amf0Str(s string) []byte {
	b := []byte{amf0String, byte(len(s) >> 8), byte(len(s))}
	return append(b, s...)
}

func TestParseValue_Scalars(t *testing.T) {
	t.Parallel()

	// Date: marker + f64 milliseconds + int16 timezone.
	date := append([]byte{amf0Date}, amf0Num(86400000)[1:]...)
	date = append(date, 0x00, 0x00)

	tests := []struct {
		name string
		data []byte
		want any
	}{
		{"number", amf0Num(3.5), 3.5},
		{"bool true", []byte{amf0Boolean, 0x01}, true},
		{"bool false", []byte{amf0Boolean, 0x00}, false},
		{"string", amf0Str("hello"), "hello"},
		{"null", []byte{amf0Null}, nil},
		{"undefined", []byte{amf0Undefined}, nil},
		{"long string", append([]byte{amf0LongString, 0, 0, 0, 2}, "hi"...), "hi"},
		{"date", date, 86400000.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseValue(tt.data)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %v (%T), want %v", got, got, tt.want)
			}
		})
	}
}

func TestParseValue_Object(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	b.WriteByte(amf0Object)
	b.Write([]byte{0x00, 0x05})
	b.WriteString("width")
	b.Write(amf0Num(1920))
	b.Write([]byte{0x00, 0x04})
	b.WriteString("name")
	b.Write(amf0Str("cam1"))
	b.Write([]byte{0x00, 0x00, amf0ObjectEnd})

	got, err := ParseValue(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	obj, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("got %T, want map", got)
	}
	if obj["width"] != 1920.0 || obj["name"] != "cam1" {
		t.Errorf("obj = %v", obj)
	}
}

func TestParseValue_ECMAArray(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	b.WriteByte(amf0ECMAArray)
	b.Write([]byte{0x00, 0x00, 0x00, 0x01})
	b.Write([]byte{0x00, 0x08})
	b.WriteString("duration")
	b.Write(amf0Num(60))
	b.Write([]byte{0x00, 0x00, amf0ObjectEnd})

	got, err := ParseValue(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	obj := got.(map[string]any)
	if obj["duration"] != 60.0 {
		t.Errorf("duration = %v", obj["duration"])
	}
}

func TestParseValue_StrictArray(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	b.WriteByte(amf0StrictArray)
	b.Write([]byte{0x00, 0x00, 0x00, 0x02})
	b.Write(amf0Num(1))
	b.Write(amf0Str("two"))

	got, err := ParseValue(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	arr, ok := got.([]any)
	if !ok || len(arr) != 2 {
		t.Fatalf("got %v (%T)", got, got)
	}
	if arr[0] != 1.0 || arr[1] != "two" {
		t.Errorf("arr = %v", arr)
	}
}

func TestParseValue_NestedObject(t *testing.T) {
	t.Parallel()

	var inner bytes.Buffer
	inner.WriteByte(amf0Object)
	inner.Write([]byte{0x00, 0x01})
	inner.WriteString("x")
	inner.Write(amf0Num(1))
	inner.Write([]byte{0x00, 0x00, amf0ObjectEnd})

	var b bytes.Buffer
	b.WriteByte(amf0Object)
	b.Write([]byte{0x00, 0x05})
	b.WriteString("inner")
	b.Write(inner.Bytes())
	b.Write([]byte{0x00, 0x00, amf0ObjectEnd})

	got, err := ParseValue(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	obj := got.(map[string]any)
	innerObj, ok := obj["inner"].(map[string]any)
	if !ok || innerObj["x"] != 1.0 {
		t.Errorf("inner = %v", obj["inner"])
	}
}

func TestParseScriptData(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	b.Write(amf0Str("onMetaData"))
	b.WriteByte(amf0ECMAArray)
	b.Write([]byte{0x00, 0x00, 0x00, 0x02})
	b.Write([]byte{0x00, 0x05})
	b.WriteString("width")
	b.Write(amf0Num(1280))
	b.Write([]byte{0x00, 0x0C})
	b.WriteString("videocodecid")
	b.Write(amf0Num(7))
	b.Write([]byte{0x00, 0x00, amf0ObjectEnd})

	name, value, err := ParseScriptData(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if name != "onMetaData" {
		t.Errorf("name = %q", name)
	}
	obj := value.(map[string]any)
	if obj["width"] != 1280.0 || obj["videocodecid"] != 7.0 {
		t.Errorf("value = %v", obj)
	}
}

func TestParseScriptData_NameNotString(t *testing.T) {
	t.Parallel()
	if _, _, err := ParseScriptData(amf0Num(1)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestParseValue_AMF3(t *testing.T) {
	t.Parallel()

	t.Run("integer", func(t *testing.T) {
		// AVM+ switch, then AMF3 integer 300 = 0x82 0x2C.
		got, err := ParseValue([]byte{amf0AVMPlus, amf3Integer, 0x82, 0x2C})
		if err != nil {
			t.Fatal(err)
		}
		if got != 300.0 {
			t.Errorf("got %v, want 300", got)
		}
	})

	t.Run("negative integer", func(t *testing.T) {
		// -1 in U29: 0xFF 0xFF 0xFF 0xFF.
		got, err := ParseValue([]byte{amf0AVMPlus, amf3Integer, 0xFF, 0xFF, 0xFF, 0xFF})
		if err != nil {
			t.Fatal(err)
		}
		if got != -1.0 {
			t.Errorf("got %v, want -1", got)
		}
	})

	t.Run("string", func(t *testing.T) {
		// Length 3 → U29 (3<<1)|1 = 7.
		got, err := ParseValue([]byte{amf0AVMPlus, amf3String, 0x07, 'a', 'b', 'c'})
		if err != nil {
			t.Fatal(err)
		}
		if got != "abc" {
			t.Errorf("got %v, want abc", got)
		}
	})

	t.Run("dense array", func(t *testing.T) {
		// Two elements, empty assoc portion.
		data := []byte{amf0AVMPlus, amf3Array, 0x05, 0x01, amf3True, amf3Null}
		got, err := ParseValue(data)
		if err != nil {
			t.Fatal(err)
		}
		arr, ok := got.([]any)
		if !ok || len(arr) != 2 {
			t.Fatalf("got %v (%T)", got, got)
		}
		if arr[0] != true || arr[1] != nil {
			t.Errorf("arr = %v", arr)
		}
	})
}

func TestParseValue_Truncated(t *testing.T) {
	t.Parallel()

	cases := [][]byte{
		nil,
		{amf0Number, 0x00},
		{amf0String, 0x00},
		{amf0String, 0x00, 0x05, 'a'},
		{amf0Object, 0x00, 0x03, 'a'},
		{amf0StrictArray, 0x00, 0x00, 0x00, 0x05, amf0Null},
	}
	for _, data := range cases {
		if _, err := ParseValue(data); !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseValue(% X) err = %v, want ErrMalformed", data, err)
		}
	}
}

func TestParseValue_UnknownMarker(t *testing.T) {
	t.Parallel()
	if _, err := ParseValue([]byte{0x42}); !errors.Is(err, ErrMalformed) {
		t.Fatal("unknown marker accepted")
	}
}
