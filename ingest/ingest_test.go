package ingest

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

func flvBytes(tail ...byte) []byte {
	return append([]byte{'F', 'L', 'V', 0x01, 0x05, 0x00, 0x00, 0x00, 0x09}, tail...)
}

func TestSession_IngestAndRead(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	s, err := r.Open("cam1", ProtocolSRT, "10.0.0.7:9000")
	if err != nil {
		t.Fatal(err)
	}

	payload := flvBytes(0xDE, 0xAD)
	if err := s.Ingest(payload[:4]); err != nil {
		t.Fatal(err)
	}
	if err := s.Ingest(payload[4:]); err != nil {
		t.Fatal(err)
	}
	r.Close("cam1")

	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("reader delivered % X, want % X", got, payload)
	}
}

func TestSession_RejectsNonFLV(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	s, err := r.Open("cam1", ProtocolHTTP, "")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close("cam1")

	// MPEG-TS sync bytes, not FLV.
	if err := s.Ingest([]byte{0x47, 0x40, 0x00}); !errors.Is(err, ErrNotFLV) {
		t.Fatalf("err = %v, want ErrNotFLV", err)
	}
}

func TestSession_SniffSpansChunks(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	s, err := r.Open("cam1", ProtocolSRT, "")
	if err != nil {
		t.Fatal(err)
	}

	// Signature arrives one byte at a time; nothing is queued until it is
	// complete, then the held-back bytes come through intact.
	if err := s.Ingest([]byte{'F'}); err != nil {
		t.Fatal(err)
	}
	if err := s.Ingest([]byte{'L'}); err != nil {
		t.Fatal(err)
	}
	if err := s.Ingest([]byte{'V', 0x01}); err != nil {
		t.Fatal(err)
	}
	r.Close("cam1")

	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{'F', 'L', 'V', 0x01}) {
		t.Errorf("reader delivered % X", got)
	}
}

func TestSession_IngestAfterClose(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	s, err := r.Open("cam1", ProtocolSRT, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Ingest(flvBytes()); err != nil {
		t.Fatal(err)
	}
	r.Close("cam1")

	// The queue still holds the first chunk, so this send has to fail via
	// the closed signal, not block.
	done := make(chan error, 1)
	go func() { done <- s.Ingest(flvBytes()) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("err = %v, want ErrSessionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Ingest blocked on a closed session")
	}
}

func TestRegistry_DuplicateKey(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	if _, err := r.Open("cam1", ProtocolSRT, ""); err != nil {
		t.Fatal(err)
	}

	// The same key is refused on every transport while held.
	if _, err := r.Open("cam1", ProtocolHTTP, ""); !errors.Is(err, ErrKeyInUse) {
		t.Fatalf("err = %v, want ErrKeyInUse", err)
	}
	if !r.Busy("cam1") || r.Busy("cam2") {
		t.Error("Busy misreports key ownership")
	}

	r.Close("cam1")
	if _, err := r.Open("cam1", ProtocolHTTP, ""); err != nil {
		t.Fatalf("reopen after close failed: %v", err)
	}
}

func TestRegistry_DispatchesSession(t *testing.T) {
	t.Parallel()

	readDone := make(chan []byte, 1)
	r := NewRegistry(func(s *Session) {
		b, _ := io.ReadAll(s)
		readDone <- b
	}, nil)

	s, err := r.Open("cam1", ProtocolHTTP, "10.1.1.1:80")
	if err != nil {
		t.Fatal(err)
	}
	payload := flvBytes(0x01, 0x02)
	if err := s.Ingest(payload); err != nil {
		t.Fatal(err)
	}
	r.Close("cam1")

	select {
	case b := <-readDone:
		if !bytes.Equal(b, payload) {
			t.Errorf("callback read % X, want % X", b, payload)
		}
	case <-time.After(time.Second):
		t.Fatal("session callback never finished")
	}
}

func TestSession_Stats(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	s, err := r.Open("cam1", ProtocolHTTP, "10.0.0.7:1234")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close("cam1")

	if err := s.Ingest(flvBytes()); err != nil {
		t.Fatal(err)
	}
	if err := s.Ingest([]byte{0x00}); err != nil {
		t.Fatal(err)
	}

	stats := s.Stats()
	if stats.BytesReceived != int64(len(flvBytes()))+1 || stats.Chunks != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Protocol != ProtocolHTTP || stats.RemoteAddr != "10.0.0.7:1234" {
		t.Errorf("stats = %+v", stats)
	}
	if got := len(r.Active()); got != 1 {
		t.Errorf("active = %d, want 1", got)
	}
}
