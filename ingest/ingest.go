// Package ingest accepts FLV publishes and hands each one to the demux
// pipeline as a chunked byte stream. It is FLV-aware rather than a generic
// byte relay: the first bytes of every publish are checked against the FLV
// signature, so a misconfigured encoder (sending MPEG-TS, RTMP handshakes,
// or garbage) is rejected at the transport instead of producing a dead
// pipeline. The registry is also the single authority on stream keys: a key
// is owned by exactly one live session across all publish transports.
package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Protocol identifies the transport an FLV stream was published over.
type Protocol string

// Supported publish transports.
const (
	ProtocolSRT  Protocol = "SRT"
	ProtocolHTTP Protocol = "HTTP"
)

var (
	// ErrKeyInUse is returned by Open when another publisher already owns
	// the stream key, regardless of which transport it arrived on.
	ErrKeyInUse = errors.New("stream key in use")

	// ErrNotFLV is returned by Ingest when the first bytes of a publish do
	// not carry the FLV signature. Transports should drop the publisher.
	ErrNotFLV = errors.New("publish is not an FLV stream")

	// ErrSessionClosed is returned by Ingest once the session is closed.
	ErrSessionClosed = errors.New("session closed")
)

// flvSignature is the minimal prefix every FLV publish must start with; the
// demuxer still validates the full header (version, flags, header length).
var flvSignature = []byte{'F', 'L', 'V'}

// sessionQueueDepth bounds the number of in-flight chunks between the
// transport and the demux pipeline. At typical publish chunk sizes this is
// a few seconds of backlog; a pipeline that stalls longer than that
// back-pressures the socket, which is what a live publisher expects.
const sessionQueueDepth = 64

// Stats is a snapshot of publish counters, exposed via the debug API.
type Stats struct {
	Protocol      Protocol `json:"protocol"`
	BytesReceived int64    `json:"bytesReceived"`
	Chunks        int64    `json:"chunks"`
	ConnectedAt   int64    `json:"connectedAt"`
	UptimeMs      int64    `json:"uptimeMs"`
	RemoteAddr    string   `json:"remoteAddr"`
}

// Session is one live publish: the transport feeds it with Ingest, the demux
// pipeline drains it through its io.Reader side. The two halves are
// decoupled by a bounded chunk queue so a slow demuxer back-pressures the
// publisher instead of growing memory.
type Session struct {
	key        string
	proto      Protocol
	remoteAddr string
	startedAt  time.Time

	queue     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	leftover  []byte // partially consumed chunk on the reader side

	sniff   []byte // bytes held back until the FLV signature check passes
	sniffed bool

	bytesReceived atomic.Int64
	chunkCount    atomic.Int64
}

// Key returns the stream key this session owns.
func (s *Session) Key() string { return s.key }

// Protocol returns the publish transport.
func (s *Session) Protocol() Protocol { return s.proto }

// Stats returns a snapshot of the session's publish counters.
func (s *Session) Stats() Stats {
	return Stats{
		Protocol:      s.proto,
		BytesReceived: s.bytesReceived.Load(),
		Chunks:        s.chunkCount.Load(),
		ConnectedAt:   s.startedAt.UnixMilli(),
		UptimeMs:      time.Since(s.startedAt).Milliseconds(),
		RemoteAddr:    s.remoteAddr,
	}
}

// Ingest hands one chunk of publish bytes to the session. The chunk is
// copied, so callers may reuse their read buffer. Until the FLV signature
// has been seen, bytes are held back; a publish whose first bytes are not
// "FLV" fails with ErrNotFLV and nothing reaches the pipeline.
func (s *Session) Ingest(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	s.bytesReceived.Add(int64(len(p)))
	s.chunkCount.Add(1)

	if !s.sniffed {
		s.sniff = append(s.sniff, p...)
		if len(s.sniff) < len(flvSignature) {
			return nil
		}
		if !bytes.HasPrefix(s.sniff, flvSignature) {
			return fmt.Errorf("%w: starts with % X", ErrNotFLV, s.sniff[:len(flvSignature)])
		}
		s.sniffed = true
		held := s.sniff
		s.sniff = nil
		return s.enqueue(held)
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)
	return s.enqueue(chunk)
}

func (s *Session) enqueue(chunk []byte) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.queue <- chunk:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	}
}

// Read implements io.Reader for the demux pipeline. Chunks already queued
// when the session closes are still delivered; Read returns io.EOF only
// once the queue is drained.
func (s *Session) Read(p []byte) (int, error) {
	if len(s.leftover) == 0 {
		select {
		case chunk := <-s.queue:
			s.leftover = chunk
		default:
			select {
			case chunk := <-s.queue:
				s.leftover = chunk
			case <-s.closed:
				return 0, io.EOF
			}
		}
	}
	n := copy(p, s.leftover)
	s.leftover = s.leftover[n:]
	return n, nil
}

// Close ends the session. Safe to call from either side, any number of
// times; the reader drains queued chunks and then sees io.EOF.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Registry owns the stream-key namespace across all publish transports and
// dispatches each accepted session to the pipeline callback.
type Registry struct {
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	onSession func(*Session)
}

// NewRegistry creates a Registry. The onSession callback runs on its own
// goroutine for every session accepted by Open; it should return when the
// session's reader is exhausted. If log is nil, slog.Default() is used.
func NewRegistry(onSession func(*Session), log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:       log.With("component", "ingest"),
		sessions:  make(map[string]*Session),
		onSession: onSession,
	}
}

// Open claims a stream key for a new publish. It fails with ErrKeyInUse if
// any transport already holds the key; otherwise the session is live and
// the pipeline callback has been started.
func (r *Registry) Open(key string, proto Protocol, remoteAddr string) (*Session, error) {
	s := &Session{
		key:        key,
		proto:      proto,
		remoteAddr: remoteAddr,
		startedAt:  time.Now(),
		queue:      make(chan []byte, sessionQueueDepth),
		closed:     make(chan struct{}),
	}

	r.mu.Lock()
	if _, taken := r.sessions[key]; taken {
		r.mu.Unlock()
		r.log.Warn("rejecting duplicate publish", "key", key, "protocol", proto, "remote", remoteAddr)
		return nil, fmt.Errorf("%w: %q", ErrKeyInUse, key)
	}
	r.sessions[key] = s
	r.mu.Unlock()

	r.log.Info("publish accepted", "key", key, "protocol", proto, "remote", remoteAddr)

	if r.onSession != nil {
		go r.onSession(s)
	}
	return s, nil
}

// Close releases a stream key and closes its session. Closing a key that is
// not registered is harmless.
func (r *Registry) Close(key string) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if ok {
		s.Close()
		stats := s.Stats()
		r.log.Info("publish ended", "key", key,
			"bytes", stats.BytesReceived, "chunks", stats.Chunks,
			"uptime_ms", stats.UptimeMs)
	}
}

// Busy reports whether a stream key is currently owned, letting transports
// reject duplicate publishers during their handshake, before any media
// flows.
func (r *Registry) Busy(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, taken := r.sessions[key]
	return taken
}

// Get returns the live session for a key, or false.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Active returns the stats of every live session, for the listing API.
func (r *Registry) Active() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Stats())
	}
	return out
}
