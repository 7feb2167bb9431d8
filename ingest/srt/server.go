// Package srt accepts FLV publishes over SRT. Stream keys are claimed at
// the SRT handshake, so a duplicate or keyless publisher is refused before
// any media flows, and a connected publisher that turns out not to be
// sending FLV is cut off as soon as the signature check fails.
package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/refract/ingest"
)

// srtReadBufferSize is the read buffer for SRT socket reads. SRT payloads
// are 1316 bytes and FLV tags span payloads freely, so a few payloads per
// read keeps syscall overhead down without adding latency.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// Server accepts incoming SRT publish connections and feeds them into the
// ingest registry for demuxing.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates an SRT server that listens on addr and opens sessions
// in the given registry. If log is nil, slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start begins accepting SRT publish connections. It blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	// Refuse bad publishers during the handshake: no stream id, or a key
	// that another session (on any transport) already owns.
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		if s.registry.Busy(extractStreamKey(req.StreamID)) {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn) {
	defer conn.Close()

	key := extractStreamKey(conn.StreamID())

	// The handshake check races with other transports; Open is the
	// authoritative claim on the key.
	session, err := s.registry.Open(key, ingest.ProtocolSRT, conn.RemoteAddr().String())
	if err != nil {
		s.log.Warn("publish refused", "stream_key", key, "error", err)
		return
	}
	defer s.registry.Close(key)

	buf := make([]byte, srtReadBufferSize)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("read error", "stream_key", key, "error", err)
			}
			return
		}

		if err := session.Ingest(buf[:n]); err != nil {
			switch {
			case errors.Is(err, ingest.ErrNotFLV):
				s.log.Warn("dropping publisher", "stream_key", key, "error", err)
			case errors.Is(err, ingest.ErrSessionClosed):
				// Pipeline side went away; nothing left to feed.
			default:
				s.log.Debug("ingest error", "stream_key", key, "error", err)
			}
			return
		}
	}
}

// extractStreamKey maps an SRT stream id to a stream key, accepting both
// bare keys and the conventional "live/<key>" form.
func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
