package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
)

// StreamStatus is one entry of the stream listing API.
type StreamStatus struct {
	Key         string `json:"key"`
	Subscribers int    `json:"subscribers"`
	StreamInfo
}

// Server exposes the viewer-facing HTTP surface: the stream listing and the
// per-stream record feed.
type Server struct {
	log    *slog.Logger
	hub    *Hub
	nextID atomic.Int64
}

// NewServer creates a Server over the given hub. If log is nil,
// slog.Default() is used.
func NewServer(hub *Hub, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log: log.With("component", "relay-server"),
		hub: hub,
	}
}

// Register installs the viewer endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/streams", s.handleList)
	mux.HandleFunc("GET /streams/{key}/media", s.handleMedia)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var out []StreamStatus
	for _, key := range s.hub.Keys() {
		relay := s.hub.Get(key)
		if relay == nil {
			continue
		}
		status := StreamStatus{
			Key:         key,
			Subscribers: relay.SubscriberCount(),
		}
		if info, ok := relay.Info(); ok {
			status.StreamInfo = info
		}
		out = append(out, status)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.log.Debug("list encode error", "error", err)
	}
}

// handleMedia streams the varint record feed for one stream until the viewer
// disconnects or the stream ends.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	relay := s.hub.Get(key)
	if relay == nil {
		http.Error(w, "no such stream", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := fmt.Sprintf("http-%d", s.nextID.Add(1))
	sub := relay.Subscribe(id)
	defer relay.Unsubscribe(id)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case rec, ok := <-sub.Records():
			if !ok {
				return
			}
			if _, err := w.Write(rec); err != nil {
				s.log.Debug("viewer write error", "id", id, "error", err)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
