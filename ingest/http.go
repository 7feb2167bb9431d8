package ingest

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// httpReadBufferSize bounds each copy from the publisher's request body into
// the session queue.
const httpReadBufferSize = 64 * 1024

// HTTPHandler accepts HTTP-FLV publishes: a POST or PUT whose body is a raw
// FLV byte stream, e.g.
//
//	ffmpeg -re -i in.mp4 -c copy -f flv https://host:4444/publish/mykey
type HTTPHandler struct {
	log      *slog.Logger
	registry *Registry
}

// NewHTTPHandler creates the publish handler backed by the given registry.
// If log is nil, slog.Default() is used.
func NewHTTPHandler(registry *Registry, log *slog.Logger) *HTTPHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPHandler{
		log:      log.With("component", "http-publish"),
		registry: registry,
	}
}

// ServeHTTP streams the request body into a publish session until the
// publisher disconnects or the body turns out not to be FLV. The stream key
// is the final path element; key ownership is enforced by the registry.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := strings.Trim(r.PathValue("key"), "/")
	if key == "" {
		http.Error(w, "missing stream key", http.StatusBadRequest)
		return
	}

	session, err := h.registry.Open(key, ProtocolHTTP, r.RemoteAddr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer h.registry.Close(key)

	buf := make([]byte, httpReadBufferSize)
	for {
		n, rerr := r.Body.Read(buf)
		if n > 0 {
			if ierr := session.Ingest(buf[:n]); ierr != nil {
				if errors.Is(ierr, ErrNotFLV) {
					h.log.Warn("dropping publisher", "stream_key", key, "error", ierr)
					http.Error(w, ierr.Error(), http.StatusUnsupportedMediaType)
					return
				}
				h.log.Debug("ingest error", "stream_key", key, "error", ierr)
				break
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				h.log.Debug("body read error", "stream_key", key, "error", rerr)
			}
			break
		}
	}

	w.WriteHeader(http.StatusOK)
}
