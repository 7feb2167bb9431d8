package relay

import (
	"log/slog"
	"sync"

	"github.com/zsiec/refract/media"
)

// subscriberBuffer is the per-viewer queue of encoded records. Viewers that
// fall this far behind start dropping at the sender.
const subscriberBuffer = 256

// audioCacheSize is the number of recent audio records cached for replay to
// late-joining subscribers (~1 second of AAC).
const audioCacheSize = 50

// StreamInfo describes the media carried by a stream, derived from the
// demuxed track configuration. Sent to viewers and the listing API.
type StreamInfo struct {
	VideoCodec    string      `json:"videoCodec,omitempty"`
	Width         int         `json:"width,omitempty"`
	Height        int         `json:"height,omitempty"`
	SAR           media.Ratio `json:"-"`
	FPSNum        int         `json:"fpsNum,omitempty"`
	FPSDen        int         `json:"fpsDen,omitempty"`
	AudioCodec    string      `json:"audioCodec,omitempty"`
	SampleRate    int         `json:"sampleRate,omitempty"`
	ChannelCount  int         `json:"channelCount,omitempty"`
	DecoderConfig []byte      `json:"-"` // raw HEVC configuration record when present
}

// Subscriber is one viewer's queue of encoded records. Records are dropped
// (never blocked on) when the queue is full; drops are not logged.
type Subscriber struct {
	id string
	ch chan []byte
}

// Records returns the channel of encoded wire records for this viewer.
func (s *Subscriber) Records() <-chan []byte {
	return s.ch
}

// Relay is the fan-out hub for a single stream. It serializes each demuxed
// sample once, caches the current GOP and recent audio so late joiners start
// at a decodable point, and distributes records to all subscribers.
type Relay struct {
	log *slog.Logger

	mu      sync.RWMutex
	subs    map[string]*Subscriber
	info    StreamInfo
	infoSet bool

	gopMu      sync.RWMutex
	gopCache   [][]byte
	audioCache [][]byte
}

// New creates a Relay with no subscribers.
func New(log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:  log.With("component", "relay"),
		subs: make(map[string]*Subscriber),
	}
}

// SetInfo stores the stream's codec parameters once known. Later calls
// update the stored info so mid-stream configuration changes propagate to
// the listing API.
func (r *Relay) SetInfo(info StreamInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info = info
	r.infoSet = true
}

// Info returns the detected stream parameters and whether they are known yet.
func (r *Relay) Info() (StreamInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info, r.infoSet
}

// Subscribe registers a viewer and replays the cached GOP and recent audio
// into its queue so playback starts immediately at the last keyframe.
func (r *Relay) Subscribe(id string) *Subscriber {
	sub := &Subscriber{id: id, ch: make(chan []byte, subscriberBuffer)}

	// Replay before registration so a concurrent broadcast cannot
	// interleave live records ahead of the replayed GOP.
	r.gopMu.RLock()
	for _, rec := range r.gopCache {
		sub.send(rec)
	}
	for _, rec := range r.audioCache {
		sub.send(rec)
	}
	r.gopMu.RUnlock()

	r.mu.Lock()
	r.subs[id] = sub
	count := len(r.subs)
	r.mu.Unlock()

	r.log.Info("subscriber added", "id", id, "subscribers", count)
	return sub
}

// Unsubscribe removes a viewer and closes its record channel.
func (r *Relay) Unsubscribe(id string) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	count := len(r.subs)
	r.mu.Unlock()

	if ok {
		close(sub.ch)
		r.log.Info("subscriber removed", "id", id, "subscribers", count)
	}
}

// SubscriberCount returns the number of connected viewers.
func (r *Relay) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// BroadcastVideo serializes a video sample, updates the GOP cache, and
// queues the record for every subscriber.
func (r *Relay) BroadcastVideo(s *media.VideoSample) {
	rec := AppendVideo(nil, s.PTS, s.DTS, s.Keyframe, s.GOPID, s.Units)

	r.gopMu.Lock()
	if s.Keyframe {
		r.gopCache = r.gopCache[:0]
	}
	r.gopCache = append(r.gopCache, rec)
	r.gopMu.Unlock()

	r.broadcast(rec)
}

// BroadcastAudio serializes an audio sample, updates the replay cache, and
// queues the record for every subscriber.
func (r *Relay) BroadcastAudio(s *media.AudioSample) {
	rec := AppendAudio(nil, s.PTS, s.Data)

	r.gopMu.Lock()
	if len(r.audioCache) >= audioCacheSize {
		copy(r.audioCache, r.audioCache[1:])
		r.audioCache[len(r.audioCache)-1] = rec
	} else {
		r.audioCache = append(r.audioCache, rec)
	}
	r.gopMu.Unlock()

	r.broadcast(rec)
}

// BroadcastScript queues a script-metadata record (JSON payload).
func (r *Relay) BroadcastScript(pts int64, payload []byte) {
	r.broadcast(AppendScript(nil, pts, payload))
}

// BroadcastCaption queues a decoded caption record.
func (r *Relay) BroadcastCaption(pts int64, channel int, text string) {
	r.broadcast(AppendCaption(nil, pts, channel, text))
}

func (r *Relay) broadcast(rec []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		sub.send(rec)
	}
}

func (s *Subscriber) send(rec []byte) {
	select {
	case s.ch <- rec:
	default:
		// Slow viewer: drop rather than stall the stream.
	}
}

// Hub maps stream keys to their relays.
type Hub struct {
	mu     sync.RWMutex
	relays map[string]*Relay
	log    *slog.Logger
}

// NewHub creates an empty Hub. If log is nil, slog.Default() is used.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		relays: make(map[string]*Relay),
		log:    log,
	}
}

// Register creates (or returns) the relay for a stream key.
func (h *Hub) Register(key string) *Relay {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.relays[key]; ok {
		return r
	}
	r := New(h.log.With("stream", key))
	h.relays[key] = r
	return r
}

// Unregister drops the relay for a stream key and closes its viewers'
// record feeds.
func (h *Hub) Unregister(key string) {
	h.mu.Lock()
	r := h.relays[key]
	delete(h.relays, key)
	h.mu.Unlock()
	if r != nil {
		r.mu.Lock()
		for id, sub := range r.subs {
			delete(r.subs, id)
			close(sub.ch)
		}
		r.mu.Unlock()
	}
}

// Get returns the relay for a stream key, or nil.
func (h *Hub) Get(key string) *Relay {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.relays[key]
}

// Keys returns the registered stream keys.
func (h *Hub) Keys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	keys := make([]string, 0, len(h.relays))
	for k := range h.relays {
		keys = append(keys, k)
	}
	return keys
}
