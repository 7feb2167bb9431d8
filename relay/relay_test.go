package relay

import (
	"bytes"
	"testing"

	"github.com/zsiec/refract/media"
)

func drain(sub *Subscriber) [][]byte {
	var out [][]byte
	for {
		select {
		case rec := <-sub.Records():
			out = append(out, rec)
		default:
			return out
		}
	}
}

func TestRelay_Broadcast(t *testing.T) {
	t.Parallel()
	r := New(nil)

	sub := r.Subscribe("v1")
	defer r.Unsubscribe("v1")

	r.BroadcastVideo(&media.VideoSample{PTS: 10, DTS: 10, Keyframe: true, GOPID: 1, Units: [][]byte{{0x65}}})
	r.BroadcastAudio(&media.AudioSample{PTS: 12, Data: []byte{0x01}})

	recs := drain(sub)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0][0] != RecordVideo || recs[1][0] != RecordAudio {
		t.Errorf("record types = %d, %d", recs[0][0], recs[1][0])
	}
}

func TestRelay_GOPReplayForLateJoiner(t *testing.T) {
	t.Parallel()
	r := New(nil)

	// Two GOPs; only the second should be replayed.
	r.BroadcastVideo(&media.VideoSample{DTS: 0, Keyframe: true, GOPID: 1, Units: [][]byte{{0x65, 0x01}}})
	r.BroadcastVideo(&media.VideoSample{DTS: 40, GOPID: 1, Units: [][]byte{{0x41, 0x01}}})
	r.BroadcastVideo(&media.VideoSample{DTS: 80, Keyframe: true, GOPID: 2, Units: [][]byte{{0x65, 0x02}}})
	r.BroadcastVideo(&media.VideoSample{DTS: 120, GOPID: 2, Units: [][]byte{{0x41, 0x02}}})

	sub := r.Subscribe("late")
	defer r.Unsubscribe("late")

	recs := drain(sub)
	if len(recs) != 2 {
		t.Fatalf("replayed = %d, want 2 (current GOP only)", len(recs))
	}
	first, err := ReadRecord(bytes.NewReader(recs[0]))
	if err != nil {
		t.Fatal(err)
	}
	if !first.Keyframe || first.GOPID != 2 {
		t.Errorf("replay does not start at the latest keyframe: %+v", first)
	}
}

func TestRelay_SlowViewerDrops(t *testing.T) {
	t.Parallel()
	r := New(nil)

	sub := r.Subscribe("slow")
	defer r.Unsubscribe("slow")

	for i := 0; i < subscriberBuffer+50; i++ {
		r.BroadcastAudio(&media.AudioSample{PTS: int64(i), Data: []byte{byte(i)}})
	}
	// The stream side never blocks; the queue is simply capped.
	if got := len(drain(sub)); got != subscriberBuffer {
		t.Errorf("queued = %d, want %d", got, subscriberBuffer)
	}
}

func TestHub(t *testing.T) {
	t.Parallel()
	h := NewHub(nil)

	r1 := h.Register("a")
	if h.Register("a") != r1 {
		t.Error("Register not idempotent")
	}
	if h.Get("a") != r1 {
		t.Error("Get returned a different relay")
	}
	if h.Get("missing") != nil {
		t.Error("Get of unknown key not nil")
	}
	if len(h.Keys()) != 1 {
		t.Errorf("keys = %v", h.Keys())
	}
	h.Unregister("a")
	if h.Get("a") != nil {
		t.Error("relay survived Unregister")
	}
}
