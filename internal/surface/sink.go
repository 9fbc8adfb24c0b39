package surface

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/petervdpas/carecall/internal/call"

	"github.com/pion/rtp"
)

// RemoteMedia describes one received track.
type RemoteMedia struct {
	Kind     string    `json:"kind"`
	TrackID  string    `json:"track_id"`
	Codec    string    `json:"codec"`
	Bound    bool      `json:"bound"`
	Packets  uint64    `json:"packets"`
	Bytes    uint64    `json:"bytes"`
	LastSeq  uint16    `json:"last_seq"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// sink consumes a remote track. A native client would hand the payload to
// a decoder; here it is counted so the surface can tell when media is live.
type sink struct {
	track   call.RemoteTrack
	onBound func()

	packets atomic.Uint64
	bytes   atomic.Uint64

	mu       sync.Mutex
	bound    bool
	lastSeq  uint16
	lastSeen time.Time
}

func newSink(t call.RemoteTrack, onBound func()) *sink {
	return &sink{track: t, onBound: onBound}
}

func (s *sink) run() {
	kind := s.track.Kind()
	if kind == "video" && s.track.RequestKeyframe != nil {
		// Start decoding from a keyframe rather than waiting for the next one.
		if err := s.track.RequestKeyframe(); err != nil {
			log.Debugf("keyframe request: %v", err)
		}
	}

	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for {
		n, _, err := s.track.Track.Read(buf)
		if err != nil {
			log.Debugf("remote %s track done: %v", kind, err)
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		s.packets.Add(1)
		s.bytes.Add(uint64(len(pkt.Payload)))

		s.mu.Lock()
		first := !s.bound
		s.bound = true
		s.lastSeq = pkt.SequenceNumber
		s.lastSeen = time.Now()
		s.mu.Unlock()

		if first && s.onBound != nil {
			log.Infof("remote %s media bound (ssrc %d)", kind, pkt.SSRC)
			s.onBound()
		}
	}
}

func (s *sink) stats() RemoteMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := RemoteMedia{
		Kind:     s.track.Kind(),
		Bound:    s.bound,
		Packets:  s.packets.Load(),
		Bytes:    s.bytes.Load(),
		LastSeq:  s.lastSeq,
		LastSeen: s.lastSeen,
	}
	if t := s.track.Track; t != nil {
		rm.TrackID = t.ID()
		rm.Codec = t.Codec().MimeType
	}
	return rm
}
