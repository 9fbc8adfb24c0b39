package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticSource produces generated tracks instead of opening devices: an
// Opus track that sends silence and an idle VP8 track. It backs the
// loopback command and tests on machines without a camera.
type SyntheticSource struct{}

func (SyntheticSource) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (SyntheticSource) Acquire(ctx context.Context) ([]LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream := "synthetic-" + uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", stream,
	)
	if err != nil {
		return nil, err
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", stream,
	)
	if err != nil {
		return nil, err
	}

	a := newSyntheticTrack(audio, opusSilence, 20*time.Millisecond)
	v := newSyntheticTrack(video, nil, 0)
	return []LocalTrack{a, v}, nil
}

// syntheticTrack writes a fixed sample at a fixed interval until closed.
type syntheticTrack struct {
	*webrtc.TrackLocalStaticSample

	once sync.Once
	stop chan struct{}
}

func newSyntheticTrack(t *webrtc.TrackLocalStaticSample, sample []byte, every time.Duration) *syntheticTrack {
	st := &syntheticTrack{TrackLocalStaticSample: t, stop: make(chan struct{})}
	if len(sample) > 0 && every > 0 {
		go st.run(sample, every)
	}
	return st
}

func (t *syntheticTrack) run(sample []byte, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-tick.C:
			// Unbound tracks drop samples silently.
			_ = t.WriteSample(media.Sample{Data: sample, Duration: every})
		}
	}
}

func (t *syntheticTrack) Close() error {
	t.once.Do(func() { close(t.stop) })
	return nil
}
