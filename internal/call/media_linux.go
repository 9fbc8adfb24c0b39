//go:build linux && cgo

package call

import (
	"context"
	"errors"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures the local camera and microphone through
// pion/mediadevices (V4L2 + malgo on Linux), encoding VP8 and Opus.
type DeviceSource struct {
	constraints   MediaConstraints
	codecSelector *mediadevices.CodecSelector
}

func NewDeviceSource(c MediaConstraints) (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = c.Bitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceSource{
		constraints: c,
		codecSelector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *DeviceSource) RegisterCodecs(me *webrtc.MediaEngine) error {
	d.codecSelector.Populate(me)
	return nil
}

func (d *DeviceSource) Acquire(ctx context.Context) ([]LocalTrack, error) {
	var haveCam, haveMic bool
	for _, dev := range mediadevices.EnumerateDevices() {
		log.Debugf("media device kind=%v label=%q", dev.Kind, dev.Label)
		switch dev.Kind {
		case mediadevices.VideoInput:
			haveCam = true
		case mediadevices.AudioInput:
			haveMic = true
		}
	}
	if !haveCam || !haveMic {
		return nil, &MediaAccessError{Reason: ErrNoDevice, Err: errors.New("camera and microphone are both required")}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)

	go func() {
		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Codec: d.codecSelector,
			Video: func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only; some cameras expose MJPEG nodes with
				// malformed frames that poison the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: d.constraints.MaxWidth}
				c.Height = prop.IntRanged{Max: d.constraints.MaxHeight}
			},
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		})
		done <- result{stream, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, classifyCaptureError(r.err)
		}
		return wrapStreamTracks(r.stream), nil
	case <-ctx.Done():
		// The prompt may still resolve; release whatever it returns.
		go func() {
			if r := <-done; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
}

func wrapStreamTracks(stream mediadevices.MediaStream) []LocalTrack {
	tracks := stream.GetTracks()
	out := make([]LocalTrack, 0, len(tracks))
	for _, t := range tracks {
		t := t
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("local %s track ended: %v", t.Kind(), err)
			}
		})
		out = append(out, t)
	}
	return out
}
