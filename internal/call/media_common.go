package call

import (
	"context"
	"errors"
	"io/fs"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// LocalTrack is a capture track owned by exactly one session. Close
// releases the underlying device.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// MediaSource produces the local camera and microphone tracks for a call.
type MediaSource interface {
	// RegisterCodecs populates the media engine with the codecs the source
	// encodes to.
	RegisterCodecs(me *webrtc.MediaEngine) error

	// Acquire returns one audio and one video track. It may block on a
	// permission prompt; failures are reported as *MediaAccessError.
	Acquire(ctx context.Context) ([]LocalTrack, error)
}

// MediaConstraints bounds local capture.
type MediaConstraints struct {
	MaxWidth  int
	MaxHeight int
	Bitrate   int
}

func DefaultMediaConstraints() MediaConstraints {
	return MediaConstraints{MaxWidth: 640, MaxHeight: 480, Bitrate: 1_500_000}
}

// classifyCaptureError maps a driver error onto the two media failure
// reasons the call surface distinguishes.
func classifyCaptureError(err error) *MediaAccessError {
	var mae *MediaAccessError
	if errors.As(err, &mae) {
		return mae
	}
	if errors.Is(err, fs.ErrPermission) {
		return &MediaAccessError{Reason: ErrPermissionDenied, Err: err}
	}
	return &MediaAccessError{Reason: ErrNoDevice, Err: err}
}

// newAPI builds the WebRTC API for one call: codecs from the media source,
// default interceptors (NACK, RTCP reports, TWCC) and ICE timeouts from cfg.
func newAPI(cfg Config, src MediaSource) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := src.RegisterCodecs(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous disconnected timeout so a brief NAT hiccup does not end the call.
	def := DefaultConfig()
	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = def.DisconnectedTimeout
	}
	if cfg.FailedTimeout <= 0 {
		cfg.FailedTimeout = def.FailedTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = def.KeepaliveInterval
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepaliveInterval)
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// drainRTCP reads RTCP for a sender so interceptors keep running. It
// returns when the sender is stopped.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
