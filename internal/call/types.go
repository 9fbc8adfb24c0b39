package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/carecall/internal/realtime"

	"github.com/pion/webrtc/v4"
)

// State is the peer connection state as reported to the call surface.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Terminal reports whether no further transition is possible except closed.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

var (
	ErrPermissionDenied     = errors.New("media permission denied")
	ErrNoDevice             = errors.New("no capture device")
	ErrTransportUnavailable = realtime.ErrTransportUnavailable
	ErrConnectivityFailure  = errors.New("peer connection failed")
	ErrNegotiationTimeout   = errors.New("negotiation timed out")
	ErrAlreadyStarted       = errors.New("session already started")
	ErrStopped              = errors.New("session stopped")
	ErrSessionExists        = errors.New("session already active")

	// ErrSignalNotSent marks a signal lost after the call started. It
	// wraps the transport's error and does not end the call.
	ErrSignalNotSent = errors.New("signal not sent")
)

// MediaAccessError is returned when local camera or microphone capture
// cannot be obtained. The call attempt is aborted; there is no retry.
type MediaAccessError struct {
	Reason error // ErrPermissionDenied or ErrNoDevice
	Err    error
}

func (e *MediaAccessError) Error() string {
	if e.Err == nil {
		return "media access: " + e.Reason.Error()
	}
	return fmt.Sprintf("media access: %v: %v", e.Reason, e.Err)
}

func (e *MediaAccessError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// NegotiationError describes a malformed or out-of-order signal. It is
// logged and the signal ignored; the session carries on.
type NegotiationError struct {
	Signal string
	Reason string
	Err    error
}

func (e *NegotiationError) Error() string {
	msg := "negotiation: " + e.Signal + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// Config is the per-call connection policy.
type Config struct {
	// STUN/TURN URLs. Empty means host candidates only.
	ICEServers []string

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepaliveInterval   time.Duration

	// IncludeLoopback also gathers 127.0.0.1 candidates, for calls between
	// two processes on one machine.
	IncludeLoopback bool

	// NegotiationTimeout bounds how long a session may stay short of
	// connected. Zero waits forever.
	NegotiationTimeout time.Duration
}

// DefaultConfig mirrors the config package defaults.
func DefaultConfig() Config {
	return Config{
		ICEServers:          []string{"stun:stun.l.google.com:19302"},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepaliveInterval:   2 * time.Second,
	}
}

func (c Config) iceServers() []webrtc.ICEServer {
	if len(c.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: append([]string(nil), c.ICEServers...)}}
}

// RemoteTrack is a track received from the other participant.
type RemoteTrack struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver

	// RequestKeyframe asks the sender for a fresh video keyframe.
	RequestKeyframe func() error
}

// Kind returns "audio" or "video".
func (r RemoteTrack) Kind() string {
	return r.Track.Kind().String()
}
