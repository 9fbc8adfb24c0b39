//go:build !linux || !cgo

package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// DeviceSource has no capture drivers outside Linux; Acquire always fails
// with ErrNoDevice. Use SyntheticSource for development on other platforms.
type DeviceSource struct {
	constraints MediaConstraints
}

func NewDeviceSource(c MediaConstraints) (*DeviceSource, error) {
	return &DeviceSource{constraints: c}, nil
}

func (d *DeviceSource) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *DeviceSource) Acquire(context.Context) ([]LocalTrack, error) {
	return nil, &MediaAccessError{Reason: ErrNoDevice, Err: errors.New("capture drivers are only built on linux")}
}
