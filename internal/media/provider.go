package media

import (
	"context"
	"errors"
)

var (
	ErrMediaAccessDenied = errors.New("media: access denied")
	ErrNoDeviceFound     = errors.New("media: no device found")
)

type DeviceKind string

const (
	DeviceKindAudioInput DeviceKind = "audioinput"
	DeviceKindVideoInput DeviceKind = "videoinput"
)

type Device struct {
	ID    string
	Label string
	Kind  DeviceKind
	// Width/Height are the native capture size of video devices.
	Width  int
	Height int
}

const (
	DefaultWidth  = 1280
	DefaultHeight = 720
)

// Constraints select capture devices. Empty device ids mean "any"; Width and
// Height are ideal (not exact) video dimensions.
type Constraints struct {
	AudioDeviceID string
	VideoDeviceID string
	Width         int
	Height        int
}

func (c Constraints) withDefaults() Constraints {
	if c.Width <= 0 {
		c.Width = DefaultWidth
	}
	if c.Height <= 0 {
		c.Height = DefaultHeight
	}
	return c
}

// Provider is the capture-device collaborator. Implementations must return
// errors wrapping ErrMediaAccessDenied or ErrNoDeviceFound for the two
// user-facing failure modes.
type Provider interface {
	Devices(ctx context.Context) ([]Device, error)
	UserMedia(ctx context.Context, c Constraints) (*Stream, error)
	// DisplayMedia returns a video track capturing the screen. The track's
	// Ended channel fires when capture stops on its own.
	DisplayMedia(ctx context.Context) (*Track, error)
}
