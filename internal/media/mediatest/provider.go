// Package mediatest provides an in-memory media.Provider for tests.
package mediatest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
)

// Provider hands out sample-less tracks. Set Err/DisplayErr to make the
// corresponding calls fail.
type Provider struct {
	mu sync.Mutex

	Err        error
	DisplayErr error
	// AudioOnly omits the video track from UserMedia streams.
	AudioOnly bool

	streams []*media.Stream
	screens []*media.Track
	last    media.Constraints
}

func (p *Provider) Devices(context.Context) ([]media.Device, error) {
	return []media.Device{
		{ID: "mic-1", Label: "mic 1", Kind: media.DeviceKindAudioInput},
		{ID: "mic-2", Label: "mic 2", Kind: media.DeviceKindAudioInput},
		{ID: "cam-1", Label: "cam 1", Kind: media.DeviceKindVideoInput, Width: 1280, Height: 720},
		{ID: "cam-2", Label: "cam 2", Kind: media.DeviceKindVideoInput, Width: 640, Height: 480},
	}, nil
}

func (p *Provider) UserMedia(_ context.Context, c media.Constraints) (*media.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	p.last = c

	id := uuid.NewString()
	audio, err := media.NewTrack(media.Opus, id, labelOr(c.AudioDeviceID, "mic-1"), nil)
	if err != nil {
		return nil, err
	}
	var video *media.Track
	if !p.AudioOnly {
		video, err = media.NewTrack(media.VideoVP8, id, labelOr(c.VideoDeviceID, "cam-1"), nil)
		if err != nil {
			return nil, err
		}
	}
	s := media.NewStream(id, audio, video)
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *Provider) DisplayMedia(context.Context) (*media.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DisplayErr != nil {
		return nil, p.DisplayErr
	}
	t, err := media.NewTrack(media.VideoVP8, uuid.NewString(), "screen", nil)
	if err != nil {
		return nil, err
	}
	p.screens = append(p.screens, t)
	return t, nil
}

// Streams returns every stream handed out so far, oldest first.
func (p *Provider) Streams() []*media.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*media.Stream(nil), p.streams...)
}

// Screens returns every display track handed out so far, oldest first.
func (p *Provider) Screens() []*media.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*media.Track(nil), p.screens...)
}

// LastConstraints returns the constraints of the most recent UserMedia call.
func (p *Provider) LastConstraints() media.Constraints {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func labelOr(id, fallback string) string {
	if id != "" {
		return id
	}
	return fallback
}
