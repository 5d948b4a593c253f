package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrReleased is returned by operations on a released manager.
var ErrReleased = errors.New("media: manager released")

// Manager owns the session's LocalMediaState.
type Manager struct {
	provider Provider
	log      *slog.Logger

	mu          sync.Mutex
	state       State
	constraints Constraints
	released    bool
}

func NewManager(provider Provider, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{provider: provider, log: logger.With("component", "media")}
}

// Acquire opens the capture devices. On failure the current state is left
// untouched and the error wraps ErrMediaAccessDenied or ErrNoDeviceFound
// when the provider reports one of those.
func (m *Manager) Acquire(ctx context.Context, c Constraints) (State, error) {
	c = c.withDefaults()
	stream, err := m.provider.UserMedia(ctx, c)
	if err != nil {
		return State{}, fmt.Errorf("acquire media: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		stream.Stop()
		return State{}, ErrReleased
	}
	old := m.state.Stream
	m.state.Stream = stream
	m.state.MicEnabled = true
	m.state.CamEnabled = true
	m.constraints = c
	if old != nil {
		old.Stop()
	}
	return m.state, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Devices(ctx context.Context) ([]Device, error) {
	return m.provider.Devices(ctx)
}

// PrepareDeviceChange opens a replacement stream for the given device ids
// (empty = any). The new tracks inherit the current mic/cam enabled flags.
// The manager's state is not changed until CommitDeviceChange.
func (m *Manager) PrepareDeviceChange(ctx context.Context, audioDeviceID, videoDeviceID string) (*Stream, error) {
	m.mu.Lock()
	c := m.constraints.withDefaults()
	m.mu.Unlock()

	c.AudioDeviceID = audioDeviceID
	c.VideoDeviceID = videoDeviceID
	stream, err := m.provider.UserMedia(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("device change: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		stream.Stop()
		return nil, ErrReleased
	}
	if t := stream.AudioTrack(); t != nil {
		t.SetEnabled(m.state.MicEnabled)
	}
	if t := stream.VideoTrack(); t != nil {
		t.SetEnabled(m.state.CamEnabled)
	}
	return stream, nil
}

// CommitDeviceChange makes stream the live stream and stops the previous
// one. Call it after the new tracks have been pushed to every sender.
func (m *Manager) CommitDeviceChange(stream *Stream) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		stream.Stop()
		return State{}, ErrReleased
	}
	old := m.state.Stream
	m.state.Stream = stream
	if old != nil && old != stream {
		old.Stop()
	}
	m.log.Info("switched capture devices",
		"mic", labelOf(stream.AudioTrack()),
		"camera", labelOf(stream.VideoTrack()),
	)
	return m.state, nil
}

// ToggleMic flips the audio track's enabled flag and returns the new value.
func (m *Manager) ToggleMic() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.MicEnabled = !m.state.MicEnabled
	if t := m.state.Stream.AudioTrack(); t != nil {
		t.SetEnabled(m.state.MicEnabled)
	}
	return m.state.MicEnabled
}

// ToggleCam flips the camera track's enabled flag and returns the new value.
// The screen track is unaffected.
func (m *Manager) ToggleCam() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.CamEnabled = !m.state.CamEnabled
	if t := m.state.Stream.VideoTrack(); t != nil {
		t.SetEnabled(m.state.CamEnabled)
	}
	return m.state.CamEnabled
}

// DisplayMedia opens a screen capture track without touching state; see
// BeginShare.
func (m *Manager) DisplayMedia(ctx context.Context) (*Track, error) {
	track, err := m.provider.DisplayMedia(ctx)
	if err != nil {
		return nil, fmt.Errorf("display media: %w", err)
	}
	return track, nil
}

// BeginShare records screen as the active share.
func (m *Manager) BeginShare(screen *Track) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		screen.Stop()
		return State{}, ErrReleased
	}
	if prev := m.state.ScreenTrack; prev != nil && prev != screen {
		prev.Stop()
	}
	m.state.Sharing = true
	m.state.ScreenTrack = screen
	return m.state, nil
}

// EndShare clears the share and stops the screen track. It returns the
// stopped track, or nil when nothing was shared.
func (m *Manager) EndShare() *Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	screen := m.state.ScreenTrack
	m.state.Sharing = false
	m.state.ScreenTrack = nil
	if screen != nil {
		screen.Stop()
	}
	return screen
}

// Release stops every track (stream and screen). Idempotent.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return
	}
	m.released = true
	if m.state.Stream != nil {
		m.state.Stream.Stop()
	}
	if m.state.ScreenTrack != nil {
		m.state.ScreenTrack.Stop()
	}
	m.state = State{}
}

func labelOf(t *Track) string {
	if t == nil {
		return ""
	}
	return t.Label()
}
