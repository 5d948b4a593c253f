package media

import (
	"github.com/pion/webrtc/v4"
)

// Stream groups one capture session's tracks under a shared stream id. A
// Stream is never mutated after creation; device changes produce a new one.
type Stream struct {
	id    string
	audio *Track
	video *Track
}

func NewStream(id string, audio, video *Track) *Stream {
	return &Stream{id: id, audio: audio, video: video}
}

func (s *Stream) ID() string { return s.id }

// AudioTrack returns nil when the stream carries no audio.
func (s *Stream) AudioTrack() *Track {
	if s == nil {
		return nil
	}
	return s.audio
}

// VideoTrack returns nil when the stream carries no video.
func (s *Stream) VideoTrack() *Track {
	if s == nil {
		return nil
	}
	return s.video
}

func (s *Stream) Track(kind webrtc.RTPCodecType) *Track {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		return s.AudioTrack()
	case webrtc.RTPCodecTypeVideo:
		return s.VideoTrack()
	default:
		return nil
	}
}

// Tracks returns audio before video, skipping missing kinds.
func (s *Stream) Tracks() []*Track {
	var out []*Track
	if t := s.AudioTrack(); t != nil {
		out = append(out, t)
	}
	if t := s.VideoTrack(); t != nil {
		out = append(out, t)
	}
	return out
}

func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// State is the session's one authoritative view of local media.
type State struct {
	Stream     *Stream
	MicEnabled bool
	CamEnabled bool
	// Sharing means outgoing video senders carry ScreenTrack; the stream's
	// camera track is kept for restoration.
	Sharing     bool
	ScreenTrack *Track
}
