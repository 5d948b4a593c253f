package mesh

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
)

const (
	VideoMaxBitrate int64 = 1_200_000
	AudioMaxBitrate int64 = 64_000
)

var ErrNoSender = errors.New("mesh: no sender for track kind")

// outgoingVideo is what the video sender should carry for state.
func outgoingVideo(state media.State) *media.Track {
	if state.Sharing && state.ScreenTrack != nil {
		return state.ScreenTrack
	}
	return state.Stream.VideoTrack()
}

// AttachLocalTracks adds the local audio track and the outgoing video track
// (screen while sharing, camera otherwise) to pc. It does nothing when pc
// already has senders.
func AttachLocalTracks(pc *webrtc.PeerConnection, state media.State) error {
	if len(pc.GetSenders()) > 0 {
		return nil
	}
	for _, track := range []*media.Track{state.Stream.AudioTrack(), outgoingVideo(state)} {
		if track == nil {
			continue
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads incoming RTCP so the interceptors (NACK, reports) run.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, remoteReadBufferBytes)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// ensureReceive adds a receive-only transceiver for every kind pc has no
// sender for, so an offer always asks for both audio and video.
func ensureReceive(pc *webrtc.PeerConnection) error {
	have := map[webrtc.RTPCodecType]bool{}
	for _, t := range pc.GetTransceivers() {
		have[t.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// ApplyBitratePolicy caps every local track sent on pc: video at
// VideoMaxBitrate, audio at AudioMaxBitrate.
func ApplyBitratePolicy(pc *webrtc.PeerConnection) error {
	var errs []error
	for _, sender := range pc.GetSenders() {
		local := sender.Track()
		if local == nil {
			continue
		}
		track, ok := local.(*media.Track)
		if !ok {
			errs = append(errs, fmt.Errorf("track %s does not support bitrate caps", local.ID()))
			continue
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			track.SetMaxBitrate(VideoMaxBitrate)
		case webrtc.RTPCodecTypeAudio:
			track.SetMaxBitrate(AudioMaxBitrate)
		}
	}
	return errors.Join(errs...)
}

// ReplaceOutgoingTrack swaps the track on pc's sender of the given kind
// without renegotiating. A nil track stops sending on that sender.
func ReplaceOutgoingTrack(pc *webrtc.PeerConnection, kind webrtc.RTPCodecType, track *media.Track) error {
	for _, t := range pc.GetTransceivers() {
		sender := t.Sender()
		if t.Kind() != kind || sender == nil {
			continue
		}
		var local webrtc.TrackLocal
		if track != nil {
			local = track
		}
		if err := sender.ReplaceTrack(local); err != nil {
			return fmt.Errorf("replace %s track: %w", kind, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNoSender, kind)
}

// replaceOnAll pushes track to every registered connection. Failures are
// logged per peer.
func (c *Controller) replaceOnAll(kind webrtc.RTPCodecType, track *media.Track) {
	for _, p := range c.registry.all() {
		if err := ReplaceOutgoingTrack(p.pc, kind, track); err != nil {
			c.metrics.Inc(metrics.LocalTrackReplaceFailed)
			c.log.Warn("failed to replace outgoing track", "peer", string(p.id), "kind", kind.String(), "err", err)
			continue
		}
		c.applyBitratePolicy(p)
	}
}

// StartShare sends screen instead of the camera on every video sender. The
// share stops by itself when screen ends.
func (c *Controller) StartShare(screen *media.Track) error {
	err := c.do(func() error {
		if _, err := c.cfg.Media.BeginShare(screen); err != nil {
			return err
		}
		c.replaceOnAll(webrtc.RTPCodecTypeVideo, screen)
		c.log.Info("screen share started", "track", screen.Label())
		return nil
	})
	if err != nil {
		screen.Stop()
		return err
	}
	go func() {
		<-screen.Ended()
		if err := c.stopShare(screen); err != nil && !errors.Is(err, ErrClosed) {
			c.log.Warn("failed to stop ended screen share", "err", err)
		}
	}()
	return nil
}

// StopShare puts the camera back on every video sender and stops the screen
// track. It is a no-op when nothing is shared.
func (c *Controller) StopShare() error {
	return c.stopShare(nil)
}

// stopShare stops the current share, or only screen when it is non-nil and
// still the active share.
func (c *Controller) stopShare(screen *media.Track) error {
	return c.do(func() error {
		state := c.cfg.Media.State()
		if !state.Sharing || (screen != nil && state.ScreenTrack != screen) {
			return nil
		}
		c.replaceOnAll(webrtc.RTPCodecTypeVideo, state.Stream.VideoTrack())
		c.cfg.Media.EndShare()
		c.log.Info("screen share stopped")
		return nil
	})
}

// SwitchDevices pushes stream's tracks to every connection and then makes it
// the live stream, stopping the previous one. While sharing, the video
// senders keep the screen; the new camera is restored when the share stops.
func (c *Controller) SwitchDevices(stream *media.Stream) error {
	err := c.do(func() error {
		state := c.cfg.Media.State()
		c.replaceOnAll(webrtc.RTPCodecTypeAudio, stream.AudioTrack())
		if !state.Sharing {
			c.replaceOnAll(webrtc.RTPCodecTypeVideo, stream.VideoTrack())
		}
		_, err := c.cfg.Media.CommitDeviceChange(stream)
		return err
	})
	if errors.Is(err, ErrClosed) {
		stream.Stop()
	}
	return err
}

// ShareScreen acquires a display track on the caller's goroutine and starts
// sharing it.
func (c *Controller) ShareScreen(ctx context.Context) error {
	if c.cfg.Media.State().Sharing {
		return nil
	}
	screen, err := c.cfg.Media.DisplayMedia(ctx)
	if err != nil {
		return err
	}
	return c.StartShare(screen)
}
