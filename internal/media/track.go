package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	webrtcmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/ratelimit"
)

var (
	VideoVP8 = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	VideoVP9 = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}
	VideoAV1 = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeAV1, ClockRate: 90000}
	Opus     = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
)

// Track is a local capture track. It is a webrtc.TrackLocal and can be handed
// to AddTrack/ReplaceTrack directly; the same Track may feed any number of
// senders.
//
// While disabled, samples are dropped (the remote side sees a frozen frame
// or silence) without any renegotiation.
type Track struct {
	*webrtc.TrackLocalStaticSample

	label   string
	metrics *metrics.Metrics

	enabled atomic.Bool
	limiter atomic.Pointer[ratelimit.BitrateLimiter]

	stopOnce sync.Once
	ended    chan struct{}
}

// NewTrack creates an enabled track. label is the device id it captures from.
func NewTrack(codec webrtc.RTPCodecCapability, streamID, label string, m *metrics.Metrics) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codec, uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", codec.MimeType, err)
	}
	t := &Track{
		TrackLocalStaticSample: local,
		label:                  label,
		metrics:                m,
		ended:                  make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Label() string { return t.label }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// SetMaxBitrate caps the payload rate written through this track. 0 removes
// the cap.
func (t *Track) SetMaxBitrate(bitsPerSecond int64) {
	if bitsPerSecond <= 0 {
		t.limiter.Store(nil)
		return
	}
	if l := t.limiter.Load(); l != nil {
		l.SetBitsPerSecond(bitsPerSecond)
		return
	}
	t.limiter.Store(ratelimit.NewBitrateLimiter(nil, bitsPerSecond))
}

func (t *Track) MaxBitrate() int64 {
	return t.limiter.Load().BitsPerSecond()
}

// WriteSample forwards s to every bound sender unless the track is stopped,
// disabled, or over its bitrate cap.
func (t *Track) WriteSample(s webrtcmedia.Sample) error {
	if t.Stopped() {
		return nil
	}
	if !t.enabled.Load() {
		t.metrics.Inc(metrics.MediaSamplesMuted)
		return nil
	}
	if !t.limiter.Load().AllowBytes(len(s.Data)) {
		t.metrics.Inc(metrics.MediaSamplesCapped)
		return nil
	}
	if err := t.TrackLocalStaticSample.WriteSample(s); err != nil {
		return err
	}
	t.metrics.Inc(metrics.MediaSamplesWritten)
	return nil
}

// Stop ends the track. Feeders exit and Ended fires. Idempotent.
func (t *Track) Stop() {
	t.stopOnce.Do(func() { close(t.ended) })
}

func (t *Track) Ended() <-chan struct{} { return t.ended }

func (t *Track) Stopped() bool {
	select {
	case <-t.ended:
		return true
	default:
		return false
	}
}
