package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	webrtcmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// oggPageDuration matches the 20ms Opus frames produced by common encoders.
const oggPageDuration = 20 * time.Millisecond

func codecForFourCC(fourCC string) (webrtc.RTPCodecCapability, error) {
	switch fourCC {
	case "VP80":
		return VideoVP8, nil
	case "VP90":
		return VideoVP9, nil
	case "AV01":
		return VideoAV1, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("unsupported ivf codec %q", fourCC)
	}
}

func (p *FileProvider) openIVF(path, streamID, label string, loop bool) (*Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, classifyOpenErr(err)
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	codec, err := codecForFourCC(header.FourCC)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	track, err := NewTrack(codec, streamID, label, p.cfg.Metrics)
	if err != nil {
		f.Close()
		return nil, err
	}

	frameDuration := time.Second / 30
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		frameDuration = time.Duration(uint64(time.Second) * uint64(header.TimebaseNumerator) / uint64(header.TimebaseDenominator))
	}

	go func() {
		defer f.Close()
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-track.Ended():
				return
			case <-ticker.C:
			}
			frame, _, err := reader.ParseNextFrame()
			if errors.Is(err, io.EOF) && loop {
				if _, err = f.Seek(0, io.SeekStart); err == nil {
					reader, _, err = ivfreader.NewWith(f)
				}
				if err == nil {
					continue
				}
			}
			if err != nil {
				p.endOfInput(track, path, err)
				return
			}
			if err := track.WriteSample(webrtcmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
				p.log.Debug("write video sample", "track", label, "err", err)
			}
		}
	}()
	return track, nil
}

func (p *FileProvider) openOgg(path, streamID, label string, loop bool) (*Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, classifyOpenErr(err)
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	track, err := NewTrack(Opus, streamID, label, p.cfg.Metrics)
	if err != nil {
		f.Close()
		return nil, err
	}

	go func() {
		defer f.Close()
		ticker := time.NewTicker(oggPageDuration)
		defer ticker.Stop()

		var lastGranule uint64
		for {
			select {
			case <-track.Ended():
				return
			case <-ticker.C:
			}
			page, pageHeader, err := reader.ParseNextPage()
			if errors.Is(err, io.EOF) && loop {
				if _, err = f.Seek(0, io.SeekStart); err == nil {
					reader, _, err = oggreader.NewWith(f)
				}
				lastGranule = 0
				if err == nil {
					continue
				}
			}
			if err != nil {
				p.endOfInput(track, path, err)
				return
			}

			// Granule positions count 48kHz samples.
			duration := oggPageDuration
			if g := pageHeader.GranulePosition; g > lastGranule {
				duration = time.Duration((g-lastGranule)*1000/48) * time.Microsecond
				lastGranule = g
			}
			if err := track.WriteSample(webrtcmedia.Sample{Data: page, Duration: duration}); err != nil {
				p.log.Debug("write audio sample", "track", label, "err", err)
			}
		}
	}()
	return track, nil
}

// endOfInput ends a track whose source ran dry, the same way a browser ends
// a capture track whose device disappeared.
func (p *FileProvider) endOfInput(track *Track, path string, err error) {
	if errors.Is(err, io.EOF) {
		p.log.Info("capture source ended", "file", path)
	} else {
		p.log.Warn("capture source failed", "file", path, "err", err)
	}
	track.Stop()
}
