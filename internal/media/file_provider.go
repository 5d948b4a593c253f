package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
)

type FileProviderConfig struct {
	// Dir holds capture devices: *.ivf files are cameras, *.ogg / *.opus
	// files are microphones. The device id is the file name.
	Dir string
	// Screen is the IVF file used for display capture. Empty disables screen
	// sharing. It never loops: reaching EOF ends the capture, like a user
	// stopping a browser share.
	Screen string
	// Loop replays camera/microphone files from the start at EOF. When false,
	// reaching EOF ends the track.
	Loop bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// FileProvider plays media files as if they were live capture devices.
type FileProvider struct {
	cfg FileProviderConfig
	log *slog.Logger
}

func NewFileProvider(cfg FileProviderConfig) *FileProvider {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &FileProvider{cfg: cfg, log: log.With("component", "media")}
}

func (p *FileProvider) Devices(ctx context.Context) ([]Device, error) {
	if p.cfg.Dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		return nil, classifyOpenErr(err)
	}

	var out []Device
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch strings.ToLower(filepath.Ext(name)) {
		case ".ivf":
			d := Device{ID: name, Label: strings.TrimSuffix(name, filepath.Ext(name)), Kind: DeviceKindVideoInput}
			if w, h, err := ivfSize(filepath.Join(p.cfg.Dir, name)); err == nil {
				d.Width, d.Height = w, h
			} else {
				p.log.Debug("skipping unreadable camera file", "file", name, "err", err)
				continue
			}
			out = append(out, d)
		case ".ogg", ".opus":
			out = append(out, Device{ID: name, Label: strings.TrimSuffix(name, filepath.Ext(name)), Kind: DeviceKindAudioInput})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UserMedia opens one microphone and one camera. Both are required.
func (p *FileProvider) UserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	c = c.withDefaults()

	devices, err := p.Devices(ctx)
	if err != nil {
		return nil, err
	}
	mic, err := pickDevice(devices, DeviceKindAudioInput, c.AudioDeviceID, 0, 0)
	if err != nil {
		return nil, err
	}
	cam, err := pickDevice(devices, DeviceKindVideoInput, c.VideoDeviceID, c.Width, c.Height)
	if err != nil {
		return nil, err
	}

	streamID := uuid.NewString()
	audio, err := p.openOgg(filepath.Join(p.cfg.Dir, mic.ID), streamID, mic.ID, p.cfg.Loop)
	if err != nil {
		return nil, err
	}
	video, err := p.openIVF(filepath.Join(p.cfg.Dir, cam.ID), streamID, cam.ID, p.cfg.Loop)
	if err != nil {
		audio.Stop()
		return nil, err
	}
	p.log.Info("opened capture devices", "mic", mic.ID, "camera", cam.ID, "width", cam.Width, "height", cam.Height)
	return NewStream(streamID, audio, video), nil
}

func (p *FileProvider) DisplayMedia(ctx context.Context) (*Track, error) {
	if p.cfg.Screen == "" {
		return nil, fmt.Errorf("%w: no display source configured", ErrNoDeviceFound)
	}
	return p.openIVF(p.cfg.Screen, uuid.NewString(), "screen:"+filepath.Base(p.cfg.Screen), false)
}

// pickDevice returns the requested device (exact id match) or, with no id,
// the video device closest to the ideal size / the first audio device.
func pickDevice(devices []Device, kind DeviceKind, id string, width, height int) (Device, error) {
	var best Device
	found := false
	bestScore := 0
	for _, d := range devices {
		if d.Kind != kind {
			continue
		}
		if id != "" {
			if d.ID == id {
				return d, nil
			}
			continue
		}
		score := abs(d.Width-width) + abs(d.Height-height)
		if !found || score < bestScore {
			best, bestScore, found = d, score, true
		}
	}
	if !found {
		if id != "" {
			return Device{}, fmt.Errorf("%w: %s %q", ErrNoDeviceFound, kind, id)
		}
		return Device{}, fmt.Errorf("%w: %s", ErrNoDeviceFound, kind)
	}
	return best, nil
}

func classifyOpenErr(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", ErrNoDeviceFound, err)
	default:
		return err
	}
}

func ivfSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		return 0, 0, err
	}
	return int(header.Width), int(header.Height), nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
