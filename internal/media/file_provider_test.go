package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// writeIVF writes a VP8 IVF file with frames empty payloads.
func writeIVF(t *testing.T, path string, width, height uint16, frames int) {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("DKIF")
	_ = binary.Write(&buf, binary.LittleEndian, uint16(0))  // version
	_ = binary.Write(&buf, binary.LittleEndian, uint16(32)) // header size
	buf.WriteString("VP80")
	_ = binary.Write(&buf, binary.LittleEndian, width)
	_ = binary.Write(&buf, binary.LittleEndian, height)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(30)) // timebase denominator
	_ = binary.Write(&buf, binary.LittleEndian, uint32(1))  // timebase numerator
	_ = binary.Write(&buf, binary.LittleEndian, uint32(frames))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0))
	for i := 0; i < frames; i++ {
		payload := []byte{0x10, 0x02, 0x00, 0x9d}
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(payload)))
		_ = binary.Write(&buf, binary.LittleEndian, uint64(i))
		buf.Write(payload)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// writeOgg writes an Ogg Opus file holding only the id and comment headers.
func writeOgg(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	if _, err := oggwriter.NewWith(&buf, 48000, 2); err != nil {
		t.Fatalf("oggwriter: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newDeviceDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeIVF(t, filepath.Join(dir, "hd.ivf"), 1280, 720, 3)
	writeIVF(t, filepath.Join(dir, "vga.ivf"), 640, 480, 3)
	writeOgg(t, filepath.Join(dir, "mic.ogg"))
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.ivf"), []byte("nope"), 0o644); err != nil {
		t.Fatalf("write broken: %v", err)
	}
	return dir
}

func TestFileProvider_Devices(t *testing.T) {
	p := NewFileProvider(FileProviderConfig{Dir: newDeviceDir(t)})

	devices, err := p.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	want := []Device{
		{ID: "mic.ogg", Label: "mic", Kind: DeviceKindAudioInput},
		{ID: "hd.ivf", Label: "hd", Kind: DeviceKindVideoInput, Width: 1280, Height: 720},
		{ID: "vga.ivf", Label: "vga", Kind: DeviceKindVideoInput, Width: 640, Height: 480},
	}
	if len(devices) != len(want) {
		t.Fatalf("devices=%+v, want %+v", devices, want)
	}
	for i := range want {
		if devices[i] != want[i] {
			t.Fatalf("devices[%d]=%+v, want %+v", i, devices[i], want[i])
		}
	}
}

func TestFileProvider_UserMediaPicksClosestCamera(t *testing.T) {
	p := NewFileProvider(FileProviderConfig{Dir: newDeviceDir(t)})

	s, err := p.UserMedia(context.Background(), Constraints{Width: 600, Height: 400})
	if err != nil {
		t.Fatalf("UserMedia: %v", err)
	}
	defer s.Stop()
	if got := s.VideoTrack().Label(); got != "vga.ivf" {
		t.Fatalf("camera=%q, want %q", got, "vga.ivf")
	}
	if got := s.AudioTrack().Label(); got != "mic.ogg" {
		t.Fatalf("mic=%q, want %q", got, "mic.ogg")
	}
	if s.AudioTrack().StreamID() != s.ID() || s.VideoTrack().StreamID() != s.ID() {
		t.Fatalf("tracks do not share the stream id")
	}

	s2, err := p.UserMedia(context.Background(), Constraints{})
	if err != nil {
		t.Fatalf("UserMedia defaults: %v", err)
	}
	defer s2.Stop()
	if got := s2.VideoTrack().Label(); got != "hd.ivf" {
		t.Fatalf("default camera=%q, want %q", got, "hd.ivf")
	}
}

func TestFileProvider_UserMediaExactDevice(t *testing.T) {
	p := NewFileProvider(FileProviderConfig{Dir: newDeviceDir(t)})

	s, err := p.UserMedia(context.Background(), Constraints{VideoDeviceID: "hd.ivf", Width: 640, Height: 480})
	if err != nil {
		t.Fatalf("UserMedia: %v", err)
	}
	defer s.Stop()
	if got := s.VideoTrack().Label(); got != "hd.ivf" {
		t.Fatalf("camera=%q, want %q", got, "hd.ivf")
	}

	_, err = p.UserMedia(context.Background(), Constraints{VideoDeviceID: "missing.ivf"})
	if !errors.Is(err, ErrNoDeviceFound) {
		t.Fatalf("err=%v, want %v", err, ErrNoDeviceFound)
	}
}

func TestFileProvider_NoDevices(t *testing.T) {
	dir := t.TempDir()
	writeIVF(t, filepath.Join(dir, "cam.ivf"), 320, 240, 1)

	p := NewFileProvider(FileProviderConfig{Dir: dir})
	if _, err := p.UserMedia(context.Background(), Constraints{}); !errors.Is(err, ErrNoDeviceFound) {
		t.Fatalf("no mic: err=%v, want %v", err, ErrNoDeviceFound)
	}

	p = NewFileProvider(FileProviderConfig{Dir: filepath.Join(dir, "missing")})
	if _, err := p.UserMedia(context.Background(), Constraints{}); !errors.Is(err, ErrNoDeviceFound) {
		t.Fatalf("missing dir: err=%v, want %v", err, ErrNoDeviceFound)
	}
}

func TestFileProvider_DisplayMedia(t *testing.T) {
	dir := t.TempDir()
	p := NewFileProvider(FileProviderConfig{Dir: dir})
	if _, err := p.DisplayMedia(context.Background()); !errors.Is(err, ErrNoDeviceFound) {
		t.Fatalf("unconfigured: err=%v, want %v", err, ErrNoDeviceFound)
	}

	screen := filepath.Join(dir, "screen.ivf")
	writeIVF(t, screen, 1920, 1080, 1)
	p = NewFileProvider(FileProviderConfig{Dir: dir, Screen: screen})
	tr, err := p.DisplayMedia(context.Background())
	if err != nil {
		t.Fatalf("DisplayMedia: %v", err)
	}
	if tr.Kind().String() != "video" {
		t.Fatalf("kind=%v, want video", tr.Kind())
	}
	// The screen file has one frame and never loops, so the capture ends.
	select {
	case <-tr.Ended():
	case <-time.After(5 * time.Second):
		t.Fatalf("screen track did not end at EOF")
	}
}

func TestPickDevice(t *testing.T) {
	devices := []Device{
		{ID: "a", Kind: DeviceKindAudioInput},
		{ID: "b", Kind: DeviceKindAudioInput},
		{ID: "v1", Kind: DeviceKindVideoInput, Width: 320, Height: 240},
		{ID: "v2", Kind: DeviceKindVideoInput, Width: 1920, Height: 1080},
	}
	tests := []struct {
		kind   DeviceKind
		id     string
		w, h   int
		wantID string
	}{
		{DeviceKindAudioInput, "", 0, 0, "a"},
		{DeviceKindAudioInput, "b", 0, 0, "b"},
		{DeviceKindVideoInput, "", 1280, 720, "v2"},
		{DeviceKindVideoInput, "", 400, 300, "v1"},
		{DeviceKindVideoInput, "v1", 1920, 1080, "v1"},
	}
	for _, tt := range tests {
		d, err := pickDevice(devices, tt.kind, tt.id, tt.w, tt.h)
		if err != nil {
			t.Fatalf("pickDevice(%s,%q): %v", tt.kind, tt.id, err)
		}
		if d.ID != tt.wantID {
			t.Fatalf("pickDevice(%s,%q,%d,%d)=%q, want %q", tt.kind, tt.id, tt.w, tt.h, d.ID, tt.wantID)
		}
	}
}
