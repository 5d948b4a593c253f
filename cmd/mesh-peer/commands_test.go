package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/mesh"
)

type fakeControls struct {
	mic, cam bool
	sharing  bool
	shareErr error
	switched [][2]string
	devices  []media.Device
}

func (f *fakeControls) ToggleMic() (bool, error) {
	f.mic = !f.mic
	return f.mic, nil
}

func (f *fakeControls) ToggleCam() (bool, error) {
	f.cam = !f.cam
	return f.cam, nil
}

func (f *fakeControls) StartShare(context.Context) error {
	if f.shareErr != nil {
		return f.shareErr
	}
	f.sharing = true
	return nil
}

func (f *fakeControls) StopShare() error {
	f.sharing = false
	return nil
}

func (f *fakeControls) ApplyDeviceChange(_ context.Context, audio, video string) error {
	f.switched = append(f.switched, [2]string{audio, video})
	return nil
}

func (f *fakeControls) Devices(context.Context) ([]media.Device, error) {
	return f.devices, nil
}

func (f *fakeControls) Registry() *mesh.Registry { return &mesh.Registry{} }

func TestRunCommands(t *testing.T) {
	c := &fakeControls{
		mic: true,
		cam: true,
		devices: []media.Device{
			{ID: "mic.ogg", Kind: media.DeviceKindAudioInput},
			{ID: "cam.ivf", Kind: media.DeviceKindVideoInput, Width: 640, Height: 480},
		},
	}
	in := strings.NewReader("mic\n\ncam\nshare\ndevices\nswitch - cam.ivf\npeers\nbogus\nleave\nmic\n")
	var out bytes.Buffer

	if !runCommands(context.Background(), in, &out, c) {
		t.Fatalf("runCommands()=false, want true after leave")
	}

	if c.mic {
		t.Fatalf("mic=%v, want toggled off once (commands after leave must not run)", c.mic)
	}
	if c.cam {
		t.Fatalf("cam=%v, want false", c.cam)
	}
	if !c.sharing {
		t.Fatalf("sharing=false, want true")
	}
	if len(c.switched) != 1 || c.switched[0] != [2]string{"", "cam.ivf"} {
		t.Fatalf("switched=%v, want [[ cam.ivf]]", c.switched)
	}

	got := out.String()
	for _, want := range []string{
		"microphone off",
		"camera off",
		"screen sharing started",
		"videoinput\tcam.ivf\t640x480",
		"audioinput\tmic.ogg\n",
		"devices switched",
		"no peers",
		"bogus: unknown command",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestRunCommands_ReportsErrors(t *testing.T) {
	c := &fakeControls{shareErr: media.ErrNoDeviceFound}
	var out bytes.Buffer

	if runCommands(context.Background(), strings.NewReader("share\nswitch only-one\n"), &out, c) {
		t.Fatalf("runCommands()=true without a leave command")
	}

	got := out.String()
	if !strings.Contains(got, "share: "+media.ErrNoDeviceFound.Error()) {
		t.Fatalf("output=%q, want share error", got)
	}
	if !strings.Contains(got, "switch: usage") {
		t.Fatalf("output=%q, want switch usage", got)
	}
	if !errors.Is(c.shareErr, media.ErrNoDeviceFound) || c.sharing {
		t.Fatalf("sharing=%v after failed share", c.sharing)
	}
}

func TestRunCommands_StopsWhenContextDone(t *testing.T) {
	c := &fakeControls{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runCommands(ctx, strings.NewReader("mic\n"), &bytes.Buffer{}, c)

	if c.mic {
		t.Fatalf("mic toggled after cancellation")
	}
}

func TestRunCommands_EOFDoesNotLeave(t *testing.T) {
	for _, input := range []string{"", "mic\n", "cam"} {
		if runCommands(context.Background(), strings.NewReader(input), &bytes.Buffer{}, &fakeControls{}) {
			t.Fatalf("runCommands(%q)=true, want false at EOF", input)
		}
	}
	if !runCommands(context.Background(), strings.NewReader("quit\n"), &bytes.Buffer{}, &fakeControls{}) {
		t.Fatalf("runCommands(quit)=false, want true")
	}
}
