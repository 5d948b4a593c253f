package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/mesh"
)

// controls is the slice of *mesh.Session the interactive loop drives.
type controls interface {
	ToggleMic() (bool, error)
	ToggleCam() (bool, error)
	StartShare(ctx context.Context) error
	StopShare() error
	ApplyDeviceChange(ctx context.Context, audioDeviceID, videoDeviceID string) error
	Devices(ctx context.Context) ([]media.Device, error)
	Registry() *mesh.Registry
}

const commandHelp = `commands:
  mic                    toggle the microphone
  cam                    toggle the camera
  share                  start screen sharing
  unshare                stop screen sharing
  devices                list capture devices
  switch <mic> <camera>  switch capture devices ("-" picks the default)
  peers                  list remote peers
  leave                  leave the room and exit`

// runCommands reads one command per line from in until EOF or ctx is done.
// It reports whether the user asked to leave; reaching EOF only stops command
// input, so a peer started without a terminal stays in the room.
func runCommands(ctx context.Context, in io.Reader, out io.Writer, c controls) (leave bool) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return false
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "leave" || fields[0] == "quit" {
			return true
		}
		if err := runCommand(ctx, out, c, fields); err != nil {
			fmt.Fprintf(out, "%s: %v\n", fields[0], err)
		}
	}
	return false
}

func runCommand(ctx context.Context, out io.Writer, c controls, fields []string) error {
	switch fields[0] {
	case "mic":
		on, err := c.ToggleMic()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "microphone %s\n", onOff(on))
	case "cam":
		on, err := c.ToggleCam()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "camera %s\n", onOff(on))
	case "share":
		if err := c.StartShare(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "screen sharing started")
	case "unshare":
		if err := c.StopShare(); err != nil {
			return err
		}
		fmt.Fprintln(out, "screen sharing stopped")
	case "devices":
		devices, err := c.Devices(ctx)
		if err != nil {
			return err
		}
		for _, d := range devices {
			if d.Kind == media.DeviceKindVideoInput {
				fmt.Fprintf(out, "%s\t%s\t%dx%d\n", d.Kind, d.ID, d.Width, d.Height)
				continue
			}
			fmt.Fprintf(out, "%s\t%s\n", d.Kind, d.ID)
		}
	case "switch":
		if len(fields) != 3 {
			return fmt.Errorf("usage: switch <mic> <camera>")
		}
		if err := c.ApplyDeviceChange(ctx, keepCurrent(fields[1]), keepCurrent(fields[2])); err != nil {
			return err
		}
		fmt.Fprintln(out, "devices switched")
	case "peers":
		peers := c.Registry().Snapshot()
		if len(peers) == 0 {
			fmt.Fprintln(out, "no peers")
		}
		for _, p := range peers {
			fmt.Fprintf(out, "%s\t%s\t%s\n", p.ID, p.State, p.ConnectionState)
		}
	case "help":
		fmt.Fprintln(out, commandHelp)
	default:
		return fmt.Errorf("unknown command (try help)")
	}
	return nil
}

func keepCurrent(arg string) string {
	if arg == "-" {
		return ""
	}
	return arg
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
