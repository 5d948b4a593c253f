package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarSignalURL   = "MESH_SIGNAL_URL"
	envVarRoom        = "MESH_ROOM"
	envVarPeerMode    = "MESH_MODE"
	envVarPeerLogFmt  = "MESH_LOG_FORMAT"
	envVarPeerLogLvl  = "MESH_LOG_LEVEL"
	envVarMediaDir    = "MESH_MEDIA_DIR"
	envVarMic         = "MESH_MIC"
	envVarCamera      = "MESH_CAMERA"
	envVarScreen      = "MESH_SCREEN"
	envVarVideoWidth  = "MESH_VIDEO_WIDTH"
	envVarVideoHeight = "MESH_VIDEO_HEIGHT"

	envVarSignalingPingInterval    = "MESH_SIGNALING_PING_INTERVAL"
	envVarMaxSignalingMessageBytes = "MESH_MAX_SIGNALING_MESSAGE_BYTES"

	envVarWebRTCUDPPortMin = "MESH_WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax = "MESH_WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs = "MESH_WEBRTC_NAT_1TO1_IPS"

	DefaultSignalURL                = "ws://127.0.0.1:8080/ws"
	DefaultRoom                     = "demo-room"
	DefaultVideoWidth               = 1280
	DefaultVideoHeight              = 720
	DefaultSignalingPingInterval    = 20 * time.Second
	DefaultMaxSignalingMessageBytes = int64(64 * 1024)
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// PeerConfig configures a mesh participant (cmd/mesh-peer).
type PeerConfig struct {
	Logging

	SignalURL string
	Room      string

	// MediaDir holds the file-backed capture devices; Mic/Camera select a
	// device id within it (empty = first available). Screen is the display
	// capture source used for screen sharing.
	MediaDir    string
	Mic         string
	Camera      string
	Screen      string
	VideoWidth  int
	VideoHeight int

	SignalingPingInterval    time.Duration
	MaxSignalingMessageBytes int64

	ICEServers []webrtc.ICEServer
	// TURNEnabled reports whether a relay-assist server with credentials made
	// it into ICEServers.
	TURNEnabled bool

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	WebRTCUDPPortRange *UDPPortRange
	// WebRTCNAT1To1IPs are advertised as host candidates when the peer sits
	// behind a 1:1 NAT. Values must be literal IPs.
	WebRTCNAT1To1IPs []string
}

func LoadPeer(args []string) (PeerConfig, error) {
	return loadPeer(os.LookupEnv, time.Now, args)
}

func loadPeer(lookup func(string) (string, bool), now func() time.Time, args []string) (PeerConfig, error) {
	modeDefault, logFormatDefault, logLevelDefault := loggingDefaults(lookup, envVarPeerMode, envVarPeerLogFmt, envVarPeerLogLvl)

	signalURL := envOrDefault(lookup, envVarSignalURL, DefaultSignalURL)
	room := envOrDefault(lookup, envVarRoom, DefaultRoom)
	mediaDir := envOrDefault(lookup, envVarMediaDir, "")
	mic := envOrDefault(lookup, envVarMic, "")
	camera := envOrDefault(lookup, envVarCamera, "")
	screen := envOrDefault(lookup, envVarScreen, "")

	videoWidth, err := envIntOrDefault(lookup, envVarVideoWidth, DefaultVideoWidth)
	if err != nil {
		return PeerConfig{}, err
	}
	videoHeight, err := envIntOrDefault(lookup, envVarVideoHeight, DefaultVideoHeight)
	if err != nil {
		return PeerConfig{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarSignalingPingInterval, DefaultSignalingPingInterval)
	if err != nil {
		return PeerConfig{}, err
	}
	maxMessageBytes, err := envInt64OrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return PeerConfig{}, err
	}

	ice := ICESettings{
		ServersJSON:    envOrDefault(lookup, envICEServersJSON, ""),
		STUNURLs:       envOrDefault(lookup, envStunURLs, ""),
		TURNURLs:       envOrDefault(lookup, envTurnURLs, ""),
		TURNUsername:   envOrDefault(lookup, envTurnUsername, ""),
		TURNCredential: envOrDefault(lookup, envTurnCredential, ""),
		TURNREST: TurnRESTConfig{
			SharedSecret:   envOrDefault(lookup, envTurnRESTSharedSecret, ""),
			UsernamePrefix: envOrDefault(lookup, envTurnRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix),
		},
	}
	ice.TURNREST.TTLSeconds, err = envInt64OrDefault(lookup, envTurnRESTTTLSeconds, DefaultTURNRESTTTLSeconds)
	if err != nil {
		return PeerConfig{}, err
	}

	var portMin, portMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return PeerConfig{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		portMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return PeerConfig{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		portMax = uint(p)
	}
	nat1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")

	fs := flag.NewFlagSet("mesh-peer", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var modeStr, logFormatStr, logLevelStr string
	fs.StringVar(&signalURL, "signal-url", signalURL, "Signaling relay WebSocket URL (env "+envVarSignalURL+")")
	fs.StringVar(&room, "room", room, "Room to join (env "+envVarRoom+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&mediaDir, "media-dir", mediaDir, "Directory of .ivf (camera) and .ogg (microphone) capture files (env "+envVarMediaDir+")")
	fs.StringVar(&mic, "mic", mic, "Microphone device id (empty = default; env "+envVarMic+")")
	fs.StringVar(&camera, "camera", camera, "Camera device id (empty = default; env "+envVarCamera+")")
	fs.StringVar(&screen, "screen", screen, "IVF file used as the screen-share source (env "+envVarScreen+")")
	fs.IntVar(&videoWidth, "video-width", videoWidth, "Ideal capture width (env "+envVarVideoWidth+")")
	fs.IntVar(&videoHeight, "video-height", videoHeight, "Ideal capture height (env "+envVarVideoHeight+")")
	fs.DurationVar(&pingInterval, "signaling-ping-interval", pingInterval, "Ping interval on the signaling WebSocket (0 = disabled; env "+envVarSignalingPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.StringVar(&ice.ServersJSON, "ice-servers-json", ice.ServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&ice.STUNURLs, "stun-urls", ice.STUNURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&ice.TURNURLs, "turn-urls", ice.TURNURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&ice.TURNUsername, "turn-username", ice.TURNUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&ice.TURNCredential, "turn-credential", ice.TURNCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&ice.TURNREST.SharedSecret, "turn-rest-shared-secret", ice.TURNREST.SharedSecret, "TURN REST shared secret ("+envTurnRESTSharedSecret+")")
	fs.Int64Var(&ice.TURNREST.TTLSeconds, "turn-rest-ttl-seconds", ice.TURNREST.TTLSeconds, "TURN REST credential TTL seconds ("+envTurnRESTTTLSeconds+")")
	fs.StringVar(&ice.TURNREST.UsernamePrefix, "turn-rest-username-prefix", ice.TURNREST.UsernamePrefix, "TURN REST username prefix ("+envTurnRESTUsernamePrefix+")")
	fs.UintVar(&portMin, "webrtc-udp-port-min", portMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&portMax, "webrtc-udp-port-max", portMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&nat1To1IPsStr, "webrtc-nat-1to1-ips", nat1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")

	if err := fs.Parse(args); err != nil {
		return PeerConfig{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})
	logging, err := parseLogging(modeStr, logFormatStr, logLevelStr,
		envSet(lookup, envVarPeerLogFmt) || setFlags["log-format"],
		envSet(lookup, envVarPeerLogLvl) || setFlags["log-level"])
	if err != nil {
		return PeerConfig{}, err
	}

	signalURL = strings.TrimSpace(signalURL)
	if err := validateSignalURL(signalURL); err != nil {
		return PeerConfig{}, err
	}
	room = strings.TrimSpace(room)
	if room == "" {
		return PeerConfig{}, fmt.Errorf("room must not be empty")
	}
	if videoWidth <= 0 || videoHeight <= 0 {
		return PeerConfig{}, fmt.Errorf("video size must be positive (got %dx%d)", videoWidth, videoHeight)
	}
	if pingInterval < 0 {
		return PeerConfig{}, fmt.Errorf("signaling ping interval must be >= 0 (got %s)", pingInterval)
	}
	if maxMessageBytes <= 0 {
		return PeerConfig{}, fmt.Errorf("max signaling message bytes must be > 0 (got %d)", maxMessageBytes)
	}

	var portRange *UDPPortRange
	if (portMin == 0) != (portMax == 0) {
		return PeerConfig{}, fmt.Errorf("webrtc-udp-port-min and webrtc-udp-port-max must be set together (or both unset)")
	}
	if portMin != 0 {
		lo, err := parsePortUint(portMin)
		if err != nil {
			return PeerConfig{}, fmt.Errorf("invalid webrtc-udp-port-min: %w", err)
		}
		hi, err := parsePortUint(portMax)
		if err != nil {
			return PeerConfig{}, fmt.Errorf("invalid webrtc-udp-port-max: %w", err)
		}
		if lo > hi {
			return PeerConfig{}, fmt.Errorf("webrtc-udp-port-min (%d) must be <= webrtc-udp-port-max (%d)", lo, hi)
		}
		portRange = &UDPPortRange{Min: lo, Max: hi}
	}

	nat1To1IPs, err := parseIPList(nat1To1IPsStr)
	if err != nil {
		return PeerConfig{}, fmt.Errorf("invalid webrtc-nat-1to1-ips: %w", err)
	}

	iceServers, turnEnabled, err := ResolveICEServers(ice, now)
	if err != nil {
		return PeerConfig{}, err
	}

	return PeerConfig{
		Logging:                  logging,
		SignalURL:                signalURL,
		Room:                     room,
		MediaDir:                 mediaDir,
		Mic:                      mic,
		Camera:                   camera,
		Screen:                   screen,
		VideoWidth:               videoWidth,
		VideoHeight:              videoHeight,
		SignalingPingInterval:    pingInterval,
		MaxSignalingMessageBytes: maxMessageBytes,
		ICEServers:               iceServers,
		TURNEnabled:              turnEnabled,
		WebRTCUDPPortRange:       portRange,
		WebRTCNAT1To1IPs:         nat1To1IPs,
	}, nil
}

func validateSignalURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("signal url must not be empty")
	}
	switch {
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		return nil
	default:
		return fmt.Errorf("signal url %q must use ws:// or wss://", raw)
	}
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, part := range splitCommaSeparated(s) {
		ip := net.ParseIP(part)
		if ip == nil {
			return nil, fmt.Errorf("invalid ip %q", part)
		}
		out = append(out, ip.String())
	}
	return out, nil
}
