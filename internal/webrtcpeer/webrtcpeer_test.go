package webrtcpeer_test

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/sdp/v3"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

func TestNewAPI_RejectsInvertedPortRange(t *testing.T) {
	_, err := webrtcpeer.NewAPI(config.PeerConfig{
		WebRTCUDPPortRange: &config.UDPPortRange{Min: 6000, Max: 5000},
	}, nil)
	if err == nil {
		t.Fatalf("expected error for inverted port range")
	}
}

func TestNewAPI_OfferCarriesDefaultCodecs(t *testing.T) {
	api, err := webrtcpeer.NewAPI(config.PeerConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	pc, err := webrtcpeer.NewPeerConnection(api, nil)
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			t.Fatalf("add %s transceiver: %v", kind, err)
		}
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(offer.SDP)); err != nil {
		t.Fatalf("unmarshal offer: %v", err)
	}
	if len(parsed.MediaDescriptions) != 2 {
		t.Fatalf("media sections=%d, want 2", len(parsed.MediaDescriptions))
	}
	if !strings.Contains(strings.ToLower(offer.SDP), "opus/48000") {
		t.Fatalf("offer does not advertise opus")
	}
	if !strings.Contains(offer.SDP, "VP8/90000") {
		t.Fatalf("offer does not advertise VP8")
	}
	// Default interceptors negotiate NACK and transport-wide CC feedback.
	if !strings.Contains(offer.SDP, "nack") {
		t.Fatalf("offer does not advertise nack feedback")
	}
}

func TestNewAPI_ConnectsOverVNet(t *testing.T) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	apiA, err := webrtcpeer.NewAPI(config.PeerConfig{}, nil, webrtcpeer.WithNet(netA))
	if err != nil {
		t.Fatalf("new api A: %v", err)
	}
	apiB, err := webrtcpeer.NewAPI(config.PeerConfig{}, nil, webrtcpeer.WithNet(netB))
	if err != nil {
		t.Fatalf("new api B: %v", err)
	}

	pcA, err := webrtcpeer.NewPeerConnection(apiA, nil)
	if err != nil {
		t.Fatalf("new pc A: %v", err)
	}
	t.Cleanup(func() { _ = pcA.Close() })
	pcB, err := webrtcpeer.NewPeerConnection(apiB, nil)
	if err != nil {
		t.Fatalf("new pc B: %v", err)
	}
	t.Cleanup(func() { _ = pcB.Close() })

	pcA.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			_ = pcB.AddICECandidate(c.ToJSON())
		}
	})
	pcB.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			_ = pcA.AddICECandidate(c.ToJSON())
		}
	})

	connected := make(chan struct{})
	pcB.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			close(connected)
		}
	})

	if _, err := pcA.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("add transceiver: %v", err)
	}
	offer, err := pcA.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := pcA.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local offer: %v", err)
	}
	if err := pcB.SetRemoteDescription(offer); err != nil {
		t.Fatalf("set remote offer: %v", err)
	}
	answer, err := pcB.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := pcB.SetLocalDescription(answer); err != nil {
		t.Fatalf("set local answer: %v", err)
	}
	if err := pcA.SetRemoteDescription(answer); err != nil {
		t.Fatalf("set remote answer: %v", err)
	}

	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for connection")
	}
}
