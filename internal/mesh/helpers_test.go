package mesh

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media/mediatest"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testNetwork is a virtual LAN with a fixed pool of addresses; every API it
// hands out gets its own.
type testNetwork struct {
	t    *testing.T
	nets []*vnet.Net
}

const testNetworkSize = 8

func newTestNetwork(t *testing.T) *testNetwork {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	n := &testNetwork{t: t}
	for i := 1; i <= testNetworkSize; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i)
		nw, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(nw); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		n.nets = append(n.nets, nw)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })
	return n
}

func (n *testNetwork) api() *webrtc.API {
	n.t.Helper()
	if len(n.nets) == 0 {
		n.t.Fatalf("test network has no free addresses")
	}
	nw := n.nets[0]
	n.nets = n.nets[1:]
	api, err := webrtcpeer.NewAPI(config.PeerConfig{}, nil, webrtcpeer.WithNet(nw))
	if err != nil {
		n.t.Fatalf("new api: %v", err)
	}
	return api
}

// recordingSignaler keeps every envelope the controller sends and delivers
// addressed ones to linked controllers.
type recordingSignaler struct {
	mu     sync.Mutex
	sent   []signaling.Envelope
	routes map[signaling.PeerID]*Controller
}

func (s *recordingSignaler) Send(env signaling.Envelope) error {
	s.mu.Lock()
	s.sent = append(s.sent, env)
	to := s.routes[env.To]
	s.mu.Unlock()
	if to != nil {
		to.Handle(env)
	}
	return nil
}

func (s *recordingSignaler) route(id signaling.PeerID, c *Controller) {
	s.mu.Lock()
	if s.routes == nil {
		s.routes = make(map[signaling.PeerID]*Controller)
	}
	s.routes[id] = c
	s.mu.Unlock()
}

func (s *recordingSignaler) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *recordingSignaler) count(typ signaling.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, env := range s.sent {
		if env.Type == typ {
			n++
		}
	}
	return n
}

func (s *recordingSignaler) ofType(typ signaling.Type) []signaling.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signaling.Envelope
	for _, env := range s.sent {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type testPeer struct {
	id       signaling.PeerID
	ctrl     *Controller
	sig      *recordingSignaler
	media    *media.Manager
	provider *mediatest.Provider
	metrics  *metrics.Metrics
}

func newTestPeer(t *testing.T, n *testNetwork, id signaling.PeerID) *testPeer {
	t.Helper()
	provider := &mediatest.Provider{}
	mgr := media.NewManager(provider, discardLogger())
	if _, err := mgr.Acquire(context.Background(), media.Constraints{}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	sig := &recordingSignaler{}
	m := metrics.New()
	ctrl := NewController(ControllerConfig{
		Self:     id,
		API:      n.api(),
		Signaler: sig,
		Media:    mgr,
		Logger:   discardLogger(),
		Metrics:  m,
	})
	t.Cleanup(func() {
		ctrl.Close()
		mgr.Release()
	})
	return &testPeer{id: id, ctrl: ctrl, sig: sig, media: mgr, provider: provider, metrics: m}
}

// link routes each peer's addressed envelopes to the other, the way the
// relay would.
func link(a, b *testPeer) {
	a.sig.route(b.id, b.ctrl)
	b.sig.route(a.id, a.ctrl)
}

// connectPair links a and b and lets a call b, as if a joined a room where b
// already was.
func connectPair(t *testing.T, a, b *testPeer) {
	t.Helper()
	link(a, b)
	b.ctrl.Handle(signaling.NewPeer(a.id))
	a.ctrl.Handle(signaling.Peers([]signaling.PeerID{b.id}))
	waitConnected(t, a, b.id)
	waitConnected(t, b, a.id)
}

func waitConnected(t *testing.T, p *testPeer, remote signaling.PeerID) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%s connected to %s", p.id, remote), func() bool {
		info, ok := p.ctrl.Registry().Lookup(remote)
		return ok && info.State == StateConnected
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// syncLoop waits until everything posted to c so far has run.
func syncLoop(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.do(func() error { return nil }); err != nil {
		t.Fatalf("controller loop: %v", err)
	}
}

// senderTrack returns the local track on the sender of kind for remote.
func senderTrack(t *testing.T, p *testPeer, remote signaling.PeerID, kind webrtc.RTPCodecType) webrtc.TrackLocal {
	t.Helper()
	rp := p.ctrl.registry.get(remote)
	if rp == nil {
		t.Fatalf("%s has no connection to %s", p.id, remote)
	}
	for _, tr := range rp.pc.GetTransceivers() {
		if tr.Kind() == kind && tr.Sender() != nil {
			return tr.Sender().Track()
		}
	}
	t.Fatalf("%s has no %s sender towards %s", p.id, kind, remote)
	return nil
}

func newTestPeerConnection(n *testNetwork) (*webrtc.PeerConnection, error) {
	return webrtcpeer.NewPeerConnection(n.api(), nil)
}

// remoteOffer builds an offer from a standalone connection that sends audio
// and video, as a browser joining the room would.
func remoteOffer(t *testing.T, n *testNetwork) (*webrtc.PeerConnection, webrtc.SessionDescription) {
	t.Helper()
	pc, err := newTestPeerConnection(n)
	if err != nil {
		t.Fatalf("new pc: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	for _, codec := range []webrtc.RTPCodecCapability{media.Opus, media.VideoVP8} {
		track, err := media.NewTrack(codec, "remote-stream", "remote", nil)
		if err != nil {
			t.Fatalf("new track: %v", err)
		}
		if _, err := pc.AddTrack(track); err != nil {
			t.Fatalf("add track: %v", err)
		}
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local offer: %v", err)
	}
	return pc, offer
}
