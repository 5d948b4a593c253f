package mesh

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

var (
	ErrClosed    = errors.New("mesh: session closed")
	ErrNotJoined = errors.New("mesh: not joined")
)

// Signaler delivers envelopes to the relay. *signaling.Client implements it.
type Signaler interface {
	Send(signaling.Envelope) error
}

// RemoteTrackSink receives every remote track as it arrives. It runs on its
// own goroutine and should read the track until it returns an error.
type RemoteTrackSink func(peer signaling.PeerID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

type ControllerConfig struct {
	Self       signaling.PeerID
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Signaler   Signaler
	Media      *media.Manager

	// OnRemoteTrack defaults to discarding the media.
	OnRemoteTrack RemoteTrackSink

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Controller drives every PeerConnection of a session from one goroutine.
type Controller struct {
	cfg      ControllerConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
	registry *Registry

	mb        *mailbox
	closeOnce sync.Once
	stopping  bool
	done      chan struct{}
}

func NewController(cfg ControllerConfig) *Controller {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		cfg:      cfg,
		log:      log.With("component", "mesh", "self", string(cfg.Self)),
		metrics:  cfg.Metrics,
		registry: newRegistry(),
		mb:       newMailbox(),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Controller) Registry() *Registry { return c.registry }

// Done is closed once the controller has torn down every connection.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Handle queues one inbound envelope. Envelopes normally come from
// signaling.Client, which validates them; an offer or answer without SDP
// or an ice message without a candidate is counted as ignored and dropped.
func (c *Controller) Handle(env signaling.Envelope) {
	c.mb.post(func() { c.handle(env) })
}

// Close tears down every connection and stops the loop. It is safe to call
// more than once; it must not be called from a registry subscriber.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mb.post(func() {
			for _, p := range c.registry.all() {
				c.removePeer(p, "local leave")
			}
			c.stopping = true
		})
	})
	<-c.done
}

func (c *Controller) run() {
	defer close(c.done)
	for range c.mb.signal {
		for _, fn := range c.mb.take() {
			fn()
			if c.stopping {
				c.mb.close()
				return
			}
		}
	}
}

// do runs fn on the controller goroutine and waits for its result.
func (c *Controller) do(fn func() error) error {
	result := make(chan error, 1)
	if !c.mb.post(func() { result <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-c.done:
		// The loop may have run fn right before stopping.
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

func (c *Controller) send(env signaling.Envelope) {
	if err := c.cfg.Signaler.Send(env); err != nil {
		c.log.Warn("failed to send signaling message", "type", env.Type, "to", string(env.To), "err", err)
	}
}

// newPeer creates and registers the connection for id with the current
// local media attached.
func (c *Controller) newPeer(id signaling.PeerID, state NegotiationState) (*remotePeer, error) {
	pc, err := webrtcpeer.NewPeerConnection(c.cfg.API, c.cfg.ICEServers)
	if err != nil {
		return nil, err
	}
	p := &remotePeer{
		id:        id,
		pc:        pc,
		remote:    &RemoteStream{},
		state:     state,
		connState: webrtc.PeerConnectionStateNew,
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.mb.post(func() { c.onLocalCandidate(p, init) })
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.mb.post(func() { c.onConnectionState(p, s) })
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.mb.post(func() { c.onRemoteTrack(p, track, receiver) })
	})

	if err := AttachLocalTracks(pc, c.cfg.Media.State()); err != nil {
		_ = pc.Close()
		return nil, err
	}
	c.applyBitratePolicy(p)

	c.registry.insert(p)
	c.metrics.Inc(metrics.PeerConnectionsCreated)
	c.log.Info("peer connection created", "peer", string(id), "state", state.String())
	return p, nil
}

// removePeer tears down one edge. Remote tracks end when the connection
// closes.
func (c *Controller) removePeer(p *remotePeer, reason string) {
	if !c.registry.remove(p) {
		return
	}
	if err := p.pc.Close(); err != nil {
		c.log.Debug("close peer connection", "peer", string(p.id), "err", err)
	}
	c.metrics.Inc(metrics.PeerConnectionsClosed)
	c.log.Info("peer connection closed", "peer", string(p.id), "reason", reason)
}

func (c *Controller) failPeer(p *remotePeer, step string, err error) {
	c.metrics.Inc(metrics.NegotiationFailed)
	c.log.Warn("negotiation failed", "peer", string(p.id), "step", step, "err", err)
	c.removePeer(p, "negotiation failed")
}

func (c *Controller) onLocalCandidate(p *remotePeer, init webrtc.ICECandidateInit) {
	if c.registry.get(p.id) != p {
		return
	}
	c.send(signaling.ICE(c.cfg.Self, p.id, init))
	c.metrics.Inc(metrics.CandidatesSent)
}

// applyBitratePolicy caps p's senders. It runs once the tracks are attached
// and again on connect, after any track replacement in between.
func (c *Controller) applyBitratePolicy(p *remotePeer) {
	if err := ApplyBitratePolicy(p.pc); err != nil {
		c.metrics.Inc(metrics.BitratePolicyFailed)
		c.log.Warn("bitrate policy not applied", "peer", string(p.id), "err", err)
	}
}

func (c *Controller) onConnectionState(p *remotePeer, s webrtc.PeerConnectionState) {
	if c.registry.get(p.id) != p {
		return
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		c.registry.update(p, func(p *remotePeer) {
			p.connState = s
			p.state = StateConnected
		})
		c.log.Info("peer connected", "peer", string(p.id))
		c.applyBitratePolicy(p)
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		c.metrics.Inc(metrics.PeerConnectionsFailed)
		c.removePeer(p, s.String())
	case webrtc.PeerConnectionStateClosed:
		c.removePeer(p, s.String())
	default:
		c.registry.update(p, func(p *remotePeer) { p.connState = s })
	}
}
