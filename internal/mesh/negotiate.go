package mesh

import (
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

// remoteReadBufferBytes fits one RTP packet at the default pion MTU.
const remoteReadBufferBytes = 1500

func (c *Controller) handle(env signaling.Envelope) {
	if env.To != "" && env.To != c.cfg.Self {
		c.ignore(env, "addressed to another peer")
		return
	}
	if env.From != "" && env.From == c.cfg.Self {
		c.ignore(env, "sent by self")
		return
	}

	switch env.Type {
	case signaling.TypePeers:
		c.handleRoster(env.Peers)
	case signaling.TypeNewPeer:
		// The newcomer offers to everyone in its roster.
		c.log.Debug("peer joined the room", "peer", string(env.PeerID))
	case signaling.TypeOffer:
		if env.SDP == nil {
			c.ignore(env, "missing sdp")
			return
		}
		c.handleOffer(env.From, *env.SDP)
	case signaling.TypeAnswer:
		if env.SDP == nil {
			c.ignore(env, "missing sdp")
			return
		}
		c.handleAnswer(env.From, *env.SDP)
	case signaling.TypeICE:
		if env.Candidate == nil {
			c.ignore(env, "missing candidate")
			return
		}
		c.handleCandidate(env.From, env.Candidate.ToPion())
	case signaling.TypeLeave:
		if p := c.registry.get(env.PeerID); p != nil {
			c.removePeer(p, "left")
		}
	default:
		c.ignore(env, "unexpected message type")
	}
}

func (c *Controller) ignore(env signaling.Envelope, reason string) {
	c.metrics.Inc(metrics.MessagesIgnored)
	c.log.Debug("ignoring signaling message", "type", env.Type, "from", string(env.From), "reason", reason)
}

// handleRoster calls every listed peer we have no connection with yet.
func (c *Controller) handleRoster(ids []signaling.PeerID) {
	for _, id := range ids {
		if id == c.cfg.Self || c.registry.get(id) != nil {
			continue
		}
		c.call(id)
	}
}

func (c *Controller) call(id signaling.PeerID) {
	p, err := c.newPeer(id, StateOffering)
	if err != nil {
		c.metrics.Inc(metrics.NegotiationFailed)
		c.log.Warn("failed to create peer connection", "peer", string(id), "err", err)
		return
	}
	if err := ensureReceive(p.pc); err != nil {
		c.failPeer(p, "add transceivers", err)
		return
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		c.failPeer(p, "create offer", err)
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		c.failPeer(p, "set local offer", err)
		return
	}
	if c.registry.get(id) != p {
		return
	}
	c.send(signaling.Offer(c.cfg.Self, id, offer))
	c.metrics.Inc(metrics.OffersSent)
}

func (c *Controller) handleOffer(from signaling.PeerID, desc signaling.SessionDescription) {
	offer, err := desc.ToPion()
	if err != nil {
		c.metrics.Inc(metrics.MessagesIgnored)
		c.log.Debug("dropping offer", "peer", string(from), "err", err)
		return
	}

	p := c.registry.get(from)
	if p == nil {
		if p, err = c.newPeer(from, StateAnswering); err != nil {
			c.metrics.Inc(metrics.NegotiationFailed)
			c.log.Warn("failed to create peer connection", "peer", string(from), "err", err)
			return
		}
	} else if p.state != StateAnswering || p.pc.RemoteDescription() != nil {
		c.metrics.Inc(metrics.MessagesIgnored)
		c.log.Warn("dropping offer that cannot be applied",
			"peer", string(from),
			"state", p.state.String(),
			"signaling_state", p.pc.SignalingState().String(),
		)
		return
	}

	if err := p.pc.SetRemoteDescription(offer); err != nil {
		c.failPeer(p, "set remote offer", err)
		return
	}
	c.flushCandidates(p)

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		c.failPeer(p, "create answer", err)
		return
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		c.failPeer(p, "set local answer", err)
		return
	}
	c.send(signaling.Answer(c.cfg.Self, from, answer))
	c.metrics.Inc(metrics.AnswersSent)
}

func (c *Controller) handleAnswer(from signaling.PeerID, desc signaling.SessionDescription) {
	answer, err := desc.ToPion()
	if err != nil {
		c.metrics.Inc(metrics.MessagesIgnored)
		c.log.Debug("dropping answer", "peer", string(from), "err", err)
		return
	}
	p := c.registry.get(from)
	if p == nil || p.state != StateOffering || p.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		c.metrics.Inc(metrics.MessagesIgnored)
		c.log.Debug("dropping unexpected answer", "peer", string(from))
		return
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		c.failPeer(p, "set remote answer", err)
		return
	}
	c.flushCandidates(p)
}

func (c *Controller) handleCandidate(from signaling.PeerID, init webrtc.ICECandidateInit) {
	p := c.registry.get(from)
	if p == nil {
		c.metrics.Inc(metrics.MessagesIgnored)
		c.log.Debug("dropping candidate for unknown peer", "peer", string(from))
		return
	}
	if p.pc.RemoteDescription() == nil {
		c.registry.update(p, func(p *remotePeer) { p.pending = append(p.pending, init) })
		c.metrics.Inc(metrics.CandidatesQueued)
		return
	}
	c.addCandidate(p, init)
}

func (c *Controller) flushCandidates(p *remotePeer) {
	var pending []webrtc.ICECandidateInit
	c.registry.update(p, func(p *remotePeer) {
		pending = p.pending
		p.pending = nil
	})
	for _, init := range pending {
		c.addCandidate(p, init)
	}
}

func (c *Controller) addCandidate(p *remotePeer, init webrtc.ICECandidateInit) {
	if err := p.pc.AddICECandidate(init); err != nil {
		c.metrics.Inc(metrics.CandidatesRejected)
		c.log.Warn("failed to add remote candidate", "peer", string(p.id), "err", err)
		return
	}
	c.metrics.Inc(metrics.CandidatesApplied)
}

func (c *Controller) onRemoteTrack(p *remotePeer, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if c.registry.get(p.id) != p {
		return
	}
	c.registry.update(p, func(p *remotePeer) {
		if p.remote == nil || p.remote.ID != track.StreamID() {
			p.remote = &RemoteStream{ID: track.StreamID()}
		}
		p.remote.Tracks = append(p.remote.Tracks, track)
	})
	c.metrics.Inc(metrics.RemoteTracksReceived)
	c.log.Info("remote track received",
		"peer", string(p.id),
		"kind", track.Kind().String(),
		"codec", track.Codec().MimeType,
		"stream", track.StreamID(),
	)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		// Ask for a keyframe so rendering starts without waiting for the
		// sender's next scheduled one.
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
		if err := p.pc.WriteRTCP(pli); err != nil {
			c.log.Debug("failed to send picture loss indication", "peer", string(p.id), "err", err)
		}
	}

	if sink := c.cfg.OnRemoteTrack; sink != nil {
		go sink(p.id, track, receiver)
		return
	}
	go drainRemoteTrack(track)
}

func drainRemoteTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, remoteReadBufferBytes)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
