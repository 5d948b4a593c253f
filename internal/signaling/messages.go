package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// ErrMalformed wraps every envelope parse/validation failure.
var ErrMalformed = errors.New("signaling: malformed envelope")

type RoomID string

type PeerID string

type Type string

const (
	TypeJoin    Type = "join"
	TypePeers   Type = "peers"
	TypeNewPeer Type = "new-peer"
	TypeOffer   Type = "offer"
	TypeAnswer  Type = "answer"
	TypeICE     Type = "ice"
	TypeLeave   Type = "leave"
)

// SessionDescription is the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SessionDescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the browser RTCIceCandidateInit shape. An empty Candidate
// string is the end-of-candidates marker.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is one signaling message. Which fields are meaningful depends on
// Type:
//
//	join      Room, PeerID
//	peers     Peers
//	new-peer  PeerID
//	offer     From, To, SDP
//	answer    From, To, SDP
//	ice       From, To, Candidate
//	leave     PeerID
//
// To is optional; when present it names the intended recipient.
type Envelope struct {
	Type Type

	Room      RoomID
	PeerID    PeerID
	Peers     []PeerID
	From      PeerID
	To        PeerID
	SDP       *SessionDescription
	Candidate *Candidate
}

func Join(room RoomID, id PeerID) Envelope {
	return Envelope{Type: TypeJoin, Room: room, PeerID: id}
}

func Peers(ids []PeerID) Envelope {
	if ids == nil {
		ids = []PeerID{}
	}
	return Envelope{Type: TypePeers, Peers: ids}
}

func NewPeer(id PeerID) Envelope {
	return Envelope{Type: TypeNewPeer, PeerID: id}
}

func Offer(from, to PeerID, desc webrtc.SessionDescription) Envelope {
	s := SessionDescriptionFromPion(desc)
	return Envelope{Type: TypeOffer, From: from, To: to, SDP: &s}
}

func Answer(from, to PeerID, desc webrtc.SessionDescription) Envelope {
	s := SessionDescriptionFromPion(desc)
	return Envelope{Type: TypeAnswer, From: from, To: to, SDP: &s}
}

func ICE(from, to PeerID, init webrtc.ICECandidateInit) Envelope {
	c := CandidateFromPion(init)
	return Envelope{Type: TypeICE, From: from, To: to, Candidate: &c}
}

func Leave(id PeerID) Envelope {
	return Envelope{Type: TypeLeave, PeerID: id}
}

type wireEnvelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wirePayload struct {
	Room      RoomID              `json:"room,omitempty"`
	PeerID    PeerID              `json:"peerId,omitempty"`
	Peers     *[]PeerID           `json:"peers,omitempty"`
	From      PeerID              `json:"from,omitempty"`
	To        PeerID              `json:"to,omitempty"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	p := wirePayload{
		Room:      e.Room,
		PeerID:    e.PeerID,
		From:      e.From,
		To:        e.To,
		SDP:       e.SDP,
		Candidate: e.Candidate,
	}
	if e.Type == TypePeers {
		peers := e.Peers
		if peers == nil {
			peers = []PeerID{}
		}
		p.Peers = &peers
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{Type: e.Type, Payload: payload})
}

// Parse decodes and validates one text frame. Errors wrap ErrMalformed.
func Parse(data []byte) (Envelope, error) {
	env, err := parse(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

func parse(data []byte) (Envelope, error) {
	// Unknown fields are ignored in the envelope and in payloads.
	dec := json.NewDecoder(bytes.NewReader(data))

	var w wireEnvelope
	if err := dec.Decode(&w); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if len(w.Payload) == 0 || bytes.Equal(w.Payload, []byte("null")) {
		return Envelope{}, fmt.Errorf("%s message missing payload", w.Type)
	}

	var p wirePayload
	if err := json.Unmarshal(w.Payload, &p); err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		Type:      w.Type,
		Room:      p.Room,
		PeerID:    p.PeerID,
		From:      p.From,
		To:        p.To,
		SDP:       p.SDP,
		Candidate: p.Candidate,
	}
	if p.Peers != nil {
		env.Peers = *p.Peers
	}
	if err := env.validate(p.Peers != nil); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) validate(hasPeers bool) error {
	switch e.Type {
	case TypeJoin:
		if e.Room == "" || e.PeerID == "" {
			return fmt.Errorf("join message missing room/peerId")
		}
	case TypePeers:
		if !hasPeers {
			return fmt.Errorf("peers message missing peers")
		}
		for i, id := range e.Peers {
			if id == "" {
				return fmt.Errorf("peers[%d] is empty", i)
			}
		}
	case TypeNewPeer, TypeLeave:
		if e.PeerID == "" {
			return fmt.Errorf("%s message missing peerId", e.Type)
		}
	case TypeOffer, TypeAnswer:
		if e.From == "" {
			return fmt.Errorf("%s message missing from", e.Type)
		}
		if e.SDP == nil {
			return fmt.Errorf("%s message missing sdp", e.Type)
		}
		if e.SDP.Type != string(e.Type) {
			return fmt.Errorf("%s message has sdp.type=%q", e.Type, e.SDP.Type)
		}
		if err := validateSDP(e.SDP.SDP); err != nil {
			return fmt.Errorf("%s message: %w", e.Type, err)
		}
	case TypeICE:
		if e.From == "" {
			return fmt.Errorf("ice message missing from")
		}
		if e.Candidate == nil {
			return fmt.Errorf("ice message missing candidate")
		}
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	return nil
}

func validateSDP(raw string) error {
	if raw == "" {
		return fmt.Errorf("empty sdp")
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("invalid sdp: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return fmt.Errorf("sdp has no media sections")
	}
	return nil
}
