package mesh

import (
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

// NegotiationState tracks one edge of the mesh from first contact to
// teardown.
type NegotiationState int

const (
	StateUnknown NegotiationState = iota
	// StateOffering: we created the edge and sent the offer.
	StateOffering
	// StateAnswering: the remote peer offered and we answer.
	StateAnswering
	// StateConnected: the transport reported connected.
	StateConnected
	// StateTerminated: torn down; the entry is no longer in the registry.
	StateTerminated
)

func (s NegotiationState) String() string {
	switch s {
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// RemoteStream collects the tracks received from one peer. It is replaced
// wholesale when a track arrives with a different stream id.
type RemoteStream struct {
	ID     string
	Tracks []*webrtc.TrackRemote
}

type remotePeer struct {
	id        signaling.PeerID
	pc        *webrtc.PeerConnection
	remote    *RemoteStream
	state     NegotiationState
	connState webrtc.PeerConnectionState
	pending   []webrtc.ICECandidateInit
}

func (p *remotePeer) info() PeerInfo {
	info := PeerInfo{
		ID:                p.id,
		State:             p.state,
		ConnectionState:   p.connState,
		PendingCandidates: len(p.pending),
	}
	if p.remote != nil {
		info.RemoteStreamID = p.remote.ID
		for _, t := range p.remote.Tracks {
			switch t.Kind() {
			case webrtc.RTPCodecTypeAudio:
				info.RemoteAudio = true
			case webrtc.RTPCodecTypeVideo:
				info.RemoteVideo = true
			}
		}
	}
	return info
}

// PeerInfo is a read-only copy of one registry entry.
type PeerInfo struct {
	ID                signaling.PeerID
	State             NegotiationState
	ConnectionState   webrtc.PeerConnectionState
	RemoteStreamID    string
	RemoteAudio       bool
	RemoteVideo       bool
	PendingCandidates int
}

type RegistryEventKind int

const (
	PeerInserted RegistryEventKind = iota + 1
	PeerUpdated
	PeerRemoved
)

func (k RegistryEventKind) String() string {
	switch k {
	case PeerInserted:
		return "inserted"
	case PeerUpdated:
		return "updated"
	case PeerRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type RegistryEvent struct {
	Kind RegistryEventKind
	Peer PeerInfo
}

// Registry maps remote peer ids to their connections. Only the controller
// goroutine mutates it; anyone may read snapshots or subscribe.
type Registry struct {
	mu    sync.RWMutex
	peers map[signaling.PeerID]*remotePeer

	subMu   sync.Mutex
	subs    map[int]func(RegistryEvent)
	nextSub int
}

func newRegistry() *Registry {
	return &Registry{
		peers: make(map[signaling.PeerID]*remotePeer),
		subs:  make(map[int]func(RegistryEvent)),
	}
}

// Snapshot returns every entry sorted by peer id.
func (r *Registry) Snapshot() []PeerInfo {
	r.mu.RLock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Lookup returns a copy of one entry.
func (r *Registry) Lookup(id signaling.PeerID) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return p.info(), true
}

// Subscribe registers fn for every insert, update and removal. fn runs on the
// controller goroutine and must not block or call back into the session
// synchronously.
func (r *Registry) Subscribe(fn func(RegistryEvent)) (unsubscribe func()) {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
		})
	}
}

func (r *Registry) get(id signaling.PeerID) *remotePeer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[id]
}

// all returns the live entries sorted by id.
func (r *Registry) all() []*remotePeer {
	r.mu.RLock()
	out := make([]*remotePeer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Registry) insert(p *remotePeer) {
	r.mu.Lock()
	r.peers[p.id] = p
	info := p.info()
	r.mu.Unlock()
	r.emit(RegistryEvent{Kind: PeerInserted, Peer: info})
}

// update applies fn to the entry under the write lock and notifies
// subscribers. It is a no-op for an entry that is no longer registered.
func (r *Registry) update(p *remotePeer, fn func(*remotePeer)) {
	r.mu.Lock()
	if r.peers[p.id] != p {
		r.mu.Unlock()
		return
	}
	fn(p)
	info := p.info()
	r.mu.Unlock()
	r.emit(RegistryEvent{Kind: PeerUpdated, Peer: info})
}

func (r *Registry) remove(p *remotePeer) bool {
	r.mu.Lock()
	if r.peers[p.id] != p {
		r.mu.Unlock()
		return false
	}
	delete(r.peers, p.id)
	p.state = StateTerminated
	info := p.info()
	r.mu.Unlock()
	r.emit(RegistryEvent{Kind: PeerRemoved, Peer: info})
	return true
}

func (r *Registry) emit(ev RegistryEvent) {
	r.subMu.Lock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(RegistryEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.subs[id])
	}
	r.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
