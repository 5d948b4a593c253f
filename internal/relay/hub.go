package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

var (
	ErrRoomFull       = errors.New("relay: room full")
	ErrAlreadyJoined  = errors.New("relay: connection already joined")
	ErrPeerIDTaken    = errors.New("relay: peer id already in room")
	ErrNotJoined      = errors.New("relay: connection has not joined")
	ErrUnknownPeer    = errors.New("relay: recipient not in room")
	ErrMissingAddress = errors.New("relay: message has no recipient")
)

// member is one signaling connection's room membership.
type member struct {
	connID string
	queue  *sendQueue

	// Guarded by Hub.mu.
	room   signaling.RoomID
	id     signaling.PeerID
	joined bool
	left   bool
}

func newMember(connID string, queueBytes int) *member {
	return &member{connID: connID, queue: newSendQueue(queueBytes)}
}

// Hub tracks room membership and routes envelopes between members.
type Hub struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	maxPeers int

	mu    sync.Mutex
	rooms map[signaling.RoomID]map[signaling.PeerID]*member
}

// NewHub creates an empty hub. maxPeersPerRoom <= 0 means unlimited.
func NewHub(maxPeersPerRoom int, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:      logger,
		metrics:  m,
		maxPeers: maxPeersPerRoom,
		rooms:    make(map[signaling.RoomID]map[signaling.PeerID]*member),
	}
}

// join adds m to room as id. The joiner receives the roster of existing
// members; each existing member receives new-peer.
func (h *Hub) join(m *member, room signaling.RoomID, id signaling.PeerID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if m.joined || m.left {
		return ErrAlreadyJoined
	}
	members := h.rooms[room]
	if _, ok := members[id]; ok {
		return ErrPeerIDTaken
	}
	if h.maxPeers > 0 && len(members) >= h.maxPeers {
		h.metrics.Inc(metrics.RelayRoomFull)
		return ErrRoomFull
	}
	if members == nil {
		members = make(map[signaling.PeerID]*member)
		h.rooms[room] = members
	}

	roster := make([]signaling.PeerID, 0, len(members))
	for other := range members {
		roster = append(roster, other)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i] < roster[j] })

	m.room, m.id, m.joined = room, id, true
	members[id] = m

	h.deliverLocked(m, signaling.Peers(roster))
	announce := signaling.NewPeer(id)
	for _, other := range roster {
		h.deliverLocked(members[other], announce)
	}
	h.log.Info("peer joined", "room", string(room), "peer", string(id), "conn_id", m.connID, "members", len(members))
	return nil
}

// leave removes m from its room and tells the remaining members. It is safe
// to call for members that never joined or already left.
func (h *Hub) leave(m *member) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !m.joined {
		m.left = true
		return
	}
	m.joined, m.left = false, true
	members := h.rooms[m.room]
	if members[m.id] == m {
		delete(members, m.id)
	}
	bye := signaling.Leave(m.id)
	for _, other := range members {
		h.deliverLocked(other, bye)
	}
	if len(members) == 0 {
		delete(h.rooms, m.room)
	}
	h.log.Info("peer left", "room", string(m.room), "peer", string(m.id), "conn_id", m.connID, "members", len(members))
}

// route forwards an offer/answer/ice envelope to its recipient in the
// sender's room, stamping the sender's registered id as from.
func (h *Hub) route(from *member, env signaling.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !from.joined {
		return ErrNotJoined
	}
	if env.To == "" {
		return ErrMissingAddress
	}
	to, ok := h.rooms[from.room][env.To]
	if !ok {
		return ErrUnknownPeer
	}
	env.From = from.id
	if h.deliverLocked(to, env) {
		h.metrics.Inc(metrics.RelayMessagesRouted)
	}
	return nil
}

func (h *Hub) deliverLocked(m *member, env signaling.Envelope) bool {
	b, err := json.Marshal(env)
	if err != nil {
		h.log.Error("failed to encode envelope", "type", env.Type, "err", err)
		return false
	}
	if !m.queue.Enqueue(b) {
		h.metrics.Inc(metrics.RelayMessagesDropped)
		h.log.Warn("dropping envelope for slow member", "type", env.Type, "conn_id", m.connID, "dropped_total", m.queue.DropCount())
		return false
	}
	return true
}

// Members returns the ids in room, sorted.
func (h *Hub) Members(room signaling.RoomID) []signaling.PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]signaling.PeerID, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Rooms returns the number of non-empty rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
