package metrics

import "sync"

// Event names shared by the peer and the relay. Counters are created lazily,
// so only events that actually happened show up in a Snapshot.
const (
	// Signaling client.
	SignalingMessagesSent      = "signaling_messages_sent"
	SignalingMessagesReceived  = "signaling_messages_received"
	SignalingMessagesMalformed = "signaling_messages_malformed"
	SignalingSendFailed        = "signaling_send_failed"

	// Negotiation.
	OffersSent              = "offers_sent"
	AnswersSent             = "answers_sent"
	CandidatesSent          = "ice_candidates_sent"
	CandidatesQueued        = "ice_candidates_queued"
	CandidatesApplied       = "ice_candidates_applied"
	CandidatesRejected      = "ice_candidates_rejected"
	MessagesIgnored         = "signaling_messages_ignored"
	NegotiationFailed       = "negotiation_failed"
	PeerConnectionsCreated  = "peer_connections_created"
	PeerConnectionsClosed   = "peer_connections_closed"
	PeerConnectionsFailed   = "peer_connections_failed"
	RemoteTracksReceived    = "remote_tracks_received"
	LocalTrackReplaceFailed = "local_track_replace_failed"
	BitratePolicyFailed     = "bitrate_policy_failed"

	// Media.
	MediaSamplesWritten = "media_samples_written"
	MediaSamplesMuted   = "media_samples_muted"
	MediaSamplesCapped  = "media_samples_capped"

	// Relay.
	RelayConnectionsAccepted = "relay_connections_accepted"
	RelayMessagesRouted      = "relay_messages_routed"
	RelayMessagesDropped     = "relay_messages_dropped"
	RelayRateLimited         = "relay_rate_limited"
	RelayRoomFull            = "relay_room_full"
	RelayOriginRejected      = "relay_origin_rejected"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a no-op on a nil receiver so components can run without metrics.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
