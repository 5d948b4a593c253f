package relay

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

func newTestHub(maxPeers int, m *metrics.Metrics) *Hub {
	return NewHub(maxPeers, slog.New(slog.NewTextHandler(io.Discard, nil)), m)
}

// queued pops everything waiting for m without blocking.
func queued(t *testing.T, m *member) []signaling.Envelope {
	t.Helper()
	m.queue.mu.Lock()
	frames := m.queue.frames
	m.queue.frames = nil
	m.queue.curBytes = 0
	m.queue.mu.Unlock()

	out := make([]signaling.Envelope, 0, len(frames))
	for _, f := range frames {
		env, err := signaling.Parse(f)
		if err != nil {
			t.Fatalf("queued frame %q: %v", f, err)
		}
		out = append(out, env)
	}
	return out
}

func TestHub_JoinSendsRosterOnceAndAnnounces(t *testing.T) {
	h := newTestHub(0, nil)
	a := newMember("conn-a", 1<<16)
	b := newMember("conn-b", 1<<16)

	if err := h.join(a, "demo", "A"); err != nil {
		t.Fatalf("join A: %v", err)
	}
	got := queued(t, a)
	if len(got) != 1 || got[0].Type != signaling.TypePeers || len(got[0].Peers) != 0 {
		t.Fatalf("A got %+v, want one empty peers roster", got)
	}

	if err := h.join(b, "demo", "B"); err != nil {
		t.Fatalf("join B: %v", err)
	}
	got = queued(t, b)
	if len(got) != 1 || got[0].Type != signaling.TypePeers || len(got[0].Peers) != 1 || got[0].Peers[0] != "A" {
		t.Fatalf("B got %+v, want peers [A]", got)
	}
	got = queued(t, a)
	if len(got) != 1 || got[0].Type != signaling.TypeNewPeer || got[0].PeerID != "B" {
		t.Fatalf("A got %+v, want new-peer B", got)
	}

	if err := h.join(b, "demo", "B2"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("rejoin err=%v, want %v", err, ErrAlreadyJoined)
	}
	if got := h.Members("demo"); len(got) != 2 {
		t.Fatalf("members=%v, want [A B]", got)
	}
}

func TestHub_JoinRejectsDuplicateIDAndFullRoom(t *testing.T) {
	m := metrics.New()
	h := newTestHub(2, m)
	for i, id := range []signaling.PeerID{"A", "B"} {
		if err := h.join(newMember("conn", 1<<16), "demo", id); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}
	if err := h.join(newMember("conn", 1<<16), "demo", "A"); !errors.Is(err, ErrPeerIDTaken) {
		t.Fatalf("duplicate err=%v, want %v", err, ErrPeerIDTaken)
	}
	if err := h.join(newMember("conn", 1<<16), "demo", "C"); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("full err=%v, want %v", err, ErrRoomFull)
	}
	if got := m.Get(metrics.RelayRoomFull); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.RelayRoomFull, got)
	}
	if err := h.join(newMember("conn", 1<<16), "other", "C"); err != nil {
		t.Fatalf("join other room: %v", err)
	}
}

func TestHub_RouteStampsSenderAndStaysInRoom(t *testing.T) {
	h := newTestHub(0, nil)
	a := newMember("a", 1<<16)
	b := newMember("b", 1<<16)
	x := newMember("x", 1<<16)
	_ = h.join(a, "demo", "A")
	_ = h.join(b, "demo", "B")
	_ = h.join(x, "elsewhere", "X")
	queued(t, a)
	queued(t, b)
	queued(t, x)

	env := signaling.Envelope{
		Type:      signaling.TypeICE,
		From:      "spoofed",
		To:        "B",
		Candidate: &signaling.Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"},
	}
	if err := h.route(a, env); err != nil {
		t.Fatalf("route: %v", err)
	}
	got := queued(t, b)
	if len(got) != 1 || got[0].From != "A" || got[0].To != "B" {
		t.Fatalf("B got %+v, want ice from A", got)
	}
	if len(queued(t, a)) != 0 {
		t.Fatalf("sender received its own message")
	}

	env.To = "X"
	if err := h.route(a, env); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("cross-room err=%v, want %v", err, ErrUnknownPeer)
	}
	env.To = ""
	if err := h.route(a, env); !errors.Is(err, ErrMissingAddress) {
		t.Fatalf("no recipient err=%v, want %v", err, ErrMissingAddress)
	}
	if err := h.route(newMember("n", 1<<16), signaling.Envelope{Type: signaling.TypeICE, To: "A"}); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("unjoined err=%v, want %v", err, ErrNotJoined)
	}
	if len(queued(t, x)) != 0 {
		t.Fatalf("other room received a routed message")
	}
}

func TestHub_LeaveBroadcastsAndDeletesEmptyRoom(t *testing.T) {
	h := newTestHub(0, nil)
	a := newMember("a", 1<<16)
	b := newMember("b", 1<<16)
	_ = h.join(a, "demo", "A")
	_ = h.join(b, "demo", "B")
	queued(t, a)
	queued(t, b)

	h.leave(a)
	h.leave(a)
	got := queued(t, b)
	if len(got) != 1 || got[0].Type != signaling.TypeLeave || got[0].PeerID != "A" {
		t.Fatalf("B got %+v, want one leave A", got)
	}
	if err := h.join(a, "demo", "A"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("join after leave err=%v, want %v", err, ErrAlreadyJoined)
	}

	h.leave(b)
	if h.Rooms() != 0 {
		t.Fatalf("rooms=%d, want 0 after everyone left", h.Rooms())
	}
}

func TestSendQueue_DropsBeyondBudget(t *testing.T) {
	q := newSendQueue(10)
	if !q.Enqueue(make([]byte, 6)) {
		t.Fatalf("first enqueue rejected")
	}
	if q.Enqueue(make([]byte, 6)) {
		t.Fatalf("enqueue beyond budget accepted")
	}
	if q.DropCount() != 1 {
		t.Fatalf("drops=%d, want 1", q.DropCount())
	}
	frame, ok := q.Dequeue()
	if !ok || len(frame) != 6 {
		t.Fatalf("Dequeue=(%d bytes, %v), want 6 bytes", len(frame), ok)
	}
	q.Close()
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("Dequeue after Close returned a frame")
	}
	if q.Enqueue([]byte("x")) {
		t.Fatalf("enqueue after Close accepted")
	}
}
