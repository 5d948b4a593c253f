package mesh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media/mediatest"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

func startTestRelay(t *testing.T) (*relay.Server, string) {
	t.Helper()
	hub := relay.NewHub(0, discardLogger(), nil)
	rs := relay.NewServer(relay.ServerConfig{}, hub, discardLogger(), nil)
	srv := httptest.NewServer(rs)
	t.Cleanup(srv.Close)
	t.Cleanup(rs.Close)
	return rs, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func joinTestSession(t *testing.T, n *testNetwork, url string, provider *mediatest.Provider) *Session {
	t.Helper()
	return joinTestSessionWithLogger(t, n, url, provider, discardLogger())
}

func joinTestSessionWithLogger(t *testing.T, n *testNetwork, url string, provider *mediatest.Provider, logger *slog.Logger) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Join(ctx, SessionConfig{
		Room:      "demo",
		SignalURL: url,
		API:       n.api(),
		Provider:  provider,
		Logger:    logger,
		Metrics:   metrics.New(),
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	t.Cleanup(func() { _ = s.Leave() })
	return s
}

func waitSessionConnected(t *testing.T, s *Session, remote signaling.PeerID) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%s connected to %s", s.ID(), remote), func() bool {
		snap := s.Registry().Snapshot()
		return len(snap) == 1 && snap[0].ID == remote && snap[0].State == StateConnected
	})
}

func TestSession_TwoPeersThroughRelay(t *testing.T) {
	n := newTestNetwork(t)
	_, url := startTestRelay(t)

	a := joinTestSession(t, n, url, &mediatest.Provider{})
	time.Sleep(50 * time.Millisecond)
	b := joinTestSession(t, n, url, &mediatest.Provider{})

	waitSessionConnected(t, a, b.ID())
	waitSessionConnected(t, b, a.ID())

	if err := b.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := b.Leave(); err != nil {
		t.Fatalf("second leave: %v", err)
	}
	select {
	case <-b.Done():
	default:
		t.Fatalf("Done not closed after Leave")
	}
	if err := b.Err(); err != nil {
		t.Fatalf("Err()=%v after Leave, want nil", err)
	}
	if got := b.Registry().Len(); got != 0 {
		t.Fatalf("leaver registry len=%d, want 0", got)
	}
	waitFor(t, "A to drop B", func() bool { return a.Registry().Len() == 0 })

	if _, err := b.ToggleMic(); !errors.Is(err, ErrClosed) {
		t.Fatalf("ToggleMic after leave err=%v, want %v", err, ErrClosed)
	}
	if err := b.StopShare(); !errors.Is(err, ErrClosed) {
		t.Fatalf("StopShare after leave err=%v, want %v", err, ErrClosed)
	}
}

func TestSession_TogglesDoNotRenegotiate(t *testing.T) {
	n := newTestNetwork(t)
	_, url := startTestRelay(t)
	provider := &mediatest.Provider{}
	a := joinTestSession(t, n, url, provider)

	on, err := a.ToggleMic()
	if err != nil || on {
		t.Fatalf("ToggleMic()=(%v, %v), want (false, nil)", on, err)
	}
	on, err = a.ToggleCam()
	if err != nil || on {
		t.Fatalf("ToggleCam()=(%v, %v), want (false, nil)", on, err)
	}
	st := a.Media()
	if st.MicEnabled || st.CamEnabled {
		t.Fatalf("state=%+v, want both disabled", st)
	}
	if st.Stream.AudioTrack().Enabled() || st.Stream.VideoTrack().Enabled() {
		t.Fatalf("tracks still enabled")
	}
	if got := len(provider.Streams()); got != 1 {
		t.Fatalf("toggles reacquired media: %d streams", got)
	}
}

func TestSession_JoinMediaFailure(t *testing.T) {
	n := newTestNetwork(t)
	_, url := startTestRelay(t)

	for _, sentinel := range []error{media.ErrMediaAccessDenied, media.ErrNoDeviceFound} {
		_, err := Join(context.Background(), SessionConfig{
			Room:      "demo",
			SignalURL: url,
			API:       n.api(),
			Provider:  &mediatest.Provider{Err: sentinel},
			Logger:    discardLogger(),
		})
		if !errors.Is(err, sentinel) {
			t.Fatalf("err=%v, want %v", err, sentinel)
		}
	}
}

func TestSession_JoinSignalingFailureReleasesMedia(t *testing.T) {
	n := newTestNetwork(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	provider := &mediatest.Provider{}
	_, err := Join(context.Background(), SessionConfig{
		Room:      "demo",
		SignalURL: url,
		API:       n.api(),
		Provider:  provider,
		Logger:    discardLogger(),
	})
	if !errors.Is(err, signaling.ErrSignalConnect) {
		t.Fatalf("err=%v, want %v", err, signaling.ErrSignalConnect)
	}
	streams := provider.Streams()
	if len(streams) != 1 {
		t.Fatalf("streams=%d, want 1", len(streams))
	}
	for _, tr := range streams[0].Tracks() {
		if !tr.Stopped() {
			t.Fatalf("track %s not released after failed join", tr.Label())
		}
	}
}

func TestSession_RelayLossTearsDown(t *testing.T) {
	n := newTestNetwork(t)
	rs, url := startTestRelay(t)
	provider := &mediatest.Provider{}
	logs := &lockedBuffer{}
	a := joinTestSessionWithLogger(t, n, url, provider, slog.New(slog.NewJSONHandler(logs, nil)))

	// Upgraded sockets are hijacked, so only the relay itself can drop them.
	rs.Close()

	select {
	case <-a.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("session did not end after losing the relay")
	}
	if err := a.Err(); !errors.Is(err, signaling.ErrClientClosed) {
		t.Fatalf("Err()=%v after relay loss, want %v", err, signaling.ErrClientClosed)
	}
	if a.Registry().Len() != 0 {
		t.Fatalf("registry not empty after teardown")
	}
	for _, tr := range provider.Streams()[0].Tracks() {
		if !tr.Stopped() {
			t.Fatalf("track %s still running after teardown", tr.Label())
		}
	}
	var warned bool
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, `"msg":"left room"`) {
			t.Fatalf("relay loss logged as a voluntary leave: %s", line)
		}
		if strings.Contains(line, `"msg":"session ended"`) && strings.Contains(line, `"level":"WARN"`) {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("relay loss not logged at warn:\n%s", logs.String())
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
