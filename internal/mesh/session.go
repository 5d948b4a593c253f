package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

type SessionConfig struct {
	Room      signaling.RoomID
	SignalURL string

	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	Provider    media.Provider
	Constraints media.Constraints

	SignalingPingInterval    time.Duration
	MaxSignalingMessageBytes int64
	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer

	OnRemoteTrack RemoteTrackSink

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Session is one participant's membership in a room.
type Session struct {
	id   signaling.PeerID
	room signaling.RoomID
	log  *slog.Logger

	media  *media.Manager
	ctrl   *Controller
	client *signaling.Client
	ready  chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Join acquires local media, connects to the relay and announces the session
// in cfg.Room. Media errors wrap media.ErrMediaAccessDenied or
// media.ErrNoDeviceFound; relay errors wrap signaling.ErrSignalConnect.
func Join(ctx context.Context, cfg SessionConfig) (*Session, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	id := signaling.PeerID(uuid.NewString())
	log = log.With("peer_id", string(id), "room", string(cfg.Room))

	mgr := media.NewManager(cfg.Provider, log)
	if _, err := mgr.Acquire(ctx, cfg.Constraints); err != nil {
		return nil, fmt.Errorf("join %s: %w", cfg.Room, err)
	}

	s := &Session{
		id:    id,
		room:  cfg.Room,
		log:   log,
		media: mgr,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	s.ctrl = NewController(ControllerConfig{
		Self:          id,
		API:           cfg.API,
		ICEServers:    cfg.ICEServers,
		Signaler:      s,
		Media:         mgr,
		OnRemoteTrack: cfg.OnRemoteTrack,
		Logger:        log,
		Metrics:       cfg.Metrics,
	})

	client, err := signaling.Dial(ctx, cfg.SignalURL, signaling.Options{
		OnMessage: func(env signaling.Envelope) {
			<-s.ready
			s.ctrl.Handle(env)
		},
		OnClose: func(err error) {
			<-s.ready
			s.teardown(err)
		},
		Logger:          log,
		Metrics:         cfg.Metrics,
		MaxMessageBytes: cfg.MaxSignalingMessageBytes,
		PingInterval:    cfg.SignalingPingInterval,
		Dialer:          cfg.Dialer,
	})
	if err != nil {
		s.ctrl.Close()
		mgr.Release()
		return nil, fmt.Errorf("join %s: %w", cfg.Room, err)
	}
	s.client = client
	close(s.ready)

	if err := client.Send(signaling.Join(cfg.Room, id)); err != nil {
		s.teardown(err)
		return nil, fmt.Errorf("join %s: %w", cfg.Room, err)
	}
	log.Info("joined room")
	return s, nil
}

func (s *Session) ID() signaling.PeerID { return s.id }

func (s *Session) Room() signaling.RoomID { return s.room }

// Registry gives read access to the remote peers.
func (s *Session) Registry() *Registry { return s.ctrl.Registry() }

// Media returns a snapshot of the local media state.
func (s *Session) Media() media.State { return s.media.State() }

// Send implements Signaler for the controller.
func (s *Session) Send(env signaling.Envelope) error {
	if s.client == nil {
		return ErrNotJoined
	}
	return s.client.Send(env)
}

func (s *Session) ToggleMic() (bool, error) {
	if s.closed() {
		return false, ErrClosed
	}
	return s.media.ToggleMic(), nil
}

func (s *Session) ToggleCam() (bool, error) {
	if s.closed() {
		return false, ErrClosed
	}
	return s.media.ToggleCam(), nil
}

func (s *Session) StartShare(ctx context.Context) error {
	if s.closed() {
		return ErrClosed
	}
	return s.ctrl.ShareScreen(ctx)
}

func (s *Session) StopShare() error {
	return s.ctrl.StopShare()
}

// ApplyDeviceChange switches to the given devices (empty = any) on every
// connection without renegotiating.
func (s *Session) ApplyDeviceChange(ctx context.Context, audioDeviceID, videoDeviceID string) error {
	if s.closed() {
		return ErrClosed
	}
	stream, err := s.media.PrepareDeviceChange(ctx, audioDeviceID, videoDeviceID)
	if err != nil {
		return err
	}
	return s.ctrl.SwitchDevices(stream)
}

func (s *Session) Devices(ctx context.Context) ([]media.Device, error) {
	return s.media.Devices(ctx)
}

// Leave announces departure and tears the session down. It is safe to call
// more than once.
func (s *Session) Leave() error {
	if !s.closed() {
		if err := s.client.Send(signaling.Leave(s.id)); err != nil {
			s.log.Debug("failed to send leave", "err", err)
		}
	}
	s.teardown(nil)
	return nil
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended: nil after Leave, otherwise the
// signaling failure.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) teardown(cause error) {
	s.closeOnce.Do(func() {
		s.ctrl.Close()
		_ = s.client.Close()
		s.media.Release()
		s.err = cause
		if cause != nil {
			s.log.Warn("session ended", "err", cause)
		} else {
			s.log.Info("left room")
		}
		close(s.done)
	})
}
