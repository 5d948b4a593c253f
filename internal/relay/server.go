package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

const (
	wsWriteWait = 5 * time.Second
	// sendQueueMessages is how many max-size messages may wait for one member.
	sendQueueMessages = 16
)

type ServerConfig struct {
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(*http.Request) bool
	Clock       ratelimit.Clock
}

// ServerConfigFrom maps the relay's process config onto a ServerConfig.
func ServerConfigFrom(cfg config.RelayConfig, checkOrigin func(*http.Request) bool) ServerConfig {
	return ServerConfig{
		IdleTimeout:          cfg.IdleTimeout,
		PingInterval:         cfg.PingInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		CheckOrigin:          checkOrigin,
	}
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = config.DefaultRelayIdleTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout / 3
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = config.DefaultRelayMaxMessageBytes
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = config.DefaultRelayMaxMessagesPerSec
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	return c
}

// Server implements GET /ws.
type Server struct {
	cfg      ServerConfig
	hub      *Hub
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

func NewServer(cfg ServerConfig, hub *Hub, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Server{
		cfg:     cfg,
		hub:     hub,
		log:     logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: cfg.CheckOrigin,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Close ends every open signaling connection with a going-away close frame.
// Connections accepted afterwards are closed immediately.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		signaling.WriteClose(c, websocket.CloseGoingAway, "server shutting down")
		_ = c.Close()
	}
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if !s.track(conn) {
		signaling.WriteClose(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(conn)

	s.metrics.Inc(metrics.RelayConnectionsAccepted)
	m := newMember(uuid.NewString(), sendQueueMessages*int(s.cfg.MaxMessageBytes))
	log := s.log.With("conn_id", m.connID, "remote_addr", r.RemoteAddr)
	log.Debug("signaling connection opened")

	writerDone := make(chan struct{})
	go s.writeLoop(conn, m, log, writerDone)
	defer func() {
		s.hub.leave(m)
		m.queue.Close()
		<-writerDone
		log.Debug("signaling connection closed")
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	limiter := ratelimit.NewTokenBucket(s.cfg.Clock, int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))
	for {
		msgType, msgReader, err := conn.NextReader()
		if err != nil {
			if signaling.IsTimeout(err) {
				signaling.WriteClose(conn, websocket.CloseGoingAway, "idle timeout")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RelayRateLimited)
			log.Warn("closing rate limited signaling connection")
			signaling.WriteClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			signaling.WriteClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		msg, err := signaling.ReadLimited(msgReader, s.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, signaling.ErrMessageTooLarge) {
				signaling.WriteClose(conn, websocket.CloseMessageTooBig, "message too large")
				return
			}
			signaling.WriteClose(conn, websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		env, err := signaling.Parse(msg)
		if err != nil {
			s.metrics.Inc(metrics.RelayMessagesDropped)
			log.Debug("dropping malformed envelope", "err", err)
			continue
		}
		if done := s.handle(conn, m, env, log); done {
			return
		}
	}
}

// handle applies one envelope. It reports whether the connection should end.
func (s *Server) handle(conn *websocket.Conn, m *member, env signaling.Envelope, log *slog.Logger) bool {
	switch env.Type {
	case signaling.TypeJoin:
		err := s.hub.join(m, env.Room, env.PeerID)
		switch {
		case err == nil:
		case errors.Is(err, ErrRoomFull):
			signaling.WriteClose(conn, websocket.CloseTryAgainLater, "room full")
			return true
		case errors.Is(err, ErrPeerIDTaken):
			signaling.WriteClose(conn, websocket.ClosePolicyViolation, "peer id already in room")
			return true
		default:
			s.drop(env, err, log)
		}
	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICE:
		if err := s.hub.route(m, env); err != nil {
			s.drop(env, err, log)
		}
	case signaling.TypeLeave:
		s.hub.leave(m)
	default:
		s.drop(env, errors.New("not accepted from clients"), log)
	}
	return false
}

func (s *Server) drop(env signaling.Envelope, reason error, log *slog.Logger) {
	s.metrics.Inc(metrics.RelayMessagesDropped)
	log.Debug("dropping envelope", "type", env.Type, "to", string(env.To), "reason", reason)
}

func (s *Server) writeLoop(conn *websocket.Conn, m *member, log *slog.Logger, done chan<- struct{}) {
	defer close(done)

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case <-stopPing:
				return
			}
		}
	}()

	for {
		frame, ok := m.queue.Dequeue()
		if !ok {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Debug("signaling write failed", "err", err)
			// Unblocks the read loop, which then tears the member down.
			_ = conn.Close()
			m.queue.Close()
			return
		}
	}
}
