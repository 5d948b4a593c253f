package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
)

var (
	ErrSignalConnect = errors.New("signaling: connect failed")
	ErrClientClosed  = errors.New("signaling: client closed")
	ErrSendQueueFull = errors.New("signaling: send queue full")
)

const (
	DefaultMaxMessageBytes = 64 * 1024
	defaultSendQueueLen    = 256
)

type Options struct {
	// OnMessage is called once per valid envelope, in receipt order, from the
	// client's read goroutine.
	OnMessage func(Envelope)
	// OnClose is called exactly once when the connection ends. The error is
	// nil after a local Close.
	OnClose func(error)

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MaxMessageBytes caps inbound frames (default DefaultMaxMessageBytes).
	MaxMessageBytes int64
	// PingInterval enables keepalive pings. The connection is considered dead
	// after three intervals without any inbound frame. 0 disables both.
	PingInterval time.Duration

	Header http.Header
	Dialer *websocket.Dialer
}

// Client owns one signaling WebSocket. It never reconnects.
type Client struct {
	conn *websocket.Conn
	opts Options
	log  *slog.Logger

	sendQ chan []byte

	stopOnce   sync.Once
	stop       chan struct{}
	writerDone chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: %v (status %d)", ErrSignalConnect, url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrSignalConnect, url, err)
	}

	c := &Client{
		conn:       conn,
		opts:       opts,
		log:        log.With("component", "signaling"),
		sendQ:      make(chan []byte, defaultSendQueueLen),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	conn.SetReadLimit(opts.MaxMessageBytes)
	if opts.PingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(3 * opts.PingInterval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(3 * opts.PingInterval))
		})
	}

	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// Send queues env for delivery. It does not wait for the write.
func (c *Client) Send(env Envelope) error {
	select {
	case <-c.stop:
		return ErrClientClosed
	case <-c.done:
		return ErrClientClosed
	default:
	}

	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}

	select {
	case c.sendQ <- b:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		c.opts.Metrics.Inc(metrics.SignalingSendFailed)
		return ErrSendQueueFull
	}
}

// Close flushes queued messages, sends a normal close frame and releases the
// connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.writerDone
	c.finish(nil)
	return nil
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended; nil while open or after Close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.conn.Close()
		if err != nil {
			c.log.Warn("signaling connection closed", "err", err)
		} else {
			c.log.Debug("signaling connection closed")
		}
		if c.opts.OnClose != nil {
			// Off the read/write goroutines so the callback may call Close.
			go c.opts.OnClose(err)
		}
	})
}

func (c *Client) writeLoop() {
	defer close(c.writerDone)

	var ping <-chan time.Time
	if c.opts.PingInterval > 0 {
		t := time.NewTicker(c.opts.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case b := <-c.sendQ:
			if err := c.write(b); err != nil {
				c.finish(fmt.Errorf("write: %w", err))
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.finish(fmt.Errorf("ping: %w", err))
				return
			}
		case <-c.stop:
			for {
				select {
				case b := <-c.sendQ:
					if err := c.write(b); err != nil {
						return
					}
				default:
					WriteClose(c.conn, websocket.CloseNormalClosure, "bye")
					return
				}
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) write(b []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		c.opts.Metrics.Inc(metrics.SignalingSendFailed)
		return err
	}
	c.opts.Metrics.Inc(metrics.SignalingMessagesSent)
	return nil
}

func (c *Client) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stop:
				// Local close in progress; Close reports the nil cause.
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = fmt.Errorf("%w: closed by relay", ErrClientClosed)
			}
			c.finish(err)
			return
		}
		if c.opts.PingInterval > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(3 * c.opts.PingInterval))
		}
		if msgType != websocket.TextMessage {
			c.opts.Metrics.Inc(metrics.SignalingMessagesMalformed)
			c.log.Debug("dropping non-text signaling frame", "frame_type", msgType)
			continue
		}

		env, err := Parse(data)
		if err != nil {
			c.opts.Metrics.Inc(metrics.SignalingMessagesMalformed)
			c.log.Debug("dropping malformed signaling message", "err", err, "bytes", len(data))
			continue
		}
		c.opts.Metrics.Inc(metrics.SignalingMessagesReceived)
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(env)
		}
	}
}
