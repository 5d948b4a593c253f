package signaling

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 5 * time.Second

var ErrMessageTooLarge = errors.New("signaling: message too large")

// ReadLimited reads at most max bytes from r, failing with ErrMessageTooLarge
// if more are available.
func ReadLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, ErrMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, ErrMessageTooLarge
	}
	return b, nil
}

// WriteClose sends a close frame without waiting for the peer's reply.
func WriteClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
