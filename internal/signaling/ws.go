package signaling

import (
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// wsProtocolError is reported to the peer as an error event before the
// connection is closed.
type wsProtocolError struct {
	Code    string
	Message string
}

func (e *wsProtocolError) Error() string { return e.Code + ": " + e.Message }
