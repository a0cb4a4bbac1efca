package transport

import (
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsConn adapts a WebSocket connection carrying binary frames to the
// byte-stream Conn interface: each Write call becomes one binary WS
// message, and Read drains WS messages into an internal buffer so callers
// can read arbitrary slice sizes, matching io.Reader semantics. Grounded
// on the teacher's wsutil.ReadClientData/WriteServerMessage usage in
// internal/shared/pump_read.go and pump_write.go, generalized from a
// JSON-text protocol to binary codec frames.
type wsConn struct {
	net.Conn
	buf []byte
}

// NewWebSocket wraps an already-upgraded WebSocket net.Conn.
func NewWebSocket(c net.Conn) Conn {
	return &wsConn{Conn: c}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		msg, op, err := wsutil.ReadClientData(c.Conn)
		if err != nil {
			return 0, err
		}
		if op == ws.OpClose {
			return 0, net.ErrClosed
		}
		if op != ws.OpBinary && op != ws.OpText {
			continue
		}
		c.buf = msg
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := wsutil.WriteServerMessage(c.Conn, ws.OpBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// UpgradeHTTP upgrades an inbound HTTP request to a WebSocket connection
// and returns it wrapped as a Conn, grounded on
// internal/shared/handlers_ws.go's ws.UpgradeHTTP call.
func UpgradeHTTP(w http.ResponseWriter, r *http.Request) (Conn, error) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn), nil
}
