// Package transport provides the byte-stream abstraction the broker's core
// consumes, kept deliberately thin per spec.md §1: "the core consumes a
// byte-stream abstraction with read/write/close and a readiness poll."
// Two backends are provided: plain TCP and WebSocket binary frames
// (github.com/gobwas/ws), generalizing the teacher's WebSocket-only
// transport since the wire codecs themselves are transport-agnostic.
package transport

import (
	"io"
	"net"
	"time"
)

// Conn is the byte-stream abstraction codecs and the broker's connection
// state machine operate over. It is satisfied by both *tcpConn and
// *wsConn.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
	RemoteAddr() net.Addr
}
