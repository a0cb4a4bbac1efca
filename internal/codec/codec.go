// Package codec defines the wire-codec contract shared by the native SMQ
// framing and the MQTT-style framing: turn a byte stream into a sequence of
// message.Message values and back.
package codec

import (
	"errors"
	"io"

	"smq/internal/message"
)

// Sentinel errors surfaced by both codec implementations. Callers check
// these with errors.Is; recovery policy (close the connection, reject the
// frame) lives in the broker, not here.
var (
	// ErrMalformed signals the peer violated the framing.
	ErrMalformed = errors.New("codec: malformed frame")
	// ErrLimit signals a declared length exceeded a configured maximum.
	ErrLimit = errors.New("codec: frame exceeds limit")
	// ErrConnectionClosed signals EOF (or a short read) mid-frame.
	ErrConnectionClosed = errors.New("codec: connection closed")
)

// Codec frames Messages onto an io.Writer and parses them off an
// io.Reader. A Codec instance is selected once per listener and reused for
// every connection it accepts; implementations must be safe for one
// goroutine to Decode while another Encodes concurrently on the same
// connection's distinct halves, but are not required to be safe for
// concurrent Encode calls against the same writer (the broker serializes
// writes per connection via the send queue).
type Codec interface {
	// Encode writes m to w in this codec's wire format.
	Encode(w io.Writer, m *message.Message) error
	// Decode reads the next frame from r and returns the Message it
	// represents.
	Decode(r io.Reader) (*message.Message, error)
}

// readFull reads exactly len(buf) bytes, translating EOF and
// io.ErrUnexpectedEOF into ErrConnectionClosed so both codecs report short
// reads uniformly.
func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}
	return err
}

// ReadFull exposes readFull to sibling codec packages (smq, mqttcodec)
// without putting them inside this package, since each wire format
// deserves its own file tree the way the teacher keeps protocol variants
// separate.
func ReadFull(r io.Reader, buf []byte) error { return readFull(r, buf) }
