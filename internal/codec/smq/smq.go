// Package smq implements the native SMQ wire framing described in
// spec.md §4.3.1: a compact, length-prefixed binary format with an
// explicit header list and a per-type trailer (destination, payload).
package smq

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"smq/internal/codec"
	"smq/internal/message"
)

var wireMagic = [4]byte{'M', 'S', 'G', ':'}

// wireType maps the shared message.Type enum onto the single byte the
// native frame carries. Values are part of the on-wire contract and must
// not be renumbered.
func wireType(t message.Type) (byte, bool) {
	switch t {
	case message.Connect:
		return 0, true
	case message.Disconnect:
		return 1, true
	case message.Subscribe:
		return 2, true
	case message.Unsubscribe:
		return 3, true
	case message.Ping:
		return 4, true
	case message.Publish:
		return 5, true
	case message.ConnectAck:
		return 6, true
	case message.SubscribeAck:
		return 7, true
	case message.PublishAck:
		return 8, true
	case message.UnsubscribeAck:
		return 9, true
	case message.PingAck:
		return 10, true
	default:
		return 0, false
	}
}

func fromWireType(b byte) (message.Type, bool) {
	switch b {
	case 0:
		return message.Connect, true
	case 1:
		return message.Disconnect, true
	case 2:
		return message.Subscribe, true
	case 3:
		return message.Unsubscribe, true
	case 4:
		return message.Ping, true
	case 5:
		return message.Publish, true
	case 6:
		return message.ConnectAck, true
	case 7:
		return message.SubscribeAck, true
	case 8:
		return message.PublishAck, true
	case 9:
		return message.UnsubscribeAck, true
	case 10:
		return message.PingAck, true
	default:
		return 0, false
	}
}

// Codec implements codec.Codec for the native SMQ framing.
type Codec struct{}

// New returns a ready-to-use native SMQ codec. The codec is stateless and a
// single instance may be shared by every connection on a listener.
func New() *Codec { return &Codec{} }

var _ codec.Codec = (*Codec)(nil)

// Encode writes m in native SMQ framing. Destination must be non-empty for
// types that require one (spec: SUBSCRIBE, UNSUBSCRIBE, MESSAGE).
func (c *Codec) Encode(w io.Writer, m *message.Message) error {
	wt, ok := wireType(m.Type)
	if !ok {
		return fmt.Errorf("smq encode: unknown type %v: %w", m.Type, codec.ErrMalformed)
	}
	if m.Type.RequiresDestination() && m.Destination == "" {
		return fmt.Errorf("smq encode: %v requires a destination: %w", m.Type, codec.ErrMalformed)
	}
	if len(m.Headers) > 255 {
		return fmt.Errorf("smq encode: too many headers: %w", codec.ErrMalformed)
	}

	buf := make([]byte, 0, 64+len(m.Payload))
	buf = append(buf, wireMagic[:]...)
	buf = append(buf, wt, byte(len(m.Headers)))

	for name, value := range m.Headers {
		if len(name) == 0 || len(name) > 255 {
			return fmt.Errorf("smq encode: header name %q out of range: %w", name, codec.ErrMalformed)
		}
		if len(value) > 65535 {
			return fmt.Errorf("smq encode: header %q value too long: %w", name, codec.ErrMalformed)
		}
		buf = append(buf, byte(len(name)))
		buf = append(buf, name...)
		var vlen [2]byte
		binary.LittleEndian.PutUint16(vlen[:], uint16(len(value)))
		buf = append(buf, vlen[:]...)
		buf = append(buf, value...)
	}

	if m.Type.RequiresDestination() {
		if len(m.Destination) > 255 {
			return fmt.Errorf("smq encode: destination too long: %w", codec.ErrMalformed)
		}
		buf = append(buf, byte(len(m.Destination)))
		buf = append(buf, m.Destination...)
	}

	if m.Type == message.Publish {
		if len(m.Payload) > message.MaxPayload {
			return fmt.Errorf("smq encode: payload exceeds limit: %w", codec.ErrLimit)
		}
		var plen [4]byte
		binary.LittleEndian.PutUint32(plen[:], uint32(len(m.Payload)))
		buf = append(buf, plen[:]...)
		buf = append(buf, m.Payload...)
	}

	_, err := w.Write(buf)
	return err
}

// Decode reads the next native SMQ frame from r.
func (c *Codec) Decode(r io.Reader) (*message.Message, error) {
	var magic [4]byte
	if err := codec.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if magic != wireMagic {
		return nil, fmt.Errorf("smq decode: bad magic: %w", codec.ErrMalformed)
	}

	var typAndCount [2]byte
	if err := codec.ReadFull(r, typAndCount[:]); err != nil {
		return nil, err
	}
	typ, ok := fromWireType(typAndCount[0])
	if !ok {
		return nil, fmt.Errorf("smq decode: unknown type %d: %w", typAndCount[0], codec.ErrMalformed)
	}
	headerCount := int(typAndCount[1])

	headers := make(map[string]string, headerCount)
	for i := 0; i < headerCount; i++ {
		var nlen [1]byte
		if err := codec.ReadFull(r, nlen[:]); err != nil {
			return nil, err
		}
		if nlen[0] == 0 {
			return nil, fmt.Errorf("smq decode: zero-length header name: %w", codec.ErrMalformed)
		}
		name := make([]byte, nlen[0])
		if err := codec.ReadFull(r, name); err != nil {
			return nil, err
		}
		var vlen [2]byte
		if err := codec.ReadFull(r, vlen[:]); err != nil {
			return nil, err
		}
		value := make([]byte, binary.LittleEndian.Uint16(vlen[:]))
		if len(value) > 0 {
			if err := codec.ReadFull(r, value); err != nil {
				return nil, err
			}
		}
		headers[string(name)] = string(value)
	}

	var destination string
	if typ.RequiresDestination() {
		var dlen [1]byte
		if err := codec.ReadFull(r, dlen[:]); err != nil {
			return nil, err
		}
		if dlen[0] == 0 {
			return nil, fmt.Errorf("smq decode: missing destination for %v: %w", typ, codec.ErrMalformed)
		}
		dest := make([]byte, dlen[0])
		if err := codec.ReadFull(r, dest); err != nil {
			return nil, err
		}
		destination = string(dest)
	}

	var payload []byte
	if typ == message.Publish {
		var plen [4]byte
		if err := codec.ReadFull(r, plen[:]); err != nil {
			return nil, err
		}
		n := binary.LittleEndian.Uint32(plen[:])
		if n > message.MaxPayload {
			return nil, fmt.Errorf("smq decode: payload length %d exceeds limit: %w", n, codec.ErrLimit)
		}
		payload = make([]byte, n)
		if n > 0 {
			if err := codec.ReadFull(r, payload); err != nil {
				return nil, err
			}
		}
	}

	return message.FromWire(typ, destination, headers, payload, time.Now().UnixMilli()), nil
}
