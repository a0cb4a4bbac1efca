// Package mqttcodec implements the MQTT 3.1.1-style framing described in
// spec.md §4.3.2: fixed header with a 7-bit-continuation "remaining
// length" field, mapped onto the shared message.Message envelope. Every
// PUBLISH is treated as QoS 0; CONNACK always reports session-present
// false. Grounded on the retrieved go-mqtt packet encoder's remaining-
// length varint technique and the mqttbroker CONNECT parser, adapted from
// a standalone client/broker pair to this package's single Codec that both
// directions of the broker share.
package mqttcodec

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"smq/internal/codec"
	"smq/internal/message"
)

const (
	ptConnect     = 1
	ptConnAck     = 2
	ptPublish     = 3
	ptPubAck      = 4
	ptSubscribe   = 8
	ptSubAck      = 9
	ptUnsubscribe = 10
	ptUnsubAck    = 11
	ptPingReq     = 12
	ptPingResp    = 13
	ptDisconnect  = 14
)

const maxRemainingLength = 256 * 1024 * 1024

// Codec implements codec.Codec for MQTT 3.1.1-style framing.
type Codec struct{}

// New returns a ready-to-use MQTT codec instance.
func New() *Codec { return &Codec{} }

var _ codec.Codec = (*Codec)(nil)

// encodeRemainingLength appends n using MQTT's 7-bit continuation scheme.
func encodeRemainingLength(buf []byte, n int) []byte {
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if n == 0 {
			break
		}
	}
	return buf
}

func decodeRemainingLength(r io.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		var b [1]byte
		if err := codec.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		value += int(b[0]&0x7F) * multiplier
		if b[0]&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("mqtt decode: remaining length too long: %w", codec.ErrMalformed)
}

func putString(buf []byte, s string) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

func readString(body []byte, off int) (string, int, error) {
	if off+2 > len(body) {
		return "", 0, fmt.Errorf("mqtt decode: truncated string length: %w", codec.ErrMalformed)
	}
	n := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if off+n > len(body) {
		return "", 0, fmt.Errorf("mqtt decode: truncated string: %w", codec.ErrMalformed)
	}
	return string(body[off : off+n]), off + n, nil
}

// Encode writes m as an MQTT control packet. PublishAck has no wire
// representation under QoS 0 (MQTT issues no ack for QoS 0 PUBLISH), so
// encoding it is a deliberate no-op.
func (c *Codec) Encode(w io.Writer, m *message.Message) error {
	switch m.Type {
	case message.PublishAck:
		return nil
	case message.ConnectAck:
		return c.writeFixed(w, ptConnAck, []byte{0x00, connAckCode(m)})
	case message.Publish:
		return c.encodePublish(w, m)
	case message.SubscribeAck:
		return c.encodeSubAck(w, m, ptSubAck, true)
	case message.UnsubscribeAck:
		return c.encodeSubAck(w, m, ptUnsubAck, false)
	case message.PingAck:
		return c.writeFixed(w, ptPingResp, nil)
	default:
		return fmt.Errorf("mqtt encode: type %v has no broker-to-client representation: %w", m.Type, codec.ErrMalformed)
	}
}

func connAckCode(m *message.Message) byte {
	if v, ok := m.Header("success"); ok && v == "1" {
		return 0x00
	}
	return 0x05 // "not authorized" per MQTT 3.1.1 CONNACK return codes.
}

func (c *Codec) writeFixed(w io.Writer, packetType byte, remaining []byte) error {
	buf := make([]byte, 0, 2+len(remaining))
	buf = append(buf, packetType<<4)
	buf = encodeRemainingLength(buf, len(remaining))
	buf = append(buf, remaining...)
	_, err := w.Write(buf)
	return err
}

func (c *Codec) encodePublish(w io.Writer, m *message.Message) error {
	if m.Destination == "" {
		return fmt.Errorf("mqtt encode: PUBLISH requires a destination: %w", codec.ErrMalformed)
	}
	if len(m.Payload) > message.MaxPayload {
		return fmt.Errorf("mqtt encode: payload exceeds limit: %w", codec.ErrLimit)
	}
	var body []byte
	body = putString(body, m.Destination)
	body = append(body, m.Payload...)

	buf := make([]byte, 0, 5+len(body))
	buf = append(buf, ptPublish<<4) // QoS 0, no DUP/RETAIN.
	buf = encodeRemainingLength(buf, len(body))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

func (c *Codec) encodeSubAck(w io.Writer, m *message.Message, packetType byte, withReturnCodes bool) error {
	pid := uint16(0)
	if v, ok := m.Header("packet_id"); ok {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			pid = uint16(n)
		}
	}
	count := 1
	if v, ok := m.Header("additional_destinations"); ok && v != "" {
		count += len(strings.Split(v, ","))
	}

	body := make([]byte, 0, 2+count)
	body = append(body, byte(pid>>8), byte(pid))
	if withReturnCodes {
		for i := 0; i < count; i++ {
			body = append(body, 0x00) // granted QoS 0
		}
	}

	buf := make([]byte, 0, 4+len(body))
	buf = append(buf, packetType<<4)
	buf = encodeRemainingLength(buf, len(body))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads the next MQTT control packet from r and maps it onto the
// shared Message envelope.
func (c *Codec) Decode(r io.Reader) (*message.Message, error) {
	var first [1]byte
	if err := codec.ReadFull(r, first[:]); err != nil {
		return nil, err
	}
	packetType := first[0] >> 4
	flags := first[0] & 0x0F

	remainingLen, err := decodeRemainingLength(r)
	if err != nil {
		return nil, err
	}
	if remainingLen > maxRemainingLength {
		return nil, fmt.Errorf("mqtt decode: remaining length %d exceeds limit: %w", remainingLen, codec.ErrLimit)
	}
	body := make([]byte, remainingLen)
	if remainingLen > 0 {
		if err := codec.ReadFull(r, body); err != nil {
			return nil, err
		}
	}

	now := time.Now().UnixMilli()

	switch packetType {
	case ptConnect:
		return decodeConnect(body, now)
	case ptPublish:
		return decodePublish(body, flags, now)
	case ptSubscribe:
		return decodeSubscribe(body, now)
	case ptUnsubscribe:
		return decodeUnsubscribe(body, now)
	case ptPingReq:
		return message.FromWire(message.Ping, "", nil, nil, now), nil
	case ptDisconnect:
		return message.FromWire(message.Disconnect, "", nil, nil, now), nil
	default:
		return nil, fmt.Errorf("mqtt decode: unexpected packet type %d: %w", packetType, codec.ErrMalformed)
	}
}

func decodeConnect(body []byte, now int64) (*message.Message, error) {
	proto, off, err := readString(body, 0)
	if err != nil {
		return nil, err
	}
	if proto != "MQTT" {
		return nil, fmt.Errorf("mqtt decode: unexpected protocol name %q: %w", proto, codec.ErrMalformed)
	}
	if off+2 > len(body) {
		return nil, fmt.Errorf("mqtt decode: truncated CONNECT variable header: %w", codec.ErrMalformed)
	}
	// body[off] is the protocol level, accepted without validation beyond presence.
	connectFlags := body[off+1]
	off += 2

	if off+2 > len(body) {
		return nil, fmt.Errorf("mqtt decode: truncated keep-alive: %w", codec.ErrMalformed)
	}
	keepAlive := binary.BigEndian.Uint16(body[off : off+2])
	off += 2

	clientID, off, err := readString(body, off)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"client_id": clientID,
		"keep_alive": strconv.Itoa(int(keepAlive)),
	}
	if connectFlags&0x02 != 0 {
		headers["clean_session"] = "1"
	} else {
		headers["clean_session"] = "0"
	}

	if connectFlags&0x04 != 0 { // will flag
		willTopic, next, err := readString(body, off)
		if err != nil {
			return nil, err
		}
		off = next
		willPayload, next, err := readString(body, off)
		if err != nil {
			return nil, err
		}
		off = next
		headers["will_destination"] = willTopic
		headers["will_payload"] = willPayload
	}

	if connectFlags&0x80 != 0 { // username flag
		username, next, err := readString(body, off)
		if err != nil {
			return nil, err
		}
		off = next
		headers["user"] = username
	}
	if connectFlags&0x40 != 0 { // password flag
		password, next, err := readString(body, off)
		if err != nil {
			return nil, err
		}
		off = next
		headers["secret"] = password
	}

	return message.FromWire(message.Connect, "", headers, nil, now), nil
}

func decodePublish(body []byte, flags byte, now int64) (*message.Message, error) {
	topic, off, err := readString(body, 0)
	if err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, fmt.Errorf("mqtt decode: PUBLISH requires a topic: %w", codec.ErrMalformed)
	}
	qos := (flags >> 1) & 0x03
	if qos != 0 {
		// Consume (and discard) the packet identifier; every PUBLISH is
		// handled as QoS 0 regardless of what the peer requested.
		if off+2 > len(body) {
			return nil, fmt.Errorf("mqtt decode: truncated packet id: %w", codec.ErrMalformed)
		}
		off += 2
	}
	payload := append([]byte(nil), body[off:]...)
	if len(payload) > message.MaxPayload {
		return nil, fmt.Errorf("mqtt decode: payload exceeds limit: %w", codec.ErrLimit)
	}
	return message.FromWire(message.Publish, topic, nil, payload, now), nil
}

func decodeSubscribe(body []byte, now int64) (*message.Message, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("mqtt decode: truncated SUBSCRIBE: %w", codec.ErrMalformed)
	}
	pid := binary.BigEndian.Uint16(body[0:2])
	off := 2

	var topics []string
	for off < len(body) {
		topic, next, err := readString(body, off)
		if err != nil {
			return nil, err
		}
		off = next
		if off >= len(body) {
			return nil, fmt.Errorf("mqtt decode: SUBSCRIBE missing requested QoS: %w", codec.ErrMalformed)
		}
		off++ // requested QoS byte, accepted and ignored.
		topics = append(topics, topic)
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("mqtt decode: SUBSCRIBE carries no topic filters: %w", codec.ErrMalformed)
	}

	headers := map[string]string{"packet_id": strconv.Itoa(int(pid))}
	if len(topics) > 1 {
		headers["additional_destinations"] = strings.Join(topics[1:], ",")
	}
	return message.FromWire(message.Subscribe, topics[0], headers, nil, now), nil
}

func decodeUnsubscribe(body []byte, now int64) (*message.Message, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("mqtt decode: truncated UNSUBSCRIBE: %w", codec.ErrMalformed)
	}
	pid := binary.BigEndian.Uint16(body[0:2])
	off := 2

	var topics []string
	for off < len(body) {
		topic, next, err := readString(body, off)
		if err != nil {
			return nil, err
		}
		off = next
		topics = append(topics, topic)
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("mqtt decode: UNSUBSCRIBE carries no topic filters: %w", codec.ErrMalformed)
	}

	headers := map[string]string{"packet_id": strconv.Itoa(int(pid))}
	if len(topics) > 1 {
		headers["additional_destinations"] = strings.Join(topics[1:], ",")
	}
	return message.FromWire(message.Unsubscribe, topics[0], headers, nil, now), nil
}
