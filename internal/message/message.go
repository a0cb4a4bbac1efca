// Package message defines the SMQ envelope: the unit of data that flows from
// a decoded wire frame through the registry to every subscriber's send
// queue. A Message carries no transport knowledge; framing is the codec's
// job.
package message

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Type identifies the kind of frame a Message represents. Values are stable
// across releases since they appear on the wire in the native SMQ framing.
type Type uint8

const (
	Connect Type = iota
	Disconnect
	Subscribe
	Unsubscribe
	Ping
	Publish // MESSAGE in the wire vocabulary; named Publish to avoid clashing with this package's own name.
	ConnectAck
	SubscribeAck
	PublishAck
	UnsubscribeAck
	PingAck
)

func (t Type) String() string {
	switch t {
	case Connect:
		return "CONNECT"
	case Disconnect:
		return "DISCONNECT"
	case Subscribe:
		return "SUBSCRIBE"
	case Unsubscribe:
		return "UNSUBSCRIBE"
	case Ping:
		return "PING"
	case Publish:
		return "MESSAGE"
	case ConnectAck:
		return "CONNECT_ACK"
	case SubscribeAck:
		return "SUBSCRIBE_ACK"
	case PublishAck:
		return "PUBLISH_ACK"
	case UnsubscribeAck:
		return "UNSUBSCRIBE_ACK"
	case PingAck:
		return "PING_ACK"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// RequiresDestination reports whether the wire framing carries a destination
// field for this type (spec: SUBSCRIBE, UNSUBSCRIBE, MESSAGE).
func (t Type) RequiresDestination() bool {
	switch t {
	case Subscribe, Unsubscribe, Publish:
		return true
	default:
		return false
	}
}

// MaxPayload is the largest payload the native framing will admit.
const MaxPayload = 16 * 1024 * 1024

// MaxHeaderNameLen and MaxHeaderValueLen bound header encoding per the
// native frame's 1-byte name-length and 2-byte value-length fields.
const (
	MaxHeaderNameLen  = 255
	MaxHeaderValueLen = 65535
)

// Message is immutable once handed to a codec for encoding. Construction
// (New) is the only mutation window; callers that need to set headers or a
// last-will payload must do so before the message is enqueued for sending.
type Message struct {
	Type        Type
	Destination string
	Headers     map[string]string
	Created     int64 // milliseconds since Unix epoch
	Payload     []byte

	refCount int32 // shared-ownership counter; see Retain/Release.
}

// New constructs a Message stamped with the current wall-clock time in
// milliseconds. The returned Message owns a single reference; callers that
// fan it out to multiple send queues must call Retain for each additional
// holder and Release once each holder is done with it.
func New(t Type, destination string, payload []byte) *Message {
	return &Message{
		Type:        t,
		Destination: destination,
		Headers:     make(map[string]string),
		Created:     time.Now().UnixMilli(),
		Payload:     payload,
		refCount:    1,
	}
}

// FromWire constructs a Message from codec-decoded fields, used by codec
// implementations to build the value they hand back to Decode. Unlike New,
// the caller supplies the creation timestamp (the moment the frame was
// parsed) and a pre-built header map.
func FromWire(t Type, destination string, headers map[string]string, payload []byte, created int64) *Message {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &Message{
		Type:        t,
		Destination: destination,
		Headers:     headers,
		Created:     created,
		Payload:     payload,
		refCount:    1,
	}
}

// SetHeader assigns a header value. Panics if name or value exceed the
// wire's encodable lengths, since that is a programming error on the
// producing side, not a protocol violation from a peer.
func (m *Message) SetHeader(name, value string) {
	if len(name) == 0 || len(name) > MaxHeaderNameLen {
		panic(fmt.Sprintf("message: header name %q out of range", name))
	}
	if len(value) > MaxHeaderValueLen {
		panic(fmt.Sprintf("message: header %q value too long", name))
	}
	m.Headers[name] = value
}

// Header returns a header value and whether it was present.
func (m *Message) Header(name string) (string, bool) {
	v, ok := m.Headers[name]
	return v, ok
}

// Retain increments the shared-ownership count. Call once per additional
// holder beyond the one returned by New (typically once per subscriber a
// message is fanned out to).
func (m *Message) Retain() {
	atomic.AddInt32(&m.refCount, 1)
}

// Release decrements the shared-ownership count and reports whether this
// was the last holder. Callers that own a persisted Handle for this message
// use the last-holder signal to free the backing storage slot.
func (m *Message) Release() bool {
	return atomic.AddInt32(&m.refCount, -1) == 0
}
