package mqttcodec

import (
	"bytes"
	"errors"
	"testing"

	"smq/internal/codec"
	"smq/internal/message"
)

func encodeConnect(clientID, username, password string) []byte {
	var body []byte
	body = putString(body, "MQTT")
	body = append(body, 4) // protocol level
	var flags byte
	if username != "" {
		flags |= 0x80
	}
	if password != "" {
		flags |= 0x40
	}
	flags |= 0x02 // clean session
	body = append(body, flags)
	body = append(body, 0, 60) // keep-alive
	body = putString(body, clientID)
	if username != "" {
		body = putString(body, username)
	}
	if password != "" {
		body = putString(body, password)
	}

	buf := []byte{ptConnect << 4}
	buf = encodeRemainingLength(buf, len(body))
	return append(buf, body...)
}

func TestDecodeConnect(t *testing.T) {
	raw := encodeConnect("c1", "u", "s")
	c := New()
	m, err := c.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Type != message.Connect {
		t.Fatalf("Type = %v, want Connect", m.Type)
	}
	if v, _ := m.Header("client_id"); v != "c1" {
		t.Errorf("client_id = %q, want c1", v)
	}
	if v, _ := m.Header("user"); v != "u" {
		t.Errorf("user = %q, want u", v)
	}
	if v, _ := m.Header("secret"); v != "s" {
		t.Errorf("secret = %q, want s", v)
	}
}

func TestPublishRoundTrip(t *testing.T) {
	c := New()
	m := message.New(message.Publish, "q/1", []byte("hello"))
	var buf bytes.Buffer
	if err := c.Encode(&buf, m); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != message.Publish || got.Destination != "q/1" || string(got.Payload) != "hello" {
		t.Fatalf("got %+v", got)
	}
}

func TestDecodeSubscribeMultipleTopics(t *testing.T) {
	body := []byte{0, 7} // packet id
	body = putString(body, "q/1")
	body = append(body, 0)
	body = putString(body, "q/2")
	body = append(body, 1)

	buf := []byte{ptSubscribe << 4}
	buf = encodeRemainingLength(buf, len(body))
	buf = append(buf, body...)

	c := New()
	m, err := c.Decode(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Destination != "q/1" {
		t.Fatalf("Destination = %q, want q/1", m.Destination)
	}
	if v, _ := m.Header("additional_destinations"); v != "q/2" {
		t.Fatalf("additional_destinations = %q, want q/2", v)
	}
	if v, _ := m.Header("packet_id"); v != "7" {
		t.Fatalf("packet_id = %q, want 7", v)
	}
}

func TestPublishAckIsWireNoOp(t *testing.T) {
	c := New()
	m := message.New(message.PublishAck, "", nil)
	var buf bytes.Buffer
	if err := c.Encode(&buf, m); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no bytes written for PublishAck, got %d", buf.Len())
	}
}

func TestDecodeShortRead(t *testing.T) {
	c := New()
	_, err := c.Decode(bytes.NewReader(nil))
	if !errors.Is(err, codec.ErrConnectionClosed) {
		t.Fatalf("err = %v, want ErrConnectionClosed", err)
	}
}

func TestPingRoundTrip(t *testing.T) {
	c := New()
	var buf bytes.Buffer
	buf.WriteByte(ptPingReq << 4)
	buf.WriteByte(0)
	m, err := c.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Type != message.Ping {
		t.Fatalf("Type = %v, want Ping", m.Type)
	}

	var out bytes.Buffer
	if err := c.Encode(&out, message.New(message.PingAck, "", nil)); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if out.Len() != 2 || out.Bytes()[0] != ptPingResp<<4 {
		t.Fatalf("PINGRESP bytes = %v", out.Bytes())
	}
}
