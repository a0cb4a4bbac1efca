package smq

import (
	"bytes"
	"errors"
	"testing"

	"smq/internal/codec"
	"smq/internal/message"
)

func TestRoundTrip(t *testing.T) {
	cases := []*message.Message{
		message.New(message.Connect, "", nil),
		message.New(message.Subscribe, "q/1", nil),
		message.New(message.Unsubscribe, "q/1", nil),
		message.New(message.Publish, "q/1", []byte("hello world")),
		message.New(message.Publish, "q/1", nil),
		message.New(message.Ping, "", nil),
		message.New(message.PingAck, "", nil),
	}
	cases[0].SetHeader("client_id", "c1")
	cases[0].SetHeader("user", "u")

	c := New()
	for _, m := range cases {
		var buf bytes.Buffer
		if err := c.Encode(&buf, m); err != nil {
			t.Fatalf("Encode(%v): %v", m.Type, err)
		}
		got, err := c.Decode(&buf)
		if err != nil {
			t.Fatalf("Decode(%v): %v", m.Type, err)
		}
		if got.Type != m.Type {
			t.Errorf("Type = %v, want %v", got.Type, m.Type)
		}
		if got.Destination != m.Destination {
			t.Errorf("Destination = %q, want %q", got.Destination, m.Destination)
		}
		if !bytes.Equal(got.Payload, m.Payload) {
			t.Errorf("Payload = %q, want %q", got.Payload, m.Payload)
		}
		for k, v := range m.Headers {
			if got.Headers[k] != v {
				t.Errorf("Header[%q] = %q, want %q", k, got.Headers[k], v)
			}
		}
	}
}

func TestDecodeBadMagic(t *testing.T) {
	c := New()
	_, err := c.Decode(bytes.NewReader([]byte("XXXX")))
	if !errors.Is(err, codec.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestDecodeShortRead(t *testing.T) {
	c := New()
	_, err := c.Decode(bytes.NewReader([]byte("MS")))
	if !errors.Is(err, codec.ErrConnectionClosed) {
		t.Fatalf("err = %v, want ErrConnectionClosed", err)
	}
}

func TestEncodeEmptyDestinationFails(t *testing.T) {
	c := New()
	m := message.New(message.Subscribe, "", nil)
	var buf bytes.Buffer
	err := c.Encode(&buf, m)
	if !errors.Is(err, codec.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestDecodeOversizedPayloadFails(t *testing.T) {
	c := New()
	var buf bytes.Buffer
	buf.Write(wireMagic[:])
	buf.WriteByte(5) // MESSAGE
	buf.WriteByte(0) // no headers
	buf.WriteByte(3)
	buf.WriteString("q/1")
	// declare a payload length larger than the 16MiB limit
	buf.Write([]byte{0, 0, 0, 0x02})
	_, err := c.Decode(&buf)
	if !errors.Is(err, codec.ErrLimit) {
		t.Fatalf("err = %v, want ErrLimit", err)
	}
}
