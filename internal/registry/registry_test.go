package registry

import (
	"sync"
	"testing"

	"smq/internal/message"
)

type fakeSub struct {
	id       uint64
	mu       sync.Mutex
	received []*message.Message
}

func (f *fakeSub) ID() uint64 { return f.id }
func (f *fakeSub) Enqueue(m *message.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, m)
}
func (f *fakeSub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func TestSubscribeDeliver(t *testing.T) {
	r := New()
	s1 := &fakeSub{id: 1}
	s2 := &fakeSub{id: 2}
	r.Subscribe(s1, []string{"q/1"})
	r.Subscribe(s2, []string{"q/1"})

	m := message.New(message.Publish, "q/1", []byte("hi"))
	r.Deliver("q/1", m)

	if s1.count() != 1 || s2.count() != 1 {
		t.Fatalf("expected both subscribers to receive the message, got s1=%d s2=%d", s1.count(), s2.count())
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	r := New()
	s1 := &fakeSub{id: 1}
	r.Subscribe(s1, []string{"q/1"})
	r.Subscribe(s1, []string{"q/1"})
	if len(r.Subscribers("q/1")) != 1 {
		t.Fatalf("expected one subscriber after duplicate subscribe, got %d", len(r.Subscribers("q/1")))
	}
}

func TestUnsubscribeRemovesPair(t *testing.T) {
	r := New()
	s1 := &fakeSub{id: 1}
	r.Subscribe(s1, []string{"q/1"})
	r.Unsubscribe(s1, "q/1")
	if len(r.Subscribers("q/1")) != 0 {
		t.Fatal("expected no subscribers after unsubscribe")
	}

	m := message.New(message.Publish, "q/1", []byte("hi"))
	r.Deliver("q/1", m)
	if s1.count() != 0 {
		t.Fatal("unsubscribed connection should not receive delivery")
	}
}

func TestClearConnectionExcludesFutureDeliveries(t *testing.T) {
	r := New()
	s1 := &fakeSub{id: 1}
	r.Subscribe(s1, []string{"q/1", "q/2"})
	r.ClearConnection(s1)

	r.Deliver("q/1", message.New(message.Publish, "q/1", nil))
	r.Deliver("q/2", message.New(message.Publish, "q/2", nil))

	if s1.count() != 0 {
		t.Fatal("cleared connection must never receive a delivery (P4)")
	}
}

func TestDeliverUnknownDestinationIsNoOp(t *testing.T) {
	r := New()
	r.Deliver("nobody-subscribed", message.New(message.Publish, "nobody-subscribed", nil))
}

func TestPerPublisherFIFO(t *testing.T) {
	r := New()
	s1 := &fakeSub{id: 1}
	r.Subscribe(s1, []string{"q/1"})

	m1 := message.New(message.Publish, "q/1", []byte("m1"))
	m2 := message.New(message.Publish, "q/1", []byte("m2"))
	r.Deliver("q/1", m1)
	r.Deliver("q/1", m2)

	if s1.count() != 2 {
		t.Fatalf("expected 2 messages, got %d", s1.count())
	}
	if string(s1.received[0].Payload) != "m1" || string(s1.received[1].Payload) != "m2" {
		t.Fatalf("expected FIFO order m1,m2, got %q,%q", s1.received[0].Payload, s1.received[1].Payload)
	}
}
