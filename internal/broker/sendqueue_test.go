package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"smq/internal/message"
)

func newTestPool(t *testing.T) *workerPool {
	t.Helper()
	p := newWorkerPool(2, 32, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		p.Stop()
	})
	p.Start(ctx)
	return p
}

func TestSendQueueDrainsInFIFOOrder(t *testing.T) {
	pool := newTestPool(t)

	var mu sync.Mutex
	var order []string
	drained := make(chan struct{}, 10)

	drain := func(item outboundItem) {
		mu.Lock()
		order = append(order, string(item.msg.Payload))
		mu.Unlock()
		drained <- struct{}{}
	}
	q := newSendQueue(100, pool, drain, func(outboundItem) {})

	for i := 0; i < 5; i++ {
		q.push(outboundItem{msg: message.New(message.Publish, "q/1", []byte{byte('a' + i)})})
	}

	for i := 0; i < 5; i++ {
		select {
		case <-drained:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for drain")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := "abcde"
	if len(order) != 5 {
		t.Fatalf("expected 5 drained items, got %d", len(order))
	}
	for i, v := range order {
		if v != string(want[i]) {
			t.Fatalf("out of order drain: got %v, want FIFO a..e", order)
		}
	}
}

func TestSendQueueDropsOldestAboveHighWater(t *testing.T) {
	pool := newTestPool(t)

	block := make(chan struct{})
	var dropped []string
	var mu sync.Mutex

	drain := func(item outboundItem) {
		<-block // keep the one in-flight item from draining so the queue actually backs up
	}
	onDrop := func(item outboundItem) {
		mu.Lock()
		dropped = append(dropped, string(item.msg.Payload))
		mu.Unlock()
	}
	q := newSendQueue(2, pool, drain, onDrop)

	q.push(outboundItem{msg: message.New(message.Publish, "q/1", []byte("m0"))}) // picked up by the worker, blocks
	time.Sleep(20 * time.Millisecond)                                            // let the worker claim it before we fill the queue

	q.push(outboundItem{msg: message.New(message.Publish, "q/1", []byte("m1"))})
	q.push(outboundItem{msg: message.New(message.Publish, "q/1", []byte("m2"))})
	q.push(outboundItem{msg: message.New(message.Publish, "q/1", []byte("m3"))}) // above high-water(2): drops m1

	close(block)

	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || dropped[0] != "m1" {
		t.Fatalf("expected m1 to be dropped oldest-first, got %v", dropped)
	}
	if got := q.slowConsumerDrops(); got != 1 {
		t.Fatalf("expected slow_consumer_drops=1, got %d", got)
	}
}
