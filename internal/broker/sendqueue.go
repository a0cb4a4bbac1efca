package broker

import (
	"sync"
	"sync/atomic"

	"smq/internal/message"
	"smq/internal/storage"
)

// outboundItem is what actually sits on a send queue. handle is non-nil
// only for MESSAGE frames recovered from or destined for persistent
// storage; the last send queue to finish with such an item frees the
// backing slot (see Message.Release in message.go and Engine.Free in
// storage.go).
type outboundItem struct {
	msg    *message.Message
	handle *storage.Handle
}

// sendQueue is a per-connection FIFO of outbound Messages awaiting encode
// and transmission. Grounded on spec.md §4.5's "processing flag" pattern:
// a push that finds the queue idle flips it to processing and submits the
// connection as a drain task to the worker pool; the worker drains until
// empty, clears the flag, then re-checks to catch a push that raced the
// clear.
type sendQueue struct {
	mu         sync.Mutex
	items      []outboundItem
	processing int32 // atomic bool

	highWater int
	dropped   int64 // slow_consumer_drops

	pool *workerPool
	// drain is called by the worker pool with items popped one at a
	// time in FIFO order; see connection.sendOne.
	drain func(outboundItem)
	// onDrop is called (inline, not on the pool) for an item evicted by
	// back-pressure before it was ever handed to drain.
	onDrop func(outboundItem)
}

func newSendQueue(highWater int, pool *workerPool, drain, onDrop func(outboundItem)) *sendQueue {
	return &sendQueue{highWater: highWater, pool: pool, drain: drain, onDrop: onDrop}
}

// push enqueues item. If the queue is above the high-water mark, the
// oldest message is dropped (oldest-first) and slow_consumer_drops is
// incremented, satisfying P6. Never blocks on socket I/O: the worker pool
// does the actual write.
func (q *sendQueue) push(item outboundItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	var droppedItem *outboundItem
	for len(q.items) > q.highWater {
		d := q.items[0]
		droppedItem = &d
		q.items = q.items[1:]
		atomic.AddInt64(&q.dropped, 1)
	}
	shouldDispatch := atomic.CompareAndSwapInt32(&q.processing, 0, 1)
	q.mu.Unlock()

	if droppedItem != nil && q.onDrop != nil {
		q.onDrop(*droppedItem)
	}

	if shouldDispatch {
		q.pool.Submit(q.drainLoop)
	}
}

// drainLoop runs on a worker-pool goroutine. It drains until the queue is
// empty, clears processing, then re-checks: if push raced the clear and
// observed processing=true, it left dispatch to us, so we must look again
// before returning.
func (q *sendQueue) drainLoop() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			atomic.StoreInt32(&q.processing, 0)
			q.mu.Unlock()
			// Re-check: a push between the empty-check and the store
			// above may have observed processing=1 and skipped dispatch.
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				return
			}
			if !atomic.CompareAndSwapInt32(&q.processing, 0, 1) {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			continue
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		q.drain(item)
	}
}

func (q *sendQueue) slowConsumerDrops() int64 {
	return atomic.LoadInt64(&q.dropped)
}

func (q *sendQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// popAll empties the queue and returns whatever was left, for use by a
// connection's shutdown path once the drain deadline has elapsed: those
// items were never going to be written, but their storage handles and
// message references still need releasing.
func (q *sendQueue) popAll() []outboundItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
