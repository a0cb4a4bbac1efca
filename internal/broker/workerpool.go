package broker

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// task is a unit of dispatch: "drain this connection's send queue until
// empty". Grounded on ws/worker_pool.go's Task/WorkerPool.
type task func()

// workerPool is a fixed-size set of goroutines draining a bounded task
// queue. Oversubscription shows up as send-queue growth on the connections
// waiting to be drained, not as dropped tasks: Submit blocks only as long
// as it takes to land in the channel buffer, never on completion.
type workerPool struct {
	size    int
	tasks   chan task
	wg      sync.WaitGroup
	log     zerolog.Logger
	started bool
	startMu sync.Mutex
}

// newWorkerPool builds a pool with the given worker count and task queue
// capacity. size is normally runtime.GOMAXPROCS(0) as tuned by
// go.uber.org/automaxprocs at process start.
func newWorkerPool(size, queueCapacity int, log zerolog.Logger) *workerPool {
	if size < 1 {
		size = 1
	}
	return &workerPool{
		size:  size,
		tasks: make(chan task, queueCapacity),
		log:   log,
	}
}

// Start launches the worker goroutines. Safe to call once.
func (p *workerPool) Start(ctx context.Context) {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

func (p *workerPool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			p.execute(t)
		}
	}
}

func (p *workerPool) execute(t task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker pool task panicked")
		}
	}()
	t()
}

// Submit enqueues t without blocking on completion. The task queue is sized
// generously at construction (spec.md: oversubscription manifests as
// send-queue growth, not dropped tasks), so Submit blocking briefly on a
// full channel is acceptable; it never silently drops a dispatch the way
// the send queue itself drops messages under back-pressure.
func (p *workerPool) Submit(t task) {
	select {
	case p.tasks <- t:
	default:
		// Task queue saturated: block rather than drop, since dropping a
		// dispatch would silently stop draining a connection's queue.
		p.tasks <- t
	}
}

// Stop closes the task channel and waits for in-flight tasks to finish.
func (p *workerPool) Stop() {
	close(p.tasks)
	p.wg.Wait()
}
