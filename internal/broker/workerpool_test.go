package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWorkerPoolRunsSubmittedTasks(t *testing.T) {
	p := newWorkerPool(2, 8, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var n int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			atomic.AddInt32(&n, 1)
		})
	}
	wg.Wait()

	if got := atomic.LoadInt32(&n); got != 10 {
		t.Fatalf("expected 10 tasks to run, got %d", got)
	}
	p.Stop()
}

func TestWorkerPoolRecoversFromPanickingTask(t *testing.T) {
	p := newWorkerPool(1, 4, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var ran int32
	p.Submit(func() { panic("boom") })

	done := make(chan struct{})
	p.Submit(func() {
		atomic.StoreInt32(&ran, 1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool stopped processing tasks after a panic")
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("expected the task after a panicking one to still run")
	}
	p.Stop()
}
